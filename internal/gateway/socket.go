package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socket serialises writes to one websocket and delivers assistant replies.
type socket struct {
	ws           *websocket.Conn
	sessionID    string
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (s *socket) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// Deliver sends one assistant reply framed by tts start/stop.
func (s *socket) Deliver(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeJSON(ttsMessage{Type: typeTTS, State: ttsStart, SessionID: s.sessionID}); err != nil {
		return err
	}
	if err := s.writeJSON(llmMessage{Type: typeLLM, Text: text, SessionID: s.sessionID}); err != nil {
		return err
	}
	if err := s.writeJSON(ttsMessage{Type: typeTTS, State: ttsSentenceStart, Text: text, SessionID: s.sessionID}); err != nil {
		return err
	}
	return s.writeJSON(ttsMessage{Type: typeTTS, State: ttsStop, SessionID: s.sessionID})
}

func (s *socket) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	deadline := time.Now().Add(s.writeTimeout)
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.ws.Close()
}
