// Package gateway accepts device websocket connections and drives each one
// through a conversation connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harunnryd/reveille/internal/audio"
	"github.com/harunnryd/reveille/internal/concurrency"
	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/connection"
	"github.com/harunnryd/reveille/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	HeaderDeviceID  = "device-id"
	HeaderTransport = "transport"
	TransportRelay  = "mqtt-gateway"

	helloTimeout = 10 * time.Second
	closeTimeout = 10 * time.Second
)

// AudioSink receives ordered inbound audio, typically a speech recogniser.
type AudioSink interface {
	Frame(ctx context.Context, deviceID string, f audio.Frame)
}

type Handler struct {
	deps     connection.Deps
	sink     AudioSink
	devices  *concurrency.KeyedLocker
	upgrader websocket.Upgrader
	active   atomic.Int64

	readLimit    int64
	window       int
	idleCheck    time.Duration
	writeTimeout time.Duration
	greeting     string
	ttl          time.Duration
	poll         time.Duration
}

// New builds the websocket handler. deps.Output is ignored; every socket
// delivers replies to its own device.
func New(gw config.GatewayConfig, conv config.ConversationConfig, deps connection.Deps, sink AudioSink) (*Handler, error) {
	idleCheck, err := config.DurationOrDefault(gw.IdleCheckInterval, config.DefaultGatewayIdleCheckInterval)
	if err != nil {
		return nil, fmt.Errorf("parse gateway idle check interval: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(gw.WriteTimeout, config.DefaultGatewayWriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse gateway write timeout: %w", err)
	}
	ttl, err := config.DurationOrDefault(conv.TTL, config.DefaultConversationTTL)
	if err != nil {
		return nil, fmt.Errorf("parse conversation ttl: %w", err)
	}
	poll, err := config.DurationOrDefault(conv.PollInterval, config.DefaultConversationPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse conversation poll interval: %w", err)
	}

	readLimit := gw.ReadLimit
	if readLimit <= 0 {
		readLimit = config.DefaultGatewayReadLimit
	}
	window := gw.ReorderWindow
	if window <= 0 {
		window = config.DefaultGatewayReorderWindow
	}

	return &Handler{
		deps:    deps,
		sink:    sink,
		devices: concurrency.NewKeyedLocker(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		readLimit:    readLimit,
		window:       window,
		idleCheck:    idleCheck,
		writeTimeout: writeTimeout,
		greeting:     gw.GreetingText,
		ttl:          ttl,
		poll:         poll,
	}, nil
}

// ActiveConnections is the number of open device sockets.
func (h *Handler) ActiveConnections() int {
	return int(h.active.Load())
}

func requestValue(r *http.Request, name string) string {
	if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get(name))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	deviceID := strings.ToLower(requestValue(r, HeaderDeviceID))
	if deviceID == "" {
		http.Error(w, "missing device-id", http.StatusBadRequest)
		return
	}
	relay := requestValue(r, HeaderTransport) == TransportRelay

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}
	ws.SetReadLimit(h.readLimit)

	h.active.Add(1)
	defer h.active.Add(-1)

	sessionID := ulid.Make().String()
	ctx, cancel := context.WithCancel(logger.WithDeviceID(logger.WithTraceID(context.Background(), sessionID), deviceID))
	defer cancel()

	out := &socket{ws: ws, sessionID: sessionID, writeTimeout: h.writeTimeout}
	defer out.close(websocket.CloseNormalClosure, "")

	h.serve(ctx, cancel, ws, out, deviceID, relay)
}

func (h *Handler) serve(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, out *socket, deviceID string, relay bool) {
	log := logger.FromContext(ctx)

	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	hello, err := readHello(ws)
	if err != nil {
		log.Warn("Handshake failed", "error", err)
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	deps := h.deps
	deps.Output = out
	conn := connection.New(deviceID, deps,
		connection.WithConversationTTL(h.ttl),
		connection.WithPollInterval(h.poll),
		connection.WithGreeting(h.greeting),
		connection.WithRequestedMode(hello.Features.Mode),
	)

	if err := h.open(ctx, conn); err != nil {
		log.Error("Failed to open connection", "error", err)
		return
	}
	defer func() {
		cancel()
		closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
		defer cancelClose()
		if err := conn.Close(closeCtx); err != nil {
			log.Warn("Connection close persisted with error", "error", err)
		}
	}()

	settings, _ := conn.Settings()
	reply := helloReply{Type: typeHello, Transport: "websocket", SessionID: out.sessionID, Mode: settings.Name, AudioParams: hello.AudioParams}
	if err := out.writeJSON(reply); err != nil {
		log.Warn("Failed to send hello", "error", err)
		return
	}
	log.Info("Device connected", "relay", relay, "mode", settings.Name, "scope", conn.Scope())

	started := make(chan struct{})
	concurrency.SafeGo(func() {
		defer close(started)
		if err := conn.Start(ctx); err != nil {
			log.Warn("Connection start failed", "error", err)
		}
	}, nil)
	concurrency.SafeGo(func() { h.watchIdle(ctx, cancel, conn, out) }, nil)

	stats := &frameStats{}
	reorder := audio.NewReorderer(h.window, func(f audio.Frame) {
		stats.delivered++
		if h.sink != nil {
			h.sink.Frame(ctx, deviceID, f)
		}
	})
	defer func() {
		reorder.Flush()
		log.Debug("Audio stream finished", "received", stats.received, "delivered", stats.delivered, "dropped", stats.dropped)
	}()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Info("Device socket closed", "error", err)
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			stats.received++
			conn.MarkSpeechActivity()
			h.handleAudio(data, relay, reorder, stats)
		case websocket.TextMessage:
			h.handleText(ctx, conn, out, data, started, reorder)
		}
	}
}

func (h *Handler) open(ctx context.Context, conn *connection.Conn) error {
	h.devices.Lock(conn.DeviceID())
	defer h.devices.Unlock(conn.DeviceID())

	if err := conn.Hydrate(ctx); err != nil {
		return err
	}
	return conn.Bind(ctx)
}

func readHello(ws *websocket.Conn) (inbound, error) {
	kind, data, err := ws.ReadMessage()
	if err != nil {
		return inbound{}, fmt.Errorf("read hello: %w", err)
	}
	if kind != websocket.TextMessage {
		return inbound{}, fmt.Errorf("first frame must be hello")
	}
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return inbound{}, fmt.Errorf("decode hello: %w", err)
	}
	if msg.Type != typeHello {
		return inbound{}, fmt.Errorf("first frame must be hello, got %q", msg.Type)
	}
	return msg, nil
}

type frameStats struct {
	received  int
	delivered int
	dropped   int
}

func (h *Handler) handleAudio(data []byte, relay bool, reorder *audio.Reorderer, stats *frameStats) {
	if !relay {
		reorder.Push(audio.Frame{Payload: data})
		return
	}
	f, ok := audio.ParseRelayPacket(data)
	if !ok {
		stats.dropped++
		return
	}
	reorder.Push(f)
}

func (h *Handler) handleText(ctx context.Context, conn *connection.Conn, out *socket, data []byte, started <-chan struct{}, reorder *audio.Reorderer) {
	log := logger.FromContext(ctx)

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug("Ignoring undecodable text frame", "error", err)
		return
	}

	switch msg.Type {
	case typeHello:
		settings, _ := conn.Settings()
		if err := out.writeJSON(helloReply{Type: typeHello, Transport: "websocket", SessionID: out.sessionID, Mode: settings.Name, AudioParams: msg.AudioParams}); err != nil {
			log.Warn("Failed to answer hello", "error", err)
		}
	case typeListen:
		switch msg.State {
		case listenStart:
			conn.SetClientSpeaking(true)
		case listenStop:
			conn.SetClientSpeaking(false)
			reorder.Flush()
		case listenDetect:
			conn.SetClientSpeaking(false)
			reorder.Flush()
			text := strings.TrimSpace(msg.Text)
			if text == "" {
				return
			}
			concurrency.SafeGo(func() {
				select {
				case <-started:
				case <-ctx.Done():
					return
				}
				if _, err := conn.Submit(ctx, connection.Turn{Text: text, Kind: connection.KindUser}); err != nil {
					log.Warn("User turn failed", "error", err)
				}
			}, nil)
		default:
			log.Debug("Ignoring listen state", "state", msg.State)
		}
	case typeAbort:
		conn.MarkAssistantStopped()
		if err := out.writeJSON(ttsMessage{Type: typeTTS, State: ttsStop, SessionID: out.sessionID}); err != nil {
			log.Debug("Failed to acknowledge abort", "error", err)
		}
	default:
		log.Debug("Ignoring message", "type", msg.Type)
	}
}

func (h *Handler) watchIdle(ctx context.Context, cancel context.CancelFunc, conn *connection.Conn, out *socket) {
	ticker := time.NewTicker(h.idleCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if conn.IdleExpired(now) {
				logger.FromContext(ctx).Info("No response after follow-ups, closing connection")
				cancel()
				out.close(websocket.CloseNormalClosure, "idle")
				return
			}
		}
	}
}
