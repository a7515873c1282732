package gateway

import "encoding/json"

// inbound is the union of the text frames a device sends.
type inbound struct {
	Type        string          `json:"type"`
	State       string          `json:"state,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Text        string          `json:"text,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Version     int             `json:"version,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	AudioParams json.RawMessage `json:"audio_params,omitempty"`
	Features    features        `json:"features"`
}

type features struct {
	Mode string `json:"mode,omitempty"`
	MCP  bool   `json:"mcp,omitempty"`
}

type helloReply struct {
	Type        string          `json:"type"`
	Transport   string          `json:"transport"`
	SessionID   string          `json:"session_id"`
	Mode        string          `json:"mode,omitempty"`
	AudioParams json.RawMessage `json:"audio_params,omitempty"`
}

type llmMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

type ttsMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

const (
	typeHello  = "hello"
	typeListen = "listen"
	typeAbort  = "abort"
	typeLLM    = "llm"
	typeTTS    = "tts"

	listenStart  = "start"
	listenStop   = "stop"
	listenDetect = "detect"

	ttsStart         = "start"
	ttsSentenceStart = "sentence_start"
	ttsStop          = "stop"
)
