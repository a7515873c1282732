package wake

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/harunnryd/reveille/internal/config"
)

// Publisher delivers a payload on a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// StartMessage tells a device to open its websocket session.
type StartMessage struct {
	Type    string `json:"type"`
	WSS     string `json:"wss"`
	Version int    `json:"version"`
}

func Topic(namespace, deviceID string) string {
	return namespace + "/" + deviceID + "/down"
}

type Dispatcher struct {
	pub       Publisher
	wsURL     string
	namespace string
	version   int
}

func NewDispatcher(pub Publisher, cfg config.WakeConfig) *Dispatcher {
	namespace := strings.Trim(strings.TrimSpace(cfg.Namespace), "/")
	if namespace == "" {
		namespace = config.DefaultWakeNamespace
	}
	version := cfg.ProtocolVersion
	if version <= 0 {
		version = config.DefaultWakeProtocolVersion
	}
	return &Dispatcher{
		pub:       pub,
		wsURL:     strings.TrimSpace(cfg.WSURL),
		namespace: namespace,
		version:   version,
	}
}

// Dispatch publishes a start message per request and returns how many were
// delivered. A failed publish is logged; the session lock stays in place.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []Request) int {
	if len(reqs) == 0 {
		return 0
	}
	if d.wsURL == "" {
		slog.Warn("No websocket url configured, skipping wake dispatch", "requests", len(reqs))
		return 0
	}
	if d.pub == nil {
		slog.Warn("No wake publisher configured, skipping wake dispatch", "requests", len(reqs))
		return 0
	}

	payload, err := json.Marshal(StartMessage{Type: "ws_start", WSS: d.wsURL, Version: d.version})
	if err != nil {
		slog.Error("Failed to encode wake message", "error", err)
		return 0
	}

	sent := 0
	for _, req := range reqs {
		topic := Topic(d.namespace, req.DeviceID)
		if err := d.pub.Publish(ctx, topic, payload); err != nil {
			slog.Error("Failed to publish wake message", "request_id", req.ID, "device_id", req.DeviceID, "topic", topic, "error", err)
			continue
		}
		sent++
		slog.Info("Wake message published", "request_id", req.ID, "device_id", req.DeviceID, "trigger_id", req.TriggerID, "topic", topic)
	}
	if sent < len(reqs) {
		slog.Warn("Some wake messages were not delivered", "sent", sent, "total", len(reqs))
	}
	return sent
}
