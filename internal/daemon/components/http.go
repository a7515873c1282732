package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/connection"
	"github.com/harunnryd/reveille/internal/conversation"
	"github.com/harunnryd/reveille/internal/daemon"
	"github.com/harunnryd/reveille/internal/gateway"
	"github.com/harunnryd/reveille/internal/llm"
	"github.com/harunnryd/reveille/internal/mode"
	"github.com/harunnryd/reveille/internal/session"
)

// HTTPServerComponent serves /health and the device websocket gateway.
type HTTPServerComponent struct {
	daemon      *daemon.Daemon
	cfg         *config.Config
	storeComp   *RecordStoreComponent
	threads     conversation.Threads
	responder   conversation.Responder
	gateway     *gateway.Handler
	mux         *http.ServeMux
	server      *http.Server
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.Config, storeComp *RecordStoreComponent) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon:    d,
		cfg:       cfg,
		storeComp: storeComp,
	}
}

// WithBackend swaps the OpenAI client for the given thread and reply backends.
func (h *HTTPServerComponent) WithBackend(threads conversation.Threads, responder conversation.Responder) *HTTPServerComponent {
	h.threads = threads
	h.responder = responder
	return h
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return []string{"RecordStore"}
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.storeComp == nil || h.storeComp.Records() == nil {
		return fmt.Errorf("record store not initialized")
	}
	records := h.storeComp.Records()

	modes, err := mode.NewRegistry(h.cfg.Modes, h.cfg.Conversation)
	if err != nil {
		return fmt.Errorf("failed to build mode registry: %w", err)
	}

	threads, responder := h.threads, h.responder
	if threads == nil || responder == nil {
		client, err := llm.New(h.cfg.LLM)
		if err != nil {
			return fmt.Errorf("failed to create llm client: %w", err)
		}
		if threads == nil {
			threads = client
		}
		if responder == nil {
			responder = client
		}
	}

	gw, err := gateway.New(h.cfg.Gateway, h.cfg.Conversation, connection.Deps{
		Locks:     session.NewStore(records),
		Devices:   conversation.NewDeviceStore(records),
		Modes:     modes,
		Threads:   threads,
		Responder: responder,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	h.gateway = gw

	path := h.cfg.Gateway.Path
	if path == "" {
		path = config.DefaultGatewayPath
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle(path, gw)
	h.mux = mux

	readTimeout, err := config.DurationOrDefault(h.cfg.Server.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.Server.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	// No WriteTimeout: it would cut hijacked websocket connections.
	h.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", h.cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Server.Port, "gateway_path", path)
	return nil
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", h.server.Addr)
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	h.startTime = time.Now()
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		slog.Info("HTTPServer not started, skipping stop", "component", h.Name())
		return nil
	}

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name(), "uptime", time.Since(h.startTime).Round(time.Second))
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !h.started {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    h.Name(),
		Healthy: true,
		Detail:  map[string]any{"active_connections": h.gateway.ActiveConnections()},
	}, nil
}

// Handler exposes the routed mux once Init has run.
func (h *HTTPServerComponent) Handler() http.Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mux
}

func (h *HTTPServerComponent) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	healthResponse := map[string]interface{}{
		"status":             "ok",
		"active_connections": h.gateway.ActiveConnections(),
	}

	if h.daemon != nil {
		healthResponse["status"] = string(h.daemon.Health())
		healthResponse["uptime"] = h.daemon.Uptime().Round(time.Second).String()

		componentHealthMap := make(map[string]interface{})
		for name, ch := range h.daemon.ComponentHealth() {
			entry := map[string]interface{}{"healthy": ch.Healthy}
			if ch.Error != nil {
				entry["error"] = ch.Error.Error()
			}
			for k, v := range ch.Detail {
				entry[k] = v
			}
			componentHealthMap[name] = entry
		}
		healthResponse["components"] = componentHealthMap
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(healthResponse)
}
