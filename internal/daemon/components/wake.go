package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/daemon"
	"github.com/harunnryd/reveille/internal/session"
	"github.com/harunnryd/reveille/internal/trigger"
	"github.com/harunnryd/reveille/internal/wake"
)

// WakeComponent runs the periodic trigger scan and publishes wake messages.
type WakeComponent struct {
	cfg       *config.Config
	storeComp *RecordStoreComponent
	publisher wake.Publisher
	mqtt      *wake.MQTTPublisher
	runner    *wake.Runner
}

func NewWakeComponent(cfg *config.Config, storeComp *RecordStoreComponent) *WakeComponent {
	return &WakeComponent{cfg: cfg, storeComp: storeComp}
}

// WithPublisher replaces the MQTT publisher, mainly for tests.
func (w *WakeComponent) WithPublisher(pub wake.Publisher) *WakeComponent {
	w.publisher = pub
	return w
}

func (w *WakeComponent) Name() string {
	return "Wake"
}

func (w *WakeComponent) Dependencies() []string {
	return []string{"RecordStore"}
}

func (w *WakeComponent) Init(ctx context.Context) error {
	if w.storeComp == nil {
		return fmt.Errorf("storeComp not provided")
	}
	records := w.storeComp.Records()
	if records == nil {
		return fmt.Errorf("record store not initialized")
	}

	sched, err := wake.NewScheduler(trigger.NewStore(records), trigger.NewProfiles(records), session.NewStore(records), w.cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("failed to create wake scheduler: %w", err)
	}

	pub := w.publisher
	if pub == nil && strings.TrimSpace(w.cfg.Wake.Broker) != "" {
		mp, err := wake.NewMQTTPublisher(w.cfg.Wake)
		if err != nil {
			return fmt.Errorf("failed to create mqtt publisher: %w", err)
		}
		w.mqtt = mp
		pub = mp
	}
	if pub == nil {
		slog.Warn("No MQTT broker configured, wake messages will not be sent", "component", w.Name())
	}

	runner, err := wake.NewRunner(sched, wake.NewDispatcher(pub, w.cfg.Wake), w.cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("failed to create wake runner: %w", err)
	}
	if err := runner.Init(ctx); err != nil {
		return err
	}
	w.runner = runner

	slog.Info("Wake initialized", "component", w.Name(), "schedule", w.cfg.Scheduler.Schedule, "broker", w.cfg.Wake.Broker != "")
	return nil
}

func (w *WakeComponent) Start(ctx context.Context) error {
	if w.runner == nil {
		return fmt.Errorf("Wake not initialized")
	}
	return w.runner.Start(ctx)
}

func (w *WakeComponent) Stop(ctx context.Context) error {
	var err error
	if w.runner != nil {
		err = w.runner.Stop(ctx)
	}
	if w.mqtt != nil {
		if cerr := w.mqtt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (w *WakeComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if w.runner == nil {
		return &daemon.ComponentHealth{Name: w.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if err := w.runner.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: w.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: w.Name(), Healthy: true}, nil
}

func (w *WakeComponent) Runner() *wake.Runner {
	return w.runner
}
