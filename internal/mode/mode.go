// Package mode resolves the behaviour of a conversation mode from static
// configuration and the per-session override carried on a session lock.
package mode

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/reveille/internal/config"
)

var DefaultDelays = []time.Duration{10 * time.Second, 15 * time.Second, 20 * time.Second}

type Followup struct {
	Enabled   bool
	Delays    []time.Duration
	Step      time.Duration
	Max       int
	ExitAfter time.Duration
}

type Settings struct {
	Name                 string
	Instructions         string
	ServerInitiatesChat  bool
	SeparateConversation bool
	Followup             Followup
}

type Registry struct {
	modes     map[string]config.ModeConfig
	step      time.Duration
	exitAfter time.Duration
	readFile  func(string) ([]byte, error)
}

func NewRegistry(modes map[string]config.ModeConfig, conv config.ConversationConfig) (*Registry, error) {
	step, err := config.DurationOrDefault(conv.FollowupStep, config.DefaultConversationFollowupStep)
	if err != nil {
		return nil, fmt.Errorf("followup step: %w", err)
	}
	exitAfter, err := config.DurationOrDefault(conv.ExitAfter, config.DefaultConversationExitAfter)
	if err != nil {
		return nil, fmt.Errorf("exit after: %w", err)
	}

	copied := make(map[string]config.ModeConfig, len(modes))
	for name, m := range modes {
		copied[name] = m
	}
	return &Registry{modes: copied, step: step, exitAfter: exitAfter, readFile: os.ReadFile}, nil
}

// Names lists the statically configured modes.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modes))
	for name := range r.modes {
		names = append(names, name)
	}
	return names
}

// Resolve derives the settings of mode name with override applied on top of
// the static configuration. An empty name means no mode is active.
func (r *Registry) Resolve(name string, override map[string]any) (Settings, bool) {
	if strings.TrimSpace(name) == "" {
		return Settings{}, false
	}

	base, known := r.modes[name]
	if !known {
		slog.Warn("Unknown conversation mode, using session override only", "mode", name)
	}
	cfg := applyOverride(base, override)

	settings := Settings{
		Name:                 name,
		Instructions:         r.instructions(name, cfg),
		ServerInitiatesChat:  cfg.ServerInitiateChat,
		SeparateConversation: cfg.UseSeparateConversation,
		Followup: Followup{
			Enabled:   cfg.FollowupEnabled,
			Delays:    delays(name, cfg),
			Step:      r.step,
			Max:       cfg.FollowupMax,
			ExitAfter: r.exitAfter,
		},
	}
	if cfg.FollowupExitAfter != "" {
		if d, err := time.ParseDuration(cfg.FollowupExitAfter); err == nil && d > 0 {
			settings.Followup.ExitAfter = d
		} else {
			slog.Warn("Ignoring invalid followup_exit_after", "mode", name, "value", cfg.FollowupExitAfter)
		}
	}
	if settings.Followup.Max < 0 {
		settings.Followup.Max = 0
	}
	return settings, true
}

func (r *Registry) instructions(name string, cfg config.ModeConfig) string {
	if cfg.InstructionsFile != "" {
		data, err := r.readFile(cfg.InstructionsFile)
		if err == nil && strings.TrimSpace(string(data)) != "" {
			return strings.TrimSpace(string(data))
		}
		slog.Warn("Instructions file unreadable, using inline instructions", "mode", name, "path", cfg.InstructionsFile, "error", err)
	}
	return strings.TrimSpace(cfg.Instructions)
}

// delays picks the explicit list, else the single delay, else DefaultDelays.
func delays(name string, cfg config.ModeConfig) []time.Duration {
	parse := func(values []string) []time.Duration {
		var out []time.Duration
		for _, v := range values {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil || d <= 0 {
				slog.Warn("Ignoring invalid follow-up delay", "mode", name, "value", v)
				continue
			}
			out = append(out, d)
		}
		return out
	}

	if out := parse(cfg.FollowupDelays); len(out) > 0 {
		return out
	}
	if cfg.FollowupDelay != "" {
		if out := parse([]string{cfg.FollowupDelay}); len(out) > 0 {
			return out
		}
	}
	return append([]time.Duration(nil), DefaultDelays...)
}
