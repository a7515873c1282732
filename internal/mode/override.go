package mode

import (
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/harunnryd/reveille/internal/config"
)

// applyOverride copies base and replaces the fields present in override.
// Numeric durations are seconds; string durations use Go syntax.
func applyOverride(base config.ModeConfig, override map[string]any) config.ModeConfig {
	cfg := base
	cfg.FollowupDelays = append([]string(nil), base.FollowupDelays...)

	for key, raw := range override {
		switch key {
		case "instructions":
			if s, ok := raw.(string); ok {
				cfg.Instructions = s
			}
		case "instructions_file":
			if s, ok := raw.(string); ok {
				if expanded, err := config.ExpandPath(s); err == nil {
					cfg.InstructionsFile = expanded
				}
			}
		case "server_initiate_chat":
			setBool(&cfg.ServerInitiateChat, key, raw)
		case "use_separate_conversation":
			setBool(&cfg.UseSeparateConversation, key, raw)
		case "followup_enabled":
			setBool(&cfg.FollowupEnabled, key, raw)
		case "followup_max":
			if n, ok := asInt(raw); ok {
				cfg.FollowupMax = n
			} else {
				slog.Warn("Ignoring mode override", "key", key, "value", raw)
			}
		case "followup_delay":
			if d, ok := asDuration(raw); ok {
				cfg.FollowupDelay = d
				cfg.FollowupDelays = nil
			} else {
				slog.Warn("Ignoring mode override", "key", key, "value", raw)
			}
		case "followup_delays":
			list, ok := raw.([]any)
			if !ok {
				slog.Warn("Ignoring mode override", "key", key, "value", raw)
				continue
			}
			var out []string
			for _, v := range list {
				if d, ok := asDuration(v); ok {
					out = append(out, d)
				}
			}
			cfg.FollowupDelays = out
		case "followup_exit_after":
			if d, ok := asDuration(raw); ok {
				cfg.FollowupExitAfter = d
			}
		default:
			slog.Debug("Unknown mode override key", "key", key)
		}
	}
	return cfg
}

func setBool(dst *bool, key string, raw any) {
	switch v := raw.(type) {
	case bool:
		*dst = v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
			return
		}
		slog.Warn("Ignoring mode override", "key", key, "value", raw)
	default:
		slog.Warn("Ignoring mode override", "key", key, "value", raw)
	}
}

func asInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func asDuration(raw any) (string, bool) {
	switch v := raw.(type) {
	case float64:
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return time.Duration(v * float64(time.Second)).String(), true
	case int:
		if v <= 0 {
			return "", false
		}
		return (time.Duration(v) * time.Second).String(), true
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return v, true
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second)).String(), true
		}
	}
	return "", false
}
