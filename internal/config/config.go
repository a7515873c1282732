package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server       ServerConfig          `koanf:"server"`
	Store        StoreConfig           `koanf:"store"`
	Scheduler    SchedulerConfig       `koanf:"scheduler"`
	Wake         WakeConfig            `koanf:"wake"`
	Conversation ConversationConfig    `koanf:"conversation"`
	Modes        map[string]ModeConfig `koanf:"modes"`
	Gateway      GatewayConfig         `koanf:"gateway"`
	LLM          LLMConfig             `koanf:"llm"`
	Daemon       DaemonConfig          `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

// StoreConfig selects the record backend. Path is the directory for the file
// backend, SQLitePath the database file for the sqlite backend.
type StoreConfig struct {
	Backend     string `koanf:"backend"`
	Path        string `koanf:"path"`
	SQLitePath  string `koanf:"sqlite_path"`
	LockTimeout string `koanf:"lock_timeout"`
	LockRetry   string `koanf:"lock_retry"`
	BusyTimeout string `koanf:"busy_timeout"`
}

type SchedulerConfig struct {
	Schedule        string `koanf:"schedule"`
	Lookahead       string `koanf:"lookahead"`
	SessionTTL      string `koanf:"session_ttl"`
	SessionType     string `koanf:"session_type"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type WakeConfig struct {
	WSURL           string `koanf:"ws_url"`
	Broker          string `koanf:"broker"`
	Namespace       string `koanf:"namespace"`
	ClientID        string `koanf:"client_id"`
	ProtocolVersion int    `koanf:"protocol_version"`
	PublishTimeout  string `koanf:"publish_timeout"`
	ConnectTimeout  string `koanf:"connect_timeout"`
}

type ConversationConfig struct {
	TTL          string `koanf:"ttl"`
	PollInterval string `koanf:"poll_interval"`
	FollowupStep string `koanf:"followup_step"`
	ExitAfter    string `koanf:"exit_after"`
	DefaultMode  string `koanf:"default_mode"`
}

// ModeConfig is the static behaviour of a conversation mode. Durations are
// strings ("10s"); FollowupDelays wins over FollowupDelay when both are set.
type ModeConfig struct {
	Instructions            string   `koanf:"instructions"`
	InstructionsFile        string   `koanf:"instructions_file"`
	ServerInitiateChat      bool     `koanf:"server_initiate_chat"`
	UseSeparateConversation bool     `koanf:"use_separate_conversation"`
	FollowupEnabled         bool     `koanf:"followup_enabled"`
	FollowupDelay           string   `koanf:"followup_delay"`
	FollowupDelays          []string `koanf:"followup_delays"`
	FollowupMax             int      `koanf:"followup_max"`
	FollowupExitAfter       string   `koanf:"followup_exit_after"`
}

type GatewayConfig struct {
	Path              string `koanf:"path"`
	ReadLimit         int64  `koanf:"read_limit"`
	ReorderWindow     int    `koanf:"reorder_window"`
	IdleCheckInterval string `koanf:"idle_check_interval"`
	WriteTimeout      string `koanf:"write_timeout"`
	GreetingText      string `koanf:"greeting_text"`
}

type LLMConfig struct {
	APIKey         string `koanf:"api_key"`
	BaseURL        string `koanf:"base_url"`
	Model          string `koanf:"model"`
	RequestTimeout string `koanf:"request_timeout"`
}

type DaemonConfig struct {
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
	StaleLockTTL        string `koanf:"stale_lock_ttl"`
	StateDir            string `koanf:"state_dir"`
}

const (
	DefaultServerPort            = 8090
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "10s"
	DefaultServerWriteTimeout    = "10s"
	DefaultServerIdleTimeout     = "60s"
	DefaultServerShutdownTimeout = "5s"

	DefaultStoreBackend     = "file"
	DefaultStoreLockTimeout = "30s"
	DefaultStoreLockRetry   = "100ms"
	DefaultStoreBusyTimeout = "5s"

	DefaultSchedulerSchedule        = "@every 1m"
	DefaultSchedulerLookahead       = "2m"
	DefaultSchedulerSessionTTL      = "5m"
	DefaultSchedulerSessionType     = "proactive"
	DefaultSchedulerShutdownTimeout = "30s"

	DefaultWakeNamespace       = "xiaozhi"
	DefaultWakeClientID        = "reveille-scheduler"
	DefaultWakeProtocolVersion = 3
	DefaultWakePublishTimeout  = "2s"
	DefaultWakeConnectTimeout  = "5s"

	DefaultConversationTTL          = "6h"
	DefaultConversationPollInterval = "500ms"
	DefaultConversationFollowupStep = "10s"
	DefaultConversationExitAfter    = "120s"
	DefaultConversationMode         = "morning_alarm"

	DefaultMorningAlarmFollowupMax  = 5
	DefaultMorningAlarmInstructions = "You are waking the user up. Greet them warmly, tell them it is time to get up, and keep replies short."

	DefaultGatewayPath              = "/reveille/v1/"
	DefaultGatewayReadLimit         = 1 << 20
	DefaultGatewayReorderWindow     = 20
	DefaultGatewayIdleCheckInterval = "1s"
	DefaultGatewayWriteTimeout      = "5s"
	DefaultGatewayGreetingText      = "[Session started]"

	DefaultLLMBaseURL        = "https://api.openai.com/v1"
	DefaultLLMModel          = "gpt-4o-mini"
	DefaultLLMRequestTimeout = "60s"

	DefaultDaemonShutdownTimeout     = "30s"
	DefaultDaemonHealthCheckInterval = "30s"
	DefaultDaemonStaleLockTTL        = "24h"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	home := os.Getenv("HOME")
	defaults := map[string]interface{}{
		"server.port":             DefaultServerPort,
		"server.log_level":        DefaultServerLogLevel,
		"server.read_timeout":     DefaultServerReadTimeout,
		"server.write_timeout":    DefaultServerWriteTimeout,
		"server.idle_timeout":     DefaultServerIdleTimeout,
		"server.shutdown_timeout": DefaultServerShutdownTimeout,

		"store.backend":      DefaultStoreBackend,
		"store.path":         filepath.Join(home, ".reveille", "data"),
		"store.sqlite_path":  filepath.Join(home, ".reveille", "reveille.db"),
		"store.lock_timeout": DefaultStoreLockTimeout,
		"store.lock_retry":   DefaultStoreLockRetry,
		"store.busy_timeout": DefaultStoreBusyTimeout,

		"scheduler.schedule":         DefaultSchedulerSchedule,
		"scheduler.lookahead":        DefaultSchedulerLookahead,
		"scheduler.session_ttl":      DefaultSchedulerSessionTTL,
		"scheduler.session_type":     DefaultSchedulerSessionType,
		"scheduler.shutdown_timeout": DefaultSchedulerShutdownTimeout,

		"wake.namespace":        DefaultWakeNamespace,
		"wake.client_id":        DefaultWakeClientID,
		"wake.protocol_version": DefaultWakeProtocolVersion,
		"wake.publish_timeout":  DefaultWakePublishTimeout,
		"wake.connect_timeout":  DefaultWakeConnectTimeout,

		"conversation.ttl":           DefaultConversationTTL,
		"conversation.poll_interval": DefaultConversationPollInterval,
		"conversation.followup_step": DefaultConversationFollowupStep,
		"conversation.exit_after":    DefaultConversationExitAfter,
		"conversation.default_mode":  DefaultConversationMode,

		"modes.morning_alarm.instructions":              DefaultMorningAlarmInstructions,
		"modes.morning_alarm.server_initiate_chat":      true,
		"modes.morning_alarm.use_separate_conversation": true,
		"modes.morning_alarm.followup_enabled":          true,
		"modes.morning_alarm.followup_max":              DefaultMorningAlarmFollowupMax,

		"gateway.path":                DefaultGatewayPath,
		"gateway.read_limit":          DefaultGatewayReadLimit,
		"gateway.reorder_window":      DefaultGatewayReorderWindow,
		"gateway.idle_check_interval": DefaultGatewayIdleCheckInterval,
		"gateway.write_timeout":       DefaultGatewayWriteTimeout,
		"gateway.greeting_text":       DefaultGatewayGreetingText,

		"llm.base_url":        DefaultLLMBaseURL,
		"llm.model":           DefaultLLMModel,
		"llm.request_timeout": DefaultLLMRequestTimeout,

		"daemon.shutdown_timeout":      DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval": DefaultDaemonHealthCheckInterval,
		"daemon.stale_lock_ttl":        DefaultDaemonStaleLockTTL,
		"daemon.state_dir":             filepath.Join(home, ".reveille", "run"),
	}

	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else if userHome, err := os.UserHomeDir(); err == nil {
		globalPath := filepath.Join(userHome, ".reveille", "config.yaml")
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	k.Load(env.Provider("REVEILLE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "REVEILLE_")), "_", ".", -1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Wake.WSURL == "" {
		cfg.Wake.WSURL = os.Getenv("ALARM_WS_URL")
	}
	if cfg.Wake.Broker == "" {
		cfg.Wake.Broker = os.Getenv("ALARM_MQTT_URL")
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	fields := []*string{&cfg.Store.Path, &cfg.Store.SQLitePath, &cfg.Daemon.StateDir}
	for name, mode := range cfg.Modes {
		if mode.InstructionsFile == "" {
			continue
		}
		expanded, err := ExpandPath(mode.InstructionsFile)
		if err != nil {
			return err
		}
		mode.InstructionsFile = expanded
		cfg.Modes[name] = mode
	}

	for _, field := range fields {
		expanded, err := ExpandPath(*field)
		if err != nil {
			return err
		}
		if expanded != "" {
			*field = expanded
		}
	}
	return nil
}
