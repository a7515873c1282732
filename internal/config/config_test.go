package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ALARM_WS_URL", "")
	t.Setenv("ALARM_MQTT_URL", "")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultStoreBackend, cfg.Store.Backend)
	assert.Equal(t, filepath.Join(home, ".reveille", "data"), cfg.Store.Path)
	assert.Equal(t, DefaultSchedulerLookahead, cfg.Scheduler.Lookahead)
	assert.Equal(t, DefaultSchedulerSessionTTL, cfg.Scheduler.SessionTTL)
	assert.Equal(t, DefaultSchedulerSessionType, cfg.Scheduler.SessionType)
	assert.Equal(t, DefaultWakeNamespace, cfg.Wake.Namespace)
	assert.Equal(t, DefaultWakeProtocolVersion, cfg.Wake.ProtocolVersion)
	assert.Equal(t, DefaultConversationTTL, cfg.Conversation.TTL)
	assert.Equal(t, DefaultGatewayReorderWindow, cfg.Gateway.ReorderWindow)

	mode, ok := cfg.Modes["morning_alarm"]
	require.True(t, ok, "morning_alarm mode should be configured by default")
	assert.True(t, mode.ServerInitiateChat)
	assert.True(t, mode.UseSeparateConversation)
	assert.True(t, mode.FollowupEnabled)
	assert.Equal(t, DefaultMorningAlarmFollowupMax, mode.FollowupMax)
	// No delay configured: the mode registry falls back to its escalation list.
	assert.Empty(t, mode.FollowupDelays)
	assert.Empty(t, mode.FollowupDelay)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("REVEILLE_WAKE_NAMESPACE", "devices")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
store:
  backend: sqlite
scheduler:
  lookahead: 90s
modes:
  evening_checkin:
    instructions: "Ask how the day went."
    followup_enabled: true
    followup_delays: ["5s", "8s"]
    followup_max: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", path))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "90s", cfg.Scheduler.Lookahead)
	assert.Equal(t, "devices", cfg.Wake.Namespace)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)

	evening, ok := cfg.Modes["evening_checkin"]
	require.True(t, ok)
	assert.Equal(t, []string{"5s", "8s"}, evening.FollowupDelays)
	assert.Equal(t, 2, evening.FollowupMax)

	_, ok = cfg.Modes["morning_alarm"]
	assert.True(t, ok, "defaults for morning_alarm should survive file merge")
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")))

	_, err := Load(cmd)
	assert.Error(t, err)
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("", "2m")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	d, err = DurationOrDefault(" 500ms ", "2m")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)

	_, err = DurationOrDefault("", "")
	assert.Error(t, err)

	_, err = DurationOrDefault("soon", "")
	assert.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("REVEILLE_TEST_DIR", "/var/lib/reveille")

	got, err := ExpandPath("~/alarms/wake.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "alarms", "wake.txt"), got)

	got, err = ExpandPath("$REVEILLE_TEST_DIR/data")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/reveille/data", got)

	got, err = ExpandPath("   ")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
