package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
gemini:
  api_key: "gemini-key"
line:
  fortune:
    channel_access_token: "fortune-token"
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "storage.db", cfg.Database.DSN)
	assert.Equal(t, "無料鑑定", cfg.Conversation.StartKeyword)
	assert.Equal(t, 5, cfg.Conversation.FortuneHistory)
	assert.Equal(t, 10, cfg.Conversation.ConsultationHistory)
	assert.Equal(t, 3, cfg.Conversation.AnalysisEvery)
	assert.Equal(t, 24*time.Hour, cfg.Conversation.SessionTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Broadcast.SendInterval)
	assert.InDelta(t, 0.8, cfg.Gemini.Fortune.Temperature, 0.001)
	assert.Equal(t, int32(800), cfg.Gemini.Consultation.MaxOutputTokens)
	assert.Equal(t, DefaultMessages.GeneralError, cfg.Messages.GeneralError)

	require.Contains(t, cfg.Scheduler.Tasks, "broadcast_sweep")
	assert.True(t, cfg.Scheduler.Tasks["broadcast_sweep"].Enabled)
	assert.Equal(t, "0 * * * * *", cfg.Scheduler.Tasks["broadcast_sweep"].Schedule)
}

func TestLoadConfigFileOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
logger:
  level: debug
  json: true
conversation:
  start_keyword: "占って"
  session_ttl: 2h
scheduler:
  tasks:
    sql_maintenance:
      enabled: false
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, "占って", cfg.Conversation.StartKeyword)
	assert.Equal(t, 2*time.Hour, cfg.Conversation.SessionTTL)
	assert.False(t, cfg.Scheduler.Tasks["sql_maintenance"].Enabled)
	assert.Equal(t, "0 0 4 * * *", cfg.Scheduler.Tasks["sql_maintenance"].Schedule, "default schedule kept")
	assert.True(t, cfg.Scheduler.Tasks["broadcast_sweep"].Enabled)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("YUPOLINE_GEMINI_API_KEY", "env-key")
	t.Setenv("YUPOLINE_LINE_FORTUNE_CHANNEL_ACCESS_TOKEN", "env-token")
	t.Setenv("YUPOLINE_ADMIN_API_KEY", "admin-secret")
	t.Setenv("YUPOLINE_BROADCAST_SEND_INTERVAL", "250ms")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err, "missing config file falls back to defaults and env")

	assert.Equal(t, "env-key", cfg.Gemini.APIKey)
	assert.Equal(t, "env-token", cfg.LINE.Fortune.ChannelAccessToken)
	assert.Equal(t, "admin-secret", cfg.Admin.APIKey)
	assert.Equal(t, 250*time.Millisecond, cfg.Broadcast.SendInterval)
}

func TestLoadConfigValidation(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{
			name: "missing gemini key",
			body: `
line:
  fortune:
    channel_access_token: "t"
`,
		},
		{
			name: "missing fortune token",
			body: `
gemini:
  api_key: "k"
`,
		},
		{
			name: "bad log level",
			body: minimalConfig + `
logger:
  level: verbose
`,
		},
		{
			name: "unknown driver",
			body: minimalConfig + `
database:
  driver: mysql
`,
		},
		{
			name: "postgres without dsn",
			body: minimalConfig + `
database:
  driver: postgres
  dsn: ""
`,
		},
		{
			name: "signature check without secret",
			body: `
gemini:
  api_key: "k"
line:
  verify_signature: true
  fortune:
    channel_access_token: "t"
`,
		},
		{
			name: "enabled task without schedule",
			body: minimalConfig + `
scheduler:
  tasks:
    custom:
      enabled: true
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
		})
	}
}
