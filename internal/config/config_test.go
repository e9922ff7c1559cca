package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PATPAT_STATE_TABLE", "patpat-state")
	t.Setenv("PATPAT_PARAM_PREFIX", "/patpat/prod/")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "patpat-state", cfg.State.Table)
	require.Equal(t, "/patpat/prod", cfg.Param.Prefix)
	require.Equal(t, "HCX-003", cfg.Clova.Model)
	require.Equal(t, 30*time.Second, cfg.Clova.Timeout)
	require.Zero(t, cfg.Clova.Rate)
	require.Equal(t, 20, cfg.Chat.MaxContext)
	require.Equal(t, 1000, cfg.Chat.MaxMessage)
	require.Equal(t, "종료", cfg.Chat.ClosingLabel)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PATPAT_CHAT_CLOSING_LABEL", "마무리")
	t.Setenv("PATPAT_CHAT_MAX_CONTEXT", "8")
	t.Setenv("PATPAT_CLOVA_TIMEOUT", "5s")
	t.Setenv("PATPAT_CLOVA_RATE", "2.5")
	t.Setenv("PATPAT_CLOVA_URL", "http://localhost:9999/")
	t.Setenv("PATPAT_LETTER_TASK_ID", "letter-task")
	t.Setenv("PATPAT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "마무리", cfg.Chat.ClosingLabel)
	require.Equal(t, 8, cfg.Chat.MaxContext)
	require.Equal(t, 5*time.Second, cfg.Clova.Timeout)
	require.Equal(t, 2.5, cfg.Clova.Rate)
	require.Equal(t, "http://localhost:9999/", cfg.Clova.URL)
	require.Equal(t, "letter-task", cfg.Letter.TaskID)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("PATPAT_STATE_TABLE", "")
	t.Setenv("PATPAT_PARAM_PREFIX", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "state.table is required")
	require.Contains(t, err.Error(), "param.prefix is required")
}

func TestEnvKey(t *testing.T) {
	require.Equal(t, "chat.closing_label", envKey("PATPAT_CHAT_CLOSING_LABEL"))
	require.Equal(t, "state.table", envKey("PATPAT_STATE_TABLE"))
	require.Equal(t, "log.level", envKey("PATPAT_LOG_LEVEL"))
}

func TestLogLevel_Invalid(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "loud"
	require.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoad_MaxContextOutOfRange(t *testing.T) {
	for _, v := range []string{"0", "21"} {
		t.Run(v, func(t *testing.T) {
			setRequired(t)
			t.Setenv("PATPAT_CHAT_MAX_CONTEXT", v)

			_, err := Load()
			require.ErrorContains(t, err, "chat.max_context must be between 1 and 20")
		})
	}
}
