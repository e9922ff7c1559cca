package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are mapped to
// keys. The first underscore after the prefix separates section from field,
// so PATPAT_CHAT_CLOSING_LABEL sets chat.closing_label.
const EnvPrefix = "PATPAT_"

// maxContextTurns is the hard ceiling on chat.max_context.
const maxContextTurns = 20

// Config represents the application configuration
type Config struct {
	State struct {
		Table string `koanf:"table"`
	} `koanf:"state"`

	Param struct {
		Prefix string `koanf:"prefix"`
	} `koanf:"param"`

	Clova struct {
		URL     string        `koanf:"url"`
		Model   string        `koanf:"model"`
		Timeout time.Duration `koanf:"timeout"`
		Rate    float64       `koanf:"rate"`
		Burst   int           `koanf:"burst"`
	} `koanf:"clova"`

	Chat struct {
		MaxContext   int    `koanf:"max_context"`
		MaxMessage   int    `koanf:"max_message"`
		HistoryLimit int    `koanf:"history_limit"`
		ClosingLabel string `koanf:"closing_label"`
	} `koanf:"chat"`

	Letter struct {
		Prompt string `koanf:"prompt"`
		TaskID string `koanf:"task_id"`
	} `koanf:"letter"`

	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"clova.url":          "https://clovastudio.apigw.ntruss.com/testapp/",
		"clova.model":        "HCX-003",
		"clova.timeout":      "30s",
		"clova.rate":         0.0,
		"clova.burst":        1,
		"chat.max_context":   20,
		"chat.max_message":   1000,
		"chat.history_limit": 50,
		"chat.closing_label": "종료",
		"log.level":          "info",
	}
}

// envKey maps PATPAT_CHAT_CLOSING_LABEL to chat.closing_label.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// Load reads defaults and then overrides them from the environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Param.Prefix = strings.TrimRight(strings.TrimSpace(cfg.Param.Prefix), "/")
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration
func Validate(cfg *Config) error {
	var errs []error
	if strings.TrimSpace(cfg.State.Table) == "" {
		errs = append(errs, errors.New("state.table is required"))
	}
	if cfg.Param.Prefix == "" {
		errs = append(errs, errors.New("param.prefix is required"))
	}
	if cfg.Clova.Timeout <= 0 {
		errs = append(errs, errors.New("clova.timeout must be positive"))
	}
	if cfg.Clova.Rate < 0 {
		errs = append(errs, errors.New("clova.rate must not be negative"))
	}
	if cfg.Chat.MaxContext <= 0 || cfg.Chat.MaxContext > maxContextTurns {
		errs = append(errs, fmt.Errorf("chat.max_context must be between 1 and %d", maxContextTurns))
	}
	if strings.TrimSpace(cfg.Chat.ClosingLabel) == "" {
		errs = append(errs, errors.New("chat.closing_label is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// LogLevel parses log.level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
