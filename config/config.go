// Package config handles TOML configuration loading and path resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Bot     BotConfig
	LLM     LLMConfig
	History HistoryConfig
	Log     LogConfig
	Mirror  MirrorConfig
	Web     WebConfig
}

type BotConfig struct {
	PersonaName string `toml:"persona_name"`
	ProfilePath string `toml:"profile_path"`
	DataDir     string `toml:"data_dir"`
	Backend     string `toml:"backend"` // "file" or "sqlite"
}

type LLMConfig struct {
	Model                 string `toml:"model"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

type HistoryConfig struct {
	Limit            int `toml:"limit"`             // turns kept per channel
	SpeechExamples   int `toml:"speech_examples"`   // author messages quoted for tone
	RecentUtterances int `toml:"recent_utterances"` // log lines fed into the prompt
}

type LogConfig struct {
	Retention int `toml:"retention"` // rows kept in the sqlite utterance log
}

type MirrorConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalMinutes int  `toml:"interval_minutes"`
}

type WebConfig struct {
	Addr string `toml:"addr"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with all defaults applied, used when no config
// file exists on disk.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Bot.PersonaName == "" {
		cfg.Bot.PersonaName = "拓海"
	}
	if cfg.Bot.DataDir == "" {
		cfg.Bot.DataDir = "."
	}
	if cfg.Bot.ProfilePath == "" {
		cfg.Bot.ProfilePath = filepath.Join(cfg.Bot.DataDir, "profile.txt")
	}
	if cfg.Bot.Backend == "" {
		cfg.Bot.Backend = "file"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-1.5-flash-latest"
	}
	if cfg.LLM.RequestTimeoutSeconds == 0 {
		cfg.LLM.RequestTimeoutSeconds = 60
	}
	if cfg.History.Limit == 0 {
		cfg.History.Limit = 10
	}
	if cfg.History.SpeechExamples == 0 {
		cfg.History.SpeechExamples = 5
	}
	if cfg.History.RecentUtterances == 0 {
		cfg.History.RecentUtterances = 50
	}
	if cfg.Log.Retention == 0 {
		cfg.Log.Retention = 10000
	}
	if cfg.Mirror.IntervalMinutes == 0 {
		cfg.Mirror.IntervalMinutes = 10
	}
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8080"
	}
}

func (cfg *Config) validate() error {
	if cfg.Bot.Backend != "file" && cfg.Bot.Backend != "sqlite" {
		return fmt.Errorf("bot.backend %q is invalid (must be file or sqlite)", cfg.Bot.Backend)
	}
	if cfg.History.Limit < 2 {
		return fmt.Errorf("history.limit must be at least 2 (one full exchange)")
	}
	if cfg.History.SpeechExamples < 0 {
		return fmt.Errorf("history.speech_examples must not be negative")
	}
	if cfg.History.RecentUtterances < 1 {
		return fmt.Errorf("history.recent_utterances must be positive")
	}
	if cfg.Log.Retention < 1 {
		return fmt.Errorf("log.retention must be positive")
	}
	return nil
}

// Resolve returns the config file path from KAGEMUSHA_CONFIG env var,
// falling back to ~/.config/kagemusha/config.toml.
// The --config CLI flag is handled separately in main.go.
func Resolve() string {
	path := os.Getenv("KAGEMUSHA_CONFIG")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".config", "kagemusha", "config.toml")
	}
	path = os.ExpandEnv(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// GeminiKeys collects the credential pool from GEMINI_API_KEY_1..GEMINI_API_KEY_n,
// stopping at the first unset slot. Empty values are skipped.
func GeminiKeys() []string {
	var keys []string
	for i := 1; ; i++ {
		v, ok := os.LookupEnv(fmt.Sprintf("GEMINI_API_KEY_%d", i))
		if !ok {
			break
		}
		if v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}
