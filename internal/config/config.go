package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level" oneof:"debug info warn error"`
	API      struct {
		BaseURL              string `json:"base_url"`
		Token                string `json:"token" secret:"true"`
		ProjectID            string `json:"project_id"`
		ChatPath             string `json:"chat_path"`
		HeaderTimeoutSeconds int    `json:"header_timeout_seconds" min:"1"`
	} `json:"api"`
	Stream struct {
		IdleTimeoutSeconds int    `json:"idle_timeout_seconds" min:"1"`
		TokenizerModel     string `json:"tokenizer_model"`
	} `json:"stream"`
	Relay struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"relay"`
	Mock struct {
		Listen  string `json:"listen"`
		Mode    string `json:"mode" oneof:"json legacy"`
		DelayMS int    `json:"delay_ms" min:"0"`
	} `json:"mock"`
}

// DefaultPath returns $STREAMCHAT_CONFIG or ~/.streamchat/config.json.
func DefaultPath() string {
	if p := os.Getenv("STREAMCHAT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".streamchat", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".streamchat"),
		LogLevel: "info",
	}
	cfg.API.BaseURL = "http://127.0.0.1:8080"
	cfg.API.ChatPath = "/api/chat/stream"
	cfg.API.HeaderTimeoutSeconds = 30
	cfg.Stream.IdleTimeoutSeconds = 60
	cfg.Stream.TokenizerModel = "gpt-4"
	cfg.Relay.Listen = "127.0.0.1:7878"
	cfg.Mock.Listen = "127.0.0.1:8080"
	cfg.Mock.Mode = "json"
	cfg.Mock.DelayMS = 40
	return cfg
}

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// envOverrides maps environment variables onto the keys they replace.
var envOverrides = []struct {
	env string
	key string
}{
	{"STREAMCHAT_API_TOKEN", "api.token"},
	{"STREAMCHAT_BASE_URL", "api.base_url"},
	{"STREAMCHAT_PROJECT_ID", "api.project_id"},
}

// EnvOverride returns the environment variable currently overriding key, or
// "" when the file value is in effect.
func EnvOverride(key string) string {
	for _, o := range envOverrides {
		if o.key == key && os.Getenv(o.env) != "" {
			return o.env
		}
	}
	return ""
}

// Load reads the config file, writing defaults when it does not exist, and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	for _, o := range envOverrides {
		if v := os.Getenv(o.env); v != "" {
			if err := cfg.Set(o.key, v); err != nil {
				return nil, fmt.Errorf("%s: %w", o.env, err)
			}
		}
	}
	return cfg, nil
}

// readFile returns the file's settings over the defaults, without
// environment overrides.
func readFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// IdleTimeout is the stream inactivity timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Stream.IdleTimeoutSeconds) * time.Second
}

// HeaderTimeout bounds the wait for response headers.
func (c *Config) HeaderTimeout() time.Duration {
	return time.Duration(c.API.HeaderTimeoutSeconds) * time.Second
}

// MockDelay is the pause between frames of the mock server.
func (c *Config) MockDelay() time.Duration {
	return time.Duration(c.Mock.DelayMS) * time.Millisecond
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ListValues returns every setting under its dot-separated key, with
// secrets masked when mask is true.
func ListValues(cfg *Config, mask bool) map[string]any {
	out := make(map[string]any, len(settings()))
	for _, s := range settings() {
		v := cfg.field(s).Interface()
		if str, ok := v.(string); ok && mask && s.Secret {
			v = maskSecret(str)
		}
		out[s.Key] = v
	}
	return out
}

// GetValue returns the value of key as stored in the config file, which is
// created with defaults when missing. Environment overrides are not applied.
func GetValue(path, key string) (any, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return cfg.Get(key)
}

// SetValue validates value for key and writes it to an existing config
// file.
func SetValue(path, key, value string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := readFile(path)
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return err
	}
	return Save(path, cfg)
}
