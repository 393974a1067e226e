package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.wppcrm/config.toml.
type Config struct {
	DataDir              string           `toml:"data_dir"`
	SocketPath           string           `toml:"socket_path"`
	DefaultRetentionDays int              `toml:"default_retention_days"`
	Connection           ConnectionConfig `toml:"connection"`
	Retention            RetentionConfig  `toml:"retention"`
	Storage              StorageConfig    `toml:"storage"`
	Broker               BrokerConfig     `toml:"broker"`
	AI                   AIConfig         `toml:"ai"`
}

// ConnectionConfig tunes the connection manager.
type ConnectionConfig struct {
	ReconnectDelay Duration `toml:"reconnect_delay"`
	ResumeWait     Duration `toml:"resume_wait"`
	PairingWait    Duration `toml:"pairing_wait"`
	HistoryGuard   Duration `toml:"history_guard"`
}

// RetentionConfig tunes the periodic retention sweep.
type RetentionConfig struct {
	SweepInterval Duration `toml:"sweep_interval"`
}

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	Backend       string `toml:"backend"` // "fs" or "s3"
	Dir           string `toml:"dir"`
	PublicBaseURL string `toml:"public_base_url"`
	Bucket        string `toml:"bucket"`
	Region        string `toml:"region"`
	Endpoint      string `toml:"endpoint"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	PathStyle     bool   `toml:"path_style"`
}

// BrokerConfig points at the NATS server used for job events,
// automation triggers and notifications.
type BrokerConfig struct {
	URL      string `toml:"url"`
	Embedded bool   `toml:"embedded"`
	Port     int    `toml:"port"`
}

// AIConfig configures the auto-reply model.
type AIConfig struct {
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	Model             string `toml:"model"`
	SystemPrompt      string `toml:"system_prompt"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
	HistoryTurns      int    `toml:"history_turns"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultRetentionDays: 30,
		Connection: ConnectionConfig{
			ReconnectDelay: Duration{5 * time.Second},
			ResumeWait:     Duration{5 * time.Second},
			PairingWait:    Duration{3 * time.Second},
			HistoryGuard:   Duration{30 * time.Second},
		},
		Retention: RetentionConfig{SweepInterval: Duration{time.Hour}},
		Storage:   StorageConfig{Backend: "fs"},
		Broker:    BrokerConfig{Embedded: true, Port: 4222},
		AI: AIConfig{
			Model:             "gpt-4o-mini",
			SystemPrompt:      "You are a helpful customer support assistant. Reply briefly in the customer's language.",
			RequestsPerMinute: 20,
			HistoryTurns:      20,
		},
	}
}

// Load reads config from the given path on top of the defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the
// process environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() {
	setString(&c.DataDir, "WPPCRM_DATA_DIR")
	setString(&c.AI.APIKey, "OPENAI_API_KEY")
	setString(&c.AI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.AI.Model, "OPENAI_MODEL")
	setString(&c.Storage.AccessKey, "AWS_ACCESS_KEY_ID")
	setString(&c.Storage.SecretKey, "AWS_SECRET_ACCESS_KEY")
	setString(&c.Storage.Region, "AWS_REGION")
	setString(&c.Storage.Bucket, "WPPCRM_S3_BUCKET")
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Broker.URL = v
		c.Broker.Embedded = false
	}
	if v := os.Getenv("WPPCRM_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DefaultRetentionDays = n
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
