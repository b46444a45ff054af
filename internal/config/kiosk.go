package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Kiosk holds the edge agent configuration. Sync cadence and retry bounds
// are handed out by the server at registration; the values here are only
// used until a device is registered.
type Kiosk struct {
	ServerURL       string        `mapstructure:"server_url"`
	DBPath          string        `mapstructure:"db_path"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	EventsAddr      string        `mapstructure:"events_addr"`
	EnrollmentToken string        `mapstructure:"enrollment_token"`
	LocalFiscal     bool          `mapstructure:"local_fiscal"`
	PrinterTimeout  time.Duration `mapstructure:"printer_timeout"`
	UploadBatchSize int           `mapstructure:"upload_batch_size"`

	// Connectivity debounce: consecutive observations before flipping state.
	OnlineAfter  int `mapstructure:"online_after"`
	OfflineAfter int `mapstructure:"offline_after"`

	SyncIntervalSeconds      int `mapstructure:"sync_interval_seconds"`
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	MaxRetryAttempts         int `mapstructure:"max_retry_attempts"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadKiosk reads an optional YAML file and KIOSK_* environment variables.
// An empty path skips the file.
func LoadKiosk(path string) (*Kiosk, error) {
	v := viper.New()
	v.SetEnvPrefix("KIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_url", "http://localhost:8000")
	v.SetDefault("db_path", "kiosk.db")
	v.SetDefault("http_timeout", 10*time.Second)
	v.SetDefault("events_addr", "127.0.0.1:8765")
	v.SetDefault("enrollment_token", "")
	v.SetDefault("local_fiscal", false)
	v.SetDefault("printer_timeout", 20*time.Second)
	v.SetDefault("upload_batch_size", 50)
	v.SetDefault("online_after", 1)
	v.SetDefault("offline_after", 3)
	v.SetDefault("sync_interval_seconds", 60)
	v.SetDefault("heartbeat_interval_seconds", 15)
	v.SetDefault("max_retry_attempts", 5)
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read kiosk config %s: %w", path, err)
		}
	}

	cfg := &Kiosk{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return cfg, nil
}
