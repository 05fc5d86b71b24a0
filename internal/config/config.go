package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the bridge runtime parameters.
type Config struct {
	HTTPAddress         string          `mapstructure:"http_address"`
	LogLevel            string          `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	Auth                AuthConfig      `mapstructure:"auth"`
	Database            DatabaseConfig  `mapstructure:"database"`
	Admin               AdminConfig     `mapstructure:"admin"`
	WebSocket           WebSocketConfig `mapstructure:"websocket"`
	Queue               QueueConfig     `mapstructure:"queue"`
}

// AuthConfig lists the accepted API keys. No keys disables authentication.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AdminConfig controls the metrics and probe listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// WebSocketConfig tunes the relay transport.
type WebSocketConfig struct {
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// QueueConfig drives the offline queue housekeeping.
type QueueConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

const (
	defaultHTTPAddress         = "0.0.0.0:3000"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultDatabasePath        = "data/smsbridge.db"
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultMaxMessageBytes     = 1 << 20
	defaultWriteWait           = 10 * time.Second
	defaultPongWait            = 60 * time.Second
	defaultPingInterval        = 54 * time.Second
	defaultSendBuffer          = 64
	defaultQueueRetention      = 7 * 24 * time.Hour
	defaultQueueSweepInterval  = time.Hour

	// singleKeyEnv carries one API key outside the auth.api_keys list.
	singleKeyEnv = "SMSBRIDGE_API_KEY"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with SMSBRIDGE_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SMSBRIDGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("database.path", defaultDatabasePath)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("websocket.max_message_bytes", defaultMaxMessageBytes)
	v.SetDefault("websocket.write_wait", defaultWriteWait.String())
	v.SetDefault("websocket.pong_wait", defaultPongWait.String())
	v.SetDefault("websocket.ping_interval", defaultPingInterval.String())
	v.SetDefault("websocket.send_buffer", defaultSendBuffer)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("queue.retention", defaultQueueRetention.String())
	v.SetDefault("queue.sweep_interval", defaultQueueSweepInterval.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Environment lists arrive as a single string; split them here.
	cfg.Auth.APIKeys = splitList(v.GetStringSlice("auth.api_keys"))
	cfg.WebSocket.AllowedOrigins = splitList(v.GetStringSlice("websocket.allowed_origins"))
	if key := strings.TrimSpace(getenv(singleKeyEnv)); key != "" {
		cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, key)
	}

	if cfg.HTTPAddress == "" {
		cfg.HTTPAddress = defaultHTTPAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the transport cannot run with.
func (c Config) Validate() error {
	ws := c.WebSocket
	if ws.MaxMessageBytes <= 0 {
		return fmt.Errorf("websocket.max_message_bytes must be positive, got %d", ws.MaxMessageBytes)
	}
	if ws.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer must be positive, got %d", ws.SendBuffer)
	}
	if ws.WriteWait <= 0 || ws.PongWait <= 0 || ws.PingInterval <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if ws.PingInterval >= ws.PongWait {
		return fmt.Errorf("websocket.ping_interval (%s) must be shorter than websocket.pong_wait (%s)", ws.PingInterval, ws.PongWait)
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("queue.sweep_interval must be positive")
	}
	if c.Queue.Retention <= 0 {
		return fmt.Errorf("queue.retention must be positive")
	}
	if c.ShutdownGracePeriod < 0 {
		return fmt.Errorf("shutdown_grace_period must not be negative")
	}
	return nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// split out for testing.
var getenv = os.Getenv
