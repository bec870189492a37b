package model

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig locates the backend.
type ServerConfig struct {
	// BaseURL is the root URL of the REST API.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// SocketURL is the WebSocket endpoint. When empty it is derived from
	// BaseURL by swapping the scheme and appending /ws.
	SocketURL string `mapstructure:"socket_url" yaml:"socket_url"`
}

// WebsocketURL returns SocketURL, or derives ws(s)://host/ws from BaseURL.
func (c ServerConfig) WebsocketURL() (string, error) {
	if c.SocketURL != "" {
		return c.SocketURL, nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing server.base_url %q: %w", c.BaseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("server.base_url %q: unsupported scheme %q", c.BaseURL, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// AccountConfig remembers who last signed in on this machine.
type AccountConfig struct {
	Role     string `mapstructure:"role" yaml:"role"`
	Username string `mapstructure:"username" yaml:"username"`
}

// RealtimeConfig tunes the real-time channel.
type RealtimeConfig struct {
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period" yaml:"heartbeat_period"`
	ReconnectBase   time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	ReconnectCap    time.Duration `mapstructure:"reconnect_cap" yaml:"reconnect_cap"`
	RedirectDelay   time.Duration `mapstructure:"redirect_delay" yaml:"redirect_delay"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// LogConfig controls the log file.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Account  AccountConfig  `mapstructure:"account" yaml:"account"`
	Realtime RealtimeConfig `mapstructure:"realtime" yaml:"realtime"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// configDir returns ~/.config/courier, or the working directory when the
// home directory cannot be resolved.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "courier")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/courier/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
		},
		Account: AccountConfig{
			Role: string(RoleDriver),
		},
		Realtime: RealtimeConfig{
			HeartbeatPeriod: 30 * time.Second,
			ReconnectBase:   time.Second,
			ReconnectCap:    30 * time.Second,
			RedirectDelay:   3 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(configDir(), "courier.db"),
		},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(configDir(), "courier.log"),
		},
	}
}

// setDefaults registers every default on v so that missing keys resolve
// to sensible values and flags bound to v have something to override.
func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("server.base_url", d.Server.BaseURL)
	v.SetDefault("server.socket_url", d.Server.SocketURL)
	v.SetDefault("account.role", d.Account.Role)
	v.SetDefault("account.username", d.Account.Username)
	v.SetDefault("realtime.heartbeat_period", d.Realtime.HeartbeatPeriod)
	v.SetDefault("realtime.reconnect_base", d.Realtime.ReconnectBase)
	v.SetDefault("realtime.reconnect_cap", d.Realtime.ReconnectCap)
	v.SetDefault("realtime.redirect_delay", d.Realtime.RedirectDelay)
	v.SetDefault("realtime.request_timeout", d.Realtime.RequestTimeout)
	v.SetDefault("storage.db_path", d.Storage.DBPath)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
}

// NewViper returns a viper instance configured for path with all defaults
// registered. Callers may bind flags to it before passing it to Decode.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("courier")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	return Decode(NewViper(path))
}

// Decode reads the config file behind v (if any) and unmarshals the
// merged result of defaults, file, environment and bound flags.
func Decode(v *viper.Viper) (*AppConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &pathErr), errors.As(err, &notFound):
			// fall through to defaults plus overrides
		default:
			return nil, fmt.Errorf("reading config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", v.ConfigFileUsed(), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise surface as confusing
// runtime behaviour.
func (c *AppConfig) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if _, err := ParseRole(c.Account.Role); err != nil {
		return fmt.Errorf("account.role: %w", err)
	}
	if c.Realtime.HeartbeatPeriod <= 0 {
		return fmt.Errorf("realtime.heartbeat_period must be positive")
	}
	if c.Realtime.ReconnectBase <= 0 || c.Realtime.ReconnectCap < c.Realtime.ReconnectBase {
		return fmt.Errorf("realtime.reconnect_base must be positive and not exceed reconnect_cap")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("account", cfg.Account)
	v.Set("realtime", cfg.Realtime)
	v.Set("storage", cfg.Storage)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
