package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Bridge   BridgeConfig   `yaml:"bridge"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BridgeConfig represents the device bridge configuration
type BridgeConfig struct {
	AccountID        string        `yaml:"account_id"`
	KeyTablePath     string        `yaml:"key_table"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	Reconnect        bool          `yaml:"reconnect"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`

	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig represents one bridged device
type DeviceConfig struct {
	SN      string `yaml:"sn"`
	Name    string `yaml:"name"`
	Address string `yaml:"address"` // TCP address of the radio proxy for this device
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	if err := cfg.validateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if accountID := os.Getenv("BRIDGE_ACCOUNT_ID"); accountID != "" {
		c.Bridge.AccountID = accountID
	}

	if keyTable := os.Getenv("BRIDGE_KEY_TABLE"); keyTable != "" {
		c.Bridge.KeyTablePath = keyTable
	}
}

// validateAndSetDefaults checks required values and fills defaults
func (c *Config) validateAndSetDefaults() error {
	if c.Bridge.AccountID == "" {
		return fmt.Errorf("bridge.account_id is required")
	}
	if c.Bridge.KeyTablePath == "" {
		return fmt.Errorf("bridge.key_table is required")
	}
	for i, dev := range c.Bridge.Devices {
		if dev.SN == "" {
			return fmt.Errorf("bridge.devices[%d].sn is required", i)
		}
		if dev.Address == "" {
			return fmt.Errorf("bridge.devices[%d].address is required", i)
		}
	}

	if c.Bridge.HandshakeTimeout == 0 {
		c.Bridge.HandshakeTimeout = 5 * time.Second
	}
	if c.Bridge.CommandTimeout == 0 {
		c.Bridge.CommandTimeout = 5 * time.Second
	}
	if c.Bridge.ReconnectDelay == 0 {
		c.Bridge.ReconnectDelay = 3 * time.Second
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	return nil
}
