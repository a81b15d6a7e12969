// Package config loads the node's TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/agentnode/internal/logger"
)

// ServerConfig describes the coordinator connection.
type ServerConfig struct {
	URL       string         `toml:"url" mapstructure:"url"`
	Mode      string         `toml:"mode" mapstructure:"mode"`
	AuthToken string         `toml:"auth_token" mapstructure:"auth_token"`
	APIKey    string         `toml:"api_key" mapstructure:"api_key"`
	Model     string         `toml:"model" mapstructure:"model"`
	Extras    map[string]any `toml:"extras" mapstructure:"extras"`
}

// BridgeConfig describes the local bridge helper. Port 0 means pick a
// free port at launch.
type BridgeConfig struct {
	Command      string        `toml:"command" mapstructure:"command"`
	Args         []string      `toml:"args" mapstructure:"args"`
	Env          []string      `toml:"env" mapstructure:"env"`
	Port         int           `toml:"port" mapstructure:"port"`
	ReadyTimeout time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
}

// APIConfig describes the local control API listener.
type APIConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// Config is the top-level TOML structure.
type Config struct {
	Server ServerConfig  `toml:"server" mapstructure:"server"`
	Bridge BridgeConfig  `toml:"bridge" mapstructure:"bridge"`
	API    APIConfig     `toml:"api" mapstructure:"api"`
	Log    logger.Config `toml:"log" mapstructure:"log"`
}

const (
	defaultMode         = "cloud"
	defaultListen       = "127.0.0.1:8390"
	defaultReadyTimeout = 15 * time.Second
)

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Mode == "" {
		c.Server.Mode = defaultMode
	}
	if c.API.Listen == "" {
		c.API.Listen = defaultListen
	}
	if c.Bridge.ReadyTimeout <= 0 {
		c.Bridge.ReadyTimeout = defaultReadyTimeout
	}
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	switch c.Server.Mode {
	case "cloud", "byok", "local":
	default:
		return fmt.Errorf("server.mode %q is not one of cloud, byok, local", c.Server.Mode)
	}
	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port %d out of range", c.Bridge.Port)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
