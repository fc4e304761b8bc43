package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ServerConfig is the stunnel server's JSON configuration file: one listen
// address, the shared secret, log settings, and an IP admission policy.
type ServerConfig struct {
	Listen        string        `json:"listen"`
	Key           string        `json:"key"`
	EnableUCP     bool          `json:"enable_ucp"`
	MetricsListen string        `json:"metrics_listen"`
	Log           LogConfig     `json:"log"`
	IPGuard       IPGuardConfig `json:"ip_guard"`
}

type LogConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// IPGuardConfig bounds how many new carrier connections a single remote IP
// may open within a fixed window counted from its first admission, and
// optionally denylists addresses outright.
type IPGuardConfig struct {
	MaxConnectionsPerIP int             `json:"max_connections_per_ip"`
	Blacklist           map[string]bool `json:"blacklist"`
}

// GlobalCfg is the currently active server configuration.
var GlobalCfg *ServerConfig

// LoadServer reads path, fills and verifies defaults, and installs the
// result as GlobalCfg.
func LoadServer(path string) error {
	cfg, err := readServerConfig(path)
	if err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

func readServerConfig(path string) (*ServerConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg ServerConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) verify() error {
	if c.Listen == "" {
		return fmt.Errorf("config: empty listen address")
	}
	if c.Key == "" {
		return fmt.Errorf("config: empty key")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Path == "" {
		c.Log.Path = "stunnel-server.log"
	}
	if c.IPGuard.MaxConnectionsPerIP == 0 {
		c.IPGuard.MaxConnectionsPerIP = 256
	}
	if c.IPGuard.Blacklist == nil {
		c.IPGuard.Blacklist = map[string]bool{}
	}
	return nil
}
