package config

import (
	"flag"
	"fmt"
)

// ClientConfig holds the stunnel client's command-line surface. Parsed with
// the standard flag package: no third-party flag parser is warranted for a
// handful of scalar options.
type ClientConfig struct {
	ServerAddr    string // tunnel server address, host:port
	Key           string // shared secret, derives the carrier cipher key
	TunnelCount   int    // number of parallel carriers to the server
	ListenAddr    string // local SOCKS5 listen address
	LogPath       string
	LogLevel      string
	EnableUCP     bool   // use the reliable UDP carrier instead of TCP
	MetricsListen string // empty disables the /metrics endpoint
}

// ParseClientFlags parses args (pass os.Args[1:]) into a ClientConfig.
func ParseClientFlags(args []string) (*ClientConfig, error) {
	fs := flag.NewFlagSet("stunnel-client", flag.ContinueOnError)

	cfg := &ClientConfig{}
	fs.StringVar(&cfg.ServerAddr, "server", "", "tunnel server address (host:port)")
	fs.StringVar(&cfg.Key, "key", "", "shared secret for the carrier cipher")
	fs.IntVar(&cfg.TunnelCount, "tunnel-count", 1, "number of parallel carriers to the server")
	fs.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:1080", "local SOCKS5 listen address")
	fs.StringVar(&cfg.LogPath, "log", "stunnel-client.log", "log file path")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug/info/warn/error)")
	fs.BoolVar(&cfg.EnableUCP, "enable-ucp", false, "carry tunnel traffic over the reliable UDP transport instead of TCP")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", "", "address to serve Prometheus /metrics on (empty disables it)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.verify()
}

func (c *ClientConfig) verify() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("config: --server is required")
	}
	if c.Key == "" {
		return fmt.Errorf("config: --key is required")
	}
	if c.TunnelCount < 1 {
		return fmt.Errorf("config: --tunnel-count must be >= 1")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: --listen is required")
	}
	return nil
}
