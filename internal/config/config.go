package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	// DefaultHost binds the agent to loopback only.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the agent's listen port.
	DefaultPort = 32147
)

// Config holds the server configuration.
type Config struct {
	Host string
	Port int
}

// Load builds the configuration from environment variables, falling back to
// defaults for anything unset or unparsable.
func Load() *Config {
	cfg := &Config{
		Host: DefaultHost,
		Port: DefaultPort,
	}

	if host := os.Getenv("PCSC_AGENT_HOST"); host != "" {
		cfg.Host = host
	}
	if portStr := os.Getenv("PCSC_AGENT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port < 65536 {
			cfg.Port = port
		}
	}

	return cfg
}

// Address returns the host:port string to listen on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
