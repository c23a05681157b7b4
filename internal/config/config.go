package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration document looked up in the working
// directory when no explicit path is given. The file is parsed with YAML
// rules, so both JSON and YAML documents load.
const DefaultPath = "mcp_config.json"

// Transport kinds accepted in server entries.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// ServerConfig describes one MCP server connection.
//
// stdio servers use Command/Args/Env; sse and http servers use URL/Headers.
// Disabled servers stay in the document but are never connected.
type ServerConfig struct {
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	Disabled bool `yaml:"disabled"`
}

// Validate checks the transport-specific required fields.
func (s ServerConfig) Validate() error {
	switch s.Type {
	case TransportStdio:
		if strings.TrimSpace(s.Command) == "" {
			return errors.New("stdio servers require a command")
		}
	case TransportSSE, TransportHTTP:
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("%s servers require a url", s.Type)
		}
	default:
		return fmt.Errorf("unsupported transport type %q", s.Type)
	}
	return nil
}

// SandboxConfig controls isolated execution. The zero value means isolation
// is disabled, so documents without a sandbox section keep the direct path.
type SandboxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Runtime     string `yaml:"runtime"`
	Image       string `yaml:"image"`
	MemoryLimit string `yaml:"memoryLimit"`
	CPULimit    string `yaml:"cpuLimit"`
	PidsLimit   int    `yaml:"pidsLimit"`
	Timeout     int    `yaml:"timeout"`
	MaxTimeout  int    `yaml:"maxTimeout"`
}

// TelemetryConfig describes optional event sinks.
type TelemetryConfig struct {
	File string `yaml:"file"`
}

// AuditConfig enables the SQLite invocation audit store.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the root configuration document. Loaded once at startup and
// treated as immutable afterwards; reconfiguration requires a restart.
type Config struct {
	Servers   map[string]ServerConfig `yaml:"mcpServers"`
	Sandbox   SandboxConfig           `yaml:"sandbox"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
	Audit     AuditConfig             `yaml:"audit"`
}

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return nil, errors.New("at least one MCP server must be configured")
	}
	for name, server := range cfg.Servers {
		if server.Type == "" {
			server.Type = TransportStdio
			cfg.Servers[name] = server
		}
		if err := server.Validate(); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
	}
	cfg.Sandbox.applyDefaults()
	return &cfg, nil
}

func (s *SandboxConfig) applyDefaults() {
	if s.Runtime == "" {
		s.Runtime = "auto"
	}
	if s.Image == "" {
		s.Image = "debian:bookworm-slim"
	}
	if s.MemoryLimit == "" {
		s.MemoryLimit = "512m"
	}
	if s.PidsLimit == 0 {
		s.PidsLimit = 128
	}
	if s.Timeout == 0 {
		s.Timeout = 30
	}
	if s.MaxTimeout == 0 {
		s.MaxTimeout = 120
	}
}

// Server returns the named server entry.
func (c *Config) Server(name string) (ServerConfig, bool) {
	server, ok := c.Servers[name]
	return server, ok
}

// EnabledServers returns the names of servers that are not disabled, sorted
// for deterministic iteration.
func (c *Config) EnabledServers() []string {
	names := make([]string, 0, len(c.Servers))
	for name, server := range c.Servers {
		if !server.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
