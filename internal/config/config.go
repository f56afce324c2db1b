// ABOUTME: Configuration loading and validation for coven-chat
// ABOUTME: Reads YAML or TOML files with environment variable expansion and fills defaults

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/protocol"
)

// Defaults applied by Load.
const (
	DefaultMode        = "cli"
	DefaultVersion     = "dev"
	DefaultSessionKey  = "main"
	DefaultDisplayName = "coven-chat"
)

// ErrNoAgents is returned by Validate when no agent profile is configured.
var ErrNoAgents = errors.New("at least one agent is required")

// Config represents the complete coven-chat configuration
type Config struct {
	Client  ClientConfig   `yaml:"client" toml:"client"`
	Agents  []chat.Profile `yaml:"agents" toml:"agents"`
	Logging LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ClientConfig identifies this client to agent endpoints
type ClientConfig struct {
	ID          string `yaml:"id" toml:"id"`
	DisplayName string `yaml:"display_name" toml:"display_name"`
	Mode        string `yaml:"mode" toml:"mode"`
	Platform    string `yaml:"platform" toml:"platform"`
	Version     string `yaml:"version" toml:"version"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Info converts the client section into the handshake's client descriptor.
func (c ClientConfig) Info() protocol.ClientInfo {
	return protocol.ClientInfo{
		Mode:        c.Mode,
		Platform:    c.Platform,
		Version:     c.Version,
		ID:          c.ID,
		DisplayName: c.DisplayName,
	}
}

// Agent returns the profile with the given id.
func (c *Config) Agent(id string) (chat.Profile, bool) {
	for _, p := range c.Agents {
		if p.ID == id {
			return p, true
		}
	}
	return chat.Profile{}, false
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded. Files ending in
// .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Client.ID == "" {
		c.Client.ID = uuid.NewString()
	}
	if c.Client.DisplayName == "" {
		c.Client.DisplayName = DefaultDisplayName
	}
	if c.Client.Mode == "" {
		c.Client.Mode = DefaultMode
	}
	if c.Client.Platform == "" {
		c.Client.Platform = runtime.GOOS
	}
	if c.Client.Version == "" {
		c.Client.Version = DefaultVersion
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for i := range c.Agents {
		if c.Agents[i].SessionKey == "" {
			c.Agents[i].SessionKey = DefaultSessionKey
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return ErrNoAgents
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate agent id %q", i, a.ID)
		}
		seen[a.ID] = true

		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if err := validateEndpoint(a.EndpointURL); err != nil {
			return fmt.Errorf("agents[%d].endpoint_url: %w", i, err)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q must be ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
