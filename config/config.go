// Package config loads nodewire configuration from layered sources:
// built-in defaults, an optional YAML file, environment variables, and
// command-line flags, in increasing priority.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/nodewire/nodewire/log"
)

// Config holds the full nodewire configuration.
type Config struct {
	Log  LogConfig  `koanf:"log"`
	Hub  HubConfig  `koanf:"hub"`
	Node NodeConfig `koanf:"node"`

	k      *koanf.Koanf
	logger log.Logger
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `koanf:"level"`
}

// HubConfig holds the rendezvous hub's listen configuration.
type HubConfig struct {
	// Listen is the TCP control-protocol endpoint (e.g. ":7400").
	Listen string `koanf:"listen"`
	// HTTPListen is the optional introspection HTTP endpoint; empty disables it.
	HTTPListen string `koanf:"http_listen"`
}

// NodeConfig holds a node's default identity and hub endpoint.
type NodeConfig struct {
	Name        string `koanf:"name"`
	HubEndpoint string `koanf:"hub_endpoint"`
}

// Option configures Config during initialization.
type Option func(*configOptions) error

type configOptions struct {
	prefix       string
	file         string
	defaults     map[string]interface{}
	envExpansion bool
}

// WithPrefix sets the environment variable prefix (e.g., "NODEWIRE_").
func WithPrefix(prefix string) Option {
	return func(opts *configOptions) error {
		opts.prefix = prefix
		return nil
	}
}

// WithFile loads configuration from a YAML file.
func WithFile(path string) Option {
	return func(opts *configOptions) error {
		opts.file = path
		return nil
	}
}

// WithDefaults provides default values via a map, overriding the baseline
// defaults for any key present in the map.
func WithDefaults(defaults map[string]interface{}) Option {
	return func(opts *configOptions) error {
		opts.defaults = defaults
		return nil
	}
}

// WithEnvExpansion enables ${VAR} expansion in config files.
func WithEnvExpansion() Option {
	return func(opts *configOptions) error {
		opts.envExpansion = true
		return nil
	}
}

// New creates a Config from baseline defaults (overridden per key by
// WithDefaults), an optional file, and optional environment variables, in
// increasing priority. Flags are layered on top later by BindFlags.
func New(logger log.Logger, opts ...Option) (*Config, error) {
	cfg := &Config{
		logger: logger,
		k:      koanf.New("."),
	}

	options := &configOptions{
		defaults: make(map[string]interface{}),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	baselineDefaults := map[string]interface{}{
		"log.level":         "info",
		"hub.listen":        ":7400",
		"hub.http_listen":   "",
		"node.name":         "node",
		"node.hub_endpoint": "127.0.0.1:7400",
	}
	for k, v := range baselineDefaults {
		if _, exists := options.defaults[k]; !exists {
			options.defaults[k] = v
		}
	}

	if err := cfg.k.Load(confmap.Provider(options.defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if options.file != "" {
		raw, err := os.ReadFile(options.file)
		if err != nil {
			logger.Debugf("Config file not found: %s (using defaults)", options.file)
		} else {
			if options.envExpansion {
				raw = []byte(os.ExpandEnv(string(raw)))
			}
			if err := cfg.k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			logger.Debugf("Loaded config from file: %s", options.file)
		}
	}

	if options.prefix != "" {
		if err := cfg.k.Load(env.Provider(options.prefix, ".", func(s string) string {
			return strings.Replace(strings.ToLower(
				strings.TrimPrefix(s, options.prefix)), "_", ".", -1)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load environment variables: %w", err)
		}
	}

	if err := cfg.k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Infof("Configuration loaded: hub.listen=%s node.hub_endpoint=%s log=%s",
		cfg.Hub.Listen, cfg.Node.HubEndpoint, cfg.Log.Level)

	return cfg, nil
}

// BindFlags registers the config's overridable fields onto fs and re-loads
// the config from the parsed flag set, giving flags the highest priority.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	fs.String("log.level", c.Log.Level, "Log level (debug, info, error)")
	fs.String("hub.listen", c.Hub.Listen, "Hub TCP control endpoint")
	fs.String("hub.http_listen", c.Hub.HTTPListen, "Hub HTTP introspection endpoint (empty disables)")
	fs.String("node.name", c.Node.Name, "Node name")
	fs.String("node.hub_endpoint", c.Node.HubEndpoint, "Hub endpoint this node registers with")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("cannot parse flags: %w", err)
	}
	if err := c.k.Load(posflag.Provider(fs, ".", c.k), nil); err != nil {
		return fmt.Errorf("cannot load flags: %w", err)
	}
	if err := c.k.Unmarshal("", c); err != nil {
		return fmt.Errorf("cannot unmarshal config: %w", err)
	}
	return c.Validate()
}

// GetString returns the string value for the given path.
func (c *Config) GetString(path string) string { return c.k.String(path) }

// GetInt returns the int value for the given path.
func (c *Config) GetInt(path string) int { return c.k.Int(path) }

// GetBool returns the bool value for the given path.
func (c *Config) GetBool(path string) bool { return c.k.Bool(path) }

// Exists returns true if the given path exists in the configuration.
func (c *Config) Exists(path string) bool { return c.k.Exists(path) }

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Hub.Listen == "" {
		return fmt.Errorf("hub.listen is required")
	}
	if c.Node.HubEndpoint == "" {
		return fmt.Errorf("node.hub_endpoint is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be 'debug', 'info', or 'error', got '%s'", c.Log.Level)
	}

	c.logger.Debugf("Configuration validated successfully")
	return nil
}
