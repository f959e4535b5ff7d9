package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	yamlv3 "gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Catalog CatalogConfig `koanf:"catalog" yaml:"catalog"`
	Storage StorageConfig `koanf:"storage" yaml:"storage"`
	Client  ClientConfig  `koanf:"client" yaml:"client"`
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Rules   RulesConfig   `koanf:"rules" yaml:"rules"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
}

// CatalogConfig locates the durable URL -> Last-Modified catalog
type CatalogConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// StorageConfig contains the directory fetched bodies are written under
type StorageConfig struct {
	Root string `koanf:"root" yaml:"root"`
}

// ClientConfig tunes the raw HTTP exchange with origin servers
type ClientConfig struct {
	Timeout          string `koanf:"timeout" yaml:"timeout"`
	StrictTerminator bool   `koanf:"strict_terminator" yaml:"strict_terminator"`
	MaxHeaderBytes   int    `koanf:"max_header_bytes" yaml:"max_header_bytes"`
}

// ServerConfig contains proxy server configuration
type ServerConfig struct {
	Port int `koanf:"port" yaml:"port"`
}

// RulesConfig contains caching rules configuration
type RulesConfig struct {
	Mode  string      `koanf:"mode" yaml:"mode"` // "whitelist" or "blacklist"
	Rules []CacheRule `koanf:"rules" yaml:"rules"`
}

// CacheRule defines a caching rule
type CacheRule struct {
	BaseURI string   `koanf:"base_uri" yaml:"base_uri"`
	Methods []string `koanf:"methods" yaml:"methods"`
}

// LogConfig controls logrus output
type LogConfig struct {
	Level      string `koanf:"level" yaml:"level"`
	Format     string `koanf:"format" yaml:"format"` // "text" or "json"
	File       string `koanf:"file" yaml:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups" yaml:"max_backups"`
	Compress   bool   `koanf:"compress" yaml:"compress"`
}

// Default returns the configuration used when no file overrides a key
func Default() Config {
	return Config{
		Catalog: CatalogConfig{Path: "catalog"},
		Storage: StorageConfig{Root: "."},
		Client: ClientConfig{
			Timeout:          "30s",
			StrictTerminator: true,
			MaxHeaderBytes:   1 << 20,
		},
		Server: ServerConfig{Port: 8080},
		Rules:  RulesConfig{Mode: "blacklist"},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Load loads configuration defaults, then overlays the YAML file at path.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		logrus.Debugf("Loaded config file %s", path)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &config, nil
}

// GetTimeout parses and returns the client timeout; zero means no deadline
func (c *Config) GetTimeout() (time.Duration, error) {
	if c.Client.Timeout == "" || c.Client.Timeout == "0" {
		return 0, nil
	}
	return time.ParseDuration(c.Client.Timeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog path is required")
	}

	if c.Storage.Root == "" {
		return fmt.Errorf("storage root is required")
	}

	timeout, err := c.GetTimeout()
	if err != nil {
		return fmt.Errorf("invalid client timeout format: %w", err)
	}
	if timeout < 0 {
		return fmt.Errorf("client timeout must not be negative: %s", c.Client.Timeout)
	}

	if c.Client.MaxHeaderBytes < 0 {
		return fmt.Errorf("max header bytes must not be negative: %d", c.Client.MaxHeaderBytes)
	}

	if c.Rules.Mode != "whitelist" && c.Rules.Mode != "blacklist" {
		return fmt.Errorf("rules mode must be 'whitelist' or 'blacklist', got: %s", c.Rules.Mode)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be 'text' or 'json', got: %s", c.Log.Format)
	}

	return nil
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yamlv3.Marshal(c)
}
