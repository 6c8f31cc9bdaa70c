// Package config loads, validates, and writes the tollbooth backend
// configuration from a YAML file: a defaults-then-override load, a
// WriteDefault writer, and a validate pass covering the three channel
// addresses and a positive maximum inbound message size.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level tollbooth backend configuration, loaded from a
// YAML file whose path is given on the command line (§6 configuration
// table).
type Config struct {
	ProxyChannelAddress string `yaml:"proxyChannelAddress"`
	UIChannelAddress    string `yaml:"uiChannelAddress"`
	RestChannelAddress  string `yaml:"restChannelAddress"`

	MaxInboundMessageSize int64 `yaml:"maxInboundMessageSize"`

	DataRoot string        `yaml:"dataRoot"`
	Persist  PersistConfig `yaml:"persist"`

	RefusalModelID string `yaml:"refusalModelId"`
	ModelCacheDir  string `yaml:"modelCacheDir"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// PersistConfig gates which persisted-state categories are written to disk;
// when a category is off, the in-memory state is still maintained but never
// written (§6 "Persisted state layout").
type PersistConfig struct {
	Traffic bool `yaml:"traffic"`
	Replay  bool `yaml:"replay"`
	Rules   bool `yaml:"rules"`
	Config  bool `yaml:"config"`
	Store   bool `yaml:"store"`
}

// ProviderConfig carries the credentials and base URL override for one LLM
// provider (Anthropic, OpenAI, ...), consumed when constructing the default
// LLMClient adapters (§4.12).
type ProviderConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl,omitempty"`
}

const defaultMaxInboundMessageSize = 200 * 1024 * 1024 // 200 MiB, §6 default

// Load reads and parses the config file at path. If the file doesn't exist,
// it returns defaults, not an error, so a first run needs no config file.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a fully-populated default config to path, used by
// `tollbooth config init` and first-run setup.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Tollbooth backend configuration.
#
# proxyChannelAddress / uiChannelAddress / restChannelAddress:
#   listen addresses for the three external interfaces (§6). The REST
#   transport itself is out of scope for this binary; the address is only
#   parsed and recorded for a future facade host.
#
# dataRoot: if set, enables persistence under this path. Absent, the backend
#   runs purely in memory.
#
# persist.{traffic,replay,rules,config,store}: per-category persistence
#   toggles, default on when dataRoot is set.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	return &Config{
		ProxyChannelAddress:   "127.0.0.1:9090",
		UIChannelAddress:      "127.0.0.1:9091",
		RestChannelAddress:    "127.0.0.1:9092",
		MaxInboundMessageSize: defaultMaxInboundMessageSize,
		Persist: PersistConfig{
			Traffic: true,
			Replay:  true,
			Rules:   true,
			Config:  true,
			Store:   true,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {},
			"openai":    {},
		},
	}
}

// validate rejects missing listen addresses and non-positive sizes (§4.11).
// Persistence toggles are only meaningful once DataRoot is non-empty; with
// DataRoot empty the backend simply runs in memory regardless of the
// per-category flags.
func validate(cfg *Config) error {
	if cfg.ProxyChannelAddress == "" {
		return fmt.Errorf("proxyChannelAddress must not be empty")
	}
	if cfg.UIChannelAddress == "" {
		return fmt.Errorf("uiChannelAddress must not be empty")
	}
	if cfg.RestChannelAddress == "" {
		return fmt.Errorf("restChannelAddress must not be empty")
	}
	if cfg.MaxInboundMessageSize <= 0 {
		return fmt.Errorf("maxInboundMessageSize must be positive")
	}
	return nil
}
