package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"clawmarket/crypto"

	"github.com/BurntSushi/toml"
)

// Telemetry carries the OTLP exporter settings for the node.
type Telemetry struct {
	Enabled     bool   `toml:"Enabled"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Environment string `toml:"Environment"`
}

type Config struct {
	RPCAddress            string    `toml:"RPCAddress"`
	MetricsAddress        string    `toml:"MetricsAddress"`
	DataDir               string    `toml:"DataDir"`
	AuthorityKeystorePath string    `toml:"AuthorityKeystorePath"`
	NetworkName           string    `toml:"NetworkName"`
	RPCAuthToken          string    `toml:"RPCAuthToken"`
	RPCAuthTokenEnv       string    `toml:"RPCAuthTokenEnv"`
	RPCRateLimitPerMin    int       `toml:"RPCRateLimitPerMin"`
	RPCMaxBodyBytes       int64     `toml:"RPCMaxBodyBytes"`
	Telemetry             Telemetry `toml:"telemetry"`
}

// Load loads the configuration from the given path, creating a default
// configuration and authority keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveAuthToken returns the bearer token guarding mutating RPC methods. An
// environment variable named by RPCAuthTokenEnv takes precedence over the
// value stored in the config file.
func (c *Config) ResolveAuthToken() string {
	if c == nil {
		return ""
	}
	if env := strings.TrimSpace(c.RPCAuthTokenEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(c.RPCAuthToken)
}

// Validate checks the loaded configuration for values the node cannot run
// with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if c.RPCRateLimitPerMin < 0 {
		return fmt.Errorf("config: RPCRateLimitPerMin must not be negative")
	}
	if c.RPCMaxBodyBytes <= 0 {
		return fmt.Errorf("config: RPCMaxBodyBytes must be positive")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "claw-local"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9090"
	}
	if cfg.RPCRateLimitPerMin == 0 {
		cfg.RPCRateLimitPerMin = 600
	}
	if cfg.RPCMaxBodyBytes == 0 {
		cfg.RPCMaxBodyBytes = 1 << 20
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.AuthorityKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.AuthorityKeystorePath != keystorePath {
		cfg.AuthorityKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:     ":8080",
		MetricsAddress: ":9090",
		DataDir:        "./claw-data",
		NetworkName:    "claw-local",
	}
	cfg.AuthorityKeystorePath = keystorePath
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "authority.keystore")
}
