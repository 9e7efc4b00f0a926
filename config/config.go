// Package config loads the koopay daemon configuration from TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's TOML configuration.
type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	LedgerURL       string `toml:"LedgerURL"`
	LedgerAuthToken string `toml:"LedgerAuthToken"`
	DataDir         string `toml:"DataDir"`
	ProjectsDSN     string `toml:"ProjectsDSN"`
	GatewayDB       string `toml:"GatewayDB"`
	PlatformAddress string `toml:"PlatformAddress"`
	SessionSecret   string `toml:"SessionSecret"`
	// SignerKeyEnv names the environment variable holding the hex-encoded
	// key the daemon signs transactions with.
	SignerKeyEnv string `toml:"SignerKeyEnv"`
	Environment  string `toml:"Environment"`
	LogFile      string `toml:"LogFile"`

	APIKeys []APIKey `toml:"APIKeys"`

	RateLimitPerMinute float64 `toml:"RateLimitPerMinute"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`

	Webhooks []Webhook `toml:"Webhooks"`
}

// APIKey maps a gateway credential to the wallet address it acts for.
type APIKey struct {
	Key     string `toml:"Key"`
	Secret  string `toml:"Secret"`
	Address string `toml:"Address"`
}

// Webhook is one outbound notification endpoint.
type Webhook struct {
	URL    string `toml:"URL"`
	Secret string `toml:"Secret"`
}

// Load reads the configuration at path, creating a default file when none
// exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if strings.TrimSpace(cfg.PlatformAddress) == "" {
		return nil, fmt.Errorf("config file %s missing PlatformAddress", path)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8546"
	}
	if strings.TrimSpace(cfg.LedgerURL) == "" {
		cfg.LedgerURL = "http://127.0.0.1:8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./koopay-data"
	}
	if strings.TrimSpace(cfg.GatewayDB) == "" {
		cfg.GatewayDB = filepath.Join(cfg.DataDir, "gateway.db")
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 120
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if strings.TrimSpace(cfg.SignerKeyEnv) == "" {
		cfg.SignerKeyEnv = "KOOPAY_SIGNER_KEY"
	}
}

// createDefault writes a starter configuration and returns it. The caller
// still has to fill in PlatformAddress before the daemon will start.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("wrote default config to %s; set PlatformAddress and restart", path)
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
