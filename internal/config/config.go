package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type (
	// Config provides the control plane configuration.
	Config struct {
		DatabaseURL string `envconfig:"MONKCI_DATABASE_URL"`
		Listen      string `envconfig:"MONKCI_LISTEN" default:":8080"`
		GitHub      GitHub
		Sweeper     Sweeper
	}

	GitHub struct {
		AppID          int64  `envconfig:"MONKCI_GITHUB_APP_ID"`
		PrivateKey     string `envconfig:"MONKCI_GITHUB_PRIVATE_KEY"`
		PrivateKeyFile string `envconfig:"MONKCI_GITHUB_PRIVATE_KEY_FILE"`
		APIBaseURL     string `envconfig:"MONKCI_GITHUB_API_URL" default:"https://api.github.com"`
		WebhookSecret  string `envconfig:"MONKCI_GITHUB_WEBHOOK_SECRET"`
	}

	Sweeper struct {
		HeartbeatTimeout time.Duration `envconfig:"MONKCI_HEARTBEAT_TIMEOUT" default:"90s"`
		Interval         time.Duration `envconfig:"MONKCI_SWEEP_INTERVAL" default:"15s"`
		BatchLimit       int           `envconfig:"MONKCI_SWEEP_BATCH_LIMIT" default:"25"`
	}
)

// FromEnviron returns the settings from the environment. An env file, when
// present, fills in variables the environment leaves unset.
func FromEnviron(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, err
			}
		}
	}

	cfg := Config{}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	if cfg.GitHub.PrivateKey == "" && cfg.GitHub.PrivateKeyFile != "" {
		pem, err := os.ReadFile(cfg.GitHub.PrivateKeyFile)
		if err != nil {
			return cfg, err
		}
		cfg.GitHub.PrivateKey = string(pem)
	}

	return cfg, nil
}

// GitHubConfigured reports whether the GitHub App integration can be
// enabled. The control plane runs without it; installation endpoints are
// simply not mounted.
func (c Config) GitHubConfigured() bool {
	return c.GitHub.AppID != 0 && c.GitHub.PrivateKey != ""
}

// Validate checks the settings required to serve at all.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("MONKCI_DATABASE_URL or DATABASE_URL required")
	}
	return nil
}
