package config

import (
	"fmt"
	"os"

	"go-civitai-bulk/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// LoadConfig reads the configuration from the specified path (defaulting to
// "config.toml") and fills in defaults for anything the file omits. A missing
// file is not an error; every setting has a usable default or a flag override.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}

	var cfg models.Config
	// Hash verification is on unless the file says otherwise.
	cfg.VerifyHashes = true
	if _, err := os.Stat(configFilePath); err == nil {
		if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
			return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
		}
		log.Infof("Configuration loaded from %s", configFilePath)
	} else if !os.IsNotExist(err) {
		return models.Config{}, fmt.Errorf("error reading config file %s: %w", configFilePath, err)
	} else {
		log.Debugf("No config file at %s, using defaults", configFilePath)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults fills zero-valued settings with their defaults.
func ApplyDefaults(cfg *models.Config) {
	if cfg.SavePath == "" {
		cfg.SavePath = "model_downloads"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	if cfg.ApiDelayMs < 0 {
		cfg.ApiDelayMs = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelaySec <= 0 {
		cfg.RetryDelaySec = 10
	}
	if cfg.ConnectTimeoutSec <= 0 {
		cfg.ConnectTimeoutSec = 20
	}
	if cfg.ReadTimeoutSec <= 0 {
		cfg.ReadTimeoutSec = 40
	}
	if cfg.DownloadType == "" {
		cfg.DownloadType = "All"
	}
}
