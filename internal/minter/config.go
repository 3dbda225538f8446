// Package minter exchanges the administrator override secret for a
// short-lived custom token. It runs as its own process so the secret and the
// signing key never reach the web server.
package minter

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the minting endpoint configuration.
type Config struct {
	Addr              string        `envconfig:"MINTER_ADDR" default:":8090"`
	OverrideSecret    string        `envconfig:"ADMIN_OVERRIDE_SECRET" required:"true"`
	CustomTokenSecret string        `envconfig:"CUSTOM_TOKEN_SECRET" required:"true"`
	OverrideUID       string        `envconfig:"OVERRIDE_UID" default:"admin-override"`
	TokenTTL          time.Duration `envconfig:"OVERRIDE_TOKEN_TTL" default:"5m"`
	LogFormat         string        `envconfig:"LOG_FORMAT" default:"pretty"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.OverrideSecret == "" {
		return nil, errors.New("admin override secret must be provided")
	}
	if cfg.CustomTokenSecret == "" {
		return nil, errors.New("custom token secret must be provided")
	}
	if cfg.OverrideUID == "" {
		return nil, errors.New("override uid must not be empty")
	}
	if cfg.TokenTTL <= 0 || cfg.TokenTTL > time.Hour {
		return nil, errors.New("override token ttl must be between 0 and 1h")
	}
	return &cfg, nil
}
