// loader.go implements the configuration loading lifecycle:
//
//  1. Load a .env file via godotenv (non-fatal if absent).
//  2. Use envconfig to process struct tags and populate Config.
//  3. Validate the struct with go-playground/validator.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load resolves configuration from the environment, with an optional dotenv
// file underneath. It fails on the first missing or malformed value.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit dotenv path, mainly for tests. An empty
// path means the default ".env".
func LoadFrom(dotenvPath string) (*Config, error) {
	// Existing environment variables win over the dotenv file.
	if dotenvPath == "" {
		_ = godotenv.Load()
	} else {
		if err := godotenv.Load(dotenvPath); err != nil {
			return nil, fmt.Errorf("failed to load dotenv file %q: %w", dotenvPath, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
