// Package config loads application configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "NETATLAS_"

// App contains the full application configuration.
type App struct {
	Name                 string `yaml:"name"`
	DatabaseFile         string `yaml:"database_file"`
	LogLevel             string `yaml:"log_level"`
	LogJSON              bool   `yaml:"log_json"`
	ObservabilityAddress string `yaml:"observability_address"`
	ImportBatchSize      int    `yaml:"import_batch_size"`
	CacheTTLSeconds      int    `yaml:"cache_ttl_seconds"`
	CacheMaxEntries      int    `yaml:"cache_max_entries"`
}

// New reads the configuration from file (if provided) and environment overrides.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                 "NetAtlas",
		DatabaseFile:         "netatlas.db",
		LogLevel:             "INFO",
		LogJSON:              false,
		ObservabilityAddress: ":2112",
		ImportBatchSize:      1000,
		CacheTTLSeconds:      5,
		CacheMaxEntries:      10,
	}
}

func (cfg *App) applyFile(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: file %q does not exist", path)
		}
		return fmt.Errorf("config: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

func (cfg *App) applyEnv() error {
	stringVars := map[string]*string{
		"NAME":                  &cfg.Name,
		"DATABASE_FILE":         &cfg.DatabaseFile,
		"LOG_LEVEL":             &cfg.LogLevel,
		"OBSERVABILITY_ADDRESS": &cfg.ObservabilityAddress,
	}
	for key, dest := range stringVars {
		if v, ok := lookupEnv(key); ok {
			*dest = v
		}
	}

	intVars := map[string]*int{
		"IMPORT_BATCH_SIZE": &cfg.ImportBatchSize,
		"CACHE_TTL_SECONDS": &cfg.CacheTTLSeconds,
		"CACHE_MAX_ENTRIES": &cfg.CacheMaxEntries,
	}
	for key, dest := range intVars {
		v, ok := lookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s must be an integer: %w", envPrefix, key, err)
		}
		*dest = n
	}

	if v, ok := lookupEnv("LOG_JSON"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %sLOG_JSON must be a boolean: %w", envPrefix, err)
		}
		cfg.LogJSON = b
	}

	return nil
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}
