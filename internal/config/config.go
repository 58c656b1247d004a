// Package config loads the substrate's configuration: a YAML file under
// XDG_CONFIG_HOME overridden by a short list of recognized environment
// variables, following the same load order as the teacher project's config
// package.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// HealthMode is the startup health-check enforcement mode (C11).
type HealthMode string

const (
	HealthStrict HealthMode = "strict"
	HealthSafe   HealthMode = "safe"
	HealthDev    HealthMode = "dev"
)

// DatabaseType distinguishes the embedded store from the (unimplemented)
// PostgreSQL backend. Only "sqlite" is wired; "postgresql" is recognized so
// the CLI can fail with a clear "out of scope" message instead of silently
// misbehaving.
type DatabaseType string

const (
	DatabaseSQLite     DatabaseType = "sqlite"
	DatabasePostgreSQL DatabaseType = "postgresql"
)

// Config is the substrate's resolved configuration.
type Config struct {
	Home          string         `yaml:"home"`
	WorkspaceRoot string         `yaml:"workspace_root"`
	DatabaseType  DatabaseType   `yaml:"database_type"`
	BusyTimeout   time.Duration  `yaml:"busy_timeout"`
	HealthMode    HealthMode     `yaml:"health_mode"`
	Log           LogConfig      `yaml:"log"`
	Postgres      PostgresConfig `yaml:"postgres"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PostgresConfig mirrors the DATABASE_* environment variables from spec.md
// §6. None of it is consumed by the current core — PostgreSQL is explicitly
// out of scope — but it's parsed and carried so the CLI can report
// configuration-mismatch errors instead of ignoring the variables outright.
type PostgresConfig struct {
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	Name        string `yaml:"name"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	PoolSize    string `yaml:"pool_size"`
	MaxOverflow string `yaml:"max_overflow"`
	PoolTimeout string `yaml:"pool_timeout"`
	PoolRecycle string `yaml:"pool_recycle"`
}

// DefaultConfig returns the baseline configuration before file/env overrides.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return &Config{
		Home:          filepath.Join(home, ".agentcore"),
		WorkspaceRoot: filepath.Join(home, ".agentcore", "workspace"),
		DatabaseType:  DatabaseSQLite,
		BusyTimeout:   5 * time.Second,
		HealthMode:    HealthStrict,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real process environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the given environment lookup
// function, so tests can supply isolated environment values without
// mutating process-global state.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := configPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if dbPath := getenv("AGENTOS_DB_PATH"); dbPath != "" {
		cfg.Home = filepath.Dir(filepath.Dir(dbPath))
	} else if dbPath := getenv("SQLITE_PATH"); dbPath != "" {
		// SQLITE_PATH is deprecated but still honored.
		cfg.Home = filepath.Dir(filepath.Dir(dbPath))
	}

	if dbType := getenv("DATABASE_TYPE"); dbType != "" {
		cfg.DatabaseType = DatabaseType(dbType)
	}

	if busyMs := getenv("SQLITE_BUSY_TIMEOUT"); busyMs != "" {
		var ms int
		if _, err := fmt.Sscanf(busyMs, "%d", &ms); err == nil && ms > 0 {
			cfg.BusyTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.Postgres = PostgresConfig{
		Host:        getenv("DATABASE_HOST"),
		Port:        getenv("DATABASE_PORT"),
		Name:        getenv("DATABASE_NAME"),
		User:        getenv("DATABASE_USER"),
		Password:    getenv("DATABASE_PASSWORD"),
		PoolSize:    getenv("DATABASE_POOL_SIZE"),
		MaxOverflow: getenv("DATABASE_MAX_OVERFLOW"),
		PoolTimeout: getenv("DATABASE_POOL_TIMEOUT"),
		PoolRecycle: getenv("DATABASE_POOL_RECYCLE"),
	}

	return cfg, nil
}

// LoadFrom loads configuration from an explicit file path and applies only
// the AGENTOS_DB_PATH and DATABASE_TYPE environment overrides; unlike Load,
// it does not read SQLITE_PATH, SQLITE_BUSY_TIMEOUT or the DATABASE_*
// PostgreSQL variables.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if dbPath := os.Getenv("AGENTOS_DB_PATH"); dbPath != "" {
		cfg.Home = filepath.Dir(filepath.Dir(dbPath))
	}
	if dbType := os.Getenv("DATABASE_TYPE"); dbType != "" {
		cfg.DatabaseType = DatabaseType(dbType)
	}
	return cfg, nil
}

func configPathWithEnv(getenv func(string) string) string {
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentcore", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agentcore", "config.yaml")
}
