// Package config loads application configuration from an optional YAML
// file with environment-variable overrides (a .env file is honored via
// godotenv). Runtime-mutable settings such as the live ticket price are
// NOT here: they live in the database config table behind the store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Backup   BackupConfig   `yaml:"backup"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

type LedgerConfig struct {
	// DefaultTicketPrice seeds the price when the database has none.
	DefaultTicketPrice string `yaml:"default_ticket_price"`
	RetentionYears     int    `yaml:"retention_years"`
}

type LoggingConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads the YAML file at path (skipped when path is empty or the
// file is absent), then applies environment overrides.
func Load(path string) (*Config, error) {
	// A local .env is a convenience, not a requirement.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{Path: "canteen.db"},
		Backup: BackupConfig{
			Enabled:       true,
			Dir:           "backups",
			RetentionDays: 7,
		},
		Ledger: LedgerConfig{
			DefaultTicketPrice: "0.5",
			RetentionYears:     2,
		},
		Logging: LoggingConfig{Dir: "logs"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BACKUP_DIR"); v != "" {
		cfg.Backup.Dir = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("TICKET_PRICE"); v != "" {
		cfg.Ledger.DefaultTicketPrice = v
	}
}
