// Package config loads service settings from the embedded defaults, an
// optional YAML file and the environment, in that order.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/david/opportunity-validator/internal/models"
	"github.com/david/opportunity-validator/internal/scoring"
)

//go:embed default.yaml
var defaultYAML []byte

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Ollama     OllamaConfig     `yaml:"ollama" mapstructure:"ollama"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	URL        string `yaml:"url" mapstructure:"url"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

type ServerConfig struct {
	Port string `yaml:"port" mapstructure:"port"`
}

type OllamaConfig struct {
	Host           string  `yaml:"host" mapstructure:"host"`
	Model          string  `yaml:"model" mapstructure:"model"`
	EmbedModel     string  `yaml:"embed_model" mapstructure:"embed_model"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	TimeoutSeconds int     `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	AdminSecret string `yaml:"admin_secret" mapstructure:"admin_secret"`
}

type ValidationConfig struct {
	Workers         int                `yaml:"workers" mapstructure:"workers"`
	CheckDuplicates bool               `yaml:"check_duplicates" mapstructure:"check_duplicates"`
	Weights         map[string]float64 `yaml:"weights" mapstructure:"weights"`
}

// Default returns the embedded configuration with no file or env applied.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultYAML, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded default.yaml is invalid: %v", err))
	}
	return &cfg
}

// Load reads the embedded defaults, overlays the file at path when one is
// given, then applies environment overrides. ${VAR} references in the file
// are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (c *Config) applyEnv() {
	c.Database.URL = getenv("DATABASE_URL", c.Database.URL)
	c.Database.Driver = getenv("DB_DRIVER", c.Database.Driver)
	c.Database.SQLitePath = getenv("SQLITE_PATH", c.Database.SQLitePath)
	c.Server.Port = getenv("PORT", c.Server.Port)
	c.Ollama.Host = getenv("OLLAMA_HOST", c.Ollama.Host)
	c.Auth.JWTSecret = getenv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.AdminSecret = getenv("ADMIN_SECRET", c.Auth.AdminSecret)
}

// Validate rejects settings the service cannot start with. Weight problems
// surface as scoring.ErrConfiguration.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("%w: unknown database driver %q", scoring.ErrConfiguration, c.Database.Driver)
	}
	if c.Validation.Workers < 0 {
		return fmt.Errorf("%w: workers must be non-negative (got %d)", scoring.ErrConfiguration, c.Validation.Workers)
	}
	if _, err := c.ScoringWeights(); err != nil {
		return err
	}
	return nil
}

// ScoringWeights converts the configured weights into scoring.Weights. An
// empty weights block means the production defaults.
func (c *Config) ScoringWeights() (scoring.Weights, error) {
	if len(c.Validation.Weights) == 0 {
		return scoring.DefaultWeights(), nil
	}
	w := make(scoring.Weights, len(c.Validation.Weights))
	for name, v := range c.Validation.Weights {
		w[models.Dimension(name)] = v
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}
