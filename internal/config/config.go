package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. CARECAL_LISTEN or
// CARECAL_DATABASE_DSN.
const EnvPrefix = "CARECAL"

// DatabaseConfig selects the event store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" json:"driver" envconfig:"DRIVER"`
	// DSN is a file path for sqlite or a libpq connection string.
	DSN string `yaml:"dsn" json:"dsn" envconfig:"DSN"`
}

// RecurrenceConfig bounds recurring care fan-out.
type RecurrenceConfig struct {
	HorizonMonths  int `yaml:"horizon_months" json:"horizon_months" envconfig:"HORIZON_MONTHS"`
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences" envconfig:"MAX_OCCURRENCES"`
}

// InstitutionConfig seeds the institution directory at startup.
type InstitutionConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint" envconfig:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" json:"service_name" envconfig:"SERVICE_NAME"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" envconfig:"LISTEN"`

	// Timezone is the IANA zone used for calendar arithmetic (day, week and
	// month steps) and date-only query parameters.
	Timezone string `yaml:"timezone" json:"timezone" envconfig:"TIMEZONE"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level" envconfig:"LOG_LEVEL"`

	Database   DatabaseConfig   `yaml:"database" json:"database" envconfig:"DATABASE"`
	Recurrence RecurrenceConfig `yaml:"recurrence" json:"recurrence" envconfig:"RECURRENCE"`

	// Institutions are upserted on every start. Existing names are
	// overwritten.
	Institutions []InstitutionConfig `yaml:"institutions" json:"institutions" ignored:"true"`

	Tracing TracingConfig `yaml:"tracing" json:"tracing" envconfig:"TRACING"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "Asia/Seoul",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "/var/lib/carecal/carecal.db",
		},
		Recurrence: RecurrenceConfig{
			HorizonMonths:  3,
			MaxOccurrences: 100,
		},
		Institutions: []InstitutionConfig{},
		Tracing: TracingConfig{
			ServiceName: "carecal",
		},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = d.LogLevel
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = d.Database.Driver
	}
	if c.Database.DSN == "" && c.Database.Driver == d.Database.Driver {
		c.Database.DSN = d.Database.DSN
	}

	if c.Recurrence.HorizonMonths <= 0 {
		c.Recurrence.HorizonMonths = d.Recurrence.HorizonMonths
	}
	if c.Recurrence.MaxOccurrences <= 0 {
		c.Recurrence.MaxOccurrences = d.Recurrence.MaxOccurrences
	}
	if c.Institutions == nil {
		c.Institutions = []InstitutionConfig{}
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is required")
	}
	seen := make(map[string]bool, len(c.Institutions))
	for i, inst := range c.Institutions {
		if inst.ID == "" || inst.Name == "" {
			return fmt.Errorf("config: institutions[%d] needs both id and name", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("config: duplicate institution id %q", inst.ID)
		}
		seen[inst.ID] = true
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and returned.
//   - If the file exists, it is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// LoadWithEnv is Load followed by environment overrides. envFile, when it
// exists, is read into the process environment first; variables already set
// win over the file.
func LoadWithEnv(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays CARECAL_* variables onto cfg. Unset variables leave the
// loaded values alone.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	cfg.Normalize()
	return nil
}

// Save writes the given configuration to the specified path atomically
// (temp file in the same directory, then rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".carecal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
