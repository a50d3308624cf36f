package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 0.0.0.0:9000
log_level: LOUD
database:
  driver: Postgres
  dsn: postgres://carecal@db/carecal?sslmode=disable
institutions:
  - id: inst-1
    name: Sunrise Care Home
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "Asia/Seoul", cfg.Timezone)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Recurrence.HorizonMonths)
	assert.Equal(t, 100, cfg.Recurrence.MaxOccurrences)
	assert.Equal(t, []InstitutionConfig{{ID: "inst-1", Name: "Sunrise Care Home"}}, cfg.Institutions)
	assert.Equal(t, "carecal", cfg.Tracing.ServiceName)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"CARECAL_LISTEN=:7000\nCARECAL_RECURRENCE_MAX_OCCURRENCES=25\n"), 0o600))

	// godotenv writes straight into the process environment.
	t.Cleanup(func() { os.Unsetenv("CARECAL_RECURRENCE_MAX_OCCURRENCES") })
	t.Setenv("CARECAL_DATABASE_DSN", "/tmp/override.db")
	t.Setenv("CARECAL_TRACING_OTLP_ENDPOINT", "collector:4317")
	// Variables already in the environment win over the .env file.
	t.Setenv("CARECAL_LISTEN", ":7001")

	cfg, err := LoadWithEnv(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Listen)
	assert.Equal(t, 25, cfg.Recurrence.MaxOccurrences)
	assert.Equal(t, "/tmp/override.db", cfg.Database.DSN)
	assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)
	assert.Equal(t, 3, cfg.Recurrence.HorizonMonths)
}

func TestLoadWithEnvMissingEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWithEnv(filepath.Join(dir, "config.yaml"), filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestApplyEnvBadValue(t *testing.T) {
	t.Setenv("CARECAL_RECURRENCE_HORIZON_MONTHS", "soon")
	err := ApplyEnv(DefaultConfig())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, false},
		{"postgres without dsn", func(c *Config) { c.Database = DatabaseConfig{Driver: "postgres"} }, false},
		{"institution without name", func(c *Config) {
			c.Institutions = []InstitutionConfig{{ID: "a"}}
		}, false},
		{"duplicate institution", func(c *Config) {
			c.Institutions = []InstitutionConfig{{ID: "a", Name: "A"}, {ID: "a", Name: "B"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSaveRejectsEmptyInputs(t *testing.T) {
	assert.Error(t, Save("", DefaultConfig()))
	assert.Error(t, Save(filepath.Join(t.TempDir(), "c.yaml"), nil))
}
