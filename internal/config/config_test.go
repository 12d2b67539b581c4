package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afslabs/companion/internal/config"
)

func TestLoadConfig_DefaultHostIsLocalhost(t *testing.T) {
	_ = os.Unsetenv("COMPANION_HOST")
	cfg, err := config.LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
}

func TestLoadConfig_CanOverrideHost(t *testing.T) {
	t.Setenv("COMPANION_HOST", "0.0.0.0")
	cfg, err := config.LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "chromem", cfg.Storage.VectorBackend)
	assert.Equal(t, []string{"local"}, cfg.FallbackBackends())
	assert.Equal(t, 2, cfg.LLM.Local.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.LLM.Local.Timeout)
	assert.Equal(t, 64000, cfg.Session.TokenBudget)
	assert.Equal(t, 5, cfg.Session.RetrievalTopK)
}

func TestFallbackBackends_ParsesOrder(t *testing.T) {
	t.Setenv("COMPANION_FALLBACK_ORDER", " api , local ")
	t.Setenv("COMPANION_API_KEY", "sk-test")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "local"}, cfg.FallbackBackends())
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("COMPANION_FALLBACK_ORDER", "api,cloud")
	t.Setenv("COMPANION_API_KEY", "sk-test")
	_, err := config.LoadConfig()
	require.Error(t, err)

	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.fallback_order", cfgErr.Field)
}

func TestValidate_RejectsDuplicateBackend(t *testing.T) {
	t.Setenv("COMPANION_FALLBACK_ORDER", "local,local")
	_, err := config.LoadConfig()

	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.fallback_order", cfgErr.Field)
}

func TestValidate_APIBackendRequiresKey(t *testing.T) {
	t.Setenv("COMPANION_FALLBACK_ORDER", "api,local")
	t.Setenv("COMPANION_API_KEY", "")
	_, err := config.LoadConfig()

	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.api_key", cfgErr.Field)
}

func TestValidate_RejectsOutOfRangeTemperature(t *testing.T) {
	t.Setenv("COMPANION_LOCAL_TEMPERATURE", "3.5")
	_, err := config.LoadConfig()

	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.local.temperature", cfgErr.Field)
}

func TestValidate_RejectsZeroRetries(t *testing.T) {
	t.Setenv("COMPANION_LOCAL_MAX_RETRIES", "0")
	_, err := config.LoadConfig()

	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.local.max_retries", cfgErr.Field)
}

func TestValidate_PostgresBackendRequiresDSN(t *testing.T) {
	t.Setenv("COMPANION_VECTOR_BACKEND", "postgres")
	_, err := config.LoadConfig()

	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "storage.postgres_dsn", cfgErr.Field)
}

func TestLoadConfigFile_EnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.yaml")
	yaml := `
server:
  port: 9999
session:
  token_budget: 1234
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("COMPANION_PORT", "7171")
	cfg, err := config.LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7171, cfg.Server.Port, "env must win over file")
	assert.Equal(t, 1234, cfg.Session.TokenBudget, "file must win over defaults")
}
