package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, 120*time.Second, cfg.API.RequestTimeout())
	assert.Equal(t, 1200*time.Second, cfg.API.ExportTimeout())
	assert.Equal(t, 2, cfg.Pools.ReadSize)
	assert.Equal(t, 30*time.Second, cfg.Pools.AcquireTimeout())
	assert.Equal(t, 10, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay())
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay())
	assert.Equal(t, 30000, cfg.Import.BatchSize)
	assert.Equal(t, 9<<20, cfg.Import.MaxBatchBytes)
	assert.Equal(t, 2, cfg.Import.InFlightMultiplier)
	assert.Equal(t, 2, cfg.Export.PagePrefetch)
	assert.Equal(t, 1, cfg.Export.IncrementDays)
	assert.Equal(t, 60*time.Second, cfg.Version.PollInterval())
}

func TestWritePoolSizeDefaultsToParallelism(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Equal(t, runtime.GOMAXPROCS(0)*2, cfg.Pools.WritePoolSize())

	cfg.Pools.WriteSize = 7
	assert.Equal(t, 7, cfg.Pools.WritePoolSize())
}

func TestValidateDefaultsPass(t *testing.T) {
	require.NoError(t, defaultConfig(t).Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Import.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig(t)
	cfg.API.ServiceAccountUsername = "svc"
	assert.Error(t, cfg.Validate(), "service account requires a project id")
	cfg.API.ProjectID = 1234
	assert.NoError(t, cfg.Validate())
}

func TestRequireToken(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Error(t, cfg.RequireToken())

	cfg.API.Token = "tok"
	assert.NoError(t, cfg.RequireToken())
}

func TestEndpointSelection(t *testing.T) {
	var a APIConfig
	assert.Contains(t, a.RawExportURL(), "data.")
	assert.Contains(t, a.ImportURL(), "api.")

	a.EU = true
	assert.Contains(t, a.RawExportURL(), "data-eu.")
	assert.Contains(t, a.ImportURL(), "api-eu.")
	assert.Contains(t, a.QueryURL(), "eu.")
}

func TestLoadFromFileAndPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ferry.toml")

	cfg := defaultConfig(t)
	cfg.API.Token = "tok-1"
	cfg.Pools.ReadSize = 5
	require.NoError(t, Persist(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", loaded.API.Token)
	assert.Equal(t, 5, loaded.Pools.ReadSize)
	// Values absent from the file still get defaults
	assert.Equal(t, 10, loaded.Retry.MaxRetries)
}

func TestEnvOverride(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	os.Setenv("FERRY_RETRY_MAX_RETRIES", "3")
	t.Cleanup(func() { os.Unsetenv("FERRY_RETRY_MAX_RETRIES") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}
