package conductor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultGateRetries, cfg.GateRetries)
	require.Equal(t, DefaultBudgetThresholds, cfg.Budget.Thresholds)
	require.Zero(t, cfg.Budget.Total)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/conductor
logs_dir: /var/log/conductor
budget:
  total: 200000
  thresholds: [60, 95]
gate_retries: 5
verbose: true
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/conductor", cfg.DataDir)
	require.Equal(t, "/var/log/conductor", cfg.LogsDir)
	require.Equal(t, 200000, cfg.Budget.Total)
	require.Equal(t, []int{60, 95}, cfg.Budget.Thresholds)
	require.Equal(t, 5, cfg.GateRetries)
	require.True(t, cfg.Verbose)
}

func TestLoadConfigMissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultGateRetries, cfg.GateRetries)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/file\nbudget:\n  total: 100\n"), 0644))

	t.Setenv("CONDUCTOR_DATA_DIR", "/from/env")
	t.Setenv("CONDUCTOR_BUDGET_TOTAL", "500")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.DataDir)
	require.Equal(t, 500, cfg.Budget.Total)
}

func TestConfigValidate(t *testing.T) {
	t.Run("negative budget", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Budget.Total = -1
		require.Error(t, cfg.Validate())
	})

	t.Run("descending thresholds", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Budget.Thresholds = []int{90, 50}
		require.Error(t, cfg.Validate())
	})

	t.Run("negative gate retries", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.GateRetries = -1
		require.Error(t, cfg.Validate())
	})
}
