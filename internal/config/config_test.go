package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcturus-re/vmdevirt/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "lifo", cfg.Worklist.AgendaOrder)
	assert.Equal(t, "json", cfg.Report.Format)
}

func TestValidateRejectsBadAgendaOrder(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Worklist.AgendaOrder = "random"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadReportFormat(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Report.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := config.DefaultConfig()
	cfg.Worklist.AgendaOrder = "fifo"
	cfg.Emulator.MaxDependencyDepth = 128
	cfg.Logging.Verbose = true
	require.NoError(t, cfg.SaveTo(path))

	loaded, err := config.LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "agenda_order")
}
