package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
cache_root: /tmp/tiles
providers:
  osm:
    server: tile.example.com
    extension: .png
    cache_folder: osm
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tiles", cfg.CacheRoot)
	assert.EqualValues(t, defaultParallelRequests, cfg.Tuning.ParallelRequests)
	assert.EqualValues(t, defaultMaxTileLevel, cfg.Tuning.MaxTileLevel)
	assert.Equal(t, 30*time.Second, cfg.Tuning.FailCooldown)
	assert.True(t, cfg.Tuning.AllowOrphan)

	require.Contains(t, cfg.Providers, "osm")
	assert.Equal(t, "osm", cfg.Providers["osm"].ID)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
cache_root: /tmp/tiles
bogus_top_level_field: true
providers:
  osm:
    server: tile.example.com
    extension: .png
    cache_folder: osm
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidProvider(t *testing.T) {
	path := writeConfig(t, `
providers:
  osm:
    extension: .png
    cache_folder: osm
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestOrchestratorConfigWiresTuning(t *testing.T) {
	path := writeConfig(t, `
cache_root: /tmp/tiles
tuning:
  parallel_requests: 8
  speculative_tile_load: true
providers:
  osm:
    server: tile.example.com
    extension: .png
    cache_folder: osm
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	ocfg, err := cfg.OrchestratorConfig("osm")
	require.NoError(t, err)
	assert.Equal(t, int64(8), ocfg.ParallelRequests)
	assert.True(t, ocfg.Tuning.SpeculativeTileLoad)
	assert.Equal(t, "osm", ocfg.ProviderConfig.ID)

	_, err = cfg.OrchestratorConfig("does-not-exist")
	assert.Error(t, err)
}
