package diskstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridemap/internal/provider"
	"ridemap/internal/tilekey"
)

func testProvider() *provider.Config {
	return &provider.Config{ID: "osm", Server: "x", Extension: ".png", CacheFolder: "osm"}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zerolog.Nop())
	cfg := testProvider()
	key := tilekey.Key{ProviderID: "osm", Z: 2, X: 1, Y: 1}

	payload := []byte("not really a png, but bytes are bytes")
	require.NoError(t, s.Store(key, cfg, payload))

	got, ok, err := s.Load(key, cfg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	assert.True(t, s.Exists(key, cfg))
}

func TestLoadMissIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zerolog.Nop())
	cfg := testProvider()
	key := tilekey.Key{ProviderID: "osm", Z: 2, X: 9, Y: 9}

	data, ok, err := s.Load(key, cfg)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Nil(t, data)
	assert.False(t, s.Exists(key, cfg))
}

func TestNoPartialFilesVisible(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zerolog.Nop())
	cfg := testProvider()
	key := tilekey.Key{ProviderID: "osm", Z: 2, X: 1, Y: 1}

	require.NoError(t, s.Store(key, cfg, []byte("abc")))

	// The final path must never transiently contain a .tmp- prefixed sibling
	// left behind once Store returns.
	dirPath := filepath.Dir(key.DiskPath(dir, cfg))
	entries, err := os.ReadDir(dirPath)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestConcurrentStoreSameKeyIsSafe(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zerolog.Nop())
	cfg := testProvider()
	key := tilekey.Key{ProviderID: "osm", Z: 1, X: 0, Y: 0}
	payload := []byte("identical content")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Store(key, cfg, payload)
		}()
	}
	wg.Wait()

	got, ok, err := s.Load(key, cfg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}
