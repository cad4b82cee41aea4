package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.NegotiationTimeout)
	assert.Equal(t, time.Second, cfg.Recording.ChunkInterval)
	assert.Equal(t, 3600, cfg.Recording.MaxChunks)
	assert.Equal(t, "@every 5m", cfg.Sweeper.Schedule)
	assert.NotEmpty(t, cfg.ICEServers)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	body := []byte("port: 9090\nnegotiation_timeout: 5s\nrecording:\n  max_chunks: 10\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), body, 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.NegotiationTimeout)
	assert.Equal(t, 10, cfg.Recording.MaxChunks)
	assert.Equal(t, time.Second, cfg.Recording.ChunkInterval)
}

func TestLoadRejectsBadTimeout(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "bad")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.bad.yaml"), []byte("negotiation_timeout: 0s\n"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}
