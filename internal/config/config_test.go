package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "downloads", cfg.Queue.Name)
	assert.Equal(t, 30*time.Second, cfg.Queue.LeaseTTL.Std())
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, uint32(5), cfg.Workers.DownloadRetryLimit)
	assert.Equal(t, "always", cfg.FsyncMode)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "fetchbox.json")
	data := []byte(`{"httpListen":"0.0.0.0:9000","queue":{"name":"imgs","capacity":500,"leaseTtl":"10s"},"workers":{"count":8,"ratePerSecond":2.5}}`)
	require.NoError(t, os.WriteFile(file, data, 0644))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.HTTPListen)
	assert.Equal(t, "imgs", cfg.Queue.Name)
	assert.Equal(t, 500, cfg.Queue.Capacity)
	assert.Equal(t, 10*time.Second, cfg.Queue.LeaseTTL.Std())
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, 2.5, cfg.Workers.RatePerSecond)
	// untouched fields keep defaults
	assert.Equal(t, uint32(5), cfg.Workers.DownloadRetryLimit)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "fetchbox.yaml")
	data := []byte(`
queue:
  name: pdfs
  leaseTtl: 45s
workers:
  defaultPool: residential
proxyPools:
  residential:
    endpoints:
      - http://res1:8080
    fallback:
      - open
  open:
    endpoints:
      - direct
`)
	require.NoError(t, os.WriteFile(file, data, 0644))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "pdfs", cfg.Queue.Name)
	assert.Equal(t, 45*time.Second, cfg.Queue.LeaseTTL.Std())
	assert.Equal(t, "residential", cfg.Workers.DefaultPool)

	pool, ok := cfg.Proxy["residential"]
	require.True(t, ok, "residential pool missing: %+v", cfg.Proxy)
	assert.Len(t, pool.Endpoints, 1)
	assert.Len(t, pool.Fallback, 1)
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "fetchbox.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"queue":{"leaseTtl":"not-a-duration"}}`), 0644))
	_, err := Load(file)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	os.Setenv("FETCHBOX_QUEUE_NAME", "staging")
	os.Setenv("FETCHBOX_WORKER_COUNT", "12")
	os.Setenv("FETCHBOX_QUEUE_LEASE_TTL", "90s")
	os.Setenv("FETCHBOX_STORAGE_BACKEND", "memory")
	t.Cleanup(func() {
		os.Unsetenv("FETCHBOX_QUEUE_NAME")
		os.Unsetenv("FETCHBOX_WORKER_COUNT")
		os.Unsetenv("FETCHBOX_QUEUE_LEASE_TTL")
		os.Unsetenv("FETCHBOX_STORAGE_BACKEND")
	})
	FromEnv(&cfg)
	assert.Equal(t, "staging", cfg.Queue.Name)
	assert.Equal(t, 12, cfg.Workers.Count)
	assert.Equal(t, 90*time.Second, cfg.Queue.LeaseTTL.Std())
	assert.Equal(t, "memory", cfg.Storage.Backend)
}
