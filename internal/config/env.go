package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays FETCHBOX_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("FETCHBOX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FETCHBOX_FSYNC_MODE"); v != "" {
		cfg.FsyncMode = v
	}
	if v := os.Getenv("FETCHBOX_HTTP_LISTEN"); v != "" {
		cfg.HTTPListen = v
	}
	if v := os.Getenv("FETCHBOX_QUEUE_NAME"); v != "" {
		cfg.Queue.Name = v
	}
	if v := os.Getenv("FETCHBOX_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Capacity = n
		}
	}
	if v := os.Getenv("FETCHBOX_QUEUE_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.LeaseTTL = Duration(d)
		}
	}
	if v := os.Getenv("FETCHBOX_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("FETCHBOX_WORKER_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Workers.RatePerSecond = f
		}
	}
	if v := os.Getenv("FETCHBOX_WORKER_DEFAULT_POOL"); v != "" {
		cfg.Workers.DefaultPool = v
	}
	if v := os.Getenv("FETCHBOX_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("FETCHBOX_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("FETCHBOX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FETCHBOX_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
