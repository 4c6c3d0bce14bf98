package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oiwn/FetchBox/internal/proxy"
)

// Duration parses "30s"-style strings in JSON and YAML config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// FsyncMode is "always", "interval", or "never".
	FsyncMode     string   `json:"fsyncMode" yaml:"fsyncMode"`
	FsyncInterval Duration `json:"fsyncInterval" yaml:"fsyncInterval"`

	HTTPListen string `json:"httpListen" yaml:"httpListen"`

	Queue   QueueConfig              `json:"queue" yaml:"queue"`
	Workers WorkerConfig             `json:"workers" yaml:"workers"`
	Storage StorageConfig            `json:"storage" yaml:"storage"`
	Proxy   map[string]proxy.PoolDef `json:"proxyPools" yaml:"proxyPools"`
	Log     LogConfig                `json:"log" yaml:"log"`
}

// QueueConfig bounds the durable queue.
type QueueConfig struct {
	Name          string   `json:"name" yaml:"name"`
	Capacity      int      `json:"capacity" yaml:"capacity"`
	LeaseTTL      Duration `json:"leaseTtl" yaml:"leaseTtl"`
	Retention     Duration `json:"retention" yaml:"retention"`
	SweepInterval Duration `json:"sweepInterval" yaml:"sweepInterval"`
}

// WorkerConfig shapes the worker pool and its retry policy.
type WorkerConfig struct {
	Count         int `json:"count" yaml:"count"`
	InboxCapacity int `json:"inboxCapacity" yaml:"inboxCapacity"`
	// RatePerSecond throttles fetch starts across each worker; zero
	// disables the limiter.
	RatePerSecond float64 `json:"ratePerSecond" yaml:"ratePerSecond"`
	RateBurst     int     `json:"rateBurst" yaml:"rateBurst"`

	DownloadRetryLimit uint32   `json:"downloadRetryLimit" yaml:"downloadRetryLimit"`
	UploadRetryLimit   uint32   `json:"uploadRetryLimit" yaml:"uploadRetryLimit"`
	BaseBackoff        Duration `json:"baseBackoff" yaml:"baseBackoff"`
	MaxBackoff         Duration `json:"maxBackoff" yaml:"maxBackoff"`

	FetchTimeout Duration          `json:"fetchTimeout" yaml:"fetchTimeout"`
	UserAgent    string            `json:"userAgent" yaml:"userAgent"`
	DefaultPool  string            `json:"defaultPool" yaml:"defaultPool"`
	Headers      map[string]string `json:"headers" yaml:"headers"`
}

// StorageConfig picks the upload backend.
type StorageConfig struct {
	// Backend is "fs" or "memory".
	Backend string `json:"backend" yaml:"backend"`
	Root    string `json:"root" yaml:"root"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		FsyncMode:     "always",
		FsyncInterval: Duration(50 * time.Millisecond),
		HTTPListen:    "127.0.0.1:8080",
		Queue: QueueConfig{
			Name:          "downloads",
			Capacity:      100_000,
			LeaseTTL:      Duration(30 * time.Second),
			Retention:     Duration(24 * time.Hour),
			SweepInterval: Duration(5 * time.Second),
		},
		Workers: WorkerConfig{
			Count:              4,
			InboxCapacity:      4,
			DownloadRetryLimit: 5,
			UploadRetryLimit:   3,
			BaseBackoff:        Duration(500 * time.Millisecond),
			MaxBackoff:         Duration(5 * time.Minute),
			FetchTimeout:       Duration(60 * time.Second),
		},
		Storage: StorageConfig{Backend: "fs"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If
// path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}
