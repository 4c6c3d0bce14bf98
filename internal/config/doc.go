// Package config provides loading and environment overlay for FetchBox
// runtime configuration. It exposes a Default() baseline, JSON/YAML file
// loading, and FETCHBOX_* environment overrides.
//
// Example:
//
//	cfg := config.Default()
//	// Optionally load from file and overlay env vars
//	if fileCfg, err := config.Load("/etc/fetchbox.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	// Pass cfg into runtime.Open
//	rt, _ := runtime.Open(cfg, nil)
//	defer rt.Close()
package config
