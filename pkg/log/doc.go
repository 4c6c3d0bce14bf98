// Package log provides structured logging for FetchBox components.
//
// The Logger interface is a thin, field-based API backed by log/slog. Loggers
// are constructed once and passed explicitly into component constructors;
// there is no package-level default logger.
//
// Typical usage:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel), log.WithFormatter(&log.TextFormatter{}))
//	wl := logger.With(log.Component("worker"), log.Str("worker_id", id))
//	wl.Info("task completed", log.Uint64("seq", seq))
//
// RedirectStdLog routes standard-library log output (Pebble uses it
// internally) through a Logger.
package log
