// Package log provides structured logging for Instalog components.
//
// There is intentionally no package-level default logger. Every component
// receives a Logger at construction time, so tests and embedders control
// where output goes. Loggers are cheap to derive: With and WithComponent
// return children that share the parent's formatter and outputs.
//
// Example:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel))
//	logger = logger.WithComponent("buffer")
//	logger.Info("produced batch", log.Int("events", n))
package log
