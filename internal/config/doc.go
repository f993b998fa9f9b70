// Package config loads and validates node configuration. It exposes a
// Default() baseline, strict YAML file loading, and an INSTALOG_*
// environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/instalog.yaml")
//	if err != nil { ... }
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { ... }
package config
