package config

import "os"

// FromEnv overlays INSTALOG_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("INSTALOG_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("INSTALOG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("INSTALOG_CLI_ADDR"); v != "" {
		cfg.CLIAddr = v
	}
	if v := os.Getenv("INSTALOG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
