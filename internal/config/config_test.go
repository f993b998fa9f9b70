package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instalog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
node_id: station-1
data_dir: /tmp/instalog-test
buffer:
  plugin: buffer_priority
  args:
    truncate_interval: 600
input:
  sock_in:
    plugin: input_socket
    args:
      port: 8880
    targets: archive_out
output:
  archive_out:
    plugin: output_archive
`

func TestLoadAndValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "station-1" {
		t.Fatalf("node_id = %q", cfg.NodeID)
	}
	// Defaults survive the overlay.
	if cfg.CLIAddr != "127.0.0.1:7000" || cfg.LogLevel != "info" {
		t.Fatalf("defaults lost: cli_addr=%q log_level=%q", cfg.CLIAddr, cfg.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// The targets sugar became a history allow rule on the output.
	out := cfg.Output["archive_out"]
	if len(out.Allow) != 1 {
		t.Fatalf("allow rules = %v", out.Allow)
	}
	rule := out.Allow[0]
	if rule["rule"] != "history" || rule["plugin_id"] != "sock_in" || rule["position"] != -1 {
		t.Fatalf("rewritten rule = %v", rule)
	}
	if len(cfg.Input["sock_in"].Targets) != 0 {
		t.Fatal("targets not cleared after rewrite")
	}
}

func TestTargetsList(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
node_id: n1
data_dir: /tmp/x
buffer:
  plugin: buffer_priority
input:
  in_a:
    plugin: input_socket
    targets: [out_x, out_y]
output:
  out_x:
    plugin: output_archive
  out_y:
    plugin: output_archive
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Output["out_x"].Allow) != 1 || len(cfg.Output["out_y"].Allow) != 1 {
		t.Fatal("both targets should gain an allow rule")
	}
}

func TestChainedOutputs(t *testing.T) {
	// o1 feeds o2: output targets are allowed, not just inputs.
	cfg, err := Load(writeConfig(t, `
node_id: n1
data_dir: /tmp/x
buffer:
  plugin: buffer_priority
input:
  in_a:
    plugin: input_socket
    targets: o1
output:
  o1:
    plugin: output_archive
    targets: o2
  o2:
    plugin: output_archive
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	rule := cfg.Output["o2"].Allow[0]
	if rule["plugin_id"] != "o1" {
		t.Fatalf("o2 allow rule = %v", rule)
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing node_id", `
data_dir: /tmp/x
buffer:
  plugin: buffer_priority
`},
		{"missing buffer", `
node_id: n1
data_dir: /tmp/x
`},
		{"unknown target", `
node_id: n1
data_dir: /tmp/x
buffer:
  plugin: buffer_priority
input:
  in_a:
    plugin: input_socket
    targets: nope
`},
		{"sourceless output", `
node_id: n1
data_dir: /tmp/x
buffer:
  plugin: buffer_priority
output:
  orphan:
    plugin: output_archive
`},
		{"duplicate plugin id", `
node_id: n1
data_dir: /tmp/x
buffer:
  plugin: buffer_priority
input:
  dup:
    plugin: input_socket
    targets: dup
output:
  dup:
    plugin: output_archive
`},
		{"rules on input", `
node_id: n1
data_dir: /tmp/x
buffer:
  plugin: buffer_priority
input:
  in_a:
    plugin: input_socket
    allow:
      - rule: all
`},
	}
	for _, tc := range cases {
		cfg, err := Load(writeConfig(t, tc.yaml))
		if err != nil {
			t.Fatalf("%s: Load: %v", tc.name, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate succeeded", tc.name)
		}
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	if _, err := Load(writeConfig(t, `
node_id: n1
data_dir: /tmp/x
unknown_key: true
buffer:
  plugin: buffer_priority
`)); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("INSTALOG_NODE_ID", "env-node")
	t.Setenv("INSTALOG_CLI_ADDR", "127.0.0.1:9999")
	cfg := Default()
	FromEnv(&cfg)
	if cfg.NodeID != "env-node" || cfg.CLIAddr != "127.0.0.1:9999" {
		t.Fatalf("env overlay missed: %+v", cfg)
	}
}
