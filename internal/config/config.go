package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PluginEntry configures one plugin instance.
type PluginEntry struct {
	// Plugin is the plugin type name, e.g. "input_socket".
	Plugin string `yaml:"plugin"`

	// Args is passed verbatim to the plugin factory.
	Args map[string]interface{} `yaml:"args"`

	// Allow and Deny are flow policy rules deciding which events this
	// plugin may see. Only meaningful for output plugins.
	Allow []map[string]interface{} `yaml:"allow"`
	Deny  []map[string]interface{} `yaml:"deny"`

	// Targets names output plugins this plugin's events should flow to.
	// Validation rewrites each target into a history allow rule on the
	// named output and clears the list.
	Targets StringList `yaml:"targets"`

	// EnableRecursion permits this plugin to see events it emitted
	// itself. Off by default; recursive flows loop forever otherwise.
	EnableRecursion bool `yaml:"enable_recursion"`
}

// Config is the top-level node configuration.
type Config struct {
	NodeID   string `yaml:"node_id"`
	DataDir  string `yaml:"data_dir"`
	CLIAddr  string `yaml:"cli_addr"`
	LogLevel string `yaml:"log_level"`

	Buffer *PluginEntry            `yaml:"buffer"`
	Input  map[string]*PluginEntry `yaml:"input"`
	Output map[string]*PluginEntry `yaml:"output"`
}

// StringList accepts either a single YAML scalar or a sequence of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var one string
		if err := value.Decode(&one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
		return nil
	default:
		return fmt.Errorf("targets must be a string or a list of strings")
	}
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:  DefaultDataDir(),
		CLIAddr:  "127.0.0.1:7000",
		LogLevel: "info",
	}
}

// DefaultDataDir returns the data directory used when the config leaves
// data_dir empty. Station images keep persistent state under /var/db, so
// that is preferred; otherwise fall back to a dotdir in the user's home.
func DefaultDataDir() string {
	if fi, err := os.Stat("/var/db"); err == nil && fi.IsDir() {
		return "/var/db/instalog"
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".instalog")
	}
	return "instalog-data"
}

// Load reads configuration from a YAML file, overlaying it onto the
// defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields and rewrites targets sugar into flow
// policy rules. After a successful Validate, every Targets list is empty and
// every output plugin has at least one allow rule.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Buffer == nil || c.Buffer.Plugin == "" {
		return fmt.Errorf("buffer plugin is required")
	}
	if len(c.Buffer.Targets) > 0 || len(c.Buffer.Allow) > 0 || len(c.Buffer.Deny) > 0 {
		return fmt.Errorf("buffer plugin takes no targets or flow rules")
	}

	for id, entry := range c.Input {
		if entry == nil || entry.Plugin == "" {
			return fmt.Errorf("input %s: plugin type is required", id)
		}
		if id == "buffer" {
			return fmt.Errorf("plugin id \"buffer\" is reserved")
		}
		if _, dup := c.Output[id]; dup {
			return fmt.Errorf("plugin id %s used for both input and output", id)
		}
		if len(entry.Allow) > 0 || len(entry.Deny) > 0 {
			return fmt.Errorf("input %s: allow/deny rules apply to output plugins only", id)
		}
	}
	for id, entry := range c.Output {
		if entry == nil || entry.Plugin == "" {
			return fmt.Errorf("output %s: plugin type is required", id)
		}
		if id == "buffer" {
			return fmt.Errorf("plugin id \"buffer\" is reserved")
		}
	}

	// Rewrite "targets" into history allow rules on the named outputs.
	for id, entry := range c.Input {
		if err := c.rewriteTargets(id, entry); err != nil {
			return err
		}
	}
	for id, entry := range c.Output {
		if err := c.rewriteTargets(id, entry); err != nil {
			return err
		}
	}

	// An output nothing points at would sit on the buffer forever and
	// block truncation of everything behind it.
	for id, entry := range c.Output {
		if len(entry.Allow) == 0 {
			return fmt.Errorf("no plugin targets output %s: disable it, add "+
				"allow/deny rules, or point another plugin's targets at it", id)
		}
	}
	return nil
}

func (c *Config) rewriteTargets(id string, entry *PluginEntry) error {
	for _, target := range entry.Targets {
		dst, ok := c.Output[target]
		if !ok {
			return fmt.Errorf("plugin %s targets unknown output %s", id, target)
		}
		dst.Allow = append(dst.Allow, map[string]interface{}{
			"rule":      "history",
			"plugin_id": id,
			"position":  -1,
		})
	}
	entry.Targets = nil
	return nil
}
