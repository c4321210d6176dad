// Package config loads and validates diaglog.yaml.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSocket = "/tmp/diaglog.sock"
	DefaultBudget = ByteSize(4 << 20)
	DefaultName   = "diagnostics"
)

// Config represents a diaglog.yaml configuration file.
type Config struct {
	Version int               `yaml:"version"           json:"version"`
	Root    string            `yaml:"root,omitempty"    json:"root,omitempty"`
	Socket  string            `yaml:"socket,omitempty"  json:"socket,omitempty"`
	Budget  ByteSize          `yaml:"budget,omitempty"  json:"budget,omitempty"`
	DevMode bool              `yaml:"dev_mode,omitempty" json:"dev_mode,omitempty"`
	Mirror  string            `yaml:"mirror,omitempty"  json:"mirror,omitempty"` // slog|journal
	Export  Export            `yaml:"export"            json:"export"`
	Metrics Metrics           `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Sources map[string]Source `yaml:"sources,omitempty" json:"sources,omitempty"`
}

// Export controls how artifacts are packaged and where the CLI saves them.
type Export struct {
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"` // text|zip|zstd|lz4
	Name     string `yaml:"name,omitempty"     json:"name,omitempty"`
	Dir      string `yaml:"dir,omitempty"      json:"dir,omitempty"`
}

// Metrics configures the Prometheus endpoint. Empty Listen disables it.
type Metrics struct {
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

// Source is a log source definition.
type Source struct {
	Kind    string            `yaml:"kind"              json:"kind"`
	Level   string            `yaml:"level,omitempty"   json:"level,omitempty"`   // level lines are recorded at
	Command string            `yaml:"command,omitempty" json:"command,omitempty"` // exec
	Dir     string            `yaml:"dir,omitempty"     json:"dir,omitempty"`     // exec
	Restart string            `yaml:"restart,omitempty" json:"restart,omitempty"` // exec: always|on-failure|never
	Env     map[string]string `yaml:"env,omitempty"     json:"env,omitempty"`     // exec
	Files   []string          `yaml:"files,omitempty"   json:"files,omitempty"`   // file
	Unit    string            `yaml:"unit,omitempty"    json:"unit,omitempty"`    // journal
}

// ByteSize is a byte count that accepts human-readable YAML values such as
// "4MiB" or "512 KB" as well as plain integers.
type ByteSize int64

func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	n, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", node.Line, node.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{Version: 1}
	c.applyDefaults()
	return c
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML, fills defaults and expands ${root} and ${ENV} references
// in paths and commands.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	c.interpolate()
	return &c, nil
}

// Save writes the config as YAML.
func Save(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from DIAGLOG_DEV and DIAGLOG_SOCKET.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DIAGLOG_DEV"); v != "" {
		if dev, err := strconv.ParseBool(v); err == nil {
			c.DevMode = dev
		}
	}
	if v := os.Getenv("DIAGLOG_SOCKET"); v != "" {
		c.Socket = v
	}
}

func (c *Config) applyDefaults() {
	if c.Socket == "" {
		c.Socket = DefaultSocket
	}
	if c.Budget == 0 {
		c.Budget = DefaultBudget
	}
	if c.Mirror == "" {
		c.Mirror = "slog"
	}
	if c.Export.Encoding == "" {
		c.Export.Encoding = "text"
	}
	if c.Export.Name == "" {
		c.Export.Name = DefaultName
	}
	if c.Export.Dir == "" {
		c.Export.Dir = "."
	}
}

func (c *Config) interpolate() {
	expand := func(s string) string {
		return os.Expand(s, func(key string) string {
			if key == "root" {
				return c.Root
			}
			return os.Getenv(key)
		})
	}

	c.Socket = expand(c.Socket)
	c.Export.Dir = expand(c.Export.Dir)
	for name, src := range c.Sources {
		src.Command = expand(src.Command)
		src.Dir = expand(src.Dir)
		for i, f := range src.Files {
			src.Files[i] = expand(f)
		}
		c.Sources[name] = src
	}
}

// SourceNames returns source names in sorted order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
