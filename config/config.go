// Package config handles cobalt.toml VM configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/cobalt/vm"
)

// FileName is the name of the configuration file.
const FileName = "cobalt.toml"

// Config represents a cobalt.toml file.
type Config struct {
	VM      VMConfig      `toml:"vm"`
	GC      GCConfig      `toml:"gc"`
	Profile ProfileConfig `toml:"profile"`
	Server  ServerConfig  `toml:"server"`

	// Dir is the directory containing the cobalt.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig sets interpreter limits and modes.
type VMConfig struct {
	MaxCallDepth      int    `toml:"max-call-depth"`
	MaxStack          int    `toml:"max-stack"`
	MaxNativeDepth    int    `toml:"max-native-depth"`
	Dispatch          string `toml:"dispatch"` // "switch" or "table"
	InterruptInterval int    `toml:"interrupt-interval"`
	Trace             bool   `toml:"trace"`
	DisableNative     bool   `toml:"disable-native"`
}

// GCConfig configures the incremental collector.
type GCConfig struct {
	StepSize    int   `toml:"step-size"`
	ShrinkStack *bool `toml:"shrink-stack"`
}

// ProfileConfig configures invocation profiling.
type ProfileConfig struct {
	Enabled      bool   `toml:"enabled"`
	HotThreshold uint64 `toml:"hot-threshold"`
	Database     string `toml:"database"`
}

// ServerConfig configures the execution server.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no cobalt.toml exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load parses a cobalt.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// Parse decodes configuration text and applies defaults.
func Parse(text string) (*Config, error) {
	var c Config
	md, err := toml.Decode(text, &c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

// FindAndLoad walks up from startDir to find a cobalt.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) validate() error {
	switch c.VM.Dispatch {
	case "", "switch", "table":
	default:
		return fmt.Errorf("vm.dispatch: unknown mode %q (want \"switch\" or \"table\")", c.VM.Dispatch)
	}
	if c.VM.MaxCallDepth < 0 || c.VM.MaxStack < 0 || c.VM.MaxNativeDepth < 0 || c.VM.InterruptInterval < 0 {
		return fmt.Errorf("vm limits must not be negative")
	}
	if c.GC.StepSize < 0 {
		return fmt.Errorf("gc.step-size must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.VM.MaxCallDepth == 0 {
		c.VM.MaxCallDepth = vm.DefaultMaxCallDepth
	}
	if c.VM.MaxStack == 0 {
		c.VM.MaxStack = vm.DefaultMaxStackSize
	}
	if c.VM.MaxNativeDepth == 0 {
		c.VM.MaxNativeDepth = vm.DefaultMaxNativeDepth
	}
	if c.VM.Dispatch == "" {
		c.VM.Dispatch = "switch"
	}
	if c.VM.InterruptInterval == 0 {
		c.VM.InterruptInterval = vm.DefaultInterruptInterval
	}
	if c.GC.StepSize == 0 {
		c.GC.StepSize = vm.DefaultStepSize
	}
	if c.GC.ShrinkStack == nil {
		shrink := true
		c.GC.ShrinkStack = &shrink
	}
	if c.Profile.HotThreshold == 0 {
		c.Profile.HotThreshold = vm.DefaultHotThreshold
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "localhost:4710"
	}
}

// DatabasePath returns the profile database path, resolved against Dir.
// It returns "" when no database is configured.
func (c *Config) DatabasePath() string {
	if c.Profile.Database == "" {
		return ""
	}
	if filepath.IsAbs(c.Profile.Database) || c.Dir == "" {
		return c.Profile.Database
	}
	return filepath.Join(c.Dir, c.Profile.Database)
}

// Options converts the configuration into VM options. A profiler is
// attached when profiling is enabled.
func (c *Config) Options() vm.Options {
	opts := vm.Options{
		MaxCallDepth:      c.VM.MaxCallDepth,
		MaxStackSize:      c.VM.MaxStack,
		MaxNativeDepth:    c.VM.MaxNativeDepth,
		InterruptInterval: c.VM.InterruptInterval,
		Trace:             c.VM.Trace,
		DisableNative:     c.VM.DisableNative,
		Collector:         vm.NewIncrementalCollector(c.GC.StepSize, *c.GC.ShrinkStack),
	}
	if c.VM.Dispatch == "table" {
		opts.Dispatch = vm.DispatchTable
	}
	if c.Profile.Enabled {
		p := vm.NewProfiler()
		p.HotThreshold = c.Profile.HotThreshold
		opts.Profiler = p
	}
	return opts
}
