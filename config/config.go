// Package config handles ember.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/ember/jit"
	"github.com/chazu/ember/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "ember.toml"

// Environment variables applied by ApplyEnv.
const (
	EnvJIT          = "EMBER_JIT"           // "0"/"false" disables the JIT
	EnvDebugJIT     = "EMBER_DEBUG_JIT"     // "1"/"true" enables JIT tracing
	EnvJITThreshold = "EMBER_JIT_THRESHOLD" // hotness threshold
)

// Config represents an ember.toml file.
type Config struct {
	JIT     JITConfig     `toml:"jit"`
	VM      VMConfig      `toml:"vm"`
	Logging LoggingConfig `toml:"logging"`

	// Dir is the directory containing the ember.toml file (set at load time).
	Dir string `toml:"-"`
}

// JITConfig configures the native tier.
type JITConfig struct {
	Enabled       bool    `toml:"enabled"`
	Trace         bool    `toml:"trace"`
	Threshold     uint64  `toml:"threshold"`
	MinSamples    uint64  `toml:"min-samples"`
	Dominance     float64 `toml:"dominance"`
	FailureBudget float64 `toml:"failure-budget"`
}

// VMConfig configures the interpreter.
type VMConfig struct {
	MaxFrames int  `toml:"max-frames"`
	Trace     bool `toml:"trace"`
}

// LoggingConfig configures commonlog.
type LoggingConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	p := jit.DefaultPolicy()
	return &Config{
		JIT: JITConfig{
			Enabled:       true,
			Threshold:     jit.DefaultThreshold,
			MinSamples:    p.MinSamples,
			Dominance:     p.Dominance,
			FailureBudget: p.FailureBudget,
		},
		VM: VMConfig{MaxFrames: vm.DefaultMaxFrames},
	}
}

// Load parses an ember.toml file from the given directory. Keys missing from
// the file keep their default values.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find an ember.toml file, then loads
// it. Returns nil if no file is found.
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
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	j := c.JIT
	if j.Dominance <= 0 || j.Dominance > 1 {
		return fmt.Errorf("jit.dominance must be in (0, 1], got %g", j.Dominance)
	}
	if j.FailureBudget < 0 || j.FailureBudget > 1 {
		return fmt.Errorf("jit.failure-budget must be in [0, 1], got %g", j.FailureBudget)
	}
	if c.VM.MaxFrames < 0 {
		return fmt.Errorf("vm.max-frames must not be negative, got %d", c.VM.MaxFrames)
	}
	return nil
}

// ApplyEnv overrides settings from EMBER_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvJIT); ok {
		on, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvJIT, err)
		}
		c.JIT.Enabled = on
	}
	if v, ok := os.LookupEnv(EnvDebugJIT); ok {
		on, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebugJIT, err)
		}
		c.JIT.Trace = on
	}
	if v, ok := os.LookupEnv(EnvJITThreshold); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil || n == 0 {
			return fmt.Errorf("%s: invalid threshold %q", EnvJITThreshold, v)
		}
		c.JIT.Threshold = n
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// JITOptions returns the jit package configuration.
func (c *Config) JITOptions() jit.Config {
	return jit.Config{
		Enabled:   c.JIT.Enabled,
		Threshold: c.JIT.Threshold,
		Trace:     c.JIT.Trace,
		Policy: jit.Policy{
			MinSamples:    c.JIT.MinSamples,
			Dominance:     c.JIT.Dominance,
			FailureBudget: c.JIT.FailureBudget,
		},
	}
}
