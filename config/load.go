package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/mjl-/sconf"
)

// EnvOverrides lets an operator override a handful of config.Static fields
// from the process environment without editing mailfdm.conf, mirroring the
// deployment knob every ambient layer in the teacher exposes alongside its
// file-based config.
type EnvOverrides struct {
	LogLevel string `envconfig:"MAILFDM_LOGLEVEL"`
	DataDir  string `envconfig:"MAILFDM_DATADIR"`
	ChildUID string `envconfig:"MAILFDM_CHILDUID"`
}

// Parse reads and parses the static config file at path p, then applies any
// environment overrides and resolves Global's uid/gid fields.
func Parse(p string) (*Static, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	c := &Static{}
	if err := sconf.Parse(f, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p, err)
	}

	var env EnvOverrides
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("processing environment overrides: %w", err)
	}
	if env.LogLevel != "" {
		c.Global.LogLevel = env.LogLevel
	}
	if env.ChildUID != "" {
		c.Global.ChildUID = env.ChildUID
	}
	if env.DataDir != "" {
		c.Global.DataDir = env.DataDir
	}

	if err := c.Global.ResolveUsers(); err != nil {
		return nil, err
	}
	return c, nil
}

// Describe writes an annotated, empty example config to standard output, the way the
// teacher's "mox config describe" subcommand documents mox.conf.
func Describe(c *Static) error {
	return sconf.Describe(os.Stdout, c)
}
