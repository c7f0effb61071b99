// Package config loads crcore's on-disk configuration. The core treats CLI
// argument parsing as an external collaborator (spec §1); this package and
// the thin dispatcher in cmd/crcore are the minimal ambient stack needed to
// point the core packages at an image directory and a log level.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is crcore's top-level configuration, decoded from a TOML file and
// then selectively overridden by CLI flags.
type Config struct {
	// ImageDir is the directory dump writes image streams into and
	// restore reads them from.
	ImageDir string `toml:"image_dir"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `toml:"log_level"`

	// LogFile is where structured logs are written; empty means stderr.
	LogFile string `toml:"log_file"`

	// PagePipeSegments caps the number of iovecs batched into a single
	// page-pipe buffer before it's handed off to the parasite (spec
	// §4.6). Zero means use the package default.
	PagePipeSegments int `toml:"page_pipe_segments"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ImageDir: ".",
		LogLevel: "info",
	}
}

// Load reads and decodes the TOML file at path, falling back to Default
// values for any field the file doesn't set. A missing file is not an
// error; it just yields Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	return cfg, nil
}
