// Package logging builds humanfn.Logger implementations backed by go-logger
// or zap.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	humanfn "github.com/goliatone/go-humanfn"
)

// Drivers accepted by New.
const (
	DriverGlog = "glog"
	DriverZap  = "zap"
	DriverFmt  = "fmt"
)

// Config selects and tunes the logger.
type Config struct {
	Driver      string   `yaml:"driver"`
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
}

// DefaultConfig logs JSON at info level through go-logger.
func DefaultConfig() Config {
	return Config{
		Driver:      DriverGlog,
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// Validate rejects unknown drivers, levels and formats.
func (c Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "", DriverGlog, DriverZap, DriverFmt:
	default:
		return fmt.Errorf("unknown log driver %q", c.Driver)
	}
	switch strings.ToLower(c.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}

// New builds a logger for cfg. A non-nil w overrides the configured
// output paths.
func New(cfg Config, w io.Writer) (humanfn.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Driver) {
	case DriverZap:
		return NewZap(cfg, w)
	case DriverFmt:
		if w == nil {
			w = os.Stdout
		}
		return humanfn.NewFmtLogger(w).WithLevel(cfg.Level), nil
	default:
		return NewGlog(cfg, w), nil
	}
}
