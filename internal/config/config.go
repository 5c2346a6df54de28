// Package config provides configuration types, defaults and validation for snort3test.
//
// The values are supplied by the build environment (install prefix, dependency
// root, source tree) and are treated as opaque paths by the rest of the program.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/zjrosen/snort3test/internal/log"
)

// FallbackConcurrency is used when the CPU count cannot be determined.
const FallbackConcurrency = 4

// Config holds all configuration options for snort3test.
type Config struct {
	Root         string        `mapstructure:"root" yaml:"root"`                         // snort3 test tree (default: current directory)
	Prefix       string        `mapstructure:"sf_prefix_snort3" yaml:"sf_prefix_snort3"` // snort3 installation prefix
	Dependencies string        `mapstructure:"dependencies" yaml:"dependencies"`         // dependency install root (daq, libdaq, ...)
	SourcePath   string        `mapstructure:"source_path" yaml:"source_path"`           // snort3 source tree, spell check target
	ExtraPath    string        `mapstructure:"extra_path" yaml:"extra_path"`             // optional second spell check target
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`           // 0 means one slot per CPU
	Watch        WatchConfig   `mapstructure:"watch" yaml:"watch"`
	History      HistoryConfig `mapstructure:"history" yaml:"history"`
	Tracing      TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Log          LogConfig     `mapstructure:"log" yaml:"log"`
}

// WatchConfig controls live invalidation.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"` // default: <root>/.snort3test/history.db
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter     string  `mapstructure:"exporter" yaml:"exporter"` // none, file, stdout, otlp
	FilePath     string  `mapstructure:"file_path" yaml:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	File  string `mapstructure:"file" yaml:"file"`
	Level string `mapstructure:"level" yaml:"level"`
}

// ConfigurationError reports a required external path that is not accessible.
// While it is present the controller stays "not ready" and refuses load and run.
type ConfigurationError struct {
	Setting string
	Path    string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s not accessible: %v", e.Setting, e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Concurrency: 0,
		Watch: WatchConfig{
			Debounce: 300 * time.Millisecond,
		},
		History: HistoryConfig{
			Enabled: false,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultConcurrency is the number of pool slots used when none is configured.
func DefaultConcurrency() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return FallbackConcurrency
}

// EffectiveConcurrency returns the configured concurrency or the default.
func (c Config) EffectiveConcurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return DefaultConcurrency()
}

// SnortBinary is the snort executable under the install prefix.
func (c Config) SnortBinary() string {
	return filepath.Join(c.Prefix, "bin", "snort")
}

// HistoryPath returns the history database path, defaulting under the test root.
func (c Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Root, ".snort3test", "history.db")
}

// Validate checks static configuration values.
// Filesystem access is checked separately by CheckEnvironment.
func Validate(c Config) error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be a positive integer, got %d", c.Concurrency)
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative, got %s", c.Watch.Debounce)
	}
	if c.ExtraPath != "" && !filepath.IsAbs(c.ExtraPath) {
		return fmt.Errorf("extra_path must be an absolute path, got %q", c.ExtraPath)
	}
	return ValidateTracing(c.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// CheckEnvironment verifies that the snort binary, the dependency root and any
// configured spell check targets are readable.
// Problems are logged as warnings and returned as *ConfigurationError.
func CheckEnvironment(c Config) error {
	if err := readable(c.SnortBinary()); err != nil {
		log.Warn(log.CatConfig, "Snort binary missing, check sf_prefix_snort3",
			"root", c.Root, "path", c.SnortBinary(), "error", err)
		return &ConfigurationError{Setting: "sf_prefix_snort3", Path: c.SnortBinary(), Err: err}
	}
	if err := readable(c.Dependencies); err != nil {
		log.Warn(log.CatConfig, "Dependencies not accessible",
			"root", c.Root, "path", c.Dependencies, "error", err)
		return &ConfigurationError{Setting: "dependencies", Path: c.Dependencies, Err: err}
	}
	// Spell check targets are optional, but a configured one must exist.
	for _, target := range []struct{ setting, path string }{
		{"source_path", c.SourcePath},
		{"extra_path", c.ExtraPath},
	} {
		if target.path == "" {
			continue
		}
		if err := readable(target.path); err != nil {
			log.Warn(log.CatConfig, "Spell check target not accessible",
				"setting", target.setting, "path", target.path, "error", err)
			return &ConfigurationError{Setting: target.setting, Path: target.path, Err: err}
		}
	}
	return nil
}

func readable(path string) error {
	if path == "" {
		return errors.New("not configured")
	}
	f, err := os.Open(path) //nolint:gosec // G304: configured install paths
	if err != nil {
		return err
	}
	return f.Close()
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# snort3test configuration

# snort3 test tree (default: current directory)
# root: /path/to/snort3_tests

# snort3 installation prefix; <prefix>/bin/snort must exist
sf_prefix_snort3: /usr/local/snort3

# Dependency install root (daq and friends)
dependencies: /usr/local/snort3_deps

# snort3 source tree checked by spell tests
# source_path: /path/to/snort3

# Optional second spell check target; adds an "extra" test next to each spell test
# extra_path: /path/to/snort3_extra

# Concurrent test slots (0 = one per CPU)
concurrency: 0

watch:
  debounce: 300ms

history:
  enabled: false
  # path: /path/to/history.db

log:
  level: info
  # file: /tmp/snort3test.log

# tracing:
#   enabled: true
#   exporter: file
#   file_path: ~/.config/snort3test/traces/traces.jsonl
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
