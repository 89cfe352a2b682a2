// Package config loads anomalywatch settings from layered sources:
// built-in defaults, an optional YAML file, then ANOMALYWATCH_* environment
// variables. Command-line flags are applied on top by the commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix namespaces environment overrides, e.g. ANOMALYWATCH_SCORER_THRESHOLD.
	EnvPrefix = "ANOMALYWATCH_"
	// PathEnvVar overrides the config file location.
	PathEnvVar = "ANOMALYWATCH_CONFIG"
)

// DefaultPaths are searched in order when no explicit path is given.
var DefaultPaths = []string{
	"anomalywatch.yaml",
	"anomalywatch.yml",
	"/etc/anomalywatch/config.yaml",
}

type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Logging  LoggingConfig  `koanf:"logging"`
	Scorer   ScorerConfig   `koanf:"scorer"`
	Frame    FrameConfig    `koanf:"frame"`
	Scan     ScanConfig     `koanf:"scan"`
	Render   RenderConfig   `koanf:"render"`
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ScorerConfig tunes the reconstruction error scorer. The threshold default
// (4*255) is empirical.
type ScorerConfig struct {
	Threshold  float64 `koanf:"threshold"`
	KernelSize int     `koanf:"kernel_size"`
}

// FrameConfig sets the size every frame is resized to before scoring.
// Zero keeps the source size.
type FrameConfig struct {
	Width  int `koanf:"width"`
	Height int `koanf:"height"`
}

type ScanConfig struct {
	NthFrame      int           `koanf:"nth_frame"`
	Engines       int           `koanf:"engines"`
	GracePeriod   time.Duration `koanf:"grace_period"`
	BlipDuration  time.Duration `koanf:"blip_duration"`
	WorkerTimeout time.Duration `koanf:"worker_timeout"`
	BatchSize     int           `koanf:"batch_size"`
	Adaptive      bool          `koanf:"adaptive"`
}

type RenderConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
	Limit   int    `koanf:"limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "warn", Format: "console"},
		Scorer:  ScorerConfig{Threshold: 4 * 255, KernelSize: 4},
		// UCSD Ped frames are 238x158 and are upscaled to a 256x256 model input.
		Frame: FrameConfig{Width: 256, Height: 256},
		Scan: ScanConfig{
			NthFrame:      1,
			Engines:       1,
			GracePeriod:   time.Second,
			BlipDuration:  200 * time.Millisecond,
			WorkerTimeout: 30 * time.Second,
			BatchSize:     256,
		},
		Render: RenderConfig{Dir: "renders", Limit: 100},
	}
}

// Load builds the configuration. path may be empty, in which case
// ANOMALYWATCH_CONFIG and DefaultPaths are consulted.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps ANOMALYWATCH_SCAN_GRACE_PERIOD to scan.grace_period. Only the
// first underscore after the prefix separates section from key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "config" {
		return ""
	}
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Scorer.Threshold < 0 {
		errs = append(errs, fmt.Errorf("scorer.threshold must be >= 0, got %v", c.Scorer.Threshold))
	}
	if c.Scorer.KernelSize < 1 {
		errs = append(errs, fmt.Errorf("scorer.kernel_size must be >= 1, got %d", c.Scorer.KernelSize))
	}
	if c.Frame.Width < 0 || c.Frame.Height < 0 {
		errs = append(errs, fmt.Errorf("frame size must be non-negative, got %dx%d", c.Frame.Width, c.Frame.Height))
	}
	if c.Scan.NthFrame < 1 {
		errs = append(errs, fmt.Errorf("scan.nth_frame must be >= 1, got %d", c.Scan.NthFrame))
	}
	if c.Scan.Engines < 1 {
		errs = append(errs, fmt.Errorf("scan.engines must be >= 1, got %d", c.Scan.Engines))
	}
	if c.Scan.GracePeriod < 0 || c.Scan.BlipDuration < 0 || c.Scan.WorkerTimeout < 0 {
		errs = append(errs, errors.New("scan durations must be non-negative"))
	}
	if c.Scan.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("scan.batch_size must be >= 1, got %d", c.Scan.BatchSize))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// DatabaseURL returns database.url, falling back to POSTGRES_* variables and
// finally a local default.
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
	}
	return "postgres://localhost:5432/anomalywatch"
}
