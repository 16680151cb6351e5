// Package config provides configuration loading and management for eyequant.
// It handles loading configuration from YAML files, environment overrides
// and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "EYEQUANT_"

// Logging selects the log level and output encoding
type Logging struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`

	// Encoding is console or json
	Encoding string `yaml:"encoding"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores bounds the number of scans quantified concurrently
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Registration parameters
	Registration struct {
		// Tolerance is the accepted round trip error in pixels
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"registration"`

	// Layer segmentation parameters
	Layers struct {
		// MaxHeight is the largest valid layer height in pixels
		MaxHeight float64 `yaml:"maxHeight"`
	} `yaml:"layers"`

	// Connected component filter parameters
	Filter struct {
		// MinimumDepth removes components spanning fewer B-scans
		MinimumDepth int `yaml:"minimumDepth"`

		// MinimumHeight removes components spanning fewer rows
		MinimumHeight int `yaml:"minimumHeight"`
	} `yaml:"filter"`

	// Drusen segmentation parameters
	Drusen struct {
		// Degree of the normal RPE polynomial
		Degree int `yaml:"degree"`

		// Iterations of outlier removal
		Iterations int `yaml:"iterations"`

		// Tolerance in rows above the fit before an RPE point is an outlier
		Tolerance float64 `yaml:"tolerance"`

		// FillNeighbors fills missing layer heights from that many nearest
		// valid heights. Zero leaves gaps unfilled.
		FillNeighbors int `yaml:"fillNeighbors"`
	} `yaml:"drusen"`

	// Sector grid parameters
	Grid struct {
		// Radii of the rings in mm
		Radii []float64 `yaml:"radii"`

		// SectorsPerRing is the number of sectors of every ring
		SectorsPerRing []int `yaml:"sectorsPerRing"`

		// Offsets is the start angle of every ring in degrees
		Offsets []float64 `yaml:"offsets"`
	} `yaml:"grid"`

	Logging Logging `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Registration.Tolerance = 1e-6
	cfg.Layers.MaxHeight = 2000

	cfg.Filter.MinimumDepth = 2
	cfg.Filter.MinimumHeight = 2

	cfg.Drusen.Degree = 3
	cfg.Drusen.Iterations = 3
	cfg.Drusen.Tolerance = 3

	cfg.Grid.Radii = []float64{1.5, 2.5}
	cfg.Grid.SectorsPerRing = []int{1, 4}
	cfg.Grid.Offsets = []float64{0, 45}

	cfg.Logging.Level = "info"
	cfg.Logging.Encoding = "console"

	return cfg
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs error
	if c.Processing.NumCores < 1 {
		errs = multierr.Append(errs, fmt.Errorf("processing.numCores must be at least 1, got %d", c.Processing.NumCores))
	}
	if !(c.Registration.Tolerance > 0) {
		errs = multierr.Append(errs, fmt.Errorf("registration.tolerance must be positive, got %g", c.Registration.Tolerance))
	}
	if !(c.Layers.MaxHeight > 0) {
		errs = multierr.Append(errs, fmt.Errorf("layers.maxHeight must be positive, got %g", c.Layers.MaxHeight))
	}
	if c.Filter.MinimumDepth < 0 || c.Filter.MinimumHeight < 0 {
		errs = multierr.Append(errs, fmt.Errorf("filter minimums must not be negative, got depth=%d height=%d",
			c.Filter.MinimumDepth, c.Filter.MinimumHeight))
	}
	if c.Drusen.Degree < 0 || c.Drusen.Iterations < 0 || c.Drusen.Tolerance < 0 || c.Drusen.FillNeighbors < 0 {
		errs = multierr.Append(errs, fmt.Errorf("drusen settings must not be negative"))
	}
	if len(c.Grid.SectorsPerRing) != len(c.Grid.Radii) || len(c.Grid.Offsets) != len(c.Grid.Radii) {
		errs = multierr.Append(errs, fmt.Errorf("grid needs one sector count and offset per radius, got %d radii, %d sector counts, %d offsets",
			len(c.Grid.Radii), len(c.Grid.SectorsPerRing), len(c.Grid.Offsets)))
	}
	switch c.Logging.Encoding {
	case "console", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.encoding must be console or json, got %q", c.Logging.Encoding))
	}
	return errs
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from EYEQUANT_* variables. Variables are
// read from the given dotenv files (missing files are skipped) and from
// the process environment, which wins over the files.
func ApplyEnv(cfg *Config, envFiles ...string) error {
	vars := make(map[string]string)
	for _, f := range envFiles {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		fileVars, err := godotenv.Read(f)
		if err != nil {
			return fmt.Errorf("error reading env file %s: %w", f, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			vars[k] = v
		}
	}

	var errs error
	setInt := func(key string, dst *int) {
		if v, ok := vars[EnvPrefix+key]; ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := vars[EnvPrefix+key]; ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := vars[EnvPrefix+key]; ok {
			*dst = strings.TrimSpace(v)
		}
	}

	setInt("NUM_CORES", &cfg.Processing.NumCores)
	setFloat("REGISTRATION_TOLERANCE", &cfg.Registration.Tolerance)
	setFloat("MAX_HEIGHT", &cfg.Layers.MaxHeight)
	setInt("MIN_DEPTH", &cfg.Filter.MinimumDepth)
	setInt("MIN_HEIGHT", &cfg.Filter.MinimumHeight)
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("LOG_ENCODING", &cfg.Logging.Encoding)
	return errs
}

// Load reads the YAML file, applies environment overrides and validates
// the result
func Load(configPath string, envFiles ...string) (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, envFiles...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
