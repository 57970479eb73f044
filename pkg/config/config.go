package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	UploadTimeout  time.Duration `yaml:"upload_timeout" default:"30s"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// UnmarshalYAML decodes the config, accepting durations in the usual
// "30s"/"1m30s" notation. Absent keys keep their current (default) values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		LogLevel       string `yaml:"log_level"`
		ScanTimeout    string `yaml:"scan_timeout"`
		ConnectTimeout string `yaml:"connect_timeout"`
		UploadTimeout  string `yaml:"upload_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
	for _, f := range []struct {
		raw  string
		dest *time.Duration
	}{
		{raw.ScanTimeout, &c.ScanTimeout},
		{raw.ConnectTimeout, &c.ConnectTimeout},
		{raw.UploadTimeout, &c.UploadTimeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", f.raw, err)
		}
		*f.dest = d
	}
	return nil
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %q in config %q", c.LogLevel, path)
	}
	return c, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
