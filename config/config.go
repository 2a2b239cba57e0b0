// Package config loads the prediction server configuration from YAML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"tabmodel/logger"
	"tabmodel/model"
	"tabmodel/monitoring"
)

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Models     []ModelConfig    `yaml:"models"`
	Cache      CacheConfig      `yaml:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        logger.Config    `yaml:"log"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// ModelConfig names an artifact to serve. An empty ID means the id stored
// in the artifact.
type ModelConfig struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

type CacheConfig struct {
	Size  int  `yaml:"size"`
	Watch bool `yaml:"watch"`
}

// MonitoringConfig enables event shipping when URL is set.
type MonitoringConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	BatchSize     int           `yaml:"batch_size"`
	FlushSchedule string        `yaml:"flush_schedule"`
}

func (m MonitoringConfig) Enabled() bool {
	return m.URL != ""
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           8080,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Cache: CacheConfig{Size: model.DefaultCacheSize},
		Monitoring: MonitoringConfig{
			Timeout:       10 * time.Second,
			MaxRetries:    3,
			BatchSize:     monitoring.DefaultBatchSize,
			FlushSchedule: "@every 10s",
		},
		Database: DatabaseConfig{Path: "data/tabmodel.db"},
		Log:      logger.Default(),
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.SetStrict(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found, not just the first.
func (c Config) Validate() error {
	var err error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.Timeout < 0 {
		err = multierr.Append(err, fmt.Errorf("http.timeout must not be negative"))
	}
	if len(c.Models) == 0 {
		err = multierr.Append(err, fmt.Errorf("no models configured"))
	}
	seen := make(map[string]bool)
	for i, m := range c.Models {
		if m.Path == "" {
			err = multierr.Append(err, fmt.Errorf("models[%d]: empty path", i))
		}
		if m.ID == "" {
			continue
		}
		if seen[m.ID] {
			err = multierr.Append(err, fmt.Errorf("models[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
	}
	if c.Monitoring.Enabled() {
		if _, perr := monitoring.ParseSchedule(c.Monitoring.FlushSchedule); perr != nil {
			err = multierr.Append(err, fmt.Errorf("monitoring.flush_schedule: %w", perr))
		}
		if c.Monitoring.MaxRetries < 0 {
			err = multierr.Append(err, fmt.Errorf("monitoring.max_retries must not be negative"))
		}
	}
	if c.Database.Path == "" {
		err = multierr.Append(err, fmt.Errorf("database.path is empty"))
	}
	return err
}
