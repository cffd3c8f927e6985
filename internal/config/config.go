// Package config loads pollgraph settings from a file and POLLGRAPH_
// environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "POLLGRAPH"

type Config struct {
	Endpoint         string            `mapstructure:"endpoint"`
	Headers          map[string]string `mapstructure:"headers"`
	Timeout          time.Duration     `mapstructure:"timeout"`
	MaxConcurrency   int               `mapstructure:"max_concurrency"`
	ExecutionTimeout time.Duration     `mapstructure:"execution_timeout"`
	Log              Log               `mapstructure:"log"`
	Otel             Otel              `mapstructure:"otel"`
	Polls            []Poll            `mapstructure:"polls"`

	// dir is the directory of the loaded file; query files resolve against it.
	dir string
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type Otel struct {
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

// Poll is one polled query. Variables is a JSON object; keeping it as text
// preserves the case of variable names.
type Poll struct {
	Name      string        `mapstructure:"name"`
	Query     string        `mapstructure:"query"`
	QueryFile string        `mapstructure:"query_file"`
	Operation string        `mapstructure:"operation"`
	Variables string        `mapstructure:"variables"`
	Interval  time.Duration `mapstructure:"interval"`
}

func Default() Config {
	return Config{
		Timeout: 10 * time.Second,
		Log:     Log{Level: "info", Format: "console"},
		Otel:    Otel{Service: "pollgraph"},
	}
}

// Load reads path, if not empty, over the defaults and applies environment
// overrides such as POLLGRAPH_ENDPOINT or POLLGRAPH_LOG_LEVEL. The result is
// not validated so that callers can apply their own overrides first.
func Load(path string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Env overrides only reach keys viper knows about.
	v.SetDefault("endpoint", def.Endpoint)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("max_concurrency", def.MaxConcurrency)
	v.SetDefault("execution_timeout", def.ExecutionTimeout)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("otel.endpoint", def.Otel.Endpoint)
	v.SetDefault("otel.service", def.Otel.Service)

	cfg := Config{}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		cfg.dir = filepath.Dir(path)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the polls. An endpoint is required as soon as there is
// something to poll.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Polls) > 0 && c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	for i, p := range c.Polls {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if (p.Query == "") == (p.QueryFile == "") {
			errs = append(errs, fmt.Errorf("poll %s: exactly one of query and query_file is required", name))
		}
		if p.Interval <= 0 {
			errs = append(errs, fmt.Errorf("poll %s: interval must be positive", name))
		}
		if _, err := p.ParseVariables(); err != nil {
			errs = append(errs, fmt.Errorf("poll %s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Source returns the query text of p, reading QueryFile relative to the
// configuration file.
func (c *Config) Source(p Poll) (string, error) {
	if p.Query != "" {
		return p.Query, nil
	}
	path := p.QueryFile
	if !filepath.IsAbs(path) && c.dir != "" {
		path = filepath.Join(c.dir, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return string(b), nil
}

// ParseVariables decodes p.Variables. An empty string yields nil.
func (p Poll) ParseVariables() (map[string]any, error) {
	if strings.TrimSpace(p.Variables) == "" {
		return nil, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(p.Variables), &vars); err != nil {
		return nil, fmt.Errorf("variables: %w", err)
	}
	return vars, nil
}
