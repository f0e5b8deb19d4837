// Package config loads shell settings from flags, environment and an
// optional YAML file.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"jcsh/internal/jobs"
)

const (
	KeyPrompt      = "prompt"
	KeyLogLevel    = "log_level"
	KeyHistoryFile = "history_file"
	KeyMaxJobs     = "max_jobs"

	envPrefix     = "JCSH"
	defaultRCName = ".jcsh"
	defaultPrompt = "jcsh> "
	defaultLogLvl = "warn"
)

// Config holds the shell settings.
type Config struct {
	Prompt      string `mapstructure:"prompt"`
	LogLevel    string `mapstructure:"log_level"`
	HistoryFile string `mapstructure:"history_file"`
	MaxJobs     int    `mapstructure:"max_jobs"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPrompt, defaultPrompt)
	v.SetDefault(KeyLogLevel, defaultLogLvl)
	v.SetDefault(KeyHistoryFile, "")
	v.SetDefault(KeyMaxJobs, jobs.MaxJobs)
}

// Load reads path, or $HOME/.jcsh.yaml when path is empty and that file
// exists, applies JCSH_* environment overrides and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, defaultRCName+".yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "invalid %s", KeyLogLevel)
	}
	if c.MaxJobs < 1 || c.MaxJobs > jobs.MaxJobs {
		return errors.Errorf("invalid %s %d: must be between 1 and %d", KeyMaxJobs, c.MaxJobs, jobs.MaxJobs)
	}
	return nil
}
