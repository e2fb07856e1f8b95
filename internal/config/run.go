package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/23skdu/longbow-surprisal/internal/logger"
)

const (
	BackendGGUF   = "gguf"
	BackendONNX   = "onnx"
	BackendOpenAI = "openai"

	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"

	EnvPrefix = "SURPRISAL"
)

// RunConfig holds everything an evaluation run needs. Values come from an
// optional YAML file and SURPRISAL_* environment variables; command line
// flags are applied on top by the caller.
type RunConfig struct {
	Model   string `mapstructure:"model"`
	Cache   string `mapstructure:"cache"`
	Lang    string `mapstructure:"lang"`
	Dataset string `mapstructure:"dataset"`
	Token   string `mapstructure:"token"`

	Backend   string `mapstructure:"backend"`
	Endpoint  string `mapstructure:"endpoint"`
	OrtLib    string `mapstructure:"ort_lib"`
	OllamaDir string `mapstructure:"ollama_dir"`
	Threads   int    `mapstructure:"threads"`
	Limit     int    `mapstructure:"limit"`
	NoMemo    bool   `mapstructure:"no_memo"`

	Results string `mapstructure:"results"`
	Flight  string `mapstructure:"flight"`
	Format  string `mapstructure:"format"`
	Metrics string `mapstructure:"metrics"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultRun returns the baseline configuration.
func DefaultRun() RunConfig {
	return RunConfig{
		Cache:     DefaultCacheDir(),
		Backend:   BackendGGUF,
		Format:    FormatText,
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// DefaultCacheDir is ~/.cache/longbow-surprisal, or ./.surprisal-cache when
// the user cache directory cannot be determined.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".surprisal-cache"
	}
	return filepath.Join(dir, "longbow-surprisal")
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (RunConfig, error) {
	cfg := DefaultRun()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	defaults := map[string]interface{}{
		"model": "", "cache": cfg.Cache, "lang": "", "dataset": "", "token": "",
		"backend": cfg.Backend, "endpoint": "", "ort_lib": "", "ollama_dir": "",
		"threads": 0, "limit": 0, "no_memo": false,
		"results": "", "flight": "", "format": cfg.Format, "metrics": "",
		"log_level": cfg.LogLevel, "log_format": cfg.LogFormat,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Log.Debug("config file loaded", "path", path)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that do not depend on the dataset registry.
func (c *RunConfig) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model: must be specified")
	}
	switch c.Backend {
	case BackendGGUF, BackendONNX, BackendOpenAI:
	default:
		return fmt.Errorf("backend: unsupported value '%s'", c.Backend)
	}
	if c.Backend == BackendOpenAI && c.Endpoint == "" {
		return errors.New("endpoint: must be specified for the openai backend")
	}
	switch c.Format {
	case FormatText, FormatJSON, FormatYAML:
	default:
		return fmt.Errorf("format: unsupported value '%s'", c.Format)
	}
	if c.Limit < 0 {
		return fmt.Errorf("limit: must be >= 0, got %d", c.Limit)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads: must be >= 0, got %d", c.Threads)
	}
	if c.Cache == "" {
		return errors.New("cache: must be specified")
	}
	if !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("log_level: unsupported level '%s'", c.LogLevel)
	}
	return nil
}
