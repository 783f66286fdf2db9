// Package config loads fixflow's configuration from environment variables
// and the optional path-map file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/fixflow/sandbox"
	"github.com/martinemde/fixflow/unifiedllm"
)

// Config holds all run configuration. Command-line flags override fields
// after Load.
type Config struct {
	// Provider settings.
	Provider     string `env:"LLM_PROVIDER" envDefault:"auto"`
	GroqAPIKey   string `env:"GROQ_API_KEY"`
	GroqModel    string `env:"GROQ_MODEL"`
	GoogleAPIKey string `env:"GOOGLE_API_KEY"`
	GoogleModel  string `env:"GOOGLE_MODEL"`

	// Pipeline limits.
	StageTimeout  time.Duration `env:"FIXFLOW_STAGE_TIMEOUT" envDefault:"5m"`
	MaxFileSize   int64         `env:"FIXFLOW_MAX_FILE_SIZE" envDefault:"1000000"`
	MaxToolRounds int           `env:"FIXFLOW_MAX_TOOL_ROUNDS" envDefault:"12"`

	PathMapFile string `env:"FIXFLOW_PATH_MAP"` // YAML file of extra foreign-prefix mappings.
	EventDB     string `env:"FIXFLOW_EVENT_DB"` // SQLite mirror of the message log; empty disables it.

	// OTEL settings.
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"fixflow"`

	LogLevel  string `env:"FIXFLOW_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FIXFLOW_LOG_FORMAT" envDefault:"text"`
}

// Load parses the environment. It does not validate, so that flags can
// fill in values first.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that do not depend on the command being run.
func (c Config) Validate() error {
	var errs []error
	if _, err := unifiedllm.ParseSelector(c.Provider); err != nil {
		errs = append(errs, fmt.Errorf("LLM_PROVIDER: %w", err))
	}
	if c.StageTimeout <= 0 {
		errs = append(errs, errors.New("FIXFLOW_STAGE_TIMEOUT must be positive"))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("FIXFLOW_MAX_FILE_SIZE must be positive"))
	}
	if c.MaxToolRounds <= 0 {
		errs = append(errs, errors.New("FIXFLOW_MAX_TOOL_ROUNDS must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("FIXFLOW_LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ProviderConfig converts the provider settings for unifiedllm.
func (c Config) ProviderConfig() (unifiedllm.ProviderConfig, error) {
	sel, err := unifiedllm.ParseSelector(c.Provider)
	if err != nil {
		return unifiedllm.ProviderConfig{}, err
	}
	return unifiedllm.ProviderConfig{
		Selector:     sel,
		GroqAPIKey:   c.GroqAPIKey,
		GroqModel:    c.GroqModel,
		GoogleAPIKey: c.GoogleAPIKey,
		GoogleModel:  c.GoogleModel,
	}, nil
}

// Mappings returns the foreign-prefix table: the built-in /usr/srv/app
// mapping to the codebase root, followed by any from PathMapFile.
func (c Config) Mappings() ([]sandbox.PrefixMapping, error) {
	mappings := []sandbox.PrefixMapping{{From: sandbox.DefaultForeignPrefix}}
	if c.PathMapFile == "" {
		return mappings, nil
	}
	extra, err := LoadPathMap(c.PathMapFile)
	if err != nil {
		return nil, err
	}
	return append(mappings, extra...), nil
}

type pathMapFile struct {
	Mappings []struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"mappings"`
}

// LoadPathMap reads a YAML file of the form
//
//	mappings:
//	  - from: /opt/app
//	    to: src
//
// A relative "to" is taken relative to the codebase root.
func LoadPathMap(path string) ([]sandbox.PrefixMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: path map: %w", err)
	}
	var file pathMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: path map %s: %w", path, err)
	}

	mappings := make([]sandbox.PrefixMapping, 0, len(file.Mappings))
	for i, m := range file.Mappings {
		if !filepath.IsAbs(m.From) {
			return nil, fmt.Errorf("config: path map %s: entry %d: from %q must be absolute", path, i, m.From)
		}
		mappings = append(mappings, sandbox.PrefixMapping{From: m.From, To: m.To})
	}
	return mappings, nil
}
