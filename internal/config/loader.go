package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/rickgao/marketstream/internal/model"
)

// ErrEmptyConfig is returned for a config file with no YAML document.
var ErrEmptyConfig = errors.New("config file is empty")

// Load reads a streamer config file, expanding ${VAR} references. Unknown
// keys are rejected so a misspelled stream setting does not silently fall
// back to its default.
func Load(path string) (*StreamerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded, unset := expandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var cfg StreamerConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, ErrEmptyConfig)
		}
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.unsetEnv = unset

	return &cfg, nil
}

// LoadWithDefaults loads config, applies default values and normalizes the
// startup symbol list.
func LoadWithDefaults(path string) (*StreamerConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.Subscriptions.Symbols = model.NormalizeSymbols(cfg.Subscriptions.Symbols)
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates. Variables
// left unset in the file are named in the validation error.
func LoadAndValidate(path string) (*StreamerConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		if len(cfg.unsetEnv) > 0 {
			return nil, fmt.Errorf("validate config %s (unset env: %v): %w", path, cfg.unsetEnv, err)
		}
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// UnsetEnv returns the ${VAR} names referenced by the file that were not set
// in the environment, sorted.
func (c *StreamerConfig) UnsetEnv() []string {
	return slices.Clone(c.unsetEnv)
}

func expandEnv(s string) (string, []string) {
	var unset []string
	out := os.Expand(s, func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok && !slices.Contains(unset, name) {
			unset = append(unset, name)
		}
		return v
	})
	slices.Sort(unset)
	return out, unset
}
