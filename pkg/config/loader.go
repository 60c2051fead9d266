package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads path, expands environment variables, parses YAML, merges
// built-in defaults into every unset field, and validates the result
// (SPEC_FULL §3 EXPANSION: "load → expand → parse → merge-with-
// defaults → validate").
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %w", ErrInvalidYAML, err))
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, NewLoadError(path, err)
	}

	if err := NewValidator(&cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	return &cfg, nil
}

// applyDefaults merges built-in defaults into every unset field of
// every configured device, plus the Site/Scheduler/Startup sections.
func applyDefaults(cfg *Config) error {
	if cfg.Devices == nil {
		cfg.Devices = make(map[string]*DeviceConfig)
	}
	for name, dev := range cfg.Devices {
		merged := DefaultDeviceConfig()
		if dev != nil {
			if err := mergo.Merge(merged, dev, mergo.WithOverride); err != nil {
				return fmt.Errorf("merge device %q: %w", name, err)
			}
		}
		cfg.Devices[name] = merged
	}

	if cfg.Site == nil {
		cfg.Site = &SiteConfig{}
	}

	scheduler := DefaultSchedulerConfig()
	if cfg.Scheduler != nil {
		if err := mergo.Merge(scheduler, cfg.Scheduler, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge scheduler config: %w", err)
		}
	}
	cfg.Scheduler = scheduler

	startup := DefaultStartupDefaults()
	if cfg.Startup != nil {
		if err := mergo.Merge(startup, cfg.Startup, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge startup defaults: %w", err)
		}
	}
	cfg.Startup = startup

	return nil
}
