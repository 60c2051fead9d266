package config

import "fmt"

// Validator validates a loaded Config comprehensively with clear error
// messages, failing fast at the first problem.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates devices, then site, then scheduler —
// dependencies before dependents. Startup defaults are not validated.
func (v *Validator) ValidateAll() error {
	if err := v.validateDevices(); err != nil {
		return fmt.Errorf("device validation failed: %w", err)
	}
	if err := v.validateSite(); err != nil {
		return fmt.Errorf("site validation failed: %w", err)
	}
	if err := v.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateDevices() error {
	if len(v.cfg.Devices) == 0 {
		return NewValidationError("device", "<none>", "", fmt.Errorf("%w: at least one device must be configured", ErrMissingRequiredField))
	}
	for name, dev := range v.cfg.Devices {
		if dev.Host == "" {
			return NewValidationError("device", name, "host", ErrMissingRequiredField)
		}
		if dev.Port <= 0 || dev.Port > 65535 {
			return NewValidationError("device", name, "port", fmt.Errorf("%w: %d", ErrInvalidValue, dev.Port))
		}
		if dev.DialTimeout <= 0 {
			return NewValidationError("device", name, "dial_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
		if dev.ReadTimeout <= 0 {
			return NewValidationError("device", name, "read_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}
	return nil
}

func (v *Validator) validateSite() error {
	s := v.cfg.Site
	if s.Latitude < -90 || s.Latitude > 90 {
		return NewValidationError("site", "", "latitude", fmt.Errorf("%w: %.2f", ErrInvalidValue, s.Latitude))
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return NewValidationError("site", "", "longitude", fmt.Errorf("%w: %.2f", ErrInvalidValue, s.Longitude))
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	sc := v.cfg.Scheduler
	if sc.CommandTimeout <= sc.SlowCommandWarning {
		return NewValidationError("scheduler", "", "command_timeout", fmt.Errorf("%w: must exceed slow_command_warning", ErrInvalidValue))
	}
	if sc.PollInterval <= 0 || sc.EventPollInterval <= 0 || sc.HeartbeatInterval <= 0 {
		return NewValidationError("scheduler", "", "poll_interval", fmt.Errorf("%w: intervals must be positive", ErrInvalidValue))
	}
	return nil
}
