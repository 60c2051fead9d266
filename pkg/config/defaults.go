package config

import "time"

// DefaultSchedulerConfig returns the built-in scheduler interval
// defaults for its suspension points.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PollInterval:       500 * time.Millisecond,
		EventPollInterval:  1 * time.Second,
		HeartbeatInterval:  3 * time.Second,
		CommandTimeout:     10 * time.Second,
		SlowCommandWarning: 2 * time.Second,
	}
}

// DefaultDeviceConfig returns built-in transport defaults.
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		Port:        4700,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 30 * time.Second,
		IsAltAz:     true,
	}
}

// DefaultStartupDefaults returns the built-in Startup Sequence option
// defaults: autofocus and 3-point alignment are enabled by default,
// dark-frame capture is disabled.
func DefaultStartupDefaults() *StartupDefaults {
	return &StartupDefaults{
		AutoFocus:       true,
		ThreePointAlign: true,
		DarkFrames:      false,
	}
}
