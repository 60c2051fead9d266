package config

import "time"

// Config is the fully loaded, merged, and validated configuration for
// one or more Device Sessions.
type Config struct {
	Devices   map[string]*DeviceConfig `yaml:"devices"`
	Site      *SiteConfig              `yaml:"site"`
	Scheduler *SchedulerConfig         `yaml:"scheduler"`
	Startup   *StartupDefaults         `yaml:"startup"`
}

// DeviceConfig describes how to reach one physical telescope over a
// single outbound TCP stream to host:port.
type DeviceConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	IsAltAz     bool          `yaml:"is_alt_az"`
}

// SiteConfig feeds the Horizon-Offset Logic's site_latitude and the
// Startup Sequence's location-set step.
type SiteConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	TimeZone  string  `yaml:"time_zone"`
}

// SchedulerConfig holds the scheduler's suspension-point intervals,
// with defaults. It is loaded and validated; the Command API and
// Heartbeat run on their own fixed constants and do not read it.
type SchedulerConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	EventPollInterval  time.Duration `yaml:"event_poll_interval"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	SlowCommandWarning time.Duration `yaml:"slow_command_warning"`
}

// StartupDefaults mirrors the Startup Sequence's optional steps.
type StartupDefaults struct {
	AutoFocus       bool    `yaml:"auto_focus"`
	ThreePointAlign bool    `yaml:"three_point_align"`
	DarkFrames      bool    `yaml:"dark_frames"`
	ClearPatchRA    float64 `yaml:"clear_patch_ra"`
	ClearPatchDec   float64 `yaml:"clear_patch_dec"`
}
