// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the daemon.
//
// Configuration is loaded from a single file specified by:
//   - FPCD_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the daemon.
type Config struct {
	// Control configures the control channel socket.
	Control ControlConfig `yaml:"control"`

	// USB configures the hardware transport.
	USB USBConfig `yaml:"usb"`

	// Recovery configures the error recovery engine.
	Recovery RecoveryConfig `yaml:"recovery"`

	// Simulate replaces the USB transport with a simulated sensor.
	// Intended for development and tests.
	Simulate bool `yaml:"simulate"`
}

// ControlConfig configures the control channel.
type ControlConfig struct {
	// SocketPath is the Unix socket the daemon listens on.
	// Default: /run/fpcd/fpcd.sock
	SocketPath string `yaml:"socket_path"`

	// AllowedUIDs may use the socket in addition to root and the
	// daemon's own UID.
	AllowedUIDs []uint32 `yaml:"allowed_uids"`

	// DefaultTimeoutMillis bounds blocking operations when the client
	// does not pass its own timeout. Default: 5000.
	DefaultTimeoutMillis uint32 `yaml:"default_timeout_ms"`

	// PollIntervalMillis is the finger poll cadence for blocking
	// operations. Default: 50.
	PollIntervalMillis uint32 `yaml:"poll_interval_ms"`
}

// USBConfig configures the hardware transport.
type USBConfig struct {
	// Interface is the claimed USB interface number. Default: 0.
	Interface int `yaml:"interface"`

	// BulkIn and BulkOut are the endpoint addresses. Defaults match
	// the FPC9201 descriptor: 0x81 in, 0x02 out.
	BulkIn  uint8 `yaml:"bulk_in"`
	BulkOut uint8 `yaml:"bulk_out"`

	// TransferTimeoutMillis bounds one bulk transfer. Default: 5000.
	TransferTimeoutMillis uint32 `yaml:"transfer_timeout_ms"`

	// HotplugScanMillis is the cadence of the sysfs presence check
	// that detaches surprise-removed sensors. Default: 2000.
	HotplugScanMillis uint32 `yaml:"hotplug_scan_ms"`

	// ExtraDevices supplements the built-in supported device table
	// with additional vendor/product pairs to claim.
	ExtraDevices []USBDeviceID `yaml:"extra_devices"`
}

// USBDeviceID is one vendor/product pair in the device table.
type USBDeviceID struct {
	Vendor  uint16 `yaml:"vendor"`
	Product uint16 `yaml:"product"`
}

// RecoveryConfig configures the error recovery engine.
type RecoveryConfig struct {
	// MaxAttempts bounds the passes of one recovery strategy before
	// escalation or terminal failure. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// WatchdogMillis bounds one full recovery run. Default: 5000.
	WatchdogMillis uint32 `yaml:"watchdog_ms"`

	// HardwareResetDelayMillis is the base backoff after a hardware
	// reset. Default: 100.
	HardwareResetDelayMillis uint32 `yaml:"hardware_reset_delay_ms"`

	// CommRetryDelayMillis is the base backoff between interface
	// resets. Default: 50.
	CommRetryDelayMillis uint32 `yaml:"comm_retry_delay_ms"`
}

// Default returns the default configuration. These defaults are a
// base for the config file, not a substitute for it: Load still
// requires FPCD_CONFIG.
func Default() *Config {
	return &Config{
		Control: ControlConfig{
			SocketPath:           "/run/fpcd/fpcd.sock",
			DefaultTimeoutMillis: 5000,
			PollIntervalMillis:   50,
		},
		USB: USBConfig{
			Interface:             0,
			BulkIn:                0x81,
			BulkOut:               0x02,
			TransferTimeoutMillis: 5000,
			HotplugScanMillis:     2000,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:              3,
			WatchdogMillis:           5000,
			HardwareResetDelayMillis: 100,
			CommRetryDelayMillis:     50,
		},
	}
}

// Load loads configuration from the FPCD_CONFIG environment variable.
//
// There are no fallbacks - if FPCD_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("FPCD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FPCD_CONFIG environment variable not set; " +
			"set it to the path of your fpcd.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The file is
// the single source of truth; environment variables do not override
// values in it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	if c.Control.SocketPath == "" {
		return fmt.Errorf("control.socket_path must not be empty")
	}
	if c.Control.PollIntervalMillis == 0 {
		return fmt.Errorf("control.poll_interval_ms must be positive")
	}
	if c.USB.BulkIn&0x80 == 0 {
		return fmt.Errorf("usb.bulk_in %#02x is not an IN endpoint", c.USB.BulkIn)
	}
	if c.USB.BulkOut&0x80 != 0 {
		return fmt.Errorf("usb.bulk_out %#02x is not an OUT endpoint", c.USB.BulkOut)
	}
	if c.USB.HotplugScanMillis == 0 {
		return fmt.Errorf("usb.hotplug_scan_ms must be positive")
	}
	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("recovery.max_attempts must be at least 1")
	}
	if c.Recovery.WatchdogMillis == 0 {
		return fmt.Errorf("recovery.watchdog_ms must be positive")
	}
	return nil
}

// DefaultTimeout returns the blocking-operation timeout as a duration.
func (c *ControlConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMillis) * time.Millisecond
}

// PollInterval returns the finger poll cadence as a duration.
func (c *ControlConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// HotplugScan returns the sysfs presence check cadence as a duration.
func (c *USBConfig) HotplugScan() time.Duration {
	return time.Duration(c.HotplugScanMillis) * time.Millisecond
}

// Watchdog returns the recovery watchdog as a duration.
func (c *RecoveryConfig) Watchdog() time.Duration {
	return time.Duration(c.WatchdogMillis) * time.Millisecond
}

// HardwareResetDelay returns the hardware reset backoff base.
func (c *RecoveryConfig) HardwareResetDelay() time.Duration {
	return time.Duration(c.HardwareResetDelayMillis) * time.Millisecond
}

// CommRetryDelay returns the interface reset backoff base.
func (c *RecoveryConfig) CommRetryDelay() time.Duration {
	return time.Duration(c.CommRetryDelayMillis) * time.Millisecond
}
