// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Control.SocketPath != "/run/fpcd/fpcd.sock" {
		t.Errorf("expected socket_path=/run/fpcd/fpcd.sock, got %s", cfg.Control.SocketPath)
	}
	if cfg.USB.BulkIn != 0x81 || cfg.USB.BulkOut != 0x02 {
		t.Errorf("expected endpoints 0x81/0x02, got %#02x/%#02x", cfg.USB.BulkIn, cfg.USB.BulkOut)
	}
	if cfg.Recovery.MaxAttempts != 3 {
		t.Errorf("expected max_attempts=3, got %d", cfg.Recovery.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestLoad_RequiresFpcdConfig(t *testing.T) {
	origConfig := os.Getenv("FPCD_CONFIG")
	defer os.Setenv("FPCD_CONFIG", origConfig)

	os.Unsetenv("FPCD_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when FPCD_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "FPCD_CONFIG environment variable not set") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_WithFpcdConfig(t *testing.T) {
	origConfig := os.Getenv("FPCD_CONFIG")
	defer os.Setenv("FPCD_CONFIG", origConfig)

	configPath := filepath.Join(t.TempDir(), "fpcd.yaml")
	configContent := `
control:
  socket_path: /test/fpcd.sock
  allowed_uids: [1000, 1001]
recovery:
  max_attempts: 5
simulate: true
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	os.Setenv("FPCD_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Control.SocketPath != "/test/fpcd.sock" {
		t.Errorf("socket_path = %s, want /test/fpcd.sock", cfg.Control.SocketPath)
	}
	if len(cfg.Control.AllowedUIDs) != 2 || cfg.Control.AllowedUIDs[0] != 1000 {
		t.Errorf("allowed_uids = %v, want [1000 1001]", cfg.Control.AllowedUIDs)
	}
	if cfg.Recovery.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", cfg.Recovery.MaxAttempts)
	}
	if !cfg.Simulate {
		t.Error("expected simulate=true")
	}
	// Unset fields keep their defaults.
	if cfg.Control.PollIntervalMillis != 50 {
		t.Errorf("poll_interval_ms = %d, want default 50", cfg.Control.PollIntervalMillis)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty socket path", func(c *Config) { c.Control.SocketPath = "" }, "socket_path"},
		{"zero poll interval", func(c *Config) { c.Control.PollIntervalMillis = 0 }, "poll_interval_ms"},
		{"out endpoint as bulk_in", func(c *Config) { c.USB.BulkIn = 0x02 }, "bulk_in"},
		{"in endpoint as bulk_out", func(c *Config) { c.USB.BulkOut = 0x81 }, "bulk_out"},
		{"zero hotplug scan", func(c *Config) { c.USB.HotplugScanMillis = 0 }, "hotplug_scan_ms"},
		{"zero attempts", func(c *Config) { c.Recovery.MaxAttempts = 0 }, "max_attempts"},
		{"zero watchdog", func(c *Config) { c.Recovery.WatchdogMillis = 0 }, "watchdog_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
