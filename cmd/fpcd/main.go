// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Fpcd is the fingerprint sensor daemon. It owns the USB devices,
// runs the protocol bridge and error recovery for each, and serves
// the control socket that fpc and other clients talk to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/openfpc/fpcd/control"
	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/fpproto"
	"github.com/openfpc/fpcd/lib/clock"
	"github.com/openfpc/fpcd/lib/config"
	"github.com/openfpc/fpcd/lib/version"
	"github.com/openfpc/fpcd/recovery"
	"github.com/openfpc/fpcd/transport"
	"github.com/openfpc/fpcd/transport/sim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var socketPath string
	var simulate bool
	var verbose bool
	var showVersion bool

	pflag.StringVar(&configPath, "config", "", "path to config file (default: $FPCD_CONFIG)")
	pflag.StringVar(&socketPath, "socket", "", "control socket path (overrides config)")
	pflag.BoolVar(&simulate, "simulate", false, "serve a simulated sensor instead of USB hardware")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("fpcd %s\n", version.Info())
		return nil
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Control.SocketPath = socketPath
	}
	if simulate {
		cfg.Simulate = true
	}

	logger.Info("starting fpcd",
		"version", version.Info(),
		"socket", cfg.Control.SocketPath,
		"simulate", cfg.Simulate,
	)

	clk := clock.Real()
	registry := device.NewRegistry(clk, logger)
	defer registry.Close()

	server := control.NewServer(control.Options{
		SocketPath:   cfg.Control.SocketPath,
		Registry:     registry,
		AllowedUIDs:  cfg.Control.AllowedUIDs,
		Logger:       logger,
		Clock:        clk,
		PollInterval: cfg.Control.PollInterval(),
	})

	attached := newAttachedSet()
	registry.OnDetach(func(handle *device.Handle) {
		if entry, ok := attached.remove(handle.Slot); ok {
			entry.engine.Abort()
			entry.transport.Close()
		}
		server.RemoveDevice(handle.Slot)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opened, err := openTransports(cfg, logger)
	if err != nil {
		return err
	}
	if len(opened) == 0 {
		logger.Warn("no supported sensors found; serving an empty registry")
	}
	for _, open := range opened {
		bridge, engine, err := attachDevice(ctx, cfg, registry, open.transport, logger, clk)
		if err != nil {
			logger.Error("device initialization failed", "error", err)
			open.transport.Close()
			continue
		}
		attached.add(bridge.Handle().Slot, &attachedDevice{
			transport: open.transport,
			engine:    engine,
			sysfsPath: open.sysfsPath,
		})
		server.AddDevice(bridge)
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}
	if !cfg.Simulate {
		go watchPresence(ctx, cfg.USB.HotplugScan(), registry, attached, logger)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	server.Stop()
	registry.Close()
	logger.Info("shutdown complete")
	return nil
}

// attachedDevice is the per-slot bookkeeping for one live sensor.
type attachedDevice struct {
	transport transport.Transport
	engine    *recovery.Engine
	sysfsPath string
}

// attachedSet maps slots to their bookkeeping. Detach hooks run on
// whichever goroutine triggered the detach, so access is locked.
type attachedSet struct {
	mu    sync.Mutex
	slots map[int]*attachedDevice
}

func newAttachedSet() *attachedSet {
	return &attachedSet{slots: make(map[int]*attachedDevice)}
}

func (s *attachedSet) add(slot int, entry *attachedDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = entry
}

func (s *attachedSet) remove(slot int) (*attachedDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.slots[slot]
	delete(s.slots, slot)
	return entry, ok
}

// missing returns the slots whose sysfs directory is gone.
func (s *attachedSet) missing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var gone []int
	for slot, entry := range s.slots {
		if entry.sysfsPath == "" {
			continue
		}
		if _, err := os.Stat(entry.sysfsPath); os.IsNotExist(err) {
			gone = append(gone, slot)
		}
	}
	return gone
}

// watchPresence periodically checks that every attached sensor still
// has its sysfs directory and detaches the ones that were unplugged.
// Without it a surprise removal is only noticed lazily, the next time
// a transfer fails, and the stale handle lingers in list-devices.
func watchPresence(ctx context.Context, interval time.Duration, registry *device.Registry, attached *attachedSet, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, slot := range attached.missing() {
				logger.Warn("sensor unplugged", "slot", slot)
				registry.Detach(slot)
			}
		}
	}
}

// loadConfig resolves the config file from --config or FPCD_CONFIG.
// With neither set the built-in defaults apply, so a bare
// "fpcd --simulate" works out of the box.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	if os.Getenv("FPCD_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// openedTransport pairs a transport with the sysfs directory it was
// discovered under; the presence watcher stats that directory to
// detect surprise removal. Simulated sensors have no sysfs path.
type openedTransport struct {
	transport transport.Transport
	sysfsPath string
}

// openTransports opens every device the daemon will serve: a single
// simulated sensor in simulate mode, otherwise every supported sensor
// a sysfs scan finds.
func openTransports(cfg *config.Config, logger *slog.Logger) ([]openedTransport, error) {
	if cfg.Simulate {
		return []openedTransport{{transport: sim.New()}}, nil
	}

	for _, id := range cfg.USB.ExtraDevices {
		transport.SupportedDevices = append(transport.SupportedDevices,
			transport.DeviceID{Vendor: id.Vendor, Product: id.Product})
	}
	discovered, err := transport.Scan()
	if err != nil {
		return nil, fmt.Errorf("scanning for sensors: %w", err)
	}
	transports := make([]openedTransport, 0, len(discovered))
	for _, found := range discovered {
		usb, err := transport.OpenUSBDevice(found.Path, cfg.USB.Interface)
		if err != nil {
			logger.Error("cannot open sensor", "path", found.Path, "id", found.ID, "error", err)
			continue
		}
		logger.Info("opened sensor", "path", found.Path, "id", found.ID)
		transports = append(transports, openedTransport{transport: usb, sysfsPath: found.SysfsPath})
	}
	return transports, nil
}

// attachDevice registers one transport in the registry and brings up
// its bridge and recovery engine.
func attachDevice(ctx context.Context, cfg *config.Config, registry *device.Registry, tr transport.Transport, logger *slog.Logger, clk clock.Clock) (*fpproto.Bridge, *recovery.Engine, error) {
	handle := registry.Attach()
	bridge := fpproto.New(fpproto.Options{
		Transport:      tr,
		Handle:         handle,
		Logger:         logger,
		Clock:          clk,
		BulkIn:         cfg.USB.BulkIn,
		BulkOut:        cfg.USB.BulkOut,
		DefaultTimeout: time.Duration(cfg.USB.TransferTimeoutMillis) * time.Millisecond,
	})
	engine := recovery.New(recovery.Options{
		Device:             bridge,
		Logger:             logger,
		Clock:              clk,
		MaxAttempts:        cfg.Recovery.MaxAttempts,
		Watchdog:           cfg.Recovery.Watchdog(),
		HardwareResetDelay: cfg.Recovery.HardwareResetDelay(),
		CommRetryDelay:     cfg.Recovery.CommRetryDelay(),
	})
	bridge.SetRecoverer(engine)

	if err := bridge.Initialize(ctx); err != nil {
		registry.Detach(handle.Slot)
		return nil, nil, fmt.Errorf("initializing device %d: %w", handle.Slot, err)
	}
	return bridge, engine, nil
}
