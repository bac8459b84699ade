// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbdevfs_bulktransfer, matching the kernel's layout on 64-bit
// targets (the explicit pad aligns the data pointer).
type bulkTransferRequest struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	_        uint32
	data     uintptr
}

// ioctl request numbers for /dev/bus/usb device nodes.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(direction, number, size uintptr) uintptr {
	return direction<<30 | size<<16 | 'U'<<8 | number
}

var (
	ioctlBulk             = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(bulkTransferRequest{}))
	ioctlClaimInterface   = ioc(iocRead, 15, 4)
	ioctlReleaseInterface = ioc(iocRead, 16, 4)
	ioctlReset            = ioc(iocNone, 20, 0)
	ioctlClearHalt        = ioc(iocRead, 21, 4)
)

// USBDevice is the Transport backend for real hardware, performing
// synchronous bulk transfers through the Linux usbdevfs character
// device (/dev/bus/usb/BBB/DDD).
type USBDevice struct {
	mu              sync.Mutex
	fd              int
	interfaceNumber uint32
	closed          bool
}

// OpenUSBDevice opens the usbdevfs node at path and claims the given
// interface. The caller is responsible for having identified the
// device as a supported sensor first (see IsSupported).
func OpenUSBDevice(path string, interfaceNumber int) (*USBDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	device := &USBDevice{fd: fd, interfaceNumber: uint32(interfaceNumber)}
	if err := device.ioctl(ioctlClaimInterface, uintptr(unsafe.Pointer(&device.interfaceNumber))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("claiming interface %d on %s: %w", interfaceNumber, path, err)
	}
	return device, nil
}

// Transfer performs a synchronous bulk transfer. The usbdevfs ioctl
// blocks in the kernel; ctx is checked before issuing and the kernel
// timeout bounds the wait, so the call never blocks past timeout.
func (d *USBDevice) Transfer(ctx context.Context, direction Direction, endpoint uint8, buffer []byte, timeout time.Duration) (int, error) {
	if len(buffer) == 0 {
		return 0, fmt.Errorf("transport: empty transfer buffer")
	}
	if len(buffer) > MaxTransferSize {
		return 0, ErrBufferTooLarge
	}
	if direction == In && endpoint&0x80 == 0 {
		return 0, fmt.Errorf("transport: endpoint %#02x is not a bulk-in endpoint", endpoint)
	}
	if direction == Out && endpoint&0x80 != 0 {
		return 0, fmt.Errorf("transport: endpoint %#02x is not a bulk-out endpoint", endpoint)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceGone
	}

	request := bulkTransferRequest{
		endpoint: uint32(endpoint),
		length:   uint32(len(buffer)),
		timeout:  uint32(timeout / time.Millisecond),
		data:     uintptr(unsafe.Pointer(&buffer[0])),
	}

	transferred, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), ioctlBulk, uintptr(unsafe.Pointer(&request)))
	if errno != 0 {
		return 0, d.mapErrnoLocked(errno, endpoint)
	}
	return int(transferred), nil
}

// mapErrnoLocked translates a usbdevfs errno into the transport error
// contract. On EPIPE the halt is cleared here so the caller can retry
// immediately.
func (d *USBDevice) mapErrnoLocked(errno unix.Errno, endpoint uint8) error {
	switch errno {
	case unix.ETIMEDOUT:
		return ErrTimeout
	case unix.EPIPE:
		ep := uint32(endpoint)
		if clearErr := d.ioctlLocked(ioctlClearHalt, uintptr(unsafe.Pointer(&ep))); clearErr != nil {
			return fmt.Errorf("clearing halt on endpoint %#02x: %w", endpoint, clearErr)
		}
		return ErrStalled
	case unix.ENODEV, unix.ESHUTDOWN, unix.ENOENT:
		return ErrDeviceGone
	default:
		return fmt.Errorf("transport: bulk transfer failed: %w", errno)
	}
}

// ResetInterface releases and re-claims the interface, dropping any
// kernel-side endpoint state. Used by communication recovery.
func (d *USBDevice) ResetInterface() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceGone
	}
	if err := d.ioctlLocked(ioctlReleaseInterface, uintptr(unsafe.Pointer(&d.interfaceNumber))); err != nil {
		return fmt.Errorf("releasing interface: %w", err)
	}
	if err := d.ioctlLocked(ioctlClaimInterface, uintptr(unsafe.Pointer(&d.interfaceNumber))); err != nil {
		return fmt.Errorf("re-claiming interface: %w", err)
	}
	return nil
}

// ResetHardware issues a USB port reset, which power-cycles the
// sensor and re-enumerates it in place. Used by hardware recovery.
func (d *USBDevice) ResetHardware() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceGone
	}
	if err := d.ioctlLocked(ioctlReset, 0); err != nil {
		return fmt.Errorf("resetting device: %w", err)
	}
	return nil
}

// Close releases the interface and closes the device node.
func (d *USBDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	// Best-effort release; the device may already be gone.
	d.ioctlLocked(ioctlReleaseInterface, uintptr(unsafe.Pointer(&d.interfaceNumber)))
	return unix.Close(d.fd)
}

func (d *USBDevice) ioctl(request, argument uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ioctlLocked(request, argument)
}

func (d *USBDevice) ioctlLocked(request, argument uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), request, argument)
	if errno != 0 {
		return errno
	}
	return nil
}

// Compile-time interface check.
var _ Transport = (*USBDevice)(nil)
