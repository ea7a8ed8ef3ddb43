// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package rawgpio defines the backend-agnostic contract for low level GPIO
// access.
//
// Two backends implement it: package sysfs drives the kernel's
// /sys/class/gpio control files and works on any Linux host with the legacy
// gpio sysfs ABI enabled, and package memmap manipulates a controller's
// registers directly through a physical memory mapping, which is much faster
// but requires access to /dev/mem or a board specific equivalent.
//
// Logic levels reuse gpio.Level from periph.io/x/conn/v3/gpio so pins from
// either backend interoperate with the rest of the periph ecosystem. Both
// backend pin types additionally implement gpio.PinIO.
package rawgpio

import (
	"errors"

	"periph.io/x/conn/v3/gpio"
)

// Direction is the configured data direction of a GPIO line.
//
// The zero value DirUnknown means the direction has not been set through
// this library yet; backends do not probe the hardware state on open.
type Direction int

const (
	DirUnknown Direction = 0
	DirIn      Direction = 1
	DirOut     Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	default:
		return "unknown"
	}
}

// Sentinel errors shared by both backends. They are always returned wrapped
// with context; match with errors.Is.
var (
	// ErrMap means the backend failed to obtain a physical memory mapping.
	ErrMap = errors.New("failed to map gpio registers")
	// ErrInvalidPin means the pin number is outside the controller's range.
	ErrInvalidPin = errors.New("invalid pin number")
	// ErrOutOfBounds means a register access fell outside the mapped
	// window. It indicates a broken register layout, not a runtime
	// condition; a validated layout never produces it.
	ErrOutOfBounds = errors.New("register access out of bounds")
	// ErrExport means the kernel rejected a sysfs export or unexport,
	// typically because another process owns the pin.
	ErrExport = errors.New("gpio export rejected")
	// ErrDirection means the operation conflicts with the configured
	// direction, like writing to a pin configured as input.
	ErrDirection = errors.New("operation conflicts with pin direction")
	// ErrParse means a sysfs value file held something other than "0" or
	// "1".
	ErrParse = errors.New("malformed gpio value")
)

// PinIO is one GPIO line, bound to the backend that created it.
//
// A PinIO must not outlive its backend handle: using a pin after its
// sysfs.GPIO or memmap.Controller has been closed is undefined. Close
// releases the line's backend resources and is safe to call after a failed
// operation; for the sysfs backend it unexports the pin.
type PinIO interface {
	// Name returns a human readable identifier, like "GPIO12".
	Name() string
	// Number returns the backend-specific pin number. Sysfs numbers are
	// global GPIO numbers; memmap numbers are controller-relative
	// offsets. The two schemes must not be conflated.
	Number() int
	// Direction returns the last direction set through this pin.
	Direction() Direction
	// SetDirection configures the line as input or output. It must be
	// called before ReadLevel or Write is meaningful.
	SetDirection(d Direction) error
	// ReadLevel samples the line. Reading is allowed regardless of
	// direction; most controllers reflect the driven state of an output
	// pin on the input register.
	ReadLevel() (gpio.Level, error)
	// Write drives the line. The sysfs backend rejects writes on input
	// pins with ErrDirection; the memmap backend lets them through since
	// the hardware simply ignores the set/clear while the pin is an
	// input.
	Write(l gpio.Level) error
	// Close releases the line. Errors during teardown are logged, not
	// returned.
	Close() error
}
