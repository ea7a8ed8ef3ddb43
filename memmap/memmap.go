// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package memmap drives a GPIO controller through its memory mapped
// registers.
//
// It is the fast path: a pin write is one store into the controller's set or
// clear register, with no kernel round trip. The cost is that it needs a
// physical memory mapping (see package mmio) and a description of the
// controller's register block, the Layout. Presets for common controllers
// live in package boards.
//
// All pins obtained from one Controller share its registers. Read-modify-
// write sequences on shared register words are serialized by a mutex scoped
// to the Controller, held only for the duration of the sequence.
package memmap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/pin"

	"periph.io/x/rawgpio"
	"periph.io/x/rawgpio/mmio"
)

// Layout describes the register block of a GPIO controller.
//
// All offsets are in bytes from the start of the mapped window. Registers
// holding one bit per pin (set, clear, level, output) are arrays of 32 bit
// words indexed by pin/32. The direction register packs DirectionBits bits
// per pin, 32/DirectionBits pins to a word.
type Layout struct {
	// Pins is the number of lines the controller supports.
	Pins int
	// DirectionReg is the offset of the first direction/mode word.
	DirectionReg uint32
	// DirectionBits is the width of one pin's direction field, 1 to 4
	// bits. BCM283x function select fields are 3 bits wide.
	DirectionBits uint32
	// DirectionIn and DirectionOut are the field values selecting input
	// and output mode.
	DirectionIn  uint32
	DirectionOut uint32
	// HasSetClear selects dedicated set/clear registers for writes. When
	// available they are preferred since a single-bit store cannot race
	// other pins and needs no lock.
	HasSetClear bool
	// SetReg and ClearReg are the offsets of the first output-set and
	// output-clear words. Only used when HasSetClear is true.
	SetReg   uint32
	ClearReg uint32
	// OutReg is the offset of the first output data word, used for
	// read-modify-write output when HasSetClear is false.
	OutReg uint32
	// LevelReg is the offset of the first input level word.
	LevelReg uint32
}

// Validate checks that the layout is coherent and that every register
// derived from it falls inside a window of the given byte length. A
// validated layout makes rawgpio.ErrOutOfBounds unreachable at runtime.
func (l *Layout) Validate(window int) error {
	if l.Pins <= 0 {
		return fmt.Errorf("memmap: layout supports no pins")
	}
	if l.DirectionBits < 1 || l.DirectionBits > 4 {
		return fmt.Errorf("memmap: direction field width %d out of range 1-4", l.DirectionBits)
	}
	mask := uint32(1)<<l.DirectionBits - 1
	if l.DirectionIn > mask || l.DirectionOut > mask {
		return fmt.Errorf("memmap: direction values %#x/%#x exceed %d bit field", l.DirectionIn, l.DirectionOut, l.DirectionBits)
	}
	if l.DirectionIn == l.DirectionOut {
		return fmt.Errorf("memmap: direction values for in and out are identical")
	}
	bases := []uint32{l.DirectionReg, l.LevelReg}
	if l.HasSetClear {
		bases = append(bases, l.SetReg, l.ClearReg)
	} else {
		bases = append(bases, l.OutReg)
	}
	for _, base := range bases {
		if base%mmio.RegWidth != 0 {
			return fmt.Errorf("memmap: register base %#x is not %d byte aligned", base, mmio.RegWidth)
		}
	}
	last := l.Pins - 1
	ends := []uint32{
		l.dirWord(last),
		l.bitWord(l.LevelReg, last),
	}
	if l.HasSetClear {
		ends = append(ends, l.bitWord(l.SetReg, last), l.bitWord(l.ClearReg, last))
	} else {
		ends = append(ends, l.bitWord(l.OutReg, last))
	}
	for _, end := range ends {
		if int(end)+mmio.RegWidth > window {
			return fmt.Errorf("memmap: register at %#x outside %#x byte window", end, window)
		}
	}
	return nil
}

// pinsPerDirWord returns how many pins fit in one direction word.
func (l *Layout) pinsPerDirWord() int {
	return 32 / int(l.DirectionBits)
}

// dirWord returns the offset of the direction word holding n's field.
func (l *Layout) dirWord(n int) uint32 {
	return l.DirectionReg + mmio.RegWidth*uint32(n/l.pinsPerDirWord())
}

// dirShift returns the bit position of n's field inside its word.
func (l *Layout) dirShift(n int) uint32 {
	return uint32(n%l.pinsPerDirWord()) * l.DirectionBits
}

// bitWord returns the offset of the word holding n's bit in a one bit per
// pin register array starting at base.
func (l *Layout) bitWord(base uint32, n int) uint32 {
	return base + mmio.RegWidth*uint32(n/32)
}

// Controller is an open handle on one GPIO controller's register block.
//
// A platform with several GPIO blocks opens one Controller per block; the
// handles are fully independent. Pins derived from a Controller must not be
// used after it is closed.
type Controller struct {
	name   string
	layout Layout

	// mu serializes read-modify-write sequences on shared register
	// words. It is never held across anything but one read, one modify
	// and one write.
	mu   sync.Mutex
	regs *mmio.Block
}

// Open maps size bytes of physical memory at base from /dev/mem and returns
// a controller over it. Errors wrap rawgpio.ErrMap on mapping failure.
func Open(name string, base uint64, size int, l Layout) (*Controller, error) {
	return OpenFile(name, mmio.DevMem, base, size, l)
}

// OpenFile is Open with an explicit memory device, like /dev/gpiomem.
func OpenFile(name, path string, base uint64, size int, l Layout) (*Controller, error) {
	if err := l.Validate(size); err != nil {
		return nil, err
	}
	regs, err := mmio.MapFile(path, base, size)
	if err != nil {
		return nil, err
	}
	return &Controller{name: name, layout: l, regs: regs}, nil
}

// New builds a controller over a window the caller already owns. The block
// is typically a fake register file in tests, or memory mapped by other
// means on a bare metal target.
func New(name string, regs *mmio.Block, l Layout) (*Controller, error) {
	if err := l.Validate(regs.Len()); err != nil {
		return nil, err
	}
	return &Controller{name: name, layout: l, regs: regs}, nil
}

// Name returns the name given at open time.
func (c *Controller) Name() string {
	return c.name
}

// Pins returns the number of lines the controller supports.
func (c *Controller) Pins() int {
	return c.layout.Pins
}

// Pin returns a handle on line number. It fails with rawgpio.ErrInvalidPin
// for numbers outside the controller's range without touching a register.
func (c *Controller) Pin(number int) (*Pin, error) {
	if number < 0 || number >= c.layout.Pins {
		return nil, fmt.Errorf("%s: %w: %d, controller has %d pins", c.name, rawgpio.ErrInvalidPin, number, c.layout.Pins)
	}
	return &Pin{c: c, number: number, name: fmt.Sprintf("%s-%d", c.name, number)}, nil
}

// Close unmaps the register block. All pins derived from the controller
// become unusable.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs.Close()
}

// Pin is one line of a memory mapped controller.
//
// Pin implements rawgpio.PinIO and gpio.PinIO. The hardware state is not
// probed on creation: Direction reports DirUnknown until SetDirection is
// called.
type Pin struct {
	c      *Controller
	number int
	name   string

	// direction is a cache of the last direction set through this pin,
	// guarded by c.mu.
	direction rawgpio.Direction
}

// Name implements pin.Pin.
func (p *Pin) Name() string {
	return p.name
}

// String implements conn.Resource.
func (p *Pin) String() string {
	return p.name
}

// Halt implements conn.Resource. It is a no-op.
func (p *Pin) Halt() error {
	return nil
}

// Number implements pin.Pin.
func (p *Pin) Number() int {
	return p.number
}

// Direction returns the last direction set through this pin.
func (p *Pin) Direction() rawgpio.Direction {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.direction
}

// SetDirection configures the line's direction field.
//
// The field shares a register word with up to 31 other pins, so the update
// is a single read-modify-write under the controller lock: one read, one
// modify, one write, nothing else touching the word in between.
func (p *Pin) SetDirection(d rawgpio.Direction) error {
	if d != rawgpio.DirIn && d != rawgpio.DirOut {
		return p.wrap(fmt.Errorf("%w: cannot set direction %q", rawgpio.ErrDirection, d))
	}
	l := &p.c.layout
	val := l.DirectionIn
	if d == rawgpio.DirOut {
		val = l.DirectionOut
	}
	word := l.dirWord(p.number)
	shift := l.dirShift(p.number)
	mask := (uint32(1)<<l.DirectionBits - 1) << shift

	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	v, err := p.c.regs.Read32(word)
	if err != nil {
		return p.wrap(err)
	}
	if err := p.c.regs.Write32(word, v&^mask|val<<shift); err != nil {
		return p.wrap(err)
	}
	p.direction = d
	return nil
}

// Write drives the line.
//
// On controllers with dedicated set/clear registers this is a single store
// of the pin's bit and needs no lock; writing a zero bit is defined as a
// no-op by such hardware, so concurrent writers to different pins cannot
// interfere. Without set/clear registers the output word is read-modify-
// written under the controller lock.
//
// Writing while the pin is configured as input is not an error at this
// layer; the hardware latches the value and applies it if the pin is later
// switched to output.
func (p *Pin) Write(level gpio.Level) error {
	l := &p.c.layout
	bit := uint32(1) << (uint(p.number) % 32)
	if l.HasSetClear {
		reg := l.SetReg
		if level == gpio.Low {
			reg = l.ClearReg
		}
		if err := p.c.regs.Write32(l.bitWord(reg, p.number), bit); err != nil {
			return p.wrap(err)
		}
		return nil
	}
	word := l.bitWord(l.OutReg, p.number)
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	v, err := p.c.regs.Read32(word)
	if err != nil {
		return p.wrap(err)
	}
	if level == gpio.High {
		v |= bit
	} else {
		v &^= bit
	}
	if err := p.c.regs.Write32(word, v); err != nil {
		return p.wrap(err)
	}
	return nil
}

// ReadLevel samples the line from the input level register.
//
// It may be called regardless of the configured direction; controllers
// reflect the driven state of output pins on the level register.
func (p *Pin) ReadLevel() (gpio.Level, error) {
	l := &p.c.layout
	v, err := p.c.regs.Read32(l.bitWord(l.LevelReg, p.number))
	if err != nil {
		return gpio.Low, p.wrap(err)
	}
	return gpio.Level(v&(uint32(1)<<(uint(p.number)%32)) != 0), nil
}

// Close implements rawgpio.PinIO. The register mapping belongs to the
// Controller and is reused across pins, so there is nothing to release.
func (p *Pin) Close() error {
	return nil
}

// In implements gpio.PinIn.
//
// The raw register interface has no portable pull resistor control and no
// edge detection, so only gpio.PullNoChange/gpio.Float and gpio.NoEdge are
// accepted.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	if pull != gpio.PullNoChange && pull != gpio.Float {
		return p.wrap(errors.New("doesn't support pull-up/pull-down"))
	}
	if edge != gpio.NoEdge {
		return p.wrap(errors.New("doesn't support edge detection"))
	}
	return p.SetDirection(rawgpio.DirIn)
}

// Read implements gpio.PinIn. Errors read as gpio.Low.
func (p *Pin) Read() gpio.Level {
	level, err := p.ReadLevel()
	if err != nil {
		return gpio.Low
	}
	return level
}

// WaitForEdge implements gpio.PinIn. Edge detection is not supported on raw
// registers; it returns false immediately.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	return false
}

// Pull implements gpio.PinIn.
func (p *Pin) Pull() gpio.Pull {
	return gpio.PullNoChange
}

// DefaultPull implements gpio.PinIn.
func (p *Pin) DefaultPull() gpio.Pull {
	return gpio.PullNoChange
}

// Out implements gpio.PinOut.
func (p *Pin) Out(l gpio.Level) error {
	if p.Direction() != rawgpio.DirOut {
		if err := p.SetDirection(rawgpio.DirOut); err != nil {
			return err
		}
	}
	return p.Write(l)
}

// PWM implements gpio.PinOut. It is not supported.
func (p *Pin) PWM(gpio.Duty, physic.Frequency) error {
	return p.wrap(errors.New("pwm is not supported on raw registers"))
}

// Function implements pin.Pin.
func (p *Pin) Function() string {
	return string(p.Func())
}

// Func implements pin.PinFunc.
func (p *Pin) Func() pin.Func {
	switch p.Direction() {
	case rawgpio.DirIn:
		if p.Read() {
			return gpio.IN_HIGH
		}
		return gpio.IN_LOW
	case rawgpio.DirOut:
		if p.Read() {
			return gpio.OUT_HIGH
		}
		return gpio.OUT_LOW
	default:
		return pin.FuncNone
	}
}

// SupportedFuncs implements pin.PinFunc.
func (p *Pin) SupportedFuncs() []pin.Func {
	return []pin.Func{gpio.IN, gpio.OUT}
}

// SetFunc implements pin.PinFunc.
func (p *Pin) SetFunc(f pin.Func) error {
	switch f {
	case gpio.IN:
		return p.In(gpio.PullNoChange, gpio.NoEdge)
	case gpio.OUT_HIGH:
		return p.Out(gpio.High)
	case gpio.OUT, gpio.OUT_LOW:
		return p.Out(gpio.Low)
	default:
		return p.wrap(errors.New("unsupported function"))
	}
}

func (p *Pin) wrap(err error) error {
	return fmt.Errorf("memmap-gpio (%s): %w", p, err)
}

var _ rawgpio.PinIO = &Pin{}
var _ gpio.PinIn = &Pin{}
var _ gpio.PinOut = &Pin{}
var _ gpio.PinIO = &Pin{}
var _ pin.PinFunc = &Pin{}
