// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sysfs drives GPIO lines through the kernel's legacy gpio sysfs
// ABI, described at
// https://www.kernel.org/doc/Documentation/gpio/sysfs.txt
//
// Every operation is a file system round trip, which makes this backend far
// slower than package memmap, but it needs no raw memory privileges beyond
// the sysfs file permissions and the kernel serializes export state across
// processes.
package sysfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/pin"

	"periph.io/x/rawgpio"
)

// Root is the conventional location of the gpio sysfs tree.
const Root = "/sys/class/gpio"

// GPIO is a handle on the gpio sysfs control files.
//
// It tracks which pins this handle has exported so a second OpenPin on the
// same number reuses the first export instead of erroring, and so Close can
// unexport everything that is still open. Independent handles (including in
// other processes) contend for exports at the kernel level.
type GPIO struct {
	root string

	// mu guards the export table against concurrent OpenPin/Close.
	mu       sync.Mutex
	exported map[int]*Pin
}

// New returns a handle over /sys/class/gpio.
func New() *GPIO {
	return NewAt(Root)
}

// NewAt returns a handle over an alternate sysfs root. Mostly useful with
// bind mounts and containers.
func NewAt(root string) *GPIO {
	return &GPIO{root: root, exported: map[int]*Pin{}}
}

// OpenPin exports pin number and returns a handle on it.
//
// Opening a number this handle already has open returns the existing Pin;
// the export is not repeated. A pin held by another process (or another
// handle) surfaces as an error wrapping rawgpio.ErrExport, caused by the
// kernel's EBUSY. Retrying is left to the caller, the right backoff is
// application specific.
func (g *GPIO) OpenPin(number int) (*Pin, error) {
	if number < 0 {
		return nil, fmt.Errorf("sysfs-gpio: %w: %d", rawgpio.ErrInvalidPin, number)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.exported[number]; ok {
		return p, nil
	}
	p := &Pin{
		g:      g,
		number: number,
		name:   fmt.Sprintf("GPIO%d", number),
		root:   fmt.Sprintf("%s/gpio%d/", g.root, number),
	}
	if err := p.export(); err != nil {
		return nil, err
	}
	g.exported[number] = p
	return p, nil
}

// Close unexports every pin still open on this handle.
func (g *GPIO) Close() error {
	g.mu.Lock()
	pins := make([]*Pin, 0, len(g.exported))
	for _, p := range g.exported {
		pins = append(pins, p)
	}
	g.mu.Unlock()
	for _, p := range pins {
		_ = p.Close()
	}
	return nil
}

// writeControl writes a pin number through one of the export/unexport
// control files.
func (g *GPIO) writeControl(name string, number int) error {
	f, err := fileIOOpen(g.root+"/"+name, os.O_WRONLY)
	if err != nil {
		return fmt.Errorf("sysfs-gpio: %w: opening %s: %v", rawgpio.ErrExport, name, err)
	}
	_, werr := f.Write([]byte(strconv.Itoa(number) + "\n"))
	_ = f.Close()
	if werr != nil {
		if isErrBusy(werr) {
			return fmt.Errorf("sysfs-gpio: %w: pin %d is exported by another process: %v", rawgpio.ErrExport, number, werr)
		}
		return fmt.Errorf("sysfs-gpio: %w: writing %d to %s: %v", rawgpio.ErrExport, number, name, werr)
	}
	return nil
}

// Range is a contiguous span of pin numbers served by one gpiochip.
type Range struct {
	// Base is the first global GPIO number of the chip.
	Base int
	// Count is how many lines the chip exposes.
	Count int
	// Label is the chip label as reported by the kernel, may be empty.
	Label string
}

// Ranges enumerates the gpiochip entries under the handle's root and
// returns the pin number spans they serve, sorted by base. Some CPU
// architectures have gaps between chips, so a pin number is only usable if
// some Range covers it.
func (g *GPIO) Ranges() ([]Range, error) {
	items, err := filepath.Glob(g.root + "/gpiochip*")
	if err != nil {
		return nil, err
	}
	var out []Range
	for _, item := range items {
		base, err := readInt(item + "/base")
		if err != nil {
			return nil, err
		}
		count, err := readInt(item + "/ngpio")
		if err != nil {
			return nil, err
		}
		label, _ := readLine(item + "/label")
		out = append(out, Range{Base: base, Count: count, Label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out, nil
}

// Pin is one exported GPIO line.
//
// Pin implements rawgpio.PinIO and gpio.PinIO. Handles to the direction and
// value files stay open for the pin's lifetime so a read or write is a
// single seek plus one I/O call.
type Pin struct {
	g      *GPIO
	number int
	name   string
	root   string // Something like /sys/class/gpio/gpio%d/

	mu         sync.Mutex
	closed     bool
	direction  rawgpio.Direction // Cache of the last direction set
	fDirection fileIO            // handle to gpio*/direction
	fValue     fileIO            // handle to gpio*/value
	buf        [4]byte           // scratch buffer for ReadLevel and Write
}

// export performs the initial export and opens the per-pin files.
func (p *Pin) export() error {
	if err := p.g.writeControl("export", p.number); err != nil {
		return err
	}
	// Force "0" to mean Low no matter what a previous user left in
	// active_low. A missing file is fine, not every chip exposes it.
	if f, err := fileIOOpen(p.root+"active_low", os.O_RDWR); err == nil {
		werr := seekWrite(f, bZero)
		_ = f.Close()
		if werr != nil {
			p.undoExport()
			return p.wrap(werr)
		}
	}
	var err error
	if p.fDirection, err = fileIOOpen(p.root+"direction", os.O_RDWR); err != nil {
		p.release()
		p.undoExport()
		if os.IsPermission(err) {
			return p.wrap(fmt.Errorf("need more access, try as root or setup udev rules: %v", err))
		}
		return p.wrap(err)
	}
	if p.fValue, err = fileIOOpen(p.root+"value", os.O_RDWR); err != nil {
		p.release()
		p.undoExport()
		return p.wrap(err)
	}
	return nil
}

// undoExport gives a half-initialized export back to the kernel. Without it
// the pin would stay exported but absent from the handle table, and every
// retry of OpenPin would bounce off the kernel's EBUSY.
func (p *Pin) undoExport() {
	if err := p.g.writeControl("unexport", p.number); err != nil {
		log.Warn().Str("pin", p.name).Err(err).Msg("gpio unexport failed")
	}
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

// Number implements pin.Pin. It returns the global GPIO number.
func (p *Pin) Number() int {
	return p.number
}

// Direction returns the last direction set through this pin.
func (p *Pin) Direction() rawgpio.Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.direction
}

// SetDirection writes "in" or "out" to the pin's direction file. The kernel
// rejects directions the line does not support.
func (p *Pin) SetDirection(d rawgpio.Direction) error {
	if d != rawgpio.DirIn && d != rawgpio.DirOut {
		return p.wrap(fmt.Errorf("%w: cannot set direction %q", rawgpio.ErrDirection, d))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.wrap(os.ErrClosed)
	}
	b := bIn
	if d == rawgpio.DirOut {
		b = bOut
	}
	if err := seekWrite(p.fDirection, b); err != nil {
		return p.wrap(err)
	}
	p.direction = d
	return nil
}

// Write drives the line by writing "0" or "1" to the value file.
//
// Writing a pin configured as input fails with rawgpio.ErrDirection before
// any file access: depending on the kernel version sysfs either rejects or
// silently drops such writes, so the constraint is enforced here.
func (p *Pin) Write(level gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.wrap(os.ErrClosed)
	}
	if p.direction != rawgpio.DirOut {
		return p.wrap(fmt.Errorf("%w: pin is not configured as output", rawgpio.ErrDirection))
	}
	b := bLow
	if level == gpio.High {
		b = bHigh
	}
	if err := seekWrite(p.fValue, b); err != nil {
		return p.wrap(err)
	}
	return nil
}

// ReadLevel samples the line from the value file. Reading never fails based
// on direction alone; an output pin reads back its driven state.
func (p *Pin) ReadLevel() (gpio.Level, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return gpio.Low, p.wrap(os.ErrClosed)
	}
	if _, err := seekRead(p.fValue, p.buf[:]); err != nil {
		return gpio.Low, p.wrap(err)
	}
	switch p.buf[0] {
	case '0':
		return gpio.Low, nil
	case '1':
		return gpio.High, nil
	default:
		return gpio.Low, p.wrap(fmt.Errorf("%w: %q", rawgpio.ErrParse, p.buf[0]))
	}
}

// Close unexports the pin and closes its file handles.
//
// Teardown is unconditional: an unexport failure is logged and does not
// stop the release, since the pin's observable hardware state is already
// whatever it was left in. Close is idempotent and always safe to call,
// including after a failed operation.
func (p *Pin) Close() error {
	p.g.mu.Lock()
	delete(p.g.exported, p.number)
	p.g.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.release()
	if err := p.g.writeControl("unexport", p.number); err != nil {
		log.Warn().Str("pin", p.name).Err(err).Msg("gpio unexport failed")
	}
	return nil
}

// release closes the per-pin file handles. lock must be held.
func (p *Pin) release() {
	if p.fDirection != nil {
		_ = p.fDirection.Close()
		p.fDirection = nil
	}
	if p.fValue != nil {
		_ = p.fValue.Close()
		p.fValue = nil
	}
}

// In implements gpio.PinIn.
//
// Pull resistors are not controllable through sysfs and edge delivery is
// out of scope for this library, so only gpio.PullNoChange/gpio.Float and
// gpio.NoEdge are accepted.
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

// WaitForEdge implements gpio.PinIn. Edge detection is out of scope; it
// returns false immediately.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	return false
}

// Pull implements gpio.PinIn.
//
// It returns gpio.PullNoChange since gpio sysfs has no support for input
// pull resistors.
func (p *Pin) Pull() gpio.Pull {
	return gpio.PullNoChange
}

// DefaultPull implements gpio.PinIn.
func (p *Pin) DefaultPull() gpio.Pull {
	return gpio.PullNoChange
}

// Out implements gpio.PinOut.
//
// When the pin is not yet an output it writes "low" or "high" to the
// direction file: the kernel documents this as configuring the direction
// and the initial value in one step, glitch free.
func (p *Pin) Out(level gpio.Level) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.wrap(os.ErrClosed)
	}
	if p.direction != rawgpio.DirOut {
		b := bGlitchLow
		if level == gpio.High {
			b = bGlitchHigh
		}
		if err := seekWrite(p.fDirection, b); err != nil {
			p.mu.Unlock()
			return p.wrap(err)
		}
		p.direction = rawgpio.DirOut
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.Write(level)
}

// PWM implements gpio.PinOut.
//
// This is not supported on sysfs.
func (p *Pin) PWM(gpio.Duty, physic.Frequency) error {
	return p.wrap(errors.New("pwm is not supported via sysfs"))
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
	return fmt.Errorf("sysfs-gpio (%s): %w", p, err)
}

//

// Exact byte strings of the kernel gpio sysfs ABI, newline terminated per
// kernel convention.
var (
	bIn         = []byte("in\n")
	bOut        = []byte("out\n")
	bLow        = []byte("0\n")
	bHigh       = []byte("1\n")
	bZero       = []byte("0\n")
	bGlitchLow  = []byte("low\n")
	bGlitchHigh = []byte("high\n")
)

func isErrBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}

// readInt reads a pseudo-file (sysfs) that is known to contain an integer
// and returns the parsed number.
func readInt(path string) (int, error) {
	raw, err := readLine(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

func readLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var b [64]byte
	n, err := f.Read(b[:])
	if err != nil {
		return "", err
	}
	raw := b[:n]
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		return "", errors.New("invalid value")
	}
	return string(raw[:len(raw)-1]), nil
}

var _ rawgpio.PinIO = &Pin{}
var _ gpio.PinIn = &Pin{}
var _ gpio.PinOut = &Pin{}
var _ gpio.PinIO = &Pin{}
var _ pin.PinFunc = &Pin{}
