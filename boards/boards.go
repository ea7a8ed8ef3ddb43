// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package boards holds register block descriptions for known GPIO
// controllers and loads caller supplied ones from TOML.
//
// The core backends take physical addresses and register layouts as plain
// values; nothing platform specific is hardcoded there. This package is
// where the platform knowledge lives: a small preset catalog embedded in
// the binary, and a loader so deployments can describe their own board in a
// config file instead of recompiling.
package boards

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"

	"periph.io/x/rawgpio/memmap"
	"periph.io/x/rawgpio/mmio"
)

// Controller describes one memory mapped GPIO controller on a board.
//
// All register offsets are bytes from the start of the mapped window; see
// memmap.Layout for the packing rules.
type Controller struct {
	Name string `toml:"name"`
	// Device is the memory device to map, defaults to /dev/mem. On
	// Raspberry Pi kernels /dev/gpiomem exposes just the GPIO block and
	// doesn't need root.
	Device string `toml:"device,omitempty"`
	// Base is the offset to map from the device: the physical address of
	// the register block for /dev/mem, 0 for devices like /dev/gpiomem
	// that already start at the block.
	Base uint64 `toml:"base"`
	// Size is the length in bytes of the register block to map.
	Size int `toml:"size"`

	Pins          int    `toml:"pins"`
	DirectionReg  uint32 `toml:"direction_reg"`
	DirectionBits uint32 `toml:"direction_bits"`
	DirectionIn   uint32 `toml:"direction_in"`
	DirectionOut  uint32 `toml:"direction_out"`
	HasSetClear   bool   `toml:"has_set_clear"`
	SetReg        uint32 `toml:"set_reg,omitempty"`
	ClearReg      uint32 `toml:"clear_reg,omitempty"`
	OutReg        uint32 `toml:"out_reg,omitempty"`
	LevelReg      uint32 `toml:"level_reg"`
}

// Layout converts the description to a memmap register layout.
func (c *Controller) Layout() memmap.Layout {
	return memmap.Layout{
		Pins:          c.Pins,
		DirectionReg:  c.DirectionReg,
		DirectionBits: c.DirectionBits,
		DirectionIn:   c.DirectionIn,
		DirectionOut:  c.DirectionOut,
		HasSetClear:   c.HasSetClear,
		SetReg:        c.SetReg,
		ClearReg:      c.ClearReg,
		OutReg:        c.OutReg,
		LevelReg:      c.LevelReg,
	}
}

// device returns the memory device to map, defaulting to mmio.DevMem.
func (c *Controller) device() string {
	if c.Device == "" {
		return mmio.DevMem
	}
	return c.Device
}

// Open maps the controller's register block and returns a live handle.
func (c *Controller) Open() (*memmap.Controller, error) {
	return memmap.OpenFile(c.Name, c.device(), c.Base, c.Size, c.Layout())
}

// Board is a named set of GPIO controllers. Most boards have one; SoCs with
// several independent GPIO blocks list one Controller per block.
type Board struct {
	Name        string       `toml:"name"`
	Controllers []Controller `toml:"controller"`
}

// Controller returns the board's controller with the given name.
func (b *Board) Controller(name string) (*Controller, bool) {
	for i := range b.Controllers {
		if b.Controllers[i].Name == name {
			return &b.Controllers[i], true
		}
	}
	return nil, false
}

type catalog struct {
	Boards []Board `toml:"board"`
}

// Load reads board definitions in TOML form. Unknown keys are rejected so
// typos in register offset names fail loudly instead of mapping garbage.
func Load(r io.Reader) ([]Board, error) {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	var c catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("boards: %w", err)
	}
	for i := range c.Boards {
		b := &c.Boards[i]
		if b.Name == "" {
			return nil, fmt.Errorf("boards: board %d has no name", i)
		}
		for j := range b.Controllers {
			ctl := &b.Controllers[j]
			if ctl.Name == "" {
				return nil, fmt.Errorf("boards: %s: controller %d has no name", b.Name, j)
			}
			l := ctl.Layout()
			if err := l.Validate(ctl.Size); err != nil {
				return nil, fmt.Errorf("boards: %s/%s: %w", b.Name, ctl.Name, err)
			}
		}
	}
	return c.Boards, nil
}

// LoadFile reads board definitions from a TOML file.
func LoadFile(path string) ([]Board, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

//go:embed boards.toml
var presetTOML []byte

// Presets returns the built in board catalog. The embedded catalog is
// validated by tests, so a decode failure here is a build defect.
func Presets() []Board {
	b, err := Load(bytes.NewReader(presetTOML))
	if err != nil {
		panic(err)
	}
	return b
}

// ByName looks a board up in the preset catalog.
func ByName(name string) (*Board, bool) {
	presets := Presets()
	for i := range presets {
		if presets[i].Name == name {
			return &presets[i], true
		}
	}
	return nil, false
}
