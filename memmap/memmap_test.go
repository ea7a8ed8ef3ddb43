// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package memmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"periph.io/x/rawgpio"
	"periph.io/x/rawgpio/mmio"
)

// rmwLayout models a controller without set/clear registers whose level
// register reads back the output data word, one direction bit per pin.
var rmwLayout = Layout{
	Pins:          32,
	DirectionReg:  0x00,
	DirectionBits: 1,
	DirectionIn:   0,
	DirectionOut:  1,
	OutReg:        0x04,
	LevelReg:      0x04,
}

// setClearLayout models a BCM283x style controller: 3 bit function fields,
// dedicated set and clear registers, separate level register.
var setClearLayout = Layout{
	Pins:          10,
	DirectionReg:  0x00,
	DirectionBits: 3,
	DirectionIn:   0,
	DirectionOut:  1,
	HasSetClear:   true,
	SetReg:        0x04,
	ClearReg:      0x08,
	LevelReg:      0x0C,
}

func newFake(t *testing.T, l Layout, size int) (*Controller, *mmio.Block) {
	t.Helper()
	block := mmio.NewBlock(make([]byte, size))
	c, err := New("fake", block, l)
	require.NoError(t, err)
	return c, block
}

func TestWriteReadRoundTrip(t *testing.T) {
	c, _ := newFake(t, rmwLayout, 8)
	for _, number := range []int{0, 7, 31} {
		p, err := c.Pin(number)
		require.NoError(t, err)
		require.NoError(t, p.SetDirection(rawgpio.DirOut))
		for _, level := range []gpio.Level{gpio.High, gpio.Low, gpio.High} {
			require.NoError(t, p.Write(level))
			got, err := p.ReadLevel()
			require.NoError(t, err)
			assert.Equal(t, level, got, "pin %d", number)
		}
	}
}

func TestWriteUsesSetClearRegisters(t *testing.T) {
	c, block := newFake(t, setClearLayout, 16)
	p, err := c.Pin(6)
	require.NoError(t, err)
	require.NoError(t, p.SetDirection(rawgpio.DirOut))

	require.NoError(t, p.Write(gpio.High))
	v, err := block.Read32(0x04)
	require.NoError(t, err)
	assert.Equal(t, uint32(1)<<6, v, "set register")

	require.NoError(t, p.Write(gpio.Low))
	v, err = block.Read32(0x08)
	require.NoError(t, err)
	assert.Equal(t, uint32(1)<<6, v, "clear register")
}

func TestInvalidPin(t *testing.T) {
	c, block := newFake(t, setClearLayout, 16)
	for _, number := range []int{-1, 10, 1000} {
		_, err := c.Pin(number)
		assert.ErrorIs(t, err, rawgpio.ErrInvalidPin, "pin %d", number)
	}
	// The error path must not touch the register block.
	for offset := uint32(0); offset < 16; offset += 4 {
		v, err := block.Read32(offset)
		require.NoError(t, err)
		assert.Zero(t, v, "register %#x touched on invalid pin", offset)
	}
}

func TestSetDirectionFieldPacking(t *testing.T) {
	c, block := newFake(t, setClearLayout, 16)
	p3, err := c.Pin(3)
	require.NoError(t, err)
	p9, err := c.Pin(9)
	require.NoError(t, err)

	require.NoError(t, p3.SetDirection(rawgpio.DirOut))
	require.NoError(t, p9.SetDirection(rawgpio.DirOut))
	v, err := block.Read32(0x00)
	require.NoError(t, err)
	assert.Equal(t, uint32(1)<<9|uint32(1)<<27, v)

	// Switching one pin back must leave the other field alone.
	require.NoError(t, p3.SetDirection(rawgpio.DirIn))
	v, err = block.Read32(0x00)
	require.NoError(t, err)
	assert.Equal(t, uint32(1)<<27, v)

	assert.Equal(t, rawgpio.DirIn, p3.Direction())
	assert.Equal(t, rawgpio.DirOut, p9.Direction())
}

func TestSetDirectionRejectsUnknown(t *testing.T) {
	c, _ := newFake(t, rmwLayout, 8)
	p, err := c.Pin(0)
	require.NoError(t, err)
	assert.ErrorIs(t, p.SetDirection(rawgpio.DirUnknown), rawgpio.ErrDirection)
}

func TestConcurrentSetDirection(t *testing.T) {
	// 16 goroutines hammering distinct pins of the same direction word
	// must not lose each other's updates.
	const n = 16
	c, block := newFake(t, rmwLayout, 8)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		p, err := c.Pin(i)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, p *Pin) {
			defer wg.Done()
			errs[i] = p.SetDirection(rawgpio.DirOut)
		}(i, p)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "pin %d", i)
	}
	v, err := block.Read32(0x00)
	require.NoError(t, err)
	assert.Equal(t, uint32(1)<<n-1, v, "lost direction updates")
}

func TestConcurrentWriters(t *testing.T) {
	const n = 8
	c, block := newFake(t, rmwLayout, 8)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		p, err := c.Pin(i)
		require.NoError(t, err)
		require.NoError(t, p.SetDirection(rawgpio.DirOut))
		wg.Add(1)
		go func(p *Pin) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = p.Write(gpio.Low)
				_ = p.Write(gpio.High)
			}
		}(p)
	}
	wg.Wait()
	v, err := block.Read32(0x04)
	require.NoError(t, err)
	assert.Equal(t, uint32(1)<<n-1, v, "lost output bits")
}

func TestLayoutValidate(t *testing.T) {
	data := []struct {
		name   string
		mutate func(*Layout)
		window int
	}{
		{"no pins", func(l *Layout) { l.Pins = 0 }, 16},
		{"field too wide", func(l *Layout) { l.DirectionBits = 5 }, 16},
		{"value exceeds field", func(l *Layout) { l.DirectionOut = 8 }, 16},
		{"in equals out", func(l *Layout) { l.DirectionIn = 1 }, 16},
		{"misaligned direction register", func(l *Layout) { l.DirectionReg = 0x02 }, 16},
		{"misaligned clear register", func(l *Layout) { l.ClearReg = 0x09 }, 16},
		{"window too small", func(l *Layout) {}, 12},
	}
	for _, line := range data {
		l := setClearLayout
		line.mutate(&l)
		if err := l.Validate(line.window); err == nil {
			t.Errorf("%s: Validate() passed, want error", line.name)
		}
	}
	l := setClearLayout
	if err := l.Validate(16); err != nil {
		t.Errorf("valid layout rejected: %v", err)
	}
}

func TestOpenRejectsBrokenLayout(t *testing.T) {
	l := rmwLayout
	l.Pins = 0
	_, err := Open("broken", 0x2000_0000, 4096, l)
	assert.Error(t, err)
}

func TestPinIOInterop(t *testing.T) {
	c, _ := newFake(t, rmwLayout, 8)
	p, err := c.Pin(5)
	require.NoError(t, err)

	// Out configures the direction on first use.
	require.NoError(t, p.Out(gpio.High))
	assert.Equal(t, rawgpio.DirOut, p.Direction())
	assert.Equal(t, gpio.High, p.Read())
	assert.Equal(t, gpio.OUT_HIGH, p.Func())
	assert.Equal(t, string(gpio.OUT_HIGH), p.Function())

	assert.Error(t, p.In(gpio.PullUp, gpio.NoEdge), "pull resistors are not controllable")
	assert.Error(t, p.In(gpio.Float, gpio.RisingEdge), "edges are not supported")
	require.NoError(t, p.In(gpio.Float, gpio.NoEdge))
	assert.Equal(t, rawgpio.DirIn, p.Direction())
	assert.False(t, p.WaitForEdge(0))
	assert.Equal(t, gpio.PullNoChange, p.Pull())
}
