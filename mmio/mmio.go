// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mmio gives typed, bounds checked access to a window of raw device
// memory.
//
// It is the only package in this module that dereferences raw memory. Every
// other package goes through Block, which keeps the unsafe surface small
// enough to audit in one sitting.
package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"periph.io/x/rawgpio"
)

// RegWidth is the register width in bytes. GPIO controllers covered by this
// module all expose 32 bit registers; partial width access is never
// performed.
const RegWidth = 4

// DevMem is the default physical memory device used by Map.
const DevMem = "/dev/mem"

// Block is a window over a block of device registers.
//
// A Block does not interpret the registers; pin semantics live in package
// memmap. The zero value is not usable, construct one with NewBlock, Map or
// MapFile.
type Block struct {
	b      []byte
	mapped bool // owns the mapping, Close must munmap
}

// NewBlock wraps an already mapped (or, in tests, plain in-memory) byte
// window. The caller keeps ownership; Close is a no-op.
//
// The window must be 4 byte aligned, which any real mapping and any Go
// allocation of 4 bytes or more already is.
func NewBlock(b []byte) *Block {
	return &Block{b: b}
}

// Map maps size bytes of physical memory at base from /dev/mem.
func Map(base uint64, size int) (*Block, error) {
	return MapFile(DevMem, base, size)
}

// MapFile maps size bytes at physical address base from the named memory
// device, like /dev/gpiomem on Raspberry Pi kernels.
//
// Errors wrap rawgpio.ErrMap. Mapping generally requires root or membership
// in a group udev grants access to the device.
func MapFile(path string, base uint64, size int) (*Block, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: %w: opening %s: %v", rawgpio.ErrMap, path, err)
	}
	// The mapping stays valid after the descriptor is closed.
	defer f.Close()
	b, err := unix.Mmap(int(f.Fd()), int64(base), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: %w: mmap %s at %#x: %v", rawgpio.ErrMap, path, base, err)
	}
	return &Block{b: b, mapped: true}, nil
}

// Len returns the window length in bytes.
func (m *Block) Len() int {
	return len(m.b)
}

// Read32 returns the 32 bit register at byte offset.
func (m *Block) Read32(offset uint32) (uint32, error) {
	if err := m.check(offset); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.b[offset]))), nil
}

// Write32 stores v into the 32 bit register at byte offset.
//
// The store goes through sync/atomic so the compiler can never elide, merge
// or reorder it relative to other register accesses; the hardware side
// effect is invisible to Go's data flow analysis and must not be optimized
// against.
func (m *Block) Write32(offset uint32, v uint32) error {
	if err := m.check(offset); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.b[offset])), v)
	return nil
}

func (m *Block) check(offset uint32) error {
	if int(offset)+RegWidth > len(m.b) {
		return fmt.Errorf("mmio: %w: offset %#x, window %#x bytes", rawgpio.ErrOutOfBounds, offset, len(m.b))
	}
	if offset%RegWidth != 0 {
		return fmt.Errorf("mmio: %w: misaligned offset %#x", rawgpio.ErrOutOfBounds, offset)
	}
	return nil
}

// Close unmaps the window if this Block owns a mapping. Registers must not
// be accessed afterwards.
func (m *Block) Close() error {
	if !m.mapped {
		m.b = nil
		return nil
	}
	b := m.b
	m.b = nil
	m.mapped = false
	return unix.Munmap(b)
}
