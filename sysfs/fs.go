// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysfs

import (
	"io"
	"os"
)

// fileIO is the part of *os.File this backend relies on. Sysfs pseudo-files
// must be re-read from the start on every access, hence the Seeker.
type fileIO interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// fileIOOpen opens a sysfs file. It is a variable so tests can substitute a
// simulated kernel tree.
var fileIOOpen = func(path string, flag int) (fileIO, error) {
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// seekRead rewinds the pseudo-file and reads its current content.
func seekRead(f fileIO, b []byte) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return f.Read(b)
}

// seekWrite rewinds the pseudo-file and writes b.
func seekWrite(f fileIO, b []byte) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := f.Write(b)
	return err
}
