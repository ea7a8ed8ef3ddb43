// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package rawgpio

import (
	"errors"
	"testing"
)

func TestDirectionString(t *testing.T) {
	data := []struct {
		d    Direction
		want string
	}{
		{DirIn, "in"},
		{DirOut, "out"},
		{DirUnknown, "unknown"},
		{Direction(42), "unknown"},
	}
	for _, line := range data {
		if got := line.d.String(); got != line.want {
			t.Errorf("%d.String() = %q, want %q", line.d, got, line.want)
		}
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrMap, ErrInvalidPin, ErrOutOfBounds, ErrExport, ErrDirection, ErrParse}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinel %v matches %v", a, b)
			}
		}
	}
}
