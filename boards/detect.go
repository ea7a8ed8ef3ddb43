// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package boards

import (
	"errors"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// PlatformDrivers is where the kernel exposes bound platform drivers.
const PlatformDrivers = "/sys/bus/platform/drivers"

// DetectBase discovers a controller's physical base address from the
// platform driver tree, without a device tree parser.
//
// It scans driverDir for driver directories whose name matches pattern (a
// regular expression, like `^sun50i-h6\d*-pinctrl$`) and looks inside them
// for a bound device entry named "<hexaddr>.<suffix>". The kernel names
// platform devices after their register base, so the parsed prefix is the
// address to map.
func DetectBase(driverDir, pattern, suffix string) (uint64, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}
	items, err := os.ReadDir(driverDir)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if !item.IsDir() || !re.MatchString(item.Name()) {
			continue
		}
		if base, ok := baseFromDriverDir(path.Join(driverDir, item.Name()), suffix); ok {
			return base, nil
		}
	}
	return 0, errors.New("boards: no bound device with a parsable base address")
}

// SymlinkBase reads the base address from the "driver" symlink some pinctrl
// entries carry, whose target basename is "<hexaddr>.<suffix>".
func SymlinkBase(driverDir, driver, suffix string) (uint64, error) {
	link, err := os.Readlink(path.Join(driverDir, driver, "driver"))
	if err != nil {
		return 0, err
	}
	if base, ok := parseBase(path.Base(link), suffix); ok {
		return base, nil
	}
	return 0, errors.New("boards: driver symlink target has no parsable base address")
}

func baseFromDriverDir(dir string, suffix string) (uint64, bool) {
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return 0, false
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		if base, ok := parseBase(item.Name(), suffix); ok {
			return base, true
		}
	}
	return 0, false
}

func parseBase(name, suffix string) (uint64, bool) {
	prefix, found := strings.CutSuffix(name, "."+suffix)
	if !found {
		return 0, false
	}
	base, err := strconv.ParseUint(prefix, 16, 64)
	if err != nil {
		return 0, false
	}
	return base, true
}
