// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build !linux

package backingstore

import (
	"os"
)

// Block devices are sized only on linux.
func blockDeviceSize(f *os.File) (int64, error) {
	return 0, ErrUnsupportedFile
}
