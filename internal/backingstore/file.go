// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backingstore

import (
	"os"
)

// OpenFile opens path with flag and returns the file together with its size
// in bytes. Regular files are sized by stat, block devices by asking the
// kernel. Everything else is refused. Any failure is an *OpenError and no
// file is left open.
func OpenFile(path string, flag int) (*os.File, int64, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, 0, &OpenError{Path: path, Err: err}
	}

	size, err := fileSize(f)
	if err != nil {
		f.Close()
		return nil, 0, &OpenError{Path: path, Err: err}
	}

	return f, size, nil
}

func fileSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	mode := fi.Mode()
	switch {
	case mode.IsRegular():
		return fi.Size(), nil
	case mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0:
		return blockDeviceSize(f)
	}

	return 0, ErrUnsupportedFile
}
