// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mmap

// Window is the page aligned region of a file which backs a possibly
// unaligned byte range.
type Window struct {
	// File offset of the window. Multiple of the page size.
	Start int64

	// Size of the window. The smallest multiple of the page size covering
	// the whole range.
	Length int

	// Position of the requested range inside the window.
	Offset int
}

// NewWindow computes the window backing length bytes at offset. Offset and
// length must not be negative and pageSize must be positive.
func NewWindow(offset int64, length int, pageSize int) Window {
	in := offset % int64(pageSize)

	return Window{
		Start:  offset - in,
		Length: pageCount(length, int(in), pageSize) * pageSize,
		Offset: int(in),
	}
}

// Number of pages touched by length bytes starting at offset bytes into the
// first page.
func pageCount(length, offset, pageSize int) int {
	return (length + offset + pageSize - 1) / pageSize
}

// End returns the file offset just behind the window.
func (w Window) End() int64 {
	return w.Start + int64(w.Length)
}
