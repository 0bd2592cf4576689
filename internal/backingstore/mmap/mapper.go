// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mmap

import (
	"golang.org/x/sys/unix"
)

// Creates and releases mappings of a file. Abstracted so the map and unmap
// calls can be observed.
type mapper interface {
	Mmap(fd int, offset int64, length int) ([]byte, error)
	Munmap(b []byte) error
}

// Shared read-write mappings backed directly by the kernel. Stores through
// the mapping land in the page cache of the file.
type sysMapper struct{}

func (sysMapper) Mmap(fd int, offset int64, length int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (sysMapper) Munmap(b []byte) error {
	return unix.Munmap(b)
}
