// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backingstore

import (
	"errors"
	"fmt"
)

var (
	ErrInFlight        = errors.New("command already submitted")
	ErrOutOfRange      = errors.New("range beyond end of device")
	ErrNoDevice        = errors.New("command has no device")
	ErrUnsupportedFile = errors.New("not a regular file or block device")
)

// OpenError is returned when the backing file cannot be opened or sized.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// MapError is returned by Submit when no buffer could be attached to the
// command. It is an invalid argument class failure, the command may be
// retried as a whole.
type MapError struct {
	Offset int64
	Length int
	Err    error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("map offset %d length %d: %v", e.Offset, e.Length, e.Err)
}

func (e *MapError) Unwrap() error {
	return e.Err
}

// UnmapError is returned by Done when releasing a mapping fails. The command
// is still complete.
type UnmapError struct {
	Offset int64
	Length int
	Err    error
}

func (e *UnmapError) Error() string {
	return fmt.Sprintf("unmap offset %d length %d: %v", e.Offset, e.Length, e.Err)
}

func (e *UnmapError) Unwrap() error {
	return e.Err
}

// FlushError is returned by Submit for cache synchronization commands when
// the durable flush fails.
type FlushError struct {
	Path string
	Err  error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush %s: %v", e.Path, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}
