// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mmap is a backing store which serves commands by memory mapping the
// requested range of the backing file instead of reading or writing it
// explicitly. Every mapped command gets its own shared, page aligned mapping
// on submit, the caller transfers data through it and the mapping is released
// on done. Consistency between overlapping mappings is left to the page
// cache, hence the store keeps no mutable state and needs no locks.
package mmap

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/bsmmap/internal/backingstore"
)

// Options of the store.
type Options struct {
	// Alignment of mappings. Zero means the system page size. Otherwise it
	// has to be a multiple of the system page size.
	PageSize int

	// Metrics to account mappings in. Nil means unregistered metrics.
	Metrics *Metrics
}

// Store implements backingstore.BackingStore with memory mapped I/O.
type Store struct {
	pageSize int
	mapper   mapper
	metrics  *Metrics
}

var _ backingstore.BackingStore = (*Store)(nil)

// New returns the store configured with opts.
func New(opts Options) (*Store, error) {
	system := os.Getpagesize()

	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = system
	}

	if pageSize <= 0 || pageSize%system != 0 {
		return nil, fmt.Errorf("page size %d is not a multiple of system page size %d", pageSize, system)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Store{
		pageSize: pageSize,
		mapper:   sysMapper{},
		metrics:  metrics,
	}, nil
}

// PageSize returns the alignment of mappings created by the store.
func (s *Store) PageSize() int {
	return s.pageSize
}

// Open opens the backing file for read-write access. The returned device
// carries the page size of the store.
func (s *Store) Open(path string) (*backingstore.Device, error) {
	f, size, err := backingstore.OpenFile(path, os.O_RDWR)
	if err != nil {
		log.Error().Err(err).Send()
		return nil, err
	}

	log.Debug().Str("path", path).Int64("size", size).Int("page_size", s.pageSize).Msg("opened")

	return &backingstore.Device{
		Path:     path,
		File:     f,
		Size:     size,
		PageSize: s.pageSize,
	}, nil
}

// Close closes the backing file. Failure is only logged.
func (s *Store) Close(dev *backingstore.Device) {
	if err := dev.File.Close(); err != nil {
		log.Warn().Err(err).Str("path", dev.Path).Msg("close")
	}
}

// Submit attaches a data buffer to cmd. Cache synchronization commands are
// flushed and get no buffer. Commands with a caller supplied buffer get a
// view into it. All other commands get a fresh mapping of their range. When
// Submit fails nothing is attached and Done is a no-op.
func (s *Store) Submit(cmd *backingstore.Command) error {
	if cmd.Dev == nil {
		return &backingstore.MapError{Offset: cmd.Offset, Length: cmd.Length, Err: backingstore.ErrNoDevice}
	}

	if cmd.InFlight() {
		return &backingstore.MapError{Offset: cmd.Offset, Length: cmd.Length, Err: backingstore.ErrInFlight}
	}

	if cmd.Op.IsSync() {
		return s.flush(cmd)
	}

	if cmd.Buffer != nil {
		return s.attachExternal(cmd)
	}

	return s.attachMapping(cmd)
}

// Durable flush of the whole backing file. The result is the result of
// fsync.
func (s *Store) flush(cmd *backingstore.Command) error {
	err := cmd.Dev.File.Sync()
	s.metrics.flushed(err)
	if err != nil {
		log.Error().Err(err).Str("path", cmd.Dev.Path).Str("op", cmd.Op.String()).Msg("fsync")
		return &backingstore.FlushError{Path: cmd.Dev.Path, Err: err}
	}

	cmd.Buf = backingstore.Buffer{Kind: backingstore.BufferPassthrough}

	return nil
}

// The caller buffer starts at device offset 0, so the data of the command
// begins at Buffer[Offset].
func (s *Store) attachExternal(cmd *backingstore.Command) error {
	size := int64(len(cmd.Buffer))
	if cmd.Offset < 0 || cmd.Length < 0 || cmd.Offset > size || int64(cmd.Length) > size-cmd.Offset {
		return &backingstore.MapError{Offset: cmd.Offset, Length: cmd.Length, Err: backingstore.ErrOutOfRange}
	}

	end := cmd.Offset + int64(cmd.Length)

	cmd.Buf = backingstore.Buffer{
		Kind: backingstore.BufferExternal,
		Data: cmd.Buffer[cmd.Offset:end:end],
	}
	s.metrics.external.Inc()

	log.Debug().Int64("offset", cmd.Offset).Int("length", cmd.Length).Msg("external buffer")

	return nil
}

func (s *Store) attachMapping(cmd *backingstore.Command) error {
	if cmd.Offset < 0 || cmd.Length <= 0 {
		return &backingstore.MapError{Offset: cmd.Offset, Length: cmd.Length, Err: unix.EINVAL}
	}

	// Touching a mapped page past the end of the file raises SIGBUS.
	if cmd.Offset > cmd.Dev.Size || int64(cmd.Length) > cmd.Dev.Size-cmd.Offset {
		return &backingstore.MapError{Offset: cmd.Offset, Length: cmd.Length, Err: backingstore.ErrOutOfRange}
	}

	// Devices not created by Open may lack the page size.
	pageSize := cmd.Dev.PageSize
	if pageSize <= 0 {
		pageSize = s.pageSize
	}

	w := NewWindow(cmd.Offset, cmd.Length, pageSize)

	window, err := s.mapper.Mmap(cmd.Dev.Fd(), w.Start, w.Length)
	if err != nil {
		s.metrics.mapFailures.Inc()
		log.Error().Err(err).
			Int64("offset", cmd.Offset).
			Int("length", cmd.Length).
			Int64("window_start", w.Start).
			Int("window_length", w.Length).
			Msg("mmap")
		return &backingstore.MapError{Offset: cmd.Offset, Length: cmd.Length, Err: err}
	}

	end := w.Offset + cmd.Length
	cmd.Buf = backingstore.Buffer{
		Kind:        backingstore.BufferMapped,
		Data:        window[w.Offset:end:end],
		Window:      window,
		WindowStart: w.Start,
	}
	s.metrics.mapped(len(window))

	log.Debug().
		Int64("offset", cmd.Offset).
		Int("length", cmd.Length).
		Int64("window_start", w.Start).
		Int("window_length", w.Length).
		Msg("mapped")

	return nil
}

// Done releases the mapping attached by Submit, if any. The command is
// complete afterwards even if the release fails, so the mapping is never
// released twice.
func (s *Store) Done(cmd *backingstore.Command) error {
	buf := cmd.Buf
	cmd.Buf = backingstore.Buffer{}

	if buf.Kind != backingstore.BufferMapped {
		return nil
	}

	s.metrics.unmapped(len(buf.Window))

	err := s.mapper.Munmap(buf.Window)
	if err != nil {
		s.metrics.unmapFailures.Inc()
		log.Error().Err(err).
			Int64("window_start", buf.WindowStart).
			Int("window_length", len(buf.Window)).
			Msg("munmap")
		return &backingstore.UnmapError{Offset: buf.WindowStart, Length: len(buf.Window), Err: err}
	}

	log.Debug().Int64("window_start", buf.WindowStart).Int("window_length", len(buf.Window)).Msg("unmapped")

	return nil
}
