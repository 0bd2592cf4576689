// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package bsmmap implements BuseReadWriter on top of a backing store. Every
// read and write coming from the kernel is turned into a command, the
// command is submitted to the store, data are copied through the buffer the
// store attached and the command is completed.
package bsmmap

import (
	"encoding/binary"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/asch/bsmmap/internal/backingstore"
	"github.com/asch/bsmmap/internal/backingstore/mmap"
	"github.com/asch/bsmmap/internal/config"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	WRITE_ITEM_SIZE = 32

	// Sector is a linux constant, which is always 512, no matter how big your sectors or blocks
	// are. Please be careful since the terminology is ambiguous.
	sectorUnit = 512
)

// Options of the read writer.
type Options struct {
	// Size of one block in bytes. Read requests are addressed in blocks.
	BlockSize int

	// Size of the write chunk the kernel hands over in bytes.
	WriteChunkSize int

	// Synchronize cache after every write batch.
	Durable bool
}

// bsmmap implements BuseReadWriter interface which can be passed to the buse
// package. It owns the opened device and hands every request to the backing
// store strategy.
type bsmmap struct {
	store backingstore.BackingStore
	dev   *backingstore.Device

	blockSize int
	durable   bool

	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	write_item_size int

	// Size of the chunk portion which contains all writes metadata. After
	// this metadata_size offset real data are stored.
	metadata_size int
}

// Extent of one write in the write chunk. Both values are in bytes.
type extent struct {
	offset int64
	length int64
}

// Returns bsmmap with default configuration, i.e. with the mmap backing store
// serving the configured path. The metrics of the store are registered with
// the default prometheus registry.
func NewWithDefaults() (*bsmmap, error) {
	store, err := mmap.New(mmap.Options{
		PageSize: config.Cfg.PageSize,
		Metrics:  mmap.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return nil, err
	}

	return New(store, config.Cfg.Path, Options{
		BlockSize:      config.Cfg.BlockSize,
		WriteChunkSize: config.Cfg.Write.ChunkSize,
		Durable:        config.Cfg.Write.Durable,
	})
}

// Returns bsmmap serving the device at path with store.
func New(store backingstore.BackingStore, path string, opts Options) (*bsmmap, error) {
	if opts.BlockSize <= 0 || opts.WriteChunkSize < opts.BlockSize {
		return nil, fmt.Errorf("invalid geometry: block size %d, write chunk size %d", opts.BlockSize, opts.WriteChunkSize)
	}

	dev, err := store.Open(path)
	if err != nil {
		return nil, err
	}

	return &bsmmap{
		store:           store,
		dev:             dev,
		blockSize:       opts.BlockSize,
		durable:         opts.Durable,
		metadata_size:   opts.WriteChunkSize / opts.BlockSize * WRITE_ITEM_SIZE,
		write_item_size: WRITE_ITEM_SIZE,
	}, nil
}

// Size returns the size of the served device in bytes.
func (b *bsmmap) Size() int64 {
	return b.dev.Size
}

// Handle writes comming from the buse library. writes contain number write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadata_size and the rest are data of all writes in the same order.
//
// Every write becomes one command. All writes are attempted even if some of
// them fail and the first error is returned.
func (b *bsmmap) BuseWrite(writes int64, chunk []byte) error {
	if int64(len(chunk)) < int64(b.metadata_size) || writes*int64(b.write_item_size) > int64(b.metadata_size) {
		return fmt.Errorf("write chunk of %d bytes cannot hold %d writes", len(chunk), writes)
	}

	metadata := chunk[:b.metadata_size]
	data := chunk[b.metadata_size:]

	var firstErr error
	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:b.write_item_size])
		metadata = metadata[b.write_item_size:]

		// Huge sector counts wrap around to negative byte lengths.
		if e.length < 0 || e.length > int64(len(data)) {
			return firstOf(firstErr, fmt.Errorf("write %d of %d bytes overruns the chunk", i, e.length))
		}

		cmd := backingstore.Command{
			Op:     backingstore.OpWrite,
			Dev:    b.dev,
			Offset: e.offset,
			Length: int(e.length),
		}
		firstErr = firstOf(firstErr, b.transfer(&cmd, data[:e.length], true))

		data = data[e.length:]
	}

	if b.durable {
		firstErr = firstOf(firstErr, b.synchronize())
	}

	return firstErr
}

// Read extent starting at sector to the buffer chunk. The sector is in
// blocks, the length of the read is the length of chunk.
func (b *bsmmap) BuseRead(sector, length int64, chunk []byte) error {
	cmd := backingstore.Command{
		Op:     backingstore.OpRead,
		Dev:    b.dev,
		Offset: sector * int64(b.blockSize),
		Length: len(chunk),
	}

	return b.transfer(&cmd, chunk, false)
}

// Submits cmd, copies buf to or from the attached buffer and completes the
// command. Done is always called after a successful Submit.
func (b *bsmmap) transfer(cmd *backingstore.Command, buf []byte, write bool) error {
	if err := b.store.Submit(cmd); err != nil {
		log.Error().Err(err).Str("op", cmd.Op.String()).Send()
		return err
	}

	if write {
		copy(cmd.Data(), buf)
	} else {
		copy(buf, cmd.Data())
	}

	if err := b.store.Done(cmd); err != nil {
		log.Warn().Err(err).Str("op", cmd.Op.String()).Send()
		return err
	}

	return nil
}

// Makes all previously written data durable.
func (b *bsmmap) synchronize() error {
	cmd := backingstore.Command{Op: backingstore.OpSynchronizeCache, Dev: b.dev}

	err := b.store.Submit(&cmd)
	if err != nil {
		log.Error().Err(err).Send()
		return err
	}

	return b.store.Done(&cmd)
}

// Before buse library starts communicating with the kernel we just report
// what is being served.
func (b *bsmmap) BusePreRun() {
	log.Info().
		Str("path", b.dev.Path).
		Int64("size", b.dev.Size).
		Int("page_size", b.dev.PageSize).
		Int("block_size", b.blockSize).
		Bool("durable", b.durable).
		Msg("Serving backing file")
}

// After disconnecting from the kernel module and just before shuting the
// daemon down we flush the backing file and close it.
func (b *bsmmap) BusePostRemove() {
	if err := b.synchronize(); err != nil {
		log.Error().Err(err).Msg("Final synchronize cache failed")
	}

	b.store.Close(b.dev)
}

// Parses write extent information from 32 bytes of raw memory. The memory is
// one write in metadata section of the chunk. Sector and length are stored in
// linux sectors, sequential number and flag are not needed here.
func parseExtent(b []byte) extent {
	return extent{
		offset: int64(binary.LittleEndian.Uint64(b[:8]) * sectorUnit),
		length: int64(binary.LittleEndian.Uint64(b[8:16]) * sectorUnit),
	}
}

func firstOf(first, err error) error {
	if first != nil {
		return first
	}
	return err
}
