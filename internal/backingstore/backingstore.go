// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backingstore defines the contract between the daemon and a backing
// store strategy. A strategy opens a device, prepares a data buffer for every
// command on submit and releases whatever it attached on done. The daemon
// performs the actual data transfer through the buffer in between.
package backingstore

import (
	"os"
)

// BackingStore is implemented by every strategy able to serve commands for a
// device. All methods are synchronous and run to completion on the calling
// goroutine.
type BackingStore interface {
	// Opens the backing file for read-write access and determines its
	// size.
	Open(path string) (*Device, error)

	// Releases the file resource of the device.
	Close(dev *Device)

	// Prepares the data buffer of cmd. For cache synchronization requests
	// it performs the flush instead and returns its result.
	Submit(cmd *Command) error

	// Releases whatever Submit attached to cmd. Calling it again is a
	// no-op.
	Done(cmd *Command) error
}

// Device is an opened backing file. It is immutable between Open and Close
// and can be shared by any number of concurrent commands.
type Device struct {
	Path string
	File *os.File

	// Total size in bytes.
	Size int64

	// Alignment granularity of mappings created for this device.
	PageSize int
}

// Fd returns the file descriptor of the backing file.
func (d *Device) Fd() int {
	return int(d.File.Fd())
}

// Op is the operation kind of a command.
type Op byte

// Values follow the SCSI operation codes the daemon dispatches.
const (
	OpRead               Op = 0x28
	OpWrite              Op = 0x2a
	OpSynchronizeCache   Op = 0x35
	OpSynchronizeCache16 Op = 0x91
)

// IsSync reports whether the operation asks for previously written data to
// be made durable.
func (o Op) IsSync() bool {
	return o == OpSynchronizeCache || o == OpSynchronizeCache16
}

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSynchronizeCache:
		return "synchronize_cache"
	case OpSynchronizeCache16:
		return "synchronize_cache_16"
	}
	return "unknown"
}

// BufferKind tells what Done has to release for a command.
type BufferKind int

const (
	// Nothing is attached. Fresh, failed or completed command.
	BufferNone BufferKind = iota

	// Cache synchronization was performed, there is no data buffer.
	BufferPassthrough

	// Data is a view into the caller supplied buffer.
	BufferExternal

	// Data is a view into Window, a mapping owned by the strategy.
	BufferMapped
)

func (k BufferKind) String() string {
	switch k {
	case BufferNone:
		return "none"
	case BufferPassthrough:
		return "passthrough"
	case BufferExternal:
		return "external"
	case BufferMapped:
		return "mapped"
	}
	return "unknown"
}

// Buffer is the data buffer a strategy attaches to a command on submit.
type Buffer struct {
	Kind BufferKind

	// Bytes of the requested range. The caller transfers data through it.
	Data []byte

	// Whole page aligned mapping and its file offset. Set only for
	// BufferMapped.
	Window      []byte
	WindowStart int64
}

// Command is one in-flight I/O request against a device.
type Command struct {
	Op     Op
	Dev    *Device
	Offset int64
	Length int

	// Optional buffer pre-allocated by the caller. It spans the device
	// from offset 0, so the command data starts at Buffer[Offset].
	Buffer []byte

	// Set by the strategy on submit and cleared on done.
	Buf Buffer
}

// Data returns the buffer the caller uses for the transfer. It is valid only
// between a successful Submit and Done.
func (c *Command) Data() []byte {
	return c.Buf.Data
}

// Mapped reports whether Data comes from a mapping owned by the strategy.
func (c *Command) Mapped() bool {
	return c.Buf.Kind == BufferMapped
}

// InFlight reports whether something is attached to the command and Done has
// not been called yet.
func (c *Command) InFlight() bool {
	return c.Buf.Kind != BufferNone
}
