// Package device provides byte-granular read/write/flush/truncate and page
// allocation primitives for both file-backed and in-memory environments.
// It is the lowest layer of the storage engine: the page manager is the
// only caller, and it never interprets the bytes it moves.
package device

import "errors"

// Errors returned by Device implementations.
var (
	ErrShortRead  = errors.New("device: read past end of file")
	ErrClosed     = errors.New("device: device is closed")
	ErrNoSpace    = errors.New("device: insufficient space")
	ErrBadAddress = errors.New("device: invalid address")
)

// Device is the contract both the file-backed and in-memory backends
// satisfy. Read/Write are synchronous and atomic only at the syscall
// level; callers orchestrate durability by calling Flush.
type Device interface {
	// ReadAt fills buf from the given byte offset.
	ReadAt(buf []byte, offset int64) error

	// WriteAt writes buf at the given byte offset.
	WriteAt(buf []byte, offset int64) error

	// AllocPage appends a zeroed page of the given size to the end of the
	// backing store and returns its byte offset ("address").
	AllocPage(size int) (int64, error)

	// Truncate shrinks or grows the backing store to exactly size bytes.
	Truncate(size int64) error

	// Flush makes all prior writes durable. It is a no-op for the memory
	// device and an fsync for the file device when durable-sync is set.
	Flush() error

	// Size returns the current size of the backing store in bytes.
	Size() (int64, error)

	// Close releases OS resources held by the device.
	Close() error
}
