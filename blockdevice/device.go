// Package blockdevice provides an opaque, fixed-size block array plus a
// small header blob, addressable by a tag (file, mmap, s3, b2, gcs, remote,
// memory). It is the only layer that touches an actual backing store;
// everything above it only ever sees ciphertext blocks and a block index.
package blockdevice

import (
	"context"
	"fmt"

	"github.com/utahoram/pathoram/errs"
)

// Device is the capability interface every backend implements: single-block
// and batch accessors, an atomic header blob, and a lock that's released by
// Close.
type Device interface {
	// BlockSize returns the fixed size, in bytes, of every block.
	BlockSize() int
	// BlockCount returns the number of addressable blocks.
	BlockCount() int64
	// HeaderData returns the current header blob.
	HeaderData() []byte

	// ReadBlock reads the block at index i. 0 <= i < BlockCount().
	ReadBlock(ctx context.Context, i int64) ([]byte, error)
	// WriteBlock writes block, which must have length BlockSize(), to index i.
	WriteBlock(ctx context.Context, i int64, block []byte) error

	// ReadBlocks reads many blocks in one round trip. The backend may
	// reorder the underlying I/O, but results come back indexed by the
	// requested index.
	ReadBlocks(ctx context.Context, indices []int64) (map[int64][]byte, error)
	// WriteBlocks writes many blocks in one round trip.
	WriteBlocks(ctx context.Context, blocks map[int64][]byte) error

	// UpdateHeaderData atomically replaces the header blob. len(new) must
	// equal len(old).
	UpdateHeaderData(ctx context.Context, newHeader []byte) error

	// Close releases any lock held on the device. Idempotent.
	Close(ctx context.Context) error
}

// InitializeFunc produces the initial plaintext for block i during Setup.
// A nil InitializeFunc means every block starts zeroed.
type InitializeFunc func(i int64) []byte

// SetupOptions configures Setup. BlockSize and BlockCount are required;
// everything else has a documented zero-value default.
type SetupOptions struct {
	BlockSize  int
	BlockCount int64

	HeaderData     []byte
	Initialize     InitializeFunc
	IgnoreExisting bool
}

// OpenOptions configures Open.
type OpenOptions struct {
	IgnoreLock bool
}

// Factory constructs a backend for a Setup or Open call. name is an
// implementation-defined locator (a file path, a URL, a bucket name) that
// has meaning only to that backend.
type Factory interface {
	Setup(ctx context.Context, name string, opts SetupOptions) (Device, error)
	Open(ctx context.Context, name string, opts OpenOptions) (Device, error)
}

var registry = map[string]Factory{}

// Register adds a named backend to the global registry. It fails with
// ErrInvalidArgument if the tag is already taken, or ErrTypeMismatch if
// factory is nil.
func Register(tag string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("%w: nil factory for tag %q", errs.ErrTypeMismatch, tag)
	}
	if _, ok := registry[tag]; ok {
		return fmt.Errorf("%w: backend tag %q is already registered", errs.ErrInvalidArgument, tag)
	}
	registry[tag] = factory
	return nil
}

// Setup allocates a new device of the named backend tag.
func Setup(ctx context.Context, tag, name string, opts SetupOptions) (Device, error) {
	f, err := lookup(tag)
	if err != nil {
		return nil, err
	}
	if opts.BlockSize <= 0 || opts.BlockCount <= 0 {
		return nil, fmt.Errorf("%w: block size and block count must be positive", errs.ErrInvalidArgument)
	}
	return f.Setup(ctx, name, opts)
}

// Open opens an existing device of the named backend tag.
func Open(ctx context.Context, tag, name string, opts OpenOptions) (Device, error) {
	f, err := lookup(tag)
	if err != nil {
		return nil, err
	}
	return f.Open(ctx, name, opts)
}

func lookup(tag string) (Factory, error) {
	f, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown storage backend tag %q", errs.ErrInvalidArgument, tag)
	}
	return f, nil
}

// ComputeStorageSize returns the number of bytes a device occupies on
// whatever medium stores it: a 4-byte header length field, the header
// payload, and blockCount physical blocks.
func ComputeStorageSize(blockSize int, blockCount int64, headerLen int, ignoreHeader bool) int64 {
	size := int64(blockSize) * blockCount
	if !ignoreHeader {
		size += 4 + int64(headerLen)
	}
	return size
}

// dup returns an independent copy of b.
func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
