package blockdevice

import (
	"context"
	"fmt"
	"sync"

	"github.com/utahoram/pathoram/errs"
)

// memoryDevice is an in-memory Device, used by tests and by callers that
// want an ORAM backed purely by RAM. Modeled on persistent/block_storage.go's
// blockMemory, extended with the header blob and lock flag the full Device
// contract needs.
type memoryDevice struct {
	mu sync.Mutex

	blockSize int
	blocks    map[int64][]byte
	count     int64
	header    []byte
	locked    bool
}

type memoryFactory struct {
	mu      sync.Mutex
	devices map[string]*memoryDevice
}

// RegisterMemory installs the "memory" backend tag in the global registry.
// Devices created under the same name share state for the lifetime of the
// process, the way a real named backend would persist across Open calls.
func RegisterMemory() error {
	return Register("memory", &memoryFactory{devices: make(map[string]*memoryDevice)})
}

func (f *memoryFactory) Setup(ctx context.Context, name string, opts SetupOptions) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.devices[name]; ok && !opts.IgnoreExisting {
		return nil, errs.ErrAlreadyExists
	}

	dev := &memoryDevice{
		blockSize: opts.BlockSize,
		blocks:    make(map[int64][]byte, opts.BlockCount),
		count:     opts.BlockCount,
		header:    dup(opts.HeaderData),
	}
	for i := int64(0); i < opts.BlockCount; i++ {
		block := make([]byte, opts.BlockSize)
		if opts.Initialize != nil {
			copy(block, opts.Initialize(i))
		}
		dev.blocks[i] = block
	}
	f.devices[name] = dev
	return dev, nil
}

func (f *memoryFactory) Open(ctx context.Context, name string, opts OpenOptions) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dev, ok := f.devices[name]
	if !ok {
		return nil, errs.ErrNotFound
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.locked && !opts.IgnoreLock {
		return nil, errs.ErrLocked
	}
	dev.locked = true
	return dev, nil
}

func (md *memoryDevice) BlockSize() int    { return md.blockSize }
func (md *memoryDevice) BlockCount() int64 { return md.count }

func (md *memoryDevice) HeaderData() []byte {
	md.mu.Lock()
	defer md.mu.Unlock()
	return dup(md.header)
}

func (md *memoryDevice) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if i < 0 || i >= md.count {
		return nil, fmt.Errorf("%w: block index %d out of range", errs.ErrInvalidArgument, i)
	}
	return dup(md.blocks[i]), nil
}

func (md *memoryDevice) WriteBlock(ctx context.Context, i int64, block []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()
	if i < 0 || i >= md.count {
		return fmt.Errorf("%w: block index %d out of range", errs.ErrInvalidArgument, i)
	}
	if len(block) != md.blockSize {
		return fmt.Errorf("%w: block has length %d, want %d", errs.ErrInvalidArgument, len(block), md.blockSize)
	}
	md.blocks[i] = dup(block)
	return nil
}

func (md *memoryDevice) ReadBlocks(ctx context.Context, indices []int64) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(indices))
	for _, i := range indices {
		b, err := md.ReadBlock(ctx, i)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (md *memoryDevice) WriteBlocks(ctx context.Context, blocks map[int64][]byte) error {
	for i, b := range blocks {
		if err := md.WriteBlock(ctx, i, b); err != nil {
			return err
		}
	}
	return nil
}

func (md *memoryDevice) UpdateHeaderData(ctx context.Context, newHeader []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()
	if len(newHeader) != len(md.header) {
		return fmt.Errorf("%w: new header length %d != old length %d", errs.ErrInvalidArgument, len(newHeader), len(md.header))
	}
	md.header = dup(newHeader)
	return nil
}

func (md *memoryDevice) Close(ctx context.Context) error {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.locked = false
	return nil
}
