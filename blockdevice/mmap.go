package blockdevice

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/utahoram/pathoram/errs"
)

// mmapLayout is a memory-mapped variant of fileLayout: same on-disk layout,
// but reads and writes hit a mapped region instead of going through
// ReadAt/WriteAt syscalls. Uses golang.org/x/sys/unix for Mmap/Munmap/Msync
// rather than a dedicated mmap library, since none is otherwise needed here.
type mmapLayout struct {
	fh         *os.File
	data       []byte
	blockSize  int
	blockCount int64
	userHdrLen int
	dataOffset int64
	locked     bool
}

type mmapFactory struct{}

// RegisterMmap installs the "mmap" backend tag in the global registry.
func RegisterMmap() error { return Register("mmap", mmapFactory{}) }

func (mmapFactory) Setup(ctx context.Context, name string, opts SetupOptions) (Device, error) {
	// Delegate allocation and initial layout to the flat-file backend, then
	// reopen the result with a mapping. This keeps the on-disk bytes
	// byte-for-byte identical between the two backends.
	dev, err := (fileFactory{}).Setup(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	fl := dev.(*fileLayout)
	if err := fl.Close(ctx); err != nil {
		return nil, err
	}
	return mmapFactory{}.Open(ctx, name, OpenOptions{})
}

func (mmapFactory) Open(ctx context.Context, name string, opts OpenOptions) (Device, error) {
	fh, err := os.OpenFile(name, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %v", errs.ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}

	hdr, hdrLen, err := readHeader(fh)
	if err != nil {
		fh.Close()
		return nil, err
	}
	if len(hdr) < 1 {
		fh.Close()
		return nil, fmt.Errorf("%w: header too short to carry the lock flag", errs.ErrNotFound)
	}
	if hdr[0] != 0 && !opts.IgnoreLock {
		fh.Close()
		return nil, errs.ErrLocked
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	data, err := unix.Mmap(int(fh.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("%w: mmap failed: %v", errs.ErrBackendIO, err)
	}

	ml := &mmapLayout{
		fh:         fh,
		data:       data,
		userHdrLen: len(hdr) - 1,
		dataOffset: 4 + int64(hdrLen),
		blockSize:  -1,
		blockCount: info.Size() - (4 + int64(hdrLen)),
	}
	if err := unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Munmap(data)
		fh.Close()
		return nil, fmt.Errorf("%w: failed to acquire advisory lock: %v", errs.ErrLocked, err)
	}
	ml.data[4] = 1
	ml.locked = true
	return ml, nil
}

// Bind fixes the physical block size once the sealed layer knows it. See
// fileLayout.Bind for why this two-phase handshake exists.
func (ml *mmapLayout) Bind(blockSize int) error {
	if blockSize <= 0 {
		return fmt.Errorf("%w: block size must be positive", errs.ErrInvalidArgument)
	}
	remaining := int64(len(ml.data)) - ml.dataOffset
	if remaining%int64(blockSize) != 0 {
		return fmt.Errorf("%w: mapped region isn't a multiple of the block size", errs.ErrNotFound)
	}
	ml.blockSize = blockSize
	ml.blockCount = remaining / int64(blockSize)
	return nil
}

func (ml *mmapLayout) BlockSize() int    { return ml.blockSize }
func (ml *mmapLayout) BlockCount() int64 { return ml.blockCount }

func (ml *mmapLayout) HeaderData() []byte {
	return dup(ml.data[5 : 5+ml.userHdrLen])
}

func (ml *mmapLayout) offset(i int64) int64 { return ml.dataOffset + i*int64(ml.blockSize) }

func (ml *mmapLayout) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	if i < 0 || i >= ml.blockCount {
		return nil, fmt.Errorf("%w: block index %d out of range", errs.ErrInvalidArgument, i)
	}
	off := ml.offset(i)
	return dup(ml.data[off : off+int64(ml.blockSize)]), nil
}

func (ml *mmapLayout) WriteBlock(ctx context.Context, i int64, block []byte) error {
	if i < 0 || i >= ml.blockCount {
		return fmt.Errorf("%w: block index %d out of range", errs.ErrInvalidArgument, i)
	}
	if len(block) != ml.blockSize {
		return fmt.Errorf("%w: block has length %d, want %d", errs.ErrInvalidArgument, len(block), ml.blockSize)
	}
	off := ml.offset(i)
	copy(ml.data[off:off+int64(ml.blockSize)], block)
	return nil
}

func (ml *mmapLayout) ReadBlocks(ctx context.Context, indices []int64) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(indices))
	for _, i := range indices {
		b, err := ml.ReadBlock(ctx, i)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (ml *mmapLayout) WriteBlocks(ctx context.Context, blocks map[int64][]byte) error {
	for i, b := range blocks {
		if err := ml.WriteBlock(ctx, i, b); err != nil {
			return err
		}
	}
	return nil
}

func (ml *mmapLayout) UpdateHeaderData(ctx context.Context, newHeader []byte) error {
	if len(newHeader) != ml.userHdrLen {
		return fmt.Errorf("%w: new header length %d != old length %d", errs.ErrInvalidArgument, len(newHeader), ml.userHdrLen)
	}
	copy(ml.data[5:5+ml.userHdrLen], newHeader)
	return nil
}

func (ml *mmapLayout) Close(ctx context.Context) error {
	if err := unix.Msync(ml.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync failed: %v", errs.ErrBackendIO, err)
	}
	if ml.locked {
		ml.data[4] = 0
		unix.Flock(int(ml.fh.Fd()), unix.LOCK_UN)
		ml.locked = false
	}
	if err := unix.Munmap(ml.data); err != nil {
		return fmt.Errorf("%w: munmap failed: %v", errs.ErrBackendIO, err)
	}
	return ml.fh.Close()
}
