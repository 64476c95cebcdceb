package blockdevice

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/utahoram/pathoram/errs"
)

// fileLayout implements a fixed on-disk layout:
//
//	[ HEADER_LEN:4 bytes, big-endian ]
//	[ HEADER payload ]
//	[ BLOCK 0 ] [ BLOCK 1 ] ... [ BLOCK N-1 ]
//
// The header payload itself is [ lock:1 byte | user header bytes ]; the lock
// byte is an in-band flag, backing the advisory OS lock, and is never
// exposed through HeaderData.
type fileLayout struct {
	fh         *os.File
	blockSize  int
	blockCount int64
	userHdrLen int
	dataOffset int64

	locked bool
}

type fileFactory struct{}

// RegisterFile installs the "file" backend tag in the global registry.
func RegisterFile() error { return Register("file", fileFactory{}) }

func (fileFactory) Setup(ctx context.Context, name string, opts SetupOptions) (Device, error) {
	if opts.BlockSize <= 0 || opts.BlockCount <= 0 {
		return nil, fmt.Errorf("%w: block size and block count must be positive", errs.ErrInvalidArgument)
	}

	flags := os.O_RDWR | os.O_CREATE
	if !opts.IgnoreExisting {
		flags |= os.O_EXCL
	}
	fh, err := os.OpenFile(name, flags, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %v", errs.ErrAlreadyExists, err)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	if opts.IgnoreExisting {
		if err := fh.Truncate(0); err != nil {
			fh.Close()
			return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
		}
	}

	hdr := make([]byte, 1+len(opts.HeaderData))
	copy(hdr[1:], opts.HeaderData)

	if err := writeHeader(fh, hdr); err != nil {
		fh.Close()
		return nil, err
	}

	dev := &fileLayout{
		fh:         fh,
		blockSize:  opts.BlockSize,
		blockCount: opts.BlockCount,
		userHdrLen: len(opts.HeaderData),
		dataOffset: 4 + int64(len(hdr)),
	}
	if err := dev.lock(); err != nil {
		fh.Close()
		return nil, err
	}

	for i := int64(0); i < opts.BlockCount; i++ {
		block := make([]byte, opts.BlockSize)
		if opts.Initialize != nil {
			copy(block, opts.Initialize(i))
		}
		if err := dev.WriteBlock(ctx, i, block); err != nil {
			fh.Close()
			return nil, err
		}
	}

	return dev, nil
}

func (fileFactory) Open(ctx context.Context, name string, opts OpenOptions) (Device, error) {
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

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	dataOffset := 4 + int64(hdrLen)

	dev := &fileLayout{
		fh:         fh,
		userHdrLen: len(hdr) - 1,
		dataOffset: dataOffset,
	}

	if hdr[0] != 0 {
		if !opts.IgnoreLock {
			fh.Close()
			return nil, errs.ErrLocked
		}
	}

	// blockSize/blockCount aren't stored in-band at this layer; a layer
	// above (sealed) knows the physical block size it expects and divides
	// the remaining file size by it. Expose the maximum possible count here;
	// Bind (called from sealed.Device.BindLogicalSize) corrects it once the
	// physical block size is known.
	dev.blockSize = -1
	remaining := info.Size() - dataOffset
	if remaining < 0 {
		fh.Close()
		return nil, fmt.Errorf("%w: file shorter than its own header claims", errs.ErrNotFound)
	}
	dev.blockCount = remaining

	if err := dev.lock(); err != nil {
		fh.Close()
		return nil, err
	}
	return dev, nil
}

// Bind fixes the physical block size once a higher layer (sealed) knows it,
// recomputing BlockCount from the file's actual length. Only valid right
// after Open, before any reads or writes.
func (fl *fileLayout) Bind(blockSize int) error {
	if blockSize <= 0 {
		return fmt.Errorf("%w: block size must be positive", errs.ErrInvalidArgument)
	}
	info, err := fl.fh.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	remaining := info.Size() - fl.dataOffset
	if remaining%int64(blockSize) != 0 {
		return fmt.Errorf("%w: file data region isn't a multiple of the block size", errs.ErrNotFound)
	}
	fl.blockSize = blockSize
	fl.blockCount = remaining / int64(blockSize)
	return nil
}

func (fl *fileLayout) lock() error {
	if err := unix.Flock(int(fl.fh.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("%w: failed to acquire advisory lock: %v", errs.ErrLocked, err)
	}
	// Flip the in-band flag too, so a process on a filesystem without flock
	// support (or a stale lock left by a crash) can still be detected.
	if _, err := fl.fh.WriteAt([]byte{1}, 4); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	fl.locked = true
	return nil
}

func writeHeader(fh *os.File, hdr []byte) error {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(hdr)))
	if _, err := fh.WriteAt(lenBuf, 0); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	if _, err := fh.WriteAt(hdr, 4); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

func readHeader(fh *os.File) (hdr []byte, hdrLen int, err error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(io.NewSectionReader(fh, 0, 4), lenBuf); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	n := int(binary.BigEndian.Uint32(lenBuf))
	hdr = make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(fh, 4, int64(n)), hdr); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return hdr, n, nil
}

func (fl *fileLayout) BlockSize() int    { return fl.blockSize }
func (fl *fileLayout) BlockCount() int64 { return fl.blockCount }

func (fl *fileLayout) HeaderData() []byte {
	hdr, _, err := readHeader(fl.fh)
	if err != nil || len(hdr) < 1 {
		return nil
	}
	return dup(hdr[1:])
}

func (fl *fileLayout) offset(i int64) int64 { return fl.dataOffset + i*int64(fl.blockSize) }

func (fl *fileLayout) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	if i < 0 || i >= fl.blockCount {
		return nil, fmt.Errorf("%w: block index %d out of range", errs.ErrInvalidArgument, i)
	}
	buf := make([]byte, fl.blockSize)
	if _, err := fl.fh.ReadAt(buf, fl.offset(i)); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return buf, nil
}

func (fl *fileLayout) WriteBlock(ctx context.Context, i int64, block []byte) error {
	if i < 0 || i >= fl.blockCount {
		return fmt.Errorf("%w: block index %d out of range", errs.ErrInvalidArgument, i)
	}
	if len(block) != fl.blockSize {
		return fmt.Errorf("%w: block has length %d, want %d", errs.ErrInvalidArgument, len(block), fl.blockSize)
	}
	if _, err := fl.fh.WriteAt(block, fl.offset(i)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

func (fl *fileLayout) ReadBlocks(ctx context.Context, indices []int64) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(indices))
	for _, i := range indices {
		b, err := fl.ReadBlock(ctx, i)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (fl *fileLayout) WriteBlocks(ctx context.Context, blocks map[int64][]byte) error {
	for i, b := range blocks {
		if err := fl.WriteBlock(ctx, i, b); err != nil {
			return err
		}
	}
	return nil
}

func (fl *fileLayout) UpdateHeaderData(ctx context.Context, newHeader []byte) error {
	if len(newHeader) != fl.userHdrLen {
		return fmt.Errorf("%w: new header length %d != old length %d", errs.ErrInvalidArgument, len(newHeader), fl.userHdrLen)
	}
	hdr := make([]byte, 1+len(newHeader))
	hdr[0] = 1 // preserve the lock flag; this device instance holds the lock.
	copy(hdr[1:], newHeader)
	if err := writeHeader(fl.fh, hdr); err != nil {
		return err
	}
	return nil
}

func (fl *fileLayout) Close(ctx context.Context) error {
	if fl.locked {
		fl.fh.WriteAt([]byte{0}, 4)
		unix.Flock(int(fl.fh.Fd()), unix.LOCK_UN)
		fl.locked = false
	}
	return fl.fh.Close()
}
