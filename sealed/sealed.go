// Package sealed implements a block-encryption layer wrapped around a
// blockdevice.Device. Every block handed to a caller is plaintext; every
// block that touches the underlying Device is ciphertext. Modeled on
// persistent/encryption.go's WithEncryption, generalized from a single
// fixed AES-GCM mode to two selectable modes: authenticated (GCM) and
// unauthenticated (CTR).
package sealed

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/utahoram/pathoram/blockdevice"
	"github.com/utahoram/pathoram/errs"
)

// Mode selects the block cipher mode used for block payloads. The device
// header is always sealed with GCM regardless of Mode, since it is read
// once per Open and its small, fixed size makes the authentication
// overhead irrelevant.
type Mode int

const (
	// ModeGCM authenticates every block in addition to encrypting it. This
	// is the default and the only mode Open will accept without the caller
	// explicitly opting out of authentication.
	ModeGCM Mode = iota
	// ModeCTR encrypts without authentication. A corrupted or substituted
	// ciphertext block decrypts to garbage rather than failing closed, so
	// Open refuses this mode unless AllowUnauthenticatedMode is set.
	ModeCTR
)

// binder is implemented by blockdevice backends (file, mmap) whose physical
// block size isn't known until a higher layer tells them, because the size
// depends on which Mode is in play. Backends with no such ambiguity (memory,
// the object-store-backed ones) don't implement it, and Bind is a no-op for
// them.
type binder interface {
	Bind(blockSize int) error
}

// blockAADLabel is the AAD domain separator mixed into every block's AEAD
// authentication (or, for CTR, simply absent since CTR has no AAD concept).
// Modeled on persistent/encryption.go's block-index AAD, extended with a
// static label so a ciphertext can never be replayed as the header and vice
// versa.
const blockAADLabel = "block"

// Device wraps a blockdevice.Device so that every block it exchanges with
// callers is plaintext, and every block it exchanges with the wrapped
// Device is ciphertext.
type Device struct {
	base blockdevice.Device
	aead cipher.AEAD // always present, used for the header and for ModeGCM
	blk  cipher.Block
	mode Mode

	logicalBlockSize int
}

// SetupOptions configures Setup. Key must be 16, 24, or 32 bytes (AES-128,
// AES-192, or AES-256). HeaderData is the caller's plaintext header; it is
// sealed before being handed to the underlying blockdevice.
type SetupOptions struct {
	BlockSize  int
	BlockCount int64

	HeaderData     []byte
	Initialize     blockdevice.InitializeFunc
	IgnoreExisting bool

	Key  []byte
	Mode Mode
}

// OpenOptions configures Open.
type OpenOptions struct {
	IgnoreLock bool

	Key  []byte
	Mode Mode
	// AllowUnauthenticatedMode must be set to open a device in ModeCTR:
	// unauthenticated encryption is available but never the silent default.
	AllowUnauthenticatedMode bool
}

func newCiphers(key []byte) (cipher.Block, cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, nil, fmt.Errorf("%w: key must be 16, 24, or 32 bytes, got %d", errs.ErrInvalidArgument, len(key))
	}
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	return blk, aead, nil
}

// DeriveKey derives a 32-byte AES-256 key from a password, for callers that
// manage a passphrase rather than a raw key. Uses the same derivation as
// persistent/encryption.go's WithEncryption (PBKDF2-HMAC-SHA1, 4096
// iterations, a fixed salt); the fixed salt means a given password always
// derives the same key, which is what lets a device be reopened later with
// only the password.
func DeriveKey(password string) []byte {
	return pbkdf2.Key([]byte(password), []byte("7fedd6d671beec56"), 4096, 32, sha1.New)
}

// sealHeader encrypts mode_flag:1 || plaintext as a single GCM payload, so
// the mode byte is authenticated along with the caller's header and never
// appears in the clear.
func sealHeader(aead cipher.AEAD, mode Mode, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	inner := make([]byte, 1+len(plaintext))
	inner[0] = byte(mode)
	copy(inner[1:], plaintext)
	ct := aead.Seal(nil, nonce, inner, []byte("header"))
	out := make([]byte, len(nonce)+len(ct))
	copy(out, nonce)
	copy(out[len(nonce):], ct)
	return out, nil
}

func openHeader(aead cipher.AEAD, sealedHeader []byte) (mode Mode, plaintext []byte, err error) {
	ns := aead.NonceSize()
	if len(sealedHeader) < ns {
		return 0, nil, fmt.Errorf("%w: header shorter than a nonce", errs.ErrIntegrityViolation)
	}
	nonce, ct := sealedHeader[:ns], sealedHeader[ns:]
	inner, err := aead.Open(nil, nonce, ct, []byte("header"))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: header authentication failed: %v", errs.ErrAuthenticationFailure, err)
	}
	if len(inner) < 1 {
		return 0, nil, fmt.Errorf("%w: header plaintext is empty", errs.ErrIntegrityViolation)
	}
	return Mode(inner[0]), inner[1:], nil
}

// physicalBlockSize returns the ciphertext size produced for a logical
// block of size logicalSize under mode.
func physicalBlockSize(mode Mode, aead cipher.AEAD, logicalSize int) int {
	switch mode {
	case ModeCTR:
		return aes.BlockSize + logicalSize // IV || ciphertext
	default: // ModeGCM
		return aead.NonceSize() + logicalSize + aead.Overhead()
	}
}

// Setup allocates a new sealed device over the named backend tag, sealing
// opts.HeaderData and every initial block before they ever reach the
// underlying blockdevice.
func Setup(ctx context.Context, tag, name string, opts SetupOptions) (*Device, error) {
	if opts.BlockSize <= 0 || opts.BlockCount <= 0 {
		return nil, fmt.Errorf("%w: block size and block count must be positive", errs.ErrInvalidArgument)
	}
	blk, aead, err := newCiphers(opts.Key)
	if err != nil {
		return nil, err
	}

	sealedHeader, err := sealHeader(aead, opts.Mode, opts.HeaderData)
	if err != nil {
		return nil, err
	}

	physSize := physicalBlockSize(opts.Mode, aead, opts.BlockSize)
	d := &Device{aead: aead, blk: blk, mode: opts.Mode, logicalBlockSize: opts.BlockSize}

	var initErr error
	initFn := func(i int64) []byte {
		var plain []byte
		if opts.Initialize != nil {
			plain = opts.Initialize(i)
		}
		if len(plain) != opts.BlockSize {
			full := make([]byte, opts.BlockSize)
			copy(full, plain)
			plain = full
		}
		ct, err := d.seal(i, plain)
		if err != nil {
			initErr = err
			return make([]byte, physSize)
		}
		return ct
	}

	base, err := blockdevice.Setup(ctx, tag, name, blockdevice.SetupOptions{
		BlockSize:      physSize,
		BlockCount:     opts.BlockCount,
		HeaderData:     sealedHeader,
		Initialize:     initFn,
		IgnoreExisting: opts.IgnoreExisting,
	})
	if err != nil {
		return nil, err
	}
	if initErr != nil {
		base.Close(ctx)
		return nil, initErr
	}
	d.base = base
	return d, nil
}

// Open opens an existing sealed device. It reads and authenticates the
// header before requesting the block device bind to its physical block
// size, since that size depends on which Mode the header declares.
func Open(ctx context.Context, tag, name string, opts OpenOptions) (*Device, error) {
	if opts.Mode == ModeCTR && !opts.AllowUnauthenticatedMode {
		return nil, fmt.Errorf("%w: ModeCTR requires AllowUnauthenticatedMode", errs.ErrInvalidArgument)
	}
	blk, aead, err := newCiphers(opts.Key)
	if err != nil {
		return nil, err
	}

	base, err := blockdevice.Open(ctx, tag, name, blockdevice.OpenOptions{IgnoreLock: opts.IgnoreLock})
	if err != nil {
		return nil, err
	}

	mode, _, err := openHeader(aead, base.HeaderData())
	if err != nil {
		base.Close(ctx)
		return nil, err
	}
	if mode != opts.Mode {
		base.Close(ctx)
		return nil, fmt.Errorf("%w: device was sealed with a different mode than requested", errs.ErrInvalidArgument)
	}

	// Backends with an ambiguous on-disk block size (file, mmap) still
	// report BlockSize() == -1 here; the caller fixes it with
	// BindLogicalSize once it knows its own logical block size.
	return &Device{base: base, aead: aead, blk: blk, mode: mode}, nil
}

// BindLogicalSize tells the device the logical (plaintext) block size the
// caller expects, which fixes BlockSize/BlockCount on backends (file, mmap)
// whose physical size was unknown at Open time. Callers must invoke this
// exactly once after Open, before any other method; for backends that
// already know their physical block size it only records the logical size,
// which BlockSize, WriteBlock and WriteBlocks rely on.
func (d *Device) BindLogicalSize(logicalSize int) error {
	d.logicalBlockSize = logicalSize
	if b, ok := d.base.(binder); ok {
		return b.Bind(physicalBlockSize(d.mode, d.aead, logicalSize))
	}
	return nil
}

func blockAAD(i int64) []byte {
	return []byte(fmt.Sprintf("%s:%x", blockAADLabel, i))
}

func (d *Device) seal(i int64, plaintext []byte) ([]byte, error) {
	switch d.mode {
	case ModeCTR:
		iv := make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
		}
		stream := cipher.NewCTR(d.blk, iv)
		ct := make([]byte, len(plaintext))
		stream.XORKeyStream(ct, plaintext)
		return append(iv, ct...), nil
	default: // ModeGCM
		nonce := make([]byte, d.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
		}
		ct := d.aead.Seal(nil, nonce, plaintext, blockAAD(i))
		return append(nonce, ct...), nil
	}
}

func (d *Device) open(i int64, ciphertext []byte) ([]byte, error) {
	switch d.mode {
	case ModeCTR:
		if len(ciphertext) < aes.BlockSize {
			return nil, fmt.Errorf("%w: ciphertext shorter than an IV", errs.ErrIntegrityViolation)
		}
		iv, ct := ciphertext[:aes.BlockSize], ciphertext[aes.BlockSize:]
		stream := cipher.NewCTR(d.blk, iv)
		pt := make([]byte, len(ct))
		stream.XORKeyStream(pt, ct)
		return pt, nil
	default: // ModeGCM
		ns := d.aead.NonceSize()
		if len(ciphertext) < ns {
			return nil, fmt.Errorf("%w: ciphertext shorter than a nonce", errs.ErrIntegrityViolation)
		}
		pt, err := d.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], blockAAD(i))
		if err != nil {
			return nil, fmt.Errorf("%w: block authentication failed: %v", errs.ErrAuthenticationFailure, err)
		}
		return pt, nil
	}
}

// BlockSize returns the logical (plaintext) block size.
func (d *Device) BlockSize() int    { return d.logicalBlockSize }
func (d *Device) BlockCount() int64 { return d.base.BlockCount() }

// HeaderData decrypts and returns the caller's plaintext header.
func (d *Device) HeaderData() []byte {
	_, pt, err := openHeader(d.aead, d.base.HeaderData())
	if err != nil {
		return nil
	}
	return pt
}

func (d *Device) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	ct, err := d.base.ReadBlock(ctx, i)
	if err != nil {
		return nil, err
	}
	return d.open(i, ct)
}

func (d *Device) WriteBlock(ctx context.Context, i int64, block []byte) error {
	if len(block) != d.logicalBlockSize {
		return fmt.Errorf("%w: block has length %d, want %d", errs.ErrInvalidArgument, len(block), d.logicalBlockSize)
	}
	ct, err := d.seal(i, block)
	if err != nil {
		return err
	}
	return d.base.WriteBlock(ctx, i, ct)
}

func (d *Device) ReadBlocks(ctx context.Context, indices []int64) (map[int64][]byte, error) {
	raw, err := d.base.ReadBlocks(ctx, indices)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]byte, len(raw))
	for i, ct := range raw {
		pt, err := d.open(i, ct)
		if err != nil {
			return nil, err
		}
		out[i] = pt
	}
	return out, nil
}

func (d *Device) WriteBlocks(ctx context.Context, blocks map[int64][]byte) error {
	raw := make(map[int64][]byte, len(blocks))
	for i, pt := range blocks {
		if len(pt) != d.logicalBlockSize {
			return fmt.Errorf("%w: block has length %d, want %d", errs.ErrInvalidArgument, len(pt), d.logicalBlockSize)
		}
		ct, err := d.seal(i, pt)
		if err != nil {
			return err
		}
		raw[i] = ct
	}
	return d.base.WriteBlocks(ctx, raw)
}

func (d *Device) UpdateHeaderData(ctx context.Context, newHeader []byte) error {
	sealedHeader, err := sealHeader(d.aead, d.mode, newHeader)
	if err != nil {
		return err
	}
	return d.base.UpdateHeaderData(ctx, sealedHeader)
}

func (d *Device) Close(ctx context.Context) error { return d.base.Close(ctx) }
