package pathoram

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/utahoram/pathoram/errs"
	"github.com/utahoram/pathoram/sealed"
)

// SetupOptions configures Setup: the logical shape of the ORAM (block size,
// block count, heap arity and capacity), the encryption and backend choice,
// and the ambient additions (progress sink, local state path) that make a
// session usable beyond a single process.
type SetupOptions struct {
	// BlockSize is S, the payload size of one logical block.
	BlockSize int
	// BlockCount is M, the number of logical blocks the ORAM exposes.
	BlockCount int64

	StorageTag  string // "file", "mmap", "memory", "s3", "b2", "gcs", "remote"
	StorageName string

	AESMode sealed.Mode
	Key     []byte // mutually exclusive with KeySize
	KeySize int    // 16, 24, or 32; a key is generated if Key is nil

	BucketCapacity int // Z, default 4
	HeapArity      int // k, default 2

	HeaderData     []byte
	Initialize     func(id int64) []byte
	IgnoreExisting bool

	// LocalStatePath is where the position map and stash are persisted
	// between sessions: this client-side state is never written to the
	// untrusted device. Required for the sqlite-backed position map;
	// ignored for an in-memory-only session.
	LocalStatePath string

	Progress ProgressSink
}

// OpenOptions configures Open.
type OpenOptions struct {
	StorageTag  string
	StorageName string

	AESMode                  sealed.Mode
	Key                      []byte
	AllowUnauthenticatedMode bool

	IgnoreLock bool

	LocalStatePath string

	Progress ProgressSink
}

func (o SetupOptions) validate() error {
	if o.BlockSize <= 0 || o.BlockCount <= 0 {
		return fmt.Errorf("%w: block size and block count must be positive", errs.ErrInvalidArgument)
	}
	if len(o.Key) > 0 && o.KeySize > 0 {
		return fmt.Errorf("%w: key and key_size are mutually exclusive", errs.ErrInvalidArgument)
	}
	return nil
}

func (o SetupOptions) bucketCapacity() int {
	if o.BucketCapacity > 0 {
		return o.BucketCapacity
	}
	return 4
}

func (o SetupOptions) heapArity() int {
	if o.HeapArity > 0 {
		return o.HeapArity
	}
	return 2
}

// Config is a yaml-tagged, file-loadable mirror of SetupOptions/OpenOptions,
// for a caller's own CLI or service to configure an Engine from a file.
// Modeled on cmd/internal/config/config.go's Client/Server structs and its
// use of yaml.UnmarshalStrict to reject unknown fields rather than silently
// ignoring typos.
type Config struct {
	BlockSize      int    `yaml:"block_size"`
	BlockCount     int64  `yaml:"block_count"`
	StorageType    string `yaml:"storage_type"`
	StorageName    string `yaml:"storage_name"`
	AESMode        string `yaml:"aes_mode"`
	KeySize        int    `yaml:"key_size"`
	BucketCapacity int    `yaml:"bucket_capacity"`
	HeapArity      int    `yaml:"heap_arity"`
	IgnoreExisting bool   `yaml:"ignore_existing"`
	IgnoreLock     bool   `yaml:"ignore_lock"`
	LocalStatePath string `yaml:"local_state_path"`

	// AllowUnauthenticatedMode must be set to open a device whose aes_mode
	// is "ctr"; see OpenOptions.AllowUnauthenticatedMode.
	AllowUnauthenticatedMode bool `yaml:"allow_unauthenticated_mode"`
}

// ConfigFromFile loads and strictly validates a Config from a yaml file.
func ConfigFromFile(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	return cfg, nil
}

func (c *Config) aesMode() (sealed.Mode, error) {
	switch c.AESMode {
	case "", "gcm":
		return sealed.ModeGCM, nil
	case "ctr":
		return sealed.ModeCTR, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized aes_mode %q", errs.ErrInvalidArgument, c.AESMode)
	}
}

// SetupOptions translates a Config into SetupOptions, generating a fresh
// key of KeySize bytes if none is supplied separately by the caller.
func (c *Config) SetupOptions(key []byte) (SetupOptions, error) {
	mode, err := c.aesMode()
	if err != nil {
		return SetupOptions{}, err
	}
	return SetupOptions{
		BlockSize:      c.BlockSize,
		BlockCount:     c.BlockCount,
		StorageTag:     c.StorageType,
		StorageName:    c.StorageName,
		AESMode:        mode,
		Key:            key,
		KeySize:        c.KeySize,
		BucketCapacity: c.BucketCapacity,
		HeapArity:      c.HeapArity,
		IgnoreExisting: c.IgnoreExisting,
		LocalStatePath: c.LocalStatePath,
	}, nil
}

// OpenOptions translates a Config into OpenOptions.
func (c *Config) OpenOptions(key []byte) (OpenOptions, error) {
	mode, err := c.aesMode()
	if err != nil {
		return OpenOptions{}, err
	}
	return OpenOptions{
		StorageTag:               c.StorageType,
		StorageName:              c.StorageName,
		AESMode:                  mode,
		Key:                      key,
		AllowUnauthenticatedMode: c.AllowUnauthenticatedMode,
		IgnoreLock:               c.IgnoreLock,
		LocalStatePath:           c.LocalStatePath,
	}, nil
}
