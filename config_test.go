package pathoram

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utahoram/pathoram/sealed"
)

func TestConfigFromFileStrictlyRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("block_size: 256\nblock_count: 1024\nbogus_field: 1\n"), 0o600))

	_, err := ConfigFromFile(path)
	require.Error(t, err, "expected an error for an unrecognized yaml field")
}

func TestConfigFromFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "block_size: 256\n" +
		"block_count: 1024\n" +
		"storage_type: file\n" +
		"storage_name: /tmp/oram.db\n" +
		"aes_mode: gcm\n" +
		"key_size: 32\n" +
		"bucket_capacity: 4\n" +
		"heap_arity: 2\n" +
		"local_state_path: /tmp/oram-state.db\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := ConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 256, cfg.BlockSize)
	require.EqualValues(t, 1024, cfg.BlockCount)
	require.Equal(t, "file", cfg.StorageType)

	opts, err := cfg.SetupOptions(nil)
	require.NoError(t, err)
	require.Equal(t, 256, opts.BlockSize)
	require.EqualValues(t, 1024, opts.BlockCount)
	require.Equal(t, sealed.ModeGCM, opts.AESMode)
	require.Equal(t, 4, opts.BucketCapacity)
	require.Equal(t, 2, opts.HeapArity)

	openOpts, err := cfg.OpenOptions([]byte("a-key"))
	require.NoError(t, err)
	require.Equal(t, "file", openOpts.StorageTag)
	require.Equal(t, sealed.ModeGCM, openOpts.AESMode)
	require.Equal(t, "/tmp/oram-state.db", openOpts.LocalStatePath)
}

func TestConfigAESModeRejectsUnrecognizedValue(t *testing.T) {
	cfg := &Config{AESMode: "rot13"}
	_, err := cfg.SetupOptions(nil)
	require.Error(t, err)
}

func TestSetupOptionsValidate(t *testing.T) {
	cases := []struct {
		name    string
		opts    SetupOptions
		wantErr bool
	}{
		{"valid", SetupOptions{BlockSize: 256, BlockCount: 1}, false},
		{"zero block size", SetupOptions{BlockSize: 0, BlockCount: 1}, true},
		{"zero block count", SetupOptions{BlockSize: 256, BlockCount: 0}, true},
		{"key and key size both set", SetupOptions{BlockSize: 256, BlockCount: 1, Key: []byte("0123456789012345"), KeySize: 16}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.opts.validate()
			if c.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSetupOptionsDefaults(t *testing.T) {
	var o SetupOptions
	require.Equal(t, 4, o.bucketCapacity())
	require.Equal(t, 2, o.heapArity())

	o.BucketCapacity = 8
	o.HeapArity = 4
	require.Equal(t, 8, o.bucketCapacity())
	require.Equal(t, 4, o.heapArity())
}
