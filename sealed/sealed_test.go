package sealed

import (
	"bytes"
	"context"
	"testing"

	"github.com/utahoram/pathoram/blockdevice"
)

func init() {
	blockdevice.RegisterMemory()
}

var testKey = []byte("0123456789abcdef0123456789abcdef") // 32 bytes, AES-256

func TestRoundTripGCM(t *testing.T) {
	ctx := context.Background()
	dev, err := Setup(ctx, "memory", "gcm-roundtrip", SetupOptions{
		BlockSize:  64,
		BlockCount: 4,
		HeaderData: []byte("hello header"),
		Key:        testKey,
		Mode:       ModeGCM,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close(ctx)

	if got := dev.HeaderData(); string(got) != "hello header" {
		t.Fatalf("HeaderData() = %q, want %q", got, "hello header")
	}

	block := bytes.Repeat([]byte{0xAB}, 64)
	if err := dev.WriteBlock(ctx, 2, block); err != nil {
		t.Fatal(err)
	}
	got, err := dev.ReadBlock(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, block) {
		t.Fatalf("ReadBlock(2) = %x, want %x", got, block)
	}
}

func TestRoundTripCTR(t *testing.T) {
	ctx := context.Background()
	dev, err := Setup(ctx, "memory", "ctr-roundtrip", SetupOptions{
		BlockSize:  32,
		BlockCount: 2,
		HeaderData: []byte("h"),
		Key:        testKey,
		Mode:       ModeCTR,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close(ctx)

	block := bytes.Repeat([]byte{0x11}, 32)
	if err := dev.WriteBlock(ctx, 0, block); err != nil {
		t.Fatal(err)
	}
	got, err := dev.ReadBlock(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, block) {
		t.Fatalf("ReadBlock(0) = %x, want %x", got, block)
	}
}

func TestOpenCTRRequiresOptIn(t *testing.T) {
	ctx := context.Background()
	if _, err := Setup(ctx, "memory", "ctr-optin", SetupOptions{
		BlockSize: 16, BlockCount: 1, Key: testKey, Mode: ModeCTR,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := Open(ctx, "memory", "ctr-optin", OpenOptions{Key: testKey, Mode: ModeCTR})
	if err == nil {
		t.Fatal("Open in ModeCTR without AllowUnauthenticatedMode should fail")
	}

	dev, err := Open(ctx, "memory", "ctr-optin", OpenOptions{
		Key: testKey, Mode: ModeCTR, AllowUnauthenticatedMode: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	dev.Close(ctx)
}

func TestGCMDetectsTampering(t *testing.T) {
	ctx := context.Background()
	dev, err := Setup(ctx, "memory", "gcm-tamper", SetupOptions{
		BlockSize: 16, BlockCount: 1, HeaderData: nil, Key: testKey, Mode: ModeGCM,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close(ctx)

	if err := dev.WriteBlock(ctx, 0, bytes.Repeat([]byte{0x01}, 16)); err != nil {
		t.Fatal(err)
	}

	raw, err := dev.base.ReadBlock(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0xFF
	if err := dev.base.WriteBlock(ctx, 0, raw); err != nil {
		t.Fatal(err)
	}

	if _, err := dev.ReadBlock(ctx, 0); err == nil {
		t.Fatal("expected tampered GCM block to fail authentication")
	}
}

func TestKeyLengthValidation(t *testing.T) {
	ctx := context.Background()
	_, err := Setup(ctx, "memory", "bad-key", SetupOptions{
		BlockSize: 16, BlockCount: 1, Key: []byte("too-short"), Mode: ModeGCM,
	})
	if err == nil {
		t.Fatal("expected short key to be rejected")
	}
}

func TestDeriveKeyIsStable(t *testing.T) {
	a := DeriveKey("correct horse battery staple")
	b := DeriveKey("correct horse battery staple")
	if !bytes.Equal(a, b) {
		t.Fatal("DeriveKey should be deterministic for a fixed password")
	}
	if len(a) != 32 {
		t.Fatalf("DeriveKey length = %d, want 32", len(a))
	}
}
