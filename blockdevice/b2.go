package blockdevice

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"

	backblaze "gopkg.in/kothar/go-backblaze.v0"

	"github.com/utahoram/pathoram/errs"
)

// b2Store is an ObjectStore backed by a Backblaze B2 bucket. Modeled on
// persistent/b2.go's NewB2: same client library, same bucket-name lookup at
// construction time, same per-operation counter (here unified into
// ObjectStoreOps rather than a dedicated B2Ops).
type b2Store struct {
	bucket *backblaze.Bucket
	prefix string
}

// NewB2Store constructs an ObjectStore against an existing B2 bucket named
// bucketName, reachable through client.
func NewB2Store(client *backblaze.B2, bucketName, prefix string) (ObjectStore, error) {
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	if bucket == nil {
		return nil, fmt.Errorf("%w: b2 bucket %q does not exist", errs.ErrNotFound, bucketName)
	}
	return &b2Store{bucket: bucket, prefix: prefix}, nil
}

func (s *b2Store) key(k string) string { return s.prefix + k }

func (s *b2Store) Get(ctx context.Context, key string) ([]byte, error) {
	_, body, err := s.bucket.DownloadFileByName(s.key(key))
	ObjectStoreOps.WithLabelValues("b2", "get", boolLabel(err == nil)).Inc()
	if err != nil {
		if b2err, ok := err.(*backblaze.B2Error); ok && b2err.Status == 404 {
			return nil, errObjectNotFound
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	defer body.Close()
	return ioutil.ReadAll(body)
}

func (s *b2Store) Set(ctx context.Context, key string, data []byte) error {
	_, err := s.bucket.UploadFile(s.key(key), nil, bytes.NewReader(data))
	ObjectStoreOps.WithLabelValues("b2", "set", boolLabel(err == nil)).Inc()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

func (s *b2Store) Delete(ctx context.Context, key string) error {
	file, err := s.bucket.GetFileInfoByName(s.key(key))
	if err == nil && file != nil {
		_, err = s.bucket.DeleteFileVersion(file.Name, file.ID)
	}
	ObjectStoreOps.WithLabelValues("b2", "delete", boolLabel(err == nil)).Inc()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

type b2Factory struct {
	client     *backblaze.B2
	bucketName string
	walDir     string
}

// RegisterB2 installs the "b2" backend tag, backed by bucketName in client.
func RegisterB2(client *backblaze.B2, bucketName, walDir string) error {
	return Register("b2", &b2Factory{client: client, bucketName: bucketName, walDir: walDir})
}

func (f *b2Factory) Setup(ctx context.Context, name string, opts SetupOptions) (Device, error) {
	store, err := NewB2Store(f.client, f.bucketName, name+"/")
	if err != nil {
		return nil, err
	}
	return newObjectDevice(ctx, "b2", f.walDir, store, opts)
}

func (f *b2Factory) Open(ctx context.Context, name string, opts OpenOptions) (Device, error) {
	store, err := NewB2Store(f.client, f.bucketName, name+"/")
	if err != nil {
		return nil, err
	}
	return openObjectDevice(ctx, "b2", f.walDir, store, opts)
}
