package blockdevice

import (
	"context"
	"fmt"
	"io/ioutil"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/utahoram/pathoram/errs"
)

// gcsStore is an ObjectStore backed by a Google Cloud Storage bucket.
// Modeled on persistent/gcs.go's NewGCS: same client library, same bucket
// handle held for the object's lifetime.
type gcsStore struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore constructs an ObjectStore against bucketName through client.
func NewGCSStore(client *storage.Client, bucketName, prefix string) ObjectStore {
	return &gcsStore{bucket: client.Bucket(bucketName), prefix: prefix}
}

func (s *gcsStore) key(k string) string { return s.prefix + k }

func (s *gcsStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.Object(s.key(key)).NewReader(ctx)
	ObjectStoreOps.WithLabelValues("gcs", "get", boolLabel(err == nil)).Inc()
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, errObjectNotFound
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}

func (s *gcsStore) Set(ctx context.Context, key string, data []byte) error {
	w := s.bucket.Object(s.key(key)).NewWriter(ctx)
	_, werr := w.Write(data)
	cerr := w.Close()
	err := werr
	if err == nil {
		err = cerr
	}
	ObjectStoreOps.WithLabelValues("gcs", "set", boolLabel(err == nil)).Inc()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

func (s *gcsStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(s.key(key)).Delete(ctx)
	ObjectStoreOps.WithLabelValues("gcs", "delete", boolLabel(err == nil)).Inc()
	if err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

// exists reports whether any object lives under prefix without
// materializing every key in the bucket (iterator.Done signals an empty
// listing under the given prefix). Setup does not call it; it checks for the
// metadata object with Get instead.
func (s *gcsStore) exists(ctx context.Context, prefix string) (bool, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	_, err := it.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return true, nil
}

type gcsFactory struct {
	client     *storage.Client
	bucketName string
	walDir     string
}

// RegisterGCS installs the "gcs" backend tag, backed by bucketName in client.
func RegisterGCS(client *storage.Client, bucketName, walDir string) error {
	return Register("gcs", &gcsFactory{client: client, bucketName: bucketName, walDir: walDir})
}

func (f *gcsFactory) Setup(ctx context.Context, name string, opts SetupOptions) (Device, error) {
	return newObjectDevice(ctx, "gcs", f.walDir, NewGCSStore(f.client, f.bucketName, name+"/"), opts)
}

func (f *gcsFactory) Open(ctx context.Context, name string, opts OpenOptions) (Device, error) {
	return openObjectDevice(ctx, "gcs", f.walDir, NewGCSStore(f.client, f.bucketName, name+"/"), opts)
}
