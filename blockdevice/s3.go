package blockdevice

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/utahoram/pathoram/errs"
)

// s3Store is an ObjectStore backed by an S3 bucket. Modeled on
// persistent/s3.go's NewS3, trimmed to the Get/Set/Delete surface
// objectDevice needs; ObjectStoreOps in this package replaces a
// backend-specific S3Ops counter.
type s3Store struct {
	bucket   string
	prefix   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

// NewS3Store constructs an ObjectStore backed by bucket, storing every key
// under prefix. sess is an AWS session configured by the caller (region,
// credentials).
func NewS3Store(sess *session.Session, bucket, prefix string) ObjectStore {
	return &s3Store{
		bucket:   bucket,
		prefix:   prefix,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}
}

func (s *s3Store) key(k string) string { return s.prefix + k }

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	ObjectStoreOps.WithLabelValues("s3", "get", boolLabel(err == nil)).Inc()
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || strings.Contains(aerr.Code(), "NotFound")) {
			return nil, errObjectNotFound
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	defer out.Body.Close()
	return ioutil.ReadAll(out.Body)
}

func (s *s3Store) Set(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(data),
	})
	ObjectStoreOps.WithLabelValues("s3", "set", boolLabel(err == nil)).Inc()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	ObjectStoreOps.WithLabelValues("s3", "delete", boolLabel(err == nil)).Inc()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

type s3Factory struct {
	sess   *session.Session
	bucket string
	walDir string
}

// RegisterS3 installs the "s3" backend tag, backed by bucket in sess, with
// its write-ahead log kept under walDir.
func RegisterS3(sess *session.Session, bucket, walDir string) error {
	return Register("s3", &s3Factory{sess: sess, bucket: bucket, walDir: walDir})
}

func (f *s3Factory) Setup(ctx context.Context, name string, opts SetupOptions) (Device, error) {
	return newObjectDevice(ctx, "s3", f.walDir, NewS3Store(f.sess, f.bucket, name+"/"), opts)
}

func (f *s3Factory) Open(ctx context.Context, name string, opts OpenOptions) (Device, error) {
	return openObjectDevice(ctx, "s3", f.walDir, NewS3Store(f.sess, f.bucket, name+"/"), opts)
}
