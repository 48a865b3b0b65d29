package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSOptions configures the Google Cloud Storage backend. An empty
// CredentialsFile uses application default credentials.
type GCSOptions struct {
	Bucket          string
	Object          string
	CredentialsFile string
}

type gcsBlob struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSStore returns a Store backed by one GCS object.
func NewGCSStore(ctx context.Context, o GCSOptions) (Store, error) {
	if o.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if o.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(o.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &blobStore{b: &gcsBlob{client: client, bucket: o.Bucket, object: o.Object}}, nil
}

func (b *gcsBlob) get(ctx context.Context) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(b.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errNotExist
		}
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *gcsBlob) put(ctx context.Context, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(b.object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *gcsBlob) close() error { return b.client.Close() }

func (b *gcsBlob) describe() string { return "gs://" + b.bucket + "/" + b.object }
