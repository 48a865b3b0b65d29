package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Backblaze/blazer/b2"
)

// B2Options configures the Backblaze B2 backend.
type B2Options struct {
	AccountID      string
	ApplicationKey string
	Bucket         string
	Object         string
}

type b2Blob struct {
	bucket *b2.Bucket
	name   string
	object string
}

// NewB2Store returns a Store backed by one B2 object.
func NewB2Store(ctx context.Context, o B2Options) (Store, error) {
	if o.AccountID == "" || o.ApplicationKey == "" || o.Bucket == "" {
		return nil, errors.New("b2 account, application key and bucket are required")
	}
	client, err := b2.NewClient(ctx, o.AccountID, o.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, o.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", o.Bucket, err)
	}
	return &blobStore{b: &b2Blob{bucket: bucket, name: o.Bucket, object: o.Object}}, nil
}

func (b *b2Blob) get(ctx context.Context) ([]byte, error) {
	r := b.bucket.Object(b.object).NewReader(ctx)
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		if b2.IsNotExist(err) {
			return nil, errNotExist
		}
		return nil, err
	}
	return data, nil
}

func (b *b2Blob) put(ctx context.Context, data []byte) error {
	w := b.bucket.Object(b.object).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *b2Blob) close() error { return nil }

func (b *b2Blob) describe() string { return "b2://" + b.name + "/" + b.object }
