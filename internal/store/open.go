package store

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendFile  = "file"
	BackendBolt  = "bolt"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
	BackendAzure = "azure"
	BackendB2    = "b2"
)

// DefaultObjectKey names the state document in object stores.
const DefaultObjectKey = "placewatch/storage.json"

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Path is the file or bolt database path.
	Path string
	// Key is the object name in s3, gcs, azure and b2.
	Key string

	S3    S3Options
	GCS   GCSOptions
	Azure AzureOptions
	B2    B2Options
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	key := cfg.Key
	if key == "" {
		key = DefaultObjectKey
	}

	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", BackendFile:
		path := cfg.Path
		if path == "" {
			path = "storage.json"
		}
		s = NewFileStore(path)
	case BackendBolt:
		path := cfg.Path
		if path == "" {
			path = "placewatch.db"
		}
		s, err = NewBoltStore(path)
	case BackendS3:
		o := cfg.S3
		o.Key = key
		s, err = NewS3Store(ctx, o)
	case BackendGCS:
		o := cfg.GCS
		o.Object = key
		s, err = NewGCSStore(ctx, o)
	case BackendAzure:
		o := cfg.Azure
		o.Blob = key
		s, err = NewAzureStore(o)
	case BackendB2:
		o := cfg.B2
		o.Object = key
		s, err = NewB2Store(ctx, o)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Info("state store ready", "backend", s.Name())
	return s, nil
}
