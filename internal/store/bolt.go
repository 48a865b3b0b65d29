package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketState = []byte("state")
	keyState    = []byte("placewatch")
)

// BoltStore keeps the state document in a BoltDB file.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketState); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketState, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: path}, nil
}

func (s *BoltStore) Load(ctx context.Context) (State, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get(keyState)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return State{}, err
	}
	return decode(data)
}

func (s *BoltStore) Save(ctx context.Context, st State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyState, data)
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Name() string { return "bolt:" + s.path }
