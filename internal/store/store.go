// Package store persists the panel pointer so a restart can reuse the
// existing panel message instead of posting a duplicate.
//
// Every backend stores the same small JSON document:
//
//	{"panel": {"channelId": "…", "messageId": "…"}}
//
// A missing document is not an error: Load returns the zero State.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lanternops/placewatch/internal/logging"
)

var log = logging.L("store")

// errNotExist is returned by blob backends when the document is absent.
var errNotExist = errors.New("store: document does not exist")

// PanelPointer locates the single live panel message.
type PanelPointer struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// Valid reports whether both ids are set.
func (p PanelPointer) Valid() bool {
	return p.ChannelID != "" && p.MessageID != ""
}

// State is the persisted document.
type State struct {
	Panel PanelPointer `json:"panel"`
}

// Store loads and saves State.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
	Close() error
	// Name identifies the backend in logs and status output.
	Name() string
}

// blob is a single-object backend. blobStore adapts it to Store.
type blob interface {
	get(ctx context.Context) ([]byte, error)
	put(ctx context.Context, data []byte) error
	close() error
	describe() string
}

type blobStore struct {
	b blob
}

func (s *blobStore) Load(ctx context.Context) (State, error) {
	data, err := s.b.get(ctx)
	if errors.Is(err, errNotExist) {
		log.Debug("no persisted state", "backend", s.b.describe())
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load state from %s: %w", s.b.describe(), err)
	}
	return decode(data)
}

func (s *blobStore) Save(ctx context.Context, st State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	if err := s.b.put(ctx, data); err != nil {
		return fmt.Errorf("save state to %s: %w", s.b.describe(), err)
	}
	return nil
}

func (s *blobStore) Close() error { return s.b.close() }

func (s *blobStore) Name() string { return s.b.describe() }

func encode(st State) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func decode(data []byte) (State, error) {
	var st State
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}
