package names

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternops/placewatch/pkg/roblox"
)

type fakeLookup struct {
	mu    sync.Mutex
	users map[string]roblox.User
	fail  map[string]bool
	calls map[string]int

	inFlight, maxInFlight atomic.Int32
	delay                 time.Duration
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{users: map[string]roblox.User{}, fail: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeLookup) User(ctx context.Context, id string) (roblox.User, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.fail[id] {
		return roblox.User{}, errors.New("lookup failed")
	}
	u, ok := f.users[id]
	if !ok {
		return roblox.User{ID: id}, nil
	}
	return u, nil
}

func (f *fakeLookup) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestResolvePrefersDisplayName(t *testing.T) {
	f := newFakeLookup()
	f.users["1"] = roblox.User{ID: "1", Name: "alpha", DisplayName: "Alpha"}
	f.users["2"] = roblox.User{ID: "2", Name: "bravo"}
	r := NewResolver(f)

	assert.Equal(t, "Alpha", r.Resolve(t.Context(), "1"))
	assert.Equal(t, "bravo", r.Resolve(t.Context(), "2"))
	assert.Equal(t, "3", r.Resolve(t.Context(), "3"), "both name fields empty falls back to the id")
}

func TestResolveCachesSuccess(t *testing.T) {
	f := newFakeLookup()
	f.users["1"] = roblox.User{ID: "1", DisplayName: "Alpha"}
	r := NewResolver(f)

	r.Resolve(t.Context(), "1")
	r.Resolve(t.Context(), "1")
	assert.Equal(t, 1, f.callsFor("1"))

	name, ok := r.Cached("1")
	require.True(t, ok)
	assert.Equal(t, "Alpha", name)
	assert.Equal(t, 1, r.Len())
}

func TestResolveFailureIsNotCached(t *testing.T) {
	f := newFakeLookup()
	f.fail["7"] = true
	r := NewResolver(f)

	assert.Equal(t, "7", r.Resolve(t.Context(), "7"))
	_, ok := r.Cached("7")
	assert.False(t, ok)

	f.mu.Lock()
	f.fail["7"] = false
	f.users["7"] = roblox.User{ID: "7", DisplayName: "Seven"}
	f.mu.Unlock()

	assert.Equal(t, "Seven", r.Resolve(t.Context(), "7"))
	assert.Equal(t, 2, f.callsFor("7"))
}

func TestResolveAllPreservesOrder(t *testing.T) {
	f := newFakeLookup()
	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		id := fmt.Sprint(100 + i)
		ids = append(ids, id)
		f.users[id] = roblox.User{ID: id, DisplayName: "user" + id}
	}
	f.fail["105"] = true
	r := NewResolver(f)

	got := r.ResolveAll(t.Context(), ids)
	require.Len(t, got, len(ids))
	for i, id := range ids {
		want := "user" + id
		if id == "105" {
			want = id
		}
		assert.Equal(t, want, got[i])
	}
}

func TestResolveAllBoundsConcurrency(t *testing.T) {
	f := newFakeLookup()
	f.delay = 2 * time.Millisecond
	ids := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		ids = append(ids, fmt.Sprint(i+1))
	}
	r := NewResolver(f)

	r.ResolveAll(t.Context(), ids)
	assert.LessOrEqual(t, int(f.maxInFlight.Load()), maxInFlight)
	assert.Equal(t, 200, r.Len())
}
