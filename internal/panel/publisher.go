package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/metrics"
	"github.com/lanternops/placewatch/internal/store"
)

var log = logging.L("panel")

var (
	// ErrStale is returned by a Surface when the pointed-to message or
	// channel is gone or no longer accessible.
	ErrStale = errors.New("panel: message is gone")
	// ErrNoChannel is returned by Ensure when there is neither a stored
	// panel nor a destination channel.
	ErrNoChannel = errors.New("panel: no destination channel")
)

// Surface is the chat-side display.
type Surface interface {
	EditPanel(ctx context.Context, ptr store.PanelPointer, snap Snapshot) error
	CreatePanel(ctx context.Context, channelID string, snap Snapshot) (messageID string, err error)
}

// Outcome reports what a best-effort publish did.
type Outcome string

const (
	Reused    Outcome = "reused"
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Recreated Outcome = "recreated"
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
)

// Publisher owns the panel pointer. It is safe for concurrent use: opMu
// serialises publishes, mu guards the fields readers look at.
type Publisher struct {
	surface Surface
	store   store.Store
	now     func() time.Time

	opMu sync.Mutex
	last *Snapshot

	mu      sync.RWMutex
	opts    Options
	pointer store.PanelPointer
}

func NewPublisher(surface Surface, st store.Store, opts Options) *Publisher {
	return &Publisher{surface: surface, store: st, opts: opts, now: time.Now}
}

// WithClock replaces the time source used for footer stamps.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// Load reads the persisted pointer. A load failure is logged and treated as
// no panel yet.
func (p *Publisher) Load(ctx context.Context) store.PanelPointer {
	st, err := p.store.Load(ctx)
	if err != nil {
		log.Warn("could not load panel pointer, a new panel will be created", logging.KeyError, err)
		return store.PanelPointer{}
	}
	p.setPointer(st.Panel)
	if st.Panel.Valid() {
		log.Info("loaded panel pointer", logging.KeyChannelID, st.Panel.ChannelID, "messageId", st.Panel.MessageID)
	}
	return st.Panel
}

// Pointer returns the current panel pointer.
func (p *Publisher) Pointer() store.PanelPointer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pointer
}

func (p *Publisher) setPointer(ptr store.PanelPointer) {
	p.mu.Lock()
	p.pointer = ptr
	p.mu.Unlock()
}

// SetOptions swaps the static panel options used by later renders.
func (p *Publisher) SetOptions(opts Options) {
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

func (p *Publisher) Options() Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts
}

// Ensure makes sure a panel exists. A stored panel is reset to the waiting
// placeholder and reused. A stored panel that is gone (ErrStale) is
// forgotten and a new one is posted in channelID with its pointer persisted.
// Any other failure to reach the stored panel is returned and the pointer
// kept, so a transient error never leaves a second panel behind.
func (p *Publisher) Ensure(ctx context.Context, channelID string) (store.PanelPointer, Outcome, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	snap := Waiting(p.Options())
	if ptr := p.Pointer(); ptr.Valid() {
		err := p.surface.EditPanel(ctx, ptr, snap)
		if err == nil {
			p.last = &snap
			metrics.PanelUpdatesTotal.WithLabelValues(string(Reused)).Inc()
			return ptr, Reused, nil
		}
		if !errors.Is(err, ErrStale) {
			metrics.PanelUpdatesTotal.WithLabelValues(string(Failed)).Inc()
			return ptr, Failed, fmt.Errorf("reuse panel in %s: %w", ptr.ChannelID, err)
		}
		log.Info("stored panel is gone, creating a new one",
			logging.KeyChannelID, ptr.ChannelID, logging.KeyError, err)
		p.forget(ctx)
	}

	if channelID == "" {
		return store.PanelPointer{}, Failed, ErrNoChannel
	}
	ptr, err := p.create(ctx, channelID, snap)
	if err != nil {
		metrics.PanelUpdatesTotal.WithLabelValues(string(Failed)).Inc()
		return store.PanelPointer{}, Failed, err
	}
	metrics.PanelUpdatesTotal.WithLabelValues(string(Created)).Inc()
	return ptr, Created, nil
}

// Update renders st and pushes it. A stale pointer is replaced by a new
// panel in the same channel. Failures are logged and reported, never
// returned.
func (p *Publisher) Update(ctx context.Context, st State) Outcome {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	out := p.update(ctx, st)
	metrics.PanelUpdatesTotal.WithLabelValues(string(out)).Inc()
	return out
}

func (p *Publisher) update(ctx context.Context, st State) Outcome {
	ptr := p.Pointer()
	if !ptr.Valid() {
		return Skipped
	}
	snap := Render(st, p.Options(), p.now())

	err := p.surface.EditPanel(ctx, ptr, snap)
	if err == nil {
		p.last = &snap
		return Updated
	}
	if !errors.Is(err, ErrStale) {
		log.Warn("panel update failed", logging.KeyChannelID, ptr.ChannelID, logging.KeyError, err)
		return Failed
	}

	log.Info("panel message gone, recreating", logging.KeyChannelID, ptr.ChannelID)
	if _, err := p.create(ctx, ptr.ChannelID, snap); err != nil {
		log.Warn("panel recreate failed", logging.KeyChannelID, ptr.ChannelID, logging.KeyError, err)
		return Failed
	}
	return Recreated
}

// Annotate replaces the footer of the last published snapshot with a stop
// stamp. Best effort.
func (p *Publisher) Annotate(ctx context.Context) Outcome {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	ptr := p.Pointer()
	if !ptr.Valid() {
		return Skipped
	}
	opts := p.Options()
	snap := Waiting(opts)
	if p.last != nil {
		snap = *p.last
	}
	snap.Footer = "Stopped at: " + Stamp(p.now(), opts.Timezone)

	if err := p.surface.EditPanel(ctx, ptr, snap); err != nil {
		log.Debug("panel stop annotation failed", logging.KeyError, err)
		metrics.PanelUpdatesTotal.WithLabelValues(string(Failed)).Inc()
		return Failed
	}
	p.last = &snap
	metrics.PanelUpdatesTotal.WithLabelValues(string(Updated)).Inc()
	return Updated
}

// forget drops the pointer in memory and in the store. Callers hold p.opMu.
func (p *Publisher) forget(ctx context.Context) {
	p.setPointer(store.PanelPointer{})
	p.last = nil
	if err := p.store.Save(ctx, store.State{}); err != nil {
		log.Warn("could not clear panel pointer", logging.KeyError, err)
	}
}

// create posts a new panel and persists its pointer. Callers hold p.opMu.
func (p *Publisher) create(ctx context.Context, channelID string, snap Snapshot) (store.PanelPointer, error) {
	msgID, err := p.surface.CreatePanel(ctx, channelID, snap)
	if err != nil {
		return store.PanelPointer{}, fmt.Errorf("create panel in %s: %w", channelID, err)
	}
	ptr := store.PanelPointer{ChannelID: channelID, MessageID: msgID}
	p.setPointer(ptr)
	p.last = &snap

	if err := p.store.Save(ctx, store.State{Panel: ptr}); err != nil {
		log.Warn("could not persist panel pointer", logging.KeyError, err)
	}
	log.Info("panel created", logging.KeyChannelID, channelID, "messageId", msgID)
	return ptr, nil
}
