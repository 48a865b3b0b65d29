// Package alert sends one-line notifications for watcher lifecycle and
// presence transitions. Delivery is best effort: failures are logged and
// counted, never returned.
package alert

import (
	"context"
	"fmt"
	"sync"

	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/metrics"
)

var log = logging.L("alert")

// Sender posts text to a channel.
type Sender interface {
	SendMessage(ctx context.Context, channelID, text string) error
}

// Outcome reports what Emit did.
type Outcome string

const (
	Delivered  Outcome = "delivered"
	Suppressed Outcome = "suppressed"
	Failed     Outcome = "failed"
)

type Emitter struct {
	sender Sender

	mu          sync.RWMutex
	enabled     bool
	destination string
}

func NewEmitter(sender Sender, enabled bool) *Emitter {
	return &Emitter{sender: sender, enabled: enabled}
}

// SetEnabled toggles delivery.
func (e *Emitter) SetEnabled(on bool) {
	e.mu.Lock()
	e.enabled = on
	e.mu.Unlock()
}

func (e *Emitter) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// SetDestination sets the channel alerts go to.
func (e *Emitter) SetDestination(channelID string) {
	e.mu.Lock()
	e.destination = channelID
	e.mu.Unlock()
}

func (e *Emitter) Destination() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.destination
}

// Emit sends text unless alerts are off or no destination is known.
func (e *Emitter) Emit(ctx context.Context, text string) Outcome {
	e.mu.RLock()
	enabled, dest := e.enabled, e.destination
	e.mu.RUnlock()

	if !enabled || dest == "" {
		metrics.AlertsTotal.WithLabelValues(string(Suppressed)).Inc()
		return Suppressed
	}
	if err := e.sender.SendMessage(ctx, dest, text); err != nil {
		log.Warn("alert delivery failed", logging.KeyChannelID, dest, logging.KeyError, err)
		metrics.AlertsTotal.WithLabelValues(string(Failed)).Inc()
		return Failed
	}
	metrics.AlertsTotal.WithLabelValues(string(Delivered)).Inc()
	return Delivered
}

// Message texts.

func AlreadyPresent(name string) string {
	return fmt.Sprintf("🟢 **%s** is **already in the target game** (startup)", name)
}

func Joined(name string) string {
	return fmt.Sprintf("🟢 **%s** **joined** the target game", name)
}

func Left(name string) string {
	return fmt.Sprintf("🔴 **%s** **left** the target game", name)
}

func Booting(groupID int64, minRank int, placeID string) string {
	return fmt.Sprintf("🔄 **Booting watcher…** group **%d**, rank ≥ **%d**, place **%s**", groupID, minRank, placeID)
}

func Started(count int) string {
	return fmt.Sprintf("✅ **Watcher started** — watching **%d** users", count)
}

func Stopped() string {
	return "🛑 **Watcher stopped**"
}

func RosterRefreshed(count int) string {
	return fmt.Sprintf("↻ Roster refreshed — now watching **%d** users", count)
}

func RosterRetried(count int) string {
	return fmt.Sprintf("↻ Roster was empty, retried — now watching **%d** users", count)
}
