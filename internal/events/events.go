// Package events fans watcher activity out to live subscribers such as the
// /events websocket stream.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened.
type EventType string

const (
	EventAlreadyPresent EventType = "presence.already_present"
	EventJoined         EventType = "presence.joined"
	EventLeft           EventType = "presence.left"
	EventWatcherStarted EventType = "watcher.started"
	EventWatcherStopped EventType = "watcher.stopped"
	EventRosterRefresh  EventType = "roster.refreshed"
	EventPollFailed     EventType = "poll.failed"
	EventHealthChanged  EventType = "health.changed"
)

// Event is one broadcast item.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber receives events.
type Subscriber chan *Event

// Broker distributes published events to every subscriber. Slow subscribers
// miss events rather than block publishers.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new buffered subscriber.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event. It never blocks: when the queue is full or the
// broker is stopped the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}
	select {
	case b.eventCh <- event:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
