// Package websocket streams watcher events to websocket clients.
package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanternops/placewatch/internal/events"
	"github.com/lanternops/placewatch/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Source hands out event subscriptions. *events.Broker satisfies it.
type Source interface {
	Subscribe() events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// Streamer upgrades requests and forwards every published event as one
// JSON text frame. Clients only receive; anything they send is discarded.
type Streamer struct {
	source   Source
	upgrader websocket.Upgrader
}

func NewStreamer(source Source) *Streamer {
	return &Streamer{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP handles one client. An optional repeated "type" query
// parameter limits the stream to those event types.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var filter map[events.EventType]bool
	if types := r.URL.Query()["type"]; len(types) > 0 {
		filter = make(map[events.EventType]bool, len(types))
		for _, t := range types {
			filter[events.EventType(t)] = true
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", "remote", r.RemoteAddr, logging.KeyError, err)
		return
	}

	sub := s.source.Subscribe()
	done := make(chan struct{})
	go readPump(conn, done)
	log.Debug("event stream opened", "remote", r.RemoteAddr)

	writePump(conn, sub, filter, done)
	s.source.Unsubscribe(sub)
	conn.Close()
	log.Debug("event stream closed", "remote", r.RemoteAddr)
}

// readPump keeps the read deadline moving on pongs and reports when the
// peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub events.Subscriber, filter map[events.EventType]bool, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case ev, ok := <-sub:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if filter != nil && !filter[ev.Type] {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warn("event encode failed", logging.KeyError, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("write error", logging.KeyError, err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
