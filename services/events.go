package services

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/coordinator"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventHub fans coordinator transition events out to websocket subscribers.
// Events carry plaintext entity metadata only, so subscribing requires no
// authentication. A subscriber that cannot keep up is dropped rather than
// allowed to block the coordinator.
type EventHub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	out chan coordinator.Event
}

// NewEventHub creates an event hub.
func NewEventHub(log *slog.Logger) *EventHub {
	if log == nil {
		log = slog.Default()
	}
	return &EventHub{
		log:  log,
		subs: make(map[*subscriber]struct{}),
	}
}

// Emit implements coordinator.EventSink.
func (h *EventHub) Emit(ev coordinator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.out <- ev:
		default:
			// Slow consumer; close its channel and let the writer exit.
			close(sub.out)
			delete(h.subs, sub)
		}
	}
}

// HandleSubscribe upgrades the connection and streams events as JSON until
// the client disconnects.
func (h *EventHub) HandleSubscribe(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{out: make(chan coordinator.Event, 64)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	defer h.unsubscribe(sub)

	// Reads are discarded; a read error is how we learn the peer went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.out:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *EventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
	}
}
