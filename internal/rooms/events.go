package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// StatusEvent is published whenever a chambre changes status.
type StatusEvent struct {
	Chambre   Chambre   `json:"chambre"`
	Timestamp time.Time `json:"timestamp"`
}

// Broker fans status events out to subscribers (room boards).
type Broker struct {
	mu   sync.RWMutex
	subs map[int]chan StatusEvent
	next int
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan StatusEvent)}
}

// Subscribe returns a channel of events that is closed when ctx ends.
func (b *Broker) Subscribe(ctx context.Context) <-chan StatusEvent {
	ch := make(chan StatusEvent, 16)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

// Publish never blocks: slow subscribers miss events.
func (b *Broker) Publish(ev StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

const keepAlive = 25 * time.Second

// streamEvents writes status changes as server-sent events until the client goes away.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Long-lived response: lift the server write deadline for this request.
	_ = rc.SetWriteDeadline(time.Time{})
	events := h.events.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.Error("status stream not flushable", "error", err)
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("encode status event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
				return
			}
			_ = rc.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
