package pipeline

import (
	"sync"

	"github.com/ancrage-ai/ancrage/store"
)

// StatusEvent is one document status change on the SSE feed.
type StatusEvent struct {
	DocumentID int64  `json:"document_id"`
	Status     string `json:"status"`
	Stage      string `json:"stage"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`
	ChunkCount int    `json:"chunk_count,omitempty"`
	PageCount  int    `json:"page_count,omitempty"`
}

// Terminal reports whether no further events will follow.
func (ev StatusEvent) Terminal() bool {
	return ev.Status == store.StatusCompleted || ev.Status == store.StatusFailed
}

// Hub fans document status events out to SSE subscribers. Subscribers
// attaching after a terminal event get that event as a snapshot and an
// immediately closed channel.
type Hub struct {
	mu   sync.Mutex
	subs map[int64]map[chan StatusEvent]struct{}
	last map[int64]StatusEvent
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[int64]map[chan StatusEvent]struct{}),
		last: make(map[int64]StatusEvent),
	}
}

// Subscribe returns a channel of status events for one document and a
// cancel function the subscriber must call when done. The last known
// event, if any, is delivered first.
func (h *Hub) Subscribe(docID int64) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 16)

	h.mu.Lock()
	last, seen := h.last[docID]
	if seen {
		ch <- last
	}
	if seen && last.Terminal() {
		close(ch)
		h.mu.Unlock()
		return ch, func() {}
	}
	if h.subs[docID] == nil {
		h.subs[docID] = make(map[chan StatusEvent]struct{})
	}
	h.subs[docID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[docID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, docID)
			}
		}
	}
	return ch, cancel
}

// Publish records the event and delivers it to subscribers. A slow
// subscriber's full buffer drops the event rather than blocking the
// pipeline. Terminal events close every subscription.
func (h *Hub) Publish(ev StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last[ev.DocumentID] = ev
	for ch := range h.subs[ev.DocumentID] {
		select {
		case ch <- ev:
		default:
		}
		if ev.Terminal() {
			close(ch)
		}
	}
	if ev.Terminal() {
		delete(h.subs, ev.DocumentID)
	}
}

// Forget drops the retained snapshot, used when a document is deleted.
func (h *Hub) Forget(docID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, docID)
	for ch := range h.subs[docID] {
		close(ch)
	}
	delete(h.subs, docID)
}
