package presence

import (
	"context"
	"sort"
	"sync"
)

// Hub is an in-process Channel. It keeps the last state of every session
// and replays it to new subscribers, so late joiners see current locks.
// The server's WebSocket relay keeps one Hub per document.
type Hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]func(Message)
	last   map[string]Message
	closed bool
}

var _ Channel = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]func(Message)),
		last: make(map[string]Message),
	}
}

// Publish delivers msg to every subscriber synchronously.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	sid := msg.State.User.SessionID
	if msg.Type == MessageLeave {
		delete(h.last, sid)
	} else {
		h.last[sid] = msg
	}
	fns := h.subscribers()
	h.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
	return nil
}

// Subscribe registers fn and replays the known states to it.
func (h *Hub) Subscribe(fn func(Message)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn

	sids := make([]string, 0, len(h.last))
	for sid := range h.last {
		sids = append(sids, sid)
	}
	sort.Strings(sids)
	replay := make([]Message, 0, len(sids))
	for _, sid := range sids {
		replay = append(replay, h.last[sid])
	}
	h.mu.Unlock()

	for _, msg := range replay {
		fn(msg)
	}
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Sessions returns the session ids with a published state.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.last))
	for sid := range h.last {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Close drops all subscribers. Later publishes fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[int]func(Message))
	return nil
}

func (h *Hub) subscribers() []func(Message) {
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Message), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	return fns
}
