package bus

import (
	"encoding/json"
	"sync"
)

// pendingKind distinguishes the two correlation patterns.
type pendingKind int

const (
	pendingRespond pendingKind = iota // single reply resolves the call
	pendingCollect                    // replies accumulate until the window closes
)

// pending is one outstanding correlation entry. For "respond" entries the
// reply is delivered through ch (buffered, capacity 1) after the entry has
// been removed from the registry, which is what guarantees exactly-once
// resolution. For "collect" entries replies accumulate in arrival order
// under the registry lock.
type pending struct {
	kind      pendingKind
	ch        chan Response
	collected []json.RawMessage
}

// registry maps correlation ids to pending entries. All mutation happens
// under mu; delivery of a respond reply happens after the entry is gone, so
// a concurrent timeout can never observe a half-resolved entry.
type registry struct {
	mu      sync.Mutex
	entries map[string]*pending
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*pending)}
}

func (r *registry) addRespond(corr string) *pending {
	p := &pending{kind: pendingRespond, ch: make(chan Response, 1)}
	r.mu.Lock()
	r.entries[corr] = p
	r.mu.Unlock()
	return p
}

func (r *registry) addCollect(corr string) *pending {
	p := &pending{kind: pendingCollect}
	r.mu.Lock()
	r.entries[corr] = p
	r.mu.Unlock()
	return p
}

// offer routes an inbound payload to its pending entry. It reports whether
// the message was consumed; unclaimed messages fall through to the
// subject-prefix handlers. A respond entry is removed before its waiter is
// resolved; a collect entry stays registered until its window closes.
func (r *registry) offer(corr string, data []byte) bool {
	r.mu.Lock()
	p, ok := r.entries[corr]
	if !ok {
		r.mu.Unlock()
		return false
	}

	switch p.kind {
	case pendingRespond:
		delete(r.entries, corr)
		r.mu.Unlock()

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			resp = Response{Status: StatusMalformed, Message: err.Error()}
		}
		p.ch <- resp // capacity 1, sender is unique once the entry is gone
		return true

	case pendingCollect:
		p.collected = append(p.collected, append(json.RawMessage(nil), data...))
		r.mu.Unlock()
		return true
	}

	r.mu.Unlock()
	return false
}

// remove deletes a pending entry, reporting whether it was still present.
// The respond timeout path uses the return value to detect losing the race
// against a reply that was consumed concurrently.
func (r *registry) remove(corr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[corr]
	delete(r.entries, corr)
	return ok
}

// takeCollected removes a collect entry and returns everything gathered so
// far, in arrival order. Never nil.
func (r *registry) takeCollected(corr string) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[corr]
	delete(r.entries, corr)
	if !ok || p.collected == nil {
		return []json.RawMessage{}
	}
	return p.collected
}

// size reports the number of outstanding entries. Used by tests and the
// in-flight gauge.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
