package bus

import (
	"strings"
	"sync"
)

// fakeTransport is an in-memory Transport for tests. Published messages are
// delivered synchronously to every matching subscription; tests can also
// inject inbound messages directly and inspect what was published.
type fakeTransport struct {
	mu        sync.Mutex
	subs      []fakeSub
	published []fakeMsg
	online    bool
}

type fakeSub struct {
	pattern string
	handler MsgHandler
}

type fakeMsg struct {
	subject string
	data    []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{online: true}
}

func (t *fakeTransport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	t.published = append(t.published, fakeMsg{subject: subject, data: data})
	subs := append([]fakeSub(nil), t.subs...)
	t.mu.Unlock()

	for _, s := range subs {
		if subjectMatches(s.pattern, subject) {
			s.handler(subject, data)
		}
	}
	return nil
}

func (t *fakeTransport) Subscribe(subject string, handler MsgHandler) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.subs)
	t.subs = append(t.subs, fakeSub{pattern: subject, handler: handler})
	return func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if idx < len(t.subs) {
			t.subs[idx].handler = func(string, []byte) {}
		}
		return nil
	}, nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

func (t *fakeTransport) Close() {}

// deliver injects an inbound message as if the broker pushed it.
func (t *fakeTransport) deliver(subject string, data []byte) {
	t.mu.Lock()
	subs := append([]fakeSub(nil), t.subs...)
	t.mu.Unlock()

	for _, s := range subs {
		if subjectMatches(s.pattern, subject) {
			s.handler(subject, data)
		}
	}
}

// lastPublished returns the most recent publish on a subject prefix, or nil.
func (t *fakeTransport) lastPublished(prefix string) *fakeMsg {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.published) - 1; i >= 0; i-- {
		if strings.HasPrefix(t.published[i].subject, prefix) {
			msg := t.published[i]
			return &msg
		}
	}
	return nil
}

// subjectMatches implements token matching with a trailing ">" wildcard,
// which is the only wildcard form the client subscribes with.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, ">"))
	}
	return false
}
