package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	relay "github.com/nevindra/relay"
)

// fakeKV is an in-memory KV. TTLs are accepted but not enforced.
type fakeKV struct {
	mu    sync.Mutex
	data  map[string]string
	lists map[string][]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string), lists: make(map[string][]string)}
}

func (m *fakeKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", relay.ErrNotFound
	}
	return v, nil
}

func (m *fakeKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *fakeKV) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *fakeKV) CompareAndSet(_ context.Context, key, old, new string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	if !ok || cur != old {
		return false, nil
	}
	m.data[key] = new
	return true, nil
}

func (m *fakeKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.lists, key)
	return nil
}

func (m *fakeKV) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *fakeKV) Push(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *fakeKV) Drain(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[key]
	delete(m.lists, key)
	return items, nil
}

// fakeBus fans publishes out to buffered per-subscription channels.
type fakeBus struct {
	mu   sync.Mutex
	kv   *fakeKV
	subs map[string][]*fakeSub
}

func newFakeBus() *fakeBus {
	return &fakeBus{kv: newFakeKV(), subs: make(map[string][]*fakeSub)}
}

func (b *fakeBus) Publish(_ context.Context, topic string, env relay.Envelope) error {
	b.mu.Lock()
	subs := append([]*fakeSub(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- relay.Delivery{Envelope: env}:
		default:
		}
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, topic string) (relay.Subscription, error) {
	s := &fakeSub{bus: b, topic: topic, ch: make(chan relay.Delivery, 64)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBus) KV(string) relay.KV { return b.kv }

func (b *fakeBus) Close() error { return nil }

// waitSubscribed blocks until topic has at least one subscriber.
func (b *fakeBus) waitSubscribed(t *testing.T, topic string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.subs[topic])
		b.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no subscriber appeared on %s", topic)
}

type fakeSub struct {
	bus   *fakeBus
	topic string
	ch    chan relay.Delivery
	once  sync.Once
}

func (s *fakeSub) C() <-chan relay.Delivery { return s.ch }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.subs[s.topic]
		for i, other := range subs {
			if other == s {
				s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

var (
	_ relay.Bus = (*fakeBus)(nil)
	_ relay.KV  = (*fakeKV)(nil)
)

// recordingAuditor captures entries for assertions.
type recordingAuditor struct {
	mu      sync.Mutex
	entries []relay.AuditEntry
}

func (r *recordingAuditor) Record(_ context.Context, e relay.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAuditor) byAction(action string) []relay.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []relay.AuditEntry
	for _, e := range r.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// recvKind waits for the next non-gap delivery of the given kind.
func recvKind(t *testing.T, sub relay.Subscription, kind relay.EnvelopeKind, timeout time.Duration) relay.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case d, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed waiting for %s", kind)
			}
			if d.Gap || d.Envelope.Kind != kind {
				continue
			}
			return d.Envelope
		case <-deadline:
			t.Fatalf("timed out waiting for %s envelope", kind)
			return relay.Envelope{}
		}
	}
}
