package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// memKV is an in-memory KV for tests. TTLs are accepted but not enforced;
// expiry-dependent behavior is tested through explicit deletes.
type memKV struct {
	mu    sync.Mutex
	data  map[string]string
	lists map[string][]string
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string), lists: make(map[string][]string)}
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memKV) CompareAndSet(_ context.Context, key, old, new string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	if !ok || cur != old {
		return false, nil
	}
	m.data[key] = new
	return true, nil
}

func (m *memKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.lists, key)
	return nil
}

func (m *memKV) List(_ context.Context, prefix string) ([]string, error) {
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

func (m *memKV) Push(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *memKV) Drain(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[key]
	delete(m.lists, key)
	return items, nil
}

// memBus is an in-memory Bus. Publishes fan out to a buffered channel per
// subscription; a full subscriber drops, matching at-most-once delivery.
type memBus struct {
	mu   sync.Mutex
	kv   *memKV
	subs map[string][]*memSub
}

func newMemBus() *memBus {
	return &memBus{kv: newMemKV(), subs: make(map[string][]*memSub)}
}

func (b *memBus) Publish(_ context.Context, topic string, env Envelope) error {
	b.mu.Lock()
	subs := append([]*memSub(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- Delivery{Envelope: env}:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	s := &memSub{bus: b, topic: topic, ch: make(chan Delivery, 256)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return s, nil
}

func (b *memBus) KV(string) KV { return b.kv }

func (b *memBus) Close() error { return nil }

type memSub struct {
	bus   *memBus
	topic string
	ch    chan Delivery
	once  sync.Once
}

func (s *memSub) C() <-chan Delivery { return s.ch }

func (s *memSub) Close() error {
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
	_ Bus = (*memBus)(nil)
	_ KV  = (*memKV)(nil)
)

// --- Provider mocks (shared across agent, retry, orchestrator tests) ---

type scriptedCall struct {
	resp ChatResponse
	err  error
}

// mockProvider replays a scripted sequence of chat responses and records
// the requests it saw.
type mockProvider struct {
	name   string
	mu     sync.Mutex
	script []scriptedCall
	calls  int

	requests []ChatRequest

	streamTokens  []string
	streamFail    error // returned after streamTokens instead of EOF
	streamOpenErr error
}

func (p *mockProvider) Name() string {
	if p.name == "" {
		return "mock"
	}
	return p.name
}

func (p *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.calls >= len(p.script) {
		return ChatResponse{}, errors.New("mock provider: script exhausted")
	}
	step := p.script[p.calls]
	p.calls++
	return step.resp, step.err
}

func (p *mockProvider) ChatStream(_ context.Context, req ChatRequest) (TokenStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.streamOpenErr != nil {
		return nil, p.streamOpenErr
	}
	return &sliceStream{tokens: p.streamTokens, fail: p.streamFail}, nil
}

// sliceStream replays tokens, then fail or io.EOF.
type sliceStream struct {
	tokens []string
	fail   error
	i      int
}

func (s *sliceStream) Next(context.Context) (string, error) {
	if s.i >= len(s.tokens) {
		if s.fail != nil {
			return "", s.fail
		}
		return "", io.EOF
	}
	tok := s.tokens[s.i]
	s.i++
	return tok, nil
}

func (s *sliceStream) Close() error { return nil }

// --- Skill mocks ---

// echoSkill returns its arguments verbatim.
type echoSkill struct{ name string }

func (s echoSkill) Descriptor() SkillDescriptor {
	return SkillDescriptor{
		Name:       s.name,
		Parameters: json.RawMessage(`{"type":"object"}`),
	}
}

func (s echoSkill) Invoke(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return args, nil
}

// failSkill always errors.
type failSkill struct{}

func (failSkill) Descriptor() SkillDescriptor {
	return SkillDescriptor{Name: "broken", Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (failSkill) Invoke(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("skill broken")
}

// --- Helpers ---

// recvKind waits for the next non-gap delivery of the given kind.
func recvKind(t *testing.T, sub Subscription, kind EnvelopeKind, timeout time.Duration) Envelope {
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
			return Envelope{}
		}
	}
}

// waitStatus polls the store until the task reaches status.
func waitStatus(t *testing.T, store *TaskStore, id string, status TaskStatus, timeout time.Duration) Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := store.Get(context.Background(), id)
		if err == nil && task.Status == status {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, err := store.Get(context.Background(), id)
	t.Fatalf("task %s never reached %s (last: %+v, err: %v)", id, status, task, err)
	return Task{}
}
