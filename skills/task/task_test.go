package task

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	relay "github.com/nevindra/relay"
)

// fakeKV is the minimal in-memory KV the task store needs.
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
		if strings.HasPrefix(k, prefix) {
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

var _ relay.KV = (*fakeKV)(nil)

func TestTaskStatusByID(t *testing.T) {
	store := relay.NewTaskStore(newFakeKV(), 0)
	ctx := context.Background()
	id, err := store.Create(ctx, relay.Task{UserID: "u1", ChatID: "c1", Channel: "telegram"})
	if err != nil {
		t.Fatal(err)
	}

	s := New(store)
	raw, err := s.Invoke(ctx, json.RawMessage(`{"task_id":"`+id+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Found  bool             `json:"found"`
		Status relay.TaskStatus `json:"status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Found || out.Status != relay.StatusPending {
		t.Errorf("result = %+v", out)
	}
}

func TestTaskStatusUnknownID(t *testing.T) {
	s := New(relay.NewTaskStore(newFakeKV(), 0))
	raw, err := s.Invoke(context.Background(), json.RawMessage(`{"task_id":"nope"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"found":false`) {
		t.Errorf("result = %s", raw)
	}
}

func TestTaskStatusListsByUser(t *testing.T) {
	store := relay.NewTaskStore(newFakeKV(), 0)
	ctx := context.Background()
	var want []string
	for range 2 {
		id, err := store.Create(ctx, relay.Task{UserID: "u1", ChatID: "c1", Channel: "telegram"})
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, id)
	}

	s := New(store)
	raw, err := s.Invoke(ctx, json.RawMessage(`{"user_id":"u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.TaskIDs) != len(want) {
		t.Errorf("task_ids = %v, want %v", out.TaskIDs, want)
	}
}

func TestTaskStatusRequiresSelector(t *testing.T) {
	s := New(relay.NewTaskStore(newFakeKV(), 0))
	if _, err := s.Invoke(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Error("empty selector accepted")
	}
}
