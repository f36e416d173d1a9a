package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestTaskCreateAndGet(t *testing.T) {
	kv := newMemKV()
	store := NewTaskStore(kv, 0)
	ctx := t.Context()

	id, err := store.Create(ctx, Task{UserID: "u1", Channel: "telegram", ChatID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	task, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if task.SchemaVersion != TaskSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", task.SchemaVersion, TaskSchemaVersion)
	}
	if task.CreatedAt == 0 || task.UpdatedAt == 0 {
		t.Error("timestamps not set")
	}
}

func TestTaskCreateRejectsIDCollision(t *testing.T) {
	store := NewTaskStore(newMemKV(), 0)
	ctx := t.Context()
	if _, err := store.Create(ctx, Task{ID: "fixed", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(ctx, Task{ID: "fixed", UserID: "u1"}); err == nil {
		t.Fatal("expected collision error")
	}
}

func TestTaskClaim(t *testing.T) {
	store := NewTaskStore(newMemKV(), 0)
	ctx := t.Context()
	id, _ := store.Create(ctx, Task{UserID: "u1"})

	ok, err := store.Claim(ctx, id, "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = store.Claim(ctx, id, "worker-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second claim succeeded; task double-owned")
	}

	ok, err = store.RefreshClaim(ctx, id, "worker-a", time.Minute)
	if err != nil || !ok {
		t.Errorf("owner refresh: ok=%v err=%v", ok, err)
	}
	ok, _ = store.RefreshClaim(ctx, id, "worker-b", time.Minute)
	if ok {
		t.Error("non-owner refresh succeeded")
	}
}

func TestTaskTransition(t *testing.T) {
	store := NewTaskStore(newMemKV(), 0)
	ctx := t.Context()
	id, _ := store.Create(ctx, Task{UserID: "u1"})

	ok, err := store.Transition(ctx, id, StatusPending, StatusRunning, func(task *Task) {
		task.Iteration = 1
	})
	if err != nil || !ok {
		t.Fatalf("pending->running: ok=%v err=%v", ok, err)
	}
	task, _ := store.Get(ctx, id)
	if task.Status != StatusRunning || task.Iteration != 1 {
		t.Errorf("task after transition: %+v", task)
	}

	// Wrong from-status loses the race without error.
	ok, err = store.Transition(ctx, id, StatusPending, StatusFailed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("transition from stale status succeeded")
	}

	ok, _ = store.Transition(ctx, id, StatusRunning, StatusCompleted, nil)
	if !ok {
		t.Fatal("running->completed failed")
	}
	task, _ = store.Get(ctx, id)
	if !task.Status.Terminal() {
		t.Errorf("Status = %q, want terminal", task.Status)
	}
}

func TestTaskAppendMessageTruncatesWindow(t *testing.T) {
	store := NewTaskStore(newMemKV(), 3)
	ctx := t.Context()
	id, _ := store.Create(ctx, Task{UserID: "u1"})

	for _, text := range []string{"a", "b", "c", "d", "e"} {
		if err := store.AppendMessage(ctx, id, "user", text); err != nil {
			t.Fatal(err)
		}
	}
	task, _ := store.Get(ctx, id)
	if len(task.Window) != 3 {
		t.Fatalf("window len = %d, want 3", len(task.Window))
	}
	if task.Window[0].Text != "c" || task.Window[2].Text != "e" {
		t.Errorf("window kept wrong messages: %+v", task.Window)
	}
}

func TestTaskGetSchemaMismatch(t *testing.T) {
	kv := newMemKV()
	store := NewTaskStore(kv, 0)
	ctx := t.Context()
	id, _ := store.Create(ctx, Task{UserID: "u1"})

	// Rewrite the record with a future schema version.
	raw, _ := kv.Get(ctx, "task:"+id)
	var m map[string]any
	_ = json.Unmarshal([]byte(raw), &m)
	m["schema_version"] = TaskSchemaVersion + 1
	rewritten, _ := json.Marshal(m)
	_ = kv.Set(ctx, "task:"+id, string(rewritten), 0)

	if _, err := store.Get(ctx, id); err != ErrNotFound {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestTaskByUser(t *testing.T) {
	kv := newMemKV()
	store := NewTaskStore(kv, 0)
	ctx := t.Context()

	id1, _ := store.Create(ctx, Task{UserID: "u1"})
	id2, _ := store.Create(ctx, Task{UserID: "u1"})
	_, _ = store.Create(ctx, Task{UserID: "someone-else"})

	// Expire id1's record; the index entry must be filtered out.
	_ = kv.Del(ctx, "task:"+id1)

	ids, err := store.ByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id2 {
		t.Fatalf("ByUser = %v, want [%s]", ids, id2)
	}

	// A second listing sees the same ids.
	ids, _ = store.ByUser(ctx, "u1")
	if len(ids) != 1 || ids[0] != id2 {
		t.Errorf("second ByUser = %v, want [%s]", ids, id2)
	}
}

func TestTaskByUserSurvivesConcurrentCreates(t *testing.T) {
	store := NewTaskStore(newMemKV(), 0)
	ctx := context.Background()

	// Hammer the listing while tasks are being created; a listing must
	// never make a freshly created id disappear from the index.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if _, err := store.ByUser(ctx, "u1"); err != nil {
					return
				}
			}
		}
	}()

	want := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := store.Create(ctx, Task{UserID: "u1"})
		if err != nil {
			t.Fatal(err)
		}
		want[id] = true
	}
	close(stop)
	wg.Wait()

	ids, err := store.ByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != len(want) {
		t.Fatalf("ByUser = %d ids, want %d", len(ids), len(want))
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected id %s", id)
		}
	}
}

func TestTaskClaimMessage(t *testing.T) {
	store := NewTaskStore(newMemKV(), 0)
	ctx := t.Context()

	won, err := store.ClaimMessage(ctx, "telegram", "m1", "worker-a", time.Minute)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = store.ClaimMessage(ctx, "telegram", "m1", "worker-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Error("second worker claimed the same message")
	}

	// A different message id is an independent claim.
	won, _ = store.ClaimMessage(ctx, "telegram", "m2", "worker-b", time.Minute)
	if !won {
		t.Error("fresh message id not claimable")
	}
}

func TestTaskDelete(t *testing.T) {
	store := NewTaskStore(newMemKV(), 0)
	ctx := context.Background()
	id, _ := store.Create(ctx, Task{UserID: "u1"})
	_, _ = store.Claim(ctx, id, "w", time.Minute)

	if err := store.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, id); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	ok, _ := store.Claim(ctx, id, "w2", time.Minute)
	if !ok {
		t.Error("claim not released by delete")
	}
}
