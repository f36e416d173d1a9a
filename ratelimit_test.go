package relay

import (
	"testing"
	"time"
)

func TestRateLimiterDrainAndRefill(t *testing.T) {
	kv := newMemKV()
	l := NewRateLimiter(kv, 2, 1) // 2 tokens, 1/s
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := t.Context()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "u1")
		if err != nil || !ok {
			t.Fatalf("event %d: ok=%v err=%v", i, ok, err)
		}
	}
	// Bucket drained: the immediate next event is rejected.
	ok, err := l.Allow(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("drained bucket admitted an event")
	}

	// One second later exactly one token is back.
	now = now.Add(time.Second)
	if ok, _ := l.Allow(ctx, "u1"); !ok {
		t.Fatal("refilled token not admitted")
	}
	if ok, _ := l.Allow(ctx, "u1"); ok {
		t.Fatal("second event admitted on one refilled token")
	}
}

func TestRateLimiterCapsAtCapacity(t *testing.T) {
	kv := newMemKV()
	l := NewRateLimiter(kv, 2, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := t.Context()

	_, _ = l.Allow(ctx, "u1") // creates the bucket
	now = now.Add(time.Hour)  // refill far past capacity

	admitted := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(ctx, "u1"); ok {
			admitted++
		}
	}
	if admitted != 2 {
		t.Errorf("admitted %d after long idle, want capacity 2", admitted)
	}
}

func TestRateLimiterUsersIndependent(t *testing.T) {
	l := NewRateLimiter(newMemKV(), 1, 0.001)
	ctx := t.Context()
	if ok, _ := l.Allow(ctx, "a"); !ok {
		t.Fatal("user a rejected")
	}
	if ok, _ := l.Allow(ctx, "b"); !ok {
		t.Fatal("user b rejected after a drained their own bucket")
	}
}
