package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const (
	confirmationKeyPrefix = "confirmation:"

	// ConfirmationTTL bounds how long a resolved record stays readable
	// before the store reclaims it.
	ConfirmationTTL = time.Hour

	// DefaultConfirmationTimeout applies when a request names none.
	DefaultConfirmationTimeout = 120 * time.Second
)

// ConfirmationStore keeps ConfirmationRecords in the Bus KV and enforces
// single resolution: whichever of {callback handler, sweeper} wins the
// compare-and-set on outcome=pending resolves the record; the loser's
// write is rejected and the record never transitions again.
type ConfirmationStore struct {
	bus    Bus
	kv     KV
	logger *slog.Logger
}

// NewConfirmationStore builds a store over the bus's default KV namespace.
func NewConfirmationStore(bus Bus, logger *slog.Logger) *ConfirmationStore {
	if logger == nil {
		logger = nopLogger
	}
	return &ConfirmationStore{bus: bus, kv: bus.KV(""), logger: logger}
}

func confirmationKey(id string) string { return confirmationKeyPrefix + id }

// Create registers a pending confirmation and publishes the
// ConfirmationRequest envelope for channel adapters to render.
func (s *ConfirmationStore) Create(ctx context.Context, endpointID, chatID, message string, timeout time.Duration) (ConfirmationRecord, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	r := ConfirmationRecord{
		ID:         NewID(),
		EndpointID: endpointID,
		ChatID:     chatID,
		Message:    message,
		DeadlineTS: time.Now().Add(timeout).Unix(),
		Outcome:    OutcomePending,
		CreatedAt:  NowUnix(),
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return ConfirmationRecord{}, err
	}
	ok, err := s.kv.SetNX(ctx, confirmationKey(r.ID), string(raw), ConfirmationTTL)
	if err != nil {
		return ConfirmationRecord{}, err
	}
	if !ok {
		return ConfirmationRecord{}, fmt.Errorf("confirmation id collision: %s", r.ID)
	}

	env, err := Seal(KindConfirmationRequest, "", r.ChatID, 0, ConfirmationRequest{
		EndpointID:    r.EndpointID,
		CorrelationID: r.ID,
		ChatID:        r.ChatID,
		Message:       r.Message,
		DeadlineTS:    r.DeadlineTS,
	})
	if err != nil {
		return ConfirmationRecord{}, err
	}
	if err := s.bus.Publish(ctx, TopicOutgoingReply, env); err != nil {
		return ConfirmationRecord{}, err
	}
	return r, nil
}

// Get loads a record by correlation id.
func (s *ConfirmationStore) Get(ctx context.Context, id string) (ConfirmationRecord, error) {
	raw, err := s.kv.Get(ctx, confirmationKey(id))
	if err != nil {
		return ConfirmationRecord{}, err
	}
	var r ConfirmationRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return ConfirmationRecord{}, ErrNotFound
	}
	return r, nil
}

// Resolve moves a pending record to a terminal outcome. Returns false when
// the record was already resolved (late button click, lost race) — callers
// treat that as a no-op. On success the resolution is published on the
// tenant's event topic and queued for /replies.
func (s *ConfirmationStore) Resolve(ctx context.Context, id string, outcome ConfirmationOutcome, reply string) (bool, error) {
	old, err := s.kv.Get(ctx, confirmationKey(id))
	if err != nil {
		return false, err
	}
	var r ConfirmationRecord
	if err := json.Unmarshal([]byte(old), &r); err != nil {
		return false, ErrNotFound
	}
	if r.Outcome != OutcomePending {
		return false, nil
	}
	r.Outcome = outcome
	r.Reply = reply
	r.CompletedAt = NowUnix()
	raw, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	ok, err := s.kv.CompareAndSet(ctx, confirmationKey(id), old, string(raw), ConfirmationTTL)
	if err != nil || !ok {
		return false, err
	}

	result := ConfirmationResult{
		EndpointID:    r.EndpointID,
		CorrelationID: r.ID,
		Outcome:       string(outcome),
		Reply:         reply,
	}
	if env, err := Seal(KindConfirmationResult, "", r.ChatID, 0, result); err == nil {
		if err := s.bus.Publish(ctx, TopicMCPEvents(r.EndpointID), env); err != nil {
			s.logger.Warn("publish confirmation result", "correlation_id", r.ID, "error", err)
		}
	}
	// Late /events subscribers see nothing; queue the resolution so
	// /replies can bridge the gap.
	if item, err := json.Marshal(map[string]any{
		"type":           "confirmation",
		"correlation_id": r.ID,
		"outcome":        string(outcome),
		"reply":          reply,
	}); err == nil {
		_ = s.kv.Push(ctx, FeedbackQueueKey(r.EndpointID), string(item), ConfirmationTTL)
	}
	return true, nil
}

// PendingForChat returns the newest pending record targeting chatID, used
// by adapters to route a plain-text reply during the grace window.
func (s *ConfirmationStore) PendingForChat(ctx context.Context, chatID string) (ConfirmationRecord, bool) {
	keys, err := s.kv.List(ctx, confirmationKeyPrefix)
	if err != nil {
		return ConfirmationRecord{}, false
	}
	var best ConfirmationRecord
	found := false
	for _, k := range keys {
		raw, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var r ConfirmationRecord
		if json.Unmarshal([]byte(raw), &r) != nil {
			continue
		}
		if r.ChatID != chatID || r.Outcome != OutcomePending {
			continue
		}
		if !found || r.CreatedAt > best.CreatedAt {
			best, found = r, true
		}
	}
	return best, found
}

// FeedbackQueueKey is the KV list holding queued feedback and confirmation
// resolutions for one tenant.
func FeedbackQueueKey(endpointID string) string {
	return "mcp:feedback:" + endpointID
}

// Sweeper expires pending confirmations past their deadline. One global
// loop per process; the CAS in Resolve keeps concurrent sweepers safe.
type Sweeper struct {
	store  *ConfirmationStore
	logger *slog.Logger

	// Cadence between sweeps. Zero means 1 s.
	Cadence time.Duration
}

// NewSweeper builds a sweeper over store.
func NewSweeper(store *ConfirmationStore, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = nopLogger
	}
	return &Sweeper{store: store, logger: logger, Cadence: time.Second}
}

// Run blocks, sweeping until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	cadence := w.Cadence
	if cadence <= 0 {
		cadence = time.Second
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce resolves every pending record whose deadline has passed.
func (w *Sweeper) SweepOnce(ctx context.Context) {
	keys, err := w.store.kv.List(ctx, confirmationKeyPrefix)
	if err != nil {
		w.logger.Warn("confirmation sweep list", "error", err)
		return
	}
	now := NowUnix()
	for _, k := range keys {
		raw, err := w.store.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var r ConfirmationRecord
		if json.Unmarshal([]byte(raw), &r) != nil {
			continue
		}
		if r.Outcome != OutcomePending || r.DeadlineTS > now {
			continue
		}
		if ok, err := w.store.Resolve(ctx, r.ID, OutcomeTimeout, ""); err != nil {
			w.logger.Warn("confirmation sweep resolve", "correlation_id", r.ID, "error", err)
		} else if ok {
			w.logger.Info("confirmation timed out", "correlation_id", r.ID, "endpoint_id", r.EndpointID)
		}
	}
}
