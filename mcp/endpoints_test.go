package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	relay "github.com/nevindra/relay"
)

func TestRegistryCreateAndAuthenticate(t *testing.T) {
	kv := newFakeKV()
	r := NewRegistry(kv, nil)
	ctx := context.Background()

	ep, secret, err := r.Create(ctx, "cron-agent", "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if ep.ID == "" || secret == "" {
		t.Fatalf("incomplete endpoint: %+v secret=%q", ep, secret)
	}

	got, err := r.Authenticate(ctx, ep.ID, secret)
	if err != nil {
		t.Fatalf("Authenticate = %v", err)
	}
	if got.ChatID != "chat-1" || got.Name != "cron-agent" {
		t.Errorf("endpoint = %+v", got)
	}

	if _, err := r.Authenticate(ctx, ep.ID, "wrong"); err != ErrUnauthorized {
		t.Errorf("bad secret = %v, want ErrUnauthorized", err)
	}
	if _, err := r.Authenticate(ctx, "no-such-endpoint", secret); err != ErrUnauthorized {
		t.Errorf("unknown endpoint = %v, want ErrUnauthorized", err)
	}
}

func TestRegistryStoresHashNotSecret(t *testing.T) {
	kv := newFakeKV()
	r := NewRegistry(kv, nil)

	ep, secret, err := r.Create(context.Background(), "a", "c1")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := kv.Get(context.Background(), endpointKey(ep.ID))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, secret) {
		t.Fatal("plaintext secret persisted")
	}
	if ep.SecretHash == secret || len(ep.SecretHash) != 64 {
		t.Errorf("SecretHash = %q", ep.SecretHash)
	}
}

func TestRegistryRevoke(t *testing.T) {
	r := NewRegistry(newFakeKV(), nil)
	ctx := context.Background()

	ep, secret, err := r.Create(ctx, "a", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Revoke(ctx, ep.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Authenticate(ctx, ep.ID, secret); err != ErrUnauthorized {
		t.Errorf("revoked endpoint authenticated: %v", err)
	}
	// Revoked endpoints stay listable for the admin surface.
	eps, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || !eps[0].Revoked {
		t.Errorf("List = %+v", eps)
	}
}

func TestRegistryRegenerateSecret(t *testing.T) {
	r := NewRegistry(newFakeKV(), nil)
	ctx := context.Background()

	ep, oldSecret, err := r.Create(ctx, "a", "c1")
	if err != nil {
		t.Fatal(err)
	}
	newSecret, err := r.RegenerateSecret(ctx, ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if newSecret == oldSecret {
		t.Fatal("secret unchanged")
	}
	if _, err := r.Authenticate(ctx, ep.ID, oldSecret); err != ErrUnauthorized {
		t.Error("old secret still authenticates")
	}
	if _, err := r.Authenticate(ctx, ep.ID, newSecret); err != nil {
		t.Errorf("new secret rejected: %v", err)
	}
}

func TestRegistryByChatPicksOldest(t *testing.T) {
	kv := newFakeKV()
	r := NewRegistry(kv, nil)
	ctx := context.Background()

	// Written directly so CreatedAt is controlled.
	write := func(id, chatID string, createdAt int64, revoked bool) {
		ep := relay.Endpoint{ID: id, Name: id, ChatID: chatID, CreatedAt: createdAt, Revoked: revoked}
		raw, _ := json.Marshal(ep)
		if err := kv.Set(ctx, endpointKey(id), string(raw), 0); err != nil {
			t.Fatal(err)
		}
	}
	write("old-revoked", "c1", 100, true)
	write("middle", "c1", 200, false)
	write("newest", "c1", 300, false)
	write("other-chat", "c2", 50, false)

	ep, ok := r.ByChat(ctx, "c1")
	if !ok {
		t.Fatal("no endpoint found")
	}
	if ep.ID != "middle" {
		t.Errorf("ByChat = %q, want oldest non-revoked %q", ep.ID, "middle")
	}
	if _, ok := r.ByChat(ctx, "c3"); ok {
		t.Error("found endpoint for unknown chat")
	}
}

func TestRegistryAuditsAuthFailures(t *testing.T) {
	aud := &recordingAuditor{}
	r := NewRegistry(newFakeKV(), aud)
	ctx := context.Background()

	ep, _, err := r.Create(ctx, "a", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Authenticate(ctx, ep.ID, "wrong"); err != ErrUnauthorized {
		t.Fatal("expected auth failure")
	}
	failures := aud.byAction(relay.AuditAuthFailure)
	if len(failures) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(failures))
	}
	if failures[0].Actor != "endpoint:"+ep.ID {
		t.Errorf("Actor = %q", failures[0].Actor)
	}
}
