package mcp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	relay "github.com/nevindra/relay"
)

const endpointKeyPrefix = "mcp:endpoint:"

// ErrUnauthorized is returned for any authentication failure. Callers
// must not distinguish unknown endpoint from bad secret.
var ErrUnauthorized = errors.New("unauthorized")

// Registry manages MCP endpoints in the KV store. Plaintext secrets
// exist only in the Create and RegenerateSecret return values; the store
// holds SHA-256 hashes. Admin mutations serialize through a per-endpoint
// lock across the read-modify-write.
type Registry struct {
	kv      relay.KV
	auditor relay.Auditor

	// failures throttles how often repeated auth failures are audited,
	// one bucket per endpoint id.
	failures *relay.RateLimiter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry builds a registry over kv.
func NewRegistry(kv relay.KV, auditor relay.Auditor) *Registry {
	if auditor == nil {
		auditor = relay.NopAuditor{}
	}
	return &Registry{
		kv:       kv,
		auditor:  auditor,
		failures: relay.NewRateLimiter(kv, 10, 10.0/60.0),
		locks:    make(map[string]*sync.Mutex),
	}
}

func endpointKey(id string) string { return endpointKeyPrefix + id }

func (r *Registry) lock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Create registers a new endpoint routing to chatID and returns it with
// the plaintext secret, exactly once.
func (r *Registry) Create(ctx context.Context, name, chatID string) (relay.Endpoint, string, error) {
	secret, hash, err := newSecret()
	if err != nil {
		return relay.Endpoint{}, "", err
	}
	ep := relay.Endpoint{
		ID:         relay.NewID(),
		Name:       name,
		ChatID:     chatID,
		SecretHash: hash,
		CreatedAt:  relay.NowUnix(),
	}
	raw, err := json.Marshal(ep)
	if err != nil {
		return relay.Endpoint{}, "", err
	}
	ok, err := r.kv.SetNX(ctx, endpointKey(ep.ID), string(raw), 0)
	if err != nil {
		return relay.Endpoint{}, "", err
	}
	if !ok {
		return relay.Endpoint{}, "", fmt.Errorf("endpoint id collision: %s", ep.ID)
	}
	return ep, secret, nil
}

// Get loads an endpoint by id.
func (r *Registry) Get(ctx context.Context, id string) (relay.Endpoint, error) {
	raw, err := r.kv.Get(ctx, endpointKey(id))
	if err != nil {
		return relay.Endpoint{}, err
	}
	var ep relay.Endpoint
	if err := json.Unmarshal([]byte(raw), &ep); err != nil {
		return relay.Endpoint{}, relay.ErrNotFound
	}
	return ep, nil
}

// List returns all endpoints, revoked ones included.
func (r *Registry) List(ctx context.Context) ([]relay.Endpoint, error) {
	keys, err := r.kv.List(ctx, endpointKeyPrefix)
	if err != nil {
		return nil, err
	}
	var out []relay.Endpoint
	for _, k := range keys {
		raw, err := r.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var ep relay.Endpoint
		if json.Unmarshal([]byte(raw), &ep) == nil {
			out = append(out, ep)
		}
	}
	return out, nil
}

// ByChat returns the oldest non-revoked endpoint routing to chatID.
// Used to infer the tenant for /dev feedback.
func (r *Registry) ByChat(ctx context.Context, chatID string) (relay.Endpoint, bool) {
	eps, err := r.List(ctx)
	if err != nil {
		return relay.Endpoint{}, false
	}
	var best relay.Endpoint
	found := false
	for _, ep := range eps {
		if ep.Revoked || ep.ChatID != chatID {
			continue
		}
		if !found || ep.CreatedAt < best.CreatedAt {
			best, found = ep, true
		}
	}
	return best, found
}

// Revoke disables an endpoint. Its secret stops authenticating at once.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	ep, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	ep.Revoked = true
	raw, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, endpointKey(id), string(raw), 0)
}

// RegenerateSecret replaces the endpoint secret, returning the new
// plaintext exactly once. The old secret stops authenticating.
func (r *Registry) RegenerateSecret(ctx context.Context, id string) (string, error) {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	ep, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	secret, hash, err := newSecret()
	if err != nil {
		return "", err
	}
	ep.SecretHash = hash
	raw, err := json.Marshal(ep)
	if err != nil {
		return "", err
	}
	if err := r.kv.Set(ctx, endpointKey(id), string(raw), 0); err != nil {
		return "", err
	}
	return secret, nil
}

// Authenticate verifies a bearer secret against the endpoint's stored
// hash in constant time. All failure modes collapse to ErrUnauthorized.
func (r *Registry) Authenticate(ctx context.Context, id, secret string) (relay.Endpoint, error) {
	ep, err := r.Get(ctx, id)
	if err != nil {
		r.auditFailure(ctx, id)
		return relay.Endpoint{}, ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(secret))
	given := hex.EncodeToString(sum[:])
	if ep.Revoked || subtle.ConstantTimeCompare([]byte(given), []byte(ep.SecretHash)) != 1 {
		r.auditFailure(ctx, id)
		return relay.Endpoint{}, ErrUnauthorized
	}
	return ep, nil
}

func (r *Registry) auditFailure(ctx context.Context, id string) {
	// Bucketed so a brute-force attempt cannot flood the audit log.
	if ok, err := r.failures.Allow(ctx, "authfail:"+id); err != nil || !ok {
		return
	}
	r.auditor.Record(ctx, relay.NewAuditEntry("endpoint:"+id, relay.AuditAuthFailure, nil, "denied", 0, false))
}

func newSecret() (secret, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	secret = hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(secret))
	return secret, hex.EncodeToString(sum[:]), nil
}
