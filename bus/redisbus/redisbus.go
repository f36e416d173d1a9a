// Package redisbus implements the relay Bus over Redis: pub/sub topics
// for envelopes and the keyspace for the KV face. Delivery is at most
// once; subscribers reconnect on their own and mark the gap.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	relay "github.com/nevindra/relay"
)

// publishBackoffBudget bounds how long Publish blocks retrying a lost
// connection before giving up.
const publishBackoffBudget = 5 * time.Second

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Namespace prefixes every key and topic so several deployments can
	// share one Redis. Empty means no prefix.
	Namespace string
}

// Bus is the Redis-backed relay.Bus.
type Bus struct {
	client    *redis.Client
	namespace string
	logger    *slog.Logger
}

var _ relay.Bus = (*Bus)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &relay.ErrBusUnavailable{Op: "connect", Err: err}
	}
	return &Bus{client: client, namespace: cfg.Namespace, logger: logger}, nil
}

func (b *Bus) prefixed(name string) string {
	if b.namespace == "" {
		return name
	}
	return b.namespace + ":" + name
}

// Publish broadcasts env on topic. A lost connection is retried with
// exponential backoff for up to 5 s, then surfaces ErrBusUnavailable.
func (b *Bus) Publish(ctx context.Context, topic string, env relay.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if len(raw) > relay.MaxEnvelopeBytes {
		return fmt.Errorf("publish %s: envelope exceeds %d bytes", topic, relay.MaxEnvelopeBytes)
	}

	deadline := time.Now().Add(publishBackoffBudget)
	backoff := 100 * time.Millisecond
	var last error
	for {
		last = b.client.Publish(ctx, b.prefixed(topic), raw).Err()
		if last == nil {
			return nil
		}
		if ctx.Err() != nil || time.Now().Add(backoff).After(deadline) {
			break
		}
		b.logger.Warn("publish failed, backing off", "topic", topic, "delay", backoff, "error", last)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &relay.ErrBusUnavailable{Op: "publish " + topic, Err: ctx.Err()}
		case <-timer.C:
		}
		backoff *= 2
	}
	return &relay.ErrBusUnavailable{Op: "publish " + topic, Err: last}
}

// Subscribe opens an auto-reconnecting subscription on topic. Deliveries
// lost across a reconnect are signalled with a single Gap marker.
func (b *Bus) Subscribe(ctx context.Context, topic string) (relay.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.prefixed(topic))
	// Force the subscribe round trip so misconfiguration fails here.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, &relay.ErrBusUnavailable{Op: "subscribe " + topic, Err: err}
	}
	s := &subscription{
		pubsub: pubsub,
		ch:     make(chan relay.Delivery, 64),
		done:   make(chan struct{}),
	}
	go s.pump(ctx, topic, b.logger)
	return s, nil
}

// KV returns the keyspace face under namespace.
func (b *Bus) KV(namespace string) relay.KV {
	prefix := b.namespace
	if namespace != "" {
		if prefix != "" {
			prefix += ":"
		}
		prefix += namespace
	}
	if prefix != "" {
		prefix += ":"
	}
	return &kv{client: b.client, prefix: prefix}
}

// Close shuts down the connection pool.
func (b *Bus) Close() error {
	return b.client.Close()
}

type subscription struct {
	pubsub *redis.PubSub
	ch     chan relay.Delivery
	done   chan struct{}
}

func (s *subscription) C() <-chan relay.Delivery { return s.ch }

func (s *subscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

// pump reads messages until closed. Receive errors mean the underlying
// connection dropped; go-redis resubscribes, and one Gap delivery warns
// consumers that messages may have been missed in between.
func (s *subscription) pump(ctx context.Context, topic string, logger *slog.Logger) {
	defer close(s.ch)
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			logger.Warn("subscription reconnecting", "topic", topic, "error", err)
			s.deliver(relay.Delivery{Gap: true})
			time.Sleep(250 * time.Millisecond)
			continue
		}
		var env relay.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logger.Warn("dropping undecodable envelope", "topic", topic, "error", err)
			continue
		}
		s.deliver(relay.Delivery{Envelope: env})
	}
}

func (s *subscription) deliver(d relay.Delivery) {
	select {
	case s.ch <- d:
	case <-s.done:
	}
}

// kv implements relay.KV over the Redis keyspace. CompareAndSet and
// Drain run as Lua scripts so they stay atomic across workers.
type kv struct {
	client *redis.Client
	prefix string
}

var _ relay.KV = (*kv)(nil)

var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
end
return 1
`)

var drainScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return items
`)

func (k *kv) key(name string) string { return k.prefix + name }

func (k *kv) Get(ctx context.Context, key string) (string, error) {
	v, err := k.client.Get(ctx, k.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", relay.ErrNotFound
	}
	if err != nil {
		return "", &relay.ErrBusUnavailable{Op: "kv get", Err: err}
	}
	return v, nil
}

func (k *kv) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := k.client.Set(ctx, k.key(key), value, ttl).Err(); err != nil {
		return &relay.ErrBusUnavailable{Op: "kv set", Err: err}
	}
	return nil
}

func (k *kv) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := k.client.SetNX(ctx, k.key(key), value, ttl).Result()
	if err != nil {
		return false, &relay.ErrBusUnavailable{Op: "kv setnx", Err: err}
	}
	return ok, nil
}

func (k *kv) CompareAndSet(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, k.client, []string{k.key(key)}, old, new, ttl.Milliseconds()).Int()
	if err != nil {
		return false, &relay.ErrBusUnavailable{Op: "kv cas", Err: err}
	}
	return n == 1, nil
}

func (k *kv) Del(ctx context.Context, key string) error {
	if err := k.client.Del(ctx, k.key(key)).Err(); err != nil {
		return &relay.ErrBusUnavailable{Op: "kv del", Err: err}
	}
	return nil
}

func (k *kv) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := k.client.Scan(ctx, 0, k.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(k.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, &relay.ErrBusUnavailable{Op: "kv list", Err: err}
	}
	return keys, nil
}

func (k *kv) Push(ctx context.Context, key, value string, ttl time.Duration) error {
	pipe := k.client.TxPipeline()
	pipe.RPush(ctx, k.key(key), value)
	if ttl > 0 {
		pipe.Expire(ctx, k.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &relay.ErrBusUnavailable{Op: "kv push", Err: err}
	}
	return nil
}

func (k *kv) Drain(ctx context.Context, key string) ([]string, error) {
	items, err := drainScript.Run(ctx, k.client, []string{k.key(key)}).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &relay.ErrBusUnavailable{Op: "kv drain", Err: err}
	}
	return items, nil
}
