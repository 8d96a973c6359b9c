package acl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "acl:cache:version"

// Token names the cache slot a lookup read from. A write-back must carry the
// token captured before the store fetch: eviction retires the slot, so a
// snapshot loaded before a concurrent mutation lands on a dead key instead of
// resurrecting the pre-mutation state. An empty token makes Put a no-op.
type Token string

// Cache is the Redis-backed Acl cache. Values are JSON snapshots with the
// parent chain materialized, so a hit never needs a follow-up fetch. Keys
// carry a global version plus a per-identity sequence: EvictAll bumps the
// version, Evict bumps the sequence, and either makes every older snapshot
// unreachable without a key scan. Retired snapshots age out via the ttl.
// A nil Cache (or one without a client) degrades to a pass-through.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps the given client.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get loads the cached Acl for the identity. The bool reports a hit. The
// returned token identifies the current slot for the identity and is valid
// for exactly one Put; it must be captured before the caller reads the store.
func (c *Cache) Get(ctx context.Context, oid ObjectIdentity) (*Acl, Token, bool, error) {
	if c == nil || c.client == nil {
		return nil, "", false, nil
	}
	key, err := c.key(ctx, oid)
	if err != nil {
		return nil, "", false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, Token(key), false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("acl: cache get %s: %w", oid, err)
	}
	var acl Acl
	if err := json.Unmarshal(payload, &acl); err != nil {
		// A snapshot that no longer decodes is treated as a miss; the next
		// Put overwrites it.
		return nil, Token(key), false, nil
	}
	return &acl, Token(key), true, nil
}

// Put stores the Acl snapshot under the slot the token was captured from. If
// the identity was evicted in the meantime the slot is retired and the write
// is unreachable, which is exactly what a stale snapshot deserves.
func (c *Cache) Put(ctx context.Context, token Token, acl *Acl) error {
	if c == nil || c.client == nil || acl == nil || token == "" {
		return nil
	}
	payload, err := json.Marshal(acl)
	if err != nil {
		return fmt.Errorf("acl: cache encode %s: %w", acl.ObjectIdentity, err)
	}
	if err := c.client.Set(ctx, string(token), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("acl: cache put %s: %w", acl.ObjectIdentity, err)
	}
	return nil
}

// Evict retires the cached snapshots for the given identities by bumping
// their sequence counters. In-flight writes under older tokens become
// unreachable along with the snapshots themselves.
func (c *Cache) Evict(ctx context.Context, oids ...ObjectIdentity) error {
	if c == nil || c.client == nil || len(oids) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, oid := range oids {
		pipe.Incr(ctx, seqKey(oid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acl: cache evict: %w", err)
	}
	return nil
}

// EvictAll invalidates every cached Acl by bumping the key version. Old
// entries age out via their TTL.
func (c *Cache) EvictAll(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Incr(ctx, cacheVersionKey).Err(); err != nil {
		return fmt.Errorf("acl: cache evict all: %w", err)
	}
	return nil
}

func seqKey(oid ObjectIdentity) string {
	return "acl:seq:" + oid.String()
}

func (c *Cache) key(ctx context.Context, oid ObjectIdentity) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	seq, err := c.client.Get(ctx, seqKey(oid)).Int64()
	if errors.Is(err, redis.Nil) {
		seq = 0
	} else if err != nil {
		return "", fmt.Errorf("acl: cache sequence %s: %w", oid, err)
	}
	return fmt.Sprintf("acl:v%d.%d:%s", ver, seq, oid), nil
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, fmt.Errorf("acl: cache version init: %w", err)
		}
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("acl: cache version: %w", err)
	}
	return ver, nil
}
