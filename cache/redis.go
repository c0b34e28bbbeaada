package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/teranos/scribe/errors"
)

// redisEntry is the stored value. The fingerprint is kept alongside the
// content so a key collision or a mis-written value is caught on read.
type redisEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisCache stores entries as JSON values under prefix+fingerprint with
// native TTL.
type RedisCache struct {
	cli    *redis.Client
	prefix string
}

// NewRedisCache wraps an existing client. prefix namespaces every key.
func NewRedisCache(cli *redis.Client, prefix string) *RedisCache {
	return &RedisCache{cli: cli, prefix: prefix}
}

// DialRedis connects and pings before returning.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, errors.Wrapf(err, "failed to reach redis at %s", addr)
	}
	return cli, nil
}

func (c *RedisCache) key(fingerprint string) string {
	return c.prefix + fingerprint
}

// Get returns the content for fingerprint. A stored value whose fingerprint
// differs from the key is an integrity error.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) (string, bool, error) {
	raw, err := c.cli.Get(ctx, c.key(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.MarkTransient(errors.Wrap(err, "failed to read cache entry from redis"))
	}

	var entry redisEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return "", false, errors.MarkIntegrity(errors.Wrapf(err, "corrupt cache entry %s", fingerprint))
	}
	if entry.Fingerprint != fingerprint {
		return "", false, errors.NewIntegrityError("cache entry %s holds fingerprint %s", fingerprint, entry.Fingerprint)
	}
	return entry.Content, true, nil
}

// Put stores content with ttl; ttl <= 0 never expires.
func (c *RedisCache) Put(ctx context.Context, fingerprint, content string, ttl time.Duration) error {
	data, err := json.Marshal(redisEntry{Fingerprint: fingerprint, Content: content, CreatedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "failed to encode cache entry")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.cli.Set(ctx, c.key(fingerprint), data, ttl).Err(); err != nil {
		return errors.MarkTransient(errors.Wrap(err, "failed to write cache entry to redis"))
	}
	return nil
}

// Invalidate deletes one key, or every key under a prefix via SCAN.
func (c *RedisCache) Invalidate(ctx context.Context, sel Selector) (int64, error) {
	if err := sel.Validate(); err != nil {
		return 0, err
	}
	if sel.Exact != "" {
		n, err := c.cli.Del(ctx, c.key(sel.Exact)).Result()
		return n, errors.Wrap(err, "failed to invalidate cache entry")
	}

	match := globEscape(c.key(sel.Prefix)) + "*"
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := c.cli.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return deleted, errors.Wrap(err, "failed to scan cache keys")
		}
		if len(keys) > 0 {
			n, err := c.cli.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, errors.Wrap(err, "failed to delete cache keys")
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.cli.Close()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globReplacer.Replace(s)
}
