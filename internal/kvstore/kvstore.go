// Package kvstore is the fast, byte-keyed/byte-valued remote store the
// engine caches against (C4). It is the only place Redis appears in this
// module.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrTransient marks a failure the caller may retry (connection reset,
// timeout, pool exhaustion). It is the kvstore-level source of the engine's
// TransientBackend error kind.
var ErrTransient = errors.New("kvstore: transient backend error")

// ErrFatal marks a configuration-level or persistent failure (bad
// credentials, disabled command, wrong database) that will not clear on the
// next tick. It is the kvstore-level source of the engine's FatalBackend
// error kind.
var ErrFatal = errors.New("kvstore: fatal backend error")

// fatalReplyPrefixes are RESP error-reply prefixes Redis uses for
// configuration-class failures, as opposed to connection/timeout faults.
var fatalReplyPrefixes = []string{
	"NOAUTH",
	"WRONGPASS",
	"ERR invalid password",
	"NOPERM",
	"ERR unknown command",
	"ERR wrong number of arguments",
	"ERR DB index is out of range",
}

func isFatalReply(err error) bool {
	msg := err.Error()
	for _, p := range fatalReplyPrefixes {
		if strings.HasPrefix(msg, p) || strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Client is the contract the engine depends on. A real implementation talks
// to Redis; tests use an in-memory fake.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys []string) error
	SetAdd(ctx context.Context, setKey, member string) error
	SetRemove(ctx context.Context, setKey, member string) error
	SetIsMember(ctx context.Context, setKey, member string) (bool, error)
	SetMembers(ctx context.Context, setKey string) ([]string, error)
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
}

// RedisClient implements Client over github.com/redis/go-redis/v9.
type RedisClient struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisClient wraps an already-configured *redis.Client. Connection
// settings (host, port, credentials, database, timeout) are the caller's
// responsibility, per spec.md §6.
func NewRedisClient(rdb *redis.Client, log zerolog.Logger) *RedisClient {
	return &RedisClient{rdb: rdb, log: log.With().Str("component", "kvstore").Logger()}
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapTransient("get", key, err)
	}
	return b, true, nil
}

func (c *RedisClient) Set(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return wrapTransient("set", key, err)
	}
	return nil
}

func (c *RedisClient) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return wrapTransient("delete", fmt.Sprintf("%d keys", len(keys)), err)
	}
	return nil
}

func (c *RedisClient) SetAdd(ctx context.Context, setKey, member string) error {
	if err := c.rdb.SAdd(ctx, setKey, member).Err(); err != nil {
		return wrapTransient("sadd", setKey, err)
	}
	return nil
}

func (c *RedisClient) SetRemove(ctx context.Context, setKey, member string) error {
	if err := c.rdb.SRem(ctx, setKey, member).Err(); err != nil {
		return wrapTransient("srem", setKey, err)
	}
	return nil
}

func (c *RedisClient) SetIsMember(ctx context.Context, setKey, member string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, setKey, member).Result()
	if err != nil {
		return false, wrapTransient("sismember", setKey, err)
	}
	return ok, nil
}

func (c *RedisClient) SetMembers(ctx context.Context, setKey string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, wrapTransient("smembers", setKey, err)
	}
	return members, nil
}

// ScanKeys performs a cursor-driven SCAN with a MATCH pattern of
// "prefix*", accumulating every matching key. Used by deleteIndex to find
// every key owned by an index.
func (c *RedisClient) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapTransient("scan", prefix, err)
	}
	return keys, nil
}

// wrapTransient classifies a redis client error as fatal (config/auth-class,
// will keep failing) or transient (connection/timeout-class, retry on next
// tick), per spec.md §7's FatalBackend/TransientBackend split.
func wrapTransient(op, key string, cause error) error {
	if isFatalReply(cause) {
		return fmt.Errorf("kvstore %s %q: %w: %v", op, key, ErrFatal, cause)
	}
	return fmt.Errorf("kvstore %s %q: %w: %v", op, key, ErrTransient, cause)
}
