package pathkv

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	// Namespace is prepended to every Redis key; defaults to "pathkv:".
	Namespace string

	// ScanCount is the COUNT hint for SCAN; zero lets Redis decide.
	ScanCount int64
}

// RedisBackend stores each key as a Redis string under <ns>d:<key> and keeps
// the index in the sorted set <ns>index, with every member at score 0 so it
// is ordered lexicographically.
type RedisBackend struct {
	rdb       redis.UniversalClient
	dataNS    string
	indexKey  string
	scanCount int64
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend wraps an existing client. Close closes the client.
func NewRedisBackend(rdb redis.UniversalClient, opt RedisOptions) *RedisBackend {
	ns := opt.Namespace
	if ns == "" {
		ns = "pathkv:"
	}
	return &RedisBackend{
		rdb:       rdb,
		dataNS:    ns + "d:",
		indexKey:  ns + "index",
		scanCount: opt.ScanCount,
	}
}

// DialRedis connects to a single Redis server at addr.
func DialRedis(ctx context.Context, addr string, opt RedisOptions) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, backendErrf("ping", addr, err)
	}
	return NewRedisBackend(rdb, opt), nil
}

func (b *RedisBackend) Put(ctx context.Context, key, value string) error {
	return b.rdb.Set(ctx, b.dataNS+key, value, 0).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, b.dataNS+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, b.dataNS+key).Err()
}

func (b *RedisBackend) IndexAdd(ctx context.Context, key string) error {
	return b.rdb.ZAdd(ctx, b.indexKey, redis.Z{Score: 0, Member: key}).Err()
}

func (b *RedisBackend) IndexRemove(ctx context.Context, key string) error {
	return b.rdb.ZRem(ctx, b.indexKey, key).Err()
}

func (b *RedisBackend) IndexContains(ctx context.Context, key string) (bool, error) {
	err := b.rdb.ZRank(ctx, b.indexKey, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// KeysByPrefix enumerates data keys with SCAN MATCH. SCAN may report a key
// more than once, so results are deduplicated and sorted.
func (b *RedisBackend) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(b.dataNS+prefix) + "*"
	seen := make(map[string]struct{})
	it := b.rdb.Scan(ctx, 0, pattern, b.scanCount).Iterator()
	for it.Next(ctx) {
		seen[strings.TrimPrefix(it.Val(), b.dataNS)] = struct{}{}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// IndexKeys lists the index in order.
func (b *RedisBackend) IndexKeys(ctx context.Context) ([]string, error) {
	return b.rdb.ZRangeByLex(ctx, b.indexKey, &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

// escapeGlob quotes Redis glob metacharacters, including the backslash that
// Path.Key uses for its own escaping.
func escapeGlob(s string) string {
	var buf strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\', '*', '?', '[', ']':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		default:
			buf.WriteByte(c)
		}
	}
	return buf.String()
}
