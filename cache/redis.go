package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultRedisTimeout = time.Second

type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout caps each redis operation. Default is one second.
	ClientTimeout time.Duration

	// KeyPrefix namespaces every key this store touches, so one redis db
	// can back several gateways. Default "offline-cache:".
	KeyPrefix string
}

// RedisStore keeps each partition in a redis hash, with the set of
// partition names in a companion set key.
type RedisStore struct {
	opts RedisStoreOpts
}

func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, errors.New("nil client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = defaultRedisTimeout
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "offline-cache:"
	}
	return &RedisStore{opts: opts}, nil
}

func (r *RedisStore) namesKey() string {
	return r.opts.KeyPrefix + "partitions"
}

func (r *RedisStore) partitionKey(name string) string {
	return r.opts.KeyPrefix + "partition:" + name
}

func (r *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.ClientTimeout)
}

func (r *RedisStore) OpenPartition(ctx context.Context, name string) (Partition, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := r.opts.Client.SAdd(ctx, r.namesKey(), name).Err(); err != nil {
		return nil, err
	}
	return &redisPartition{store: r, name: name}, nil
}

func (r *RedisStore) PartitionNames(ctx context.Context) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	names, err := r.opts.Client.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (r *RedisStore) DeletePartition(ctx context.Context, name string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	removed, err := r.opts.Client.SRem(ctx, r.namesKey(), name).Result()
	if err != nil {
		return false, err
	}
	if err := r.opts.Client.Del(ctx, r.partitionKey(name)).Err(); err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (r *RedisStore) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

type redisPartition struct {
	store *RedisStore
	name  string
}

func (p *redisPartition) Name() string { return p.name }

func (p *redisPartition) Match(ctx context.Context, identity string) (Entry, bool, error) {
	ctx, cancel := p.store.opCtx(ctx)
	defer cancel()
	b, err := p.store.opts.Client.HGet(ctx, p.store.partitionKey(p.name), identity).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := unpackRedisEntry(b)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (p *redisPartition) Put(ctx context.Context, identity string, entry Entry) error {
	ctx, cancel := p.store.opCtx(ctx)
	defer cancel()
	return p.store.opts.Client.HSet(ctx,
		p.store.partitionKey(p.name), identity, packRedisEntry(entry)).Err()
}

func (p *redisPartition) Len(ctx context.Context) (int, error) {
	ctx, cancel := p.store.opCtx(ctx)
	defer cancel()
	n, err := p.store.opts.Client.HLen(ctx, p.store.partitionKey(p.name)).Result()
	return int(n), err
}

// packRedisEntry prepends the stored-at timestamp to the response bytes so
// one hash field carries the whole entry.
func packRedisEntry(entry Entry) []byte {
	b := make([]byte, 8+len(entry.Bytes))
	binary.BigEndian.PutUint64(b[:8], uint64(entry.StoredAt.Unix()))
	copy(b[8:], entry.Bytes)
	return b
}

func unpackRedisEntry(b []byte) (Entry, error) {
	if len(b) < 8 {
		return Entry{}, errors.New("stored value is too short")
	}
	return Entry{
		StoredAt: time.Unix(int64(binary.BigEndian.Uint64(b[:8])), 0),
		Bytes:    b[8:],
	}, nil
}
