package decks

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisTagIndex backs TagIndex with Redis sets, one set per tag, so a tag
// index can be shared across kernel processes on different hosts instead
// of living in one process's heap.
type RedisTagIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisTagIndex wraps an existing client. prefix namespaces the tag keys
// (e.g. "ekernel:tag:") so the index can share a Redis instance safely.
func NewRedisTagIndex(client *redis.Client, prefix string) *RedisTagIndex {
	if prefix == "" {
		prefix = "ekernel:tag:"
	}
	return &RedisTagIndex{client: client, prefix: prefix}
}

func (r *RedisTagIndex) key(tag string) string { return r.prefix + tag }

func (r *RedisTagIndex) Add(ctx context.Context, tag string, fid FileID) error {
	return r.client.SAdd(ctx, r.key(tag), uint32(fid)).Err()
}

func (r *RedisTagIndex) Remove(ctx context.Context, tag string, fid FileID) error {
	return r.client.SRem(ctx, r.key(tag), uint32(fid)).Err()
}

func (r *RedisTagIndex) Query(ctx context.Context, tag string) ([]FileID, error) {
	members, err := r.client.SMembers(ctx, r.key(tag)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FileID, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, FileID(n))
	}
	return out, nil
}
