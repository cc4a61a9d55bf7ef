package decks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// redisTestClient connects to REKERNEL_TEST_REDIS_ADDR (defaulting to
// localhost:6379) and skips the test if nothing answers, the same
// env-var-gated pattern the rest of the pack uses for tests that need a
// real external service rather than a fake.
func redisTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REKERNEL_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("no redis reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// TestRedisTagIndex_SharesTagsAcrossTagFSInstances exercises the
// multi-process deployment this index exists for (tagfs.go's TagIndex doc
// comment): two independent MemTagFS instances, each wrapping the same
// Redis-backed TagIndex, see each other's tags even though their file
// content stores are unrelated in-process maps.
func TestRedisTagIndex_SharesTagsAcrossTagFSInstances(t *testing.T) {
	client := redisTestClient(t)
	prefix := "ekernel:test:" + t.Name() + ":"
	ctx := context.Background()

	index := NewRedisTagIndex(client, prefix)
	t.Cleanup(func() {
		ids, _ := index.Query(ctx, "hot")
		for _, id := range ids {
			_ = index.Remove(ctx, "hot", id)
		}
	})

	fsA := NewMemTagFS(index)
	fsB := NewMemTagFS(index)

	fid, err := fsA.CreateTagged(ctx, "a-report", []string{"hot"})
	require.NoError(t, err)

	// fsB never created this file, but queries the same Redis-backed index.
	ids, err := fsB.Index().Query(ctx, "hot")
	require.NoError(t, err)
	require.Contains(t, ids, fid)

	require.NoError(t, index.Remove(ctx, "hot", fid))
	ids, err = index.Query(ctx, "hot")
	require.NoError(t, err)
	require.NotContains(t, ids, fid)
}

// TestStorageDeck_OverRedisBackedTagFS wires NewRedisTagIndex into
// NewMemTagFS the way kernel.go's WithTagFS expects, builds a Storage deck
// over it, then issues a create and a tag query through the TagFS methods
// directly (no deck operation is dispatched).
func TestStorageDeck_OverRedisBackedTagFS(t *testing.T) {
	client := redisTestClient(t)
	prefix := "ekernel:test:" + t.Name() + ":"

	fs := NewMemTagFS(NewRedisTagIndex(client, prefix))
	d := NewStorageDeck(fs)
	require.NotNil(t, d)

	ctx := context.Background()
	fid, err := fs.CreateTagged(ctx, "cfg.json", []string{"config"})
	require.NoError(t, err)

	ids, err := fs.Index().Query(ctx, "config")
	require.NoError(t, err)
	require.Contains(t, ids, fid)
}
