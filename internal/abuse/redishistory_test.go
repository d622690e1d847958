package abuse

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *RedisHistory {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_URL")
	if addr == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		rdb.Del(context.Background(), key(9001))
		rdb.Close()
	})
	return NewRedisHistory(rdb)
}

func TestRedisHistoryWindow(t *testing.T) {
	h := testRedis(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		n, err := h.Record(ctx, 9001, start.Add(time.Duration(i)*10*time.Second), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if n != i+1 {
			t.Fatalf("record %d count = %d", i, n)
		}
	}

	// only the last two fall inside a 15s window ending at +30s
	n, err := h.CountWindow(ctx, 9001, start.Add(30*time.Second), 15*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("window count = %d, want 2", n)
	}
}
