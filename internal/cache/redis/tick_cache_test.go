package redis_test

import (
	"ILShield/internal/cache/redis"
	"ILShield/internal/testutil"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func newTickCache(t *testing.T) *redis.TickCache {
	t.Helper()
	testutil.RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := redis.New(ctx, redis.ClientConfig{
		Addr:      testutil.TestRedisAddr(),
		PoolSize:  4,
		KeyPrefix: "ilshield-test:" + uuid.NewString() + ":",
	})
	if err != nil {
		t.Skipf("test redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return redis.NewTickCache(client)
}

func TestTickCache_SetAndGet(t *testing.T) {
	tc := newTickCache(t)
	ctx := context.Background()
	pool := common.HexToHash("0x01")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	applied, err := tc.SetTick(ctx, pool, -6932, 5, now)
	if err != nil || !applied {
		t.Fatalf("SetTick: applied=%v err=%v", applied, err)
	}

	got, err := tc.GetTick(ctx, pool)
	if err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	if got.Tick != -6932 || got.Sequence != 5 || !got.UpdatedAt.Equal(now) {
		t.Errorf("got %+v", got)
	}
}

func TestTickCache_OlderSequenceIgnored(t *testing.T) {
	tc := newTickCache(t)
	ctx := context.Background()
	pool := common.HexToHash("0x02")
	now := time.Now().UTC()

	if _, err := tc.SetTick(ctx, pool, 100, 10, now); err != nil {
		t.Fatal(err)
	}
	applied, err := tc.SetTick(ctx, pool, 50, 9, now)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("older sequence must not overwrite")
	}

	got, _ := tc.GetTick(ctx, pool)
	if got.Tick != 100 {
		t.Errorf("tick: got %d, want 100", got.Tick)
	}
}

func TestTickCache_Missing(t *testing.T) {
	tc := newTickCache(t)

	_, err := tc.GetTick(context.Background(), common.HexToHash("0xdead"))
	if !errors.Is(err, redis.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestTickCache_GetTicksOmitsMissing(t *testing.T) {
	tc := newTickCache(t)
	ctx := context.Background()
	known := common.HexToHash("0x03")
	unknown := common.HexToHash("0x04")

	if _, err := tc.SetTick(ctx, known, 7, 1, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := tc.GetTicks(ctx, []common.Hash{known, unknown})
	if err != nil {
		t.Fatalf("GetTicks: %v", err)
	}
	if len(got) != 1 || got[known].Tick != 7 {
		t.Errorf("got %+v, want only %s", got, known.Hex())
	}
}
