//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronitervo/creditledger"
	storeredis "github.com/ronitervo/creditledger/store/redis"
	"github.com/ronitervo/creditledger/store/storetest"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *storeredis.Store {
	t.Helper()
	// Unique prefix per test to avoid collisions.
	prefix := "test:" + uuid.NewString()[:8] + ":"
	s := storeredis.New(client, storeredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestStoreContract(t *testing.T) {
	client := newTestClient(t)
	storetest.Run(t, func(t *testing.T) creditledger.Store {
		return newTestStore(t, client)
	})
}

func TestPendingIndexFollowsStatus(t *testing.T) {
	client := newTestClient(t)
	s := newTestStore(t, client)
	ctx := context.Background()

	id := creditledger.PurchaseRecordID("token-a")
	rec := creditledger.PurchaseRecord{ID: id, UserID: "u1", Status: creditledger.PurchaseCompleted, ConsumePending: true}
	require.NoError(t, s.RunTx(ctx, func(tx creditledger.Tx) error { return tx.PutPurchase(rec) }))

	pending, err := s.ListPendingConsumption(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	rec.ConsumePending = false
	require.NoError(t, s.RunTx(ctx, func(tx creditledger.Tx) error { return tx.PutPurchase(rec) }))

	pending, err = s.ListPendingConsumption(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestKeyPrefixIsolation(t *testing.T) {
	client := newTestClient(t)
	a := newTestStore(t, client)
	b := newTestStore(t, client)
	ctx := context.Background()

	rec := creditledger.PurchaseRecord{ID: creditledger.PurchaseRecordID("token-a"), UserID: "u1", Status: creditledger.PurchaseProcessing}
	require.NoError(t, a.CreatePurchase(ctx, rec))
	assert.NoError(t, b.CreatePurchase(ctx, rec))
}
