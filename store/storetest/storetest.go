// Package storetest holds the behavior every creditledger.Store must show.
// Store packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronitervo/creditledger"
)

// Run exercises newStore against the Store contract. Each subtest gets a
// fresh store.
func Run(t *testing.T, newStore func(t *testing.T) creditledger.Store) {
	t.Run("MissingDocuments", func(t *testing.T) { testMissing(t, newStore(t)) })
	t.Run("CommitAndRead", func(t *testing.T) { testCommitAndRead(t, newStore(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, newStore(t)) })
	t.Run("ErrorDiscardsWrites", func(t *testing.T) { testErrorDiscards(t, newStore(t)) })
	t.Run("ConflictingCommit", func(t *testing.T) { testConflict(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
	t.Run("CreatePurchaseOnce", func(t *testing.T) { testCreatePurchase(t, newStore(t)) })
	t.Run("ListPendingConsumption", func(t *testing.T) { testListPending(t, newStore(t)) })
	t.Run("DeleteUser", func(t *testing.T) { testDeleteUser(t, newStore(t)) })
}

func credits(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func putBalance(t *testing.T, s creditledger.Store, userID, amount string) {
	t.Helper()
	err := s.RunTx(context.Background(), func(tx creditledger.Tx) error {
		return tx.PutBalance(creditledger.UserBalance{
			UserID:         userID,
			Balance:        credits(amount),
			TotalPurchased: credits(amount),
			TotalConsumed:  decimal.Zero,
			UpdatedAt:      time.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func readBalance(t *testing.T, s creditledger.Store, userID string) (creditledger.UserBalance, bool) {
	t.Helper()
	var (
		out   creditledger.UserBalance
		found bool
	)
	err := s.RunTx(context.Background(), func(tx creditledger.Tx) error {
		var err error
		out, found, err = tx.GetBalance(userID)
		return err
	})
	require.NoError(t, err)
	return out, found
}

func testMissing(t *testing.T, s creditledger.Store) {
	err := s.RunTx(context.Background(), func(tx creditledger.Tx) error {
		_, found, err := tx.GetBalance("nobody")
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = tx.GetSession("nobody", "session-0001")
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = tx.GetPurchase("deadbeef")
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
}

func testCommitAndRead(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	sess := creditledger.GenerationSession{
		UserID:          "u1",
		SessionID:       "session-0001",
		PendingGenerate: 1,
		Plan: creditledger.PairState{
			Phase:           creditledger.PairAwaitingSecond,
			ReservationID:   "r1",
			CostUSD:         credits("0.0123"),
			Tokens:          4200,
			ReservedCredits: credits("0.734"),
		},
		ActionCount: 1,
		LastAction:  creditledger.ActionPlan,
		UpdatedAt:   time.Now().UTC(),
	}
	err := s.RunTx(ctx, func(tx creditledger.Tx) error {
		if err := tx.PutBalance(creditledger.UserBalance{UserID: "u1", Balance: credits("9.266"), UpdatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		return tx.PutSession(sess)
	})
	require.NoError(t, err)

	err = s.RunTx(ctx, func(tx creditledger.Tx) error {
		b, found, err := tx.GetBalance("u1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "9.266", b.Balance.String())

		got, found, err := tx.GetSession("u1", "session-0001")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 1, got.PendingGenerate)
		assert.Equal(t, creditledger.PairAwaitingSecond, got.Plan.Phase)
		assert.Equal(t, "r1", got.Plan.ReservationID)
		assert.True(t, got.Plan.CostUSD.Equal(credits("0.0123")))
		assert.True(t, got.Plan.ReservedCredits.Equal(credits("0.734")))
		assert.Equal(t, int64(4200), got.Plan.Tokens)
		assert.Equal(t, creditledger.ActionPlan, got.LastAction)
		return nil
	})
	require.NoError(t, err)
}

func testReadYourWrites(t *testing.T, s creditledger.Store) {
	err := s.RunTx(context.Background(), func(tx creditledger.Tx) error {
		require.NoError(t, tx.PutBalance(creditledger.UserBalance{UserID: "u1", Balance: credits("3")}))
		b, found, err := tx.GetBalance("u1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "3", b.Balance.String())
		return nil
	})
	require.NoError(t, err)
}

func testErrorDiscards(t *testing.T, s creditledger.Store) {
	boom := errors.New("boom")
	err := s.RunTx(context.Background(), func(tx creditledger.Tx) error {
		require.NoError(t, tx.PutBalance(creditledger.UserBalance{UserID: "u1", Balance: credits("3")}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, found := readBalance(t, s, "u1")
	assert.False(t, found)
}

func testConflict(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	putBalance(t, s, "u1", "10")

	err := s.RunTx(ctx, func(tx creditledger.Tx) error {
		b, _, err := tx.GetBalance("u1")
		if err != nil {
			return err
		}

		// A competing transaction commits after our read.
		putBalance(t, s, "u1", "20")

		b.Balance = b.Balance.Sub(credits("1"))
		return tx.PutBalance(b)
	})
	assert.ErrorIs(t, err, creditledger.ErrConflict)

	b, _ := readBalance(t, s, "u1")
	assert.Equal(t, "20", b.Balance.String())
}

func testConcurrentIncrements(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	putBalance(t, s, "u1", "0")

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 200; attempt++ {
				err := s.RunTx(ctx, func(tx creditledger.Tx) error {
					b, _, err := tx.GetBalance("u1")
					if err != nil {
						return err
					}
					b.Balance = b.Balance.Add(credits("0.125"))
					return tx.PutBalance(b)
				})
				if errors.Is(err, creditledger.ErrConflict) {
					time.Sleep(time.Millisecond)
					continue
				}
				errs <- err
				return
			}
			errs <- errors.New("too many conflicts")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	b, _ := readBalance(t, s, "u1")
	assert.Equal(t, "1.25", b.Balance.String())
}

func newPurchase(id, userID string) creditledger.PurchaseRecord {
	now := time.Now().UTC()
	return creditledger.PurchaseRecord{
		ID:             id,
		UserID:         userID,
		ProductID:      "credits_100",
		Status:         creditledger.PurchaseProcessing,
		CreditsGranted: decimal.Zero,
		BalanceAfter:   decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testCreatePurchase(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	rec := newPurchase(creditledger.PurchaseRecordID("token-a"), "u1")

	require.NoError(t, s.CreatePurchase(ctx, rec))
	assert.ErrorIs(t, s.CreatePurchase(ctx, rec), creditledger.ErrAlreadyExists)

	other := newPurchase(rec.ID, "u2")
	assert.ErrorIs(t, s.CreatePurchase(ctx, other), creditledger.ErrAlreadyExists)

	err := s.RunTx(ctx, func(tx creditledger.Tx) error {
		got, found, err := tx.GetPurchase(rec.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, creditledger.PurchaseProcessing, got.Status)
		return nil
	})
	require.NoError(t, err)
}

func testListPending(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, token := range []string{"token-a", "token-b", "token-c"} {
		rec := newPurchase(creditledger.PurchaseRecordID(token), "u1")
		require.NoError(t, s.CreatePurchase(ctx, rec))

		rec.Status = creditledger.PurchaseCompleted
		rec.CreditsGranted = credits("100")
		rec.ConsumePending = token != "token-b"
		rec.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.RunTx(ctx, func(tx creditledger.Tx) error { return tx.PutPurchase(rec) }))
	}

	pending, err := s.ListPendingConsumption(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, creditledger.PurchaseRecordID("token-a"), pending[0].ID)
	assert.Equal(t, creditledger.PurchaseRecordID("token-c"), pending[1].ID)

	pending, err = s.ListPendingConsumption(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func testDeleteUser(t *testing.T, s creditledger.Store) {
	ctx := context.Background()
	for _, uid := range []string{"u1", "u2"} {
		putBalance(t, s, uid, "5")
		err := s.RunTx(ctx, func(tx creditledger.Tx) error {
			return tx.PutSession(creditledger.GenerationSession{UserID: uid, SessionID: "session-0001"})
		})
		require.NoError(t, err)
		require.NoError(t, s.CreatePurchase(ctx, newPurchase(creditledger.PurchaseRecordID("token-"+uid), uid)))
	}

	require.NoError(t, s.DeleteUser(ctx, "u1"))

	err := s.RunTx(ctx, func(tx creditledger.Tx) error {
		_, found, err := tx.GetBalance("u1")
		require.NoError(t, err)
		assert.False(t, found)
		_, found, err = tx.GetSession("u1", "session-0001")
		require.NoError(t, err)
		assert.False(t, found)
		_, found, err = tx.GetPurchase(creditledger.PurchaseRecordID("token-u1"))
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = tx.GetBalance("u2")
		require.NoError(t, err)
		assert.True(t, found)
		_, found, err = tx.GetSession("u2", "session-0001")
		require.NoError(t, err)
		assert.True(t, found)
		_, found, err = tx.GetPurchase(creditledger.PurchaseRecordID("token-u2"))
		require.NoError(t, err)
		assert.True(t, found)
		return nil
	})
	require.NoError(t, err)
}
