package creditledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ronitervo/creditledger"
	"github.com/ronitervo/creditledger/store"
)

const (
	uid = "user-1"
	sid = "session-0001"
)

// identityPricing bills one credit per USD: no fees, tax, margin or baseline,
// and one USD per million tokens of any class.
func identityPricing() cl.PricingConfig {
	return cl.PricingConfig{
		InputUSDPerMillion:   1,
		OutputUSDPerMillion:  1,
		CreditRetailPriceUSD: 1,
		Decay:                1,
	}
}

func credits(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, opts ...cl.LedgerOption) (*cl.Ledger, *store.MemoryStore) {
	t.Helper()
	curve, err := cl.NewPricingCurve(identityPricing())
	require.NoError(t, err)
	st := store.NewMemoryStore()
	return cl.NewLedger(st, curve, opts...), st
}

func fund(t *testing.T, s cl.Store, userID, amount string) {
	t.Helper()
	err := s.RunTx(context.Background(), func(tx cl.Tx) error {
		return tx.PutBalance(cl.UserBalance{
			UserID:         userID,
			Balance:        credits(amount),
			TotalPurchased: credits(amount),
			TotalConsumed:  decimal.Zero,
			UpdatedAt:      time.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func balanceOf(t *testing.T, l *cl.Ledger, userID string) cl.UserBalance {
	t.Helper()
	b, err := l.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

// tokens returns usage costing usd under identityPricing.
func tokens(usd string) cl.Usage {
	return cl.Usage{InputTokens: credits(usd).Mul(decimal.NewFromInt(1_000_000)).IntPart()}
}

func TestLedger_PlanGenerateScenario(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "10.000")

	plan, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.050"))
	require.NoError(t, err)
	assert.Equal(t, "0.05", plan.Charged.String())
	assert.Equal(t, "9.95", plan.Balance.String())

	st1, err := l.Settle(ctx, plan, tokens("0.1"))
	require.NoError(t, err)
	assert.False(t, st1.Closed)
	assert.True(t, st1.ChargedThisAction.IsZero())

	gen, err := l.Reserve(ctx, uid, sid, cl.ActionGenerate, credits("0.050"))
	require.NoError(t, err)
	assert.True(t, gen.Charged.IsZero())

	st2, err := l.Settle(ctx, gen, cl.Usage{InputTokens: 34_000, OutputTokens: 500_000, ThoughtTokens: 100_000})
	require.NoError(t, err)
	assert.True(t, st2.Closed)
	assert.Equal(t, "0.734", st2.PairCredits.String())
	assert.Equal(t, "0.684", st2.ChargedThisAction.String())
	assert.Equal(t, "0.734", st2.PairCharged.String())
	assert.Equal(t, "9.266", st2.Balance.String())

	b := balanceOf(t, l, uid)
	assert.Equal(t, "9.266", b.Balance.String())
	assert.Equal(t, "0.734", b.TotalConsumed.String())

	sess, err := l.Session(ctx, uid, sid)
	require.NoError(t, err)
	assert.Equal(t, cl.PairIdle, sess.Plan.Current())
	assert.Equal(t, 0, sess.PendingGenerate)
	assert.Equal(t, int64(2), sess.ActionCount)
	assert.Equal(t, cl.ActionGenerate, sess.LastAction)
}

func TestLedger_InsufficientCreditsLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "0.02")

	_, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.05"))
	require.Error(t, err)
	assert.ErrorIs(t, err, cl.ErrResourceExhausted)

	assert.Equal(t, "0.02", balanceOf(t, l, uid).Balance.String())
	sess, err := l.Session(ctx, uid, sid)
	require.NoError(t, err)
	assert.Equal(t, cl.PairIdle, sess.Plan.Current())
	assert.Equal(t, 0, sess.PendingGenerate)
}

func TestLedger_SecondPhaseOrdering(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "10")

	t.Run("generate without plan", func(t *testing.T) {
		_, err := l.Reserve(ctx, uid, sid, cl.ActionGenerate, credits("0.1"))
		assert.ErrorIs(t, err, cl.ErrFailedPrecondition)
		assert.Equal(t, "Planning state is stale. Run planning again before generate.", cl.MessageOf(err))
	})

	t.Run("refine without evaluate", func(t *testing.T) {
		_, err := l.Reserve(ctx, uid, sid, cl.ActionRefine, credits("0.1"))
		assert.ErrorIs(t, err, cl.ErrFailedPrecondition)
		assert.Equal(t, "Evaluation state is stale. Run evaluation again before refine.", cl.MessageOf(err))
	})

	t.Run("generate before plan settled", func(t *testing.T) {
		_, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.1"))
		require.NoError(t, err)
		_, err = l.Reserve(ctx, uid, sid, cl.ActionGenerate, credits("0.1"))
		assert.ErrorIs(t, err, cl.ErrFailedPrecondition)
	})

	assert.Equal(t, "9.9", balanceOf(t, l, uid).Balance.String())
}

func TestLedger_PairsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "10")

	plan, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.1"))
	require.NoError(t, err)
	_, err = l.Settle(ctx, plan, tokens("0.1"))
	require.NoError(t, err)

	eval, err := l.Reserve(ctx, uid, sid, cl.ActionEvaluate, credits("0.2"))
	require.NoError(t, err)
	_, err = l.Settle(ctx, eval, tokens("0.2"))
	require.NoError(t, err)

	sess, err := l.Session(ctx, uid, sid)
	require.NoError(t, err)
	assert.Equal(t, cl.PairAwaitingSecond, sess.Plan.Current())
	assert.Equal(t, cl.PairAwaitingSecond, sess.Evaluate.Current())
	assert.Equal(t, 1, sess.PendingGenerate)
	assert.Equal(t, 1, sess.PendingRefine)

	refine, err := l.Reserve(ctx, uid, sid, cl.ActionRefine, credits("0.2"))
	require.NoError(t, err)
	st2, err := l.Settle(ctx, refine, tokens("0.1"))
	require.NoError(t, err)
	assert.Equal(t, "0.3", st2.PairCredits.String())
	assert.Equal(t, "0.1", st2.ChargedThisAction.String())

	sess, err = l.Session(ctx, uid, sid)
	require.NoError(t, err)
	assert.Equal(t, cl.PairAwaitingSecond, sess.Plan.Current())
	assert.Equal(t, cl.PairIdle, sess.Evaluate.Current())
	assert.Equal(t, 0, sess.PendingRefine)
}

func TestLedger_RollbackFirstPhase(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "10")

	res, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.123"))
	require.NoError(t, err)
	assert.Equal(t, "9.877", res.Balance.String())

	b, err := l.Rollback(ctx, res, "generator unavailable")
	require.NoError(t, err)
	assert.Equal(t, "10", b.Balance.String())
	assert.True(t, b.TotalConsumed.IsZero())

	sess, err := l.Session(ctx, uid, sid)
	require.NoError(t, err)
	assert.Equal(t, cl.PairIdle, sess.Plan.Current())
	assert.Equal(t, 0, sess.PendingGenerate)
	assert.Equal(t, cl.ActionPlan, sess.LastFailedAction)
	assert.Equal(t, "generator unavailable", sess.LastFailureReason)
}

func TestLedger_RollbackSecondPhaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "10")

	plan, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.1"))
	require.NoError(t, err)
	_, err = l.Settle(ctx, plan, tokens("0.1"))
	require.NoError(t, err)

	gen, err := l.Reserve(ctx, uid, sid, cl.ActionGenerate, credits("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "0.4", gen.Charged.String())
	assert.Equal(t, "9.5", gen.Balance.String())

	b, err := l.Rollback(ctx, gen, "timeout")
	require.NoError(t, err)
	assert.Equal(t, "9.9", b.Balance.String())

	sess, err := l.Session(ctx, uid, sid)
	require.NoError(t, err)
	assert.Equal(t, cl.PairAwaitingSecond, sess.Plan.Current())
	assert.Equal(t, 1, sess.PendingGenerate)
	assert.Equal(t, "0.1", sess.Plan.ReservedCredits.String())

	gen, err = l.Reserve(ctx, uid, sid, cl.ActionGenerate, credits("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "0.4", gen.Charged.String())
}

func TestLedger_OverrunGoesNegative(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "0.1")

	plan, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.1"))
	require.NoError(t, err)
	_, err = l.Settle(ctx, plan, tokens("0.1"))
	require.NoError(t, err)

	gen, err := l.Reserve(ctx, uid, sid, cl.ActionGenerate, credits("0.1"))
	require.NoError(t, err)
	assert.True(t, gen.Charged.IsZero())

	settled, err := l.Settle(ctx, gen, tokens("0.4"))
	require.NoError(t, err)
	assert.Equal(t, "0.4", settled.ChargedThisAction.String())
	assert.Equal(t, "-0.4", settled.Balance.String())

	b := balanceOf(t, l, uid)
	assert.True(t, b.HasNegativeBalance())
	assert.Equal(t, "0.4", b.Debt().String())

	_, err = l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.01"))
	assert.ErrorIs(t, err, cl.ErrResourceExhausted)
}

func TestLedger_OverReservation(t *testing.T) {
	run := func(t *testing.T, refund bool) decimal.Decimal {
		ctx := context.Background()
		l, st := newTestLedger(t, cl.WithRefundOverReservation(refund))
		fund(t, st, uid, "10")

		plan, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.5"))
		require.NoError(t, err)
		_, err = l.Settle(ctx, plan, tokens("0.1"))
		require.NoError(t, err)
		gen, err := l.Reserve(ctx, uid, sid, cl.ActionGenerate, credits("0.5"))
		require.NoError(t, err)
		settled, err := l.Settle(ctx, gen, tokens("0.1"))
		require.NoError(t, err)
		assert.Equal(t, "0.2", settled.PairCredits.String())
		return balanceOf(t, l, uid).Balance
	}

	t.Run("kept by default", func(t *testing.T) {
		assert.Equal(t, "9.5", run(t, false).String())
	})
	t.Run("refunded when enabled", func(t *testing.T) {
		assert.Equal(t, "9.8", run(t, true).String())
	})
}

func TestLedger_ReplanSupersedesPair(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "10")

	first, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.05"))
	require.NoError(t, err)
	_, err = l.Settle(ctx, first, tokens("0.05"))
	require.NoError(t, err)

	second, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.05"))
	require.NoError(t, err)
	assert.Equal(t, "9.9", second.Balance.String())

	sess, err := l.Session(ctx, uid, sid)
	require.NoError(t, err)
	assert.Equal(t, cl.PairFirstReserved, sess.Plan.Current())
	assert.Equal(t, second.ID, sess.Plan.ReservationID)
	assert.Equal(t, "0.05", sess.Plan.ReservedCredits.String())
	assert.Equal(t, 1, sess.PendingGenerate)

	// The superseded reservation can no longer settle.
	_, err = l.Settle(ctx, first, tokens("0.05"))
	assert.ErrorIs(t, err, cl.ErrFailedPrecondition)
}

func TestLedger_ReserveForCostUsesStashedPairCost(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "10")

	plan, err := l.ReserveForCost(ctx, uid, sid, cl.ActionPlan, credits("0.05"))
	require.NoError(t, err)
	assert.Equal(t, "0.05", plan.Target.String())
	_, err = l.Settle(ctx, plan, tokens("0.2"))
	require.NoError(t, err)

	gen, err := l.ReserveForCost(ctx, uid, sid, cl.ActionGenerate, credits("0.3"))
	require.NoError(t, err)
	assert.Equal(t, "0.5", gen.Target.String())
	assert.Equal(t, "0.45", gen.Charged.String())
}

func TestLedger_ConcurrentSecondPhaseOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	fund(t, st, uid, "10")

	plan, err := l.Reserve(ctx, uid, sid, cl.ActionPlan, credits("0.1"))
	require.NoError(t, err)
	_, err = l.Settle(ctx, plan, tokens("0.1"))
	require.NoError(t, err)

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, uid, sid, cl.ActionGenerate, credits("0.2"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	for _, err := range errs {
		assert.ErrorIs(t, err, cl.ErrFailedPrecondition)
	}
	assert.Equal(t, "9.8", balanceOf(t, l, uid).Balance.String())
}

func TestLedger_Conservation(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, cl.WithMaxTxAttempts(50))
	fund(t, st, uid, "100")

	const sessions = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged = decimal.Zero
		failed  []error
	)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("session-%04d", i)
			for round := 0; round < 3; round++ {
				plan, err := l.Reserve(ctx, uid, session, cl.ActionPlan, credits("0.25"))
				if err != nil {
					mu.Lock()
					failed = append(failed, err)
					mu.Unlock()
					return
				}
				if round == 1 {
					// A failed call is refunded in full.
					_, err := l.Rollback(ctx, plan, "boom")
					if err != nil {
						mu.Lock()
						failed = append(failed, err)
						mu.Unlock()
					}
					continue
				}
				if _, err := l.Settle(ctx, plan, tokens("0.2")); err != nil {
					mu.Lock()
					failed = append(failed, err)
					mu.Unlock()
					return
				}
				gen, err := l.Reserve(ctx, uid, session, cl.ActionGenerate, credits("0.6"))
				if err != nil {
					mu.Lock()
					failed = append(failed, err)
					mu.Unlock()
					return
				}
				settled, err := l.Settle(ctx, gen, tokens("0.3"))
				if err != nil {
					mu.Lock()
					failed = append(failed, err)
					mu.Unlock()
					return
				}
				mu.Lock()
				charged = charged.Add(settled.PairCharged)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Empty(t, failed)

	b := balanceOf(t, l, uid)
	assert.True(t, b.Balance.Add(b.TotalConsumed).Equal(b.TotalPurchased), "balance %s + consumed %s != purchased %s", b.Balance, b.TotalConsumed, b.TotalPurchased)
	assert.True(t, b.TotalConsumed.Equal(charged), "consumed %s != charged %s", b.TotalConsumed, charged)
	// 6 sessions × 2 closed pairs × max(0.6 reserved, 0.5 billed).
	assert.Equal(t, "7.2", charged.String())
}

func TestLedger_InvalidRequests(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	tests := []struct {
		name    string
		userID  string
		session string
		action  cl.Action
		target  string
		want    error
	}{
		{"missing user", "", sid, cl.ActionPlan, "0.1", cl.ErrUnauthenticated},
		{"short session", uid, "abc", cl.ActionPlan, "0.1", cl.ErrInvalidArgument},
		{"session charset", uid, "session/0001", cl.ActionPlan, "0.1", cl.ErrInvalidArgument},
		{"unknown action", uid, sid, cl.Action("paint"), "0.1", cl.ErrInvalidArgument},
		{"negative target", uid, sid, cl.ActionPlan, "-0.1", cl.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Reserve(ctx, tt.userID, tt.session, tt.action, credits(tt.target))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLedger_BalanceCreatesZeroRecord(t *testing.T) {
	l, _ := newTestLedger(t)
	b := balanceOf(t, l, "new-user")
	assert.Equal(t, "new-user", b.UserID)
	assert.True(t, b.Balance.IsZero())

	_, err := l.Balance(context.Background(), "")
	assert.True(t, errors.Is(err, cl.ErrUnauthenticated))
}
