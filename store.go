package creditledger

import (
	"context"
	"errors"
	"time"
)

// Store persists balances, sessions and purchase records.
//
// Implementations must give RunTx serializable semantics: every read made
// through the Tx is validated at commit time and a concurrent change yields
// ErrConflict, in which case the caller retries the whole function.
type Store interface {
	// RunTx executes fn in a single all-or-nothing transaction. fn must not
	// have side effects outside the Tx since it may be invoked again after a
	// conflict. Returns ErrConflict if the commit lost a race.
	RunTx(ctx context.Context, fn func(tx Tx) error) error

	// CreatePurchase inserts rec only if no record with rec.ID exists.
	// Returns ErrAlreadyExists otherwise.
	CreatePurchase(ctx context.Context, rec PurchaseRecord) error

	// ListPendingConsumption returns up to limit completed purchase records
	// whose store-side consumption has not succeeded yet.
	ListPendingConsumption(ctx context.Context, limit int) ([]PurchaseRecord, error)

	// DeleteUser removes every purchase and session record owned by userID,
	// then the balance record.
	DeleteUser(ctx context.Context, userID string) error
}

// Tx is the view of the store inside RunTx. Writes are buffered until commit.
type Tx interface {
	// GetBalance returns the balance record, or found=false if none exists.
	GetBalance(userID string) (b UserBalance, found bool, err error)
	PutBalance(b UserBalance) error

	GetSession(userID, sessionID string) (s GenerationSession, found bool, err error)
	PutSession(s GenerationSession) error

	GetPurchase(id string) (rec PurchaseRecord, found bool, err error)
	PutPurchase(rec PurchaseRecord) error
}

// runTx runs fn through s.RunTx, retrying up to attempts times on ErrConflict.
func runTx(ctx context.Context, s Store, attempts int, fn func(tx Tx) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = s.RunTx(ctx, fn)
		if err == nil || !isConflict(err) {
			return err
		}
		if i+1 < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(i)):
			}
		}
	}
	return wrapError(ErrAborted, err, "too much contention, retry later")
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * 2 * time.Millisecond
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
