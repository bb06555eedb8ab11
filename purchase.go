package creditledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseStaleAfter is how long a processing record may stay untouched
// before another request is allowed to take it over.
const PurchaseStaleAfter = 5 * time.Minute

const maxPurchaseTokenLen = 4096

// StorePurchaseState is the purchase state reported by the app store.
type StorePurchaseState string

const (
	StorePurchasePurchased StorePurchaseState = "purchased"
	StorePurchasePending   StorePurchaseState = "pending"
	StorePurchaseCanceled  StorePurchaseState = "canceled"
)

// PurchaseVerification is the store's view of a purchase token.
type PurchaseVerification struct {
	State StorePurchaseState
	// Consumed is true if the store reports the purchase was consumed before.
	Consumed bool
	// AccountID is the account identifier embedded at purchase time, if any.
	AccountID string
	OrderID   string
}

// PurchaseVerifier is the app store collaborator.
type PurchaseVerifier interface {
	// Verify looks up purchaseToken for productID.
	Verify(ctx context.Context, productID, purchaseToken string) (PurchaseVerification, error)

	// Consume marks the purchase consumed so the product can be bought again.
	// It must be idempotent on the store side.
	Consume(ctx context.Context, productID, purchaseToken string) error
}

// PurchaseRecordID derives the purchase record id from a purchase token.
// The token itself is never stored.
func PurchaseRecordID(purchaseToken string) string {
	sum := sha256.Sum256([]byte(purchaseToken))
	return hex.EncodeToString(sum[:])
}

// PurchaseCreditor grants credits from verified store purchases, at most once
// per purchase token.
type PurchaseCreditor struct {
	store      Store
	verifier   PurchaseVerifier
	products   map[string]decimal.Decimal
	staleAfter time.Duration
	attempts   int
	meter      Meter
	logger     *slog.Logger
	now        func() time.Time
}

// PurchaseOption configures a PurchaseCreditor.
type PurchaseOption func(*PurchaseCreditor)

// WithPurchaseMeter sets the meter.
func WithPurchaseMeter(m Meter) PurchaseOption {
	return func(c *PurchaseCreditor) { c.meter = m }
}

// WithPurchaseLogger sets the logger.
func WithPurchaseLogger(logger *slog.Logger) PurchaseOption {
	return func(c *PurchaseCreditor) { c.logger = logger }
}

// WithStaleAfter overrides PurchaseStaleAfter.
func WithStaleAfter(d time.Duration) PurchaseOption {
	return func(c *PurchaseCreditor) { c.staleAfter = d }
}

// WithPurchaseClock overrides time.Now.
func WithPurchaseClock(now func() time.Time) PurchaseOption {
	return func(c *PurchaseCreditor) { c.now = now }
}

// WithPurchaseTxAttempts bounds the optimistic retries of one transition.
func WithPurchaseTxAttempts(n int) PurchaseOption {
	return func(c *PurchaseCreditor) { c.attempts = n }
}

// NewPurchaseCreditor creates a creditor granting products[productID]
// credits per purchase.
func NewPurchaseCreditor(store Store, verifier PurchaseVerifier, products map[string]float64, opts ...PurchaseOption) *PurchaseCreditor {
	c := &PurchaseCreditor{
		store:      store,
		verifier:   verifier,
		products:   make(map[string]decimal.Decimal, len(products)),
		staleAfter: PurchaseStaleAfter,
		attempts:   8,
		now:        time.Now,
	}
	for id, credits := range products {
		c.products[id] = Credits(credits)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.meter == nil {
		c.meter = noopMeter{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	return c
}

// CreditFromPurchase verifies purchaseToken with the store and credits the
// product's grant to userID. Duplicate and concurrent submissions of the same
// token credit the account exactly once; a submission racing a live
// in-flight one fails with ErrAborted and may be retried.
func (c *PurchaseCreditor) CreditFromPurchase(ctx context.Context, userID, purchaseToken, productID string) (PurchaseResult, error) {
	res, err := c.creditFromPurchase(ctx, userID, purchaseToken, productID)
	c.meter.OnPurchase(PurchaseEvent{
		UserID:          userID,
		ProductID:       productID,
		AlreadyCredited: res.AlreadyCredited,
		CreditsGranted:  res.CreditsGranted,
		Error:           err,
	})
	return res, err
}

func (c *PurchaseCreditor) creditFromPurchase(ctx context.Context, userID, purchaseToken, productID string) (PurchaseResult, error) {
	if userID == "" {
		return PurchaseResult{}, newError(ErrUnauthenticated, "missing user")
	}
	if purchaseToken == "" || len(purchaseToken) > maxPurchaseTokenLen {
		return PurchaseResult{}, newError(ErrInvalidArgument, "invalid purchase token")
	}
	credits, ok := c.products[productID]
	if !ok {
		return PurchaseResult{}, newError(ErrInvalidArgument, "unknown product %q", productID)
	}

	id := PurchaseRecordID(purchaseToken)
	now := c.now().UTC()

	err := c.store.CreatePurchase(ctx, PurchaseRecord{
		ID:             id,
		UserID:         userID,
		ProductID:      productID,
		Status:         PurchaseProcessing,
		CreditsGranted: decimal.Zero,
		BalanceAfter:   decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyExists):
		existing, claimed, err := c.claim(ctx, userID, id)
		if err != nil {
			return PurchaseResult{}, err
		}
		if !claimed {
			if existing.ConsumePending {
				c.consume(ctx, id, productID, purchaseToken)
			}
			return PurchaseResult{
				AlreadyCredited: true,
				Balance:         existing.BalanceAfter,
				CreditsGranted:  decimal.Zero,
			}, nil
		}
	default:
		return PurchaseResult{}, wrapError(ErrInternal, err, "create purchase record")
	}

	v, err := c.verifier.Verify(ctx, productID, purchaseToken)
	if err != nil {
		c.markFailed(ctx, id, err.Error())
		return PurchaseResult{}, wrapError(ErrInternal, err, "verify purchase")
	}
	if v.State != StorePurchasePurchased {
		c.markFailed(ctx, id, "purchase state "+string(v.State))
		return PurchaseResult{}, newError(ErrFailedPrecondition, "purchase is not completed (state %s)", v.State)
	}
	if v.AccountID != "" && v.AccountID != userID {
		c.markFailed(ctx, id, "account mismatch")
		return PurchaseResult{}, newError(ErrPermissionDenied, "purchase belongs to another account")
	}

	if v.Consumed {
		rec, _, err := c.complete(ctx, userID, id, decimal.Zero, false)
		if err != nil {
			return PurchaseResult{}, err
		}
		bal := rec.BalanceAfter
		c.logger.Warn("purchase token already consumed, no credits granted",
			"uid", userID,
			"product", productID,
			"purchase", id,
		)
		return PurchaseResult{AlreadyCredited: true, Balance: bal, CreditsGranted: decimal.Zero}, nil
	}

	rec, granted, err := c.complete(ctx, userID, id, credits, true)
	if err != nil {
		return PurchaseResult{}, err
	}
	bal := rec.BalanceAfter
	if !granted {
		// A request that took over this record finished first.
		c.logger.Info("purchase completed by a concurrent request",
			"uid", userID,
			"product", productID,
			"purchase", id,
		)
		if rec.ConsumePending {
			c.consume(ctx, id, productID, purchaseToken)
		}
		return PurchaseResult{AlreadyCredited: true, Balance: bal, CreditsGranted: decimal.Zero}, nil
	}
	c.logger.Info("purchase credited",
		"uid", userID,
		"product", productID,
		"purchase", id,
		"credits", credits.String(),
		"balance", bal.String(),
	)

	c.consume(ctx, id, productID, purchaseToken)

	return PurchaseResult{AlreadyCredited: false, Balance: bal, CreditsGranted: credits}, nil
}

// claim inspects an existing record. It returns claimed=true if this request
// took over a failed or abandoned record and must run verification, or the
// completed record otherwise.
func (c *PurchaseCreditor) claim(ctx context.Context, userID, id string) (PurchaseRecord, bool, error) {
	var (
		out     PurchaseRecord
		claimed bool
	)
	err := runTx(ctx, c.store, c.attempts, func(tx Tx) error {
		claimed = false
		rec, found, err := tx.GetPurchase(id)
		if err != nil {
			return err
		}
		if !found {
			return newError(ErrAborted, "purchase record disappeared, retry later")
		}
		if rec.UserID != userID {
			return newError(ErrPermissionDenied, "purchase belongs to another account")
		}

		now := c.now().UTC()
		switch {
		case rec.Status == PurchaseCompleted:
			out = rec
			return nil
		case rec.Status == PurchaseFailed,
			rec.Status == PurchaseProcessing && now.Sub(rec.UpdatedAt) > c.staleAfter:
			rec.Status = PurchaseProcessing
			rec.LastError = ""
			rec.UpdatedAt = now
			if err := tx.PutPurchase(rec); err != nil {
				return err
			}
			out = rec
			claimed = true
			return nil
		default:
			return newError(ErrAborted, "purchase is being processed, retry later")
		}
	})
	if err != nil {
		return PurchaseRecord{}, false, categorize(err, "claim purchase")
	}
	return out, claimed, nil
}

// complete credits the grant and marks the record completed in one
// transaction. It returns the completed record and whether this call granted
// the credits; granted is false if another request completed it first.
func (c *PurchaseCreditor) complete(ctx context.Context, userID, id string, credits decimal.Decimal, consumePending bool) (PurchaseRecord, bool, error) {
	var (
		out     PurchaseRecord
		granted bool
	)
	err := runTx(ctx, c.store, c.attempts, func(tx Tx) error {
		granted = false
		rec, found, err := tx.GetPurchase(id)
		if err != nil {
			return err
		}
		if !found {
			return newError(ErrAborted, "purchase record disappeared, retry later")
		}
		if rec.Status == PurchaseCompleted {
			out = rec
			return nil
		}

		now := c.now().UTC()
		bal, found, err := tx.GetBalance(userID)
		if err != nil {
			return err
		}
		if !found {
			bal = UserBalance{UserID: userID}
		}
		bal.Balance = RoundCredits(bal.Balance.Add(credits))
		bal.TotalPurchased = RoundCredits(bal.TotalPurchased.Add(credits))
		bal.UpdatedAt = now

		rec.Status = PurchaseCompleted
		rec.CreditsGranted = credits
		rec.BalanceAfter = bal.Balance
		rec.ConsumePending = consumePending
		rec.LastError = ""
		rec.UpdatedAt = now

		if err := tx.PutBalance(bal); err != nil {
			return err
		}
		if err := tx.PutPurchase(rec); err != nil {
			return err
		}
		out = rec
		granted = true
		return nil
	})
	if err != nil {
		return PurchaseRecord{}, false, categorize(err, "complete purchase")
	}
	return out, granted, nil
}

// consume runs the store-side consumption step. Failure leaves ConsumePending
// set; crediting is never rolled back because of it.
func (c *PurchaseCreditor) consume(ctx context.Context, id, productID, purchaseToken string) {
	if err := c.verifier.Consume(ctx, productID, purchaseToken); err != nil {
		c.logger.Warn("purchase consumption failed",
			"purchase", id,
			"product", productID,
			"error", err,
		)
		return
	}
	err := runTx(ctx, c.store, c.attempts, func(tx Tx) error {
		rec, found, err := tx.GetPurchase(id)
		if err != nil || !found || !rec.ConsumePending {
			return err
		}
		rec.ConsumePending = false
		rec.UpdatedAt = c.now().UTC()
		return tx.PutPurchase(rec)
	})
	if err != nil {
		c.logger.Warn("clear consume flag failed", "purchase", id, "error", err)
	}
}

// markFailed records reason on a processing record so a retry can resume.
func (c *PurchaseCreditor) markFailed(ctx context.Context, id, reason string) {
	err := runTx(ctx, c.store, c.attempts, func(tx Tx) error {
		rec, found, err := tx.GetPurchase(id)
		if err != nil || !found || rec.Status != PurchaseProcessing {
			return err
		}
		rec.Status = PurchaseFailed
		rec.LastError = reason
		rec.UpdatedAt = c.now().UTC()
		return tx.PutPurchase(rec)
	})
	if err != nil {
		c.logger.Error("mark purchase failed", "purchase", id, "reason", reason, "error", err)
	}
}
