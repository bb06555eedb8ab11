package creditledger

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// ValidateSessionID checks that id is an opaque session token.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return newError(ErrInvalidArgument, "session id must be 8-128 characters of [A-Za-z0-9_-]")
	}
	return nil
}

// Reservation is a provisional debit taken before a generator call.
type Reservation struct {
	ID        string
	UserID    string
	SessionID string
	Action    Action
	Target    decimal.Decimal
	Charged   decimal.Decimal
	Balance   decimal.Decimal

	// Pair state before this reservation, restored by Rollback.
	PriorPair    PairState
	PriorPending int
}

// Settlement is the outcome of Ledger.Settle.
type Settlement struct {
	Action            Action
	CostUSD           decimal.Decimal
	PairCostUSD       decimal.Decimal
	ChargedThisAction decimal.Decimal
	PairCredits       decimal.Decimal
	PairCharged       decimal.Decimal
	Balance           decimal.Decimal
	Closed            bool
}

// Ledger applies reserve, settle and rollback to balance and session records,
// each as a single store transaction.
type Ledger struct {
	store        Store
	curve        *PricingCurve
	meter        Meter
	logger       *slog.Logger
	attempts     int
	refundExcess bool
	now          func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerMeter sets the meter.
func WithLedgerMeter(m Meter) LedgerOption {
	return func(l *Ledger) { l.meter = m }
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// WithMaxTxAttempts bounds the optimistic retries of one operation.
func WithMaxTxAttempts(n int) LedgerOption {
	return func(l *Ledger) { l.attempts = n }
}

// WithRefundOverReservation makes settlement return credits when the true
// pair cost is below what was reserved. Off by default: over-reservations are
// kept.
func WithRefundOverReservation(enabled bool) LedgerOption {
	return func(l *Ledger) { l.refundExcess = enabled }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger over store priced by curve.
func NewLedger(store Store, curve *PricingCurve, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:    store,
		curve:    curve,
		attempts: 8,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.meter == nil {
		l.meter = noopMeter{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.attempts < 1 {
		l.attempts = 1
	}
	return l
}

// Curve returns the pricing curve of the ledger.
func (l *Ledger) Curve() *PricingCurve { return l.curve }

// Balance returns the user's balance, creating a zero record on first read.
func (l *Ledger) Balance(ctx context.Context, userID string) (UserBalance, error) {
	if userID == "" {
		return UserBalance{}, newError(ErrUnauthenticated, "missing user")
	}
	var out UserBalance
	err := runTx(ctx, l.store, l.attempts, func(tx Tx) error {
		b, found, err := tx.GetBalance(userID)
		if err != nil {
			return err
		}
		if !found {
			b = l.newBalance(userID)
			if err := tx.PutBalance(b); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	if err != nil {
		return UserBalance{}, categorize(err, "read balance")
	}
	return out, nil
}

// Reserve debits the incremental amount needed so that the pair of action has
// targetCredits reserved. First phases charge targetCredits; second phases
// charge only what the first phase has not already covered.
func (l *Ledger) Reserve(ctx context.Context, userID, sessionID string, action Action, targetCredits decimal.Decimal) (Reservation, error) {
	if targetCredits.IsNegative() {
		return Reservation{}, newError(ErrInvalidArgument, "reservation target must not be negative")
	}
	target := RoundCredits(targetCredits)
	return l.reserve(ctx, userID, sessionID, action, func(PairState) decimal.Decimal { return target })
}

// ReserveForCost is Reserve with the target derived from an estimated USD
// cost. For second phases the cost stashed by the first phase is added,
// read in the same transaction as the reservation.
func (l *Ledger) ReserveForCost(ctx context.Context, userID, sessionID string, action Action, estimatedCostUSD decimal.Decimal) (Reservation, error) {
	if estimatedCostUSD.IsNegative() {
		return Reservation{}, newError(ErrInvalidArgument, "estimated cost must not be negative")
	}
	return l.reserve(ctx, userID, sessionID, action, func(pair PairState) decimal.Decimal {
		if action.FirstPhase() {
			return l.curve.Bill(estimatedCostUSD)
		}
		return l.curve.Bill(pair.CostUSD.Add(estimatedCostUSD))
	})
}

func (l *Ledger) reserve(ctx context.Context, userID, sessionID string, action Action, targetFn func(prior PairState) decimal.Decimal) (Reservation, error) {
	if userID == "" {
		return Reservation{}, newError(ErrUnauthenticated, "missing user")
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return Reservation{}, err
	}
	if _, err := ParseAction(string(action)); err != nil {
		return Reservation{}, err
	}

	res := Reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
	}

	err := runTx(ctx, l.store, l.attempts, func(tx Tx) error {
		bal, sess, err := l.load(tx, userID, sessionID)
		if err != nil {
			return err
		}

		res.PriorPair, res.PriorPending = snapshot(&sess, action)
		target := targetFn(res.PriorPair)

		charge, err := reserveTransition(&sess, action, target, res.ID)
		if err != nil {
			return err
		}
		if charge.IsPositive() && bal.Balance.LessThan(charge) {
			return newError(ErrResourceExhausted, "insufficient credits: balance %s, required %s", bal.Balance.StringFixed(CreditDecimals), charge.StringFixed(CreditDecimals))
		}

		now := l.now().UTC()
		bal.Balance = RoundCredits(bal.Balance.Sub(charge))
		bal.TotalConsumed = RoundCredits(bal.TotalConsumed.Add(charge))
		bal.UpdatedAt = now
		sess.UpdatedAt = now

		if err := tx.PutBalance(bal); err != nil {
			return err
		}
		if err := tx.PutSession(sess); err != nil {
			return err
		}

		res.Target = target
		res.Charged = charge
		res.Balance = bal.Balance
		return nil
	})
	if err != nil {
		return Reservation{}, categorize(err, "reserve")
	}

	l.logger.Debug("reserved",
		"uid", userID,
		"session", sessionID,
		"action", action,
		"target", res.Target.String(),
		"charged", res.Charged.String(),
		"balance", res.Balance.String(),
	)
	l.meter.OnReserve(ReserveEvent{
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
		Target:    res.Target,
		Charged:   res.Charged,
		Balance:   res.Balance,
	})
	return res, nil
}

// Settle records the true usage of the call reserved by res. The balance may
// go negative when the real cost exceeded the reservation; the work has
// already happened by then.
func (l *Ledger) Settle(ctx context.Context, res Reservation, usage Usage) (Settlement, error) {
	cost := l.curve.CostUSD(usage)

	var out Settlement
	err := runTx(ctx, l.store, l.attempts, func(tx Tx) error {
		bal, found, err := tx.GetBalance(res.UserID)
		if err != nil {
			return err
		}
		if !found {
			bal = l.newBalance(res.UserID)
		}
		sess, found, err := tx.GetSession(res.UserID, res.SessionID)
		if err != nil {
			return err
		}
		if !found {
			return newError(ErrFailedPrecondition, "session %s has no pending reservation", res.SessionID)
		}

		ps, err := settleTransition(&sess, res, cost, usage.Total(), l.curve, l.refundExcess)
		if err != nil {
			return err
		}

		now := l.now().UTC()
		bal.Balance = RoundCredits(bal.Balance.Sub(ps.charge))
		bal.TotalConsumed = RoundCredits(bal.TotalConsumed.Add(ps.charge))
		bal.UpdatedAt = now

		sess.ActionCount++
		sess.InputTokens += usage.InputTokens
		sess.OutputTokens += usage.OutputTokens
		sess.ThoughtTokens += usage.ThoughtTokens
		sess.LastAction = res.Action
		sess.UpdatedAt = now

		if err := tx.PutBalance(bal); err != nil {
			return err
		}
		if err := tx.PutSession(sess); err != nil {
			return err
		}

		out = Settlement{
			Action:            res.Action,
			CostUSD:           cost,
			PairCostUSD:       ps.pairCostUSD,
			ChargedThisAction: ps.charge,
			PairCredits:       ps.pairCredits,
			PairCharged:       ps.pairCharged,
			Balance:           bal.Balance,
			Closed:            ps.closed,
		}
		return nil
	})
	if err != nil {
		return Settlement{}, categorize(err, "settle")
	}

	l.logger.Debug("settled",
		"uid", res.UserID,
		"session", res.SessionID,
		"action", res.Action,
		"cost_usd", cost.String(),
		"charged", out.ChargedThisAction.String(),
		"pair_credits", out.PairCredits.String(),
		"balance", out.Balance.String(),
	)
	l.meter.OnSettle(SettleEvent{
		UserID:      res.UserID,
		SessionID:   res.SessionID,
		Action:      res.Action,
		CostUSD:     cost,
		Charged:     out.ChargedThisAction,
		PairCredits: out.PairCredits,
		Balance:     out.Balance,
		Usage:       usage,
	})
	return out, nil
}

// Rollback refunds exactly res.Charged and restores the pair to its state
// before res, recording reason on the session. It must be called at most once
// per reservation.
func (l *Ledger) Rollback(ctx context.Context, res Reservation, reason string) (UserBalance, error) {
	var out UserBalance
	err := runTx(ctx, l.store, l.attempts, func(tx Tx) error {
		bal, sess, err := l.load(tx, res.UserID, res.SessionID)
		if err != nil {
			return err
		}

		now := l.now().UTC()
		bal.Balance = RoundCredits(bal.Balance.Add(res.Charged))
		bal.TotalConsumed = RoundCredits(bal.TotalConsumed.Sub(res.Charged))
		bal.UpdatedAt = now

		rollbackTransition(&sess, res)
		sess.LastFailedAction = res.Action
		sess.LastFailureReason = reason
		sess.UpdatedAt = now

		if err := tx.PutBalance(bal); err != nil {
			return err
		}
		if err := tx.PutSession(sess); err != nil {
			return err
		}
		out = bal
		return nil
	})
	if err != nil {
		return UserBalance{}, categorize(err, "rollback")
	}

	l.logger.Info("reservation rolled back",
		"uid", res.UserID,
		"session", res.SessionID,
		"action", res.Action,
		"refunded", res.Charged.String(),
		"reason", reason,
	)
	l.meter.OnRollback(RollbackEvent{
		UserID:    res.UserID,
		SessionID: res.SessionID,
		Action:    res.Action,
		Refunded:  res.Charged,
		Reason:    reason,
	})
	return out, nil
}

// Session returns the billing state of a session.
func (l *Ledger) Session(ctx context.Context, userID, sessionID string) (GenerationSession, error) {
	var out GenerationSession
	err := runTx(ctx, l.store, l.attempts, func(tx Tx) error {
		s, found, err := tx.GetSession(userID, sessionID)
		if err != nil {
			return err
		}
		if !found {
			s = GenerationSession{UserID: userID, SessionID: sessionID}
		}
		out = s
		return nil
	})
	if err != nil {
		return GenerationSession{}, categorize(err, "read session")
	}
	return out, nil
}

func (l *Ledger) load(tx Tx, userID, sessionID string) (UserBalance, GenerationSession, error) {
	bal, found, err := tx.GetBalance(userID)
	if err != nil {
		return UserBalance{}, GenerationSession{}, err
	}
	if !found {
		bal = l.newBalance(userID)
	}
	sess, found, err := tx.GetSession(userID, sessionID)
	if err != nil {
		return UserBalance{}, GenerationSession{}, err
	}
	if !found {
		sess = GenerationSession{UserID: userID, SessionID: sessionID}
	}
	return bal, sess, nil
}

func (l *Ledger) newBalance(userID string) UserBalance {
	return UserBalance{
		UserID:         userID,
		Balance:        decimal.Zero,
		TotalPurchased: decimal.Zero,
		TotalConsumed:  decimal.Zero,
		UpdatedAt:      l.now().UTC(),
	}
}

func snapshot(s *GenerationSession, a Action) (PairState, int) {
	pair, pending := pairOf(s, a)
	return *pair, *pending
}
