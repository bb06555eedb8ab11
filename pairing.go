package creditledger

import "github.com/shopspring/decimal"

// PairPhase is the billing phase of one plan→generate or evaluate→refine pair.
//
//	idle → first_reserved → awaiting_second → second_reserved → idle
type PairPhase string

const (
	PairIdle           PairPhase = "idle"
	PairFirstReserved  PairPhase = "first_reserved"
	PairAwaitingSecond PairPhase = "awaiting_second"
	PairSecondReserved PairPhase = "second_reserved"
)

// PairState is the pending state of a billing pair. CostUSD and Tokens are
// only meaningful from awaiting_second on; ReservedCredits accumulates every
// reservation taken for the pair.
type PairState struct {
	Phase           PairPhase       `json:"phase,omitempty"`
	ReservationID   string          `json:"reservationId,omitempty"`
	CostUSD         decimal.Decimal `json:"costUsd"`
	Tokens          int64           `json:"tokens"`
	ReservedCredits decimal.Decimal `json:"reservedCredits"`
}

// Current returns the phase, treating the zero value as idle.
func (p PairState) Current() PairPhase {
	if p.Phase == "" {
		return PairIdle
	}
	return p.Phase
}

// pairOf returns the pair state and pending counter that action operates on.
func pairOf(s *GenerationSession, a Action) (*PairState, *int) {
	if a.Pair() == ActionPlan {
		return &s.Plan, &s.PendingGenerate
	}
	return &s.Evaluate, &s.PendingRefine
}

func staleError(a Action) error {
	if a.Pair() == ActionPlan {
		return newError(ErrFailedPrecondition, "Planning state is stale. Run planning again before generate.")
	}
	return newError(ErrFailedPrecondition, "Evaluation state is stale. Run evaluation again before refine.")
}

// reserveTransition moves the pair of action into its reserved phase and
// returns the amount to debit now. A first-phase reservation supersedes any
// previous pair; the superseded reservation stays charged.
func reserveTransition(s *GenerationSession, action Action, target decimal.Decimal, reservationID string) (decimal.Decimal, error) {
	pair, pending := pairOf(s, action)

	if action.FirstPhase() {
		*pair = PairState{
			Phase:           PairFirstReserved,
			ReservationID:   reservationID,
			ReservedCredits: target,
		}
		*pending = 1
		return target, nil
	}

	if *pending != 1 || pair.Current() != PairAwaitingSecond {
		return decimal.Zero, staleError(action)
	}

	charge := decimal.Max(decimal.Zero, target.Sub(pair.ReservedCredits))
	pair.ReservedCredits = pair.ReservedCredits.Add(charge)
	pair.Phase = PairSecondReserved
	pair.ReservationID = reservationID
	return charge, nil
}

// pairSettlement is the outcome of settling one action.
type pairSettlement struct {
	charge      decimal.Decimal // debit (or credit if negative) applied now
	pairCostUSD decimal.Decimal // true USD cost of the pair
	pairCredits decimal.Decimal // true billed credits of the pair
	pairCharged decimal.Decimal // total debited for the pair
	closed      bool
}

// settleTransition records the real cost of the call reserved by res. First
// phases stash the cost; second phases close the pair and compute the
// corrective charge against everything reserved so far.
func settleTransition(s *GenerationSession, res Reservation, costUSD decimal.Decimal, tokens int64, curve *PricingCurve, refundExcess bool) (pairSettlement, error) {
	pair, pending := pairOf(s, res.Action)

	want := PairSecondReserved
	if res.Action.FirstPhase() {
		want = PairFirstReserved
	}
	if pair.Current() != want || pair.ReservationID != res.ID {
		return pairSettlement{}, newError(ErrFailedPrecondition, "reservation %s for %s is no longer pending", res.ID, res.Action)
	}

	if res.Action.FirstPhase() {
		pair.Phase = PairAwaitingSecond
		pair.CostUSD = costUSD
		pair.Tokens = tokens
		return pairSettlement{
			charge:      decimal.Zero,
			pairCostUSD: costUSD,
			pairCredits: decimal.Zero,
			pairCharged: pair.ReservedCredits,
		}, nil
	}

	pairCost := pair.CostUSD.Add(costUSD)
	pairCredits := curve.Bill(pairCost)
	charge := pairCredits.Sub(pair.ReservedCredits)
	if charge.IsNegative() && !refundExcess {
		charge = decimal.Zero
	}
	out := pairSettlement{
		charge:      charge,
		pairCostUSD: pairCost,
		pairCredits: pairCredits,
		pairCharged: pair.ReservedCredits.Add(charge),
		closed:      true,
	}

	*pair = PairState{Phase: PairIdle}
	*pending = 0
	return out, nil
}

// rollbackTransition restores the pair to its state before res was taken,
// provided the pair still carries res. It reports whether it did.
func rollbackTransition(s *GenerationSession, res Reservation) bool {
	pair, pending := pairOf(s, res.Action)
	if pair.ReservationID != res.ID {
		return false
	}
	*pair = res.PriorPair
	*pending = res.PriorPending
	return true
}
