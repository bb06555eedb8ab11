package creditledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meter observes ledger and gateway events for monitoring/logging.
// Implementations must not block.
type Meter interface {
	// OnReserve is called after a reservation committed.
	OnReserve(event ReserveEvent)

	// OnSettle is called after a settlement committed.
	OnSettle(event SettleEvent)

	// OnRollback is called after a reservation was refunded.
	OnRollback(event RollbackEvent)

	// OnGenerate is called when the generator returned, successfully or not.
	OnGenerate(event GenerateEvent)

	// OnPurchase is called when a purchase crediting attempt finished.
	OnPurchase(event PurchaseEvent)
}

// ReserveEvent describes a committed reservation.
type ReserveEvent struct {
	UserID    string
	SessionID string
	Action    Action
	Target    decimal.Decimal
	Charged   decimal.Decimal
	Balance   decimal.Decimal
}

// SettleEvent describes a committed settlement.
type SettleEvent struct {
	UserID      string
	SessionID   string
	Action      Action
	CostUSD     decimal.Decimal
	Charged     decimal.Decimal
	PairCredits decimal.Decimal
	Balance     decimal.Decimal
	Usage       Usage
}

// RollbackEvent describes a refunded reservation.
type RollbackEvent struct {
	UserID    string
	SessionID string
	Action    Action
	Refunded  decimal.Decimal
	Reason    string
}

// GenerateEvent describes the outcome of a generator call.
type GenerateEvent struct {
	Model          string
	Action         Action
	Stream         bool
	Success        bool
	UsageEstimated bool
	Duration       time.Duration
	Usage          Usage
	Error          error
}

// PurchaseEvent describes the outcome of a purchase crediting attempt.
type PurchaseEvent struct {
	UserID          string
	ProductID       string
	AlreadyCredited bool
	CreditsGranted  decimal.Decimal
	Error           error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnReserve(ReserveEvent)   {}
func (noopMeter) OnSettle(SettleEvent)     {}
func (noopMeter) OnRollback(RollbackEvent) {}
func (noopMeter) OnGenerate(GenerateEvent) {}
func (noopMeter) OnPurchase(PurchaseEvent) {}
