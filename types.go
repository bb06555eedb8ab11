package creditledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is a metered generation action.
type Action string

const (
	ActionPlan     Action = "plan"
	ActionGenerate Action = "generate"
	ActionEvaluate Action = "evaluate"
	ActionRefine   Action = "refine"
)

// ParseAction validates s as an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPlan, ActionGenerate, ActionEvaluate, ActionRefine:
		return a, nil
	}
	return "", newError(ErrInvalidArgument, "unknown action %q", s)
}

// FirstPhase reports whether the action opens a billing pair (plan, evaluate).
func (a Action) FirstPhase() bool {
	return a == ActionPlan || a == ActionEvaluate
}

// Pair returns the first-phase action of the pair a belongs to.
func (a Action) Pair() Action {
	switch a {
	case ActionPlan, ActionGenerate:
		return ActionPlan
	default:
		return ActionEvaluate
	}
}

// Usage is the token usage of one model call.
type Usage struct {
	InputTokens   int64 `json:"inputTokens"`
	OutputTokens  int64 `json:"outputTokens"`
	ThoughtTokens int64 `json:"thoughtTokens"`
}

// Total returns the sum of all token classes.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.ThoughtTokens
}

// UserBalance is the per-user credit balance document.
type UserBalance struct {
	UserID         string          `json:"userId"`
	Balance        decimal.Decimal `json:"balance"`
	TotalPurchased decimal.Decimal `json:"totalPurchased"`
	TotalConsumed  decimal.Decimal `json:"totalConsumed"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Debt returns the amount by which the balance is below zero.
func (b UserBalance) Debt() decimal.Decimal {
	if b.Balance.IsNegative() {
		return b.Balance.Neg()
	}
	return decimal.Zero
}

// HasNegativeBalance reports whether the user owes credits.
func (b UserBalance) HasNegativeBalance() bool {
	return b.Balance.IsNegative()
}

// GenerationSession is the billing state of one (user, session id) pair.
type GenerationSession struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`

	PendingGenerate int       `json:"pendingGenerate"`
	PendingRefine   int       `json:"pendingRefine"`
	Plan            PairState `json:"plan"`
	Evaluate        PairState `json:"evaluate"`

	ActionCount       int64     `json:"actionCount"`
	InputTokens       int64     `json:"inputTokens"`
	OutputTokens      int64     `json:"outputTokens"`
	ThoughtTokens     int64     `json:"thoughtTokens"`
	LastAction        Action    `json:"lastAction,omitempty"`
	LastFailedAction  Action    `json:"lastFailedAction,omitempty"`
	LastFailureReason string    `json:"lastFailureReason,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// PurchaseStatus is the lifecycle state of a PurchaseRecord.
type PurchaseStatus string

const (
	PurchaseProcessing PurchaseStatus = "processing"
	PurchaseCompleted  PurchaseStatus = "completed"
	PurchaseFailed     PurchaseStatus = "failed"
)

// PurchaseRecord is the idempotency lock for one physical store purchase.
// ID is always derived from the purchase token via PurchaseRecordID.
type PurchaseRecord struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	ProductID      string          `json:"productId"`
	Status         PurchaseStatus  `json:"status"`
	CreditsGranted decimal.Decimal `json:"creditsGranted"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	ConsumePending bool            `json:"consumePending"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Payload is the caller-supplied content of a generation request. Prompt
// construction happens upstream; the ledger only sizes it.
type Payload struct {
	Prompt            string   `json:"prompt"`
	SystemInstruction string   `json:"systemInstruction,omitempty"`
	Context           []string `json:"context,omitempty"`
}

// Estimate is the result of a read-only cost estimate.
type Estimate struct {
	EstimatedInputTokens    int64           `json:"estimatedInputTokens"`
	EstimatedOutputTokens   int64           `json:"estimatedOutputTokens"`
	EstimatedCreditCost     decimal.Decimal `json:"estimatedCreditCost"`
	EstimatedDisplayCredits int64           `json:"estimatedDisplayCredits"`
}

// GenerateResult is the response of a synchronous generation.
type GenerateResult struct {
	Text                     string          `json:"text"`
	Thoughts                 string          `json:"thoughts,omitempty"`
	TokensUsed               Usage           `json:"tokensUsed"`
	RemainingBalance         decimal.Decimal `json:"remainingBalance"`
	ChargedCreditsThisAction decimal.Decimal `json:"chargedCreditsThisAction"`
	PairCreditsCharged       decimal.Decimal `json:"pairCreditsCharged"`
	RawCredits               decimal.Decimal `json:"rawCredits"`
	DisplayCredits           int64           `json:"displayCredits"`
	UsageEstimated           bool            `json:"usageEstimated,omitempty"`
}

// PurchaseResult is the response of VerifyAndCreditPurchase.
type PurchaseResult struct {
	AlreadyCredited bool            `json:"alreadyCredited"`
	Balance         decimal.Decimal `json:"balance"`
	CreditsGranted  decimal.Decimal `json:"creditsGranted"`
}
