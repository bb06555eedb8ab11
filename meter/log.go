package meter

import (
	"log/slog"

	"github.com/ronitervo/creditledger"
)

// LogMeter logs ledger events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditledger.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnReserve(e creditledger.ReserveEvent) {
	m.Logger.Info("reserve",
		"uid", e.UserID,
		"session", e.SessionID,
		"action", e.Action,
		"target", e.Target.String(),
		"charged", e.Charged.String(),
		"balance", e.Balance.String(),
	)
}

func (m *LogMeter) OnSettle(e creditledger.SettleEvent) {
	m.Logger.Info("settle",
		"uid", e.UserID,
		"session", e.SessionID,
		"action", e.Action,
		"cost_usd", e.CostUSD.String(),
		"charged", e.Charged.String(),
		"pair_credits", e.PairCredits.String(),
		"balance", e.Balance.String(),
		"input_tokens", e.Usage.InputTokens,
		"output_tokens", e.Usage.OutputTokens,
		"thought_tokens", e.Usage.ThoughtTokens,
	)
	if e.Balance.IsNegative() {
		m.Logger.Warn("negative_balance",
			"uid", e.UserID,
			"balance", e.Balance.String(),
		)
	}
}

func (m *LogMeter) OnRollback(e creditledger.RollbackEvent) {
	m.Logger.Warn("rollback",
		"uid", e.UserID,
		"session", e.SessionID,
		"action", e.Action,
		"refunded", e.Refunded.String(),
		"reason", e.Reason,
	)
}

func (m *LogMeter) OnGenerate(e creditledger.GenerateEvent) {
	if e.Success {
		m.Logger.Info("generate",
			"model", e.Model,
			"action", e.Action,
			"stream", e.Stream,
			"duration_ms", e.Duration.Milliseconds(),
			"usage_estimated", e.UsageEstimated,
			"input_tokens", e.Usage.InputTokens,
			"output_tokens", e.Usage.OutputTokens,
			"thought_tokens", e.Usage.ThoughtTokens,
		)
	} else {
		m.Logger.Warn("generate_error",
			"model", e.Model,
			"action", e.Action,
			"stream", e.Stream,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnPurchase(e creditledger.PurchaseEvent) {
	if e.Error != nil {
		m.Logger.Warn("purchase_error",
			"uid", e.UserID,
			"product", e.ProductID,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("purchase",
		"uid", e.UserID,
		"product", e.ProductID,
		"already_credited", e.AlreadyCredited,
		"credits", e.CreditsGranted.String(),
	)
}
