package meter_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronitervo/creditledger"
	"github.com/ronitervo/creditledger/meter"
)

// counterValue returns the value of the counter name whose labels include
// all of labels.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			have := make(map[string]string)
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestPrometheusMeter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := meter.NewPrometheusMeter(reg)

	m.OnReserve(creditledger.ReserveEvent{Action: creditledger.ActionPlan, Charged: decimal.RequireFromString("0.75")})
	m.OnSettle(creditledger.SettleEvent{
		Action:  creditledger.ActionGenerate,
		Charged: decimal.RequireFromString("0.5"),
		Balance: decimal.RequireFromString("-0.25"),
		Usage:   creditledger.Usage{InputTokens: 10, OutputTokens: 20, ThoughtTokens: 5},
	})
	m.OnRollback(creditledger.RollbackEvent{Action: creditledger.ActionRefine, Refunded: decimal.RequireFromString("1.25")})
	m.OnGenerate(creditledger.GenerateEvent{Model: "m", Action: creditledger.ActionPlan, Success: true, UsageEstimated: true, Duration: time.Second})
	m.OnPurchase(creditledger.PurchaseEvent{CreditsGranted: decimal.NewFromInt(100)})
	m.OnPurchase(creditledger.PurchaseEvent{AlreadyCredited: true, CreditsGranted: decimal.Zero})
	m.OnPurchase(creditledger.PurchaseEvent{Error: creditledger.ErrAborted})

	assert.Equal(t, 1.0, counterValue(t, reg, "creditledger_reservations_total", map[string]string{"action": "plan"}))
	assert.Equal(t, 0.75, counterValue(t, reg, "creditledger_credits_charged_total", map[string]string{"action": "plan", "stage": "reserve"}))
	assert.Equal(t, 0.5, counterValue(t, reg, "creditledger_credits_charged_total", map[string]string{"action": "generate", "stage": "settle"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "creditledger_negative_balance_settlements_total", nil))
	assert.Equal(t, 20.0, counterValue(t, reg, "creditledger_tokens_total", map[string]string{"class": "output"}))
	assert.Equal(t, 1.25, counterValue(t, reg, "creditledger_credits_refunded_total", map[string]string{"action": "refine"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "creditledger_generations_total", map[string]string{"outcome": "success_estimated"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "creditledger_purchases_total", map[string]string{"outcome": "credited"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "creditledger_purchases_total", map[string]string{"outcome": "already_credited"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "creditledger_purchases_total", map[string]string{"outcome": "aborted"}))
	assert.Equal(t, 100.0, counterValue(t, reg, "creditledger_credits_granted_total", nil))
}

func TestLogMeter(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(slog.New(slog.NewTextHandler(&buf, nil)))

	m.OnSettle(creditledger.SettleEvent{
		UserID:  "u1",
		Action:  creditledger.ActionGenerate,
		Charged: decimal.RequireFromString("0.5"),
		Balance: decimal.RequireFromString("-0.25"),
	})
	m.OnRollback(creditledger.RollbackEvent{UserID: "u1", Action: creditledger.ActionPlan, Refunded: decimal.RequireFromString("0.734"), Reason: "timeout"})

	out := buf.String()
	assert.Contains(t, out, "msg=settle")
	assert.Contains(t, out, "msg=negative_balance")
	assert.Contains(t, out, "refunded=0.734")
	assert.Contains(t, out, "reason=timeout")
}

func TestMultiFansOut(t *testing.T) {
	var a, b bytes.Buffer
	m := meter.Multi{
		meter.NewLogMeter(slog.New(slog.NewTextHandler(&a, nil))),
		&meter.NoopMeter{},
		meter.NewLogMeter(slog.New(slog.NewTextHandler(&b, nil))),
	}
	m.OnPurchase(creditledger.PurchaseEvent{UserID: "u1", ProductID: "credits_100", CreditsGranted: decimal.NewFromInt(100)})

	assert.Contains(t, a.String(), "product=credits_100")
	assert.Contains(t, b.String(), "product=credits_100")
}
