package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ronitervo/creditledger"
)

// PrometheusMeter exports ledger events as Prometheus metrics.
type PrometheusMeter struct {
	reservations    *prometheus.CounterVec
	creditsCharged  *prometheus.CounterVec
	creditsRefunded *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	negativeSettles prometheus.Counter
	generations     *prometheus.CounterVec
	generateLatency *prometheus.HistogramVec
	tokens          *prometheus.CounterVec
	purchases       *prometheus.CounterVec
	creditsGranted  prometheus.Counter
}

var _ creditledger.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the ledger metrics with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusMeter{
		reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "reservations_total",
			Help:      "Committed credit reservations by action.",
		}, []string{"action"}),
		creditsCharged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "credits_charged_total",
			Help:      "Credits debited by reservations and settlements.",
		}, []string{"action", "stage"}),
		creditsRefunded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "credits_refunded_total",
			Help:      "Credits returned by rollbacks and over-reservation refunds.",
		}, []string{"action"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "rollbacks_total",
			Help:      "Reservations rolled back after a generation failure.",
		}, []string{"action"}),
		negativeSettles: f.NewCounter(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "negative_balance_settlements_total",
			Help:      "Settlements that left a balance below zero.",
		}),
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "generations_total",
			Help:      "Generator calls by outcome.",
		}, []string{"model", "action", "outcome"}),
		generateLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "creditledger",
			Name:      "generation_duration_seconds",
			Help:      "Generator call latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"model", "action"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "tokens_total",
			Help:      "Tokens settled by class.",
		}, []string{"class"}),
		purchases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "purchases_total",
			Help:      "Purchase crediting attempts by outcome.",
		}, []string{"outcome"}),
		creditsGranted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "credits_granted_total",
			Help:      "Credits granted from purchases.",
		}),
	}
}

func (m *PrometheusMeter) OnReserve(e creditledger.ReserveEvent) {
	m.reservations.WithLabelValues(string(e.Action)).Inc()
	m.creditsCharged.WithLabelValues(string(e.Action), "reserve").Add(e.Charged.InexactFloat64())
}

func (m *PrometheusMeter) OnSettle(e creditledger.SettleEvent) {
	switch {
	case e.Charged.IsPositive():
		m.creditsCharged.WithLabelValues(string(e.Action), "settle").Add(e.Charged.InexactFloat64())
	case e.Charged.IsNegative():
		m.creditsRefunded.WithLabelValues(string(e.Action)).Add(e.Charged.Neg().InexactFloat64())
	}
	if e.Balance.IsNegative() {
		m.negativeSettles.Inc()
	}
	m.tokens.WithLabelValues("input").Add(float64(e.Usage.InputTokens))
	m.tokens.WithLabelValues("output").Add(float64(e.Usage.OutputTokens))
	m.tokens.WithLabelValues("thought").Add(float64(e.Usage.ThoughtTokens))
}

func (m *PrometheusMeter) OnRollback(e creditledger.RollbackEvent) {
	m.rollbacks.WithLabelValues(string(e.Action)).Inc()
	m.creditsRefunded.WithLabelValues(string(e.Action)).Add(e.Refunded.InexactFloat64())
}

func (m *PrometheusMeter) OnGenerate(e creditledger.GenerateEvent) {
	outcome := "success"
	switch {
	case !e.Success:
		outcome = "error"
	case e.UsageEstimated:
		outcome = "success_estimated"
	}
	m.generations.WithLabelValues(e.Model, string(e.Action), outcome).Inc()
	m.generateLatency.WithLabelValues(e.Model, string(e.Action)).Observe(e.Duration.Seconds())
}

func (m *PrometheusMeter) OnPurchase(e creditledger.PurchaseEvent) {
	outcome := "credited"
	switch {
	case e.Error != nil:
		outcome = creditledger.CodeName(e.Error)
	case e.AlreadyCredited:
		outcome = "already_credited"
	}
	m.purchases.WithLabelValues(outcome).Inc()
	if e.Error == nil {
		m.creditsGranted.Add(e.CreditsGranted.InexactFloat64())
	}
}
