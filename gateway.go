package creditledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// IdentityProvider owns user identities. DeleteUser is called after the
// user's ledger data has been removed.
type IdentityProvider interface {
	DeleteUser(ctx context.Context, userID string) error
}

// Gateway is the entry point for metered generation: it estimates, reserves
// credits, calls the generator and settles or rolls back.
type Gateway struct {
	cfg       Config
	store     Store
	generator Generator
	ledger    *Ledger
	purchases *PurchaseCreditor
	identity  IdentityProvider
	verifier  PurchaseVerifier
	health    *HealthTracker
	meter     Meter
	logger    *slog.Logger
	keepAlive time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gateway) { g.meter = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithHealthTracker sets the generator circuit breaker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(g *Gateway) { g.health = h }
}

// WithIdentityProvider sets the identity collaborator used by DeleteAccount.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(g *Gateway) { g.identity = p }
}

// WithPurchaseVerifier enables purchase crediting.
func WithPurchaseVerifier(v PurchaseVerifier) Option {
	return func(g *Gateway) { g.verifier = v }
}

// WithKeepAlive sets the interval of keepalive events on streams.
func WithKeepAlive(d time.Duration) Option {
	return func(g *Gateway) { g.keepAlive = d }
}

// NewGateway creates a Gateway with the given config, store and generator.
// A noop meter and the default logger are used unless overridden via options.
func NewGateway(cfg Config, store Store, generator Generator, opts ...Option) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("creditledger: store is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("creditledger: generator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	curve, err := NewPricingCurve(cfg.Pricing)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:       cfg,
		store:     store,
		generator: generator,
		health:    NewHealthTracker(),
		keepAlive: cfg.Server.KeepAliveInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.meter == nil {
		g.meter = noopMeter{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.keepAlive <= 0 {
		g.keepAlive = 15 * time.Second
	}

	g.ledger = NewLedger(store, curve,
		WithLedgerMeter(g.meter),
		WithLedgerLogger(g.logger),
		WithMaxTxAttempts(cfg.Ledger.MaxTxAttempts),
		WithRefundOverReservation(cfg.Ledger.RefundOverReservation),
	)
	if g.verifier != nil {
		g.purchases = NewPurchaseCreditor(store, g.verifier, cfg.ProductCredits(),
			WithPurchaseMeter(g.meter),
			WithPurchaseLogger(g.logger),
			WithStaleAfter(cfg.Purchases.StaleAfter),
			WithPurchaseTxAttempts(cfg.Ledger.MaxTxAttempts),
		)
	}
	return g, nil
}

// Ledger returns the underlying ledger.
func (g *Gateway) Ledger() *Ledger { return g.ledger }

// Estimate returns the expected cost of running action on payload. It never
// touches the store.
func (g *Gateway) Estimate(_ context.Context, action Action, payload Payload) (Estimate, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return Estimate{}, err
	}
	usage, err := g.estimateUsage(action, payload)
	if err != nil {
		return Estimate{}, err
	}
	billed := g.ledger.Curve().BillUsage(usage)
	return Estimate{
		EstimatedInputTokens:    usage.InputTokens,
		EstimatedOutputTokens:   usage.OutputTokens + usage.ThoughtTokens,
		EstimatedCreditCost:     billed,
		EstimatedDisplayCredits: Display(billed),
	}, nil
}

// Generate runs one metered action synchronously. If the generator succeeds
// but settlement fails, the error is returned together with a result carrying
// the generated output and usage; its credit fields are zero.
func (g *Gateway) Generate(ctx context.Context, userID string, action Action, sessionID string, payload Payload) (GenerateResult, error) {
	res, est, err := g.reserve(ctx, userID, action, sessionID, payload)
	if err != nil {
		return GenerateResult{}, err
	}

	start := time.Now()
	resp, err := g.generator.Generate(ctx, g.request(action, payload))
	duration := time.Since(start)

	if err != nil {
		g.health.RecordFailure(g.generator.Model())
		g.meter.OnGenerate(GenerateEvent{
			Model:    g.generator.Model(),
			Action:   action,
			Success:  false,
			Duration: duration,
			Error:    err,
		})
		return GenerateResult{}, g.rollback(ctx, res, err)
	}
	g.health.RecordSuccess(g.generator.Model())

	usage, estimated := est, true
	if resp.Usage != nil {
		usage, estimated = *resp.Usage, false
	}
	g.meter.OnGenerate(GenerateEvent{
		Model:          g.generator.Model(),
		Action:         action,
		Success:        true,
		UsageEstimated: estimated,
		Duration:       duration,
		Usage:          usage,
	})

	result, err := g.settle(ctx, res, usage, estimated)
	if err != nil {
		return GenerateResult{
			Text:           resp.Text,
			Thoughts:       resp.Thoughts,
			TokensUsed:     usage,
			UsageEstimated: estimated,
		}, err
	}
	result.Text = resp.Text
	result.Thoughts = resp.Thoughts
	return result, nil
}

// Balance returns the user's balance, creating it on first access.
func (g *Gateway) Balance(ctx context.Context, userID string) (UserBalance, error) {
	return g.ledger.Balance(ctx, userID)
}

// VerifyAndCreditPurchase credits a verified store purchase to userID.
func (g *Gateway) VerifyAndCreditPurchase(ctx context.Context, userID, purchaseToken, productID string) (PurchaseResult, error) {
	if g.purchases == nil {
		return PurchaseResult{}, newError(ErrInternal, "purchases are not configured")
	}
	return g.purchases.CreditFromPurchase(ctx, userID, purchaseToken, productID)
}

// DeleteAccount removes every record of userID, then the identity.
func (g *Gateway) DeleteAccount(ctx context.Context, userID string) error {
	if userID == "" {
		return newError(ErrUnauthenticated, "missing user")
	}
	if err := g.store.DeleteUser(ctx, userID); err != nil {
		return wrapError(ErrInternal, err, "delete account data")
	}
	if g.identity != nil {
		if err := g.identity.DeleteUser(ctx, userID); err != nil {
			return wrapError(ErrInternal, err, "delete identity")
		}
	}
	g.logger.Info("account deleted", "uid", userID)
	return nil
}

func (g *Gateway) estimateUsage(action Action, payload Payload) (Usage, error) {
	usage := EstimateUsage(g.cfg.Actions, action, payload)
	if usage.InputTokens > g.cfg.Ledger.MaxInputTokens {
		return Usage{}, newError(ErrInvalidArgument, "input too large: %d tokens exceeds limit of %d", usage.InputTokens, g.cfg.Ledger.MaxInputTokens)
	}
	return usage, nil
}

// reserve validates the request and takes the reservation. It returns the
// estimated usage used as fallback when the generator reports none.
func (g *Gateway) reserve(ctx context.Context, userID string, action Action, sessionID string, payload Payload) (Reservation, Usage, error) {
	if userID == "" {
		return Reservation{}, Usage{}, newError(ErrUnauthenticated, "missing user")
	}
	if _, err := ParseAction(string(action)); err != nil {
		return Reservation{}, Usage{}, err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return Reservation{}, Usage{}, err
	}
	est, err := g.estimateUsage(action, payload)
	if err != nil {
		return Reservation{}, Usage{}, err
	}
	if !g.health.Allow(g.generator.Model()) {
		return Reservation{}, Usage{}, newError(ErrInternal, "generator %s is temporarily unavailable", g.generator.Model())
	}

	res, err := g.ledger.ReserveForCost(ctx, userID, sessionID, action, g.ledger.Curve().CostUSD(est))
	if err != nil {
		return Reservation{}, Usage{}, err
	}
	return res, est, nil
}

func (g *Gateway) request(action Action, payload Payload) GeneratorRequest {
	ac := g.cfg.Actions[action]
	return GeneratorRequest{
		Action:          action,
		Payload:         payload,
		MaxOutputTokens: ac.OutputTokens,
		ThinkingBudget:  ac.ThoughtTokens,
	}
}

// rollback refunds res after a generation failure and returns the error to
// surface. The refund runs even if ctx was canceled.
func (g *Gateway) rollback(ctx context.Context, res Reservation, cause error) error {
	if _, err := g.ledger.Rollback(context.WithoutCancel(ctx), res, cause.Error()); err != nil {
		g.logger.Error("rollback failed",
			"uid", res.UserID,
			"session", res.SessionID,
			"action", res.Action,
			"charged", res.Charged.String(),
			"error", err,
		)
		return wrapError(ErrInternal, fmt.Errorf("%w (rollback: %v)", cause, err), "generation failed")
	}
	return wrapError(ErrInternal, cause, "generation failed")
}

// settle records usage for res and builds the billing part of the result.
func (g *Gateway) settle(ctx context.Context, res Reservation, usage Usage, estimated bool) (GenerateResult, error) {
	st, err := g.ledger.Settle(context.WithoutCancel(ctx), res, usage)
	if err != nil {
		g.logger.Error("settle failed",
			"uid", res.UserID,
			"session", res.SessionID,
			"action", res.Action,
			"error", err,
		)
		return GenerateResult{}, err
	}

	// Until the pair closes only this action's own price is known.
	curve := g.ledger.Curve()
	billed, raw := st.PairCredits, curve.RawCredits(st.PairCostUSD)
	if !st.Closed {
		billed, raw = curve.Bill(st.CostUSD), curve.RawCredits(st.CostUSD)
	}

	return GenerateResult{
		TokensUsed:               usage,
		RemainingBalance:         st.Balance,
		ChargedCreditsThisAction: RoundCredits(res.Charged.Add(st.ChargedThisAction)),
		PairCreditsCharged:       st.PairCharged,
		RawCredits:               RoundCredits(raw),
		DisplayCredits:           Display(billed),
		UsageEstimated:           estimated,
	}, nil
}
