package creditledger

import (
	"math"

	"github.com/shopspring/decimal"
)

// CreditDecimals is the fixed precision of every credit amount in the ledger.
const CreditDecimals = 3

var (
	one     = decimal.NewFromInt(1)
	million = decimal.NewFromInt(1_000_000)
)

// PricingCurve converts model usage into USD cost and USD cost into credits.
// It is immutable and safe for concurrent use.
type PricingCurve struct {
	rateIn       decimal.Decimal // USD per input token
	rateOut      decimal.Decimal // USD per output or thought token
	netPrice     decimal.Decimal // USD per credit net of fee and tax
	safetyMargin decimal.Decimal
	baseline     float64
	decay        float64
	minBilled    decimal.Decimal
}

// NewPricingCurve validates cfg and builds a curve. A misconfigured curve
// yields ErrFailedPrecondition.
func NewPricingCurve(cfg PricingConfig) (*PricingCurve, error) {
	if cfg.InputUSDPerMillion < 0 || cfg.OutputUSDPerMillion < 0 {
		return nil, newError(ErrFailedPrecondition, "pricing rates must not be negative")
	}
	if cfg.CreditRetailPriceUSD <= 0 {
		return nil, newError(ErrFailedPrecondition, "credit retail price must be positive")
	}
	if cfg.PlatformFeeRate < 0 || cfg.PlatformFeeRate >= 1 {
		return nil, newError(ErrFailedPrecondition, "platform fee rate must be in [0, 1)")
	}
	if cfg.TaxRate < 0 {
		return nil, newError(ErrFailedPrecondition, "tax rate must not be negative")
	}
	if cfg.Decay <= 0 {
		return nil, newError(ErrFailedPrecondition, "smoothing decay must be positive")
	}
	if cfg.SafetyMarginRate < 0 || cfg.Baseline < 0 || cfg.MinBilledCredits < 0 {
		return nil, newError(ErrFailedPrecondition, "smoothing parameters must not be negative")
	}

	retail := decimal.NewFromFloat(cfg.CreditRetailPriceUSD)
	net := retail.
		Div(one.Add(decimal.NewFromFloat(cfg.TaxRate))).
		Mul(one.Sub(decimal.NewFromFloat(cfg.PlatformFeeRate)))

	return &PricingCurve{
		rateIn:       decimal.NewFromFloat(cfg.InputUSDPerMillion).Div(million),
		rateOut:      decimal.NewFromFloat(cfg.OutputUSDPerMillion).Div(million),
		netPrice:     net,
		safetyMargin: decimal.NewFromFloat(cfg.SafetyMarginRate),
		baseline:     cfg.Baseline,
		decay:        cfg.Decay,
		minBilled:    RoundCredits(decimal.NewFromFloat(cfg.MinBilledCredits)),
	}, nil
}

// NetCreditPriceUSD returns the price of one credit net of platform fee and tax.
func (p *PricingCurve) NetCreditPriceUSD() decimal.Decimal { return p.netPrice }

// CostUSD returns the USD cost of one model call. Thought tokens are billed
// at the output rate.
func (p *PricingCurve) CostUSD(u Usage) decimal.Decimal {
	in := decimal.NewFromInt(u.InputTokens).Mul(p.rateIn)
	out := decimal.NewFromInt(u.OutputTokens + u.ThoughtTokens).Mul(p.rateOut)
	return in.Add(out)
}

// RawCredits converts a USD cost into unsmoothed credits.
func (p *PricingCurve) RawCredits(costUSD decimal.Decimal) decimal.Decimal {
	return costUSD.Div(p.netPrice)
}

// Smooth applies the safety margin and the exponential minimum-charge term:
//
//	raw·(1+margin) + baseline·exp(−raw/decay)
//
// The margin term is exact; only the exponential term goes through float64.
func (p *PricingCurve) Smooth(raw decimal.Decimal) decimal.Decimal {
	scaled := raw.Mul(one.Add(p.safetyMargin))
	if p.baseline == 0 {
		return scaled
	}
	floor := p.baseline * math.Exp(-raw.InexactFloat64()/p.decay)
	return scaled.Add(decimal.NewFromFloat(floor))
}

// Bill returns the credits charged for costUSD: the smoothed amount rounded
// up to CreditDecimals, never below the configured minimum.
func (p *PricingCurve) Bill(costUSD decimal.Decimal) decimal.Decimal {
	billed := p.Smooth(p.RawCredits(costUSD)).RoundCeil(CreditDecimals)
	return decimal.Max(p.minBilled, billed)
}

// BillUsage is Bill(CostUSD(u)).
func (p *PricingCurve) BillUsage(u Usage) decimal.Decimal {
	return p.Bill(p.CostUSD(u))
}

// Display returns the whole-number projection of billed credits shown to
// users. It is never below 1.
func Display(billed decimal.Decimal) int64 {
	d := billed.Ceil().IntPart()
	if d < 1 {
		return 1
	}
	return d
}

// RoundCredits rounds d to CreditDecimals using round-half-even.
func RoundCredits(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(CreditDecimals)
}

// Credits builds a credit amount from a float, rounded to ledger precision.
func Credits(f float64) decimal.Decimal {
	return RoundCredits(decimal.NewFromFloat(f))
}
