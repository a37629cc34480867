// Package fare prices ambulance bookings. Engine is the only place fares are
// computed; request-time quotes and payment-time charges both go through it.
package fare

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	ErrInvalidDistance = errors.New("invalid distance")
	ErrUnknownTier     = errors.New("unknown urgency tier")
	ErrUnknownMethod   = errors.New("unknown payment method")
)

// Discount describes a payment-method adjustment. Flat is subtracted as is,
// FeePercent applies to the ambulance fee and GrossPercent to the taxed gross.
type Discount struct {
	Flat         float64
	FeePercent   float64
	GrossPercent float64
}

// RateCard holds every tunable input of a quote.
type RateCard struct {
	BaseFare   float64
	PerKm      float64
	TaxRate    float64
	Currency   string
	TierPrices map[models.UrgencyTier]float64
	Discounts  map[models.PaymentMethod]Discount
}

func DefaultRateCard() RateCard {
	return RateCard{
		BaseFare: 500,
		PerKm:    18,
		TaxRate:  0.18,
		Currency: "INR",
		TierPrices: map[models.UrgencyTier]float64{
			models.UrgencyCritical: 2000,
			models.UrgencyHigh:     1500,
			models.UrgencyMedium:   1000,
			models.UrgencyLow:      500,
		},
		Discounts: map[models.PaymentMethod]Discount{
			models.PaymentCash:       {},
			models.PaymentUPI:        {Flat: 50},
			models.PaymentCard:       {FeePercent: 10},
			models.PaymentAssistance: {GrossPercent: 80},
		},
	}
}

type Engine struct {
	card RateCard
}

func NewEngine(card RateCard) *Engine {
	return &Engine{card: card}
}

func (e *Engine) RateCard() RateCard { return e.card }

// Quote computes the breakdown for a trip. It is deterministic: identical
// inputs always produce an identical breakdown.
func (e *Engine) Quote(distanceKm float64, tier models.UrgencyTier, method models.PaymentMethod) (models.FareBreakdown, error) {
	if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
		return models.FareBreakdown{}, fmt.Errorf("%w: %v", ErrInvalidDistance, distanceKm)
	}
	tierPrice, ok := e.card.TierPrices[tier]
	if !ok {
		return models.FareBreakdown{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if method == "" {
		method = models.PaymentCash
	}
	disc, ok := e.card.Discounts[method]
	if !ok {
		return models.FareBreakdown{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	base := e.card.BaseFare
	distanceCharge := distanceKm * e.card.PerKm
	fee := math.Max(base, base+distanceCharge)
	surcharge := math.Max(0, tierPrice-base)
	taxes := math.Round((fee + surcharge) * e.card.TaxRate)
	gross := fee + surcharge + taxes

	discount := disc.Flat + fee*disc.FeePercent/100 + gross*disc.GrossPercent/100
	// the floor is never undercut, so the discount is capped at gross - base
	if maxDiscount := math.Max(0, gross-base); discount > maxDiscount {
		discount = maxDiscount
	}
	total := math.Max(base, gross-discount)

	return models.FareBreakdown{
		BaseFare:         base,
		DistanceCharge:   roundCents(distanceCharge),
		AmbulanceFee:     roundCents(fee),
		UrgencySurcharge: surcharge,
		Taxes:            taxes,
		Discount:         roundCents(discount),
		Total:            roundCents(total),
		Currency:         e.card.Currency,
	}, nil
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

// MinorUnits converts an amount to the integer minor units payment providers expect.
func MinorUnits(amount float64) int64 { return int64(math.Round(amount * 100)) }
