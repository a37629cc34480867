package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

var (
	ErrHoldFailed    = errors.New("payment hold failed")
	ErrCaptureFailed = errors.New("payment capture failed")
)

// Charger places and settles card holds. Amounts are in minor units.
type Charger interface {
	Hold(ctx context.Context, amount int64, currency, bookingID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the package-level stripe key. An empty key yields nil.
func NewStripeClient(apiKey string) *StripeClient {
	if apiKey == "" {
		return nil
	}
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, bookingID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("booking_id", bookingID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// Settle holds amount, runs complete and captures the hold. When complete
// fails the hold is cancelled and complete's error is returned.
func Settle(ctx context.Context, c Charger, amount int64, currency, bookingID string, complete func() error, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := c.Hold(ctx, amount, currency, bookingID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHoldFailed, err)
	}
	if err := complete(); err != nil {
		if cerr := c.Cancel(ctx, id); cerr != nil {
			logger.Error("cancel payment hold failed", "booking_id", bookingID, "payment_intent", id, "error", cerr)
		}
		return "", err
	}
	if err := c.Capture(ctx, id); err != nil {
		// the booking is already completed; the hold is left for reconciliation
		logger.Error("capture payment failed", "booking_id", bookingID, "payment_intent", id, "error", err)
		return id, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return id, nil
}
