package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/gf5-dispatch/internal/geo"
	"github.com/example/gf5-dispatch/internal/models"
)

// Fare parameters in minor units (cents). Flat base plus per-kilometre rate.
const (
	baseFareCents = 250
	perKmCents    = 120
	defaultCcy    = "usd"
)

// EstimateHoldCents computes the pre-authorization amount for a ride from the
// straight-line trip distance. The final fare is settled at capture time.
func EstimateHoldCents(origin, dest models.Coord) int64 {
	km := geo.Haversine(origin.Lat, origin.Lon, dest.Lat, dest.Lon)
	return baseFareCents + int64(km*perKmCents)
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture/cancel flows.
type StripeClient struct {
	enabled bool
}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env
// var. With no key set the client is disabled and every call is a no-op, so
// local runs do not need Stripe credentials.
func NewStripeClient() *StripeClient {
	key := os.Getenv("STRIPE_API_KEY")
	stripe.Key = key
	return &StripeClient{enabled: key != ""}
}

func (s *StripeClient) Enabled() bool { return s.enabled }

// HoldForRide creates a manual-capture PaymentIntent covering the estimated
// fare and returns its ID.
func (s *StripeClient) HoldForRide(ctx context.Context, r *models.Ride, customerID string) (string, error) {
	if !s.enabled {
		return "", nil
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(EstimateHoldCents(r.Origin, r.Destination)),
		Currency: stripe.String(defaultCcy),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	if !s.enabled || paymentIntentID == "" {
		return nil
	}
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent, e.g. when the ride is canceled.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	if !s.enabled || paymentIntentID == "" {
		return nil
	}
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
