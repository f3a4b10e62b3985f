package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"bursar/internal/payments"
	"bursar/pkg/logging"
)

// Client charges stored Stripe payment methods off-session. Payment
// method references look like "stripe:cus_xxx:pm_xxx"; the router strips
// the leading processor name before we see them.
type Client struct {
	secretKey string
	logger    logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey string // STRIPE_SECRET_KEY
	Logger    logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey: config.SecretKey,
		logger:    config.Logger,
	}
}

func (c *Client) Name() string {
	return "stripe"
}

// Charge confirms an off-session PaymentIntent against the stored method.
// The request's idempotency token becomes the Stripe idempotency key, so
// a retried job can never charge twice.
func (c *Client) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.Charge, error) {
	customerID, methodID, ok := strings.Cut(req.PaymentMethodRef, ":")
	if !ok {
		// Bare payment method id without a customer; Stripe resolves the
		// owning customer itself for detached methods.
		methodID = customerID
		customerID = ""
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(methodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(req.Description),
		Metadata: map[string]string{
			"tenant_id": req.TenantID,
		},
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.SetIdempotencyKey(req.IdempotencyToken)

	pi, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return nil, &payments.DeclinedError{Processor: "stripe", Reason: stripeErr.Msg}
		}
		return nil, fmt.Errorf("stripe payment intent failed: %w", err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		// Off-session charges cannot complete authentication challenges.
		return nil, &payments.DeclinedError{
			Processor: "stripe",
			Reason:    fmt.Sprintf("payment intent ended in status %s", pi.Status),
		}
	}

	c.logger.WithFields(logging.Fields{
		"tenant_id":         req.TenantID,
		"payment_intent_id": pi.ID,
		"amount_cents":      req.AmountCents,
	}).Info("Stripe charge succeeded")
	return &payments.Charge{ProcessorRef: pi.ID}, nil
}
