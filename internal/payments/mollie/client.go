package mollie

import (
	"context"
	"fmt"
	"strings"

	"github.com/VictorAvelar/mollie-api-go/v4/mollie"

	"bursar/internal/payments"
	"bursar/pkg/logging"
)

// Client charges stored Mollie mandates. Payment method references look
// like "mollie:cst_xxx:mdt_xxx"; the router strips the processor name.
// Recurring payments ride an existing SEPA or card mandate, so no
// customer interaction is needed.
type Client struct {
	client *mollie.Client
	logger logging.Logger
}

// Config for creating a new Mollie client
type Config struct {
	APIKey string // MOLLIE_API_KEY (live_xxx or test_xxx)
	Logger logging.Logger
}

// NewClient creates a new Mollie client
func NewClient(config Config) (*Client, error) {
	mollieConfig := mollie.NewAPITestingConfig(true)
	if strings.HasPrefix(config.APIKey, "live_") {
		mollieConfig = mollie.NewAPIConfig(true)
	}

	client, err := mollie.NewClient(nil, mollieConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mollie client: %w", err)
	}
	if err := client.WithAuthenticationValue(config.APIKey); err != nil {
		return nil, fmt.Errorf("failed to set Mollie API key: %w", err)
	}

	return &Client{client: client, logger: config.Logger}, nil
}

func (c *Client) Name() string {
	return "mollie"
}

// Charge creates a recurring payment against the tenant's mandate. The
// idempotency token travels in the payment metadata; Mollie has no
// request-level idempotency, so duplicate detection is ours via the
// ledger's source event dedup.
func (c *Client) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.Charge, error) {
	customerID, mandateID, ok := strings.Cut(req.PaymentMethodRef, ":")
	if !ok {
		return nil, &payments.DeclinedError{
			Processor: "mollie",
			Reason:    "payment method reference is missing a mandate id",
		}
	}

	paymentParams := mollie.CreatePayment{
		Amount:      amountFromCents(req.AmountCents, req.Currency),
		Description: req.Description,
		Metadata: map[string]interface{}{
			"tenant_id":         req.TenantID,
			"idempotency_token": req.IdempotencyToken,
			"payment_type":      "wallet_recharge",
		},
		CreateRecurrentPaymentFields: mollie.CreateRecurrentPaymentFields{
			SequenceType: mollie.RecurringSequence,
			MandateID:    mandateID,
		},
	}

	_, payment, err := c.client.Customers.CreatePayment(ctx, customerID, paymentParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create recurring payment: %w", err)
	}

	switch payment.Status {
	case "failed", "canceled", "expired":
		return nil, &payments.DeclinedError{
			Processor: "mollie",
			Reason:    fmt.Sprintf("payment ended in status %s", payment.Status),
		}
	}

	c.logger.WithFields(logging.Fields{
		"tenant_id":    req.TenantID,
		"payment_id":   payment.ID,
		"amount_cents": req.AmountCents,
		"status":       payment.Status,
	}).Info("Mollie recurring payment created")
	return &payments.Charge{ProcessorRef: payment.ID}, nil
}

// amountFromCents renders integer cents as Mollie's decimal string form.
func amountFromCents(cents int64, currency string) *mollie.Amount {
	return &mollie.Amount{
		Value:    fmt.Sprintf("%d.%02d", cents/100, cents%100),
		Currency: strings.ToUpper(currency),
	}
}
