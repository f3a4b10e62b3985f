// Package payments abstracts the external payment processors used for
// wallet recharges. Charges run off-session against a stored payment
// method; the processor-side idempotency key prevents double charges on
// retry.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoProcessor is returned when a payment method reference names a
// processor that is not configured.
var ErrNoProcessor = errors.New("no payment processor configured for payment method")

// DeclinedError marks charges the processor refused. Declines are
// terminal; retrying the same charge will not help.
type DeclinedError struct {
	Processor string
	Reason    string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("charge declined by %s: %s", e.Processor, e.Reason)
}

// IsDeclined reports whether err is a terminal processor decline.
func IsDeclined(err error) bool {
	var target *DeclinedError
	return errors.As(err, &target)
}

// ChargeRequest describes one off-session charge.
type ChargeRequest struct {
	TenantID         string
	AmountCents      int64
	Currency         string
	PaymentMethodRef string // bare processor-side method id, prefix stripped
	IdempotencyToken string
	Description      string
}

// Charge is the processor's record of a completed payment.
type Charge struct {
	ProcessorRef string // processor-side payment id, stored for audit
}

// Processor executes charges against one payment provider.
type Processor interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
}

// Router dispatches charges by payment method reference prefix:
// "stripe:pm_..." or "mollie:mdt_...".
type Router struct {
	processors map[string]Processor
}

func NewRouter(processors ...Processor) *Router {
	r := &Router{processors: make(map[string]Processor)}
	for _, p := range processors {
		if p != nil {
			r.processors[p.Name()] = p
		}
	}
	return r
}

// Charge routes the request to the processor named by the reference
// prefix and rewrites PaymentMethodRef to the bare processor-side id.
func (r *Router) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	name, ref, ok := strings.Cut(req.PaymentMethodRef, ":")
	if !ok || ref == "" {
		return nil, fmt.Errorf("%w: malformed reference %q", ErrNoProcessor, req.PaymentMethodRef)
	}
	p, found := r.processors[name]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoProcessor, name)
	}
	req.PaymentMethodRef = ref
	return p.Charge(ctx, req)
}
