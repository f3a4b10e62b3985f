package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProcessor struct {
	name    string
	lastReq ChargeRequest
	err     error
}

func (f *fakeProcessor) Name() string { return f.name }

func (f *fakeProcessor) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &Charge{ProcessorRef: f.name + "_ref"}, nil
}

func TestRouterDispatchesByPrefix(t *testing.T) {
	stripe := &fakeProcessor{name: "stripe"}
	mollie := &fakeProcessor{name: "mollie"}
	r := NewRouter(stripe, mollie)

	charge, err := r.Charge(context.Background(), ChargeRequest{
		PaymentMethodRef: "mollie:cst_1:mdt_2",
		AmountCents:      5000,
	})
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if charge.ProcessorRef != "mollie_ref" {
		t.Fatalf("expected mollie to handle the charge, got %s", charge.ProcessorRef)
	}
	if mollie.lastReq.PaymentMethodRef != "cst_1:mdt_2" {
		t.Fatalf("expected bare reference, got %q", mollie.lastReq.PaymentMethodRef)
	}
	if stripe.lastReq.PaymentMethodRef != "" {
		t.Fatal("stripe should not have been called")
	}
}

func TestRouterUnknownProcessor(t *testing.T) {
	r := NewRouter(&fakeProcessor{name: "stripe"})

	for _, ref := range []string{"paypal:x", "stripe:", "no-prefix"} {
		_, err := r.Charge(context.Background(), ChargeRequest{PaymentMethodRef: ref})
		if !errors.Is(err, ErrNoProcessor) {
			t.Errorf("ref %q: expected ErrNoProcessor, got %v", ref, err)
		}
	}
}

func TestIsDeclined(t *testing.T) {
	decline := &DeclinedError{Processor: "stripe", Reason: "card_declined"}
	if !IsDeclined(decline) {
		t.Fatal("expected decline to be detected")
	}
	if IsDeclined(errors.New("network timeout")) {
		t.Fatal("transient errors are not declines")
	}
}
