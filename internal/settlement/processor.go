package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bursar/internal/ledger"
	"bursar/internal/rating"
	"bursar/pkg/config"
	"bursar/pkg/logging"
)

// Settlement result statuses.
const (
	StatusSettled   = "settled"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
	StatusIgnored   = "ignored"
)

// Result describes what happened to one event.
type Result struct {
	Status      string              `json:"status"`
	CostCents   int64               `json:"cost_cents"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
}

// Processor runs the settlement pipeline: validate, claim, rate, debit,
// finalize, then evaluate the low-balance policy. Safe for concurrent use.
type Processor struct {
	guard  *Guard
	ledger *ledger.Ledger
	rater  *rating.Calculator
	policy *Policy
	logger logging.Logger

	// recordOverdraft switches debt-ceiling breaches from rejection to
	// recording negative balances. SETTLE_OVERDRAFT_POLICY=record enables
	// it; the default rejects.
	recordOverdraft bool
}

func NewProcessor(db *sql.DB, l *ledger.Ledger, rater *rating.Calculator, policy *Policy, logger logging.Logger) *Processor {
	return &Processor{
		guard:           NewGuard(db, logger),
		ledger:          l,
		rater:           rater,
		policy:          policy,
		logger:          logger,
		recordOverdraft: config.GetEnv("SETTLE_OVERDRAFT_POLICY", "reject") == "record",
	}
}

// Process settles one usage event. Redelivered events return a duplicate
// result with no ledger effect. An insufficient-funds rejection returns
// both the result and the typed error so transports can surface it.
func (p *Processor) Process(ctx context.Context, evt *Event) (*Result, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}

	log := p.logger.WithFields(logging.Fields{
		"event_id":   evt.EventID,
		"event_type": evt.EventType,
		"tenant_id":  evt.TenantID,
	})

	claimed, err := p.guard.Claim(ctx, evt)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Debug("Duplicate event delivery ignored")
		return &Result{Status: StatusDuplicate}, nil
	}

	wallet, err := p.ledger.EnsureWallet(ctx, evt.TenantID)
	if err != nil {
		// Claim stays in place; the reconciler flags it if the retry
		// never lands.
		return nil, fmt.Errorf("failed to load wallet for tenant %s: %w", evt.TenantID, err)
	}

	cost, err := p.cost(evt, wallet)
	if err != nil {
		p.finalize(ctx, log, evt.EventID, OutcomeRejected)
		return nil, err
	}
	if cost == 0 {
		p.finalize(ctx, log, evt.EventID, OutcomeIgnored)
		log.Debug("Zero-cost event, nothing to settle")
		return &Result{Status: StatusIgnored}, nil
	}

	txn, _, err := p.ledger.ApplyDebit(ctx, ledger.DebitParams{
		TenantID:       evt.TenantID,
		AmountCents:    cost,
		SourceEventID:  evt.EventID,
		Reason:         reasonForEvent(evt.EventType),
		Description:    evt.Description(),
		AllowOverdraft: p.recordOverdraft,
	})
	if err != nil {
		if ledger.IsInsufficientFunds(err) {
			p.finalize(ctx, log, evt.EventID, OutcomeRejected)
			p.cache().Set(ctx, evt.TenantID, StatusBlocked)
			if p.policy != nil && p.policy.notifier != nil {
				p.policy.notifier.NotifyLowBalance(ctx, evt.TenantID, wallet.BalanceCents, wallet.LowBalanceThresholdCents)
			}
			log.WithField("cost_cents", cost).Warn("Settlement rejected, balance at debt ceiling")
			return &Result{Status: StatusRejected, CostCents: cost}, err
		}
		if errors.Is(err, ledger.ErrWalletInactive) {
			p.finalize(ctx, log, evt.EventID, OutcomeRejected)
			return &Result{Status: StatusRejected, CostCents: cost}, err
		}
		return nil, err
	}

	if err := p.guard.Finalize(ctx, evt.EventID, OutcomeSettled); err != nil {
		log.WithError(err).Error("Failed to finalize settled event")
	}

	if err := p.policy.Evaluate(ctx, wallet, txn.BalanceAfterCents); err != nil {
		log.WithError(err).Error("Threshold policy evaluation failed")
	}

	log.WithFields(logging.Fields{
		"cost_cents":    cost,
		"balance_cents": txn.BalanceAfterCents,
	}).Info("Event settled")
	return &Result{Status: StatusSettled, CostCents: cost, Transaction: txn}, nil
}

func (p *Processor) cost(evt *Event, w *ledger.Wallet) (int64, error) {
	card := &rating.RateCard{}
	if w.PerMinuteRateCents != nil {
		card.PerMinuteCents = *w.PerMinuteRateCents
	}
	if w.NumberFeeCents != nil {
		card.NumberFeeCents = *w.NumberFeeCents
	}
	switch evt.EventType {
	case EventCallCompleted:
		return p.rater.CallCost(*evt.DurationSeconds, card), nil
	case EventNumberProvisioned:
		return p.rater.NumberFee(card), nil
	}
	return 0, &MalformedEventError{Reason: fmt.Sprintf("unknown event_type %q", evt.EventType)}
}

func (p *Processor) finalize(ctx context.Context, log logging.Entry, eventID, outcome string) {
	if err := p.guard.Finalize(ctx, eventID, outcome); err != nil {
		log.WithError(err).Error("Failed to finalize event")
	}
}

func (p *Processor) cache() *StatusCache {
	if p.policy == nil {
		return nil
	}
	return p.policy.cache
}

func reasonForEvent(eventType string) string {
	if eventType == EventNumberProvisioned {
		return ledger.ReasonNumberProvisioning
	}
	return ledger.ReasonCallSettlement
}
