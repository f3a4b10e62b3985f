package settlement

import (
	"context"
	"errors"

	"bursar/internal/ledger"
	"bursar/pkg/kafka"
	"bursar/pkg/logging"
)

// NewKafkaHandler adapts the settlement processor to the Kafka consumer.
// A returned error blocks the partition for redelivery, so only transient
// failures propagate; anything settlement already decided commits.
func NewKafkaHandler(p *Processor, logger logging.Logger) kafka.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		evt, err := ParseEvent(msg.Value)
		if err != nil {
			// Poison message; redelivery cannot fix it.
			logger.WithError(err).WithFields(logging.Fields{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("Dropping malformed usage event")
			return nil
		}

		result, err := p.Process(ctx, evt)
		if err != nil {
			var malformed *MalformedEventError
			if errors.As(err, &malformed) ||
				ledger.IsInsufficientFunds(err) ||
				errors.Is(err, ledger.ErrWalletInactive) {
				// Terminal outcomes are already recorded against the
				// event; retrying the message changes nothing.
				logger.WithError(err).WithField("event_id", evt.EventID).Info("Event finalized without settlement")
				return nil
			}
			return err
		}

		logger.WithFields(logging.Fields{
			"event_id": evt.EventID,
			"status":   result.Status,
		}).Debug("Kafka usage event processed")
		return nil
	}
}
