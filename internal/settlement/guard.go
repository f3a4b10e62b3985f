package settlement

import (
	"context"
	"database/sql"
	"fmt"

	"bursar/pkg/logging"
)

// Terminal outcomes for a claimed event.
const (
	OutcomeSettled  = "settled"
	OutcomeRejected = "rejected"
	OutcomeIgnored  = "ignored"
)

// Guard provides exactly-once admission for usage events. Claim wins at
// most once per event_id across all delivery channels; the loser sees a
// duplicate and backs off without touching the ledger.
type Guard struct {
	db     *sql.DB
	logger logging.Logger
}

func NewGuard(db *sql.DB, logger logging.Logger) *Guard {
	return &Guard{db: db, logger: logger}
}

// Claim registers the event for processing. Returns true when this caller
// won the claim, false when the event was already seen.
func (g *Guard) Claim(ctx context.Context, evt *Event) (bool, error) {
	result, err := g.db.ExecContext(ctx, `
		INSERT INTO bursar.processed_events (event_id, event_type, tenant_id, outcome)
		VALUES ($1, $2, $3, 'claimed')
		ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.EventType, evt.TenantID)
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", evt.EventID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim result: %w", err)
	}
	return affected == 1, nil
}

// Finalize records the terminal outcome of a claimed event. The row moves
// from 'claimed' to a terminal state exactly once and never changes again.
func (g *Guard) Finalize(ctx context.Context, eventID, outcome string) error {
	result, err := g.db.ExecContext(ctx, `
		UPDATE bursar.processed_events
		SET outcome = $2
		WHERE event_id = $1 AND outcome = 'claimed'`,
		eventID, outcome)
	if err != nil {
		return fmt.Errorf("failed to finalize event %s: %w", eventID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check finalize result: %w", err)
	}
	if affected == 0 {
		// Either the event was never claimed or it already reached a
		// terminal outcome; both indicate a caller bug.
		return fmt.Errorf("event %s is not in claimed state", eventID)
	}
	return nil
}
