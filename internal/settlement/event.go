// Package settlement turns incoming telephony usage events into ledger
// entries, exactly once per event, and triggers the low-balance policy
// after each debit.
package settlement

import (
	"encoding/json"
	"fmt"
)

// Supported usage event types.
const (
	EventCallCompleted     = "call.completed"
	EventNumberProvisioned = "number.provisioned"
)

// Event is a usage event from the telephony platform. Events arrive over
// HTTP and Kafka with the same shape.
type Event struct {
	EventID         string `json:"event_id"`
	EventType       string `json:"event_type"`
	TenantID        string `json:"tenant_id"`
	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
	CallID          string `json:"call_id,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
}

// MalformedEventError marks events that can never settle. They are
// rejected before claiming so a corrected redelivery can still go through.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

// ParseEvent decodes and validates a raw event payload.
func ParseEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, &MalformedEventError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Validate checks the fields required for settlement.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return &MalformedEventError{Reason: "event_id is required"}
	}
	if e.TenantID == "" {
		return &MalformedEventError{Reason: "tenant_id is required"}
	}
	switch e.EventType {
	case EventCallCompleted:
		// Negative durations pass validation: providers occasionally send
		// them for failed call legs, and the rater charges them as zero.
		if e.DurationSeconds == nil {
			return &MalformedEventError{Reason: "duration_seconds is required for call.completed"}
		}
	case EventNumberProvisioned:
		// no extra fields required
	case "":
		return &MalformedEventError{Reason: "event_type is required"}
	default:
		return &MalformedEventError{Reason: fmt.Sprintf("unknown event_type %q", e.EventType)}
	}
	return nil
}

// Description renders the ledger line item for this event.
func (e *Event) Description() string {
	switch e.EventType {
	case EventCallCompleted:
		if e.CallID != "" {
			return fmt.Sprintf("Call %s (%ds)", e.CallID, *e.DurationSeconds)
		}
		return fmt.Sprintf("Call settlement (%ds)", *e.DurationSeconds)
	case EventNumberProvisioned:
		if e.PhoneNumber != "" {
			return fmt.Sprintf("Number provisioning %s", e.PhoneNumber)
		}
		return "Number provisioning"
	}
	return e.EventType
}
