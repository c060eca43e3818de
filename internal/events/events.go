// Package events defines the closed set of domain events the engine
// reacts to, and the SQS consumer that feeds them in.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a domain event type. The set is closed: payloads are
// validated against it at the bus boundary, never inside the engine.
type Kind string

const (
	ReservationCreated   Kind = "reservation_created"
	ReservationConfirmed Kind = "reservation_confirmed"
	ReservationCancelled Kind = "reservation_cancelled"
	PaymentReceived      Kind = "payment_received"
	PaymentFailed        Kind = "payment_failed"
	CheckinUpcoming      Kind = "checkin_upcoming"
	CheckoutCompleted    Kind = "checkout_completed"
)

var knownKinds = map[Kind]bool{
	ReservationCreated:   true,
	ReservationConfirmed: true,
	ReservationCancelled: true,
	PaymentReceived:      true,
	PaymentFailed:        true,
	CheckinUpcoming:      true,
	CheckoutCompleted:    true,
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	return knownKinds[k]
}

// PaymentDetails carries the extra fields payment events publish.
type PaymentDetails struct {
	AmountCents int    `json:"amount_cents"`
	Method      string `json:"method,omitempty"`
	FailureCode string `json:"failure_code,omitempty"`
}

// Event is one domain event instance. ID is the event instance
// identity: the same occurrence redelivered by the bus carries the
// same ID, which is what makes trigger evaluation idempotent under
// at-least-once delivery.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Kind          Kind            `json:"kind"`
	CampgroundID  uuid.UUID       `json:"campground_id"`
	ReservationID uuid.UUID       `json:"reservation_id"`
	GuestID       uuid.UUID       `json:"guest_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payment       *PaymentDetails `json:"payment,omitempty"`
}

// Decode parses and validates a raw bus message into an Event.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks the envelope's required fields.
func (e *Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind: %q", e.Kind)
	}
	if e.ID == uuid.Nil {
		return fmt.Errorf("event %s missing id", e.Kind)
	}
	if e.CampgroundID == uuid.Nil {
		return fmt.Errorf("event %s missing campground_id", e.Kind)
	}
	if e.ReservationID == uuid.Nil {
		return fmt.Errorf("event %s missing reservation_id", e.Kind)
	}
	if e.GuestID == uuid.Nil {
		return fmt.Errorf("event %s missing guest_id", e.Kind)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event %s missing occurred_at", e.Kind)
	}
	switch e.Kind {
	case PaymentReceived, PaymentFailed:
		if e.Payment == nil {
			return fmt.Errorf("event %s missing payment details", e.Kind)
		}
	}
	return nil
}
