package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Broker topology names. These are shared with external consumers and must
// not change between releases.
const (
	ConferenceExchange = "conference.events"
	BookingExchange    = "booking.events"
	DeadLetterExchange = "dead.letter.exchange"

	ConfirmationTimerQueue   = "confirmation.timer"
	ConfirmationExpiredQueue = "confirmation.expired"
	ConferenceStartTimer     = "conference.start.timer"
	ConferenceStartQueue     = "conference.starts"

	ConfirmationExpiredKey = "confirmation.expired"
	ConferenceStartKey     = "conference.start"
	ConferenceCreatedKey   = "conference.created"

	waitlistQueuePrefix = "conference."
	waitlistQueueSuffix = ".waitlist"
)

// Outbox event types, mapped to a broker route by the relay.
const (
	TypeConfirmationExpiry = "confirmation.expiry"
	TypeConferenceStart    = "conference.start"
)

// WaitlistQueueName returns the per-conference housekeeping queue name.
func WaitlistQueueName(conferenceName string) string {
	return waitlistQueuePrefix + conferenceName + waitlistQueueSuffix
}

// ConfirmationExpired is the confirmation-window timer payload. It is
// published to the timer queue with TTL equal to the window and consumed
// from the dead-letter queue once the window has elapsed.
type ConfirmationExpired struct {
	BookingID      uuid.UUID `json:"booking_id"`
	ExpirationTime time.Time `json:"expiration_time"`
	ConferenceName string    `json:"conference_name"`
}

// ConferenceStart is the conference-start timer payload.
type ConferenceStart struct {
	ConferenceName string    `json:"conference_name"`
	StartTime      time.Time `json:"start_time"`
}

// WaitlistEntry mirrors a waitlisted booking onto the per-conference
// housekeeping queue.
type WaitlistEntry struct {
	BookingID        uuid.UUID `json:"booking_id"`
	UserID           string    `json:"user_id"`
	ConferenceName   string    `json:"conference_name"`
	WaitlistPosition int32     `json:"waitlist_position"`
}

// Envelope wraps informational events published to the topic and direct
// exchanges. Timer payloads stay bare for compatibility.
type Envelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// NewEnvelope stamps an informational payload with identity and time.
func NewEnvelope[T any](payload T) Envelope[T] {
	return Envelope[T]{
		Version:    1,
		Producer:   "confbook",
		MessageID:  uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// ConferenceCreatedPayload announces a new conference on the topic
// exchange.
type ConferenceCreatedPayload struct {
	ConferenceID   string    `json:"conference_id"`
	ConferenceName string    `json:"conference_name"`
	Location       string    `json:"location"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	TotalSlots     int32     `json:"total_slots"`
}

// BookingUpdatePayload announces a booking state transition on the direct
// exchange, keyed by the new status.
type BookingUpdatePayload struct {
	BookingID        string `json:"booking_id"`
	ConferenceName   string `json:"conference_name"`
	UserID           string `json:"user_id"`
	Status           string `json:"status"`
	WaitlistPosition *int32 `json:"waitlist_position,omitempty"`
}

// BookingUpdateKey routes a booking update on the direct exchange.
func BookingUpdateKey(status string) string {
	return fmt.Sprintf("booking.%s", strings.ToLower(status))
}
