package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is a registered attendee. The user-chosen id is the primary key.
type User struct {
	UserID    string    `json:"user_id"`
	Topics    []string  `json:"topics"`
	CreatedAt time.Time `json:"created_at"`
}

// Conference is a bookable event with a fixed slot capacity.
type Conference struct {
	ID             uuid.UUID `json:"conference_id"`
	Name           string    `json:"name"`
	Location       string    `json:"location"`
	Topics         []string  `json:"topics"`
	StartTime      time.Time `json:"start_timestamp"`
	EndTime        time.Time `json:"end_timestamp"`
	TotalSlots     int32     `json:"total_slots"`
	AvailableSlots int32     `json:"available_slots"`
	CreatedAt      time.Time `json:"created_at"`
}

// Started reports whether the conference has already begun at the given
// instant. Bookings and confirmations are rejected from then on.
func (c Conference) Started(now time.Time) bool {
	return !now.Before(c.StartTime)
}

// Booking links a user to a conference.
type Booking struct {
	ID                   uuid.UUID     `json:"booking_id"`
	ConferenceID         uuid.UUID     `json:"conference_id"`
	UserID               string        `json:"user_id"`
	Status               BookingStatus `json:"status"`
	CanConfirm           bool          `json:"can_confirm"`
	WaitlistPosition     *int32        `json:"waitlist_position,omitempty"`
	ConfirmationDeadline *time.Time    `json:"confirmation_deadline,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	CanceledAt           *time.Time    `json:"canceled_at,omitempty"`
}

// BookingDetail is a booking joined with its conference name, used by the
// status endpoint and the per-conference listing.
type BookingDetail struct {
	Booking
	ConferenceName string `json:"conference_name"`
}

// NewUser is a user registration request.
type NewUser struct {
	UserID string   `json:"user_id"`
	Topics []string `json:"topics"`
}

// NewConference is a conference creation request.
type NewConference struct {
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Topics    []string  `json:"topics"`
	StartTime time.Time `json:"start"`
	EndTime   time.Time `json:"end"`
	Slots     int32     `json:"slots"`
}

// BookingResult is the outcome of a booking request: either an immediately
// confirmed seat or a waitlist entry with its assigned position.
type BookingResult struct {
	BookingID        uuid.UUID
	ConferenceID     uuid.UUID
	ConferenceName   string
	UserID           string
	Status           BookingStatus
	WaitlistPosition *int32
}

// CancelResult is the outcome of a cancellation. TriggerPromotion is set
// when the canceled booking freed a slot or released a reserved one, so
// the waitlist should be offered it.
type CancelResult struct {
	BookingID        uuid.UUID
	ConferenceID     uuid.UUID
	ConferenceName   string
	UserID           string
	PreviousStatus   BookingStatus
	TriggerPromotion bool
}

// Promotion describes a waitlisted booking that was moved to
// CONFIRMATION_PENDING and must confirm before Deadline.
type Promotion struct {
	BookingID      uuid.UUID
	UserID         string
	ConferenceID   uuid.UUID
	ConferenceName string
	Deadline       time.Time
}

// BookingRepository is the persistence port for users, conferences and
// bookings. Implementations own transaction boundaries and row locking.
type BookingRepository interface {
	CreateUser(ctx context.Context, nu NewUser) (*User, error)
	UserExists(ctx context.Context, userID string) (bool, error)

	CreateConference(ctx context.Context, nc NewConference) (*Conference, error)
	GetConferenceByName(ctx context.Context, name string) (*Conference, error)

	// CreateBooking decides CONFIRMED vs WAITLISTED under the conference
	// row lock and persists the booking.
	CreateBooking(ctx context.Context, conferenceID uuid.UUID, userID string) (*BookingResult, error)

	// ConfirmBooking flips a CONFIRMATION_PENDING booking owned by userID
	// to CONFIRMED, debiting the slot counter.
	ConfirmBooking(ctx context.Context, bookingID uuid.UUID, userID string) (*BookingResult, error)

	// CancelBooking cancels an active booking and reports whether a
	// promotion attempt should follow.
	CancelBooking(ctx context.Context, bookingID uuid.UUID) (*CancelResult, error)

	// PromoteNext offers the freed slot to the head of the waitlist, if
	// any. Returns nil when there is nothing to promote.
	PromoteNext(ctx context.Context, conferenceID uuid.UUID) (*Promotion, error)

	GetBookingDetail(ctx context.Context, bookingID uuid.UUID) (*BookingDetail, error)
	ListConferenceBookings(ctx context.Context, conferenceName string) ([]BookingDetail, error)
}

// ConferenceCache is a read-through cache for conference lookups plus the
// fixed-window rate limit counter.
type ConferenceCache interface {
	GetConference(ctx context.Context, name string) (*Conference, error)
	SetConference(ctx context.Context, conf *Conference) error
	InvalidateConference(ctx context.Context, name string) error
	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// EventBus publishes informational events to the broker. Delivery is best
// effort; state-changing timers go through the transactional outbox
// instead.
type EventBus interface {
	PublishConferenceCreated(ctx context.Context, conf *Conference) error
	PublishBookingUpdate(ctx context.Context, booking *BookingResult) error
	PublishWaitlistEntry(ctx context.Context, res *BookingResult) error
	DeleteWaitlistQueue(ctx context.Context, conferenceName string) error
}
