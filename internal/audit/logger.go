package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appctx "github.com/baechuer/confbook/internal/pkg/context"
)

// Logger provides structured audit logging for business events
type Logger struct {
	log zerolog.Logger
}

// New creates a new audit logger
func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// UserRegistered logs a new user registration
func (l *Logger) UserRegistered(ctx context.Context, userID string) {
	l.log.Info().
		Str("action", "user_registered").
		Str("user_id", userID).
		Str("trace_id", getTraceID(ctx)).
		Msg("User registered")
}

// ConferenceCreated logs a new conference with its capacity
func (l *Logger) ConferenceCreated(ctx context.Context, conferenceID uuid.UUID, name string, slots int32) {
	l.log.Info().
		Str("action", "conference_created").
		Str("conference_id", conferenceID.String()).
		Str("conference_name", name).
		Int32("total_slots", slots).
		Str("trace_id", getTraceID(ctx)).
		Msg("Conference created")
}

// BookingCreated logs the outcome of a booking request
func (l *Logger) BookingCreated(ctx context.Context, bookingID uuid.UUID, userID, conferenceName, status string) {
	l.log.Info().
		Str("action", "booking_created").
		Str("booking_id", bookingID.String()).
		Str("user_id", userID).
		Str("conference_name", conferenceName).
		Str("status", status).
		Str("trace_id", getTraceID(ctx)).
		Msg("Booking created")
}

// BookingConfirmed logs a successful waitlist confirmation
func (l *Logger) BookingConfirmed(ctx context.Context, bookingID uuid.UUID, userID string) {
	l.log.Info().
		Str("action", "booking_confirmed").
		Str("booking_id", bookingID.String()).
		Str("user_id", userID).
		Str("trace_id", getTraceID(ctx)).
		Msg("Booking confirmed")
}

// BookingCanceled logs a cancellation with the state it left
func (l *Logger) BookingCanceled(ctx context.Context, bookingID uuid.UUID, previousStatus string) {
	l.log.Info().
		Str("action", "booking_canceled").
		Str("booking_id", bookingID.String()).
		Str("previous_status", previousStatus).
		Str("trace_id", getTraceID(ctx)).
		Msg("Booking canceled")
}

// Promoted logs a waitlist head moving to confirmation pending
func (l *Logger) Promoted(ctx context.Context, bookingID uuid.UUID, userID, conferenceName string) {
	l.log.Info().
		Str("action", "promoted").
		Str("booking_id", bookingID.String()).
		Str("user_id", userID).
		Str("conference_name", conferenceName).
		Str("trace_id", getTraceID(ctx)).
		Msg("Booking promoted from waitlist")
}

// ConfirmationExpired logs a pending booking returned to the waitlist tail
func (l *Logger) ConfirmationExpired(ctx context.Context, bookingID uuid.UUID, conferenceName string) {
	l.log.Warn().
		Str("action", "confirmation_expired").
		Str("booking_id", bookingID.String()).
		Str("conference_name", conferenceName).
		Str("trace_id", getTraceID(ctx)).
		Msg("Confirmation window expired")
}

// ConferenceStarted logs the start-time cleanup for a conference
func (l *Logger) ConferenceStarted(ctx context.Context, conferenceName string, canceled int64) {
	l.log.Info().
		Str("action", "conference_started").
		Str("conference_name", conferenceName).
		Int64("canceled_bookings", canceled).
		Str("trace_id", getTraceID(ctx)).
		Msg("Conference started, non-confirmed bookings canceled")
}

// OutboxMessageSent logs when an outbox message is successfully published
func (l *Logger) OutboxMessageSent(ctx context.Context, messageID, routingKey string) {
	l.log.Debug().
		Str("action", "outbox_sent").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Msg("Outbox message sent")
}

// OutboxMessageDead logs when an outbox message is moved to dead status
func (l *Logger) OutboxMessageDead(ctx context.Context, messageID, routingKey string, retries int) {
	l.log.Error().
		Str("action", "outbox_dead").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Int("retries", retries).
		Msg("Outbox message moved to dead status")
}

// getTraceID extracts the request ID from context if available
func getTraceID(ctx context.Context) string {
	return appctx.GetRequestID(ctx)
}
