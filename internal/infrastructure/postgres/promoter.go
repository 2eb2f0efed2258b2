package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/baechuer/confbook/internal/contracts/events"
	"github.com/baechuer/confbook/internal/domain"
)

// promoteNextLocked offers a freed slot to the head of the waitlist. The
// caller must already hold the conference row lock in tx. Returns nil when
// no slot is free or the waitlist is empty.
//
// The expiry timer is armed through the outbox in the same transaction, so
// a promotion is never committed without its deadline message.
func (r *Repository) promoteNextLocked(ctx context.Context, tx pgx.Tx, conferenceID uuid.UUID, conferenceName string, availableSlots int32) (*domain.Promotion, error) {
	if availableSlots <= 0 {
		return nil, nil
	}

	var (
		bookingID uuid.UUID
		userID    string
	)
	err := tx.QueryRow(ctx, `
		SELECT booking_id, user_id
		FROM bookings
		WHERE conference_id = $1 AND status = 'WAITLISTED'
		ORDER BY waitlist_position ASC
		LIMIT 1
		FOR UPDATE
	`, conferenceID).Scan(&bookingID, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	deadline := time.Now().UTC().Add(r.confirmationWindow)

	if _, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'CONFIRMATION_PENDING',
		    can_confirm = TRUE,
		    waitlist_confirmation_deadline = $2,
		    waitlist_position = NULL
		WHERE booking_id = $1
	`, bookingID, deadline); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(events.ConfirmationExpired{
		BookingID:      bookingID,
		ExpirationTime: deadline,
		ConferenceName: conferenceName,
	})
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (message_id, event_type, payload, fire_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), events.TypeConfirmationExpiry, payload, deadline); err != nil {
		return nil, err
	}

	return &domain.Promotion{
		BookingID:      bookingID,
		UserID:         userID,
		ConferenceID:   conferenceID,
		ConferenceName: conferenceName,
		Deadline:       deadline,
	}, nil
}

// PromoteNext runs a promotion attempt in its own transaction. Callers use
// it after a cancellation has freed a slot.
func (r *Repository) PromoteNext(ctx context.Context, conferenceID uuid.UUID) (*domain.Promotion, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		name           string
		availableSlots int32
	)
	err = tx.QueryRow(ctx, `
		SELECT name, available_slots
		FROM conferences
		WHERE conference_id = $1
		FOR UPDATE
	`, conferenceID).Scan(&name, &availableSlots)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewNotFoundError("Conference not found")
	}
	if err != nil {
		return nil, err
	}

	promo, err := r.promoteNextLocked(ctx, tx, conferenceID, name, availableSlots)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return promo, nil
}

// HandleConfirmationExpiredTx processes a fired confirmation timer inside
// the caller's dedupe transaction. The timer only means the window MAY
// have elapsed: the booking is moved back to the waitlist tail only if it
// is still CONFIRMATION_PENDING. When it moved, the next candidate is
// promoted in the same transaction.
//
// requeued=false with a nil error means the message was stale; the caller
// should still ack it.
func (r *Repository) HandleConfirmationExpiredTx(ctx context.Context, tx pgx.Tx, bookingID uuid.UUID) (requeued bool, promo *domain.Promotion, err error) {
	var conferenceID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT conference_id FROM bookings WHERE booking_id = $1
	`, bookingID).Scan(&conferenceID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Unknown booking: nothing to repair, drop the timer.
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	var (
		name           string
		availableSlots int32
	)
	err = tx.QueryRow(ctx, `
		SELECT name, available_slots
		FROM conferences
		WHERE conference_id = $1
		FOR UPDATE
	`, conferenceID).Scan(&name, &availableSlots)
	if err != nil {
		return false, nil, err
	}

	var position int32
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(waitlist_position), 0) + 1
		FROM bookings
		WHERE conference_id = $1 AND status = 'WAITLISTED'
	`, conferenceID).Scan(&position)
	if err != nil {
		return false, nil, err
	}

	// Conditional transition: a meanwhile confirmed or canceled booking
	// stays untouched. Forfeiting the window sends the booking to the
	// tail, not back to its old position.
	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'WAITLISTED',
		    waitlist_position = $2,
		    can_confirm = FALSE,
		    waitlist_confirmation_deadline = NULL
		WHERE booking_id = $1 AND status = 'CONFIRMATION_PENDING'
	`, bookingID, position)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil, nil
	}

	promo, err = r.promoteNextLocked(ctx, tx, conferenceID, name, availableSlots)
	if err != nil {
		return false, nil, err
	}
	return true, promo, nil
}

// HandleConferenceStartTx cancels every WAITLISTED and
// CONFIRMATION_PENDING booking of the conference at its advertised start.
// CONFIRMED bookings are untouched. Runs inside the caller's dedupe
// transaction.
func (r *Repository) HandleConferenceStartTx(ctx context.Context, tx pgx.Tx, conferenceName string) (canceled int64, err error) {
	var conferenceID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT conference_id FROM conferences WHERE name = $1 FOR UPDATE
	`, conferenceName).Scan(&conferenceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'CANCELED',
		    canceled_at = $2,
		    can_confirm = FALSE,
		    waitlist_confirmation_deadline = NULL,
		    waitlist_position = NULL
		WHERE conference_id = $1 AND status IN ('WAITLISTED', 'CONFIRMATION_PENDING')
	`, conferenceID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
