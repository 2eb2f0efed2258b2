package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/baechuer/confbook/internal/domain"
)

// CreateBooking decides CONFIRMED vs WAITLISTED under the conference row
// lock. A direct confirmation is only allowed when a slot is free and
// nobody is pending or waiting; otherwise the booking joins the waitlist
// tail.
func (r *Repository) CreateBooking(ctx context.Context, conferenceID uuid.UUID, userID string) (*domain.BookingResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	// 1) Lock the conference row first (see deadlock policy).
	var (
		name           string
		start, end     time.Time
		availableSlots int32
	)
	err = tx.QueryRow(ctx, `
		SELECT name, start_timestamp, end_timestamp, available_slots
		FROM conferences
		WHERE conference_id = $1
		FOR UPDATE
	`, conferenceID).Scan(&name, &start, &end, &availableSlots)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewNotFoundError("Conference not found")
	}
	if err != nil {
		return nil, err
	}

	if !now.Before(start) {
		return nil, domain.NewStateError("Cannot book conference that has already started")
	}

	// 2) At most one active booking per (user, conference).
	var existing uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT booking_id
		FROM bookings
		WHERE conference_id = $1 AND user_id = $2 AND status <> 'CANCELED'
		FOR UPDATE
	`, conferenceID, userID).Scan(&existing)
	if err == nil {
		return nil, domain.NewConflictError("User already has an active booking for this conference")
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// 3) No overlapping active booking on any other conference.
	var overlapping bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM bookings b
			JOIN conferences c ON c.conference_id = b.conference_id
			WHERE b.user_id = $1
			  AND b.status <> 'CANCELED'
			  AND c.start_timestamp < $3
			  AND c.end_timestamp > $2
		)
	`, userID, start, end).Scan(&overlapping)
	if err != nil {
		return nil, err
	}
	if overlapping {
		return nil, domain.NewConflictError("User has an overlapping conference booking")
	}

	// 4) Decide. A pending confirmation reserves its slot through this
	// rule, not through the counter, so pending or waiting always wins
	// over a newcomer.
	var pending, waiting int64
	err = tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'CONFIRMATION_PENDING'),
			COUNT(*) FILTER (WHERE status = 'WAITLISTED')
		FROM bookings
		WHERE conference_id = $1
	`, conferenceID).Scan(&pending, &waiting)
	if err != nil {
		return nil, err
	}

	res := &domain.BookingResult{ConferenceID: conferenceID, ConferenceName: name, UserID: userID}

	if availableSlots > 0 && pending == 0 && waiting == 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE conferences SET available_slots = available_slots - 1 WHERE conference_id = $1
		`, conferenceID); err != nil {
			return nil, err
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO bookings (conference_id, user_id, status)
			VALUES ($1, $2, 'CONFIRMED')
			RETURNING booking_id
		`, conferenceID, userID).Scan(&res.BookingID)
		if err != nil {
			return nil, err
		}
		res.Status = domain.StatusConfirmed

		// A confirmed seat voids this user's waitlist entries on
		// conferences overlapping this one.
		if err := cascadeCancelOverlapping(ctx, tx, userID, start, end, conferenceID, now); err != nil {
			return nil, err
		}
	} else {
		var position int32
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(waitlist_position), 0) + 1
			FROM bookings
			WHERE conference_id = $1 AND status = 'WAITLISTED'
		`, conferenceID).Scan(&position)
		if err != nil {
			return nil, err
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO bookings (conference_id, user_id, status, waitlist_position)
			VALUES ($1, $2, 'WAITLISTED', $3)
			RETURNING booking_id
		`, conferenceID, userID, position).Scan(&res.BookingID)
		if err != nil {
			return nil, err
		}
		res.Status = domain.StatusWaitlisted
		res.WaitlistPosition = &position
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// ConfirmBooking moves a CONFIRMATION_PENDING booking to CONFIRMED. The
// slot reserved by the promotion is debited here, not at promotion time.
func (r *Repository) ConfirmBooking(ctx context.Context, bookingID uuid.UUID, userID string) (*domain.BookingResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	// Booking -> conference id without a lock, then lock the conference,
	// then re-read the booking under it (see deadlock policy).
	var conferenceID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT conference_id FROM bookings WHERE booking_id = $1
	`, bookingID).Scan(&conferenceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewNotFoundError("Booking not found")
	}
	if err != nil {
		return nil, err
	}

	var (
		name       string
		start, end time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT name, start_timestamp, end_timestamp
		FROM conferences
		WHERE conference_id = $1
		FOR UPDATE
	`, conferenceID).Scan(&name, &start, &end)
	if err != nil {
		return nil, err
	}

	var (
		owner      string
		rawStatus  string
		canConfirm bool
		deadline   *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT user_id, status, can_confirm, waitlist_confirmation_deadline
		FROM bookings
		WHERE booking_id = $1
		FOR UPDATE
	`, bookingID).Scan(&owner, &rawStatus, &canConfirm, &deadline)
	if err != nil {
		return nil, err
	}

	if owner != userID {
		return nil, domain.NewStateError("Access denied: booking does not belong to this user")
	}
	if rawStatus != string(domain.StatusConfirmationPending) {
		return nil, domain.NewStateError("Booking is not in confirmation pending state")
	}
	if !canConfirm {
		return nil, domain.NewStateError("Booking cannot be confirmed at this time")
	}
	if deadline == nil || now.After(*deadline) {
		return nil, domain.NewStateError("Confirmation deadline has expired")
	}
	if !now.Before(start) {
		return nil, domain.NewStateError("Cannot confirm booking for conference that has already started")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE conferences SET available_slots = available_slots - 1 WHERE conference_id = $1
	`, conferenceID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'CONFIRMED',
		    can_confirm = FALSE,
		    waitlist_confirmation_deadline = NULL,
		    waitlist_position = NULL
		WHERE booking_id = $1
	`, bookingID); err != nil {
		return nil, err
	}

	if err := cascadeCancelOverlapping(ctx, tx, userID, start, end, conferenceID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &domain.BookingResult{
		BookingID:      bookingID,
		ConferenceID:   conferenceID,
		ConferenceName: name,
		UserID:         userID,
		Status:         domain.StatusConfirmed,
	}, nil
}

// CancelBooking cancels any active booking. A canceled CONFIRMED booking
// returns its slot; a canceled CONFIRMATION_PENDING booking releases the
// reserved offer. Both make the conference eligible for a promotion.
func (r *Repository) CancelBooking(ctx context.Context, bookingID uuid.UUID) (*domain.CancelResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	var conferenceID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT conference_id FROM bookings WHERE booking_id = $1
	`, bookingID).Scan(&conferenceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewNotFoundError("Booking not found")
	}
	if err != nil {
		return nil, err
	}

	var name string
	err = tx.QueryRow(ctx, `
		SELECT name FROM conferences WHERE conference_id = $1 FOR UPDATE
	`, conferenceID).Scan(&name)
	if err != nil {
		return nil, err
	}

	var (
		owner     string
		rawStatus string
	)
	err = tx.QueryRow(ctx, `
		SELECT user_id, status FROM bookings WHERE booking_id = $1 FOR UPDATE
	`, bookingID).Scan(&owner, &rawStatus)
	if err != nil {
		return nil, err
	}

	prev, err := domain.ParseBookingStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	if prev == domain.StatusCanceled {
		return nil, domain.NewStateError("Booking is already canceled")
	}

	res := &domain.CancelResult{
		BookingID:      bookingID,
		ConferenceID:   conferenceID,
		ConferenceName: name,
		UserID:         owner,
		PreviousStatus: prev,
	}

	switch prev {
	case domain.StatusConfirmed:
		if _, err := tx.Exec(ctx, `
			UPDATE conferences SET available_slots = available_slots + 1 WHERE conference_id = $1
		`, conferenceID); err != nil {
			return nil, err
		}
		res.TriggerPromotion = true
	case domain.StatusConfirmationPending:
		// No slot was debited while pending; the released offer still
		// goes to the next in line.
		res.TriggerPromotion = true
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'CANCELED',
		    canceled_at = $2,
		    can_confirm = FALSE,
		    waitlist_confirmation_deadline = NULL,
		    waitlist_position = NULL
		WHERE booking_id = $1
	`, bookingID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// cascadeCancelOverlapping cancels this user's WAITLISTED bookings on
// conferences whose interval intersects [start, end), excluding the
// conference that was just confirmed.
func cascadeCancelOverlapping(ctx context.Context, tx pgx.Tx, userID string, start, end time.Time, exceptConferenceID uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE bookings b
		SET status = 'CANCELED',
		    canceled_at = $5,
		    can_confirm = FALSE,
		    waitlist_confirmation_deadline = NULL,
		    waitlist_position = NULL
		FROM conferences c
		WHERE b.conference_id = c.conference_id
		  AND b.user_id = $1
		  AND b.status = 'WAITLISTED'
		  AND c.conference_id <> $2
		  AND c.start_timestamp < $4
		  AND c.end_timestamp > $3
	`, userID, exceptConferenceID, start, end, now)
	return err
}
