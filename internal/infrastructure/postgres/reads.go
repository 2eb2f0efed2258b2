package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/baechuer/confbook/internal/domain"
)

func (r *Repository) GetBookingDetail(ctx context.Context, bookingID uuid.UUID) (*domain.BookingDetail, error) {
	var (
		d         domain.BookingDetail
		rawStatus string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT b.booking_id, b.conference_id, b.user_id, b.status,
		       b.can_confirm, b.waitlist_position, b.waitlist_confirmation_deadline,
		       b.created_at, b.canceled_at,
		       c.name
		FROM bookings b
		JOIN conferences c ON c.conference_id = b.conference_id
		WHERE b.booking_id = $1
	`, bookingID).Scan(
		&d.ID, &d.ConferenceID, &d.UserID, &rawStatus,
		&d.CanConfirm, &d.WaitlistPosition, &d.ConfirmationDeadline,
		&d.CreatedAt, &d.CanceledAt,
		&d.ConferenceName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewNotFoundError("Booking not found")
	}
	if err != nil {
		return nil, err
	}

	d.Status, err = domain.ParseBookingStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repository) ListConferenceBookings(ctx context.Context, conferenceName string) ([]domain.BookingDetail, error) {
	var conferenceID uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT conference_id FROM conferences WHERE name = $1
	`, conferenceName).Scan(&conferenceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewNotFoundError("Conference not found")
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT b.booking_id, b.conference_id, b.user_id, b.status,
		       b.can_confirm, b.waitlist_position, b.waitlist_confirmation_deadline,
		       b.created_at, b.canceled_at
		FROM bookings b
		WHERE b.conference_id = $1
		ORDER BY b.created_at ASC, b.booking_id ASC
	`, conferenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	details := make([]domain.BookingDetail, 0)
	for rows.Next() {
		var (
			d         domain.BookingDetail
			rawStatus string
		)
		if err := rows.Scan(
			&d.ID, &d.ConferenceID, &d.UserID, &rawStatus,
			&d.CanConfirm, &d.WaitlistPosition, &d.ConfirmationDeadline,
			&d.CreatedAt, &d.CanceledAt,
		); err != nil {
			return nil, err
		}
		d.Status, err = domain.ParseBookingStatus(rawStatus)
		if err != nil {
			return nil, err
		}
		d.ConferenceName = conferenceName
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return details, nil
}
