package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/confbook/internal/contracts/events"
	"github.com/baechuer/confbook/internal/domain"
)

type Repository struct {
	pool               *pgxpool.Pool
	confirmationWindow time.Duration
}

func New(pool *pgxpool.Pool, confirmationWindow time.Duration) *Repository {
	return &Repository{pool: pool, confirmationWindow: confirmationWindow}
}

// -------------------------
// Deadlock policy:
// Always lock in this order (for the same conference_id):
//   1) conferences row (FOR UPDATE)
//   2) bookings rows as needed (FOR UPDATE)
// Book/Confirm/Cancel/Promote and both consumers follow it. Paths that
// start from a booking id read the conference_id without a lock first,
// then take the conference lock, then re-read the booking under it.
// -------------------------

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) CreateUser(ctx context.Context, nu domain.NewUser) (*domain.User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO users (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING created_at
	`, nu.UserID).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewConflictError("User already exists")
	}
	if err != nil {
		return nil, err
	}

	for _, topic := range nu.Topics {
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_interests (user_id, topic)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, nu.UserID, topic); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &domain.User{UserID: nu.UserID, Topics: nu.Topics, CreatedAt: createdAt}, nil
}

func (r *Repository) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE user_id = $1)
	`, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// CreateConference inserts the conference with its topics and arms the
// conference-start timer through the outbox in the same transaction.
func (r *Repository) CreateConference(ctx context.Context, nc domain.NewConference) (*domain.Conference, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start := nc.StartTime.UTC()
	end := nc.EndTime.UTC()

	var (
		conferenceID uuid.UUID
		createdAt    time.Time
	)
	err = tx.QueryRow(ctx, `
		INSERT INTO conferences (name, location, start_timestamp, end_timestamp, total_slots, available_slots)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (name) DO NOTHING
		RETURNING conference_id, created_at
	`, nc.Name, nc.Location, start, end, nc.Slots).Scan(&conferenceID, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewConflictError("conference already exists")
	}
	if err != nil {
		return nil, err
	}

	for _, topic := range nc.Topics {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conference_topics (conference_id, topic)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, conferenceID, topic); err != nil {
			return nil, err
		}
	}

	// Arm the start timer. The relay publishes it with a TTL so the
	// cleanup consumer fires at the advertised start.
	payload, _ := json.Marshal(events.ConferenceStart{
		ConferenceName: nc.Name,
		StartTime:      start,
	})
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (message_id, event_type, payload, fire_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), events.TypeConferenceStart, payload, start); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &domain.Conference{
		ID:             conferenceID,
		Name:           nc.Name,
		Location:       nc.Location,
		Topics:         nc.Topics,
		StartTime:      start,
		EndTime:        end,
		TotalSlots:     nc.Slots,
		AvailableSlots: nc.Slots,
		CreatedAt:      createdAt,
	}, nil
}

func (r *Repository) GetConferenceByName(ctx context.Context, name string) (*domain.Conference, error) {
	var c domain.Conference
	err := r.pool.QueryRow(ctx, `
		SELECT conference_id, name, location, start_timestamp, end_timestamp, total_slots, available_slots, created_at
		FROM conferences
		WHERE name = $1
	`, name).Scan(&c.ID, &c.Name, &c.Location, &c.StartTime, &c.EndTime, &c.TotalSlots, &c.AvailableSlots, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewNotFoundError("Conference not found")
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT topic FROM conference_topics WHERE conference_id = $1 ORDER BY topic
	`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		c.Topics = append(c.Topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &c, nil
}
