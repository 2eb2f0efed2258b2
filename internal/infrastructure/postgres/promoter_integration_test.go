//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/confbook/internal/domain"
	"github.com/baechuer/confbook/internal/infrastructure/postgres"
)

// fireExpiry drives a confirmation timer through the same dedupe fence the
// broker consumer uses.
func fireExpiry(t *testing.T, repo *postgres.Repository, messageID string, bookingID uuid.UUID) (processed, requeued bool, promo *domain.Promotion) {
	t.Helper()
	ctx := context.Background()
	processed, err := repo.ProcessOnce(ctx, messageID, "confirmation_expired", func(tx pgx.Tx) error {
		var err error
		requeued, promo, err = repo.HandleConfirmationExpiredTx(ctx, tx, bookingID)
		return err
	})
	require.NoError(t, err)
	return processed, requeued, promo
}

// TestCancelConfirmed_PromotesWaitlistHead: freeing a confirmed seat offers
// it to position 1 of the waitlist, with a deadline one window away.
func TestCancelConfirmed_PromotesWaitlistHead(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour)
	conf := seedConference(t, repo, "gophercon", 1, start, start.Add(8*time.Hour))
	for _, u := range []string{"alice", "bob", "carol"} {
		seedUser(t, repo, u)
	}

	r1, err := repo.CreateBooking(ctx, conf.ID, "alice")
	require.NoError(t, err)
	r2, err := repo.CreateBooking(ctx, conf.ID, "bob")
	require.NoError(t, err)
	r3, err := repo.CreateBooking(ctx, conf.ID, "carol")
	require.NoError(t, err)

	before := time.Now().UTC()
	cr, err := repo.CancelBooking(ctx, r1.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, cr.PreviousStatus)
	assert.True(t, cr.TriggerPromotion)
	assert.Equal(t, int32(1), availableSlots(t, pool, conf.ID))

	promo, err := repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)
	require.NotNil(t, promo)
	assert.Equal(t, r2.BookingID, promo.BookingID)
	assert.Equal(t, "bob", promo.UserID)
	assert.Equal(t, "gophercon", promo.ConferenceName)
	assert.True(t, promo.Deadline.After(before.Add(9*time.Second)), "deadline must be ~one window out")
	assert.True(t, promo.Deadline.Before(before.Add(12*time.Second)))

	// The offer reserves through state, not through the counter.
	assert.Equal(t, int32(1), availableSlots(t, pool, conf.ID))
	assert.Equal(t, "CONFIRMATION_PENDING", bookingStatus(t, pool, r2.BookingID))

	var (
		canConfirm bool
		deadline   *time.Time
		position   *int32
	)
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT can_confirm, waitlist_confirmation_deadline, waitlist_position FROM bookings WHERE booking_id=$1",
		r2.BookingID).Scan(&canConfirm, &deadline, &position))
	assert.True(t, canConfirm)
	require.NotNil(t, deadline)
	assert.Nil(t, position)

	// Carol keeps her place in line.
	var carolPos int32
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT waitlist_position FROM bookings WHERE booking_id=$1", r3.BookingID).Scan(&carolPos))
	assert.Equal(t, int32(2), carolPos)

	// The promotion armed exactly one expiry timer through the outbox.
	var timers int
	pool.QueryRow(ctx, "SELECT count(*) FROM outbox_events WHERE event_type='confirmation.expiry'").Scan(&timers)
	assert.Equal(t, 1, timers)
}

// TestPromoteNext_NoopCases: promotion does nothing when the waitlist is
// empty or no slot is actually free.
func TestPromoteNext_NoopCases(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour)
	conf := seedConference(t, repo, "gophercon", 1, start, start.Add(8*time.Hour))
	seedUser(t, repo, "alice")
	seedUser(t, repo, "bob")

	// Empty waitlist.
	promo, err := repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)
	assert.Nil(t, promo)

	// Full conference with a waiting user: no free slot, no promotion.
	_, err = repo.CreateBooking(ctx, conf.ID, "alice")
	require.NoError(t, err)
	r2, err := repo.CreateBooking(ctx, conf.ID, "bob")
	require.NoError(t, err)

	promo, err = repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)
	assert.Nil(t, promo)
	assert.Equal(t, "WAITLISTED", bookingStatus(t, pool, r2.BookingID))

	_, err = repo.PromoteNext(ctx, uuid.New())
	assert.Equal(t, domain.ErrCodeNotFound, appErrCode(t, err))
}

// TestConfirmBooking_DebitsSlot: a timely confirmation flips the pending
// booking to CONFIRMED and only then charges the slot counter.
func TestConfirmBooking_DebitsSlot(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour)
	conf := seedConference(t, repo, "gophercon", 1, start, start.Add(8*time.Hour))
	seedUser(t, repo, "alice")
	seedUser(t, repo, "bob")

	r1, err := repo.CreateBooking(ctx, conf.ID, "alice")
	require.NoError(t, err)
	r2, err := repo.CreateBooking(ctx, conf.ID, "bob")
	require.NoError(t, err)

	_, err = repo.CancelBooking(ctx, r1.BookingID)
	require.NoError(t, err)
	promo, err := repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)
	require.NotNil(t, promo)

	res, err := repo.ConfirmBooking(ctx, r2.BookingID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, res.Status)
	assert.Equal(t, int32(0), availableSlots(t, pool, conf.ID))
	assertSlotInvariant(t, pool, conf.ID)

	var (
		canConfirm bool
		deadline   *time.Time
	)
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT can_confirm, waitlist_confirmation_deadline FROM bookings WHERE booking_id=$1",
		r2.BookingID).Scan(&canConfirm, &deadline))
	assert.False(t, canConfirm)
	assert.Nil(t, deadline)
}

// TestConfirmBooking_Rejections walks the guard rails: wrong owner, wrong
// state, elapsed deadline.
func TestConfirmBooking_Rejections(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour)
	conf := seedConference(t, repo, "gophercon", 1, start, start.Add(8*time.Hour))
	seedUser(t, repo, "alice")
	seedUser(t, repo, "bob")

	r1, err := repo.CreateBooking(ctx, conf.ID, "alice")
	require.NoError(t, err)
	r2, err := repo.CreateBooking(ctx, conf.ID, "bob")
	require.NoError(t, err)

	// A booking that was never promoted cannot be confirmed.
	_, err = repo.ConfirmBooking(ctx, r2.BookingID, "bob")
	assert.Equal(t, domain.ErrCodeState, appErrCode(t, err))

	_, err = repo.CancelBooking(ctx, r1.BookingID)
	require.NoError(t, err)
	_, err = repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)

	// Only the owner may confirm.
	_, err = repo.ConfirmBooking(ctx, r2.BookingID, "alice")
	assert.Equal(t, domain.ErrCodeState, appErrCode(t, err))

	// Unknown booking id.
	_, err = repo.ConfirmBooking(ctx, uuid.New(), "bob")
	assert.Equal(t, domain.ErrCodeNotFound, appErrCode(t, err))

	// Elapsed window. The timer may not have fired yet; confirm must check
	// the deadline itself.
	_, err = pool.Exec(ctx,
		"UPDATE bookings SET waitlist_confirmation_deadline=$2 WHERE booking_id=$1",
		r2.BookingID, time.Now().UTC().Add(-time.Second))
	require.NoError(t, err)
	_, err = repo.ConfirmBooking(ctx, r2.BookingID, "bob")
	assert.Equal(t, domain.ErrCodeState, appErrCode(t, err))

	// The failed attempts must not have charged the counter.
	assert.Equal(t, int32(1), availableSlots(t, pool, conf.ID))
}

// TestCancelPending_ReleasesOfferToNext: cancelling a pending booking keeps
// the counter untouched but passes the offer down the line.
func TestCancelPending_ReleasesOfferToNext(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour)
	conf := seedConference(t, repo, "gophercon", 1, start, start.Add(8*time.Hour))
	for _, u := range []string{"alice", "bob", "carol"} {
		seedUser(t, repo, u)
	}

	r1, err := repo.CreateBooking(ctx, conf.ID, "alice")
	require.NoError(t, err)
	r2, err := repo.CreateBooking(ctx, conf.ID, "bob")
	require.NoError(t, err)
	r3, err := repo.CreateBooking(ctx, conf.ID, "carol")
	require.NoError(t, err)

	_, err = repo.CancelBooking(ctx, r1.BookingID)
	require.NoError(t, err)
	_, err = repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)

	cr, err := repo.CancelBooking(ctx, r2.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmationPending, cr.PreviousStatus)
	assert.True(t, cr.TriggerPromotion)
	assert.Equal(t, int32(1), availableSlots(t, pool, conf.ID), "pending cancel must not credit the counter")

	promo, err := repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)
	require.NotNil(t, promo)
	assert.Equal(t, r3.BookingID, promo.BookingID)
	assertSlotInvariant(t, pool, conf.ID)

	// Cancelling twice is an error.
	_, err = repo.CancelBooking(ctx, r2.BookingID)
	assert.Equal(t, domain.ErrCodeState, appErrCode(t, err))
}

// TestConfirmationExpired_RequeuesAtTail: a forfeited window sends the
// booking to the back of the line and hands the offer to the next head, all
// in one transaction.
func TestConfirmationExpired_RequeuesAtTail(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour)
	conf := seedConference(t, repo, "gophercon", 1, start, start.Add(8*time.Hour))
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		seedUser(t, repo, u)
	}

	r1, err := repo.CreateBooking(ctx, conf.ID, "alice")
	require.NoError(t, err)
	r2, err := repo.CreateBooking(ctx, conf.ID, "bob")
	require.NoError(t, err)
	_, err = repo.CreateBooking(ctx, conf.ID, "carol")
	require.NoError(t, err)
	r4, err := repo.CreateBooking(ctx, conf.ID, "dave")
	require.NoError(t, err)

	_, err = repo.CancelBooking(ctx, r1.BookingID)
	require.NoError(t, err)
	promo, err := repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)
	require.Equal(t, r2.BookingID, promo.BookingID)

	msgID := uuid.NewString()
	processed, requeued, next := fireExpiry(t, repo, msgID, r2.BookingID)
	assert.True(t, processed)
	assert.True(t, requeued)
	require.NotNil(t, next)
	assert.Equal(t, "carol", next.UserID)

	// Bob rejoined behind dave: carol held 2, dave held 3, so the tail is 4.
	var bobPos int32
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT waitlist_position FROM bookings WHERE booking_id=$1", r2.BookingID).Scan(&bobPos))
	assert.Equal(t, "WAITLISTED", bookingStatus(t, pool, r2.BookingID))
	assert.Equal(t, int32(4), bobPos)
	assert.Equal(t, "CONFIRMATION_PENDING", bookingStatus(t, pool, next.BookingID))
	var davePos int32
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT waitlist_position FROM bookings WHERE booking_id=$1", r4.BookingID).Scan(&davePos))
	assert.Equal(t, int32(3), davePos)

	// Redelivery of the same message is swallowed by the fence.
	processed, _, _ = fireExpiry(t, repo, msgID, r2.BookingID)
	assert.False(t, processed)
	assert.Equal(t, "WAITLISTED", bookingStatus(t, pool, r2.BookingID))
}

// TestConfirmationExpired_StaleTimer: the timer always fires, but a booking
// that confirmed or canceled in time must be left alone.
func TestConfirmationExpired_StaleTimer(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour)
	conf := seedConference(t, repo, "gophercon", 1, start, start.Add(8*time.Hour))
	seedUser(t, repo, "alice")
	seedUser(t, repo, "bob")

	r1, err := repo.CreateBooking(ctx, conf.ID, "alice")
	require.NoError(t, err)
	r2, err := repo.CreateBooking(ctx, conf.ID, "bob")
	require.NoError(t, err)

	_, err = repo.CancelBooking(ctx, r1.BookingID)
	require.NoError(t, err)
	_, err = repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)

	_, err = repo.ConfirmBooking(ctx, r2.BookingID, "bob")
	require.NoError(t, err)

	processed, requeued, next := fireExpiry(t, repo, uuid.NewString(), r2.BookingID)
	assert.True(t, processed, "the stale message is processed (and acked), just without effect")
	assert.False(t, requeued)
	assert.Nil(t, next)
	assert.Equal(t, "CONFIRMED", bookingStatus(t, pool, r2.BookingID))
	assertSlotInvariant(t, pool, conf.ID)

	// A timer for a booking that never existed is dropped the same way.
	processed, requeued, next = fireExpiry(t, repo, uuid.NewString(), uuid.New())
	assert.True(t, processed)
	assert.False(t, requeued)
	assert.Nil(t, next)
}

// TestDirectConfirmGuard: a free counter alone is not enough for an instant
// seat; pending offers and waiting users always go first.
func TestDirectConfirmGuard(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour)
	conf := seedConference(t, repo, "gophercon", 1, start, start.Add(8*time.Hour))
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		seedUser(t, repo, u)
	}

	r1, err := repo.CreateBooking(ctx, conf.ID, "alice")
	require.NoError(t, err)
	_, err = repo.CreateBooking(ctx, conf.ID, "bob")
	require.NoError(t, err)

	// Slot freed but bob is still waiting and no promotion ran yet.
	_, err = repo.CancelBooking(ctx, r1.BookingID)
	require.NoError(t, err)
	require.Equal(t, int32(1), availableSlots(t, pool, conf.ID))

	r3, err := repo.CreateBooking(ctx, conf.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitlisted, r3.Status, "newcomer must not jump the waitlist")

	// With bob now pending, the slot is spoken for as well.
	_, err = repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)

	r4, err := repo.CreateBooking(ctx, conf.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitlisted, r4.Status, "newcomer must not race a pending offer")
	require.NotNil(t, r4.WaitlistPosition)
	assert.Equal(t, int32(3), *r4.WaitlistPosition)
}

// TestConferenceStart_CancelsWaitlistAndPending: at start time everything
// except CONFIRMED is swept, exactly once per timer message.
func TestConferenceStart_CancelsWaitlistAndPending(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour)
	conf := seedConference(t, repo, "gophercon", 2, start, start.Add(8*time.Hour))
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		seedUser(t, repo, u)
	}

	r1, err := repo.CreateBooking(ctx, conf.ID, "alice")
	require.NoError(t, err)
	r2, err := repo.CreateBooking(ctx, conf.ID, "bob")
	require.NoError(t, err)
	r3, err := repo.CreateBooking(ctx, conf.ID, "carol")
	require.NoError(t, err)
	r4, err := repo.CreateBooking(ctx, conf.ID, "dave")
	require.NoError(t, err)

	// carol ends up pending, dave stays waitlisted.
	_, err = repo.CancelBooking(ctx, r1.BookingID)
	require.NoError(t, err)
	promo, err := repo.PromoteNext(ctx, conf.ID)
	require.NoError(t, err)
	require.Equal(t, r3.BookingID, promo.BookingID)

	msgID := uuid.NewString()
	var canceled int64
	processed, err := repo.ProcessOnce(ctx, msgID, "conference_start", func(tx pgx.Tx) error {
		var err error
		canceled, err = repo.HandleConferenceStartTx(ctx, tx, "gophercon")
		return err
	})
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, int64(2), canceled)

	assert.Equal(t, "CONFIRMED", bookingStatus(t, pool, r2.BookingID))
	assert.Equal(t, "CANCELED", bookingStatus(t, pool, r3.BookingID))
	assert.Equal(t, "CANCELED", bookingStatus(t, pool, r4.BookingID))

	var canceledAt *time.Time
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT canceled_at FROM bookings WHERE booking_id=$1", r4.BookingID).Scan(&canceledAt))
	assert.NotNil(t, canceledAt)

	// Redelivery: fence swallows it, nothing changes.
	processed, err = repo.ProcessOnce(ctx, msgID, "conference_start", func(tx pgx.Tx) error {
		_, err := repo.HandleConferenceStartTx(ctx, tx, "gophercon")
		return err
	})
	require.NoError(t, err)
	assert.False(t, processed)

	// Unknown conference: processed without effect.
	processed, err = repo.ProcessOnce(ctx, uuid.NewString(), "conference_start", func(tx pgx.Tx) error {
		n, err := repo.HandleConferenceStartTx(ctx, tx, "no-such-conference")
		assert.Zero(t, n)
		return err
	})
	require.NoError(t, err)
	assert.True(t, processed)
}

// TestConfirm_CascadeCancelsOverlappingWaitlist: winning a seat voids the
// user's waitlist entries on clashing conferences. Such entries can only
// appear when two bookings race the overlap check, so the raced row is
// staged directly.
func TestConfirm_CascadeCancelsOverlappingWaitlist(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	confA := seedConference(t, repo, "talks", 1, base, base.Add(2*time.Hour))
	confB := seedConference(t, repo, "workshop", 1, base.Add(time.Hour), base.Add(3*time.Hour))
	confC := seedConference(t, repo, "dinner", 1, base.Add(4*time.Hour), base.Add(6*time.Hour))
	for _, u := range []string{"alice", "bob", "erin"} {
		seedUser(t, repo, u)
	}

	// A: alice holds the seat, bob waits. C: same picture, no clash with A.
	rA1, err := repo.CreateBooking(ctx, confA.ID, "alice")
	require.NoError(t, err)
	rA2, err := repo.CreateBooking(ctx, confA.ID, "bob")
	require.NoError(t, err)
	_, err = repo.CreateBooking(ctx, confB.ID, "erin")
	require.NoError(t, err)
	_, err = repo.CreateBooking(ctx, confC.ID, "alice")
	require.NoError(t, err)
	rC2, err := repo.CreateBooking(ctx, confC.ID, "bob")
	require.NoError(t, err)

	// bob's waitlist entry on B clashes with A. The API rejects this
	// sequentially, so plant the row the way a race would leave it.
	var racedID uuid.UUID
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO bookings (conference_id, user_id, status, waitlist_position)
		VALUES ($1, 'bob', 'WAITLISTED', 1)
		RETURNING booking_id
	`, confB.ID).Scan(&racedID))

	_, err = repo.CancelBooking(ctx, rA1.BookingID)
	require.NoError(t, err)
	promo, err := repo.PromoteNext(ctx, confA.ID)
	require.NoError(t, err)
	require.Equal(t, rA2.BookingID, promo.BookingID)

	_, err = repo.ConfirmBooking(ctx, rA2.BookingID, "bob")
	require.NoError(t, err)

	assert.Equal(t, "CONFIRMED", bookingStatus(t, pool, rA2.BookingID))
	assert.Equal(t, "CANCELED", bookingStatus(t, pool, racedID), "clashing waitlist entry must be voided")
	assert.Equal(t, "WAITLISTED", bookingStatus(t, pool, rC2.BookingID), "non-clashing entry must survive")

	var canceledAt *time.Time
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT canceled_at FROM bookings WHERE booking_id=$1", racedID).Scan(&canceledAt))
	assert.NotNil(t, canceledAt)
}
