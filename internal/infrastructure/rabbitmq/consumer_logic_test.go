package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/confbook/internal/audit"
	"github.com/baechuer/confbook/internal/contracts/events"
	"github.com/baechuer/confbook/internal/domain"
)

type ackRecorder struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple bool, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

type fakeTimerStore struct {
	processErr error
	duplicate  bool

	expired    bool
	promo      *domain.Promotion
	expiredErr error

	canceled int64
	startErr error

	lastMessageID string
	lastHandler   string
	expiryCalls   int
	startCalls    int
}

func (f *fakeTimerStore) ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error) {
	f.lastMessageID = messageID
	f.lastHandler = handlerName
	if f.processErr != nil {
		return false, f.processErr
	}
	if f.duplicate {
		return false, nil
	}
	if err := fn(nil); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeTimerStore) HandleConfirmationExpiredTx(ctx context.Context, tx pgx.Tx, bookingID uuid.UUID) (bool, *domain.Promotion, error) {
	f.expiryCalls++
	return f.expired, f.promo, f.expiredErr
}

func (f *fakeTimerStore) HandleConferenceStartTx(ctx context.Context, tx pgx.Tx, conferenceName string) (int64, error) {
	f.startCalls++
	return f.canceled, f.startErr
}

type fakeCleaner struct {
	deleted []string
	err     error
}

func (f *fakeCleaner) DeleteWaitlistQueue(ctx context.Context, conferenceName string) error {
	f.deleted = append(f.deleted, conferenceName)
	return f.err
}

func newTestConsumer(store *fakeTimerStore, cleaner *fakeCleaner) *Consumer {
	var wc WaitlistCleaner
	if cleaner != nil {
		wc = cleaner
	}
	return NewConsumer("amqp://unused", store, wc, audit.New(zerolog.New(io.Discard)))
}

func makeDelivery(t *testing.T, body any, msgID, routingKey string) (amqp.Delivery, *ackRecorder) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	ack := &ackRecorder{}
	return amqp.Delivery{Acknowledger: ack, Body: b, MessageId: msgID, RoutingKey: routingKey}, ack
}

func TestHandleExpiryDelivery_Success(t *testing.T) {
	store := &fakeTimerStore{expired: true, promo: &domain.Promotion{
		BookingID:      uuid.New(),
		UserID:         "bob",
		ConferenceName: "GopherCon",
		Deadline:       time.Now().UTC().Add(10 * time.Second),
	}}
	c := newTestConsumer(store, nil)

	msg := events.ConfirmationExpired{
		BookingID:      uuid.New(),
		ExpirationTime: time.Now().UTC(),
		ConferenceName: "GopherCon",
	}
	d, ack := makeDelivery(t, msg, "msg-1", events.ConfirmationExpiredKey)

	c.handleExpiryDelivery(context.Background(), d)

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, 1, store.expiryCalls)
	assert.Equal(t, "msg-1", store.lastMessageID)
	assert.Equal(t, "confirmation_expired", store.lastHandler)
}

func TestHandleExpiryDelivery_MalformedBodyIsDropped(t *testing.T) {
	store := &fakeTimerStore{}
	c := newTestConsumer(store, nil)

	ack := &ackRecorder{}
	d := amqp.Delivery{Acknowledger: ack, Body: []byte(`{"booking_id":`)}

	c.handleExpiryDelivery(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Equal(t, 0, store.expiryCalls)
}

func TestHandleExpiryDelivery_MissingBookingIDIsDropped(t *testing.T) {
	store := &fakeTimerStore{}
	c := newTestConsumer(store, nil)

	d, ack := makeDelivery(t, map[string]any{"conference_name": "GopherCon"}, "msg-2", events.ConfirmationExpiredKey)

	c.handleExpiryDelivery(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Equal(t, 0, store.expiryCalls)
}

func TestHandleExpiryDelivery_StoreErrorRequeues(t *testing.T) {
	store := &fakeTimerStore{processErr: errors.New("db down")}
	c := newTestConsumer(store, nil)

	d, ack := makeDelivery(t, events.ConfirmationExpired{BookingID: uuid.New()}, "msg-3", events.ConfirmationExpiredKey)

	c.handleExpiryDelivery(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
	assert.False(t, ack.acked)
}

func TestHandleExpiryDelivery_HandlerErrorRequeues(t *testing.T) {
	store := &fakeTimerStore{expiredErr: errors.New("lock timeout")}
	c := newTestConsumer(store, nil)

	d, ack := makeDelivery(t, events.ConfirmationExpired{BookingID: uuid.New()}, "msg-4", events.ConfirmationExpiredKey)

	c.handleExpiryDelivery(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
	assert.Equal(t, 1, store.expiryCalls)
}

func TestHandleExpiryDelivery_DuplicateIsAcked(t *testing.T) {
	store := &fakeTimerStore{duplicate: true}
	c := newTestConsumer(store, nil)

	d, ack := makeDelivery(t, events.ConfirmationExpired{BookingID: uuid.New()}, "msg-5", events.ConfirmationExpiredKey)

	c.handleExpiryDelivery(context.Background(), d)

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, 0, store.expiryCalls)
}

func TestHandleExpiryDelivery_StaleTimerIsAcked(t *testing.T) {
	// Booking confirmed or canceled before the window ran out: the handler
	// reports no transition and the message is still consumed.
	store := &fakeTimerStore{expired: false, promo: nil}
	c := newTestConsumer(store, nil)

	d, ack := makeDelivery(t, events.ConfirmationExpired{BookingID: uuid.New()}, "msg-6", events.ConfirmationExpiredKey)

	c.handleExpiryDelivery(context.Background(), d)

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, 1, store.expiryCalls)
}

func TestHandleStartDelivery_Success(t *testing.T) {
	store := &fakeTimerStore{canceled: 3}
	cleaner := &fakeCleaner{}
	c := newTestConsumer(store, cleaner)

	msg := events.ConferenceStart{ConferenceName: "GopherCon", StartTime: time.Now().UTC()}
	d, ack := makeDelivery(t, msg, "msg-7", events.ConferenceStartQueue)

	c.handleStartDelivery(context.Background(), d)

	assert.True(t, ack.acked)
	assert.Equal(t, 1, store.startCalls)
	assert.Equal(t, "conference_start", store.lastHandler)
	assert.Equal(t, []string{"GopherCon"}, cleaner.deleted)
}

func TestHandleStartDelivery_EmptyNameIsDropped(t *testing.T) {
	store := &fakeTimerStore{}
	c := newTestConsumer(store, nil)

	d, ack := makeDelivery(t, map[string]any{"conference_name": "  "}, "msg-8", events.ConferenceStartQueue)

	c.handleStartDelivery(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Equal(t, 0, store.startCalls)
}

func TestHandleStartDelivery_HandlerErrorRequeues(t *testing.T) {
	store := &fakeTimerStore{startErr: errors.New("db down")}
	cleaner := &fakeCleaner{}
	c := newTestConsumer(store, cleaner)

	d, ack := makeDelivery(t, events.ConferenceStart{ConferenceName: "GopherCon"}, "msg-9", events.ConferenceStartQueue)

	c.handleStartDelivery(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
	assert.Empty(t, cleaner.deleted)
}

func TestHandleStartDelivery_CleanerErrorStillAcks(t *testing.T) {
	store := &fakeTimerStore{canceled: 1}
	cleaner := &fakeCleaner{err: errors.New("queue busy")}
	c := newTestConsumer(store, cleaner)

	d, ack := makeDelivery(t, events.ConferenceStart{ConferenceName: "GopherCon"}, "msg-10", events.ConferenceStartQueue)

	c.handleStartDelivery(context.Background(), d)

	assert.True(t, ack.acked)
	assert.Equal(t, []string{"GopherCon"}, cleaner.deleted)
}

func TestHandleStartDelivery_DuplicateSkipsCleaner(t *testing.T) {
	store := &fakeTimerStore{duplicate: true}
	cleaner := &fakeCleaner{}
	c := newTestConsumer(store, cleaner)

	d, ack := makeDelivery(t, events.ConferenceStart{ConferenceName: "GopherCon"}, "msg-11", events.ConferenceStartQueue)

	c.handleStartDelivery(context.Background(), d)

	assert.True(t, ack.acked)
	assert.Equal(t, 0, store.startCalls)
	assert.Empty(t, cleaner.deleted)
}

func TestMessageID_FallsBackToContentHash(t *testing.T) {
	d1 := amqp.Delivery{RoutingKey: "confirmation.expired", Body: []byte(`{"booking_id":"x"}`)}
	d2 := amqp.Delivery{RoutingKey: "confirmation.expired", Body: []byte(`{"booking_id":"x"}`)}
	d3 := amqp.Delivery{RoutingKey: "confirmation.expired", Body: []byte(`{"booking_id":"y"}`)}

	assert.True(t, strings.HasPrefix(messageID(d1), "hash:"))
	assert.Equal(t, messageID(d1), messageID(d2))
	assert.NotEqual(t, messageID(d1), messageID(d3))

	stamped := amqp.Delivery{MessageId: " msg-42 ", Body: []byte(`{}`)}
	assert.Equal(t, "msg-42", messageID(stamped))
}
