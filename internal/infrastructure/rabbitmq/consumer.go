package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/confbook/internal/audit"
	"github.com/baechuer/confbook/internal/contracts/events"
	"github.com/baechuer/confbook/internal/domain"
	"github.com/baechuer/confbook/internal/metrics"
	"github.com/baechuer/confbook/internal/pkg/logger"
)

// TimerStore is the storage surface the timer consumer drives. The
// handlers run inside the deduplication transaction, so a crash between
// the side effect and the ack can never double-apply a delivery.
type TimerStore interface {
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
	HandleConfirmationExpiredTx(ctx context.Context, tx pgx.Tx, bookingID uuid.UUID) (bool, *domain.Promotion, error)
	HandleConferenceStartTx(ctx context.Context, tx pgx.Tx, conferenceName string) (int64, error)
}

// WaitlistCleaner removes a conference's housekeeping queue once the
// conference has started.
type WaitlistCleaner interface {
	DeleteWaitlistQueue(ctx context.Context, conferenceName string) error
}

// Consumer drains the two timer queues: expired confirmation windows and
// conference starts. Both are fed by the broker dead-lettering TTL'd
// messages out of their holding queues.
type Consumer struct {
	url     string
	store   TimerStore
	cleaner WaitlistCleaner
	aud     *audit.Logger
}

type session struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	expiries <-chan amqp.Delivery
	starts   <-chan amqp.Delivery
}

func (s *session) close() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func NewConsumer(url string, store TimerStore, cleaner WaitlistCleaner, aud *audit.Logger) *Consumer {
	return &Consumer{url: url, store: store, cleaner: cleaner, aud: aud}
}

// Start connects, declares the topology and begins consuming. The first
// connection failure is returned so a misconfigured broker fails the boot;
// later disconnects are retried with backoff until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	sess, err := c.connect()
	if err != nil {
		return err
	}
	go c.loop(ctx, sess)
	return nil
}

func (c *Consumer) connect() (*session, error) {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	expiries, err := ch.Consume(events.ConfirmationExpiredQueue, "confbook-expiry", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	starts, err := ch.Consume(events.ConferenceStartQueue, "confbook-start", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &session{conn: conn, ch: ch, expiries: expiries, starts: starts}, nil
}

func (c *Consumer) loop(ctx context.Context, sess *session) {
	log := logger.Logger.With().Str("component", "timer_consumer").Logger()
	log.Info().Msg("timer consumer started")

	for {
		c.serve(ctx, sess)
		sess.close()
		if ctx.Err() != nil {
			log.Info().Msg("timer consumer stopped")
			return
		}

		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("timer consumer stopped")
				return
			case <-time.After(backoff):
			}
			next, err := c.connect()
			if err == nil {
				sess = next
				log.Info().Msg("timer consumer reconnected")
				break
			}
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("timer consumer reconnect failed")
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
}

// serve blocks until ctx is canceled or the broker closes a delivery
// channel.
func (c *Consumer) serve(ctx context.Context, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sess.expiries:
			if !ok {
				return
			}
			c.handleExpiryDelivery(ctx, d)
		case d, ok := <-sess.starts:
			if !ok {
				return
			}
			c.handleStartDelivery(ctx, d)
		}
	}
}

// handleExpiryDelivery returns a pending booking whose window ran out to
// the waitlist tail and promotes the next head. Stale timers (the booking
// confirmed or canceled in time) are acked and ignored.
func (c *Consumer) handleExpiryDelivery(ctx context.Context, d amqp.Delivery) {
	log := logger.Logger.With().
		Str("component", "timer_consumer").
		Str("queue", events.ConfirmationExpiredQueue).
		Logger()

	var msg events.ConfirmationExpired
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Warn().Err(err).Msg("malformed expiry message, dropping")
		_ = d.Nack(false, false)
		return
	}
	if msg.BookingID == uuid.Nil {
		log.Warn().Msg("expiry message has no booking_id, dropping")
		_ = d.Nack(false, false)
		return
	}

	var (
		expired bool
		promo   *domain.Promotion
	)
	processed, err := c.store.ProcessOnce(ctx, messageID(d), "confirmation_expired", func(tx pgx.Tx) error {
		var err error
		expired, promo, err = c.store.HandleConfirmationExpiredTx(ctx, tx, msg.BookingID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("booking_id", msg.BookingID.String()).Msg("expiry handling failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)

	if !processed {
		log.Info().Str("message_id", messageID(d)).Msg("duplicate expiry delivery ignored")
		return
	}
	if expired {
		metrics.RecordConfirmationExpiry()
		c.aud.ConfirmationExpired(ctx, msg.BookingID, msg.ConferenceName)
	}
	if promo != nil {
		metrics.RecordPromotion()
		c.aud.Promoted(ctx, promo.BookingID, promo.UserID, promo.ConferenceName)
	}
}

// handleStartDelivery cancels every non-confirmed booking of a conference
// that has just started and drops its waitlist housekeeping queue.
func (c *Consumer) handleStartDelivery(ctx context.Context, d amqp.Delivery) {
	log := logger.Logger.With().
		Str("component", "timer_consumer").
		Str("queue", events.ConferenceStartQueue).
		Logger()

	var msg events.ConferenceStart
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Warn().Err(err).Msg("malformed start message, dropping")
		_ = d.Nack(false, false)
		return
	}
	if strings.TrimSpace(msg.ConferenceName) == "" {
		log.Warn().Msg("start message has no conference_name, dropping")
		_ = d.Nack(false, false)
		return
	}

	var canceled int64
	processed, err := c.store.ProcessOnce(ctx, messageID(d), "conference_start", func(tx pgx.Tx) error {
		var err error
		canceled, err = c.store.HandleConferenceStartTx(ctx, tx, msg.ConferenceName)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("conference_name", msg.ConferenceName).Msg("start handling failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)

	if !processed {
		log.Info().Str("message_id", messageID(d)).Msg("duplicate start delivery ignored")
		return
	}

	metrics.RecordConferenceStartCleanup()
	c.aud.ConferenceStarted(ctx, msg.ConferenceName, canceled)

	if c.cleaner != nil {
		if err := c.cleaner.DeleteWaitlistQueue(ctx, msg.ConferenceName); err != nil {
			log.Warn().Err(err).Str("conference_name", msg.ConferenceName).Msg("waitlist queue delete failed")
		}
	}
}

// messageID prefers the publisher-stamped id and falls back to a content
// hash so redeliveries of unstamped messages still deduplicate.
func messageID(d amqp.Delivery) string {
	if id := strings.TrimSpace(d.MessageId); id != "" {
		return id
	}
	sum := sha256.Sum256(append([]byte(d.RoutingKey+"\n"), d.Body...))
	return "hash:" + hex.EncodeToString(sum[:])
}
