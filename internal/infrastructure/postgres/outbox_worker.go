package postgres

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/confbook/internal/audit"
	"github.com/baechuer/confbook/internal/contracts/events"
	"github.com/baechuer/confbook/internal/infrastructure/rabbitmq"
	"github.com/baechuer/confbook/internal/metrics"
	"github.com/baechuer/confbook/internal/pkg/logger"
)

const (
	outboxBatchSize   = 20
	outboxMaxAttempts = 12 // ~ up to hours with exponential backoff
	confirmWait       = 300 * time.Millisecond
)

// backoff: exponential with jitter, bounded
func computeNextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// base: 2^attempt seconds, cap at 30 minutes
	sec := math.Pow(2, float64(attempt))
	if sec < 5 {
		sec = 5
	}
	if sec > 1800 {
		sec = 1800
	}

	d := time.Duration(sec) * time.Second

	// jitter +/-20%
	j := time.Duration(rand.Int63n(int64(d/5))) - d/10
	return d + j
}

// timerExpiration renders the per-message TTL in milliseconds. The broker
// requires at least 1ms; an already-elapsed fire_at dead-letters right
// away.
func timerExpiration(fireAt, now time.Time) string {
	ms := fireAt.Sub(now).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

// timerRoute maps an outbox event to its destination queue and TTL. Both
// timer channels publish through the default exchange, so mandatory
// returns catch a missing queue.
func timerRoute(eventType string, fireAt, now time.Time) (queue, expiration string, ok bool) {
	switch eventType {
	case events.TypeConfirmationExpiry:
		return events.ConfirmationTimerQueue, timerExpiration(fireAt, now), true
	case events.TypeConferenceStart:
		if fireAt.After(now) {
			return events.ConferenceStartTimer, timerExpiration(fireAt, now), true
		}
		// Start already passed: skip the holding queue and fire now.
		return events.ConferenceStartQueue, "", true
	default:
		return "", "", false
	}
}

type outboxMsg struct {
	ID        uuid.UUID
	MessageID uuid.UUID
	EventType string
	Payload   []byte
	FireAt    time.Time
	Attempt   int
}

// StartOutboxRelay drains pending outbox rows to the broker. Rows are
// claimed with SKIP LOCKED so multiple relays never double-publish; the
// publisher channel runs in confirm mode with mandatory routing.
func (r *Repository) StartOutboxRelay(ctx context.Context, rabbitURL string, interval time.Duration, aud *audit.Logger) {
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		log := logger.Logger.With().Str("component", "outbox_relay").Logger()

		backoff := time.Second
		for {
			if ctx.Err() != nil {
				log.Info().Msg("stopped")
				return
			}

			err := r.relayOnce(ctx, rabbitURL, interval, aud)
			if err == nil || ctx.Err() != nil {
				log.Info().Msg("stopped")
				return
			}

			log.Warn().Err(err).Dur("retry_in", backoff).Msg("relay connection lost; reconnecting")
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}()
}

// relayOnce holds one connection and polls until the context ends or the
// connection breaks.
func (r *Repository) relayOnce(ctx context.Context, rabbitURL string, interval time.Duration, aud *audit.Logger) error {
	log := logger.Logger.With().Str("component", "outbox_relay").Logger()

	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	// The timer queues and their dead-letter wiring must exist with the
	// exact same arguments everywhere they are declared.
	if err := rabbitmq.DeclareTimerTopology(ch); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	// Publisher confirms + mandatory returns
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirmCh := ch.NotifyPublish(make(chan amqp.Confirmation, 100))
	returnCh := ch.NotifyReturn(make(chan amqp.Return, 100))
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr string
	var lastAt time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				return fmt.Errorf("connection closed")
			}
			return fmt.Errorf("connection closed: %w", amqpErr)
		case <-ticker.C:
			if err := r.processOutboxBatch(ctx, ch, confirmCh, returnCh, aud); err != nil {
				if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
					log.Warn().Err(err).Msg("outbox batch failed")
					lastErr = err.Error()
					lastAt = time.Now()
				}
			} else {
				lastErr = ""
			}
		}
	}
}

func (r *Repository) processOutboxBatch(
	ctx context.Context,
	ch *amqp.Channel,
	confirmCh <-chan amqp.Confirmation,
	returnCh <-chan amqp.Return,
	aud *audit.Logger,
) error {
	// Claim rows inside a tx so multiple relays don't double-publish.
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, event_type, payload, fire_at, attempt
		FROM outbox_events
		WHERE status = 'pending'
		  AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC, occurred_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, outboxBatchSize)
	if err != nil {
		return err
	}
	defer rows.Close()

	var messages []outboxMsg
	for rows.Next() {
		var m outboxMsg
		if err := rows.Scan(&m.ID, &m.MessageID, &m.EventType, &m.Payload, &m.FireAt, &m.Attempt); err == nil {
			messages = append(messages, m)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(messages) == 0 {
		return tx.Commit(ctx)
	}

	// Commit the claim tx to keep locks short. Claimed rows stay pending,
	// so next_retry_at is pushed into the near future to mark them
	// in-flight while the network publish runs.
	inFlightUntil := time.Now().Add(15 * time.Second)
	for _, m := range messages {
		_, _ = tx.Exec(ctx, `
			UPDATE outbox_events
			SET next_retry_at = $2
			WHERE id = $1
		`, m.ID, inFlightUntil)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log := logger.Logger.With().Str("component", "outbox_relay").Logger()

	for _, m := range messages {
		queue, expiration, known := timerRoute(m.EventType, m.FireAt, time.Now().UTC())
		if !known {
			r.failOutbox(ctx, m, fmt.Sprintf("unknown event type: %s", m.EventType), aud)
			continue
		}

		// Drain stale notifications
	DrainLoop:
		for {
			select {
			case <-returnCh:
				continue
			case <-confirmCh:
				continue
			default:
				break DrainLoop
			}
		}

		pub := amqp.Publishing{
			ContentType:  "application/json",
			Body:         m.Payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    m.MessageID.String(),
			AppId:        "confbook",
			Expiration:   expiration,
		}

		// 1) transport publish via the default exchange
		if err := ch.PublishWithContext(ctx, "", queue, true, false, pub); err != nil {
			r.failOutbox(ctx, m, fmt.Sprintf("publish error: %v", err), aud)
			continue
		}

		// 2) Wait for Confirm AND possible Return (mandatory).
		// Usually Return arrives BEFORE Confirm.
		var gotReturn bool
		var gotConfirm bool
		var conf amqp.Confirmation

		deadline := time.After(confirmWait * 2)
	WaitLoop:
		for !gotConfirm {
			select {
			case ret := <-returnCh:
				gotReturn = true
				r.failOutbox(ctx, m, fmt.Sprintf("NO_ROUTE: code=%d text=%s queue=%s",
					ret.ReplyCode, ret.ReplyText, queue), aud)
			case c := <-confirmCh:
				gotConfirm = true
				conf = c
			case <-deadline:
				r.failOutbox(ctx, m, "confirm/return timeout", aud)
				break WaitLoop
			}
		}

		if gotReturn {
			continue // Already called failOutbox
		}
		if !gotConfirm {
			continue // Timed out
		}

		if !conf.Ack {
			r.failOutbox(ctx, m, fmt.Sprintf("NACK: delivery_tag=%d", conf.DeliveryTag), aud)
			continue
		}

		// success
		_, _ = r.pool.Exec(ctx, `
			UPDATE outbox_events
			SET status = 'sent',
			    sent_at = NOW(),
			    last_error = NULL
			WHERE id = $1
		`, m.ID)

		metrics.RecordOutboxPublished()
		if aud != nil {
			aud.OutboxMessageSent(ctx, m.MessageID.String(), queue)
		}

		log.Info().
			Str("outbox_id", m.ID.String()).
			Str("message_id", m.MessageID.String()).
			Str("event_type", m.EventType).
			Str("queue", queue).
			Str("expiration_ms", expiration).
			Msg("published")
	}

	return nil
}

func (r *Repository) failOutbox(ctx context.Context, m outboxMsg, errMsg string, aud *audit.Logger) {
	log := logger.Logger.With().Str("component", "outbox_relay").Logger()

	metrics.RecordOutboxFailure()

	nextAttempt := m.Attempt + 1
	if nextAttempt >= outboxMaxAttempts {
		_, _ = r.pool.Exec(ctx, `
			UPDATE outbox_events
			SET status = 'dead',
			    attempt = $2,
			    last_error = $3
			WHERE id = $1
		`, m.ID, nextAttempt, errMsg)

		if aud != nil {
			aud.OutboxMessageDead(ctx, m.MessageID.String(), m.EventType, nextAttempt)
		}

		log.Error().
			Str("outbox_id", m.ID.String()).
			Str("message_id", m.MessageID.String()).
			Str("event_type", m.EventType).
			Int("attempt", nextAttempt).
			Msg("outbox moved to DEAD")
		return
	}

	delay := computeNextRetry(nextAttempt)
	_, _ = r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempt = $2,
		    next_retry_at = NOW() + $3::interval,
		    last_error = $4
		WHERE id = $1
	`, m.ID, nextAttempt, fmt.Sprintf("%f seconds", delay.Seconds()), errMsg)

	log.Warn().
		Str("outbox_id", m.ID.String()).
		Str("message_id", m.MessageID.String()).
		Str("event_type", m.EventType).
		Int("attempt", nextAttempt).
		Dur("retry_in", delay).
		Msg("outbox publish failed; scheduled retry")
}
