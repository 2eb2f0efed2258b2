package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/confbook/internal/contracts/events"
	"github.com/baechuer/confbook/internal/domain"
)

const (
	busMaxAttempts = 2
	busRetryDelay  = 25 * time.Millisecond
)

// Bus publishes informational events and maintains the per-conference
// waitlist mirror queues. Publishes here are best effort: callers log
// failures and move on, the booking itself is already committed. State
// transitions that must survive a broker outage go through the outbox
// relay instead.
type Bus struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewBus connects eagerly so a bad broker URL fails at boot.
func NewBus(url string) (*Bus, error) {
	b := &Bus{url: url}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	b.conn = conn
	b.ch = ch
	return nil
}

func (b *Bus) reset() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

// Close releases the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	return nil
}

// withRetry runs op on a live channel, reconnecting and retrying once on
// failure. A channel-level error (for example deleting a queue that is
// already gone) kills the channel, so every retry starts from a fresh one.
func (b *Bus) withRetry(ctx context.Context, op func(ch *amqp.Channel) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := busRetryDelay
	var lastErr error
	for attempt := 1; attempt <= busMaxAttempts; attempt++ {
		if b.ch == nil || b.conn == nil || b.conn.IsClosed() {
			b.reset()
			if err := b.connect(); err != nil {
				lastErr = err
			}
		}
		if b.ch != nil {
			err := op(b.ch)
			if err == nil {
				return nil
			}
			lastErr = err
			b.reset()
		}
		if attempt < busMaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return lastErr
}

func (b *Bus) publishJSON(ctx context.Context, exchange, key string, messageID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.withRetry(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    messageID,
			AppId:        "confbook",
			Body:         body,
		})
	})
}

// PublishConferenceCreated announces a new conference on the topic
// exchange.
func (b *Bus) PublishConferenceCreated(ctx context.Context, conf *domain.Conference) error {
	env := events.NewEnvelope(events.ConferenceCreatedPayload{
		ConferenceID:   conf.ID.String(),
		ConferenceName: conf.Name,
		Location:       conf.Location,
		StartTime:      conf.StartTime,
		EndTime:        conf.EndTime,
		TotalSlots:     conf.TotalSlots,
	})
	return b.publishJSON(ctx, events.ConferenceExchange, events.ConferenceCreatedKey, env.MessageID, env)
}

// PublishBookingUpdate announces a booking state transition on the direct
// exchange, routed by the new status.
func (b *Bus) PublishBookingUpdate(ctx context.Context, booking *domain.BookingResult) error {
	env := events.NewEnvelope(events.BookingUpdatePayload{
		BookingID:        booking.BookingID.String(),
		ConferenceName:   booking.ConferenceName,
		UserID:           booking.UserID,
		Status:           string(booking.Status),
		WaitlistPosition: booking.WaitlistPosition,
	})
	return b.publishJSON(ctx, events.BookingExchange, events.BookingUpdateKey(string(booking.Status)), env.MessageID, env)
}

// PublishWaitlistEntry mirrors a waitlisted booking onto the conference's
// housekeeping queue. The queue is declared on first use and deleted when
// the conference starts.
func (b *Bus) PublishWaitlistEntry(ctx context.Context, res *domain.BookingResult) error {
	if res.WaitlistPosition == nil {
		return fmt.Errorf("waitlist entry for %s has no position", res.BookingID)
	}
	entry := events.WaitlistEntry{
		BookingID:        res.BookingID,
		UserID:           res.UserID,
		ConferenceName:   res.ConferenceName,
		WaitlistPosition: *res.WaitlistPosition,
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal waitlist entry: %w", err)
	}
	queue := events.WaitlistQueueName(res.ConferenceName)
	return b.withRetry(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    res.BookingID.String(),
			AppId:        "confbook",
			Body:         body,
		})
	})
}

// DeleteWaitlistQueue drops the housekeeping queue once the conference has
// started. Messages still on it are discarded with it.
func (b *Bus) DeleteWaitlistQueue(ctx context.Context, conferenceName string) error {
	queue := events.WaitlistQueueName(conferenceName)
	return b.withRetry(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(queue, false, false, false)
		return err
	})
}
