package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/confbook/internal/contracts/events"
)

// DeclareTopology declares the full broker topology: the two event
// exchanges, the dead-letter wiring and both timer channels. All
// declarations are idempotent, but the arguments must stay identical
// everywhere a queue is declared or the broker rejects the redeclare.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(events.ConferenceExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", events.ConferenceExchange, err)
	}
	if err := ch.ExchangeDeclare(events.BookingExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", events.BookingExchange, err)
	}

	if err := DeclareTimerTopology(ch); err != nil {
		return err
	}

	// The start queue also subscribes to start notifications published on
	// the topic exchange.
	if err := ch.QueueBind(events.ConferenceStartQueue, events.ConferenceStartKey, events.ConferenceExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", events.ConferenceStartQueue, events.ConferenceExchange, err)
	}

	return nil
}

// DeclareTimerTopology declares the dead-letter exchange and the two
// delay-timer channels. The outbox relay calls this on its own channel so
// its publishes never race a missing queue.
//
// Timer mechanics: a message published to a holding queue with a
// per-message TTL is dead-lettered, unchanged, to the consumer queue when
// the TTL elapses. The broker is the only timer in the system.
func DeclareTimerTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(events.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", events.DeadLetterExchange, err)
	}

	// Confirmation window: confirmation.timer (holding) -> DLX -> confirmation.expired
	if _, err := ch.QueueDeclare(events.ConfirmationExpiredQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", events.ConfirmationExpiredQueue, err)
	}
	if err := ch.QueueBind(events.ConfirmationExpiredQueue, events.ConfirmationExpiredKey, events.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", events.ConfirmationExpiredQueue, events.DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(events.ConfirmationTimerQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    events.DeadLetterExchange,
		"x-dead-letter-routing-key": events.ConfirmationExpiredKey,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", events.ConfirmationTimerQueue, err)
	}

	// Conference start: conference.start.timer (holding) -> default exchange -> conference.starts
	if _, err := ch.QueueDeclare(events.ConferenceStartQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", events.ConferenceStartQueue, err)
	}
	if _, err := ch.QueueDeclare(events.ConferenceStartTimer, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": events.ConferenceStartQueue,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", events.ConferenceStartTimer, err)
	}

	return nil
}
