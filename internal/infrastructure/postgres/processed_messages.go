package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

// tryMarkProcessedTx inserts the (message_id, handler_name) fence row.
// ok=false means the message was already processed by this handler.
func tryMarkProcessedTx(ctx context.Context, tx pgx.Tx, messageID, handlerName string) (ok bool, err error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, handlerName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ProcessOnce runs fn inside a transaction guarded by the
// processed_messages idempotency fence.
//   - Duplicate delivery: fn is NOT executed, returns processed=false, err=nil.
//   - fn failure: the whole transaction rolls back, the fence row does not
//     persist, and the broker may redeliver.
//
// Without a message id the fence cannot hold; fn still runs (best effort)
// instead of dropping the message.
func (r *Repository) ProcessOnce(
	ctx context.Context,
	messageID, handlerName string,
	fn func(tx pgx.Tx) error,
) (processed bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handlerName = strings.TrimSpace(handlerName)
	if handlerName == "" {
		handlerName = "unknown"
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if messageID != "" {
		first, err := tryMarkProcessedTx(ctx, tx, messageID, handlerName)
		if err != nil {
			return false, err
		}
		if !first {
			return false, nil
		}
	}

	if err := fn(tx); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
