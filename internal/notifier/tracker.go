package notifier

import (
	"context"
	"fmt"
	"time"

	"gigbot/internal/storage"
)

// Tracker is the durable set of (order, executor) pairs that have already
// been offered an order. Radius expansion diffs new candidate sets against
// it so each executor hears about an order exactly once.
type Tracker struct {
	db *storage.DB
}

func NewTracker(db *storage.DB) *Tracker {
	return &Tracker{db: db}
}

// AlreadyNotified returns the executor ids recorded for the order.
func (t *Tracker) AlreadyNotified(ctx context.Context, orderID int64) (map[int64]bool, error) {
	rows, err := t.db.SQL().QueryContext(ctx,
		`SELECT executor_id FROM notifications WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("tracker: already notified: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("tracker: scan: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracker: already notified: %w", err)
	}
	return out, nil
}

// Record marks an executor as offered. Duplicate pairs are a no-op.
func (t *Tracker) Record(ctx context.Context, orderID, executorID int64) error {
	_, err := t.db.SQL().ExecContext(ctx,
		`INSERT INTO notifications(order_id, executor_id, at) VALUES(?,?,?)
		 ON CONFLICT(order_id, executor_id) DO NOTHING`,
		orderID, executorID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("tracker: record: %w", err)
	}
	return nil
}
