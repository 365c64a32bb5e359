// Package dispute stores the one-shot dispute record attached to an order.
// Resolution and refund flows are out of scope; a dispute only marks the
// order frozen for operator attention.
package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gigbot/internal/storage"
)

var (
	// ErrAlreadyOpen means a dispute already exists for the order.
	ErrAlreadyOpen = errors.New("dispute already open")

	ErrNotFound = errors.New("dispute not found")
)

const StatusOpen = "OPEN"

type Dispute struct {
	ID        int64
	OrderID   int64
	OpenedBy  int64
	Reason    string
	Status    string
	CreatedAt time.Time
}

type Store struct {
	db *storage.DB
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// CreateTx inserts the dispute row inside the caller's transaction. The
// UNIQUE(order_id) constraint makes a second open ErrAlreadyOpen rather
// than a duplicate record.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, orderID, openedBy int64, reason string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO disputes(order_id, opened_by, reason, status, created_at)
		 VALUES(?,?,?,?,?)`,
		orderID, openedBy, nullStr(reason), StatusOpen,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyOpen
		}
		return fmt.Errorf("dispute: create: %w", err)
	}
	return nil
}

func (s *Store) GetByOrder(ctx context.Context, orderID int64) (*Dispute, error) {
	var (
		d         Dispute
		reason    sql.NullString
		createdAt string
	)
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT id, order_id, opened_by, reason, status, created_at
		 FROM disputes WHERE order_id = ?`, orderID).
		Scan(&d.ID, &d.OrderID, &d.OpenedBy, &reason, &d.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispute: get: %w", err)
	}
	d.Reason = reason.String
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &d, nil
}

// ListOpen returns open disputes, oldest first, for operator review.
func (s *Store) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, order_id, opened_by, reason, status, created_at
		 FROM disputes WHERE status = ? ORDER BY id LIMIT ?`, StatusOpen, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list open: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		var (
			d         Dispute
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.OrderID, &d.OpenedBy, &reason, &d.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		d.Reason = reason.String
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: list open: %w", err)
	}
	return out, nil
}

// isUniqueViolation matches sqlite's constraint error without depending on
// driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
