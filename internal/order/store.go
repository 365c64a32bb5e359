package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gigbot/internal/storage"
	logx "gigbot/pkg/logx"
)

// Store owns the orders table. Every transition write is a guarded
// UPDATE ... WHERE id = ? AND status = <source> so a racing writer that
// lost the per-order lock race can never clobber a newer status; zero rows
// affected surfaces as ErrInvalidTransition.
type Store struct {
	db  *storage.DB
	log logx.Logger
}

func NewStore(db *storage.DB, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, log: log.With(logx.String("component", "order.store"))}
}

func (s *Store) DB() *storage.DB { return s.db }

// CreateTx inserts the order inside the caller's transaction (shared with
// the escrow reservation) and fills in ID, Key and timestamps.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, o *Order) error {
	now := time.Now().UTC()
	o.Key = newOrderKey()
	o.Status = StatusPublished
	o.FrozenAmount = o.Price
	o.CreatedAt = now
	o.UpdatedAt = now

	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders(order_key, creator_id, description, price, status, frozen_amount,
		                    lat, lon, radius_km, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		o.Key, o.CreatorID, o.Description, o.Price, string(o.Status), o.FrozenAmount,
		nullFloat(o.Lat), nullFloat(o.Lon), o.RadiusKm,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("order: create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("order: create id: %w", err)
	}
	o.ID = id
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Order, error) {
	return s.getWhere(ctx, `id = ?`, id)
}

func (s *Store) GetByKey(ctx context.Context, key string) (*Order, error) {
	return s.getWhere(ctx, `order_key = ?`, key)
}

func (s *Store) getWhere(ctx context.Context, cond string, arg any) (*Order, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT id, order_key, creator_id, description, price, status, frozen_amount,
		        lat, lon, radius_km, accepted_by, accept_ts, auto_release_at,
		        created_at, updated_at
		 FROM orders WHERE `+cond, arg)
	return scanOrder(row)
}

// ListByCreator returns the creator's orders, newest first.
func (s *Store) ListByCreator(ctx context.Context, creator int64, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, order_key, creator_id, description, price, status, frozen_amount,
		        lat, lon, radius_km, accepted_by, accept_ts, auto_release_at,
		        created_at, updated_at
		 FROM orders WHERE creator_id = ? ORDER BY id DESC LIMIT ?`, creator, limit)
	if err != nil {
		return nil, fmt.Errorf("order: list by creator: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListExpandable returns located PUBLISHED orders still under the radius cap.
func (s *Store) ListExpandable(ctx context.Context, stepKm, maxKm float64) ([]*Order, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, order_key, creator_id, description, price, status, frozen_amount,
		        lat, lon, radius_km, accepted_by, accept_ts, auto_release_at,
		        created_at, updated_at
		 FROM orders
		 WHERE status = ? AND lat IS NOT NULL AND lon IS NOT NULL AND radius_km + ? <= ?`,
		string(StatusPublished), stepKm, maxKm)
	if err != nil {
		return nil, fmt.Errorf("order: list expandable: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// MarkAccepted moves PUBLISHED -> AWAITING_CUSTOMER_CONFIRM and assigns the
// executor. A loser of the accept race gets ErrInvalidTransition.
func (s *Store) MarkAccepted(ctx context.Context, id, executor int64, at time.Time) error {
	return s.guarded(ctx, s.db.SQL(),
		`UPDATE orders SET status=?, accepted_by=?, accept_ts=?, updated_at=?
		 WHERE id=? AND status=?`,
		string(StatusAwaitingConfirm), executor, at.UTC().Format(time.RFC3339Nano),
		nowStr(), id, string(StatusPublished))
}

// MarkConfirmed moves AWAITING_CUSTOMER_CONFIRM -> IN_PROGRESS.
func (s *Store) MarkConfirmed(ctx context.Context, id int64) error {
	return s.guarded(ctx, s.db.SQL(),
		`UPDATE orders SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusInProgress), nowStr(), id, string(StatusAwaitingConfirm))
}

// MarkCancelledTx returns the order to PUBLISHED and clears the assignment,
// inside the transaction that releases the escrow.
func (s *Store) MarkCancelledTx(ctx context.Context, tx *sql.Tx, id int64) error {
	return s.guarded(ctx, tx,
		`UPDATE orders SET status=?, accepted_by=NULL, accept_ts=NULL, updated_at=?
		 WHERE id=? AND status=?`,
		string(StatusPublished), nowStr(), id, string(StatusAwaitingConfirm))
}

// MarkWorkDone moves IN_PROGRESS -> AWAITING_CLIENT_APPROVAL and records the
// informational auto-release deadline.
func (s *Store) MarkWorkDone(ctx context.Context, id int64, autoReleaseAt time.Time) error {
	return s.guarded(ctx, s.db.SQL(),
		`UPDATE orders SET status=?, auto_release_at=?, updated_at=?
		 WHERE id=? AND status=?`,
		string(StatusAwaitingApproval), autoReleaseAt.UTC().Format(time.RFC3339Nano),
		nowStr(), id, string(StatusInProgress))
}

// MarkCompletedTx zeroes the escrow mirror and moves to COMPLETED, inside
// the transaction that transfers the funds.
func (s *Store) MarkCompletedTx(ctx context.Context, tx *sql.Tx, id int64) error {
	return s.guarded(ctx, tx,
		`UPDATE orders SET status=?, frozen_amount=0, updated_at=?
		 WHERE id=? AND status=?`,
		string(StatusCompleted), nowStr(), id, string(StatusAwaitingApproval))
}

// MarkDisputedTx forces the order into DISPUTE from the given source
// status, inside the transaction that creates the dispute row.
func (s *Store) MarkDisputedTx(ctx context.Context, tx *sql.Tx, id int64, from Status) error {
	return s.guarded(ctx, tx,
		`UPDATE orders SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusDispute), nowStr(), id, string(from))
}

// GrowRadius bumps the radius by stepKm, guarded on both status and the
// previously observed radius so concurrent ticks can't double-step.
func (s *Store) GrowRadius(ctx context.Context, id int64, fromKm, stepKm float64) error {
	return s.guarded(ctx, s.db.SQL(),
		`UPDATE orders SET radius_km = radius_km + ?, updated_at=?
		 WHERE id=? AND status=? AND radius_km=?`,
		stepKm, nowStr(), id, string(StatusPublished), fromKm)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) guarded(ctx context.Context, q execer, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("order: transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o                     Order
		status                string
		lat, lon              sql.NullFloat64
		acceptedBy            sql.NullInt64
		acceptTS, autoRelease sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(&o.ID, &o.Key, &o.CreatorID, &o.Description, &o.Price, &status,
		&o.FrozenAmount, &lat, &lon, &o.RadiusKm, &acceptedBy, &acceptTS, &autoRelease,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order: scan: %w", err)
	}
	o.Status = Status(status)
	if lat.Valid {
		o.Lat = &lat.Float64
	}
	if lon.Valid {
		o.Lon = &lon.Float64
	}
	if acceptedBy.Valid {
		o.AcceptedBy = &acceptedBy.Int64
	}
	if acceptTS.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, acceptTS.String); err == nil {
			o.AcceptTS = &ts
		}
	}
	if autoRelease.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, autoRelease.String); err == nil {
			o.AutoRelease = &ts
		}
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]*Order, error) {
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: rows: %w", err)
	}
	return out, nil
}

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
