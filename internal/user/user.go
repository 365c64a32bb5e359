package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gigbot/internal/storage"
	logx "gigbot/pkg/logx"
)

// Roles a profile can hold. Admins are also valid customers.
const (
	RoleCustomer = "customer"
	RoleExecutor = "executor"
	RoleAdmin    = "admin"
)

var ErrNotFound = errors.New("user not found")

type User struct {
	TgID      int64
	Username  string
	Phone     string
	Role      string
	Balance   int64
	Frozen    int64
	Available bool
	Lat       *float64
	Lon       *float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasLocation reports whether the user currently shares a location.
func (u *User) HasLocation() bool { return u.Lat != nil && u.Lon != nil }

type Store struct {
	db  *storage.DB
	log logx.Logger
}

func NewStore(db *storage.DB, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, log: log.With(logx.String("component", "user"))}
}

// Ensure creates the profile row if missing and refreshes the username.
func (s *Store) Ensure(ctx context.Context, tgID int64, username string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO users(tg_id, username, role, created_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(tg_id) DO UPDATE SET
		   username   = excluded.username,
		   updated_at = excluded.updated_at`,
		tgID, nullStr(username), RoleCustomer, now, now,
	)
	if err != nil {
		return fmt.Errorf("user: ensure %d: %w", tgID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tgID int64) (*User, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT tg_id, username, phone, role, balance, frozen, available, lat, lon, created_at, updated_at
		 FROM users WHERE tg_id = ?`, tgID)
	return scanUser(row)
}

// SetLocation records a shared location and marks the executor available.
func (s *Store) SetLocation(ctx context.Context, tgID int64, lat, lon float64) error {
	return s.update(ctx, tgID,
		`UPDATE users SET lat=?, lon=?, available=1, updated_at=? WHERE tg_id=?`,
		lat, lon, nowStr(), tgID)
}

// SetOffline keeps the stored location but stops offering new orders.
func (s *Store) SetOffline(ctx context.Context, tgID int64) error {
	return s.update(ctx, tgID,
		`UPDATE users SET available=0, updated_at=? WHERE tg_id=?`,
		nowStr(), tgID)
}

// ResetLocation drops the location entirely. Used after a payout so the
// executor has to re-share before receiving new offers.
func (s *Store) ResetLocation(ctx context.Context, tgID int64) error {
	return s.update(ctx, tgID,
		`UPDATE users SET lat=NULL, lon=NULL, available=0, updated_at=? WHERE tg_id=?`,
		nowStr(), tgID)
}

func (s *Store) SetRole(ctx context.Context, tgID int64, role string) error {
	switch role {
	case RoleCustomer, RoleExecutor, RoleAdmin:
	default:
		return fmt.Errorf("user: unknown role %q", role)
	}
	return s.update(ctx, tgID,
		`UPDATE users SET role=?, updated_at=? WHERE tg_id=?`,
		role, nowStr(), tgID)
}

func (s *Store) SetPhone(ctx context.Context, tgID int64, phone string) error {
	return s.update(ctx, tgID,
		`UPDATE users SET phone=?, updated_at=? WHERE tg_id=?`,
		nullStr(phone), nowStr(), tgID)
}

func (s *Store) update(ctx context.Context, tgID int64, query string, args ...any) error {
	res, err := s.db.SQL().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("user: update %d: %w", tgID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user: update %d: %w", tgID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                    User
		username, phone      sql.NullString
		lat, lon             sql.NullFloat64
		available            int
		createdAt, updatedAt string
	)
	err := row.Scan(&u.TgID, &username, &phone, &u.Role, &u.Balance, &u.Frozen,
		&available, &lat, &lon, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: scan: %w", err)
	}
	u.Username = username.String
	u.Phone = phone.String
	u.Available = available != 0
	if lat.Valid {
		u.Lat = &lat.Float64
	}
	if lon.Valid {
		u.Lon = &lon.Float64
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &u, nil
}

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
