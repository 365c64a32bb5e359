// Package rating keeps one rating row per (order, rater) and aggregates a
// user's running average. A brand-new user rates 5.0 until real stars come
// in; a submitted score below the threshold escalates to operators.
package rating

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"gigbot/internal/order"
	"gigbot/internal/storage"
	"gigbot/internal/transport"
	logx "gigbot/pkg/logx"
)

const (
	// seedAverage is what a user with no received stars rates.
	seedAverage = 5.0

	// lowScoreThreshold triggers an operator escalation.
	lowScoreThreshold = 3
)

var ErrBadStars = errors.New("stars must be between 1 and 5")

type Rating struct {
	ID        int64
	OrderID   int64
	FromTg    int64
	ToTg      int64
	Stars     *int
	Comment   string
	CreatedAt time.Time
}

// Notifier is the slice of the outbound pipeline the aggregator needs.
type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// OrderResolver looks an order up by id or public key.
type OrderResolver interface {
	ResolveRef(ctx context.Context, ref string) (*order.Order, error)
}

type Service struct {
	db     *storage.DB
	orders OrderResolver
	notify Notifier
	log    logx.Logger

	mu        sync.RWMutex
	operators []int64
}

func NewService(db *storage.DB, orders OrderResolver, notify Notifier, operators []int64, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		db:        db,
		orders:    orders,
		notify:    notify,
		operators: operators,
		log:       log.With(logx.String("component", "rating")),
	}
}

// Apply swaps the operator list (config hot reload).
func (s *Service) Apply(operators []int64) {
	s.mu.Lock()
	s.operators = operators
	s.mu.Unlock()
}

func (s *Service) operatorIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operators
}

// Submit rates the other party of the order. stars and comment are each
// optional; a resubmission updates the supplied fields and keeps the rest.
func (s *Service) Submit(ctx context.Context, rater int64, ref string, stars *int, comment *string) error {
	if stars == nil && comment == nil {
		return errors.New("rating: nothing to submit")
	}
	if stars != nil && (*stars < 1 || *stars > 5) {
		return fmt.Errorf("rating: %w", ErrBadStars)
	}

	o, err := s.orders.ResolveRef(ctx, ref)
	if err != nil {
		return err
	}
	target, err := otherParty(o, rater)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	// COALESCE against the existing row keeps a previously supplied field
	// when this submission omits it.
	_, err = s.db.SQL().ExecContext(ctx,
		`INSERT INTO ratings(order_id, from_tg, to_tg, stars, comment, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(order_id, from_tg) DO UPDATE SET
		   stars      = COALESCE(excluded.stars, ratings.stars),
		   comment    = COALESCE(excluded.comment, ratings.comment),
		   updated_at = excluded.updated_at`,
		o.ID, rater, target, nullInt(stars), nullStrPtr(comment), now, now)
	if err != nil {
		return fmt.Errorf("rating: submit: %w", err)
	}
	s.log.Info("rating submitted",
		logx.Int64("order", o.ID), logx.Int64("from", rater), logx.Int64("to", target))

	s.sendNotice(ctx, transport.Notification{
		UserID: target,
		Kind:   transport.KindRatingReceived,
		Text:   fmt.Sprintf("You received a new rating on order #%s.", o.Key),
	})
	if stars != nil && *stars < lowScoreThreshold {
		text := fmt.Sprintf("Low rating alert: order #%s, user %d rated %d star(s) for user %d.",
			o.Key, rater, *stars, target)
		for _, op := range s.operatorIDs() {
			s.sendNotice(ctx, transport.Notification{UserID: op, Kind: transport.KindLowRating, Text: text})
		}
	}
	return nil
}

// Average is the mean of all non-null stars the user has received, or the
// seeded default when none exist.
func (s *Service) Average(ctx context.Context, userID int64) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT AVG(stars) FROM ratings WHERE to_tg = ? AND stars IS NOT NULL`, userID).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("rating: average: %w", err)
	}
	if !avg.Valid {
		return seedAverage, nil
	}
	return avg.Float64, nil
}

// Comments lists the user's received ratings that carry text, newest first.
func (s *Service) Comments(ctx context.Context, userID int64, limit int) ([]Rating, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, order_id, from_tg, to_tg, stars, comment, created_at
		 FROM ratings
		 WHERE to_tg = ? AND comment IS NOT NULL
		 ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("rating: comments: %w", err)
	}
	defer rows.Close()

	var out []Rating
	for rows.Next() {
		var (
			r         Rating
			stars     sql.NullInt64
			comment   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.OrderID, &r.FromTg, &r.ToTg, &stars, &comment, &createdAt); err != nil {
			return nil, fmt.Errorf("rating: scan: %w", err)
		}
		if stars.Valid {
			v := int(stars.Int64)
			r.Stars = &v
		}
		r.Comment = comment.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rating: comments: %w", err)
	}
	return out, nil
}

func otherParty(o *order.Order, rater int64) (int64, error) {
	switch {
	case rater == o.CreatorID:
		if o.AcceptedBy == nil {
			return 0, order.ErrNotParticipant
		}
		return *o.AcceptedBy, nil
	case o.AcceptedBy != nil && rater == *o.AcceptedBy:
		return o.CreatorID, nil
	default:
		return 0, order.ErrNotParticipant
	}
}

func (s *Service) sendNotice(ctx context.Context, n transport.Notification) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(ctx, n); err != nil {
		s.log.Warn("rating notice failed", logx.Int64("user", n.UserID), logx.Err(err))
	}
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
