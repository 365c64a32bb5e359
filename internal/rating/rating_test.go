package rating

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gigbot/internal/order"
	"gigbot/internal/storage"
	"gigbot/internal/transport"
	logx "gigbot/pkg/logx"
)

type fakeResolver struct {
	orders map[string]*order.Order
}

func (f *fakeResolver) ResolveRef(_ context.Context, ref string) (*order.Order, error) {
	o, ok := f.orders[ref]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []transport.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n transport.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) byKind(kind transport.Kind) []transport.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.Notification
	for _, n := range f.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

const (
	creatorID  = int64(1)
	executorID = int64(2)
	operatorID = int64(900)
)

func newTestService(t *testing.T) (*Service, *fakeNotifier, *storage.DB) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "rating.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// Rating rows reference a real order, which references a real user.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.SQL().Exec(
		`INSERT INTO users(tg_id, created_at, updated_at) VALUES(?,?,?)`, creatorID, now, now); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := db.SQL().Exec(
		`INSERT INTO orders(id, order_key, creator_id, description, price, status, accepted_by, created_at, updated_at)
		 VALUES(100, 'cafe0001', ?, 'done job', 500, 'COMPLETED', ?, ?, ?)`,
		creatorID, executorID, now, now); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	exec := executorID
	resolver := &fakeResolver{orders: map[string]*order.Order{
		"cafe0001": {
			ID:         100,
			Key:        "cafe0001",
			CreatorID:  creatorID,
			Status:     order.StatusCompleted,
			AcceptedBy: &exec,
		},
		"unassigned": {
			ID:        100,
			Key:       "cafe0001",
			CreatorID: creatorID,
			Status:    order.StatusPublished,
		},
	}}
	notify := &fakeNotifier{}
	svc := NewService(db, resolver, notify, []int64{operatorID}, logx.Nop())
	return svc, notify, db
}

func ratingRowCount(t *testing.T, db *storage.DB, orderID, from int64) int {
	t.Helper()
	var n int
	err := db.SQL().QueryRow(
		`SELECT COUNT(*) FROM ratings WHERE order_id = ? AND from_tg = ?`, orderID, from).Scan(&n)
	if err != nil {
		t.Fatalf("count ratings: %v", err)
	}
	return n
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func TestSubmitTargetsOtherParty(t *testing.T) {
	svc, notify, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Submit(ctx, creatorID, "cafe0001", intp(5), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	avg, err := svc.Average(ctx, executorID)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg != 5 {
		t.Fatalf("executor average = %v, want 5", avg)
	}

	got := notify.byKind(transport.KindRatingReceived)
	if len(got) != 1 || got[0].UserID != executorID {
		t.Fatalf("rating notice = %+v, want one to the executor", got)
	}

	// The executor rates back; the creator is the target.
	if err := svc.Submit(ctx, executorID, "cafe0001", intp(4), nil); err != nil {
		t.Fatalf("submit back: %v", err)
	}
	avg, err = svc.Average(ctx, creatorID)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg != 4 {
		t.Fatalf("creator average = %v, want 4", avg)
	}
}

// Resubmission updates in place: the row count for (order, rater) stays 1 and
// omitted fields keep their previous values.
func TestResubmitUpdatesInPlace(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	if err := svc.Submit(ctx, creatorID, "cafe0001", intp(2), nil); err != nil {
		t.Fatalf("submit stars: %v", err)
	}
	if err := svc.Submit(ctx, creatorID, "cafe0001", nil, strp("slow but thorough")); err != nil {
		t.Fatalf("submit comment: %v", err)
	}
	if err := svc.Submit(ctx, creatorID, "cafe0001", intp(4), nil); err != nil {
		t.Fatalf("resubmit stars: %v", err)
	}

	if n := ratingRowCount(t, db, 100, creatorID); n != 1 {
		t.Fatalf("rating rows = %d, want 1", n)
	}
	avg, err := svc.Average(ctx, executorID)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg != 4 {
		t.Fatalf("average = %v, want the latest stars 4", avg)
	}

	comments, err := svc.Comments(ctx, executorID, 10)
	if err != nil {
		t.Fatalf("comments: %v", err)
	}
	if len(comments) != 1 || comments[0].Comment != "slow but thorough" {
		t.Fatalf("comments = %+v, want the preserved comment", comments)
	}
	if comments[0].Stars == nil || *comments[0].Stars != 4 {
		t.Fatalf("stars = %v, want 4 alongside the kept comment", comments[0].Stars)
	}
}

func TestUnratedUserSeedsAverage(t *testing.T) {
	svc, _, _ := newTestService(t)
	avg, err := svc.Average(context.Background(), 777)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg != seedAverage {
		t.Fatalf("average = %v, want seed %v", avg, seedAverage)
	}
}

func TestLowRatingEscalatesToOperators(t *testing.T) {
	svc, notify, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Submit(ctx, creatorID, "cafe0001", intp(1), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	alerts := notify.byKind(transport.KindLowRating)
	if len(alerts) != 1 || alerts[0].UserID != operatorID {
		t.Fatalf("low-rating alerts = %+v, want one to the operator", alerts)
	}

	// A passing score must not page anyone.
	if err := svc.Submit(ctx, executorID, "cafe0001", intp(3), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := notify.byKind(transport.KindLowRating); len(got) != 1 {
		t.Fatalf("unexpected extra escalation: %+v", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Submit(ctx, creatorID, "cafe0001", nil, nil); err == nil {
		t.Fatal("expected error for empty submission")
	}
	if err := svc.Submit(ctx, creatorID, "cafe0001", intp(6), nil); !errors.Is(err, ErrBadStars) {
		t.Fatalf("err = %v, want ErrBadStars", err)
	}
	if err := svc.Submit(ctx, creatorID, "missing", intp(5), nil); !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("err = %v, want order.ErrNotFound", err)
	}
	// A bystander cannot rate, and the creator of an unassigned order has
	// no counterparty yet.
	if err := svc.Submit(ctx, 555, "cafe0001", intp(5), nil); !errors.Is(err, order.ErrNotParticipant) {
		t.Fatalf("err = %v, want order.ErrNotParticipant", err)
	}
	if err := svc.Submit(ctx, creatorID, "unassigned", intp(5), nil); !errors.Is(err, order.ErrNotParticipant) {
		t.Fatalf("err = %v, want order.ErrNotParticipant", err)
	}
}
