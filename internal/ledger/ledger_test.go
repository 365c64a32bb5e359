package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gigbot/internal/storage"
	logx "gigbot/pkg/logx"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.DB) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logx.Nop()), db
}

func addUser(t *testing.T, db *storage.DB, id, balance int64) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.SQL().Exec(
		`INSERT INTO users(tg_id, balance, created_at, updated_at) VALUES(?,?,?,?)`,
		id, balance, now, now)
	if err != nil {
		t.Fatalf("insert user %d: %v", id, err)
	}
}

func mustBalance(t *testing.T, l *Ledger, id, wantBalance, wantFrozen int64) {
	t.Helper()
	balance, frozen, err := l.Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance of %d: %v", id, err)
	}
	if balance != wantBalance || frozen != wantFrozen {
		t.Fatalf("user %d: balance=%d frozen=%d, want %d/%d", id, balance, frozen, wantBalance, wantFrozen)
	}
}

func inTx(t *testing.T, db *storage.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	return db.WithTx(context.Background(), fn)
}

func TestReserveMovesBalanceToFrozen(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	addUser(t, db, 1, 100_000)

	err := inTx(t, db, func(tx *sql.Tx) error {
		return l.ReserveTx(ctx, tx, 1, 50_000)
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	mustBalance(t, l, 1, 50_000, 50_000)
}

func TestReserveInsufficientFunds(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	addUser(t, db, 1, 100)

	err := inTx(t, db, func(tx *sql.Tx) error {
		return l.ReserveTx(ctx, tx, 1, 101)
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	// The failed transaction must leave the row untouched.
	mustBalance(t, l, 1, 100, 0)
}

func TestReleaseReversesReservation(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	addUser(t, db, 1, 1_000)

	if err := inTx(t, db, func(tx *sql.Tx) error {
		return l.ReserveTx(ctx, tx, 1, 400)
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := inTx(t, db, func(tx *sql.Tx) error {
		return l.ReleaseTx(ctx, tx, 1, 400)
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	mustBalance(t, l, 1, 1_000, 0)
}

func TestReleaseBeyondFrozenIsInvariantBreach(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	addUser(t, db, 1, 1_000)

	err := inTx(t, db, func(tx *sql.Tx) error {
		return l.ReleaseTx(ctx, tx, 1, 1)
	})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
	mustBalance(t, l, 1, 1_000, 0)
}

func TestTransferPaysExecutorFromFrozen(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	addUser(t, db, 1, 1_000)
	addUser(t, db, 2, 0)

	if err := inTx(t, db, func(tx *sql.Tx) error {
		return l.ReserveTx(ctx, tx, 1, 700)
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := inTx(t, db, func(tx *sql.Tx) error {
		return l.TransferTx(ctx, tx, 1, 2, 700)
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	mustBalance(t, l, 1, 300, 0)
	mustBalance(t, l, 2, 700, 0)
}

func TestTransferRollsBackAsAUnit(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	addUser(t, db, 1, 1_000)

	if err := inTx(t, db, func(tx *sql.Tx) error {
		return l.ReserveTx(ctx, tx, 1, 500)
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Credit leg fails (unknown payee), so the debit leg must roll back too.
	err := inTx(t, db, func(tx *sql.Tx) error {
		return l.TransferTx(ctx, tx, 1, 99, 500)
	})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
	mustBalance(t, l, 1, 500, 500)
}

func TestNonPositiveAmountsRejected(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	addUser(t, db, 1, 100)

	for _, amount := range []int64{0, -5} {
		err := inTx(t, db, func(tx *sql.Tx) error {
			return l.ReserveTx(ctx, tx, 1, amount)
		})
		if !errors.Is(err, ErrInvariant) {
			t.Fatalf("reserve %d: err = %v, want ErrInvariant", amount, err)
		}
		if err := l.Deposit(ctx, 1, amount); !errors.Is(err, ErrInvariant) {
			t.Fatalf("deposit %d: err = %v, want ErrInvariant", amount, err)
		}
	}
}

func TestDepositUnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)
	if err := l.Deposit(context.Background(), 42, 100); !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
}

// Two racing reservations must not both pass a stale balance check.
func TestConcurrentReserveSingleWinner(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	addUser(t, db, 1, 100)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = inTx(t, db, func(tx *sql.Tx) error {
				return l.ReserveTx(ctx, tx, 1, 60)
			})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("ok=%d insufficient=%d, want exactly one of each", ok, insufficient)
	}
	mustBalance(t, l, 1, 40, 60)
}
