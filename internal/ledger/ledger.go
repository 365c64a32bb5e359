// Package ledger moves coins between user balances and escrow.
//
// Reserve, Release and Transfer operate on a caller-owned *sql.Tx so the
// order-status write that accompanies a fund movement commits in the same
// transaction. Guards are expressed in the UPDATE itself
// (WHERE balance >= ?) so a stale read can never overdraw a row.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gigbot/internal/storage"
	logx "gigbot/pkg/logx"
)

var (
	// ErrInsufficientFunds means the creator's balance cannot cover the price.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvariant means an operation would drive balance or frozen negative.
	// Callers must treat it as fatal for the operation and roll back.
	ErrInvariant = errors.New("ledger invariant violation")
)

type Ledger struct {
	db  *storage.DB
	log logx.Logger
}

func New(db *storage.DB, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{db: db, log: log.With(logx.String("component", "ledger"))}
}

// ReserveTx moves amount from the creator's balance into frozen.
// Returns ErrInsufficientFunds when the balance cannot cover it.
func (l *Ledger) ReserveTx(ctx context.Context, tx *sql.Tx, creator, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: reserve %d for %d: %w", amount, creator, ErrInvariant)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = balance - ?, frozen = frozen + ?
		 WHERE tg_id = ? AND balance >= ?`,
		amount, amount, creator, amount)
	if err != nil {
		return fmt.Errorf("ledger: reserve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: reserve %d for %d: %w", amount, creator, ErrInsufficientFunds)
	}
	l.log.Debug("funds reserved", logx.Int64("user", creator), logx.Int64("amount", amount))
	return nil
}

// ReleaseTx reverses a reservation, moving amount from frozen back to balance.
func (l *Ledger) ReleaseTx(ctx context.Context, tx *sql.Tx, creator, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: release %d for %d: %w", amount, creator, ErrInvariant)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + ?, frozen = frozen - ?
		 WHERE tg_id = ? AND frozen >= ?`,
		amount, amount, creator, amount)
	if err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.log.Error("release would drive frozen negative",
			logx.Int64("user", creator), logx.Int64("amount", amount))
		return fmt.Errorf("ledger: release %d for %d: %w", amount, creator, ErrInvariant)
	}
	l.log.Debug("funds released", logx.Int64("user", creator), logx.Int64("amount", amount))
	return nil
}

// TransferTx pays amount out of the creator's frozen into the executor's
// balance. Both row updates must land; the caller's transaction makes the
// pair atomic with the terminal order-status write.
func (l *Ledger) TransferTx(ctx context.Context, tx *sql.Tx, creator, executor, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: transfer %d from %d: %w", amount, creator, ErrInvariant)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET frozen = frozen - ? WHERE tg_id = ? AND frozen >= ?`,
		amount, creator, amount)
	if err != nil {
		return fmt.Errorf("ledger: transfer debit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.log.Error("transfer would drive frozen negative",
			logx.Int64("user", creator), logx.Int64("amount", amount))
		return fmt.Errorf("ledger: transfer %d from %d: %w", amount, creator, ErrInvariant)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE tg_id = ?`,
		amount, executor)
	if err != nil {
		return fmt.Errorf("ledger: transfer credit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: transfer credit to unknown user %d: %w", executor, ErrInvariant)
	}
	l.log.Info("funds transferred",
		logx.Int64("from", creator), logx.Int64("to", executor), logx.Int64("amount", amount))
	return nil
}

// Deposit tops up a user's balance outside any escrow flow.
func (l *Ledger) Deposit(ctx context.Context, user, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: deposit %d for %d: %w", amount, user, ErrInvariant)
	}
	res, err := l.db.SQL().ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE tg_id = ?`, amount, user)
	if err != nil {
		return fmt.Errorf("ledger: deposit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: deposit to unknown user %d: %w", user, ErrInvariant)
	}
	return nil
}

// Balance reports (available, frozen) for a user.
func (l *Ledger) Balance(ctx context.Context, user int64) (int64, int64, error) {
	var balance, frozen int64
	err := l.db.SQL().QueryRowContext(ctx,
		`SELECT balance, frozen FROM users WHERE tg_id = ?`, user).Scan(&balance, &frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("ledger: balance of unknown user %d: %w", user, ErrInvariant)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, frozen, nil
}
