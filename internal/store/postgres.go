package store

import (
	"context"
	"errors"
	"fmt"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Zephrnos/polyglot-ledger-engine/internal/models"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTransferApplied reports that the idempotency key has already been
	// committed to the ledger; the replayed commit performed no mutation.
	ErrTransferApplied = errors.New("transfer already applied")
)

const uniqueViolation = "23505"

// Store issues parameterized reads and writes against the ledger database.
type Store struct {
	db *pgxpool.Pool
}

func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// AccountBalance fetches the current balance for one account. Returns
// ErrAccountNotFound when the id has no row; any other error is
// infrastructure failure.
func (s *Store) AccountBalance(ctx context.Context, id int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", id).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("balance query failed: %w", err)
	}
	return balance, nil
}

// CommitTransfer applies the debit and credit for an admitted transfer inside
// a single transaction, guarded by the idempotency key.
//
// The debit is conditional on the source balance still covering the amount,
// so a concurrent transfer that drained the account between verification and
// commit surfaces as ErrInsufficientFunds rather than a negative balance.
// A duplicate idempotency key (redelivered message whose ack was lost) aborts
// with ErrTransferApplied before any balance is touched.
func (s *Store) CommitTransfer(ctx context.Context, t *models.Transfer) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO processed_transfers (idempotency_key, transfer_id) VALUES ($1, $2)",
		t.IdempotencyKey, t.ID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrTransferApplied
		}
		return fmt.Errorf("idempotency insert failed: %w", err)
	}

	tag, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance - $1 WHERE id = $2 AND balance >= $1",
		t.Amount, t.SourceID,
	)
	if err != nil {
		return fmt.Errorf("debit failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", t.SourceID).Scan(&exists); err != nil {
			return fmt.Errorf("debit recheck failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source account %d vanished during commit", t.SourceID)
		}
		return ErrInsufficientFunds
	}

	tag, err = tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2",
		t.Amount, t.TargetID,
	)
	if err != nil {
		return fmt.Errorf("credit failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target account %d vanished during commit", t.TargetID)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO transfers (id, source_id, target_id, amount, created_at) VALUES ($1, $2, $3, $4, $5)",
		t.ID, t.SourceID, t.TargetID, t.Amount, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("transfer insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}
