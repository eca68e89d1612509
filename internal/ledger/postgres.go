package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresLedger serialises writes per wallet with a row-level lock on
// credit_wallets: every write transaction takes the wallet's row FOR
// UPDATE before reading the projection, so a concurrent debit of the
// same wallet queues behind it and sees its effect.
//
// Schema:
//
//	CREATE TABLE credit_wallets (wallet TEXT PRIMARY KEY);
//	CREATE TABLE credit_ledger (
//	    id BIGSERIAL PRIMARY KEY,
//	    wallet TEXT NOT NULL REFERENCES credit_wallets(wallet),
//	    delta_seconds BIGINT NOT NULL,
//	    reason TEXT NOT NULL,
//	    source_id TEXT NOT NULL DEFAULT '',
//	    at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX credit_ledger_wallet_idx ON credit_ledger (wallet);
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger opens the production ledger store.
func NewPostgresLedger(databaseURL string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	return &PostgresLedger{db: db}, nil
}

// Close releases the connection pool.
func (p *PostgresLedger) Close() error { return p.db.Close() }

func (p *PostgresLedger) Topup(ctx context.Context, wallet string, seconds int64, sourceID string) error {
	if seconds <= 0 {
		return fmt.Errorf("topup seconds must be positive, got %d", seconds)
	}
	return p.withWalletLock(ctx, wallet, func(tx *sql.Tx) error {
		return appendEntry(ctx, tx, wallet, seconds, ReasonTopup, sourceID)
	})
}

func (p *PostgresLedger) Debit(ctx context.Context, wallet string, seconds int64, sourceID string) (DebitResult, error) {
	if seconds < 0 {
		return DebitResult{}, fmt.Errorf("debit seconds must be non-negative, got %d", seconds)
	}

	var res DebitResult
	err := p.withWalletLock(ctx, wallet, func(tx *sql.Tx) error {
		before, _, err := projection(ctx, tx, wallet)
		if err != nil {
			return err
		}
		if before < 0 {
			before = 0
		}

		debited := seconds
		if debited > before {
			debited = before // shortfall discarded, never negative
		}
		if debited > 0 {
			if err := appendEntry(ctx, tx, wallet, -debited, ReasonDebit, sourceID); err != nil {
				return err
			}
		}
		res = DebitResult{Debited: debited, Remaining: before - debited}
		return nil
	})
	return res, err
}

func (p *PostgresLedger) GetBalance(ctx context.Context, wallet string) (Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta_seconds), 0),
		       COALESCE(SUM(CASE WHEN delta_seconds < 0 THEN -delta_seconds ELSE 0 END), 0)
		FROM credit_ledger WHERE wallet = $1`, wallet)

	var remaining, totalDebited int64
	if err := row.Scan(&remaining, &totalDebited); err != nil {
		return Balance{}, fmt.Errorf("project balance for %s: %w", wallet, err)
	}
	if remaining < 0 {
		remaining = 0
	}
	return Balance{Remaining: remaining, TotalDebited: totalDebited}, nil
}

// withWalletLock runs fn inside a transaction that holds the wallet's
// serialisation row.
func (p *PostgresLedger) withWalletLock(ctx context.Context, wallet string, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_wallets (wallet) VALUES ($1) ON CONFLICT (wallet) DO NOTHING`, wallet); err != nil {
		return fmt.Errorf("ensure wallet row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`SELECT wallet FROM credit_wallets WHERE wallet = $1 FOR UPDATE`, wallet); err != nil {
		return fmt.Errorf("lock wallet row: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func appendEntry(ctx context.Context, tx *sql.Tx, wallet string, delta int64, reason EntryReason, sourceID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (wallet, delta_seconds, reason, source_id, at)
		VALUES ($1, $2, $3, $4, now())`, wallet, delta, string(reason), sourceID)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func projection(ctx context.Context, tx *sql.Tx, wallet string) (remaining, totalDebited int64, err error) {
	row := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta_seconds), 0),
		       COALESCE(SUM(CASE WHEN delta_seconds < 0 THEN -delta_seconds ELSE 0 END), 0)
		FROM credit_ledger WHERE wallet = $1`, wallet)
	if err := row.Scan(&remaining, &totalDebited); err != nil {
		return 0, 0, fmt.Errorf("project balance: %w", err)
	}
	return remaining, totalDebited, nil
}
