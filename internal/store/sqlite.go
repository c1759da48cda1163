package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atmx/lending-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are kept as
// TEXT so no precision is lost; timestamps as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("store: sqlite path required")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers, which SQLite does anyway.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            address TEXT PRIMARY KEY,
            collateral TEXT NOT NULL,
            debt TEXT NOT NULL,
            oracle_price TEXT NOT NULL,
            token_balance TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            address TEXT NOT NULL,
            kind TEXT NOT NULL,
            requested TEXT NOT NULL,
            effective TEXT NOT NULL,
            collateral_after TEXT NOT NULL,
            debt_after TEXT NOT NULL,
            oracle_price_after TEXT NOT NULL,
            token_balance_after TEXT NOT NULL,
            timestamp INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS ledger_entries_address_idx ON ledger_entries(address, seq);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, address string) (*model.Account, error) {
	var a model.Account
	var collateral, debt, price, balance string
	var updated int64

	err := s.db.QueryRowContext(ctx,
		`SELECT address, collateral, debt, oracle_price, token_balance, updated_at
		 FROM accounts WHERE address = ?`, address).
		Scan(&a.Address, &collateral, &debt, &price, &balance, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if err := parseAccountDecimals(&a, collateral, debt, price, balance); err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	a.UpdatedAt = fromUnixNano(updated)
	return &a, nil
}

func (s *SQLiteStore) SaveAccount(ctx context.Context, a *model.Account) error {
	return saveAccountSQL(ctx, s.db, a)
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE address = ?`, address)
	return err
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, collateral, debt, oracle_price, token_balance, updated_at
		 FROM accounts ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var collateral, debt, price, balance string
		var updated int64
		if err := rows.Scan(&a.Address, &collateral, &debt, &price, &balance, &updated); err != nil {
			return nil, err
		}
		if err := parseAccountDecimals(&a, collateral, debt, price, balance); err != nil {
			return nil, err
		}
		a.UpdatedAt = fromUnixNano(updated)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return insertLedgerEntrySQL(ctx, s.db, e)
}

func (s *SQLiteStore) RecordOperation(ctx context.Context, a *model.Account, e *model.LedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record operation %s: %w", a.Address, err)
	}
	defer tx.Rollback()

	if err := saveAccountSQL(ctx, tx, a); err != nil {
		return err
	}
	if err := insertLedgerEntrySQL(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetLedgerEntriesByAddress(ctx context.Context, address string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, kind, requested, effective, collateral_after, debt_after,
		        oracle_price_after, token_balance_after, timestamp
		 FROM ledger_entries WHERE address = ? ORDER BY seq`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(&unixTimeRows{Rows: rows})
}

func (s *SQLiteStore) DeleteLedgerEntries(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE address = ?`, address)
	return err
}

// sqlExecer is satisfied by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func saveAccountSQL(ctx context.Context, db sqlExecer, a *model.Account) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO accounts (address, collateral, debt, oracle_price, token_balance, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		     collateral = excluded.collateral,
		     debt = excluded.debt,
		     oracle_price = excluded.oracle_price,
		     token_balance = excluded.token_balance,
		     updated_at = excluded.updated_at`,
		a.Address,
		a.Position.Collateral.String(), a.Position.Debt.String(),
		a.Position.OraclePrice.String(), a.TokenBalance.String(),
		a.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.Address, err)
	}
	return nil
}

func insertLedgerEntrySQL(ctx context.Context, db sqlExecer, e *model.LedgerEntry) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, address, kind, requested, effective,
		        collateral_after, debt_after, oracle_price_after, token_balance_after, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Address, string(e.Kind),
		e.Requested.String(), e.Effective.String(),
		e.CollateralAfter.String(), e.DebtAfter.String(),
		e.OraclePriceAfter.String(), e.TokenBalanceAfter.String(),
		e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// unixTimeRows adapts *sql.Rows so that a *time.Time destination is filled
// from the INTEGER nanosecond column.
type unixTimeRows struct {
	*sql.Rows
}

func (r *unixTimeRows) Scan(dest ...interface{}) error {
	var nanos int64
	var target *time.Time
	for i, d := range dest {
		if t, ok := d.(*time.Time); ok {
			target = t
			dest[i] = &nanos
		}
	}
	if err := r.Rows.Scan(dest...); err != nil {
		return err
	}
	if target != nil {
		*target = fromUnixNano(nanos)
	}
	return nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
