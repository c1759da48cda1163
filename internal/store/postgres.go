package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// postgresSchema creates the tables PostgresStore reads and writes.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	address       TEXT PRIMARY KEY,
	collateral    NUMERIC NOT NULL DEFAULT 0,
	debt          NUMERIC NOT NULL DEFAULT 0,
	oracle_price  NUMERIC NOT NULL,
	token_balance NUMERIC NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id                  UUID PRIMARY KEY,
	address             TEXT NOT NULL,
	kind                TEXT NOT NULL,
	requested           NUMERIC NOT NULL,
	effective           NUMERIC NOT NULL,
	collateral_after    NUMERIC NOT NULL,
	debt_after          NUMERIC NOT NULL,
	oracle_price_after  NUMERIC NOT NULL,
	token_balance_after NUMERIC NOT NULL,
	timestamp           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_address_idx ON ledger_entries (address, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, address string) (*model.Account, error) {
	var a model.Account
	var collateral, debt, price, balance string

	err := s.pool.QueryRow(ctx,
		`SELECT address, collateral::TEXT, debt::TEXT, oracle_price::TEXT,
		        token_balance::TEXT, updated_at
		 FROM accounts WHERE address = $1`, address).
		Scan(&a.Address, &collateral, &debt, &price, &balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}

	if err := parseAccountDecimals(&a, collateral, debt, price, balance); err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	return &a, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.Account) error {
	return savePostgresAccount(ctx, s.pool, a)
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE address = $1`, address)
	return err
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, collateral::TEXT, debt::TEXT, oracle_price::TEXT,
		        token_balance::TEXT, updated_at
		 FROM accounts ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var collateral, debt, price, balance string
		if err := rows.Scan(&a.Address, &collateral, &debt, &price, &balance, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if err := parseAccountDecimals(&a, collateral, debt, price, balance); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return insertPostgresLedgerEntry(ctx, s.pool, e)
}

func (s *PostgresStore) RecordOperation(ctx context.Context, a *model.Account, e *model.LedgerEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := savePostgresAccount(ctx, tx, a); err != nil {
			return err
		}
		return insertPostgresLedgerEntry(ctx, tx, e)
	})
}

func (s *PostgresStore) GetLedgerEntriesByAddress(ctx context.Context, address string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, address, kind, requested::TEXT, effective::TEXT,
		        collateral_after::TEXT, debt_after::TEXT, oracle_price_after::TEXT,
		        token_balance_after::TEXT, timestamp
		 FROM ledger_entries WHERE address = $1 ORDER BY timestamp`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) DeleteLedgerEntries(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ledger_entries WHERE address = $1`, address)
	return err
}

// pgExecer is satisfied by *pgxpool.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func savePostgresAccount(ctx context.Context, db pgExecer, a *model.Account) error {
	_, err := db.Exec(ctx,
		`INSERT INTO accounts (address, collateral, debt, oracle_price, token_balance, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (address) DO UPDATE
		 SET collateral = EXCLUDED.collateral,
		     debt = EXCLUDED.debt,
		     oracle_price = EXCLUDED.oracle_price,
		     token_balance = EXCLUDED.token_balance,
		     updated_at = EXCLUDED.updated_at`,
		a.Address,
		a.Position.Collateral.String(), a.Position.Debt.String(),
		a.Position.OraclePrice.String(), a.TokenBalance.String(),
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.Address, err)
	}
	return nil
}

func insertPostgresLedgerEntry(ctx context.Context, db pgExecer, e *model.LedgerEntry) error {
	_, err := db.Exec(ctx,
		`INSERT INTO ledger_entries (id, address, kind, requested, effective,
		        collateral_after, debt_after, oracle_price_after, token_balance_after, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		e.ID, e.Address, string(e.Kind),
		e.Requested.String(), e.Effective.String(),
		e.CollateralAfter.String(), e.DebtAfter.String(),
		e.OraclePriceAfter.String(), e.TokenBalanceAfter.String(),
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// ledgerRows is the subset of pgx.Rows and *sql.Rows that scanLedgerEntries
// needs, so both SQL backends share one decoder.
type ledgerRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows ledgerRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		var fields [6]string

		if err := rows.Scan(&e.ID, &e.Address, &kind,
			&fields[0], &fields[1], &fields[2], &fields[3], &fields[4], &fields[5],
			&e.Timestamp); err != nil {
			return nil, err
		}

		values, err := parseDecimals(fields[:]...)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", e.ID, err)
		}
		e.Kind = model.OperationKind(kind)
		e.Requested = values[0]
		e.Effective = values[1]
		e.CollateralAfter = values[2]
		e.DebtAfter = values[3]
		e.OraclePriceAfter = values[4]
		e.TokenBalanceAfter = values[5]

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func parseAccountDecimals(a *model.Account, collateral, debt, price, balance string) error {
	values, err := parseDecimals(collateral, debt, price, balance)
	if err != nil {
		return err
	}
	a.Position.Collateral = values[0]
	a.Position.Debt = values[1]
	a.Position.OraclePrice = values[2]
	a.TokenBalance = values[3]
	return nil
}

func parseDecimals(raw ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}
