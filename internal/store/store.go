// Package store defines the persistence interface for lending accounts.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// durable storage), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/lending-engine/internal/model"
)

var (
	// ErrNotFound is returned when no account exists for an address.
	ErrNotFound = errors.New("store: account not found")

	// ErrDuplicateEntry is returned when a ledger entry ID is reused.
	ErrDuplicateEntry = errors.New("store: duplicate ledger entry")
)

// Store is the persistence interface. Addresses are expected in the
// normalized form produced by wallet.Normalize.
//
// A Store does not serialize read-modify-write cycles on its own; callers
// mutating an account must hold the address lock from a Locker.
type Store interface {
	// --- Accounts ---

	// GetAccount retrieves an account. Returns ErrNotFound when absent.
	GetAccount(ctx context.Context, address string) (*model.Account, error)

	// SaveAccount inserts or replaces an account.
	SaveAccount(ctx context.Context, account *model.Account) error

	// DeleteAccount removes an account. Deleting a missing account is not
	// an error.
	DeleteAccount(ctx context.Context, address string) error

	// ListAccounts returns all accounts.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an operation record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByAddress returns an address's records, oldest first.
	GetLedgerEntriesByAddress(ctx context.Context, address string) ([]model.LedgerEntry, error)

	// DeleteLedgerEntries removes an address's records when the account is
	// reset.
	DeleteLedgerEntries(ctx context.Context, address string) error

	// RecordOperation saves the account and appends its ledger entry as one
	// unit: either both are stored or neither is.
	RecordOperation(ctx context.Context, account *model.Account, entry *model.LedgerEntry) error
}

// Authoritative returns the store holding committed state: the primary
// behind a cache, or st itself. Read-modify-write cycles load from it.
func Authoritative(st Store) Store {
	if c, ok := st.(interface{ Primary() Store }); ok {
		return c.Primary()
	}
	return st
}
