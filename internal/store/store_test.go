package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/model"
)

const (
	alice = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	bob   = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newAccount(address string) *model.Account {
	return &model.Account{
		Address: address,
		Position: model.Position{
			Collateral:  d("5"),
			Debt:        d("3000"),
			OraclePrice: d("2000"),
		},
		TokenBalance: d("4000"),
		UpdatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}
}

func newEntry(id, address string, kind model.OperationKind, at time.Time) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:                id,
		Address:           address,
		Kind:              kind,
		Requested:         d("1.5"),
		Effective:         d("1.5"),
		CollateralAfter:   d("6.5"),
		DebtAfter:         d("3000"),
		OraclePriceAfter:  d("2000"),
		TokenBalanceAfter: d("4000"),
		Timestamp:         at,
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestAccountRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetAccount(ctx, alice)
			assert.True(t, errors.Is(err, ErrNotFound))

			want := newAccount(alice)
			require.NoError(t, s.SaveAccount(ctx, want))

			got, err := s.GetAccount(ctx, alice)
			require.NoError(t, err)
			assert.Equal(t, alice, got.Address)
			assert.True(t, got.Position.Collateral.Equal(d("5")))
			assert.True(t, got.Position.Debt.Equal(d("3000")))
			assert.True(t, got.Position.OraclePrice.Equal(d("2000")))
			assert.True(t, got.TokenBalance.Equal(d("4000")))
			assert.True(t, got.UpdatedAt.Equal(want.UpdatedAt))
		})
	}
}

func TestSaveAccountOverwrites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := newAccount(alice)
			require.NoError(t, s.SaveAccount(ctx, a))

			a.Position.Debt = d("0.000000000000000001")
			require.NoError(t, s.SaveAccount(ctx, a))

			got, err := s.GetAccount(ctx, alice)
			require.NoError(t, err)
			assert.Equal(t, "0.000000000000000001", got.Position.Debt.String())
		})
	}
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := newAccount(alice)
	require.NoError(t, s.SaveAccount(ctx, a))
	a.Position.Collateral = d("100")

	got, err := s.GetAccount(ctx, alice)
	require.NoError(t, err)
	assert.True(t, got.Position.Collateral.Equal(d("5")))

	got.Position.Collateral = d("200")
	again, err := s.GetAccount(ctx, alice)
	require.NoError(t, err)
	assert.True(t, again.Position.Collateral.Equal(d("5")))
}

func TestListAndDeleteAccounts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.SaveAccount(ctx, newAccount(bob)))
			require.NoError(t, s.SaveAccount(ctx, newAccount(alice)))

			accounts, err := s.ListAccounts(ctx)
			require.NoError(t, err)
			require.Len(t, accounts, 2)
			assert.Equal(t, bob, accounts[0].Address)
			assert.Equal(t, alice, accounts[1].Address)

			require.NoError(t, s.DeleteAccount(ctx, alice))
			require.NoError(t, s.DeleteAccount(ctx, alice), "deleting a missing account is not an error")

			_, err = s.GetAccount(ctx, alice)
			assert.True(t, errors.Is(err, ErrNotFound))

			accounts, err = s.ListAccounts(ctx)
			require.NoError(t, err)
			assert.Len(t, accounts, 1)
		})
	}
}

func TestLedgerEntries(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

			require.NoError(t, s.InsertLedgerEntry(ctx, newEntry("e1", alice, model.OpDeposit, base)))
			require.NoError(t, s.InsertLedgerEntry(ctx, newEntry("e2", bob, model.OpDeposit, base)))
			require.NoError(t, s.InsertLedgerEntry(ctx, newEntry("e3", alice, model.OpBorrow, base.Add(time.Second))))

			entries, err := s.GetLedgerEntriesByAddress(ctx, alice)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "e1", entries[0].ID)
			assert.Equal(t, model.OpDeposit, entries[0].Kind)
			assert.Equal(t, "e3", entries[1].ID)
			assert.Equal(t, model.OpBorrow, entries[1].Kind)
			assert.True(t, entries[1].CollateralAfter.Equal(d("6.5")))
			assert.True(t, entries[1].Timestamp.Equal(base.Add(time.Second)))

			require.NoError(t, s.DeleteLedgerEntries(ctx, alice))

			entries, err = s.GetLedgerEntriesByAddress(ctx, alice)
			require.NoError(t, err)
			assert.Empty(t, entries)

			entries, err = s.GetLedgerEntriesByAddress(ctx, bob)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("  ")
	assert.Error(t, err)
}

func TestRecordOperation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

			a := newAccount(alice)
			require.NoError(t, s.RecordOperation(ctx, a, newEntry("e1", alice, model.OpDeposit, at)))

			got, err := s.GetAccount(ctx, alice)
			require.NoError(t, err)
			assert.True(t, got.Position.Debt.Equal(d("3000")))
			entries, err := s.GetLedgerEntriesByAddress(ctx, alice)
			require.NoError(t, err)
			require.Len(t, entries, 1)
		})
	}
}

func TestRecordOperationIsAtomic(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

			require.NoError(t, s.RecordOperation(ctx, newAccount(alice), newEntry("e1", alice, model.OpDeposit, at)))

			// Reusing the entry ID fails the ledger insert; the account
			// change must not survive it.
			changed := newAccount(alice)
			changed.Position.Debt = d("9999")
			err := s.RecordOperation(ctx, changed, newEntry("e1", alice, model.OpBorrow, at.Add(time.Second)))
			require.Error(t, err)

			got, err := s.GetAccount(ctx, alice)
			require.NoError(t, err)
			assert.True(t, got.Position.Debt.Equal(d("3000")), "debt %s", got.Position.Debt)
			entries, err := s.GetLedgerEntriesByAddress(ctx, alice)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestMemoryStoreRejectsDuplicateEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertLedgerEntry(ctx, newEntry("e1", alice, model.OpDeposit, at)))
	assert.ErrorIs(t, s.InsertLedgerEntry(ctx, newEntry("e1", alice, model.OpDeposit, at)), ErrDuplicateEntry)
}

func TestAuthoritative(t *testing.T) {
	mem := NewMemoryStore()
	assert.Same(t, mem, Authoritative(mem))
	assert.Same(t, mem, Authoritative(NewCachedStore(mem, nil, time.Minute)))
}
