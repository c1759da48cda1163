package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/lending-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, address string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[address]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.Address] = &copy
	return nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accounts, address)
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Address < accounts[j].Address
	})
	return accounts, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasEntry(entry.ID) {
		return ErrDuplicateEntry
	}
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) RecordOperation(_ context.Context, a *model.Account, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasEntry(entry.ID) {
		return ErrDuplicateEntry
	}
	copy := *a
	s.accounts[a.Address] = &copy
	s.ledger = append(s.ledger, *entry)
	return nil
}

// hasEntry must be called with mu held.
func (s *MemoryStore) hasEntry(id string) bool {
	for _, e := range s.ledger {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetLedgerEntriesByAddress(_ context.Context, address string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Address == address {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) DeleteLedgerEntries(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.ledger[:0]
	for _, e := range s.ledger {
		if e.Address != address {
			kept = append(kept, e)
		}
	}
	s.ledger = kept
	return nil
}
