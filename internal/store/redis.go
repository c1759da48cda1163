package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and then refresh or
// invalidate the cache; reads check Redis first then fall back to the
// primary.
//
// Every write bumps a per-address generation key. A read that missed the
// cache only fills it if the generation is unchanged since before it read
// the primary, so a slow reader can never overwrite a newer entry.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the wrapped store.
func (s *CachedStore) Primary() Store {
	return s.primary
}

// --- Write-through (write to primary, then update cache) ---

func (s *CachedStore) SaveAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.SaveAccount(ctx, a); err != nil {
		return err
	}
	s.written(ctx, a.Address, func(pipe redis.Pipeliner) {
		s.setAccount(ctx, pipe, a)
	})
	return nil
}

func (s *CachedStore) DeleteAccount(ctx context.Context, address string) error {
	if err := s.primary.DeleteAccount(ctx, address); err != nil {
		return err
	}
	s.written(ctx, address, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, accountKey(address))
	})
	return nil
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	s.written(ctx, entry.Address, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, historyKey(entry.Address))
	})
	return nil
}

func (s *CachedStore) DeleteLedgerEntries(ctx context.Context, address string) error {
	if err := s.primary.DeleteLedgerEntries(ctx, address); err != nil {
		return err
	}
	s.written(ctx, address, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, historyKey(address))
	})
	return nil
}

func (s *CachedStore) RecordOperation(ctx context.Context, a *model.Account, entry *model.LedgerEntry) error {
	if err := s.primary.RecordOperation(ctx, a, entry); err != nil {
		return err
	}
	s.written(ctx, a.Address, func(pipe redis.Pipeliner) {
		s.setAccount(ctx, pipe, a)
		pipe.Del(ctx, historyKey(a.Address))
	})
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, address string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(address)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	var a *model.Account
	err = s.fill(ctx, address, accountKey(address), func() (interface{}, error) {
		var err error
		a, err = s.primary.GetAccount(ctx, address)
		return a, err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *CachedStore) GetLedgerEntriesByAddress(ctx context.Context, address string) ([]model.LedgerEntry, error) {
	data, err := s.rdb.Get(ctx, historyKey(address)).Bytes()
	if err == nil {
		var entries []model.LedgerEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	var entries []model.LedgerEntry
	err = s.fill(ctx, address, historyKey(address), func() (interface{}, error) {
		var err error
		entries, err = s.primary.GetLedgerEntriesByAddress(ctx, address)
		return entries, err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

// --- Cache helpers ---

// fill runs load against the primary and caches its result under key,
// unless a write to address bumps the generation in between. Cache errors
// never fail the read; if Redis is unreachable load runs uncached.
func (s *CachedStore) fill(ctx context.Context, address, key string, load func() (interface{}, error)) error {
	loaded := false
	var loadErr error

	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		loaded = true
		var v interface{}
		v, loadErr = load()
		if loadErr != nil {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		// Fails with redis.TxFailedErr when a write raced this read.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, generationKey(address))

	if !loaded {
		_, loadErr = load()
	}
	return loadErr
}

// written bumps the generation of address and applies update in the same
// MULTI block.
func (s *CachedStore) written(ctx context.Context, address string, update func(pipe redis.Pipeliner)) {
	_, _ = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(address))
		update(pipe)
		return nil
	})
}

func (s *CachedStore) setAccount(ctx context.Context, pipe redis.Pipeliner, a *model.Account) {
	data, err := json.Marshal(a)
	if err != nil {
		pipe.Del(ctx, accountKey(a.Address))
		return
	}
	pipe.Set(ctx, accountKey(a.Address), data, s.ttl)
}

func accountKey(address string) string    { return fmt.Sprintf("account:%s", address) }
func historyKey(address string) string    { return fmt.Sprintf("history:%s", address) }
func generationKey(address string) string { return fmt.Sprintf("generation:%s", address) }
