// Package lending provides the business logic and HTTP handlers for
// collateralized lending accounts: depositing and withdrawing collateral,
// borrowing and repaying the stablecoin, and simulating oracle prices.
//
// All monetary values use shopspring/decimal, never float64.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/display"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/risk"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/wallet"
)

// Defaults applied to accounts that have never been written.
var (
	DefaultOraclePrice         = decimal.NewFromInt(2000)
	DefaultInitialTokenBalance = decimal.NewFromInt(1000)
)

// Notifier receives a message after every committed change. WSHub
// implements it.
type Notifier interface {
	Broadcast(msg WSMessage)
}

// Options configures a Service.
type Options struct {
	// DefaultOraclePrice is the collateral price of a fresh account.
	// Zero means DefaultOraclePrice.
	DefaultOraclePrice decimal.Decimal

	// InitialTokenBalance is the spendable stablecoin of a fresh account.
	InitialTokenBalance decimal.Decimal

	// Hub is optional.
	Hub Notifier

	// Latency delays every commit after the decision is made, simulating
	// transaction confirmation time. Zero disables it.
	Latency time.Duration
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		DefaultOraclePrice:  DefaultOraclePrice,
		InitialTokenBalance: DefaultInitialTokenBalance,
	}
}

// Service handles account operations. Mutations on one address are
// serialized with a per-address lock; different addresses proceed in
// parallel. Reads and previews never take the lock and may be served from a
// cache; mutations always load from the authoritative store.
type Service struct {
	store   store.Store
	primary store.Store
	engine  *risk.Engine
	locks   *store.Locker
	opts    Options
	now     func() time.Time
}

// NewService creates a new lending service.
func NewService(st store.Store, engine *risk.Engine, opts Options) *Service {
	if !opts.DefaultOraclePrice.IsPositive() {
		opts.DefaultOraclePrice = DefaultOraclePrice
	}
	if opts.InitialTokenBalance.IsNegative() {
		opts.InitialTokenBalance = decimal.Zero
	}
	return &Service{
		store:   st,
		primary: store.Authoritative(st),
		engine:  engine,
		locks:   store.NewLocker(),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Engine returns the risk engine the service decides with.
func (s *Service) Engine() *risk.Engine {
	return s.engine
}

// --- Response types ---

// AccountView is an account together with its derived figures.
type AccountView struct {
	Address      string          `json:"address"`
	Position     model.Position  `json:"position"`
	TokenBalance decimal.Decimal `json:"token_balance"`
	Stats        risk.Stats      `json:"stats"`
	Status       display.Status  `json:"status"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"` // nil until first write
}

// OperationResult is returned from an accepted operation.
type OperationResult struct {
	EntryID   string              `json:"entry_id"`
	Kind      model.OperationKind `json:"kind"`
	Requested decimal.Decimal     `json:"requested"`
	Effective decimal.Decimal     `json:"effective"`
	Account   AccountView         `json:"account"`
}

// --- Queries ---

// Account returns the current state of address. Unknown addresses get a
// fresh account with default values; nothing is written.
func (s *Service) Account(ctx context.Context, address string) (*AccountView, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}
	acct, persisted, err := s.load(ctx, s.store, addr)
	if err != nil {
		return nil, err
	}
	view := s.view(acct, persisted)
	return &view, nil
}

// Preview evaluates an operation against the current account without
// committing it.
func (s *Service) Preview(ctx context.Context, address string, kind model.OperationKind, amount decimal.Decimal) (*risk.Preview, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}
	acct, _, err := s.load(ctx, s.store, addr)
	if err != nil {
		return nil, err
	}

	op := risk.Operation{Kind: kind, Amount: amount}
	pv, err := s.engine.Preview(acct.Position, op)
	if err != nil {
		return nil, err
	}
	if pv.Accepted && kind == model.OpRepay && amount.GreaterThan(acct.TokenBalance) {
		projected := s.engine.Project(acct.Position, op)
		pv.Accepted = false
		pv.Reason = risk.ReasonInsufficientBalance
		pv.Message = risk.ReasonInsufficientBalance.Message()
		pv.Effective = decimal.Zero
		pv.Position = projected
		pv.HealthFactor = s.engine.HealthFactor(projected)
	}
	return &pv, nil
}

// History returns the ledger of address, oldest first.
func (s *Service) History(ctx context.Context, address string) ([]model.LedgerEntry, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.GetLedgerEntriesByAddress(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", addr, err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// --- Mutations ---

// Deposit adds collateral.
func (s *Service) Deposit(ctx context.Context, address string, amount decimal.Decimal) (*OperationResult, error) {
	return s.execute(ctx, address, model.OpDeposit, amount)
}

// Withdraw removes collateral if the position stays safe.
func (s *Service) Withdraw(ctx context.Context, address string, amount decimal.Decimal) (*OperationResult, error) {
	return s.execute(ctx, address, model.OpWithdraw, amount)
}

// Borrow increases debt and credits the borrowed amount to the token balance.
func (s *Service) Borrow(ctx context.Context, address string, amount decimal.Decimal) (*OperationResult, error) {
	return s.execute(ctx, address, model.OpBorrow, amount)
}

// Repay reduces debt, debiting only the amount actually applied.
func (s *Service) Repay(ctx context.Context, address string, amount decimal.Decimal) (*OperationResult, error) {
	return s.execute(ctx, address, model.OpRepay, amount)
}

// Execute applies any of the four position operations.
func (s *Service) Execute(ctx context.Context, address string, kind model.OperationKind, amount decimal.Decimal) (*OperationResult, error) {
	return s.execute(ctx, address, kind, amount)
}

func (s *Service) execute(ctx context.Context, address string, kind model.OperationKind, amount decimal.Decimal) (*OperationResult, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	unlock := s.locks.Lock(addr)
	defer unlock()
	defer func() {
		metrics.OperationLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	acct, _, err := s.load(ctx, s.primary, addr)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues(string(kind), metrics.OutcomeError).Inc()
		return nil, err
	}

	res, err := s.engine.Apply(acct.Position, risk.Operation{Kind: kind, Amount: amount})
	if err != nil {
		if _, ok := risk.ReasonOf(err); ok {
			return nil, s.reject(addr, kind, amount, err)
		}
		metrics.OperationsTotal.WithLabelValues(string(kind), metrics.OutcomeError).Inc()
		slog.Error("operation failed",
			"address", addr,
			"kind", kind,
			"amount", amount.String(),
			"err", err,
		)
		return nil, fmt.Errorf("%s %s: %w", kind, addr, err)
	}

	// The engine has already rejected invalid amounts and repays without
	// debt; only then is the spendable balance checked.
	if kind == model.OpRepay && amount.GreaterThan(acct.TokenBalance) {
		return nil, s.reject(addr, kind, amount, risk.ErrInsufficientBalance)
	}

	if err := s.wait(ctx); err != nil {
		metrics.OperationsTotal.WithLabelValues(string(kind), metrics.OutcomeError).Inc()
		return nil, err
	}

	acct.Position = res.Position
	switch kind {
	case model.OpBorrow:
		acct.TokenBalance = acct.TokenBalance.Add(res.Effective)
	case model.OpRepay:
		acct.TokenBalance = acct.TokenBalance.Sub(res.Effective)
	}

	entry, err := s.commit(ctx, acct, kind, amount, res.Effective)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues(string(kind), metrics.OutcomeError).Inc()
		return nil, err
	}
	metrics.OperationsTotal.WithLabelValues(string(kind), metrics.OutcomeAccepted).Inc()

	view := s.view(acct, true)

	slog.Info("operation applied",
		"entry_id", entry.ID,
		"address", addr,
		"kind", kind,
		"requested", amount.String(),
		"effective", res.Effective.String(),
		"collateral", acct.Position.Collateral.String(),
		"debt", acct.Position.Debt.String(),
		"health_factor", view.Stats.HealthFactor.String(),
	)

	s.notify(WSMessage{
		Type:    EventPositionUpdated,
		Address: addr,
		Kind:    string(kind),
		Amount:  res.Effective.String(),
	}, view)

	return &OperationResult{
		EntryID:   entry.ID,
		Kind:      kind,
		Requested: amount,
		Effective: res.Effective,
		Account:   view,
	}, nil
}

// SetOraclePrice replaces the simulated collateral price of address. The
// price is given in feed units (USD × 10^8).
func (s *Service) SetOraclePrice(ctx context.Context, address string, scaled int64) (*AccountView, error) {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return nil, err
	}
	price, err := oracle.FromScaled(scaled)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(addr)
	defer unlock()

	acct, _, err := s.load(ctx, s.primary, addr)
	if err != nil {
		return nil, err
	}
	previous := acct.Position.OraclePrice
	acct.Position.OraclePrice = price

	if _, err := s.commit(ctx, acct, model.OpSetPrice, price, price); err != nil {
		return nil, err
	}
	metrics.OraclePriceUpdates.Inc()

	view := s.view(acct, true)

	slog.Info("oracle price updated",
		"address", addr,
		"previous", previous.String(),
		"price", price.String(),
		"health_factor", view.Stats.HealthFactor.String(),
	)

	s.notify(WSMessage{
		Type:    EventPriceUpdated,
		Address: addr,
		Kind:    string(model.OpSetPrice),
		Amount:  price.String(),
	}, view)

	return &view, nil
}

// Reset deletes the account and its history. The next read returns a fresh
// account with default values.
func (s *Service) Reset(ctx context.Context, address string) error {
	addr, err := wallet.Normalize(address)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(addr)
	defer unlock()

	if err := s.store.DeleteLedgerEntries(ctx, addr); err != nil {
		return fmt.Errorf("reset %s: %w", addr, err)
	}
	if err := s.store.DeleteAccount(ctx, addr); err != nil {
		return fmt.Errorf("reset %s: %w", addr, err)
	}

	slog.Info("account reset", "address", addr)

	if s.opts.Hub != nil {
		s.opts.Hub.Broadcast(WSMessage{Type: EventAccountReset, Address: addr})
	}
	return nil
}

// --- Internals ---

// load returns the account for addr from st, or a fresh default one. The
// second result reports whether the account exists in the store.
func (s *Service) load(ctx context.Context, st store.Store, addr string) (*model.Account, bool, error) {
	acct, err := st.GetAccount(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return s.fresh(addr), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load account %s: %w", addr, err)
	}
	return acct, true, nil
}

func (s *Service) fresh(addr string) *model.Account {
	return &model.Account{
		Address: addr,
		Position: model.Position{
			Collateral:  decimal.Zero,
			Debt:        decimal.Zero,
			OraclePrice: s.opts.DefaultOraclePrice,
		},
		TokenBalance: s.opts.InitialTokenBalance,
	}
}

// commit persists acct together with the matching ledger entry.
func (s *Service) commit(ctx context.Context, acct *model.Account, kind model.OperationKind, requested, effective decimal.Decimal) (*model.LedgerEntry, error) {
	now := s.now()
	acct.UpdatedAt = now

	entry := &model.LedgerEntry{
		ID:                uuid.New().String(),
		Address:           acct.Address,
		Kind:              kind,
		Requested:         requested,
		Effective:         effective,
		CollateralAfter:   acct.Position.Collateral,
		DebtAfter:         acct.Position.Debt,
		OraclePriceAfter:  acct.Position.OraclePrice,
		TokenBalanceAfter: acct.TokenBalance,
		Timestamp:         now,
	}
	if err := s.store.RecordOperation(ctx, acct, entry); err != nil {
		return nil, fmt.Errorf("record %s %s: %w", kind, acct.Address, err)
	}
	return entry, nil
}

func (s *Service) reject(addr string, kind model.OperationKind, amount decimal.Decimal, err error) error {
	reason, _ := risk.ReasonOf(err)
	metrics.OperationsTotal.WithLabelValues(string(kind), metrics.OutcomeRejected).Inc()
	metrics.RejectionsTotal.WithLabelValues(string(reason)).Inc()

	slog.Info("operation rejected",
		"address", addr,
		"kind", kind,
		"amount", amount.String(),
		"reason", reason,
	)
	return err
}

// wait applies the configured commit latency.
func (s *Service) wait(ctx context.Context) error {
	if s.opts.Latency <= 0 {
		return nil
	}
	timer := time.NewTimer(s.opts.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) view(acct *model.Account, persisted bool) AccountView {
	stats := s.engine.Stats(acct.Position)
	v := AccountView{
		Address:      acct.Address,
		Position:     acct.Position,
		TokenBalance: acct.TokenBalance,
		Stats:        stats,
		Status:       display.StatusOf(stats.HealthFactor),
	}
	if persisted {
		updated := acct.UpdatedAt
		v.UpdatedAt = &updated
	}
	return v
}

func (s *Service) notify(msg WSMessage, view AccountView) {
	if s.opts.Hub == nil {
		return
	}
	msg.Collateral = view.Position.Collateral.String()
	msg.Debt = view.Position.Debt.String()
	msg.OraclePrice = view.Position.OraclePrice.String()
	msg.TokenBalance = view.TokenBalance.String()
	msg.HealthFactor = view.Stats.HealthFactor.String()
	msg.Status = string(view.Status)
	s.opts.Hub.Broadcast(msg)
}
