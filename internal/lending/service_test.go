package lending_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/display"
	"github.com/atmx/lending-engine/internal/lending"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/risk"
	"github.com/atmx/lending-engine/internal/store"
)

const (
	alice = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	bob   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// recorder is a Notifier that keeps every broadcast.
type recorder struct {
	mu   sync.Mutex
	msgs []lending.WSMessage
}

func (r *recorder) Broadcast(msg lending.WSMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) messages() []lending.WSMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lending.WSMessage(nil), r.msgs...)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*lending.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	svc, ms, r, _ := newTestEnvWithHub(t, lending.DefaultOptions())
	return svc, ms, r
}

func newTestEnvWithHub(t *testing.T, opts lending.Options) (*lending.Service, *store.MemoryStore, chi.Router, *recorder) {
	t.Helper()
	engine, err := risk.NewEngine(risk.DefaultLiquidationThresholdPct)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	hub := &recorder{}
	opts.Hub = hub

	ms := store.NewMemoryStore()
	svc := lending.NewService(ms, engine, opts)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return svc, ms, r, hub
}

func do(t *testing.T, router chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func operate(t *testing.T, router chi.Router, addr string, kind model.OperationKind, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/v1/accounts/"+addr+"/"+string(kind), map[string]string{"amount": amount})
}

func mustOperate(t *testing.T, router chi.Router, addr string, kind model.OperationKind, amount string) lending.OperationResult {
	t.Helper()
	w := operate(t, router, addr, kind, amount)
	if w.Code != http.StatusOK {
		t.Fatalf("%s %s: expected 200, got %d: %s", kind, amount, w.Code, w.Body.String())
	}
	var res lending.OperationResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func expectRejection(t *testing.T, w *httptest.ResponseRecorder, status int, reason risk.Reason) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["reason"] != string(reason) {
		t.Errorf("expected reason %s, got %q", reason, body["reason"])
	}
	if body["error"] != reason.Message() {
		t.Errorf("expected message %q, got %q", reason.Message(), body["error"])
	}
}

// --- Account reads ---

func TestGetAccount_FreshDefaultsNotPersisted(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := do(t, router, http.MethodGet, "/api/v1/accounts/"+alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var view lending.AccountView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Address != "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266" {
		t.Errorf("address should be lower-cased, got %s", view.Address)
	}
	if !view.Position.OraclePrice.Equal(d("2000")) {
		t.Errorf("expected default price 2000, got %s", view.Position.OraclePrice)
	}
	if !view.TokenBalance.Equal(d("1000")) {
		t.Errorf("expected default token balance 1000, got %s", view.TokenBalance)
	}
	if !view.Stats.HealthFactor.IsUnbounded() {
		t.Errorf("debt-free account should have unbounded health factor, got %s", view.Stats.HealthFactor)
	}
	if view.Status != display.StatusHealthy {
		t.Errorf("expected healthy, got %s", view.Status)
	}
	if view.UpdatedAt != nil {
		t.Error("fresh account should not carry updated_at")
	}

	accounts, _ := ms.ListAccounts(context.Background())
	if len(accounts) != 0 {
		t.Errorf("reading must not persist the account, found %d", len(accounts))
	}
}

func TestGetAccount_InvalidAddress(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, http.MethodGet, "/api/v1/accounts/not-a-wallet", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// --- Operations ---

func TestBorrowWithinCapacity(t *testing.T) {
	_, _, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "5")
	res := mustOperate(t, router, alice, model.OpBorrow, "3000")

	if !res.Account.Position.Debt.Equal(d("3000")) {
		t.Errorf("expected debt 3000, got %s", res.Account.Position.Debt)
	}
	if !res.Account.TokenBalance.Equal(d("4000")) {
		t.Errorf("borrow should credit the token balance: got %s", res.Account.TokenBalance)
	}
	hf, ok := res.Account.Stats.HealthFactor.Decimal()
	if !ok || !hf.Round(2).Equal(d("2.67")) {
		t.Errorf("expected health factor ≈ 2.67, got %s", res.Account.Stats.HealthFactor)
	}
	if !res.Account.Stats.AvailableToBorrow.Equal(d("5000")) {
		t.Errorf("expected 5000 available, got %s", res.Account.Stats.AvailableToBorrow)
	}
}

func TestBorrowBeyondCapacity(t *testing.T) {
	_, _, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "5")
	w := operate(t, router, alice, model.OpBorrow, "9000")
	expectRejection(t, w, http.StatusUnprocessableEntity, risk.ReasonInsufficientCollateral)
}

func TestPriceCrash(t *testing.T) {
	_, _, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "5")
	mustOperate(t, router, alice, model.OpBorrow, "1000")

	w := do(t, router, http.MethodPut, "/api/v1/accounts/"+alice+"/price", map[string]int64{"price": 200_00000000})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view lending.AccountView
	json.Unmarshal(w.Body.Bytes(), &view)

	hf, ok := view.Stats.HealthFactor.Decimal()
	if !ok || !hf.Equal(d("0.8")) {
		t.Errorf("expected health factor 0.8, got %s", view.Stats.HealthFactor)
	}
	if view.Status != display.StatusLiquidatable {
		t.Errorf("expected liquidatable, got %s", view.Status)
	}

	expectRejection(t, operate(t, router, alice, model.OpBorrow, "0.01"),
		http.StatusUnprocessableEntity, risk.ReasonInsufficientCollateral)
	expectRejection(t, operate(t, router, alice, model.OpWithdraw, "0.1"),
		http.StatusUnprocessableEntity, risk.ReasonPositionAtRisk)

	res := mustOperate(t, router, alice, model.OpRepay, "1000")
	if !res.Account.Stats.HealthFactor.IsUnbounded() {
		t.Errorf("full repay should leave an unbounded health factor, got %s", res.Account.Stats.HealthFactor)
	}
}

func TestWithdrawAtRisk(t *testing.T) {
	_, _, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "5")
	mustOperate(t, router, alice, model.OpBorrow, "1000")

	expectRejection(t, operate(t, router, alice, model.OpWithdraw, "4.9"),
		http.StatusUnprocessableEntity, risk.ReasonPositionAtRisk)

	res := mustOperate(t, router, alice, model.OpWithdraw, "1")
	if !res.Account.Position.Collateral.Equal(d("4")) {
		t.Errorf("expected collateral 4, got %s", res.Account.Position.Collateral)
	}
}

func TestWithdrawMoreThanCollateral(t *testing.T) {
	_, _, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "1")
	expectRejection(t, operate(t, router, alice, model.OpWithdraw, "2"),
		http.StatusUnprocessableEntity, risk.ReasonInsufficientCollateral)
}

func TestRepayClampDebitsEffectiveOnly(t *testing.T) {
	_, _, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "5")
	mustOperate(t, router, alice, model.OpBorrow, "1000") // balance 2000
	res := mustOperate(t, router, alice, model.OpRepay, "1500")

	if !res.Requested.Equal(d("1500")) {
		t.Errorf("requested should echo 1500, got %s", res.Requested)
	}
	if !res.Effective.Equal(d("1000")) {
		t.Errorf("effective should be clamped to 1000, got %s", res.Effective)
	}
	if !res.Account.Position.Debt.IsZero() {
		t.Errorf("expected zero debt, got %s", res.Account.Position.Debt)
	}
	if !res.Account.TokenBalance.Equal(d("1000")) {
		t.Errorf("only the applied amount should be debited, balance %s", res.Account.TokenBalance)
	}
}

func TestRepayInsufficientBalance(t *testing.T) {
	_, _, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "10")
	mustOperate(t, router, alice, model.OpBorrow, "5000") // balance 6000

	expectRejection(t, operate(t, router, alice, model.OpRepay, "6000.01"),
		http.StatusUnprocessableEntity, risk.ReasonInsufficientBalance)
}

func TestRepayWithoutDebt(t *testing.T) {
	_, _, router := newTestEnv(t)

	expectRejection(t, operate(t, router, alice, model.OpRepay, "10"),
		http.StatusUnprocessableEntity, risk.ReasonNoOutstandingDebt)
}

func TestRepayWithoutDebtAboveBalance(t *testing.T) {
	svc, _, router := newTestEnv(t)

	// Debt 0 and balance 1000: the missing debt is reported, not the balance.
	expectRejection(t, operate(t, router, alice, model.OpRepay, "5000"),
		http.StatusUnprocessableEntity, risk.ReasonNoOutstandingDebt)

	pv, err := svc.Preview(context.Background(), alice, model.OpRepay, d("5000"))
	if err != nil {
		t.Fatal(err)
	}
	if pv.Accepted || pv.Reason != risk.ReasonNoOutstandingDebt {
		t.Errorf("preview should match execution, got %+v", pv)
	}

	expectRejection(t, operate(t, router, alice, model.OpRepay, "0"),
		http.StatusBadRequest, risk.ReasonInvalidAmount)
}

func TestInvalidAmounts(t *testing.T) {
	_, _, router := newTestEnv(t)

	for _, kind := range []model.OperationKind{model.OpDeposit, model.OpWithdraw, model.OpBorrow, model.OpRepay} {
		for _, amount := range []string{"0", "-1"} {
			expectRejection(t, operate(t, router, alice, kind, amount),
				http.StatusBadRequest, risk.ReasonInvalidAmount)
		}
	}

	w := do(t, router, http.MethodPost, "/api/v1/accounts/"+alice+"/deposit", map[string]string{"amount": "lots"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed amount: expected 400, got %d", w.Code)
	}
}

func TestRejectionDoesNotPersist(t *testing.T) {
	_, ms, router := newTestEnv(t)

	operate(t, router, alice, model.OpBorrow, "1")

	accounts, _ := ms.ListAccounts(context.Background())
	if len(accounts) != 0 {
		t.Errorf("rejected operation must not create an account")
	}
}

// --- Oracle price ---

func TestSetPrice_Validation(t *testing.T) {
	_, _, router := newTestEnv(t)

	for _, price := range []int64{0, -100} {
		w := do(t, router, http.MethodPut, "/api/v1/accounts/"+alice+"/price", map[string]int64{"price": price})
		if w.Code != http.StatusBadRequest {
			t.Errorf("price %d: expected 400, got %d", price, w.Code)
		}
	}

	w := do(t, router, http.MethodPut, "/api/v1/accounts/"+alice+"/price", map[string]string{"price_usd": "1.000000001"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("over-precise price: expected 400, got %d", w.Code)
	}
}

func TestSetPrice_HumanReadable(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, http.MethodPut, "/api/v1/accounts/"+alice+"/price", map[string]string{"price_usd": "2500.5"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view lending.AccountView
	json.Unmarshal(w.Body.Bytes(), &view)
	if !view.Position.OraclePrice.Equal(d("2500.5")) {
		t.Errorf("expected price 2500.5, got %s", view.Position.OraclePrice)
	}
}

// --- Preview ---

func TestPreview_DoesNotMutate(t *testing.T) {
	svc, _, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "5")

	w := do(t, router, http.MethodPost, "/api/v1/accounts/"+alice+"/preview",
		map[string]string{"kind": "borrow", "amount": "8000"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pv risk.Preview
	json.Unmarshal(w.Body.Bytes(), &pv)
	if !pv.Accepted {
		t.Fatalf("borrowing exactly the maximum should be accepted: %+v", pv)
	}
	hf, ok := pv.HealthFactor.Decimal()
	if !ok || !hf.Equal(d("1")) {
		t.Errorf("expected projected health factor 1, got %s", pv.HealthFactor)
	}

	view, err := svc.Account(context.Background(), alice)
	if err != nil {
		t.Fatal(err)
	}
	if !view.Position.Debt.IsZero() {
		t.Errorf("preview must not change debt, got %s", view.Position.Debt)
	}
}

func TestPreview_Rejections(t *testing.T) {
	svc, _, router := newTestEnv(t)
	ctx := context.Background()

	mustOperate(t, router, alice, model.OpDeposit, "5")

	pv, err := svc.Preview(ctx, alice, model.OpBorrow, d("8000.000000000000000001"))
	if err != nil {
		t.Fatal(err)
	}
	if pv.Accepted || pv.Reason != risk.ReasonInsufficientCollateral {
		t.Errorf("expected insufficient collateral, got %+v", pv)
	}

	mustOperate(t, router, alice, model.OpBorrow, "10")
	pv, err = svc.Preview(ctx, alice, model.OpRepay, d("5000"))
	if err != nil {
		t.Fatal(err)
	}
	if pv.Accepted || pv.Reason != risk.ReasonInsufficientBalance {
		t.Errorf("expected insufficient balance, got %+v", pv)
	}
}

func TestPreview_UnknownKind(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/v1/accounts/"+alice+"/preview",
		map[string]string{"kind": "liquidate", "amount": "1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- History, reset, pool ---

func TestHistoryAndReset(t *testing.T) {
	_, ms, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "5")
	mustOperate(t, router, alice, model.OpBorrow, "100")
	do(t, router, http.MethodPut, "/api/v1/accounts/"+alice+"/price", map[string]int64{"price": 1800_00000000})
	operate(t, router, alice, model.OpWithdraw, "100") // rejected, not recorded

	w := do(t, router, http.MethodGet, "/api/v1/accounts/"+alice+"/history", nil)
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(entries))
	}
	kinds := []model.OperationKind{model.OpDeposit, model.OpBorrow, model.OpSetPrice}
	for i, k := range kinds {
		if entries[i].Kind != k {
			t.Errorf("entry %d: expected %s, got %s", i, k, entries[i].Kind)
		}
	}
	if !entries[1].TokenBalanceAfter.Equal(d("1100")) {
		t.Errorf("expected balance 1100 after borrow, got %s", entries[1].TokenBalanceAfter)
	}
	if !entries[2].OraclePriceAfter.Equal(d("1800")) {
		t.Errorf("expected price 1800 after update, got %s", entries[2].OraclePriceAfter)
	}

	w = do(t, router, http.MethodDelete, "/api/v1/accounts/"+alice, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	accounts, _ := ms.ListAccounts(context.Background())
	if len(accounts) != 0 {
		t.Errorf("reset should delete the account")
	}
	w = do(t, router, http.MethodGet, "/api/v1/accounts/"+alice+"/history", nil)
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected empty history after reset, got %s", body)
	}
}

func TestPoolStats(t *testing.T) {
	_, _, router := newTestEnv(t)

	mustOperate(t, router, alice, model.OpDeposit, "5")
	mustOperate(t, router, alice, model.OpBorrow, "4000")
	mustOperate(t, router, bob, model.OpDeposit, "5")
	mustOperate(t, router, bob, model.OpBorrow, "1000")
	do(t, router, http.MethodPut, "/api/v1/accounts/"+bob+"/price", map[string]int64{"price": 200_00000000})

	w := do(t, router, http.MethodGet, "/api/v1/pool", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var ps lending.PoolStats
	json.Unmarshal(w.Body.Bytes(), &ps)

	if ps.Accounts != 2 {
		t.Errorf("expected 2 accounts, got %d", ps.Accounts)
	}
	if !ps.TotalDebt.Equal(d("5000")) {
		t.Errorf("expected total debt 5000, got %s", ps.TotalDebt)
	}
	// alice 10000 + bob 1000 collateral value; capacity 8000 + 800.
	if !ps.TotalCollateralValueUSD.Equal(d("11000")) {
		t.Errorf("expected collateral value 11000, got %s", ps.TotalCollateralValueUSD)
	}
	if !ps.UtilizationPct.Equal(d("56.82")) {
		t.Errorf("expected utilization 56.82, got %s", ps.UtilizationPct)
	}
	if ps.AccountsAtRisk != 1 {
		t.Errorf("expected 1 account at risk, got %d", ps.AccountsAtRisk)
	}
}

// --- Concurrency ---

func TestConcurrentBorrowsNeverOverBorrow(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, alice, d("5")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Borrow(ctx, alice, d("1000"))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, risk.ErrInsufficientCollateral) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 8 {
		t.Errorf("expected exactly 8 accepted borrows, got %d", accepted)
	}
	view, _ := svc.Account(ctx, alice)
	if !view.Position.Debt.Equal(d("8000")) {
		t.Errorf("expected debt 8000, got %s", view.Position.Debt)
	}
	if !view.Stats.HealthFactor.Safe() {
		t.Errorf("position must stay safe, health factor %s", view.Stats.HealthFactor)
	}
}

// --- Latency and notifications ---

func TestLatencyHonorsCancellation(t *testing.T) {
	opts := lending.DefaultOptions()
	opts.Latency = time.Minute
	svc, ms, _, _ := newTestEnvWithHub(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Deposit(ctx, alice, d("1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	accounts, _ := ms.ListAccounts(context.Background())
	if len(accounts) != 0 {
		t.Error("cancelled operation must not commit")
	}
}

func TestNotifications(t *testing.T) {
	svc, _, _, hub := newTestEnvWithHub(t, lending.DefaultOptions())
	ctx := context.Background()

	svc.Deposit(ctx, alice, d("2"))
	svc.Borrow(ctx, alice, d("100000")) // rejected, no broadcast
	svc.SetOraclePrice(ctx, alice, 1500_00000000)
	svc.Reset(ctx, alice)

	msgs := hub.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 broadcasts, got %d", len(msgs))
	}
	if msgs[0].Type != lending.EventPositionUpdated || msgs[0].Collateral != "2" {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Type != lending.EventPriceUpdated || msgs[1].OraclePrice != "1500" {
		t.Errorf("unexpected second message %+v", msgs[1])
	}
	if msgs[2].Type != lending.EventAccountReset {
		t.Errorf("unexpected third message %+v", msgs[2])
	}
}
