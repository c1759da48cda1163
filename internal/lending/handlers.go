package lending

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/risk"
	"github.com/atmx/lending-engine/internal/wallet"
)

// --- Request types ---

// AmountRequest is the JSON body for the four position operations.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PreviewRequest is the JSON body for POST .../preview.
type PreviewRequest struct {
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// PriceRequest is the JSON body for PUT .../price. Price is in feed units
// (USD × 10^8); PriceUSD, when set, takes a human-readable price instead.
type PriceRequest struct {
	Price    int64  `json:"price"`
	PriceUSD string `json:"price_usd,omitempty"`
}

// Routes registers the account and pool handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/pool", s.GetPool)
	r.Route("/accounts/{address}", func(r chi.Router) {
		r.Get("/", s.GetAccount)
		r.Delete("/", s.ResetAccount)
		r.Post("/deposit", s.operationHandler(model.OpDeposit))
		r.Post("/withdraw", s.operationHandler(model.OpWithdraw))
		r.Post("/borrow", s.operationHandler(model.OpBorrow))
		r.Post("/repay", s.operationHandler(model.OpRepay))
		r.Post("/preview", s.PreviewOperation)
		r.Put("/price", s.SetPrice)
		r.Get("/history", s.GetHistory)
	})
}

// --- HTTP Handlers ---

// GetAccount handles GET /api/v1/accounts/{address}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	view, err := s.Account(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// operationHandler handles POST /api/v1/accounts/{address}/{kind}
func (s *Service) operationHandler(kind model.OperationKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AmountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		res, err := s.execute(r.Context(), chi.URLParam(r, "address"), kind, req.Amount)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// PreviewOperation handles POST /api/v1/accounts/{address}/preview
// Always 200 for well-formed requests; the body says whether the operation
// would be accepted.
func (s *Service) PreviewOperation(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	kind, ok := model.ParseOperationKind(req.Kind)
	if !ok {
		writeError(w, "kind must be one of deposit, withdraw, borrow, repay", http.StatusBadRequest)
		return
	}

	pv, err := s.Preview(r.Context(), chi.URLParam(r, "address"), kind, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

// SetPrice handles PUT /api/v1/accounts/{address}/price
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	scaled := req.Price
	if req.PriceUSD != "" {
		usd, err := oracle.ParseUSD(req.PriceUSD)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if scaled, err = oracle.ToScaled(usd); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	view, err := s.SetOraclePrice(r.Context(), chi.URLParam(r, "address"), scaled)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetHistory handles GET /api/v1/accounts/{address}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.History(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ResetAccount handles DELETE /api/v1/accounts/{address}
func (s *Service) ResetAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.Reset(r.Context(), chi.URLParam(r, "address")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPool handles GET /api/v1/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	ps, err := s.PoolStats(r.Context())
	if err != nil {
		writeError(w, "failed to compute pool stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// writeServiceError maps a service error onto an HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	if reason, ok := risk.ReasonOf(err); ok {
		status := http.StatusUnprocessableEntity
		if reason == risk.ReasonInvalidAmount {
			status = http.StatusBadRequest
		}
		writeRejection(w, reason, status)
		return
	}

	switch {
	case errors.Is(err, wallet.ErrInvalidAddress),
		errors.Is(err, oracle.ErrNonPositivePrice),
		errors.Is(err, oracle.ErrPricePrecision),
		errors.Is(err, oracle.ErrPriceOverflow),
		errors.Is(err, risk.ErrUnknownOperation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case risk.IsConfigError(err):
		writeError(w, "invalid position configuration: "+err.Error(), http.StatusInternalServerError)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeRejection writes a JSON error response carrying the reason code.
func writeRejection(w http.ResponseWriter, reason risk.Reason, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  reason.Message(),
		"reason": string(reason),
	})
}
