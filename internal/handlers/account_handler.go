package handlers

import (
	"log/slog"
	"net/http"

	"github.com/tradeslead/backend/internal/budget"
	"github.com/tradeslead/backend/internal/models"
	"github.com/tradeslead/backend/internal/pricing"
)

// AccountHandler serves the professional-facing /api/v1 account routes.
type AccountHandler struct {
	Budget *budget.Service
	Logger *slog.Logger
}

type accountResponse struct {
	*models.Account
	RemainingBudget int64 `json:"remaining_budget"`
}

// --- POST /api/v1/quotes ---

type submitQuoteRequest struct {
	JobReference string `json:"job_reference"`
}

// SubmitQuote charges the lead fee for quoting on a job. Retrying with the same job
// reference returns the original charge.
func (h *AccountHandler) SubmitQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req submitQuoteRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := h.Budget.ChargeLeadFee(r.Context(), id, req.JobReference)
	writeResult(w, logger(h.Logger), http.StatusCreated, txn, err)
}

// --- GET /api/v1/account ---

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	acc, err := h.Budget.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: acc, RemainingBudget: acc.RemainingBudget()})
}

// --- GET /api/v1/account/transactions ---

func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	txns, err := h.Budget.ListTransactions(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	if txns == nil {
		txns = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// --- PUT /api/v1/account/weekly-budget ---

type weeklyBudgetRequest struct {
	WeeklyBudget int64 `json:"weekly_budget"`
}

func (h *AccountHandler) SetWeeklyBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req weeklyBudgetRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.Budget.SetWeeklyBudget(r.Context(), id, req.WeeklyBudget)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: acc, RemainingBudget: acc.RemainingBudget()})
}

// --- POST /api/v1/background-checks ---

type backgroundCheckRequest struct {
	Reference     string `json:"reference"`
	PaymentMethod string `json:"payment_method"`
}

// ChargeBackgroundCheck returns 201 with the ledger entry for credits, or 202 with a
// checkout session for card payment.
func (h *AccountHandler) ChargeBackgroundCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req backgroundCheckRequest
	if !decode(w, r, &req) {
		return
	}
	method, valid := models.ParsePaymentMethod(req.PaymentMethod)
	if !valid {
		writeError(w, logger(h.Logger), pricing.Invalid("payment_method", "must be credits or card"))
		return
	}
	res, err := h.Budget.ChargeBackgroundCheck(r.Context(), id, req.Reference, method)
	status := http.StatusCreated
	if res != nil && res.Session != nil {
		status = http.StatusAccepted
	}
	writeResult(w, logger(h.Logger), status, res, err)
}
