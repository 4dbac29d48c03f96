package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/budget"
	"github.com/tradeslead/backend/internal/middleware"
	"github.com/tradeslead/backend/internal/models"
	"github.com/tradeslead/backend/internal/pricing"
	"github.com/tradeslead/backend/internal/reporting"
)

// AdminHandler serves /api/v1/admin. Every route requires the admin role.
type AdminHandler struct {
	Budget    *budget.Service
	Pricing   *pricing.Registry
	Reporting *reporting.Service
	Logger    *slog.Logger
}

func actor(r *http.Request) string {
	if id, ok := middleware.IdentityFromCtx(r.Context()); ok {
		return id.Subject.String()
	}
	return ""
}

// --- GET /api/v1/admin/settings ---

func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pricing.GetCurrent())
}

// --- PUT /api/v1/admin/settings ---

// UpdateSettings applies the fields present in the body on top of the current settings.
func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	next := h.Pricing.GetCurrent()
	if !decode(w, r, &next) {
		return
	}
	saved, err := h.Pricing.Update(r.Context(), next)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	logger(h.Logger).Info("settings changed by admin", "actor", actor(r))
	writeJSON(w, http.StatusOK, saved)
}

// --- GET /api/v1/admin/packages ---

func (h *AdminHandler) ListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pricing.ListPackages(false))
}

// --- POST /api/v1/admin/packages ---

func (h *AdminHandler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var in pricing.PackageInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.Pricing.CreatePackage(r.Context(), in)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- PUT /api/v1/admin/packages/{id} ---

func (h *AdminHandler) UpdatePackage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in pricing.PackageInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.Pricing.UpdatePackage(r.Context(), id, in)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/admin/packages/{id}/deactivate ---

func (h *AdminHandler) DeactivatePackage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Pricing.DeactivatePackage(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /api/v1/admin/accounts ---

type openAccountRequest struct {
	AccountID    string `json:"account_id"`
	WeeklyBudget int64  `json:"weekly_budget"`
}

func (h *AdminHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !decode(w, r, &req) {
		return
	}
	id := uuid.Nil
	if req.AccountID != "" {
		parsed, err := uuid.Parse(req.AccountID)
		if err != nil {
			writeError(w, logger(h.Logger), pricing.Invalid("account_id", "must be a UUID"))
			return
		}
		id = parsed
	}
	acc, err := h.Budget.OpenAccount(r.Context(), id, req.WeeklyBudget)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// --- GET /api/v1/admin/accounts/{id}/transactions ---

func (h *AdminHandler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
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

// --- POST /api/v1/admin/refunds ---

type refundRequest struct {
	AccountID     uuid.UUID `json:"account_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Reason        string    `json:"reason"`
}

func (h *AdminHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := h.Budget.Refund(r.Context(), req.AccountID, req.TransactionID, req.Reason)
	if err == nil {
		logger(h.Logger).Info("refund requested by admin", "actor", actor(r), "transaction_id", req.TransactionID)
	}
	writeResult(w, logger(h.Logger), http.StatusCreated, txn, err)
}

// --- POST /api/v1/admin/adjustments ---

type adjustmentRequest struct {
	AccountID     uuid.UUID `json:"account_id"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	Reference     string    `json:"reference"`
	AllowNegative bool      `json:"allow_negative"`
}

func (h *AdminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := h.Budget.AdminAdjustment(r.Context(), budget.AdjustmentInput{
		AccountID:     req.AccountID,
		Amount:        req.Amount,
		Reason:        req.Reason,
		Reference:     req.Reference,
		AllowNegative: req.AllowNegative,
		Actor:         actor(r),
	})
	writeResult(w, logger(h.Logger), http.StatusCreated, txn, err)
}

// --- GET /api/v1/admin/analytics?from=&to=&account_id= ---

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func (h *AdminHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verr := &pricing.ValidationError{Fields: map[string]string{}}
	from, err := parseTime(q.Get("from"))
	if err != nil {
		verr.Fields["from"] = "must be RFC 3339 or YYYY-MM-DD"
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		verr.Fields["to"] = "must be RFC 3339 or YYYY-MM-DD"
	}
	f := reporting.Filter{From: from, To: to}
	if raw := q.Get("account_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			verr.Fields["account_id"] = "must be a UUID"
		}
		f.AccountID = &id
	}
	if len(verr.Fields) > 0 {
		writeError(w, logger(h.Logger), verr)
		return
	}
	sum, err := h.Reporting.Summarize(r.Context(), f)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- GET /api/v1/admin/accounts/{id}/reconcile ---

func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.Reporting.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- POST /api/v1/admin/accounts/{id}/repair ---

type repairRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) RepairBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req repairRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, logger(h.Logger), pricing.Invalid("reason", "is required"))
		return
	}
	rec, err := h.Reporting.RepairBalance(r.Context(), id, actor(r), req.Reason)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
