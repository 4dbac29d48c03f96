package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/budget"
	"github.com/tradeslead/backend/internal/checkout"
	"github.com/tradeslead/backend/internal/ledger"
	"github.com/tradeslead/backend/internal/middleware"
	"github.com/tradeslead/backend/internal/pricing"
)

const maxBody = 1 << 20

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// duplicateResponse wraps the record an idempotent retry resolved to.
type duplicateResponse struct {
	Duplicate bool `json:"duplicate"`
	Result    any  `json:"result"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult writes v, marking it as a duplicate when err says the reference was already used.
func writeResult(w http.ResponseWriter, log *slog.Logger, status int, v any, err error) {
	if errors.Is(err, ledger.ErrDuplicateReference) {
		writeJSON(w, http.StatusOK, duplicateResponse{Duplicate: true, Result: v})
		return
	}
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, status, v)
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognised is a 500 and logged.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var verr *pricing.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, budget.ErrInsufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient funds"})
	case errors.Is(err, ledger.ErrUnknownAccount):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown account"})
	case errors.Is(err, ledger.ErrUnknownTransaction):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown transaction"})
	case errors.Is(err, pricing.ErrUnknownPackage):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown package"})
	case errors.Is(err, checkout.ErrUnknownSession):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown session"})
	case errors.Is(err, pricing.ErrPackageInactive):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "package inactive"})
	case errors.Is(err, checkout.ErrSessionExpired):
		writeJSON(w, http.StatusGone, errorResponse{Error: "session expired"})
	case errors.Is(err, budget.ErrCardPaymentPending):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "card payment pending"})
	case errors.Is(err, checkout.ErrSessionTerminal):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "session already resolved"})
	case errors.Is(err, ledger.ErrAccountExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "account already exists"})
	case errors.Is(err, checkout.ErrBadSignature):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "bad signature"})
	default:
		log.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// caller returns the authenticated subject. The auth middleware guarantees it on every
// protected route.
func caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok || id.Subject == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return id.Subject, true
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
