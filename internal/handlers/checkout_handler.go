package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tradeslead/backend/internal/checkout"
	"github.com/tradeslead/backend/internal/models"
	"github.com/tradeslead/backend/internal/pricing"
)

// SignatureHeader carries the gateway's hex MAC of the request body.
const SignatureHeader = "X-Signature"

// CheckoutHandler serves checkout sessions, gateway callbacks and the public catalog.
type CheckoutHandler struct {
	Checkout *checkout.Manager
	Pricing  *pricing.Registry
	Logger   *slog.Logger
}

type sessionResponse struct {
	*models.CheckoutSession
	Token string `json:"token,omitempty"`
}

// --- POST /api/v1/checkout/sessions ---

type createSessionRequest struct {
	PackageID string `json:"package_id"`
}

func (h *CheckoutHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	pkgID, err := uuid.Parse(req.PackageID)
	if err != nil {
		writeError(w, logger(h.Logger), pricing.Invalid("package_id", "must be a UUID"))
		return
	}
	s, token, err := h.Checkout.CreateSession(r.Context(), id, pkgID)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{CheckoutSession: s, Token: token})
}

// --- GET /api/v1/checkout/sessions/{id} ---

// GetSession is the polling endpoint. A professional may only read their own sessions.
func (h *CheckoutHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	acc, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.Checkout.GetStatus(r.Context(), id)
	if err == nil && s.AccountID != acc {
		err = checkout.ErrUnknownSession
	}
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- POST /api/v1/checkout/sessions/{id}/pending ---

// MarkPending is called by the gateway; the signature covers the session id.
func (h *CheckoutHandler) MarkPending(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.Checkout.MarkPendingSigned(r.Context(), id, r.Header.Get(SignatureHeader))
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- POST /api/v1/checkout/webhook ---

func (h *CheckoutHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}
	s, err := h.Checkout.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- GET /api/v1/checkout/return?token= ---

func (h *CheckoutHandler) Return(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "token is required"})
		return
	}
	s, err := h.Checkout.StatusByToken(r.Context(), token)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": s.ID, "status": s.Status})
}

// --- GET /api/v1/packages ---

func (h *CheckoutHandler) ListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pricing.ListPackages(true))
}
