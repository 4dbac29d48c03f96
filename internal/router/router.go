package router

import (
	"log/slog"
	"net/http"

	"github.com/tradeslead/backend/internal/auth"
	"github.com/tradeslead/backend/internal/handlers"
	"github.com/tradeslead/backend/internal/middleware"
)

// Handlers groups the route targets.
type Handlers struct {
	Account  *handlers.AccountHandler
	Checkout *handlers.CheckoutHandler
	Admin    *handlers.AdminHandler
}

// New returns an http.Handler that serves the API under /api/v1.
// Pro routes need a pro token; admin routes an admin token. Gateway callbacks are
// authenticated by their signature and the return flow by its token.
func New(h Handlers, tokens middleware.TokenValidator, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	const base = "/api/v1"

	pro := middleware.BearerAuth(tokens, log, auth.RolePro)
	admin := middleware.BearerAuth(tokens, log, auth.RoleAdmin)
	p := func(fn http.HandlerFunc) http.Handler { return pro(fn) }
	a := func(fn http.HandlerFunc) http.Handler { return admin(fn) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Professional
	mux.Handle("POST "+base+"/quotes", p(h.Account.SubmitQuote))
	mux.Handle("GET "+base+"/account", p(h.Account.GetAccount))
	mux.Handle("GET "+base+"/account/transactions", p(h.Account.ListTransactions))
	mux.Handle("PUT "+base+"/account/weekly-budget", p(h.Account.SetWeeklyBudget))
	mux.Handle("POST "+base+"/background-checks", p(h.Account.ChargeBackgroundCheck))
	mux.Handle("POST "+base+"/checkout/sessions", p(h.Checkout.CreateSession))
	mux.Handle("GET "+base+"/checkout/sessions/{id}", p(h.Checkout.GetSession))

	// Gateway and public
	mux.HandleFunc("POST "+base+"/checkout/sessions/{id}/pending", h.Checkout.MarkPending)
	mux.HandleFunc("POST "+base+"/checkout/webhook", h.Checkout.Webhook)
	mux.HandleFunc("GET "+base+"/checkout/return", h.Checkout.Return)
	mux.HandleFunc("GET "+base+"/packages", h.Checkout.ListPackages)

	// Admin
	mux.Handle("GET "+base+"/admin/settings", a(h.Admin.GetSettings))
	mux.Handle("PUT "+base+"/admin/settings", a(h.Admin.UpdateSettings))
	mux.Handle("GET "+base+"/admin/packages", a(h.Admin.ListPackages))
	mux.Handle("POST "+base+"/admin/packages", a(h.Admin.CreatePackage))
	mux.Handle("PUT "+base+"/admin/packages/{id}", a(h.Admin.UpdatePackage))
	mux.Handle("POST "+base+"/admin/packages/{id}/deactivate", a(h.Admin.DeactivatePackage))
	mux.Handle("POST "+base+"/admin/accounts", a(h.Admin.OpenAccount))
	mux.Handle("GET "+base+"/admin/accounts/{id}/transactions", a(h.Admin.AccountTransactions))
	mux.Handle("GET "+base+"/admin/accounts/{id}/reconcile", a(h.Admin.Reconcile))
	mux.Handle("POST "+base+"/admin/accounts/{id}/repair", a(h.Admin.RepairBalance))
	mux.Handle("POST "+base+"/admin/refunds", a(h.Admin.Refund))
	mux.Handle("POST "+base+"/admin/adjustments", a(h.Admin.Adjust))
	mux.Handle("GET "+base+"/admin/analytics", a(h.Admin.Analytics))

	return mux
}
