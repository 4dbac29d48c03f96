package main

import (
	"log/slog"

	"github.com/tradeslead/backend/internal/budget"
	"github.com/tradeslead/backend/internal/checkout"
	"github.com/tradeslead/backend/internal/handlers"
	"github.com/tradeslead/backend/internal/pricing"
	"github.com/tradeslead/backend/internal/reporting"
	"github.com/tradeslead/backend/internal/router"
)

// newHandlers builds the HTTP handlers over the wired services.
func newHandlers(
	budgetSvc *budget.Service,
	checkoutMgr *checkout.Manager,
	registry *pricing.Registry,
	reportingSvc *reporting.Service,
	logger *slog.Logger,
) router.Handlers {
	return router.Handlers{
		Account: &handlers.AccountHandler{Budget: budgetSvc, Logger: logger},
		Checkout: &handlers.CheckoutHandler{
			Checkout: checkoutMgr,
			Pricing:  registry,
			Logger:   logger,
		},
		Admin: &handlers.AdminHandler{
			Budget:    budgetSvc,
			Pricing:   registry,
			Reporting: reportingSvc,
			Logger:    logger,
		},
	}
}
