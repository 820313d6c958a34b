package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/classbook/pkg/billingrun"
	"github.com/platinummonkey/classbook/pkg/httputil"
	"github.com/platinummonkey/classbook/pkg/observability"
	"github.com/platinummonkey/classbook/pkg/orgs"
)

// AdminHandlers serves operator actions
type AdminHandlers struct {
	status   StatusService
	runner   BillingRunner
	location *time.Location
	logger   *observability.Logger
}

// NewAdminHandlers creates a new AdminHandlers. Dates given to the billing run
// are calendar days in location (UTC when nil).
func NewAdminHandlers(status StatusService, runner BillingRunner, location *time.Location, logger *observability.Logger) *AdminHandlers {
	if location == nil {
		location = time.UTC
	}
	return &AdminHandlers{status: status, runner: runner, location: location, logger: logger}
}

// RegisterRoutes registers admin routes on a router already rooted at /admin
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{id}/reactivate", h.Reactivate).Methods(http.MethodPost)
	router.HandleFunc("/billing/run", h.RunBilling).Methods(http.MethodPost)
}

// Reactivate returns a paused or deactivated organisation to ACTIVE
func (h *AdminHandlers) Reactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	outcome, err := h.status.Reactivate(ctx, orgID, actorFromRequest(r))
	switch {
	case errors.Is(err, orgs.ErrOrgNotFound):
		httputil.WriteNotFound(w, "organization not found")
		return
	case errors.Is(err, orgs.ErrAlreadyActive):
		httputil.WriteConflict(w, "organization is already active")
		return
	case err != nil:
		observability.FromContext(ctx).WithError(err).Error("failed to reactivate organization")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, outcome)
}

// RunBilling runs the billing job synchronously. ?date=YYYY-MM-DD runs it as of
// midnight that day in the billing location.
func (h *AdminHandlers) RunBilling(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var err error
	var report billingrun.Report
	if raw := httputil.ParseQueryString(r, "date", ""); raw != "" {
		date, perr := time.ParseInLocation("2006-01-02", raw, h.location)
		if perr != nil {
			httputil.WriteBadRequest(w, "date must be YYYY-MM-DD")
			return
		}
		report, err = h.runner.RunAt(ctx, date)
	} else {
		report, err = h.runner.Run(ctx)
	}
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("billing run failed")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, report)
}
