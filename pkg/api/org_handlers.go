package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/classbook/pkg/audit"
	"github.com/platinummonkey/classbook/pkg/billing"
	"github.com/platinummonkey/classbook/pkg/httputil"
	"github.com/platinummonkey/classbook/pkg/middleware"
	"github.com/platinummonkey/classbook/pkg/observability"
	"github.com/platinummonkey/classbook/pkg/orgs"
)

// OrgHandlers serves organisation billing state
type OrgHandlers struct {
	server *Server
}

// NewOrgHandlers creates a new OrgHandlers
func NewOrgHandlers(server *Server) *OrgHandlers {
	return &OrgHandlers{server: server}
}

// RegisterRoutes registers organisation routes
func (h *OrgHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{id}/payments", h.ListPayments).Methods(http.MethodGet)
	router.HandleFunc("/orgs/{id}/billing-health", h.BillingHealth).Methods(http.MethodGet)
	router.Handle("/orgs/{id}/billing-day",
		middleware.OrgContextMiddleware(h.server.cfg.Orgs)(http.HandlerFunc(h.UpdateBillingDay)),
	).Methods(http.MethodPut)
}

// PaymentsResponse lists an organisation's payment records with derived status
type PaymentsResponse struct {
	OrgID      int64                          `json:"org_id"`
	Month      string                         `json:"month"`
	BillingDay int                            `json:"billing_day"`
	DueDate    string                         `json:"due_date"`
	GraceDays  int                            `json:"grace_days"`
	Records    []billing.MonthlyPaymentRecord `json:"records"`
}

// ListPayments returns the month's payment records. Each record's effective status
// is derived from the organisation's billing day; ?status= filters on it.
func (h *OrgHandlers) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	now := h.server.cfg.Now()
	month := httputil.ParseQueryString(r, "month", now.Format("2006-01"))
	if _, err := time.Parse("2006-01", month); err != nil {
		httputil.WriteBadRequest(w, "month must be YYYY-MM")
		return
	}

	var filter billing.PaymentStatus
	if raw := httputil.ParseQueryString(r, "status", ""); raw != "" {
		status, ok := billing.ParsePaymentStatus(strings.ToUpper(raw))
		if !ok {
			httputil.WriteBadRequest(w, "status must be one of PENDING, PAID, LATE, OVERDUE")
			return
		}
		filter = status
	}

	billingDay, err := h.server.billingDay(ctx, orgID)
	if errors.Is(err, orgs.ErrOrgNotFound) {
		httputil.WriteNotFound(w, "organization not found")
		return
	}
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("failed to resolve billing day")
		httputil.WriteInternalError(w)
		return
	}

	records, err := h.server.cfg.Payments.ListPaymentRecords(ctx, orgID, month)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("failed to list payment records")
		httputil.WriteInternalError(w)
		return
	}

	calc := h.server.cfg.Calculator
	records = calc.ReconcileRecords(records, billingDay, now)
	if m := h.server.cfg.Metrics; m != nil {
		for _, rec := range records {
			m.PaymentStatusComputed.WithLabelValues(string(rec.EffectiveStatus)).Inc()
		}
	}
	if filter != "" {
		records = billing.FilterByStatus(records, filter)
	}
	if records == nil {
		records = []billing.MonthlyPaymentRecord{}
	}

	due, _ := calc.DueDate(month, billingDay, now.Location())
	httputil.WriteSuccess(w, PaymentsResponse{
		OrgID:      orgID,
		Month:      month,
		BillingDay: billingDay,
		DueDate:    due.Format("2006-01-02"),
		GraceDays:  calc.GraceDays,
		Records:    records,
	})
}

// UpdateBillingDayRequest accepts the day as a number or numeric string
type UpdateBillingDayRequest struct {
	BillingDay interface{} `json:"billing_day"`
}

// UpdateBillingDay moves the organisation's billing anchor and fee due day together
func (h *OrgHandlers) UpdateBillingDay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		httputil.WriteNotFound(w, "organization not found")
		return
	}

	var req UpdateBillingDayRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	update, ok := billing.PrepareBillingDayUpdate(req.BillingDay)
	if !ok {
		httputil.WriteDetailedError(w, http.StatusBadRequest, "invalid billing day",
			map[string]string{"billing_day": "must be a whole number from 1 to 28"})
		return
	}

	err := h.server.cfg.Orgs.UpdateBillingDay(ctx, org.ID, update.BillingDay, update.FeeDueDay)
	if errors.Is(err, orgs.ErrOrgNotFound) {
		httputil.WriteNotFound(w, "organization not found")
		return
	}
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("failed to update billing day")
		httputil.WriteInternalError(w)
		return
	}
	h.server.forgetBillingDay(org.ID)

	entry := &audit.Entry{
		Timestamp:        h.server.cfg.Now(),
		EventType:        audit.EventTypeBillingDayChanged,
		OrganizationID:   org.ID,
		OrganizationName: org.Name,
		Actor:            actorFromRequest(r),
		FailureCount:     org.PaymentFailureCount,
		Metadata: map[string]interface{}{
			"previous_billing_day": billing.ResolveBillingDay(org),
			"billing_day":          update.BillingDay,
		},
	}
	if err := h.server.cfg.Audit.Log(ctx, entry); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit entry")
	}

	httputil.WriteSuccess(w, update)
}

// BillingHealth reports the trailing 30-day failure predicate
func (h *OrgHandlers) BillingHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	check, err := h.server.cfg.Status.CheckAutoDeactivateConditions(ctx, orgID)
	if errors.Is(err, orgs.ErrOrgNotFound) {
		httputil.WriteNotFound(w, "organization not found")
		return
	}
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("failed to check billing health")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, check)
}

// actorFromRequest names the caller for audit entries. Authentication happens
// upstream and forwards the identity in X-Actor.
func actorFromRequest(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "admin"
}
