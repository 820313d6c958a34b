package orgs

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/classbook/pkg/audit"
	"github.com/platinummonkey/classbook/pkg/observability"
)

// AutoDeactivateWindow is the trailing window inspected by CheckAutoDeactivateConditions
const AutoDeactivateWindow = 30 * 24 * time.Hour

// StatusManager applies payment events to organisations and records the resulting
// lifecycle transitions.
type StatusManager struct {
	store   Store
	audit   audit.Logger
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewStatusManager creates a status manager. A nil audit logger drops entries.
func NewStatusManager(store Store, auditLogger audit.Logger, logger *observability.Logger) *StatusManager {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &StatusManager{
		store:  store,
		audit:  auditLogger,
		logger: logger.WithField("component", "org_status_manager"),
		now:    time.Now,
	}
}

// WithMetrics enables Prometheus counters for events and transitions
func (m *StatusManager) WithMetrics(metrics *observability.Metrics) *StatusManager {
	m.metrics = metrics
	return m
}

// WithClock overrides the time source
func (m *StatusManager) WithClock(now func() time.Time) *StatusManager {
	m.now = now
	return m
}

// HandlePaymentFailure applies a failure event under the organisation's row lock
func (m *StatusManager) HandlePaymentFailure(ctx context.Context, ev PaymentFailureEvent) (*Outcome, error) {
	var t Transition
	now := m.now()

	org, err := m.store.UpdateLocked(ctx, ev.OrgID, func(org *Organization) error {
		t = ApplyPaymentFailure(org, ev, now)
		return org.Validate()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply payment failure: %w", err)
	}

	m.countEvent("failure")
	m.recordAttempt(ctx, &PaymentAttempt{
		OrgID:      ev.OrgID,
		Succeeded:  false,
		AmountP:    ev.AmountP,
		Reason:     ev.Reason,
		OccurredAt: eventTime(ev.OccurredAt, now),
	})

	outcome := &Outcome{Organization: org, Transition: t}
	if t.StatusChanged() {
		outcome.Staff = m.writeAudit(ctx, org, t, audit.ActorSystem, map[string]interface{}{
			"event":       "payment_failure",
			"reason":      ev.Reason,
			"amount_p":    ev.AmountP,
			"occurred_at": ev.OccurredAt,
		})
	}

	m.logger.WithFields(map[string]interface{}{
		"org_id":        org.ID,
		"failure_count": org.PaymentFailureCount,
		"status":        string(org.Status),
	}).Info("payment failure applied")

	return outcome, nil
}

// HandlePaymentSuccess resets the failure counter under the organisation's row lock
func (m *StatusManager) HandlePaymentSuccess(ctx context.Context, ev PaymentSuccessEvent) (*Outcome, error) {
	var t Transition
	now := m.now()

	org, err := m.store.UpdateLocked(ctx, ev.OrgID, func(org *Organization) error {
		t = ApplyPaymentSuccess(org, ev, now)
		return org.Validate()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply payment success: %w", err)
	}

	m.countEvent("success")
	m.recordAttempt(ctx, &PaymentAttempt{
		OrgID:      ev.OrgID,
		Succeeded:  true,
		AmountP:    ev.AmountP,
		OccurredAt: eventTime(ev.OccurredAt, now),
	})

	m.logger.WithField("org_id", org.ID).Debug("payment success applied")

	return &Outcome{Organization: org, Transition: t}, nil
}

// Reactivate returns a paused or deactivated organisation to ACTIVE.
// The failure counter is kept; only a successful payment clears it.
func (m *StatusManager) Reactivate(ctx context.Context, orgID int64, actor string) (*Outcome, error) {
	var t Transition

	org, err := m.store.UpdateLocked(ctx, orgID, func(org *Organization) error {
		var err error
		t, err = ApplyReactivation(org, actor)
		if err != nil {
			return err
		}
		return org.Validate()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reactivate organization: %w", err)
	}

	outcome := &Outcome{Organization: org, Transition: t}
	outcome.Staff = m.writeAudit(ctx, org, t, actor, map[string]interface{}{
		"event":       "reactivation",
		"previous":    string(t.From),
		"reactivated": m.now(),
	})

	m.logger.WithFields(map[string]interface{}{
		"org_id": org.ID,
		"actor":  actor,
		"from":   string(t.From),
	}).Info("organization reactivated")

	return outcome, nil
}

// CheckAutoDeactivateConditions reports whether the organisation has had three or more
// failed payments in the trailing 30 days. It reads history only and changes nothing.
func (m *StatusManager) CheckAutoDeactivateConditions(ctx context.Context, orgID int64) (AutoDeactivateCheck, error) {
	org, err := m.store.GetOrganization(ctx, orgID)
	if err != nil {
		return AutoDeactivateCheck{}, err
	}

	if !org.AutoSuspendEnabled {
		return AutoDeactivateCheck{Reason: "auto-suspend is disabled for this organization"}, nil
	}

	since := m.now().Add(-AutoDeactivateWindow)
	count, err := m.store.CountFailedPayments(ctx, orgID, since)
	if err != nil {
		return AutoDeactivateCheck{}, fmt.Errorf("failed to count failed payments: %w", err)
	}

	check := AutoDeactivateCheck{FailureCount: count}
	if count >= DeactivateThreshold {
		check.ShouldDeactivate = true
		check.Reason = fmt.Sprintf("%d failed payments in the last 30 days", count)
	} else {
		check.Reason = fmt.Sprintf("%d failed payments in the last 30 days (threshold %d)", count, DeactivateThreshold)
	}
	return check, nil
}

// RecordPaymentAttempt stores a payment attempt for the trailing-window history
func (m *StatusManager) RecordPaymentAttempt(ctx context.Context, attempt *PaymentAttempt) error {
	if attempt.OccurredAt.IsZero() {
		attempt.OccurredAt = m.now()
	}
	if err := m.store.RecordPaymentAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to record payment attempt: %w", err)
	}
	return nil
}

func (m *StatusManager) recordAttempt(ctx context.Context, attempt *PaymentAttempt) {
	if err := m.RecordPaymentAttempt(ctx, attempt); err != nil {
		m.logger.WithError(err).WithField("org_id", attempt.OrgID).Warn("payment attempt not recorded")
	}
}

// writeAudit records a status transition. Failures are logged and never returned.
func (m *StatusManager) writeAudit(ctx context.Context, org *Organization, t Transition, actor string, metadata map[string]interface{}) []StaffMember {
	if m.metrics != nil {
		m.metrics.OrgTransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	}

	staff, err := m.store.ListStaff(ctx, org.ID)
	if err != nil {
		m.logger.WithError(err).WithField("org_id", org.ID).Warn("failed to list staff for audit entry")
	}

	entry := &audit.Entry{
		Timestamp:        m.now(),
		EventType:        t.AuditEvent,
		OrganizationID:   org.ID,
		OrganizationName: org.Name,
		Actor:            actor,
		Reason:           t.Reason,
		FailureCount:     t.FailureCount,
		Staff:            staff,
		Metadata:         metadata,
	}
	if err := m.audit.Log(ctx, entry); err != nil {
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"org_id":     org.ID,
			"event_type": string(t.AuditEvent),
		}).Error("failed to write audit entry")
	}

	return staff
}

func (m *StatusManager) countEvent(kind string) {
	if m.metrics != nil {
		m.metrics.PaymentEventsTotal.WithLabelValues(kind).Inc()
	}
}

func eventTime(occurred, fallback time.Time) time.Time {
	if occurred.IsZero() {
		return fallback
	}
	return occurred
}
