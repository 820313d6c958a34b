package orgs

import (
	"fmt"
	"time"

	"github.com/platinummonkey/classbook/pkg/audit"
)

const (
	// PauseThreshold is the consecutive failure count that pauses an active organisation
	PauseThreshold = 2
	// DeactivateThreshold is the consecutive failure count that deactivates an active organisation
	DeactivateThreshold = 3
)

// ApplyPaymentFailure increments the failure counter and, for an ACTIVE organisation,
// pauses or deactivates it once the thresholds are reached. PAUSED and DEACTIVATED
// organisations only accumulate the count.
func ApplyPaymentFailure(org *Organization, ev PaymentFailureEvent, now time.Time) Transition {
	t := Transition{From: org.Status, To: org.Status}

	org.PaymentFailureCount++
	t.FailureCount = org.PaymentFailureCount

	if org.Status != OrgStatusActive {
		return t
	}

	switch {
	case org.PaymentFailureCount >= DeactivateThreshold:
		at := now
		org.Status = OrgStatusDeactivated
		org.DeactivatedAt = &at
		org.DeactivatedReason = failureReason("deactivated", org.PaymentFailureCount, ev.Reason)
		t.To = OrgStatusDeactivated
		t.Reason = org.DeactivatedReason
		t.AuditEvent = audit.EventTypeOrgAutoDeactivated
	case org.PaymentFailureCount >= PauseThreshold:
		at := now
		org.Status = OrgStatusPaused
		org.PausedAt = &at
		org.PausedReason = failureReason("paused", org.PaymentFailureCount, ev.Reason)
		t.To = OrgStatusPaused
		t.Reason = org.PausedReason
		t.AuditEvent = audit.EventTypeOrgAutoPaused
	}

	return t
}

// ApplyPaymentSuccess clears the failure counter and records the payment date.
// Status is left alone; only an administrator reactivates an organisation.
func ApplyPaymentSuccess(org *Organization, ev PaymentSuccessEvent, now time.Time) Transition {
	at := now
	org.PaymentFailureCount = 0
	org.LastPaymentDate = &at
	return Transition{From: org.Status, To: org.Status}
}

// ApplyReactivation returns a paused or deactivated organisation to ACTIVE
func ApplyReactivation(org *Organization, actor string) (Transition, error) {
	if org.Status == OrgStatusActive {
		return Transition{}, ErrAlreadyActive
	}

	t := Transition{
		From:         org.Status,
		To:           OrgStatusActive,
		FailureCount: org.PaymentFailureCount,
		Reason:       fmt.Sprintf("reactivated by %s", actor),
		AuditEvent:   audit.EventTypeOrgReactivated,
	}

	org.Status = OrgStatusActive
	org.PausedAt = nil
	org.PausedReason = ""
	org.DeactivatedAt = nil
	org.DeactivatedReason = ""

	return t, nil
}

func failureReason(action string, count int, trigger string) string {
	if trigger == "" {
		trigger = "unknown"
	}
	return fmt.Sprintf("automatically %s after %d consecutive payment failures (last: %s)", action, count, trigger)
}
