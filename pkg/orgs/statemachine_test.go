package orgs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/classbook/pkg/audit"
)

var testNow = time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)

func activeOrg() *Organization {
	return &Organization{ID: 1, Name: "Riverside Academy", Status: OrgStatusActive}
}

func TestApplyPaymentFailure_ThreeConsecutive(t *testing.T) {
	org := activeOrg()
	ev := PaymentFailureEvent{OrgID: 1, Reason: "card_declined"}

	t1 := ApplyPaymentFailure(org, ev, testNow)
	assert.False(t, t1.StatusChanged())
	assert.Equal(t, 1, org.PaymentFailureCount)
	assert.Equal(t, OrgStatusActive, org.Status)
	assert.Empty(t, t1.AuditEvent)

	t2 := ApplyPaymentFailure(org, ev, testNow)
	assert.True(t, t2.StatusChanged())
	assert.Equal(t, OrgStatusPaused, org.Status)
	assert.Equal(t, audit.EventTypeOrgAutoPaused, t2.AuditEvent)
	require.NotNil(t, org.PausedAt)
	assert.Contains(t, org.PausedReason, "2 consecutive payment failures")
	assert.Contains(t, org.PausedReason, "card_declined")
	require.NoError(t, org.Validate())

	// Already paused: the count still increments but nothing else happens
	t3 := ApplyPaymentFailure(org, ev, testNow)
	assert.False(t, t3.StatusChanged())
	assert.Equal(t, 3, org.PaymentFailureCount)
	assert.Equal(t, OrgStatusPaused, org.Status)
	assert.Nil(t, org.DeactivatedAt)
}

func TestApplyPaymentFailure_ActiveWithPriorCountDeactivates(t *testing.T) {
	org := activeOrg()
	org.PaymentFailureCount = 2

	tr := ApplyPaymentFailure(org, PaymentFailureEvent{Reason: "insufficient_funds"}, testNow)

	assert.Equal(t, OrgStatusDeactivated, org.Status)
	assert.Equal(t, audit.EventTypeOrgAutoDeactivated, tr.AuditEvent)
	assert.Equal(t, 3, tr.FailureCount)
	require.NotNil(t, org.DeactivatedAt)
	assert.True(t, org.DeactivatedAt.Equal(testNow))
	assert.Contains(t, org.DeactivatedReason, "3 consecutive")
	require.NoError(t, org.Validate())
}

func TestApplyPaymentFailure_DeactivatedIsFloor(t *testing.T) {
	at := testNow.Add(-time.Hour)
	org := &Organization{
		ID:                  1,
		Status:              OrgStatusDeactivated,
		PaymentFailureCount: 3,
		DeactivatedAt:       &at,
		DeactivatedReason:   "earlier",
	}

	tr := ApplyPaymentFailure(org, PaymentFailureEvent{Reason: "card_declined"}, testNow)

	assert.False(t, tr.StatusChanged())
	assert.Equal(t, 4, org.PaymentFailureCount)
	assert.True(t, org.DeactivatedAt.Equal(at))
	assert.Equal(t, "earlier", org.DeactivatedReason)
}

func TestApplyPaymentSuccess_ResetsWithoutReactivating(t *testing.T) {
	at := testNow.Add(-time.Hour)
	org := &Organization{
		ID:                  1,
		Status:              OrgStatusPaused,
		PaymentFailureCount: 2,
		PausedAt:            &at,
		PausedReason:        "paused",
	}

	tr := ApplyPaymentSuccess(org, PaymentSuccessEvent{OrgID: 1, AmountP: 4500}, testNow)

	assert.False(t, tr.StatusChanged())
	assert.Equal(t, 0, org.PaymentFailureCount)
	assert.Equal(t, OrgStatusPaused, org.Status)
	require.NotNil(t, org.LastPaymentDate)
	assert.True(t, org.LastPaymentDate.Equal(testNow))
}

func TestApplyReactivation(t *testing.T) {
	at := testNow
	org := &Organization{
		ID:                  1,
		Status:              OrgStatusDeactivated,
		PaymentFailureCount: 3,
		DeactivatedAt:       &at,
		DeactivatedReason:   "failures",
	}

	tr, err := ApplyReactivation(org, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, OrgStatusDeactivated, tr.From)
	assert.Equal(t, OrgStatusActive, tr.To)
	assert.Equal(t, audit.EventTypeOrgReactivated, tr.AuditEvent)
	assert.Nil(t, org.DeactivatedAt)
	assert.Empty(t, org.DeactivatedReason)
	assert.Equal(t, 3, org.PaymentFailureCount)

	_, err = ApplyReactivation(org, "admin@example.com")
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestOrganizationValidate(t *testing.T) {
	day := 29
	tests := []struct {
		name    string
		org     Organization
		wantErr bool
	}{
		{"active", Organization{Status: OrgStatusActive}, false},
		{"unknown status", Organization{Status: "SUSPENDED"}, true},
		{"negative count", Organization{Status: OrgStatusActive, PaymentFailureCount: -1}, true},
		{"paused without timestamp", Organization{Status: OrgStatusPaused, PausedReason: "x"}, true},
		{"paused without reason", Organization{Status: OrgStatusPaused, PausedAt: &testNow}, true},
		{"paused complete", Organization{Status: OrgStatusPaused, PausedAt: &testNow, PausedReason: "x"}, false},
		{"deactivated with pause fields only", Organization{Status: OrgStatusDeactivated, PausedAt: &testNow, PausedReason: "x"}, true},
		{"billing day out of range", Organization{Status: OrgStatusActive, BillingDay: &day}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.org.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
