package orgs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/classbook/pkg/audit"
)

// OrgStatus represents organization lifecycle status
type OrgStatus string

const (
	OrgStatusActive      OrgStatus = "ACTIVE"
	OrgStatusPaused      OrgStatus = "PAUSED"
	OrgStatusDeactivated OrgStatus = "DEACTIVATED"
)

// Valid reports whether s is a known status
func (s OrgStatus) Valid() bool {
	switch s {
	case OrgStatusActive, OrgStatusPaused, OrgStatusDeactivated:
		return true
	}
	return false
}

var (
	// ErrOrgNotFound is returned when an organisation does not exist
	ErrOrgNotFound = errors.New("organization not found")
	// ErrAlreadyActive is returned when reactivating an organisation that is already ACTIVE
	ErrAlreadyActive = errors.New("organization is already active")
)

// Organization is a tenant school
type Organization struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	Status              OrgStatus  `json:"status"`
	PaymentFailureCount int        `json:"payment_failure_count"`
	BillingDay          *int       `json:"billing_day,omitempty"`
	FeeDueDay           int        `json:"fee_due_day"`
	LastPaymentDate     *time.Time `json:"last_payment_date,omitempty"`
	PausedAt            *time.Time `json:"paused_at,omitempty"`
	PausedReason        string     `json:"paused_reason,omitempty"`
	DeactivatedAt       *time.Time `json:"deactivated_at,omitempty"`
	DeactivatedReason   string     `json:"deactivated_reason,omitempty"`
	AutoSuspendEnabled  bool       `json:"auto_suspend_enabled"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Validate checks the lifecycle invariant: a non-active organisation carries the
// timestamp and reason of the state it is in.
func (o *Organization) Validate() error {
	if !o.Status.Valid() {
		return fmt.Errorf("invalid organization status %q", o.Status)
	}
	if o.PaymentFailureCount < 0 {
		return fmt.Errorf("payment failure count must not be negative")
	}
	if o.BillingDay != nil && (*o.BillingDay < 1 || *o.BillingDay > 28) {
		return fmt.Errorf("billing day %d out of range 1-28", *o.BillingDay)
	}
	switch o.Status {
	case OrgStatusPaused:
		if o.PausedAt == nil || o.PausedReason == "" {
			return fmt.Errorf("paused organization requires paused_at and paused_reason")
		}
	case OrgStatusDeactivated:
		if o.DeactivatedAt == nil || o.DeactivatedReason == "" {
			return fmt.Errorf("deactivated organization requires deactivated_at and deactivated_reason")
		}
	}
	return nil
}

// PaymentFailureEvent reports a failed charge for an organisation
type PaymentFailureEvent struct {
	OrgID      int64     `json:"org_id"`
	Reason     string    `json:"reason"`
	AmountP    int64     `json:"amount_p"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PaymentSuccessEvent reports a successful charge for an organisation
type PaymentSuccessEvent struct {
	OrgID      int64     `json:"org_id"`
	AmountP    int64     `json:"amount_p"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PaymentAttempt is one recorded charge attempt
type PaymentAttempt struct {
	ID         int64     `json:"id"`
	OrgID      int64     `json:"org_id"`
	Succeeded  bool      `json:"succeeded"`
	AmountP    int64     `json:"amount_p"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StaffMember is a staff or admin account belonging to an organisation
type StaffMember = audit.StaffMember

// Transition describes the effect of one state machine step
type Transition struct {
	From         OrgStatus       `json:"from"`
	To           OrgStatus       `json:"to"`
	FailureCount int             `json:"failure_count"`
	Reason       string          `json:"reason,omitempty"`
	AuditEvent   audit.EventType `json:"audit_event,omitempty"`
}

// StatusChanged reports whether the step moved the organisation to a new status
func (t Transition) StatusChanged() bool {
	return t.From != t.To
}

// Outcome is returned by the status manager after an event has been applied
type Outcome struct {
	Organization *Organization `json:"organization"`
	Transition   Transition    `json:"transition"`
	// Staff is populated only when the status changed
	Staff []StaffMember `json:"staff,omitempty"`
}

// AutoDeactivateCheck is the result of the trailing-window failure predicate
type AutoDeactivateCheck struct {
	ShouldDeactivate bool   `json:"should_deactivate"`
	Reason           string `json:"reason"`
	FailureCount     int    `json:"failure_count"`
}

// Store persists organisations and their payment history
type Store interface {
	GetOrganization(ctx context.Context, id int64) (*Organization, error)

	// UpdateLocked loads the organisation under a row lock, applies fn and persists the
	// result in the same transaction. Nothing is written when fn returns an error.
	UpdateLocked(ctx context.Context, id int64, fn func(org *Organization) error) (*Organization, error)

	UpdateBillingDay(ctx context.Context, id int64, billingDay, feeDueDay int) error
	ListStaff(ctx context.Context, orgID int64) ([]StaffMember, error)
	CountFailedPayments(ctx context.Context, orgID int64, since time.Time) (int, error)
	RecordPaymentAttempt(ctx context.Context, attempt *PaymentAttempt) error
}
