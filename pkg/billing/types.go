package billing

import (
	"context"
	"errors"
	"time"
)

// SubscriptionStatus mirrors the payment processor's subscription vocabulary
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
)

// Billable reports whether the billing run should charge a subscription in this status
func (s SubscriptionStatus) Billable() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

// PaymentStatus is the display status of a monthly payment obligation
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusLate    PaymentStatus = "LATE"
	PaymentStatusOverdue PaymentStatus = "OVERDUE"
)

// ParsePaymentStatus converts a query string value into a PaymentStatus
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch ps := PaymentStatus(s); ps {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusLate, PaymentStatusOverdue:
		return ps, true
	}
	return "", false
}

var (
	// ErrPlatformBillingNotFound is returned when an organisation has no billing record
	ErrPlatformBillingNotFound = errors.New("platform billing not found")
	// ErrInvalidMonth is returned for month strings that are not YYYY-MM
	ErrInvalidMonth = errors.New("invalid month")
	// ErrPaymentDeclined is returned by a ChargeProcessor when the charge was refused
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrBillingConflict is returned by MarkBilled when the organisation was already
	// marked for the run date
	ErrBillingConflict = errors.New("organization already billed for this date")
)

// PlatformBilling is an organisation's subscription with the platform
type PlatformBilling struct {
	OrgID                  int64              `json:"org_id"`
	OrgName                string             `json:"org_name,omitempty"`
	BillingAnniversaryDate int                `json:"billing_anniversary_date"`
	SubscriptionStatus     SubscriptionStatus `json:"subscription_status"`
	StripeCustomerID       string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID   string             `json:"stripe_subscription_id,omitempty"`
	DefaultPaymentMethodID string             `json:"default_payment_method_id,omitempty"`
	LastUnitCount          int                `json:"last_unit_count"`
	LastBilledOn           *time.Time         `json:"last_billed_on,omitempty"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// HasSubscription reports whether a processor subscription already exists
func (p *PlatformBilling) HasSubscription() bool {
	return p.StripeSubscriptionID != ""
}

// MonthlyPaymentRecord is one student's fee obligation for a class and month
type MonthlyPaymentRecord struct {
	ID        int64         `json:"id"`
	OrgID     int64         `json:"org_id"`
	StudentID int64         `json:"student_id"`
	ClassID   int64         `json:"class_id"`
	Month     string        `json:"month"`
	AmountP   int64         `json:"amount_p"`
	Status    PaymentStatus `json:"status"`
	PaidAt    *time.Time    `json:"paid_at,omitempty"`
	Method    string        `json:"method,omitempty"`
	Reference string        `json:"reference,omitempty"`

	// EffectiveStatus is derived on read and never written back
	EffectiveStatus PaymentStatus `json:"effective_status"`
}

// BillingDayUpdate is the pair of organisation fields written when the anchor changes
type BillingDayUpdate struct {
	BillingDay int `json:"billing_day"`
	FeeDueDay  int `json:"fee_due_day"`
}

// Store persists platform billing state and payment records
type Store interface {
	// ListDueForBilling returns billable organisations whose anniversary is in days and
	// that have not been billed on runDate
	ListDueForBilling(ctx context.Context, days []int, runDate time.Time) ([]*PlatformBilling, error)
	GetPlatformBilling(ctx context.Context, orgID int64) (*PlatformBilling, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*PlatformBilling, error)
	// MarkBilled records a successful run for the organisation. It returns
	// ErrBillingConflict when runDate was already recorded.
	MarkBilled(ctx context.Context, orgID int64, runDate time.Time, units int, subscriptionID string) error
	ListPaymentRecords(ctx context.Context, orgID int64, month string) ([]MonthlyPaymentRecord, error)
}

// UnitCounter counts the billable units (active students) of an organisation
type UnitCounter interface {
	CountActiveBillableUnits(ctx context.Context, orgID int64) (int, error)
}

// NewSubscription describes a subscription created by the billing run
type NewSubscription struct {
	ID string
	// Collected is true only when the first invoice was paid during creation.
	// Quantity updates never collect; their payments arrive as invoice.paid.
	Collected bool
	AmountP   int64
}

// ChargeProcessor is the payment processor contract used by the billing run
type ChargeProcessor interface {
	UnitCounter
	UpdateSubscriptionQuantity(ctx context.Context, pb *PlatformBilling, units int) error
	// CreateSubscription is idempotent per organisation and runDate
	CreateSubscription(ctx context.Context, pb *PlatformBilling, units int, runDate time.Time) (*NewSubscription, error)
}
