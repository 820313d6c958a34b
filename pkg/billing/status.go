package billing

import (
	"fmt"
	"time"
)

// GracePeriodDays is the number of days after the due date before a payment is OVERDUE
const GracePeriodDays = 7

const monthLayout = "2006-01"

// StatusCalculator derives payment display status from dates
type StatusCalculator struct {
	GraceDays int
}

// DefaultStatusCalculator uses the standard grace period
var DefaultStatusCalculator = StatusCalculator{GraceDays: GracePeriodDays}

// CalculateStatus derives status with the default grace period
func CalculateStatus(stored PaymentStatus, month string, billingDay int, paidAt *time.Time, now time.Time) (PaymentStatus, error) {
	return DefaultStatusCalculator.Calculate(stored, month, billingDay, paidAt, now)
}

// Calculate derives the effective status of an obligation for month. A PAID record with
// a payment date is always PAID; otherwise the due date is the billing day of the month
// (clamped to its length) and the result is PENDING up to and including the due date,
// LATE within the grace period and OVERDUE after it. Dates compare by calendar day in
// now's location. For a malformed month the stored status is returned with ErrInvalidMonth.
func (c StatusCalculator) Calculate(stored PaymentStatus, month string, billingDay int, paidAt *time.Time, now time.Time) (PaymentStatus, error) {
	if stored == PaymentStatusPaid && paidAt != nil {
		return PaymentStatusPaid, nil
	}

	due, err := c.DueDate(month, billingDay, now.Location())
	if err != nil {
		return stored, err
	}

	grace := c.GraceDays
	if grace < 0 {
		grace = 0
	}
	graceEnd := due.AddDate(0, 0, grace)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch {
	case !today.After(due):
		return PaymentStatusPending, nil
	case !today.After(graceEnd):
		return PaymentStatusLate, nil
	default:
		return PaymentStatusOverdue, nil
	}
}

// DueDate returns midnight of the billing day in month, clamped to the month's length
func (c StatusCalculator) DueDate(month string, billingDay int, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(monthLayout, month)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: expected YYYY-MM", ErrInvalidMonth, month)
	}
	day := ClampDay(t.Year(), t.Month(), billingDay)
	return time.Date(t.Year(), t.Month(), day, 0, 0, 0, 0, loc), nil
}

// ReconcileRecords fills EffectiveStatus on each record. Records with a malformed month
// keep their stored status.
func (c StatusCalculator) ReconcileRecords(records []MonthlyPaymentRecord, billingDay int, now time.Time) []MonthlyPaymentRecord {
	out := make([]MonthlyPaymentRecord, len(records))
	for i, rec := range records {
		status, _ := c.Calculate(rec.Status, rec.Month, billingDay, rec.PaidAt, now)
		rec.EffectiveStatus = status
		out[i] = rec
	}
	return out
}

// ReconcileRecords applies the default calculator
func ReconcileRecords(records []MonthlyPaymentRecord, billingDay int, now time.Time) []MonthlyPaymentRecord {
	return DefaultStatusCalculator.ReconcileRecords(records, billingDay, now)
}

// FilterByStatus keeps records whose effective status matches
func FilterByStatus(records []MonthlyPaymentRecord, status PaymentStatus) []MonthlyPaymentRecord {
	var out []MonthlyPaymentRecord
	for _, rec := range records {
		if rec.EffectiveStatus == status {
			out = append(out, rec)
		}
	}
	return out
}
