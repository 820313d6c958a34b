package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const runDateLayout = "2006-01-02"

const platformBillingColumns = `pb.org_id, o.name, pb.billing_anniversary_date, pb.subscription_status,
		       pb.stripe_customer_id, pb.stripe_subscription_id, pb.default_payment_method_id,
		       pb.last_unit_count, pb.last_billed_on, pb.updated_at`

// PostgresStore implements Store and UnitCounter using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlatformBilling(row rowScanner) (*PlatformBilling, error) {
	pb := &PlatformBilling{}
	var customerID, subscriptionID, paymentMethodID sql.NullString
	err := row.Scan(
		&pb.OrgID, &pb.OrgName, &pb.BillingAnniversaryDate, &pb.SubscriptionStatus,
		&customerID, &subscriptionID, &paymentMethodID,
		&pb.LastUnitCount, &pb.LastBilledOn, &pb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pb.StripeCustomerID = customerID.String
	pb.StripeSubscriptionID = subscriptionID.String
	pb.DefaultPaymentMethodID = paymentMethodID.String
	return pb, nil
}

// ListDueForBilling returns organisations to charge on runDate
func (s *PostgresStore) ListDueForBilling(ctx context.Context, days []int, runDate time.Time) ([]*PlatformBilling, error) {
	anniversaries := make([]int64, len(days))
	for i, d := range days {
		anniversaries[i] = int64(d)
	}

	query := `
		SELECT ` + platformBillingColumns + `
		FROM platform_billing pb
		JOIN organizations o ON o.id = pb.org_id
		WHERE pb.billing_anniversary_date = ANY($1)
		  AND pb.subscription_status IN ('active', 'trialing')
		  AND COALESCE(pb.default_payment_method_id, '') <> ''
		  AND o.status = 'ACTIVE'
		  AND (pb.last_billed_on IS NULL OR pb.last_billed_on <> $2)
		ORDER BY pb.org_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(anniversaries), runDate.Format(runDateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations due for billing: %w", err)
	}
	defer rows.Close()

	var due []*PlatformBilling
	for rows.Next() {
		pb, err := scanPlatformBilling(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan platform billing: %w", err)
		}
		due = append(due, pb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate platform billing: %w", err)
	}

	return due, nil
}

// GetPlatformBilling retrieves the billing record of an organisation
func (s *PostgresStore) GetPlatformBilling(ctx context.Context, orgID int64) (*PlatformBilling, error) {
	query := `
		SELECT ` + platformBillingColumns + `
		FROM platform_billing pb
		JOIN organizations o ON o.id = pb.org_id
		WHERE pb.org_id = $1
	`
	pb, err := scanPlatformBilling(s.db.QueryRowContext(ctx, query, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlatformBillingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get platform billing: %w", err)
	}
	return pb, nil
}

// GetByStripeCustomerID resolves a processor customer to its organisation's billing record
func (s *PostgresStore) GetByStripeCustomerID(ctx context.Context, customerID string) (*PlatformBilling, error) {
	query := `
		SELECT ` + platformBillingColumns + `
		FROM platform_billing pb
		JOIN organizations o ON o.id = pb.org_id
		WHERE pb.stripe_customer_id = $1
	`
	pb, err := scanPlatformBilling(s.db.QueryRowContext(ctx, query, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlatformBillingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get platform billing by customer: %w", err)
	}
	return pb, nil
}

// MarkBilled records the run date, unit count and (when newly created) the subscription id.
// The update is guarded on last_billed_on so two runs on the same day cannot both succeed.
func (s *PostgresStore) MarkBilled(ctx context.Context, orgID int64, runDate time.Time, units int, subscriptionID string) error {
	query := `
		UPDATE platform_billing
		SET last_billed_on = $2,
		    last_unit_count = $3,
		    stripe_subscription_id = COALESCE(NULLIF($4, ''), stripe_subscription_id),
		    updated_at = NOW()
		WHERE org_id = $1
		  AND (last_billed_on IS NULL OR last_billed_on <> $2)
	`
	result, err := s.db.ExecContext(ctx, query, orgID, runDate.Format(runDateLayout), units, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to mark organization billed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrBillingConflict
	}

	return nil
}

// ListPaymentRecords returns an organisation's payment records, optionally for one month
func (s *PostgresStore) ListPaymentRecords(ctx context.Context, orgID int64, month string) ([]MonthlyPaymentRecord, error) {
	query := `
		SELECT id, org_id, student_id, class_id, month, amount_p, status, paid_at,
		       COALESCE(method, ''), COALESCE(reference, '')
		FROM monthly_payment_records
		WHERE org_id = $1 AND ($2 = '' OR month = $2)
		ORDER BY month DESC, student_id ASC, class_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, orgID, month)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}
	defer rows.Close()

	var records []MonthlyPaymentRecord
	for rows.Next() {
		var rec MonthlyPaymentRecord
		if err := rows.Scan(
			&rec.ID, &rec.OrgID, &rec.StudentID, &rec.ClassID, &rec.Month, &rec.AmountP,
			&rec.Status, &rec.PaidAt, &rec.Method, &rec.Reference,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payment record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment records: %w", err)
	}

	return records, nil
}

// CountActiveBillableUnits counts the organisation's active students
func (s *PostgresStore) CountActiveBillableUnits(ctx context.Context, orgID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM students
		WHERE organization_id = $1 AND status = 'ACTIVE'
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, orgID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count billable units: %w", err)
	}
	return count, nil
}
