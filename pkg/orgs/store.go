package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const orgColumns = `id, name, status, payment_failure_count, billing_day, fee_due_day,
		       last_payment_date, paused_at, paused_reason, deactivated_at, deactivated_reason,
		       auto_suspend_enabled, created_at, updated_at`

// PostgresStore implements Store using PostgreSQL
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

func scanOrganization(row rowScanner) (*Organization, error) {
	org := &Organization{}
	var pausedReason, deactivatedReason sql.NullString
	err := row.Scan(
		&org.ID, &org.Name, &org.Status, &org.PaymentFailureCount, &org.BillingDay, &org.FeeDueDay,
		&org.LastPaymentDate, &org.PausedAt, &pausedReason, &org.DeactivatedAt, &deactivatedReason,
		&org.AutoSuspendEnabled, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	org.PausedReason = pausedReason.String
	org.DeactivatedReason = deactivatedReason.String
	return org, nil
}

// GetOrganization retrieves an organization by ID
func (s *PostgresStore) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE id = $1`

	org, err := scanOrganization(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// UpdateLocked loads the row with SELECT ... FOR UPDATE, applies fn and writes the
// lifecycle columns back before committing. Concurrent callers for the same
// organisation are serialized by the row lock.
func (s *PostgresStore) UpdateLocked(ctx context.Context, id int64, fn func(org *Organization) error) (*Organization, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + orgColumns + ` FROM organizations WHERE id = $1 FOR UPDATE`
	org, err := scanOrganization(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock organization: %w", err)
	}

	if err := fn(org); err != nil {
		return nil, err
	}

	update := `
		UPDATE organizations
		SET status = $2, payment_failure_count = $3, last_payment_date = $4,
		    paused_at = $5, paused_reason = $6, deactivated_at = $7, deactivated_reason = $8,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = tx.QueryRowContext(ctx, update,
		org.ID, org.Status, org.PaymentFailureCount, org.LastPaymentDate,
		org.PausedAt, nullString(org.PausedReason), org.DeactivatedAt, nullString(org.DeactivatedReason),
	).Scan(&org.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update organization: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return org, nil
}

// UpdateBillingDay sets the billing anchor and fee due day together
func (s *PostgresStore) UpdateBillingDay(ctx context.Context, id int64, billingDay, feeDueDay int) error {
	query := `
		UPDATE organizations
		SET billing_day = $2, fee_due_day = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, id, billingDay, feeDueDay)
	if err != nil {
		return fmt.Errorf("failed to update billing day: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrOrgNotFound
	}

	return nil
}

// ListStaff returns the staff and admin accounts of an organisation
func (s *PostgresStore) ListStaff(ctx context.Context, orgID int64) ([]StaffMember, error) {
	query := `
		SELECT user_id, full_name, email, role
		FROM organization_staff
		WHERE organization_id = $1 AND role IN ('owner', 'admin', 'staff')
		ORDER BY user_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staff: %w", err)
	}
	defer rows.Close()

	var staff []StaffMember
	for rows.Next() {
		var member StaffMember
		var email sql.NullString
		if err := rows.Scan(&member.UserID, &member.Name, &email, &member.Role); err != nil {
			return nil, fmt.Errorf("failed to scan staff: %w", err)
		}
		member.Email = email.String
		staff = append(staff, member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate staff: %w", err)
	}

	return staff, nil
}

// CountFailedPayments counts failed attempts at or after since
func (s *PostgresStore) CountFailedPayments(ctx context.Context, orgID int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM org_payment_attempts
		WHERE organization_id = $1 AND succeeded = false AND occurred_at >= $2
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, orgID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed payments: %w", err)
	}
	return count, nil
}

// RecordPaymentAttempt inserts a payment attempt row
func (s *PostgresStore) RecordPaymentAttempt(ctx context.Context, attempt *PaymentAttempt) error {
	query := `
		INSERT INTO org_payment_attempts (organization_id, succeeded, amount_p, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		attempt.OrgID, attempt.Succeeded, attempt.AmountP, nullString(attempt.Reason), attempt.OccurredAt,
	).Scan(&attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to insert payment attempt: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
