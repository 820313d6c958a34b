package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// DBLogger implements audit logging to PostgreSQL database
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}

	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure org_audit_logs table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the org_audit_logs table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS org_audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		organization_id BIGINT NOT NULL,
		organization_name VARCHAR(255) NOT NULL,
		actor VARCHAR(255) NOT NULL,
		reason TEXT,
		failure_count INTEGER NOT NULL DEFAULT 0,
		staff JSONB,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_org_audit_logs_org ON org_audit_logs(organization_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_org_audit_logs_event_type ON org_audit_logs(event_type);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log writes an audit entry to the database
func (l *DBLogger) Log(ctx context.Context, entry *Entry) error {
	var staffJSON, metadataJSON []byte
	var err error

	if len(entry.Staff) > 0 {
		staffJSON, err = json.Marshal(entry.Staff)
		if err != nil {
			return fmt.Errorf("failed to marshal staff: %w", err)
		}
	}

	if entry.Metadata != nil {
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO org_audit_logs (
			timestamp, event_type, organization_id, organization_name,
			actor, reason, failure_count, staff, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		entry.Timestamp, entry.EventType, entry.OrganizationID, entry.OrganizationName,
		entry.Actor, entry.Reason, entry.FailureCount, staffJSON, metadataJSON,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// Search returns entries for an organisation, newest first
func (l *DBLogger) Search(ctx context.Context, filter Filter) ([]*Entry, error) {
	conditions := []string{"organization_id = $1"}
	args := []interface{}{filter.OrganizationID}

	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, timestamp, event_type, organization_id, organization_name,
			actor, COALESCE(reason, ''), failure_count, staff, metadata
		FROM org_audit_logs
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT $%d
	`, strings.Join(conditions, " AND "), len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var staffJSON, metadataJSON []byte
		if err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.EventType, &entry.OrganizationID, &entry.OrganizationName,
			&entry.Actor, &entry.Reason, &entry.FailureCount, &staffJSON, &metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(staffJSON) > 0 {
			if err := json.Unmarshal(staffJSON, &entry.Staff); err != nil {
				return nil, fmt.Errorf("failed to unmarshal staff: %w", err)
			}
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}

	return entries, nil
}

// Close is a no-op; the database handle is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}
