package audit

import (
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	EventTypeOrgAutoPaused      EventType = "ORG_AUTO_PAUSED"
	EventTypeOrgAutoDeactivated EventType = "ORG_AUTO_DEACTIVATED"
	EventTypeOrgReactivated     EventType = "ORG_REACTIVATED"
	EventTypeBillingDayChanged  EventType = "BILLING_DAY_CHANGED"
)

// StaffMember identifies a staff or admin account affected by an organisation event
type StaffMember struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Entry represents a single audit log entry
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`

	OrganizationID   int64  `json:"organization_id"`
	OrganizationName string `json:"organization_name"`

	// Actor is "system" for automated transitions or the admin identity otherwise
	Actor string `json:"actor"`

	Reason       string        `json:"reason,omitempty"`
	FailureCount int           `json:"failure_count"`
	Staff        []StaffMember `json:"staff,omitempty"`

	// Metadata carries the triggering event's fields
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ActorSystem is recorded for transitions made by automation
const ActorSystem = "system"

// Filter selects audit entries for an organisation
type Filter struct {
	OrganizationID int64
	EventTypes     []EventType
	Since          *time.Time
	Limit          int
}
