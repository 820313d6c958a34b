// Package audit records organisation lifecycle transitions.
//
// Automated transitions (ORG_AUTO_PAUSED, ORG_AUTO_DEACTIVATED) and administrative ones
// (ORG_REACTIVATED) produce an Entry naming the organisation, the reason, the failure
// count at the time, the staff accounts affected and the fields of the triggering event.
//
// Backends:
//
//   - DBLogger writes to the org_audit_logs table in PostgreSQL
//   - StructuredLogger writes one structured log line per entry
//   - MultiLogger fans out to several backends
//
// Callers treat audit failures as non-fatal; a transition is never undone because its
// entry could not be written.
package audit
