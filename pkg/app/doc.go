// Package app assembles the stores, status manager, payment processor and
// billing orchestrator from configuration so cmd/classbook and
// cmd/billing-cron share one wiring.
package app
