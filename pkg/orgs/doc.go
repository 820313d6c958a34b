// Package orgs manages the lifecycle status of tenant organisations.
//
// # State Machine
//
// An organisation is ACTIVE, PAUSED or DEACTIVATED. Payment events drive automatic
// transitions:
//
//	ACTIVE --2nd consecutive failure--> PAUSED
//	ACTIVE --3rd consecutive failure--> DEACTIVATED
//	any    --success-------------------> same status, failure count reset
//	PAUSED/DEACTIVATED --Reactivate----> ACTIVE (administrative only)
//
// ApplyPaymentFailure and ApplyPaymentSuccess are pure steps; StatusManager runs them
// inside Store.UpdateLocked so concurrent events for one organisation are serialized
// by a row lock.
//
// # Audit
//
// Every status change writes an audit entry naming the organisation, the reason, the
// failure count and the staff accounts affected. Audit failures are logged only.
//
// # Usage
//
//	manager := orgs.NewStatusManager(orgs.NewPostgresStore(db), auditLogger, logger)
//	outcome, err := manager.HandlePaymentFailure(ctx, orgs.PaymentFailureEvent{
//	    OrgID:  42,
//	    Reason: "card_declined",
//	})
//	if outcome.Transition.StatusChanged() {
//	    // notify outcome.Staff
//	}
package orgs
