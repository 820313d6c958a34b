// Package billing covers the billing anchor, payment status derivation and the
// payment processor integration.
//
// # Billing Anchor
//
// Each organisation bills on a day between 1 and 28. ValidateBillingDay accepts the
// shapes that arrive from forms and JSON (integers, integral floats, numeric strings)
// and ResolveBillingDay falls back to day 1.
//
// # Payment Status
//
// Stored payment statuses are a cache. Read paths call CalculateStatus:
//
//	PAID with a payment date      -> PAID
//	on or before the due date     -> PENDING
//	within GracePeriodDays after  -> LATE
//	later                         -> OVERDUE
//
// # Payment Processor
//
// StripeProcessor implements ChargeProcessor with one per-unit subscription per
// organisation. Card errors come back as *DeclineError, which matches
// ErrPaymentDeclined. WebhookProcessor verifies invoice webhooks and forwards them as
// payment events.
//
// # Related Packages
//
//   - pkg/orgs: Organisation status transitions driven by payment events
//   - pkg/billingrun: The daily billing run
package billing
