// Package api exposes the billing engine over HTTP.
//
// Routes (all JSON):
//
//	GET  /orgs/{id}/payments?month=YYYY-MM&status=LATE   payment records with derived status
//	PUT  /orgs/{id}/billing-day                          {"billing_day": 15}
//	GET  /orgs/{id}/billing-health                       trailing 30-day failure check
//	POST /billing/webhook                                Stripe invoice events
//	POST /admin/orgs/{id}/reactivate                     manual reactivation
//	POST /admin/billing/run?date=YYYY-MM-DD              run the billing job now (date in the billing timezone)
//	GET  /health/live, /health/ready, /metrics
//
// Organisation and webhook routes use the standard rate limit policy and admin
// routes the strict one. Billing anchors are cached per organisation and
// evicted when the billing day changes.
package api
