// Package billingrun implements the daily billing job.
//
// Orchestrator.Run finds every organisation whose billing anniversary is
// tomorrow (on the last day of a short month this includes the anniversaries
// that clamp to it), counts its active billable units and pushes the count to
// the payment processor: existing subscriptions get a quantity update and
// organisations without one get a new subscription.
//
// Organisations are billed in parallel up to Config.Concurrency and each one
// fails on its own; the Report lists one Result per organisation. Successful
// organisations are marked billed for the run date, which makes a second run
// on the same day a no-op for them. A quantity update moves no money, so the
// run reports a PaymentSuccessEvent only when a new subscription's first
// invoice was paid; every other payment outcome arrives later through the
// invoice webhooks. Processor declines become PaymentFailureEvents and staff are
// notified when that pauses or deactivates the organisation. The job never
// retries; the next day's run or an operator does.
//
// Each run is traced as a billing.run span with a billing.organization child
// per organisation, using the global tracer provider unless WithTracerProvider
// is given.
//
//	orch := billingrun.NewOrchestrator(store, processor, statusManager, notifier, cfg, logger)
//	report, err := orch.Run(ctx)
package billingrun
