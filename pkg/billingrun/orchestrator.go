package billingrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/classbook/pkg/billing"
	"github.com/platinummonkey/classbook/pkg/notify"
	"github.com/platinummonkey/classbook/pkg/observability"
	"github.com/platinummonkey/classbook/pkg/orgs"
)

// Orchestrator bills every organisation whose anniversary falls tomorrow
type Orchestrator struct {
	store     billing.Store
	processor billing.ChargeProcessor
	events    billing.PaymentEventHandler
	notifier  notify.Notifier
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

const tracerName = "github.com/platinummonkey/classbook/pkg/billingrun"

// NewOrchestrator creates an orchestrator. Zero Config fields take their defaults.
func NewOrchestrator(store billing.Store, processor billing.ChargeProcessor, events billing.PaymentEventHandler, notifier notify.Notifier, cfg Config, logger *observability.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = def.ChargeTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Orchestrator{
		store:     store,
		processor: processor,
		events:    events,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.WithField("component", "billing_run"),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
}

// WithMetrics enables Prometheus metrics
func (o *Orchestrator) WithMetrics(metrics *observability.Metrics) *Orchestrator {
	o.metrics = metrics
	return o
}

// WithTracerProvider replaces the global tracer provider
func (o *Orchestrator) WithTracerProvider(tp trace.TracerProvider) *Orchestrator {
	o.tracer = tp.Tracer(tracerName)
	return o
}

// WithClock overrides the time source
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run bills the organisations due tomorrow
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	return o.RunAt(ctx, o.now())
}

// RunAt performs the run as if it were started at now. Running twice for the
// same calendar day leaves organisations billed by the first run untouched.
func (o *Orchestrator) RunAt(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	local := now.In(o.cfg.Location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, o.cfg.Location)
	tomorrow := today.AddDate(0, 0, 1)

	report := Report{
		RunID:      uuid.NewString(),
		RunDate:    today,
		TargetDate: tomorrow,
		Days:       billing.AnniversaryDaysFor(tomorrow),
	}

	ctx, span := o.tracer.Start(ctx, "billing.run", trace.WithAttributes(
		attribute.String("billing.run_id", report.RunID),
		attribute.String("billing.run_date", today.Format("2006-01-02")),
		attribute.IntSlice("billing.anniversary_days", report.Days),
	))
	defer span.End()

	logger := observability.WithTraceContext(ctx, o.logger.WithFields(map[string]interface{}{
		"run_id":   report.RunID,
		"run_date": today.Format("2006-01-02"),
	}))

	due, err := o.store.ListDueForBilling(ctx, report.Days, today)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due organizations")
		report.Duration = time.Since(start)
		o.observeRun("error", report.Duration)
		logger.WithError(err).Error("failed to list organizations due for billing")
		return report, fmt.Errorf("failed to list organizations due for billing: %w", err)
	}
	logger.Infof("billing %d organizations for anniversary days %v", len(due), report.Days)

	results := make([]Result, len(due))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, pb := range due {
		i, pb := i, pb
		g.Go(func() error {
			results[i] = o.billOrganization(ctx, logger, today, pb)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	report.tally()
	report.Duration = time.Since(start)

	outcome := "success"
	if report.Failed > 0 {
		outcome = "partial"
	}
	o.observeRun(outcome, report.Duration)
	span.SetAttributes(
		attribute.Int("billing.updated", report.Updated),
		attribute.Int("billing.created", report.Created),
		attribute.Int("billing.failed", report.Failed),
		attribute.Int("billing.skipped", report.Skipped),
	)
	if report.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d organizations failed", report.Failed))
	}

	logger.WithFields(map[string]interface{}{
		"updated":     report.Updated,
		"created":     report.Created,
		"failed":      report.Failed,
		"skipped":     report.Skipped,
		"duration_ms": report.Duration.Milliseconds(),
	}).Info("billing run complete")

	return report, nil
}

func (o *Orchestrator) billOrganization(ctx context.Context, logger *observability.Logger, runDate time.Time, pb *billing.PlatformBilling) (res Result) {
	ctx, span := o.tracer.Start(ctx, "billing.organization", trace.WithAttributes(
		attribute.Int64("org.id", pb.OrgID),
		attribute.Bool("billing.has_subscription", pb.HasSubscription()),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("billing.status", string(res.Status)),
			attribute.Int("billing.units", res.UnitCount),
		)
		if res.Error != "" {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
	}()

	res = Result{OrgID: pb.OrgID, OrgName: pb.OrgName}
	logger = logger.WithField("org_id", pb.OrgID)

	status, err := o.charge(ctx, runDate, pb, &res)
	if err != nil {
		span.RecordError(err)
		res.Status = StatusError
		res.Error = err.Error()
		o.observeResult(res)
		logger.WithError(err).Warn("billing failed")

		if errors.Is(err, billing.ErrPaymentDeclined) {
			o.reportFailure(ctx, logger, pb, res, err)
		}
		return res
	}
	res.Status = status

	err = o.store.MarkBilled(ctx, pb.OrgID, runDate, res.UnitCount, res.SubscriptionID)
	switch {
	case errors.Is(err, billing.ErrBillingConflict):
		res.Status = StatusSkipped
		o.observeResult(res)
		logger.Info("organization already billed by a concurrent run")
		return res
	case err != nil:
		// The processor accepted the change; the next run re-applies the same quantity.
		res.Error = fmt.Sprintf("failed to record billing: %v", err)
		logger.WithError(err).Error("failed to record billing")
	}

	o.observeResult(res)
	if o.metrics != nil {
		o.metrics.BillingUnitsBilled.Add(float64(res.UnitCount))
	}

	// Quantity updates collect nothing now; invoice.paid reports their payment later.
	if res.CollectedP > 0 {
		if _, err := o.events.HandlePaymentSuccess(ctx, orgs.PaymentSuccessEvent{
			OrgID:      pb.OrgID,
			AmountP:    res.CollectedP,
			OccurredAt: o.now(),
		}); err != nil {
			logger.WithError(err).Error("failed to apply payment success")
		}
	}

	logger.WithFields(map[string]interface{}{
		"status": string(res.Status),
		"units":  res.UnitCount,
	}).Info("organization billed")
	return res
}

// charge counts units and pushes them to the processor. Panics are returned as errors.
func (o *Orchestrator) charge(ctx context.Context, runDate time.Time, pb *billing.PlatformBilling, res *Result) (status ResultStatus, err error) {
	defer observability.RecoverPanicAsError(o.logger, fmt.Sprintf("billing org %d", pb.OrgID), &err)

	err = o.withTimeout(ctx, func(ctx context.Context) error {
		units, err := o.processor.CountActiveBillableUnits(ctx, pb.OrgID)
		res.UnitCount = units
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to count billable units: %w", err)
	}
	res.ExpectedChargeP = int64(res.UnitCount) * o.cfg.UnitPriceP

	if pb.HasSubscription() {
		res.SubscriptionID = pb.StripeSubscriptionID
		err = o.withTimeout(ctx, func(ctx context.Context) error {
			return o.processor.UpdateSubscriptionQuantity(ctx, pb, res.UnitCount)
		})
		if err != nil {
			return "", err
		}
		return StatusUpdated, nil
	}

	err = o.withTimeout(ctx, func(ctx context.Context) error {
		sub, err := o.processor.CreateSubscription(ctx, pb, res.UnitCount, runDate)
		if err != nil {
			return err
		}
		res.SubscriptionID = sub.ID
		if sub.Collected {
			res.CollectedP = sub.AmountP
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return StatusCreated, nil
}

func (o *Orchestrator) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ChargeTimeout)
	defer cancel()
	return fn(ctx)
}

func (o *Orchestrator) reportFailure(ctx context.Context, logger *observability.Logger, pb *billing.PlatformBilling, res Result, cause error) {
	reason := cause.Error()
	var decline *billing.DeclineError
	if errors.As(cause, &decline) && decline.Code != "" {
		reason = decline.Code
	}

	outcome, err := o.events.HandlePaymentFailure(ctx, orgs.PaymentFailureEvent{
		OrgID:      pb.OrgID,
		Reason:     reason,
		AmountP:    res.ExpectedChargeP,
		OccurredAt: o.now(),
	})
	if err != nil {
		logger.WithError(err).Error("failed to apply payment failure")
		return
	}
	if outcome != nil && outcome.Transition.StatusChanged() {
		o.notifyStaff(ctx, logger, outcome)
	}
}

func (o *Orchestrator) notifyStaff(ctx context.Context, logger *observability.Logger, outcome *orgs.Outcome) {
	if o.notifier == nil {
		return
	}
	content := StatusChangeMessage(outcome)
	for _, member := range outcome.Staff {
		if member.Email == "" {
			continue
		}
		if err := o.notifier.Send(ctx, member.Email, content); err != nil {
			logger.WithError(err).WithField("user_id", member.UserID).Warn("failed to notify staff member")
		}
	}
}

// StatusChangeMessage renders the staff notice for an automatic status change
func StatusChangeMessage(outcome *orgs.Outcome) string {
	name := "Your organization"
	if outcome.Organization != nil && outcome.Organization.Name != "" {
		name = outcome.Organization.Name
	}
	t := outcome.Transition
	switch t.To {
	case orgs.OrgStatusPaused:
		return fmt.Sprintf("%s has been paused: %s. Update the payment method to restore access.", name, t.Reason)
	case orgs.OrgStatusDeactivated:
		return fmt.Sprintf("%s has been deactivated: %s. Contact support to reactivate.", name, t.Reason)
	default:
		return fmt.Sprintf("%s status changed from %s to %s.", name, t.From, t.To)
	}
}

func (o *Orchestrator) observeRun(outcome string, d time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.BillingRunsTotal.WithLabelValues(outcome).Inc()
	o.metrics.BillingRunDuration.Observe(d.Seconds())
}

func (o *Orchestrator) observeResult(res Result) {
	if o.metrics != nil {
		o.metrics.BillingResultsTotal.WithLabelValues(string(res.Status)).Inc()
	}
}
