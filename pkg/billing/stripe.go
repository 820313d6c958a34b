package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/platinummonkey/classbook/pkg/observability"
)

// DeclineError is returned when the processor refuses a charge. It matches
// ErrPaymentDeclined with errors.Is.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("payment declined (%s)", e.Code)
}

// Is reports whether target is ErrPaymentDeclined
func (e *DeclineError) Is(target error) bool {
	return target == ErrPaymentDeclined
}

// subscriptionAPI is the subset of the Stripe subscription client used here
type subscriptionAPI interface {
	New(params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

type stripeSubscriptions struct{}

func (stripeSubscriptions) New(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return subscription.New(params)
}

func (stripeSubscriptions) Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return subscription.Get(id, params)
}

func (stripeSubscriptions) Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return subscription.Update(id, params)
}

// StripeProcessor implements ChargeProcessor with per-unit Stripe subscriptions.
// Unit counting is delegated to a UnitCounter.
type StripeProcessor struct {
	subs    subscriptionAPI
	units   UnitCounter
	priceID string
	metrics *observability.Metrics
}

// NewStripeProcessor creates a processor billing priceID per unit
func NewStripeProcessor(apiKey, priceID string, units UnitCounter) *StripeProcessor {
	stripe.Key = apiKey
	return &StripeProcessor{
		subs:    stripeSubscriptions{},
		units:   units,
		priceID: priceID,
	}
}

// WithMetrics enables processor latency metrics
func (p *StripeProcessor) WithMetrics(metrics *observability.Metrics) *StripeProcessor {
	p.metrics = metrics
	return p
}

// CountActiveBillableUnits delegates to the unit counter
func (p *StripeProcessor) CountActiveBillableUnits(ctx context.Context, orgID int64) (int, error) {
	return p.units.CountActiveBillableUnits(ctx, orgID)
}

// UpdateSubscriptionQuantity sets the quantity of the per-unit item on an existing subscription
func (p *StripeProcessor) UpdateSubscriptionQuantity(ctx context.Context, pb *PlatformBilling, units int) error {
	defer p.observe("update_quantity", time.Now())

	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	sub, err := p.subs.Get(pb.StripeSubscriptionID, getParams)
	if err != nil {
		return mapStripeError("get subscription", err)
	}

	itemID, err := p.unitItemID(sub)
	if err != nil {
		return err
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(itemID), Quantity: stripe.Int64(int64(units))},
		},
		ProrationBehavior: stripe.String("none"),
	}
	params.Context = ctx
	if _, err := p.subs.Update(pb.StripeSubscriptionID, params); err != nil {
		return mapStripeError("update subscription quantity", err)
	}
	return nil
}

// CreateSubscription creates a per-unit subscription for an organisation that has none.
// The idempotency key is derived from runDate as given, so retries of the same run
// in the billing location reuse it.
func (p *StripeProcessor) CreateSubscription(ctx context.Context, pb *PlatformBilling, units int, runDate time.Time) (*NewSubscription, error) {
	defer p.observe("create_subscription", time.Now())

	if pb.StripeCustomerID == "" {
		return nil, fmt.Errorf("organization %d has no stripe customer", pb.OrgID)
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(pb.StripeCustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(p.priceID), Quantity: stripe.Int64(int64(units))},
		},
		PaymentBehavior: stripe.String("error_if_incomplete"),
		Metadata: map[string]string{
			"org_id": strconv.FormatInt(pb.OrgID, 10),
		},
	}
	if pb.DefaultPaymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(pb.DefaultPaymentMethodID)
	}
	params.Context = ctx
	params.AddExpand("latest_invoice")
	params.SetIdempotencyKey(fmt.Sprintf("classbook-sub-%d-%s", pb.OrgID, runDate.Format(runDateLayout)))

	sub, err := p.subs.New(params)
	if err != nil {
		return nil, mapStripeError("create subscription", err)
	}

	created := &NewSubscription{ID: sub.ID}
	if inv := sub.LatestInvoice; inv != nil && inv.Status == stripe.InvoiceStatusPaid && inv.AmountPaid > 0 {
		created.Collected = true
		created.AmountP = inv.AmountPaid
	}
	return created, nil
}

func (p *StripeProcessor) unitItemID(sub *stripe.Subscription) (string, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return "", fmt.Errorf("subscription %s has no items", sub.ID)
	}
	for _, item := range sub.Items.Data {
		if item.Price != nil && item.Price.ID == p.priceID {
			return item.ID, nil
		}
	}
	return sub.Items.Data[0].ID, nil
}

func (p *StripeProcessor) observe(operation string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ChargeProcessorLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// mapStripeError turns card errors into DeclineError and wraps everything else
func mapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
		code := string(stripeErr.DeclineCode)
		if code == "" {
			code = string(stripeErr.Code)
		}
		if code == "" {
			code = "card_error"
		}
		return &DeclineError{Code: code, Message: stripeErr.Msg}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
