package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/classbook/pkg/observability"
	"github.com/platinummonkey/classbook/pkg/orgs"
)

// ErrInvalidSignature is returned when a webhook payload fails verification
var ErrInvalidSignature = errors.New("invalid webhook signature")

// PaymentEventHandler receives payment events; orgs.StatusManager implements it
type PaymentEventHandler interface {
	HandlePaymentFailure(ctx context.Context, ev orgs.PaymentFailureEvent) (*orgs.Outcome, error)
	HandlePaymentSuccess(ctx context.Context, ev orgs.PaymentSuccessEvent) (*orgs.Outcome, error)
}

// WebhookResult describes what a webhook delivery did
type WebhookResult struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	OrgID   int64         `json:"org_id,omitempty"`
	Handled bool          `json:"handled"`
	Outcome *orgs.Outcome `json:"-"`
}

// WebhookProcessor verifies processor webhooks and turns invoice results into
// payment events
type WebhookProcessor struct {
	secret string
	store  Store
	events PaymentEventHandler
	logger *observability.Logger
}

// NewWebhookProcessor creates a webhook processor
func NewWebhookProcessor(secret string, store Store, events PaymentEventHandler, logger *observability.Logger) *WebhookProcessor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &WebhookProcessor{
		secret: secret,
		store:  store,
		events: events,
		logger: logger.WithField("component", "stripe_webhook"),
	}
}

// Process verifies the signature and dispatches invoice.paid and invoice.payment_failed.
// Other event types and invoices for unknown customers are acknowledged and ignored.
func (w *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := &WebhookResult{EventID: event.ID, Type: string(event.Type)}

	switch event.Type {
	case "invoice.paid", "invoice.payment_failed":
	default:
		w.logger.WithField("type", string(event.Type)).Debug("ignoring webhook event")
		return result, nil
	}

	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse invoice: %w", err)
	}
	if inv.Customer == nil || inv.Customer.ID == "" {
		w.logger.WithField("invoice", inv.ID).Warn("invoice has no customer")
		return result, nil
	}

	pb, err := w.store.GetByStripeCustomerID(ctx, inv.Customer.ID)
	if errors.Is(err, ErrPlatformBillingNotFound) {
		w.logger.WithField("customer", inv.Customer.ID).Warn("webhook for unknown customer")
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.OrgID = pb.OrgID

	occurred := time.Now()
	if inv.Created > 0 {
		occurred = time.Unix(inv.Created, 0)
	}

	if event.Type == "invoice.paid" {
		result.Outcome, err = w.events.HandlePaymentSuccess(ctx, orgs.PaymentSuccessEvent{
			OrgID:      pb.OrgID,
			AmountP:    inv.AmountPaid,
			OccurredAt: occurred,
		})
	} else {
		result.Outcome, err = w.events.HandlePaymentFailure(ctx, orgs.PaymentFailureEvent{
			OrgID:      pb.OrgID,
			Reason:     fmt.Sprintf("invoice %s payment failed", inv.ID),
			AmountP:    inv.AmountDue,
			OccurredAt: occurred,
		})
	}
	if err != nil {
		return nil, err
	}

	result.Handled = true
	return result, nil
}
