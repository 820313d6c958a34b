package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/classbook/pkg/billing"
	"github.com/platinummonkey/classbook/pkg/httputil"
	"github.com/platinummonkey/classbook/pkg/observability"
)

// maxWebhookBytes matches the processor's documented payload ceiling
const maxWebhookBytes = 64 << 10

// WebhookHandlers receives payment processor webhooks
type WebhookHandlers struct {
	processor WebhookProcessor
	logger    *observability.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers
func NewWebhookHandlers(processor WebhookProcessor, logger *observability.Logger) *WebhookHandlers {
	return &WebhookHandlers{processor: processor, logger: logger}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing/webhook", h.HandleWebhook).Methods(http.MethodPost)
}

// HandleWebhook verifies the Stripe-Signature header and applies the event.
// Non-2xx replies make the processor redeliver.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	result, err := h.processor.Process(ctx, payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, billing.ErrInvalidSignature) {
		httputil.WriteBadRequest(w, "invalid signature")
		return
	}
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("failed to process webhook")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, result)
}
