package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Dedup drops redelivered webhook events by event id.
type Dedup interface {
	FirstDelivery(ctx context.Context, eventID string) bool
}

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

// HandleStripeWebhook verifies the event signature, deduplicates by event
// id and dispatches the payment lifecycle transitions. Signature failures
// are rejected before any state is touched.
func (s *Service) HandleStripeWebhook(r *http.Request, webhookSecret string, guard Dedup) error {
	if webhookSecret == "" {
		s.Logger.Error("WEBHOOK", "Stripe webhook secret is not configured")
		return &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to read webhook payload: %v", err))
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("Failed to read webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	// Verify signature with API version mismatch tolerance
	opts := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), webhookSecret, opts)
	if err != nil {
		s.Logger.Error("WEBHOOK", fmt.Sprintf("Webhook signature verification failed: %v", err))
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Webhook signature verification failed",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	ctx := r.Context()
	if guard != nil && !guard.FirstDelivery(ctx, event.ID) {
		s.Logger.LogWebhook("stripe", string(event.Type), fmt.Sprintf("Duplicate event %s dropped", event.ID))
		return nil
	}

	s.Logger.LogWebhook("stripe", string(event.Type), fmt.Sprintf("Processing event %s", event.ID))

	switch event.Type {
	case "payment_intent.amount_capturable_updated":
		pi, whErr := unmarshalIntent(event.Data.Raw)
		if whErr != nil {
			return whErr
		}
		orderID, whErr := orderIDFromIntent(pi)
		if whErr != nil {
			return whErr
		}
		if err := s.HandleAuthorizationCapturable(ctx, orderID, pi.ID); err != nil {
			return processingError(orderID, err)
		}

	case "payment_intent.succeeded":
		pi, whErr := unmarshalIntent(event.Data.Raw)
		if whErr != nil {
			return whErr
		}
		orderID, whErr := orderIDFromIntent(pi)
		if whErr != nil {
			return whErr
		}
		var paymentMethodID string
		if pi.PaymentMethod != nil {
			paymentMethodID = pi.PaymentMethod.ID
		}
		if err := s.HandleCaptureSucceeded(ctx, orderID, pi.ID, paymentMethodID); err != nil {
			return processingError(orderID, err)
		}

	case "payment_intent.payment_failed":
		pi, whErr := unmarshalIntent(event.Data.Raw)
		if whErr != nil {
			return whErr
		}
		orderID, whErr := orderIDFromIntent(pi)
		if whErr != nil {
			return whErr
		}
		if err := s.HandlePaymentFailed(ctx, orderID, pi.ID); err != nil {
			return processingError(orderID, err)
		}

	default:
		s.Logger.LogWebhook("stripe", string(event.Type), "Unhandled event type")
	}

	return nil
}

func unmarshalIntent(raw json.RawMessage) (*stripe.PaymentIntent, *WebhookError) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid event data",
			InternalError: fmt.Sprintf("Failed to unmarshal payment intent: %v", err),
			OriginalErr:   err,
		}
	}
	return &pi, nil
}

func orderIDFromIntent(pi *stripe.PaymentIntent) (string, *WebhookError) {
	orderID, exists := pi.Metadata["order_id"]
	if !exists || orderID == "" {
		return "", &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid payment intent data",
			InternalError: "Payment intent has no order_id in metadata",
		}
	}
	return orderID, nil
}

func processingError(orderID string, err error) *WebhookError {
	return &WebhookError{
		Category:      "processing",
		StatusCode:    http.StatusInternalServerError,
		PublicError:   "Failed to process payment event",
		InternalError: fmt.Sprintf("Failed to process event for order %s: %v", orderID, err),
		OriginalErr:   err,
	}
}
