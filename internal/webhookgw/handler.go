package webhookgw

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-subscriptions/internal/lifecycle"
	"ms-subscriptions/internal/logger"
	"ms-subscriptions/internal/utils"

	"github.com/gin-gonic/gin"
)

// Handler terminates inbound webhooks from the payment processor and the
// storefront. Signature verification happens here, before any state is
// touched; unresolvable orders are answered 200 so senders do not retry.
type Handler struct {
	Service          *lifecycle.Service
	Dedup            lifecycle.Dedup
	StripeSecret     string
	StorefrontSecret string
	Logger           *logger.Logger
}

func NewHandler(service *lifecycle.Service, guard lifecycle.Dedup, stripeSecret, storefrontSecret string, log *logger.Logger) *Handler {
	return &Handler{
		Service:          service,
		Dedup:            guard,
		StripeSecret:     stripeSecret,
		StorefrontSecret: storefrontSecret,
		Logger:           log,
	}
}

// Routes mounts the webhook endpoints on a gin engine.
func (h *Handler) Routes(r *gin.Engine) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
	r.POST("/webhooks/storefront", h.StorefrontWebhook)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (h *Handler) StripeWebhook(c *gin.Context) {
	err := h.Service.HandleStripeWebhook(c.Request, h.StripeSecret, h.Dedup)
	if err != nil {
		var whErr *lifecycle.WebhookError
		if errors.As(err, &whErr) {
			c.JSON(whErr.StatusCode, utils.ErrorResponse("Webhook rejected", whErr.PublicError))
			return
		}
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Webhook rejected", "processing error"))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Webhook processed", nil))
}

type storefrontEvent struct {
	ID       int64  `json:"id"`
	Status   string `json:"status"`
	MetaData []struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	} `json:"meta_data"`
}

// paymentIntentFromMeta digs the processor intent reference out of the
// order meta, checking every key spelling the checkout plugins have used.
func (e *storefrontEvent) paymentIntentFromMeta() string {
	keys := []string{"_stripe_intent_id", "_stripe_payment_intent_id", "payment_intent_id", "stripe_intent_id"}
	for _, key := range keys {
		for _, entry := range e.MetaData {
			if entry.Key != key {
				continue
			}
			var value string
			if err := json.Unmarshal(entry.Value, &value); err == nil && value != "" {
				return value
			}
		}
	}
	return ""
}

// StorefrontWebhook handles order-status events from the storefront,
// authenticated with the HMAC-SHA256 signature header the storefront sends.
func (h *Handler) StorefrontWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid webhook payload", err.Error()))
		return
	}

	signature := c.GetHeader("X-WC-Webhook-Signature")
	if !verifySignature(payload, signature, h.StorefrontSecret) {
		h.Logger.LogSecurity("WEBHOOK_SIGNATURE", "Storefront webhook signature verification failed")
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Webhook rejected", "signature verification failed"))
		return
	}

	var event storefrontEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		// The storefront pings with non-JSON bodies on webhook setup.
		h.Logger.LogWebhook("storefront", "ping", "Non-JSON payload acknowledged")
		c.JSON(http.StatusOK, utils.SuccessResponse("Webhook acknowledged", nil))
		return
	}
	if event.ID == 0 {
		c.JSON(http.StatusOK, utils.SuccessResponse("Webhook acknowledged", nil))
		return
	}

	eventID := fmt.Sprintf("wc-%d-%s-%s", event.ID, event.Status, c.GetHeader("X-WC-Webhook-Delivery-ID"))
	if h.Dedup != nil && !h.Dedup.FirstDelivery(c.Request.Context(), eventID) {
		c.JSON(http.StatusOK, utils.SuccessResponse("Duplicate delivery ignored", nil))
		return
	}

	if err := h.Service.HandleMirrorOrderEvent(c.Request.Context(), event.ID, event.Status, event.paymentIntentFromMeta()); err != nil {
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Webhook processing failed", err.Error()))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Webhook processed", nil))
}

func verifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
