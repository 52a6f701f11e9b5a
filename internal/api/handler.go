package api

import (
	"encoding/json"
	"net/http"

	"ms-subscriptions/internal/auth"
	"ms-subscriptions/internal/lifecycle"
	"ms-subscriptions/internal/models"
	"ms-subscriptions/internal/paylink"
	"ms-subscriptions/internal/payment"
	"ms-subscriptions/internal/users"
	"ms-subscriptions/internal/utils"

	"github.com/go-chi/chi/v5"
	"strconv"
)

type Handler struct {
	Service  *lifecycle.Service
	Payments *payment.Service
	Users    *users.DB
}

// Routes mounts the caller-facing API. The OIDC middleware has already put
// the caller id into the request context.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.SubmitOrder)
		r.Get("/{orderId}", h.GetOrder)
		r.Delete("/{orderId}", h.DeleteOrder)
		r.Post("/{orderId}/payment-sheet", h.CreatePaymentSheet)
		r.Post("/{orderId}/accept", h.AcceptOrder)
		r.Post("/{orderId}/reject", h.RejectOrder)
		r.Post("/{orderId}/delivered", h.MarkDelivered)
		r.Post("/{orderId}/cancel", h.CancelSubscription)
		r.Get("/{orderId}/paylink/qr", h.PayLinkQR)
		r.Get("/{orderId}/messages", h.ThreadMessages)
		r.Post("/{orderId}/messages", h.PostThreadMessage)
		r.Post("/{orderId}/messages/read", h.MarkThreadRead)
	})
	r.Get("/orders/summary/{wooOrderId}", h.OrderSummary)
	r.Get("/admin/orders/pending", h.PendingOrders)
	r.Route("/payment-methods", func(r chi.Router) {
		r.Get("/", h.ListInstruments)
		r.Post("/", h.AddInstrument)
		r.Delete("/{instrumentId}", h.DetachInstrument)
		r.Post("/{instrumentId}/default", h.SetDefaultInstrument)
	})
	r.Post("/push-tokens", h.RegisterPushToken)
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	utils.WriteJSON(w, lifecycle.HTTPStatus(err), utils.ErrorResponse(message, err.Error()))
}

func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	resp, err := h.Service.SubmitSubscriptionOrder(r.Context(), auth.UserID(r.Context()), auth.Email(r.Context()), req)
	if err != nil {
		h.fail(w, "Could not submit order", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Order submitted", resp))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Service.GetOrder(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Order not found", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order retrieved", order))
}

func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	err := h.Service.DeleteOrder(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Could not delete order", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order deleted", nil))
}

func (h *Handler) CreatePaymentSheet(w http.ResponseWriter, r *http.Request) {
	handle, err := h.Service.CreatePaymentSheet(r.Context(), auth.UserID(r.Context()), auth.Email(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Could not create payment sheet", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment sheet created", handle))
}

func (h *Handler) AcceptOrder(w http.ResponseWriter, r *http.Request) {
	err := h.Service.AdminAccept(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Could not accept order", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order accepted", nil))
}

func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	err := h.Service.AdminReject(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Could not reject order", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order rejected", nil))
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.MarkDelivered(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Could not mark order delivered", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Delivery recorded", resp))
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	err := h.Service.CancelSubscription(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Could not cancel subscription", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Subscription cancelled", nil))
}

// PayLinkQR streams the hosted checkout link as a QR PNG. Owner or admin.
func (h *Handler) PayLinkQR(w http.ResponseWriter, r *http.Request) {
	order, err := h.Service.GetOrder(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Order not found", err)
		return
	}

	png, err := paylink.QRPNG(order.PayURL, 256)
	if err != nil {
		utils.WriteJSON(w, http.StatusConflict, utils.ErrorResponse("Order has no pay link", err.Error()))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Handler) OrderSummary(w http.ResponseWriter, r *http.Request) {
	wooOrderID, err := strconv.ParseInt(chi.URLParam(r, "wooOrderId"), 10, 64)
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid order id", err.Error()))
		return
	}

	summary, err := h.Service.OrderSummary(r.Context(), auth.UserID(r.Context()), wooOrderID)
	if err != nil {
		h.fail(w, "Could not fetch order summary", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order summary retrieved", summary))
}

func (h *Handler) PendingOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Service.PendingMirrorOrders(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "Could not list pending orders", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Pending orders retrieved", orders))
}

// ---------------- THREAD MESSAGING ----------------

func (h *Handler) PostThreadMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	err := h.Service.PostThreadMessage(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"), req.Text)
	if err != nil {
		h.fail(w, "Could not post message", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Message posted", nil))
}

func (h *Handler) ThreadMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.Service.ThreadMessages(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Could not list messages", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Messages retrieved", messages))
}

func (h *Handler) MarkThreadRead(w http.ResponseWriter, r *http.Request) {
	err := h.Service.MarkThreadRead(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, "Could not mark thread read", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Thread marked read", nil))
}

// ---------------- PAYMENT METHODS ----------------

func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		h.fail(w, "Not authenticated", lifecycle.ErrUnauthenticated)
		return
	}

	instruments, err := h.Payments.ListInstruments(r.Context(), userID)
	if err != nil {
		utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse("Could not list payment methods", err.Error()))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment methods retrieved", instruments))
}

func (h *Handler) AddInstrument(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		h.fail(w, "Not authenticated", lifecycle.ErrUnauthenticated)
		return
	}

	handle, err := h.Payments.AddInstrument(r.Context(), userID, auth.Email(r.Context()))
	if err != nil {
		utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse("Could not start card setup", err.Error()))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Card setup started", handle))
}

func (h *Handler) DetachInstrument(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		h.fail(w, "Not authenticated", lifecycle.ErrUnauthenticated)
		return
	}

	if err := h.Payments.DetachInstrument(r.Context(), chi.URLParam(r, "instrumentId")); err != nil {
		utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse("Could not remove payment method", err.Error()))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment method removed", nil))
}

func (h *Handler) SetDefaultInstrument(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		h.fail(w, "Not authenticated", lifecycle.ErrUnauthenticated)
		return
	}

	customerID, err := h.Payments.CustomerID(userID)
	if err != nil || customerID == "" {
		utils.WriteJSON(w, http.StatusConflict, utils.ErrorResponse("No payment profile exists yet", "customer not found"))
		return
	}

	if err := h.Payments.SetDefaultInstrument(r.Context(), customerID, chi.URLParam(r, "instrumentId")); err != nil {
		utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse("Could not set default payment method", err.Error()))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Default payment method updated", nil))
}

func (h *Handler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		h.fail(w, "Not authenticated", lifecycle.ErrUnauthenticated)
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", "token is required"))
		return
	}

	if err := h.Users.AddPushToken(userID, req.Token); err != nil {
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not register push token", err.Error()))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Push token registered", nil))
}
