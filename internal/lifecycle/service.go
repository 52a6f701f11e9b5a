package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"ms-subscriptions/internal/kafka"
	"ms-subscriptions/internal/logger"
	"ms-subscriptions/internal/models"
	"ms-subscriptions/internal/paylink"
	"ms-subscriptions/internal/push"

	"github.com/google/uuid"
)

// SentinelEmail is used when no billing email can be resolved anywhere in
// the fallback chain. The storefront requires a syntactically valid address.
const SentinelEmail = "noemail@subscriptions.local"

type Ledger interface {
	CreateRoot(order *models.Order) error
	CreateCycle(order *models.Order) error
	GetOrder(id string) (*models.Order, error)
	GetByWooOrderID(wooOrderID int64) (*models.Order, error)
	UpdateStatus(id string, status models.OrderStatus) error
	UpdatePaymentStatus(id string, status models.PaymentStatus) error
	UpdateStatuses(id string, status models.OrderStatus, payment models.PaymentStatus) error
	SetDelivered(id string) error
	SetPaymentIntentID(id, paymentIntentID string) error
	SetPaymentIntentIDIfAbsent(id, paymentIntentID string) (bool, error)
	IncrementFailedPayments(rootID string) (int, error)
	DeactivateSubscription(rootID string, status models.OrderStatus) error
	CascadeCancel(parentID string, to models.OrderStatus, from ...models.OrderStatus) (int64, error)
	FindChildren(parentID string, statuses ...models.OrderStatus) ([]models.Order, error)
	DeleteOrder(id string) error
}

type Storefront interface {
	ComputeCartTotalMinor(ctx context.Context, items []models.LineItem) (int64, error)
	CreateOrder(ctx context.Context, intent models.MirrorOrderIntent, ledgerID string) (*models.MirrorOrder, error)
	WriteLedgerRef(ctx context.Context, wooOrderID int64, ledgerID string) error
	SetStatus(ctx context.Context, wooOrderID int64, status string) error
	GetOrderSummary(ctx context.Context, wooOrderID int64) (*models.OrderSummary, error)
	ListOrders(ctx context.Context, status string, limit int) ([]models.MirrorOrder, error)
	PayURL(wooOrderID int64, orderKey string) string
}

type Payments interface {
	Authorize(ctx context.Context, order *models.Order, userID, email string) (*models.AuthorizationHandle, error)
	AutoAuthorizeForCycle(ctx context.Context, order *models.Order, userID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	CancelAuthorization(ctx context.Context, paymentIntentID string) error
	SetDefaultInstrument(ctx context.Context, customerID, paymentMethodID string) error
	CustomerID(userID string) (string, error)
}

// Notifier is the thread side of the notification dispatcher. Threads are
// keyed by the subscription root id: one conversation per subscription.
type Notifier interface {
	EnsureThread(orderID, customerID, customerEmail string, admins []string, status models.OrderStatus) error
	GetThread(threadID string) (*models.Thread, error)
	PostSystemMessage(threadID, text string) error
	RecordMessage(threadID, senderID, senderRole, text string) error
	Messages(threadID string) ([]models.Message, error)
	MarkRead(threadID string, admin bool) error
	UpdateThreadStatus(threadID string, status models.OrderStatus) error
	DeleteThread(threadID string) error
}

type Roster interface {
	IsAdmin(userID string) (bool, error)
	AdminIDs() ([]string, error)
}

type Profiles interface {
	Email(userID string) (string, error)
	Upsert(profile *models.UserProfile) error
	PushTokens(userID string) ([]string, error)
}

type EventPublisher interface {
	PublishLifecycle(event string, order *models.Order) error
}

type Service struct {
	Ledger     Ledger
	Storefront Storefront
	Payments   Payments
	Notifier   Notifier
	Roster     Roster
	Profiles   Profiles
	Push       push.Sender
	Events     EventPublisher
	Logger     *logger.Logger
}

func NewService(ledger Ledger, store Storefront, payments Payments, notifier Notifier,
	roster Roster, profiles Profiles, sender push.Sender, events EventPublisher, log *logger.Logger) *Service {
	return &Service{
		Ledger:     ledger,
		Storefront: store,
		Payments:   payments,
		Notifier:   notifier,
		Roster:     roster,
		Profiles:   profiles,
		Push:       sender,
		Events:     events,
		Logger:     log,
	}
}

// ---------------- CALLER OPERATIONS ----------------

// SubmitSubscriptionOrder prices the cart, creates the mirror order on the
// storefront and records the subscription root in the ledger. The ledger
// write is the durability boundary; everything after it is best effort.
func (s *Service) SubmitSubscriptionOrder(ctx context.Context, userID, tokenEmail string, req models.SubmitOrderRequest) (*models.SubmitOrderResponse, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if len(req.CartItems) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrInvalidArgument)
	}

	totalMinor, err := s.Storefront.ComputeCartTotalMinor(ctx, req.CartItems)
	if err != nil {
		return nil, fmt.Errorf("pricing cart: %w", err)
	}
	if totalMinor <= 0 {
		return nil, fmt.Errorf("%w: cart total is not positive", ErrInvalidArgument)
	}

	gateway := models.GatewayStripe
	methodTitle := "Card"
	if g, ok := req.Meta["gateway"].(string); ok && g == models.GatewayCash {
		gateway = models.GatewayCash
		methodTitle = "Cash on Delivery"
	}

	ledgerID := uuid.New().String()
	email := s.resolveBillingEmail(req.Meta, req.Address, userID, tokenEmail)

	// Cache the token email on the profile; spawned cycles have no token to
	// fall back on.
	if tokenEmail != "" {
		if err := s.Profiles.Upsert(&models.UserProfile{ID: userID, Email: tokenEmail}); err != nil {
			s.Logger.Warn("USER", fmt.Sprintf("Profile email cache failed for user %s: %v", userID, err))
		}
	}

	billing := req.Address
	billing.Email = email

	intent := models.MirrorOrderIntent{
		PaymentMethod:      gateway,
		PaymentMethodTitle: methodTitle,
		SetPaid:            false,
		Billing:            billing,
		Shipping:           req.Address,
		LineItems:          req.CartItems,
		Meta: map[string]any{
			"user_id":         userID,
			"cycle_number":    1,
			"is_subscription": true,
		},
	}

	mirror, err := s.Storefront.CreateOrder(ctx, intent, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("creating mirror order: %w", err)
	}

	payURL := s.Storefront.PayURL(mirror.ID, mirror.OrderKey)

	order := &models.Order{
		ID:                 ledgerID,
		UserID:             userID,
		WooOrderID:         mirror.ID,
		WooOrderKey:        mirror.OrderKey,
		PayURL:             payURL,
		IsSubscription:     true,
		SubscriptionActive: true,
		Status:             models.OrderPending,
		PaymentStatus:      models.PaymentInitiated,
		Gateway:            gateway,
		Items:              req.CartItems,
		MirrorItems:        mirror.LineItems,
		Address:            req.Address,
		Meta:               req.Meta,
		Total:              mirror.Total,
		TotalMinor:         totalMinor,
		Currency:           mirror.Currency,
	}
	if gateway == models.GatewayCash {
		order.PaymentStatus = models.PaymentUnpaid
	}

	if err := s.Ledger.CreateRoot(order); err != nil {
		return nil, fmt.Errorf("recording order: %w", err)
	}
	s.Logger.LogOrder("SUBMIT", order.ID, fmt.Sprintf("Root order recorded (mirror %d, %s %s)", mirror.ID, mirror.Total, mirror.Currency))

	// Best-effort side effects from here on.
	if err := s.Storefront.WriteLedgerRef(ctx, mirror.ID, ledgerID); err != nil {
		s.Logger.Warn("STOREFRONT", fmt.Sprintf("Ledger ref writeback failed for mirror %d: %v", mirror.ID, err))
	}

	s.openThread(order, email)
	s.publish(kafka.EventOrderCreated, order)

	resp := &models.SubmitOrderResponse{
		OrderID:    order.ID,
		WooOrderID: mirror.ID,
		OrderKey:   mirror.OrderKey,
		PayURL:     payURL,
		Total:      mirror.Total,
		Currency:   mirror.Currency,
	}
	if qr, err := paylink.QRBase64(payURL); err == nil {
		resp.PayURLQR = qr
	}
	return resp, nil
}

// CreatePaymentSheet opens a manual-capture authorization for a pending card
// order and returns the client handle to confirm it.
func (s *Service) CreatePaymentSheet(ctx context.Context, userID, tokenEmail, orderID string) (*models.AuthorizationHandle, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if order.UserID != userID {
		return nil, ErrNotAuthorized
	}
	if order.Gateway != models.GatewayStripe {
		return nil, fmt.Errorf("%w: order is not a card order", ErrPreconditionFailed)
	}
	if order.Status != models.OrderPending {
		return nil, fmt.Errorf("%w: order status is %s", ErrPreconditionFailed, order.Status)
	}

	email := s.resolveBillingEmail(order.Meta, order.Address, userID, tokenEmail)
	handle, err := s.Payments.Authorize(ctx, order, userID, email)
	if err != nil {
		return nil, err
	}

	if err := s.Ledger.SetPaymentIntentID(orderID, handle.PaymentIntentID); err != nil {
		return nil, err
	}
	return handle, nil
}

// AdminAccept captures the authorization and activates the cycle. The
// payment must be authorized with a stored intent id regardless of gateway;
// cash cycles activate through the storefront processing event instead.
func (s *Service) AdminAccept(ctx context.Context, adminID, orderID string) error {
	if err := s.requireAdmin(adminID); err != nil {
		return err
	}
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}

	if order.PaymentStatus != models.PaymentAuthorized {
		return fmt.Errorf("%w: payment is %s, not authorized", ErrPreconditionFailed, order.PaymentStatus)
	}
	if order.PaymentIntentID == "" {
		return fmt.Errorf("%w: no payment authorization reference on order", ErrPreconditionFailed)
	}
	if err := s.Payments.Capture(ctx, order.PaymentIntentID); err != nil {
		return fmt.Errorf("capturing authorization: %w", err)
	}
	if err := s.Ledger.UpdateStatuses(orderID, models.OrderActive, models.PaymentPaid); err != nil {
		return err
	}

	s.Logger.LogOrder("ACCEPT", orderID, "Order accepted by admin")
	s.notifyThread(order, models.OrderActive, "Your order was accepted and is now being prepared.")
	s.pushToCustomer(ctx, order.UserID, "Order accepted", "Your subscription order is now active.", order.ID)
	s.publish(kafka.EventOrderAccepted, order)
	return nil
}

// AdminReject releases any authorization, cancels the mirror order and
// closes the cycle. Authorization release and mirror cancellation are best
// effort; the ledger transition is not.
func (s *Service) AdminReject(ctx context.Context, adminID, orderID string) error {
	if err := s.requireAdmin(adminID); err != nil {
		return err
	}
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}

	if order.PaymentStatus == models.PaymentAuthorized && order.PaymentIntentID != "" {
		if err := s.Payments.CancelAuthorization(ctx, order.PaymentIntentID); err != nil {
			s.Logger.Warn("PAYMENT", fmt.Sprintf("Authorization release failed for order %s: %v", orderID, err))
		}
	}
	if order.WooOrderID != 0 {
		if err := s.Storefront.SetStatus(ctx, order.WooOrderID, "cancelled"); err != nil {
			s.Logger.Warn("STOREFRONT", fmt.Sprintf("Mirror cancel failed for order %s: %v", orderID, err))
		}
	}

	payment := models.PaymentFailed
	if order.Gateway == models.GatewayStripe {
		payment = models.PaymentVoided
	}
	if err := s.Ledger.UpdateStatuses(orderID, models.OrderRejected, payment); err != nil {
		return err
	}

	s.Logger.LogOrder("REJECT", orderID, "Order rejected by admin")
	s.pushToCustomer(ctx, order.UserID, "Order rejected", "Your subscription order was rejected.", order.ID)

	// Notify first, then tear the thread down when the whole subscription
	// ends with the root.
	s.notifyThread(order, models.OrderRejected, "Your order was rejected.")
	if order.IsRoot() {
		if err := s.Notifier.DeleteThread(order.RootID()); err != nil {
			s.Logger.Warn("CHAT", fmt.Sprintf("Thread cleanup failed for order %s: %v", orderID, err))
		}
	}

	s.publish(kafka.EventOrderRejected, order)
	return nil
}

// MarkDelivered completes the cycle and spawns the successor unless the
// root subscription has been switched off.
func (s *Service) MarkDelivered(ctx context.Context, adminID, orderID string) (*models.MarkDeliveredResponse, error) {
	if err := s.requireAdmin(adminID); err != nil {
		return nil, err
	}
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if order.Status != models.OrderActive {
		return nil, fmt.Errorf("%w: order status is %s", ErrPreconditionFailed, order.Status)
	}

	if err := s.Ledger.SetDelivered(orderID); err != nil {
		return nil, err
	}
	s.Logger.LogOrder("DELIVERED", orderID, fmt.Sprintf("Cycle %d delivered", order.CycleNumber))
	s.notifyThread(order, models.OrderCompleted, "Your delivery is complete. Enjoy!")
	s.pushToCustomer(ctx, order.UserID, "Delivered", "Your subscription delivery is complete.", order.ID)
	s.publish(kafka.EventOrderDelivered, order)

	resp := &models.MarkDeliveredResponse{OK: true}

	root, err := s.rootOf(order)
	if err != nil {
		s.Logger.Error("ORDER", fmt.Sprintf("Root lookup failed for order %s: %v", orderID, err))
		resp.Message = "delivery recorded; root subscription could not be resolved"
		return resp, nil
	}
	if !root.IsSubscription || !root.SubscriptionActive {
		resp.Message = "delivery recorded; subscription is inactive, no further cycles"
		return resp, nil
	}

	child, err := s.spawnNextCycle(ctx, order, root)
	if err != nil {
		s.Logger.Error("ORDER", fmt.Sprintf("Cycle spawn failed after delivery of %s: %v", orderID, err))
		resp.Message = "delivery recorded; next cycle could not be created"
		return resp, nil
	}

	resp.NextCycle = child.CycleNumber
	resp.ChildID = child.ID
	resp.ChildWooID = child.WooOrderID
	resp.ChildPayURL = child.PayURL
	return resp, nil
}

// CancelSubscription deactivates a root and cascade-cancels every pending
// or active descendant. Only the owner may cancel, and only on the root.
func (s *Service) CancelSubscription(ctx context.Context, userID, orderID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if !order.IsRoot() {
		return fmt.Errorf("%w: only the subscription root can be cancelled", ErrInvalidArgument)
	}
	if order.UserID != userID {
		return ErrNotAuthorized
	}

	if err := s.Ledger.DeactivateSubscription(orderID, models.OrderCancelled); err != nil {
		return err
	}
	cancelled, err := s.Ledger.CascadeCancel(orderID, models.OrderCancelled)
	if err != nil {
		return err
	}
	s.Logger.LogOrder("CANCEL", orderID, fmt.Sprintf("Subscription cancelled by owner, %d descendant cycle(s) cancelled", cancelled))

	if order.PaymentStatus == models.PaymentAuthorized && order.PaymentIntentID != "" {
		if err := s.Payments.CancelAuthorization(ctx, order.PaymentIntentID); err != nil {
			s.Logger.Warn("PAYMENT", fmt.Sprintf("Authorization release failed for order %s: %v", orderID, err))
		}
	}
	if order.WooOrderID != 0 {
		if err := s.Storefront.SetStatus(ctx, order.WooOrderID, "cancelled"); err != nil {
			s.Logger.Warn("STOREFRONT", fmt.Sprintf("Mirror cancel failed for order %s: %v", orderID, err))
		}
	}

	s.notifyThread(order, models.OrderCancelled, "Your subscription has been cancelled. No further deliveries will be scheduled.")
	s.publish(kafka.EventCancelled, order)
	return nil
}

// GetOrder returns a ledger order to its owner or to an admin.
func (s *Service) GetOrder(ctx context.Context, callerID, orderID string) (*models.Order, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if order.UserID != callerID {
		admin, err := s.Roster.IsAdmin(callerID)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, ErrNotAuthorized
		}
	}
	return order, nil
}

// OrderSummary returns the paid-state view of a mirror order.
func (s *Service) OrderSummary(ctx context.Context, callerID string, wooOrderID int64) (*models.OrderSummary, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	return s.Storefront.GetOrderSummary(ctx, wooOrderID)
}

// PendingMirrorOrders lists storefront orders awaiting an admin decision.
func (s *Service) PendingMirrorOrders(ctx context.Context, adminID string) ([]models.MirrorOrder, error) {
	if err := s.requireAdmin(adminID); err != nil {
		return nil, err
	}
	return s.Storefront.ListOrders(ctx, "pending", 50)
}

// DeleteOrder removes a ledger row and, for a root, its thread. Admin only.
func (s *Service) DeleteOrder(ctx context.Context, adminID, orderID string) error {
	if err := s.requireAdmin(adminID); err != nil {
		return err
	}
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}

	if order.IsRoot() {
		if err := s.Notifier.DeleteThread(order.ID); err != nil {
			s.Logger.Warn("CHAT", fmt.Sprintf("Thread cleanup failed for order %s: %v", orderID, err))
		}
	}
	if err := s.Ledger.DeleteOrder(orderID); err != nil {
		return err
	}
	s.Logger.LogOrder("DELETE", orderID, "Ledger row deleted by admin")
	return nil
}

// ---------------- THREAD MESSAGING ----------------

// threadFor resolves the caller's role on the subscription thread of the
// given order. The thread is keyed by the root id.
func (s *Service) threadFor(callerID, orderID string) (*models.Thread, string, error) {
	if callerID == "" {
		return nil, "", ErrUnauthenticated
	}
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	thread, err := s.Notifier.GetThread(order.RootID())
	if err != nil {
		return nil, "", fmt.Errorf("%w: thread for order %s", ErrNotFound, orderID)
	}

	if callerID == thread.CustomerID {
		return thread, models.SenderRoleCustomer, nil
	}
	admin, err := s.Roster.IsAdmin(callerID)
	if err != nil {
		return nil, "", err
	}
	if !admin {
		return nil, "", ErrNotAuthorized
	}
	return thread, models.SenderRoleAdmin, nil
}

// PostThreadMessage appends a participant message to the subscription
// thread and pushes it to every other participant, never the sender.
func (s *Service) PostThreadMessage(ctx context.Context, callerID, orderID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is required", ErrInvalidArgument)
	}
	thread, role, err := s.threadFor(callerID, orderID)
	if err != nil {
		return err
	}

	if err := s.Notifier.RecordMessage(thread.ID, callerID, role, text); err != nil {
		return err
	}
	s.Logger.LogChat("MESSAGE", thread.ID, fmt.Sprintf("%s message recorded", role))

	for _, uid := range thread.Participants {
		if uid == "" || uid == callerID || uid == models.SystemSenderID {
			continue
		}
		s.pushToCustomer(ctx, uid, "New message", text, thread.OrderID)
	}
	return nil
}

// ThreadMessages lists the subscription conversation for a participant.
func (s *Service) ThreadMessages(ctx context.Context, callerID, orderID string) ([]models.Message, error) {
	thread, _, err := s.threadFor(callerID, orderID)
	if err != nil {
		return nil, err
	}
	return s.Notifier.Messages(thread.ID)
}

// MarkThreadRead zeroes the unread counter for the caller's side.
func (s *Service) MarkThreadRead(ctx context.Context, callerID, orderID string) error {
	thread, role, err := s.threadFor(callerID, orderID)
	if err != nil {
		return err
	}
	return s.Notifier.MarkRead(thread.ID, role == models.SenderRoleAdmin)
}

// ---------------- WEBHOOK-DRIVEN TRANSITIONS ----------------

// HandleMirrorOrderEvent reacts to storefront status changes. "on-hold" is
// the hosted checkout confirming a manual-capture card authorization,
// "processing"/"completed" activate the cycle for every gateway (only card
// cycles also become paid, cash settles at the door), and the failure
// statuses mark the payment failed. Unknown orders are a logged no-op.
func (s *Service) HandleMirrorOrderEvent(ctx context.Context, wooOrderID int64, status, paymentIntentID string) error {
	order, err := s.Ledger.GetByWooOrderID(wooOrderID)
	if err != nil {
		s.Logger.Warn("WEBHOOK", fmt.Sprintf("Storefront event for unknown order %d (%s), ignoring", wooOrderID, status))
		return nil
	}

	if paymentIntentID != "" {
		if _, err := s.Ledger.SetPaymentIntentIDIfAbsent(order.ID, paymentIntentID); err != nil {
			return err
		}
	}

	switch status {
	case "on-hold":
		if order.Gateway != models.GatewayStripe {
			s.Logger.LogWebhook("storefront", status, fmt.Sprintf("No transition for cash order %s", order.ID))
			return nil
		}
		if err := s.Ledger.UpdatePaymentStatus(order.ID, models.PaymentAuthorized); err != nil {
			return err
		}
		s.Logger.LogWebhook("storefront", status, fmt.Sprintf("Order %s authorized via hosted checkout", order.ID))
		s.publish(kafka.EventPaymentAuthorized, order)
	case "processing", "completed":
		if order.Gateway == models.GatewayStripe {
			if err := s.Ledger.UpdateStatuses(order.ID, models.OrderActive, models.PaymentPaid); err != nil {
				return err
			}
			s.publish(kafka.EventPaymentCaptured, order)
		} else {
			if err := s.Ledger.UpdateStatus(order.ID, models.OrderActive); err != nil {
				return err
			}
			s.publish(kafka.EventOrderAccepted, order)
		}
		s.Logger.LogWebhook("storefront", status, fmt.Sprintf("Order %s activated via storefront", order.ID))
	case "cancelled", "refunded", "failed":
		if err := s.Ledger.UpdatePaymentStatus(order.ID, models.PaymentFailed); err != nil {
			return err
		}
		s.Logger.LogWebhook("storefront", status, fmt.Sprintf("Order %s payment marked failed via storefront", order.ID))
	default:
		s.Logger.LogWebhook("storefront", status, fmt.Sprintf("No transition for order %s", order.ID))
	}
	return nil
}

// HandleAuthorizationCapturable records the processor reference and marks
// the payment authorized. First write of the intent id wins.
func (s *Service) HandleAuthorizationCapturable(ctx context.Context, orderID, paymentIntentID string) error {
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		s.Logger.Warn("WEBHOOK", fmt.Sprintf("Capturable event for unknown order %s, ignoring", orderID))
		return nil
	}

	written, err := s.Ledger.SetPaymentIntentIDIfAbsent(orderID, paymentIntentID)
	if err != nil {
		return err
	}
	if !written && order.PaymentIntentID != "" && order.PaymentIntentID != paymentIntentID {
		s.Logger.Warn("WEBHOOK", fmt.Sprintf("Order %s already holds intent %s, ignoring %s", orderID, order.PaymentIntentID, paymentIntentID))
	}

	if err := s.Ledger.UpdatePaymentStatus(orderID, models.PaymentAuthorized); err != nil {
		return err
	}
	s.Logger.LogWebhook("stripe", "authorization_capturable", fmt.Sprintf("Order %s authorized (%s)", orderID, paymentIntentID))
	s.publish(kafka.EventPaymentAuthorized, order)
	return nil
}

// HandleCaptureSucceeded settles the cycle and stores the used instrument
// as the customer default so later cycles can auto-authorize.
func (s *Service) HandleCaptureSucceeded(ctx context.Context, orderID, paymentIntentID, paymentMethodID string) error {
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		s.Logger.Warn("WEBHOOK", fmt.Sprintf("Capture event for unknown order %s, ignoring", orderID))
		return nil
	}
	if order.PaymentStatus == models.PaymentPaid {
		s.Logger.LogWebhook("stripe", "capture_succeeded", fmt.Sprintf("Order %s already settled, ignoring duplicate", orderID))
		return nil
	}

	if _, err := s.Ledger.SetPaymentIntentIDIfAbsent(orderID, paymentIntentID); err != nil {
		return err
	}
	if err := s.Ledger.UpdateStatuses(orderID, models.OrderActive, models.PaymentPaid); err != nil {
		return err
	}

	if order.IsSubscription && paymentMethodID != "" {
		customerID, err := s.Payments.CustomerID(order.UserID)
		if err != nil || customerID == "" {
			s.Logger.Warn("PAYMENT", fmt.Sprintf("No customer for user %s, default instrument not set", order.UserID))
		} else if err := s.Payments.SetDefaultInstrument(ctx, customerID, paymentMethodID); err != nil {
			s.Logger.Warn("PAYMENT", fmt.Sprintf("Default instrument update failed for order %s: %v", orderID, err))
		}
	}

	s.Logger.LogWebhook("stripe", "capture_succeeded", fmt.Sprintf("Order %s paid (%s)", orderID, paymentIntentID))
	s.notifyThread(order, models.OrderActive, "Payment received. Your order is active.")
	s.publish(kafka.EventPaymentCaptured, order)
	return nil
}

// HandlePaymentFailed records the failure and escalates to the root. The
// third consecutive failure shuts the subscription down and cascade-cancels
// every open cycle.
func (s *Service) HandlePaymentFailed(ctx context.Context, orderID, paymentIntentID string) error {
	order, err := s.Ledger.GetOrder(orderID)
	if err != nil {
		s.Logger.Warn("WEBHOOK", fmt.Sprintf("Failure event for unknown order %s, ignoring", orderID))
		return nil
	}

	if err := s.Ledger.UpdatePaymentStatus(orderID, models.PaymentFailed); err != nil {
		return err
	}
	if order.Status == models.OrderPending {
		if err := s.Ledger.UpdateStatus(orderID, models.OrderPaymentFailed); err != nil {
			return err
		}
	}
	s.Logger.LogWebhook("stripe", "payment_failed", fmt.Sprintf("Order %s payment failed (%s)", orderID, paymentIntentID))
	s.publish(kafka.EventPaymentFailed, order)

	if !order.IsSubscription {
		return nil
	}

	rootID := order.RootID()
	count, err := s.Ledger.IncrementFailedPayments(rootID)
	if err != nil {
		return err
	}

	if count < models.MaxPaymentFailures {
		s.Logger.LogOrder("PAYMENT_FAILED", rootID, fmt.Sprintf("Failure %d of %d, subscription stays active", count, models.MaxPaymentFailures))
		s.notifyRootThread(rootID, fmt.Sprintf("A payment attempt failed (%d of %d). Please check your payment method.", count, models.MaxPaymentFailures))
		return nil
	}

	if err := s.Ledger.DeactivateSubscription(rootID, models.OrderPaymentFailed); err != nil {
		return err
	}
	cancelled, err := s.Ledger.CascadeCancel(rootID, models.OrderPaymentFailed)
	if err != nil {
		return err
	}
	s.Logger.LogOrder("DEACTIVATE", rootID, fmt.Sprintf("Subscription shut down after %d failures, %d cycle(s) cancelled", count, cancelled))

	s.notifyRootThread(rootID, "Your subscription was deactivated after repeated payment failures. Open deliveries have been cancelled.")
	s.pushToCustomer(ctx, order.UserID, "Subscription deactivated", "Repeated payment failures deactivated your subscription.", rootID)
	s.publish(kafka.EventDeactivated, order)
	return nil
}

// ---------------- HELPERS ----------------

func (s *Service) requireAdmin(adminID string) error {
	if adminID == "" {
		return ErrUnauthenticated
	}
	admin, err := s.Roster.IsAdmin(adminID)
	if err != nil {
		return err
	}
	if !admin {
		return ErrNotAuthorized
	}
	return nil
}

func (s *Service) rootOf(order *models.Order) (*models.Order, error) {
	if order.IsRoot() {
		return s.Ledger.GetOrder(order.ID)
	}
	return s.Ledger.GetOrder(order.RootID())
}

// resolveBillingEmail walks the fallback chain: order metadata, address,
// account record, identity provider claim, sentinel.
func (s *Service) resolveBillingEmail(meta map[string]any, address models.Address, userID, tokenEmail string) string {
	if email, ok := meta["customer_email"].(string); ok && email != "" {
		return email
	}
	if address.Email != "" {
		return address.Email
	}
	if email, err := s.Profiles.Email(userID); err == nil && email != "" {
		return email
	}
	if tokenEmail != "" {
		return tokenEmail
	}
	s.Logger.Warn("ORDER", fmt.Sprintf("No billing email resolvable for user %s, using sentinel", userID))
	return SentinelEmail
}

// spawnNextCycle creates cycle n+1 for a delivered cycle of an active
// subscription: mirror order, ledger row, writeback, auto-authorization
// attempt and thread notice.
func (s *Service) spawnNextCycle(ctx context.Context, delivered, root *models.Order) (*models.Order, error) {
	email := s.resolveBillingEmail(delivered.Meta, delivered.Address, root.UserID, "")

	billing := delivered.Address
	billing.Email = email

	methodTitle := "Card"
	if delivered.Gateway == models.GatewayCash {
		methodTitle = "Cash on Delivery"
	}

	childID := uuid.New().String()
	nextCycle := delivered.CycleNumber + 1

	intent := models.MirrorOrderIntent{
		PaymentMethod:      delivered.Gateway,
		PaymentMethodTitle: methodTitle,
		Billing:            billing,
		Shipping:           delivered.Address,
		LineItems:          delivered.Items,
		Meta: map[string]any{
			"user_id":         root.UserID,
			"cycle_number":    nextCycle,
			"is_subscription": true,
			"parent_order_id": root.ID,
		},
	}

	mirror, err := s.Storefront.CreateOrder(ctx, intent, childID)
	if err != nil {
		return nil, fmt.Errorf("creating mirror order for cycle %d: %w", nextCycle, err)
	}
	payURL := s.Storefront.PayURL(mirror.ID, mirror.OrderKey)

	child := &models.Order{
		ID:                 childID,
		UserID:             root.UserID,
		WooOrderID:         mirror.ID,
		WooOrderKey:        mirror.OrderKey,
		PayURL:             payURL,
		ParentID:           root.ID,
		IsSubscription:     true,
		SubscriptionActive: true,
		CycleNumber:        nextCycle,
		Status:             models.OrderPending,
		PaymentStatus:      models.PaymentInitiated,
		Gateway:            delivered.Gateway,
		Items:              delivered.Items,
		MirrorItems:        mirror.LineItems,
		Address:            delivered.Address,
		Meta:               delivered.Meta,
		Total:              mirror.Total,
		TotalMinor:         delivered.TotalMinor,
		Currency:           mirror.Currency,
	}
	if delivered.Gateway == models.GatewayCash {
		child.PaymentStatus = models.PaymentUnpaid
	}

	if err := s.Ledger.CreateCycle(child); err != nil {
		return nil, fmt.Errorf("recording cycle %d: %w", nextCycle, err)
	}
	s.Logger.LogOrder("SPAWN", child.ID, fmt.Sprintf("Cycle %d spawned from root %s", nextCycle, root.ID))

	if err := s.Storefront.WriteLedgerRef(ctx, mirror.ID, childID); err != nil {
		s.Logger.Warn("STOREFRONT", fmt.Sprintf("Ledger ref writeback failed for cycle %s: %v", childID, err))
	}

	if delivered.Gateway == models.GatewayStripe {
		if piID, _ := s.Payments.AutoAuthorizeForCycle(ctx, child, root.UserID); piID != "" {
			if _, err := s.Ledger.SetPaymentIntentIDIfAbsent(childID, piID); err != nil {
				s.Logger.Warn("PAYMENT", fmt.Sprintf("Recording auto-auth intent failed for cycle %s: %v", childID, err))
			}
		}
	}

	s.notifyRootThread(root.ID, fmt.Sprintf("Delivery %d is scheduled. We'll confirm it shortly.", nextCycle))
	s.publish(kafka.EventCycleSpawned, child)
	return child, nil
}

// openThread creates the subscription conversation and posts the opening
// system message. Best effort.
func (s *Service) openThread(order *models.Order, email string) {
	admins, err := s.Roster.AdminIDs()
	if err != nil {
		s.Logger.Warn("CHAT", fmt.Sprintf("Admin roster lookup failed: %v", err))
	}
	if err := s.Notifier.EnsureThread(order.ID, order.UserID, email, admins, order.Status); err != nil {
		s.Logger.Warn("CHAT", fmt.Sprintf("Thread creation failed for order %s: %v", order.ID, err))
		return
	}
	if err := s.Notifier.PostSystemMessage(order.ID, "Order received. We'll review it shortly."); err != nil {
		s.Logger.Warn("CHAT", fmt.Sprintf("Opening message failed for order %s: %v", order.ID, err))
	}
}

// notifyThread posts a system message to the subscription thread and keeps
// the thread's status mirror current. Best effort.
func (s *Service) notifyThread(order *models.Order, status models.OrderStatus, text string) {
	threadID := order.RootID()
	if err := s.Notifier.UpdateThreadStatus(threadID, status); err != nil {
		s.Logger.Warn("CHAT", fmt.Sprintf("Thread status update failed for %s: %v", threadID, err))
	}
	if err := s.Notifier.PostSystemMessage(threadID, text); err != nil {
		s.Logger.Warn("CHAT", fmt.Sprintf("System message failed for %s: %v", threadID, err))
	}
}

func (s *Service) notifyRootThread(rootID, text string) {
	if err := s.Notifier.PostSystemMessage(rootID, text); err != nil {
		s.Logger.Warn("CHAT", fmt.Sprintf("System message failed for %s: %v", rootID, err))
	}
}

// pushToCustomer fans out a push notification to the user's devices. Best
// effort, no-op for users without tokens.
func (s *Service) pushToCustomer(ctx context.Context, userID, title, body, orderID string) {
	tokens, err := s.Profiles.PushTokens(userID)
	if err != nil || len(tokens) == 0 {
		return
	}
	data := map[string]string{"order_id": orderID}
	if err := s.Push.Send(ctx, tokens, title, body, data); err != nil {
		s.Logger.Warn("PUSH", fmt.Sprintf("Push delivery failed for user %s: %v", userID, err))
	}
}

func (s *Service) publish(event string, order *models.Order) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishLifecycle(event, order); err != nil {
		s.Logger.Warn("KAFKA", fmt.Sprintf("Publish error (%s) for order %s: %v", event, order.ID, err))
	}
}
