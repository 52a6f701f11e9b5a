package lifecycle_test

import (
	"context"
	"database/sql"
	"testing"

	"ms-subscriptions/internal/chat"
	"ms-subscriptions/internal/ledger"
	"ms-subscriptions/internal/lifecycle"
	"ms-subscriptions/internal/logger"
	"ms-subscriptions/internal/models"
	"ms-subscriptions/internal/push"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"
)

// ---------------- MOCK COLLABORATORS ----------------

type MockStorefront struct {
	mock.Mock
}

func (m *MockStorefront) ComputeCartTotalMinor(ctx context.Context, items []models.LineItem) (int64, error) {
	args := m.Called(ctx, items)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorefront) CreateOrder(ctx context.Context, intent models.MirrorOrderIntent, ledgerID string) (*models.MirrorOrder, error) {
	args := m.Called(ctx, intent, ledgerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MirrorOrder), args.Error(1)
}

func (m *MockStorefront) WriteLedgerRef(ctx context.Context, wooOrderID int64, ledgerID string) error {
	args := m.Called(ctx, wooOrderID, ledgerID)
	return args.Error(0)
}

func (m *MockStorefront) SetStatus(ctx context.Context, wooOrderID int64, status string) error {
	args := m.Called(ctx, wooOrderID, status)
	return args.Error(0)
}

func (m *MockStorefront) GetOrderSummary(ctx context.Context, wooOrderID int64) (*models.OrderSummary, error) {
	args := m.Called(ctx, wooOrderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.OrderSummary), args.Error(1)
}

func (m *MockStorefront) ListOrders(ctx context.Context, status string, limit int) ([]models.MirrorOrder, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.MirrorOrder), args.Error(1)
}

func (m *MockStorefront) PayURL(wooOrderID int64, orderKey string) string {
	args := m.Called(wooOrderID, orderKey)
	return args.String(0)
}

type MockPayments struct {
	mock.Mock
}

func (m *MockPayments) Authorize(ctx context.Context, order *models.Order, userID, email string) (*models.AuthorizationHandle, error) {
	args := m.Called(ctx, order, userID, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuthorizationHandle), args.Error(1)
}

func (m *MockPayments) AutoAuthorizeForCycle(ctx context.Context, order *models.Order, userID string) (string, error) {
	args := m.Called(ctx, order, userID)
	return args.String(0), args.Error(1)
}

func (m *MockPayments) Capture(ctx context.Context, paymentIntentID string) error {
	args := m.Called(ctx, paymentIntentID)
	return args.Error(0)
}

func (m *MockPayments) CancelAuthorization(ctx context.Context, paymentIntentID string) error {
	args := m.Called(ctx, paymentIntentID)
	return args.Error(0)
}

func (m *MockPayments) SetDefaultInstrument(ctx context.Context, customerID, paymentMethodID string) error {
	args := m.Called(ctx, customerID, paymentMethodID)
	return args.Error(0)
}

func (m *MockPayments) CustomerID(userID string) (string, error) {
	args := m.Called(userID)
	return args.String(0), args.Error(1)
}

type MockRoster struct {
	mock.Mock
}

func (m *MockRoster) IsAdmin(userID string) (bool, error) {
	args := m.Called(userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRoster) AdminIDs() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockProfiles struct {
	mock.Mock
}

func (m *MockProfiles) Email(userID string) (string, error) {
	args := m.Called(userID)
	return args.String(0), args.Error(1)
}

func (m *MockProfiles) Upsert(profile *models.UserProfile) error {
	args := m.Called(profile)
	return args.Error(0)
}

func (m *MockProfiles) PushTokens(userID string) ([]string, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) PublishLifecycle(event string, order *models.Order) error {
	args := m.Called(event, order)
	return args.Error(0)
}

// ---------------- HARNESS ----------------

type harness struct {
	svc        *lifecycle.Service
	ledger     *ledger.DB
	chat       *chat.Store
	storefront *MockStorefront
	payments   *MockPayments
	roster     *MockRoster
	profiles   *MockProfiles
	events     *MockEvents
	bun        *bun.DB
}

func newHarness(t *testing.T) *harness {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	for _, model := range []interface{}{
		(*models.Order)(nil), (*models.Thread)(nil), (*models.Message)(nil),
	} {
		_, err := bunDB.NewCreateTable().Model(model).Exec(context.Background())
		require.NoError(t, err)
	}

	h := &harness{
		ledger:     &ledger.DB{Bun: bunDB},
		chat:       &chat.Store{Bun: bunDB},
		storefront: new(MockStorefront),
		payments:   new(MockPayments),
		roster:     new(MockRoster),
		profiles:   new(MockProfiles),
		events:     new(MockEvents),
		bun:        bunDB,
	}

	h.roster.On("IsAdmin", "admin1").Return(true, nil).Maybe()
	h.roster.On("IsAdmin", mock.Anything).Return(false, nil).Maybe()
	h.roster.On("AdminIDs").Return([]string{"admin1"}, nil).Maybe()
	h.profiles.On("Email", mock.Anything).Return("", nil).Maybe()
	h.profiles.On("Upsert", mock.Anything).Return(nil).Maybe()
	h.profiles.On("PushTokens", mock.Anything).Return(nil, nil).Maybe()
	h.events.On("PublishLifecycle", mock.Anything, mock.Anything).Return(nil).Maybe()

	h.svc = lifecycle.NewService(
		h.ledger, h.storefront, h.payments, h.chat,
		h.roster, h.profiles, push.NoopSender{}, h.events, logger.NewLogger(),
	)
	return h
}

func (h *harness) expectMirrorCreate(wooID int64, key, total string) {
	h.storefront.On("CreateOrder", mock.Anything, mock.Anything, mock.Anything).
		Return(&models.MirrorOrder{
			ID:       wooID,
			OrderKey: key,
			Status:   "pending",
			Total:    total,
			Currency: "EUR",
		}, nil).Once()
	h.storefront.On("WriteLedgerRef", mock.Anything, wooID, mock.Anything).Return(nil).Once()
	h.storefront.On("PayURL", wooID, key).Return("https://shop.example.com/checkout/order-pay/777/?pay_for_order=true&key=" + key).Once()
}

func (h *harness) submitRoot(t *testing.T, userID string) *models.Order {
	h.storefront.On("ComputeCartTotalMinor", mock.Anything, mock.Anything).Return(int64(900), nil).Once()
	h.expectMirrorCreate(777, "wc_order_root", "9.00")

	resp, err := h.svc.SubmitSubscriptionOrder(context.Background(), userID, "user@example.com", models.SubmitOrderRequest{
		CartItems: []models.LineItem{{ProductID: 10, Quantity: 1}},
		Address:   models.Address{Line1: "1 Main St", City: "Lisbon", Country: "PT"},
		Meta:      map[string]any{},
	})
	require.NoError(t, err)

	order, err := h.ledger.GetOrder(resp.OrderID)
	require.NoError(t, err)
	return order
}

// ---------------- TESTS ----------------

func TestSubmitCreatesRootAndThread(t *testing.T) {
	h := newHarness(t)

	order := h.submitRoot(t, "user1")

	assert.Equal(t, 1, order.CycleNumber)
	assert.True(t, order.IsRoot())
	assert.True(t, order.SubscriptionActive)
	assert.Equal(t, models.OrderPending, order.Status)
	assert.Equal(t, models.PaymentInitiated, order.PaymentStatus)
	assert.Equal(t, int64(900), order.TotalMinor)
	assert.Equal(t, int64(777), order.WooOrderID)

	thread, err := h.chat.GetThread(order.ID)
	require.NoError(t, err)
	assert.Equal(t, "user1", thread.CustomerID)
	assert.Contains(t, thread.Participants, "admin1")
	assert.Equal(t, 1, thread.UnreadForCustomer)
}

func TestSubmitRejectsEmptyCart(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SubmitSubscriptionOrder(context.Background(), "user1", "", models.SubmitOrderRequest{})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidArgument)

	_, err = h.svc.SubmitSubscriptionOrder(context.Background(), "", "", models.SubmitOrderRequest{
		CartItems: []models.LineItem{{ProductID: 10, Quantity: 1}},
	})
	assert.ErrorIs(t, err, lifecycle.ErrUnauthenticated)
}

func TestSubmitRejectsZeroTotal(t *testing.T) {
	h := newHarness(t)

	h.storefront.On("ComputeCartTotalMinor", mock.Anything, mock.Anything).Return(int64(0), nil).Once()

	_, err := h.svc.SubmitSubscriptionOrder(context.Background(), "user1", "", models.SubmitOrderRequest{
		CartItems: []models.LineItem{{ProductID: 10, Quantity: 1}},
	})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidArgument)
	// No mirror order was attempted for an unpriceable cart
	h.storefront.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdminAcceptRequiresAuthorizedPayment(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	// Payment still initiated, no intent id stored
	err := h.svc.AdminAccept(context.Background(), "admin1", order.ID)
	assert.ErrorIs(t, err, lifecycle.ErrPreconditionFailed)
	h.payments.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestAdminAcceptRejectsUnpaidCashOrder(t *testing.T) {
	h := newHarness(t)

	root := &models.Order{
		ID: "cash1", UserID: "user1", WooOrderID: 881,
		IsSubscription: true, SubscriptionActive: true,
		Status: models.OrderPending, PaymentStatus: models.PaymentUnpaid,
		Gateway: models.GatewayCash,
	}
	require.NoError(t, h.ledger.CreateRoot(root))

	err := h.svc.AdminAccept(context.Background(), "admin1", "cash1")
	assert.ErrorIs(t, err, lifecycle.ErrPreconditionFailed)
	h.payments.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)

	got, err := h.ledger.GetOrder("cash1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)
	assert.Equal(t, models.PaymentUnpaid, got.PaymentStatus)
}

func TestMirrorEventActivatesCashOrder(t *testing.T) {
	h := newHarness(t)

	root := &models.Order{
		ID: "cash2", UserID: "user1", WooOrderID: 882,
		IsSubscription: true, SubscriptionActive: true,
		Status: models.OrderPending, PaymentStatus: models.PaymentUnpaid,
		Gateway: models.GatewayCash,
	}
	require.NoError(t, h.ledger.CreateRoot(root))

	require.NoError(t, h.svc.HandleMirrorOrderEvent(context.Background(), 882, "processing", ""))

	got, err := h.ledger.GetOrder("cash2")
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, got.Status)
	assert.Equal(t, models.PaymentUnpaid, got.PaymentStatus)
}

func TestMirrorEventFailureMarksPaymentFailed(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	require.NoError(t, h.svc.HandleMirrorOrderEvent(context.Background(), 777, "cancelled", ""))

	got, err := h.ledger.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, models.OrderPending, got.Status)
}

func TestMirrorEventPersistsIntentIDOnce(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	require.NoError(t, h.svc.HandleMirrorOrderEvent(context.Background(), 777, "on-hold", "pi_meta_1"))
	require.NoError(t, h.svc.HandleMirrorOrderEvent(context.Background(), 777, "on-hold", "pi_meta_2"))

	got, err := h.ledger.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_meta_1", got.PaymentIntentID)
	assert.Equal(t, models.PaymentAuthorized, got.PaymentStatus)
}

func TestAdminAcceptCapturesAndActivates(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	require.NoError(t, h.svc.HandleAuthorizationCapturable(context.Background(), order.ID, "pi_123"))

	h.payments.On("Capture", mock.Anything, "pi_123").Return(nil).Once()

	require.NoError(t, h.svc.AdminAccept(context.Background(), "admin1", order.ID))

	got, err := h.ledger.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, got.Status)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "pi_123", got.PaymentIntentID)
	h.payments.AssertExpectations(t)
}

func TestAdminAcceptRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	err := h.svc.AdminAccept(context.Background(), "user1", order.ID)
	assert.ErrorIs(t, err, lifecycle.ErrNotAuthorized)
}

func TestAdminRejectVoidsAuthorizedCard(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	require.NoError(t, h.svc.HandleAuthorizationCapturable(context.Background(), order.ID, "pi_123"))

	h.payments.On("CancelAuthorization", mock.Anything, "pi_123").Return(nil).Once()
	h.storefront.On("SetStatus", mock.Anything, int64(777), "cancelled").Return(nil).Once()

	require.NoError(t, h.svc.AdminReject(context.Background(), "admin1", order.ID))

	got, err := h.ledger.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderRejected, got.Status)
	assert.Equal(t, models.PaymentVoided, got.PaymentStatus)

	// Rejecting the root tears down the thread
	_, err = h.chat.GetThread(order.ID)
	assert.ErrorIs(t, err, chat.ErrThreadNotFound)
	h.payments.AssertExpectations(t)
}

func TestCustomerCancelNotOwner(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	err := h.svc.CancelSubscription(context.Background(), "someone-else", order.ID)
	assert.ErrorIs(t, err, lifecycle.ErrNotAuthorized)

	// No mutation happened
	got, err := h.ledger.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)
	assert.True(t, got.SubscriptionActive)
}

func TestCustomerCancelRootOnly(t *testing.T) {
	h := newHarness(t)
	root := h.submitRoot(t, "user1")

	child := &models.Order{
		ID: "child1", UserID: "user1", ParentID: root.ID, CycleNumber: 2,
		Status: models.OrderPending, PaymentStatus: models.PaymentInitiated,
		IsSubscription: true, SubscriptionActive: true, Gateway: models.GatewayStripe,
	}
	require.NoError(t, h.ledger.CreateCycle(child))

	err := h.svc.CancelSubscription(context.Background(), "user1", "child1")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidArgument)
}

func TestCustomerCancelCascades(t *testing.T) {
	h := newHarness(t)
	root := h.submitRoot(t, "user1")

	child := &models.Order{
		ID: "child1", UserID: "user1", ParentID: root.ID, CycleNumber: 2,
		Status: models.OrderActive, PaymentStatus: models.PaymentAuthorized,
		IsSubscription: true, SubscriptionActive: true, Gateway: models.GatewayStripe,
	}
	require.NoError(t, h.ledger.CreateCycle(child))

	h.storefront.On("SetStatus", mock.Anything, int64(777), "cancelled").Return(nil).Once()

	require.NoError(t, h.svc.CancelSubscription(context.Background(), "user1", root.ID))

	gotRoot, err := h.ledger.GetOrder(root.ID)
	require.NoError(t, err)
	assert.False(t, gotRoot.SubscriptionActive)
	assert.Equal(t, models.OrderCancelled, gotRoot.Status)

	gotChild, err := h.ledger.GetOrder("child1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, gotChild.Status)
	assert.False(t, gotChild.SubscriptionActive)
}

func TestMarkDeliveredInactiveRootSpawnsNothing(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	require.NoError(t, h.ledger.UpdateStatus(order.ID, models.OrderActive))
	require.NoError(t, h.ledger.DeactivateSubscription(order.ID, models.OrderActive))

	resp, err := h.svc.MarkDelivered(context.Background(), "admin1", order.ID)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Empty(t, resp.ChildID)

	children, err := h.ledger.FindChildren(order.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
	h.storefront.AssertNumberOfCalls(t, "CreateOrder", 1) // only the root submit
}

func TestThirdFailureDeactivatesAndCascades(t *testing.T) {
	h := newHarness(t)
	root := h.submitRoot(t, "user1")

	children := []*models.Order{
		{ID: "c2", UserID: "user1", ParentID: root.ID, CycleNumber: 2,
			Status: models.OrderPending, PaymentStatus: models.PaymentInitiated,
			IsSubscription: true, SubscriptionActive: true, Gateway: models.GatewayStripe},
		{ID: "c3", UserID: "user1", ParentID: root.ID, CycleNumber: 3,
			Status: models.OrderActive, PaymentStatus: models.PaymentAuthorized,
			IsSubscription: true, SubscriptionActive: true, Gateway: models.GatewayStripe},
	}
	for _, c := range children {
		require.NoError(t, h.ledger.CreateCycle(c))
	}

	// Two failures: root stays active, descendants untouched
	require.NoError(t, h.svc.HandlePaymentFailed(context.Background(), "c2", "pi_f1"))
	require.NoError(t, h.svc.HandlePaymentFailed(context.Background(), "c2", "pi_f2"))

	gotRoot, err := h.ledger.GetOrder(root.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, gotRoot.FailedPaymentCount)
	assert.True(t, gotRoot.SubscriptionActive)

	gotC3, err := h.ledger.GetOrder("c3")
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, gotC3.Status)

	// Third failure: shutdown and cascade
	require.NoError(t, h.svc.HandlePaymentFailed(context.Background(), "c2", "pi_f3"))

	gotRoot, err = h.ledger.GetOrder(root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, gotRoot.FailedPaymentCount)
	assert.False(t, gotRoot.SubscriptionActive)
	assert.Equal(t, models.OrderPaymentFailed, gotRoot.Status)

	gotC3, err = h.ledger.GetOrder("c3")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaymentFailed, gotC3.Status)
	assert.False(t, gotC3.SubscriptionActive)
}

func TestPaymentFailedOnPendingOrder(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	require.NoError(t, h.svc.HandlePaymentFailed(context.Background(), order.ID, "pi_f1"))

	got, err := h.ledger.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaymentFailed, got.Status)
	assert.Equal(t, models.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, 1, got.FailedPaymentCount)
	assert.True(t, got.SubscriptionActive)
}

func TestPaymentIntentFirstWriteWins(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	require.NoError(t, h.svc.HandleAuthorizationCapturable(context.Background(), order.ID, "pi_first"))
	require.NoError(t, h.svc.HandleAuthorizationCapturable(context.Background(), order.ID, "pi_second"))

	got, err := h.ledger.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_first", got.PaymentIntentID)
}

func TestCaptureSucceededSetsDefaultInstrument(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	h.payments.On("CustomerID", "user1").Return("cus_1", nil).Once()
	h.payments.On("SetDefaultInstrument", mock.Anything, "cus_1", "pm_42").Return(nil).Once()

	require.NoError(t, h.svc.HandleCaptureSucceeded(context.Background(), order.ID, "pi_123", "pm_42"))

	got, err := h.ledger.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, got.Status)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
	h.payments.AssertExpectations(t)
}

func TestCaptureSucceededDuplicateIsNoOp(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	h.payments.On("CustomerID", "user1").Return("cus_1", nil).Once()
	h.payments.On("SetDefaultInstrument", mock.Anything, "cus_1", "pm_42").Return(nil).Once()

	require.NoError(t, h.svc.HandleCaptureSucceeded(context.Background(), order.ID, "pi_123", "pm_42"))
	require.NoError(t, h.svc.HandleCaptureSucceeded(context.Background(), order.ID, "pi_123", "pm_42"))

	h.payments.AssertNumberOfCalls(t, "SetDefaultInstrument", 1)

	thread, err := h.chat.GetThread(order.RootID())
	require.NoError(t, err)
	assert.Equal(t, 2, thread.UnreadForCustomer) // submit message + one capture message
}

func TestThreadMessageFanOut(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	require.NoError(t, h.svc.PostThreadMessage(context.Background(), "user1", order.ID, "When is my delivery?"))

	thread, err := h.chat.GetThread(order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.UnreadForAdmin)
	assert.Equal(t, "When is my delivery?", thread.LastMessage)

	// Every participant except the sender gets a push lookup
	h.profiles.AssertCalled(t, "PushTokens", "admin1")
	h.profiles.AssertNotCalled(t, "PushTokens", "user1")

	messages, err := h.svc.ThreadMessages(context.Background(), "admin1", order.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2) // opening system message + customer message
	assert.Equal(t, models.SenderRoleCustomer, messages[1].SenderRole)

	require.NoError(t, h.svc.MarkThreadRead(context.Background(), "admin1", order.ID))
	thread, err = h.chat.GetThread(order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, thread.UnreadForAdmin)
}

func TestThreadMessageRequiresParticipant(t *testing.T) {
	h := newHarness(t)
	order := h.submitRoot(t, "user1")

	err := h.svc.PostThreadMessage(context.Background(), "stranger", order.ID, "hello")
	assert.ErrorIs(t, err, lifecycle.ErrNotAuthorized)

	err = h.svc.PostThreadMessage(context.Background(), "user1", order.ID, "   ")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidArgument)
}

func TestSubmitCachesTokenEmail(t *testing.T) {
	h := newHarness(t)
	h.submitRoot(t, "user1")

	h.profiles.AssertCalled(t, "Upsert", mock.MatchedBy(func(p *models.UserProfile) bool {
		return p.ID == "user1" && p.Email == "user@example.com"
	}))
}

func TestWebhookUnknownOrderIsNoOp(t *testing.T) {
	h := newHarness(t)

	assert.NoError(t, h.svc.HandleMirrorOrderEvent(context.Background(), 999999, "processing", ""))
	assert.NoError(t, h.svc.HandleAuthorizationCapturable(context.Background(), "ghost", "pi_1"))
	assert.NoError(t, h.svc.HandleCaptureSucceeded(context.Background(), "ghost", "pi_1", "pm_1"))
	assert.NoError(t, h.svc.HandlePaymentFailed(context.Background(), "ghost", "pi_1"))
}

func TestEndToEndCycleSpawn(t *testing.T) {
	h := newHarness(t)
	root := h.submitRoot(t, "user1")

	// Authorize and accept cycle 1
	require.NoError(t, h.svc.HandleAuthorizationCapturable(context.Background(), root.ID, "pi_1"))
	h.payments.On("Capture", mock.Anything, "pi_1").Return(nil).Once()
	require.NoError(t, h.svc.AdminAccept(context.Background(), "admin1", root.ID))

	got, err := h.ledger.GetOrder(root.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, got.Status)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)

	// Deliver cycle 1: cycle 2 spawns with an auto-auth attempt
	h.expectMirrorCreate(778, "wc_order_c2", "9.00")
	h.payments.On("AutoAuthorizeForCycle", mock.Anything, mock.Anything, "user1").Return("pi_auto", nil).Once()

	resp, err := h.svc.MarkDelivered(context.Background(), "admin1", root.ID)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 2, resp.NextCycle)
	require.NotEmpty(t, resp.ChildID)

	child, err := h.ledger.GetOrder(resp.ChildID)
	require.NoError(t, err)
	assert.Equal(t, 2, child.CycleNumber)
	assert.Equal(t, root.ID, child.RootID())
	assert.Equal(t, models.OrderPending, child.Status)
	assert.Equal(t, int64(778), child.WooOrderID)
	assert.Equal(t, "pi_auto", child.PaymentIntentID)

	delivered, err := h.ledger.GetOrder(root.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, delivered.Status)
	assert.NotNil(t, delivered.DeliveredAt)
	h.payments.AssertExpectations(t)
}

func TestParentResolutionAcrossLegacyFields(t *testing.T) {
	h := newHarness(t)
	root := h.submitRoot(t, "user1")

	variants := []models.Order{
		{ID: "v1", UserID: "user1", ParentID: root.ID, CycleNumber: 2, Status: models.OrderPending},
		{ID: "v2", UserID: "user1", ParentSubscriptionID: root.ID, CycleNumber: 3, Status: models.OrderPending},
		{ID: "v3", UserID: "user1", SubscriptionParentID: root.ID, CycleNumber: 4, Status: models.OrderPending},
	}
	_, err := h.bun.NewInsert().Model(&variants).Exec(context.Background())
	require.NoError(t, err)

	for _, id := range []string{"v1", "v2", "v3"} {
		got, err := h.ledger.GetOrder(id)
		require.NoError(t, err)
		assert.Equal(t, root.ID, got.RootID())
		assert.False(t, got.IsRoot())
	}
}
