package models

// OrderStatus is the business state of one delivery cycle.
type OrderStatus string

const (
	OrderPending       OrderStatus = "pending"
	OrderActive        OrderStatus = "active"
	OrderCompleted     OrderStatus = "completed"
	OrderPaymentFailed OrderStatus = "payment_failed"
	OrderRejected      OrderStatus = "rejected"
	OrderCancelled     OrderStatus = "cancelled"
)

// PaymentStatus tracks the payment axis independently of the order status.
// A card payment moves initiated → authorized → paid; cash-on-delivery
// cycles stay unpaid until settled outside the processor.
type PaymentStatus string

const (
	PaymentInitiated  PaymentStatus = "initiated"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentPaid       PaymentStatus = "paid"
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentFailed     PaymentStatus = "failed"
	PaymentVoided     PaymentStatus = "voided"
)

const (
	GatewayStripe = "stripe"
	GatewayCash   = "cod"
)

// MaxPaymentFailures is the number of consecutive failed payments after
// which a subscription is shut down and its open cycles cancelled.
const MaxPaymentFailures = 3
