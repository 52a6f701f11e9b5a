package models

// SubmitOrderRequest is the payload for creating a subscription root.
type SubmitOrderRequest struct {
	CartItems []LineItem     `json:"cart_items"`
	Address   Address        `json:"address"`
	Meta      map[string]any `json:"meta"`
}

type SubmitOrderResponse struct {
	OrderID    string `json:"order_id"`
	WooOrderID int64  `json:"woo_order_id"`
	OrderKey   string `json:"order_key"`
	PayURL     string `json:"pay_url"`
	PayURLQR   string `json:"pay_url_qr,omitempty"`
	Total      string `json:"total"`
	Currency   string `json:"currency"`
}

type MarkDeliveredResponse struct {
	OK          bool   `json:"ok"`
	Message     string `json:"message,omitempty"`
	NextCycle   int    `json:"next_cycle,omitempty"`
	ChildID     string `json:"child_id,omitempty"`
	ChildWooID  int64  `json:"child_woo_id,omitempty"`
	ChildPayURL string `json:"child_pay_url,omitempty"`
}

// OrderSummary is the caller-facing view of a mirror order, with paid-ness
// inferred from the storefront status.
type OrderSummary struct {
	OrderID       int64  `json:"order_id"`
	MirrorStatus  string `json:"mirror_status"`
	Paid          bool   `json:"paid"`
	PaymentMethod string `json:"payment_method,omitempty"`
	Total         string `json:"total"`
	Currency      string `json:"currency"`
	TransactionID string `json:"transaction_id,omitempty"`
	DatePaid      string `json:"date_paid,omitempty"`
	DateCompleted string `json:"date_completed,omitempty"`
}
