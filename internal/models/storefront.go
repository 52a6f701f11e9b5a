package models

// MirrorOrderIntent is what we send to the storefront when creating the
// counterpart order for a cycle.
type MirrorOrderIntent struct {
	PaymentMethod      string         `json:"payment_method"`
	PaymentMethodTitle string         `json:"payment_method_title"`
	SetPaid            bool           `json:"set_paid"`
	Billing            Address        `json:"billing"`
	Shipping           Address        `json:"shipping"`
	LineItems          []LineItem     `json:"line_items"`
	Meta               map[string]any `json:"-"`
}

// MirrorOrder is the storefront's echo: authoritative ids, line items,
// total and currency.
type MirrorOrder struct {
	ID        int64            `json:"id"`
	OrderKey  string           `json:"order_key"`
	Status    string           `json:"status"`
	LineItems []MirrorLineItem `json:"line_items"`
	Total     string           `json:"total"`
	Currency  string           `json:"currency"`
}
