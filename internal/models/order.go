package models

import (
	"time"

	"github.com/uptrace/bun"
)

// LineItem is a cart line as submitted by the client. The price is never
// taken from here; it is resolved from the storefront catalog.
type LineItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// MirrorLineItem is the authoritative line echo returned by the storefront
// when the mirror order is created.
type MirrorLineItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Total    string `json:"total"`
}

type Address struct {
	Line1   string   `json:"address_1"`
	City    string   `json:"city"`
	Country string   `json:"country"`
	Phone   string   `json:"phone"`
	Email   string   `json:"email,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

// Order is one delivery cycle. The subscription root is cycle 1 and owns
// the activity flag and the failure counter for the whole chain.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID     string `bun:"id,pk" json:"id"`
	UserID string `bun:"user_id,notnull" json:"user_id"`

	// External mirror references.
	WooOrderID  int64  `bun:"woo_order_id" json:"woo_order_id"`
	WooOrderKey string `bun:"woo_order_key" json:"woo_order_key"`
	PayURL      string `bun:"pay_url" json:"pay_url"`

	// Payment-processor reference; written once, first write wins.
	PaymentIntentID string `bun:"payment_intent_id,nullzero" json:"payment_intent_id,omitempty"`

	// Parent references. Only parent_id is written for new rows; the other
	// two are historical spellings that must still be read (see RootID).
	ParentID             string `bun:"parent_id,nullzero" json:"parent_id,omitempty"`
	ParentSubscriptionID string `bun:"parent_subscription_id,nullzero" json:"parent_subscription_id,omitempty"`
	SubscriptionParentID string `bun:"subscription_parent_id,nullzero" json:"subscription_parent_id,omitempty"`

	IsSubscription     bool `bun:"is_subscription" json:"is_subscription"`
	SubscriptionActive bool `bun:"subscription_active" json:"subscription_active"`
	CycleNumber        int  `bun:"cycle_number,notnull" json:"cycle_number"`
	FailedPaymentCount int  `bun:"failed_payment_count" json:"failed_payment_count"`

	Status        OrderStatus   `bun:"status,notnull" json:"status"`
	PaymentStatus PaymentStatus `bun:"payment_status,notnull" json:"payment_status"`
	Gateway       string        `bun:"gateway,notnull" json:"gateway"`

	Items       []LineItem       `bun:"items,type:jsonb" json:"items"`
	MirrorItems []MirrorLineItem `bun:"mirror_items,type:jsonb" json:"mirror_items"`
	Address     Address          `bun:"address,type:jsonb" json:"address"`
	Meta        map[string]any   `bun:"meta,type:jsonb" json:"meta"`

	Total      string `bun:"total" json:"total"`
	TotalMinor int64  `bun:"total_minor" json:"total_minor"`
	Currency   string `bun:"currency" json:"currency"`

	CreatedAt   time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull" json:"updated_at"`
	DeliveredAt *time.Time `bun:"delivered_at,nullzero" json:"delivered_at,omitempty"`
}

// ParentRef reconciles the historical parent-field spellings into the one
// logical relation. Precedence is fixed: parent_subscription_id, then
// subscription_parent_id, then parent_id. Empty for a root.
func (o *Order) ParentRef() string {
	if o.ParentSubscriptionID != "" {
		return o.ParentSubscriptionID
	}
	if o.SubscriptionParentID != "" {
		return o.SubscriptionParentID
	}
	return o.ParentID
}

// RootID is the id of the subscription root: the parent reference if this
// is a spawned cycle, otherwise the order's own id.
func (o *Order) RootID() string {
	if ref := o.ParentRef(); ref != "" {
		return ref
	}
	return o.ID
}

func (o *Order) IsRoot() bool {
	return o.ParentRef() == ""
}
