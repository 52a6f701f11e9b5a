package models

import (
	"time"

	"github.com/uptrace/bun"
)

// UserProfile caches what the service needs to know about a customer:
// the payment-processor customer reference, the email used for billing
// fallback, and the registered push tokens.
type UserProfile struct {
	bun.BaseModel `bun:"table:user_profiles"`

	ID               string    `bun:"id,pk" json:"id"`
	Email            string    `bun:"email" json:"email"`
	IsAdmin          bool      `bun:"is_admin" json:"is_admin"`
	StripeCustomerID string    `bun:"stripe_customer_id,nullzero" json:"stripe_customer_id,omitempty"`
	PushTokens       []string  `bun:"push_tokens,type:jsonb" json:"push_tokens"`
	CreatedAt        time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt        time.Time `bun:"updated_at,notnull" json:"updated_at"`
}
