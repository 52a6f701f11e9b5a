package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Thread is the per-subscription communication channel. Its id is the
// subscription root order id; deleting the root deletes the thread.
type Thread struct {
	bun.BaseModel `bun:"table:chat_threads"`

	ID            string   `bun:"id,pk" json:"id"`
	OrderID       string   `bun:"order_id,notnull" json:"order_id"`
	CustomerID    string   `bun:"customer_id,notnull" json:"customer_id"`
	AdminID       string   `bun:"admin_id,nullzero" json:"admin_id,omitempty"`
	Participants  []string `bun:"participants,type:jsonb" json:"participants"`
	CustomerEmail string   `bun:"customer_email" json:"customer_email"`

	Status OrderStatus `bun:"status,notnull" json:"status"`

	LastMessage       string `bun:"last_message" json:"last_message"`
	LastSenderID      string `bun:"last_sender_id" json:"last_sender_id"`
	UnreadForCustomer int    `bun:"unread_for_customer" json:"unread_for_customer"`
	UnreadForAdmin    int    `bun:"unread_for_admin" json:"unread_for_admin"`

	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

const (
	SystemSenderID = "admin-system"

	SenderRoleSystem   = "system"
	SenderRoleCustomer = "customer"
	SenderRoleAdmin    = "admin"
)

type Message struct {
	bun.BaseModel `bun:"table:chat_messages"`

	ID         string    `bun:"id,pk" json:"id"`
	ThreadID   string    `bun:"thread_id,notnull" json:"thread_id"`
	SenderID   string    `bun:"sender_id,notnull" json:"sender_id"`
	SenderRole string    `bun:"sender_role,notnull" json:"sender_role"`
	Type       string    `bun:"type,notnull" json:"type"`
	Text       string    `bun:"text,notnull" json:"text"`
	CreatedAt  time.Time `bun:"created_at,notnull" json:"created_at"`
}
