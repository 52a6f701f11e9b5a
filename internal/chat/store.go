package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-subscriptions/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var ErrThreadNotFound = errors.New("thread not found")

// Store keeps one conversation thread per subscription order, shared by the
// customer and the admin roster. The thread id is the order id.
type Store struct {
	Bun *bun.DB
}

// EnsureThread creates the order thread if missing. Existing threads keep
// their message history and counters; only the status mirror is refreshed.
func (s *Store) EnsureThread(orderID, customerID, customerEmail string, admins []string, status models.OrderStatus) error {
	participants := append([]string{customerID}, admins...)
	now := time.Now()

	thread := &models.Thread{
		ID:            orderID,
		OrderID:       orderID,
		CustomerID:    customerID,
		CustomerEmail: customerEmail,
		Participants:  participants,
		Status:        status,
		UpdatedAt:     now,
	}
	if len(admins) > 0 {
		thread.AdminID = admins[0]
	}

	_, err := s.Bun.NewInsert().
		Model(thread).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(context.Background())
	return err
}

func (s *Store) GetThread(threadID string) (*models.Thread, error) {
	var thread models.Thread
	err := s.Bun.NewSelect().
		Model(&thread).
		Where("id = ?", threadID).
		Limit(1).
		Scan(context.Background())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// PostSystemMessage appends an automated status message to the order thread.
// System messages address the customer, so the customer's unread counter
// goes up and the admin's does not.
func (s *Store) PostSystemMessage(threadID, text string) error {
	return s.appendMessage(&models.Message{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		SenderID:   models.SystemSenderID,
		SenderRole: models.SenderRoleSystem,
		Type:       "system",
		Text:       text,
		CreatedAt:  time.Now(),
	})
}

// RecordMessage appends a participant message. The unread counter of the
// opposite audience is incremented.
func (s *Store) RecordMessage(threadID, senderID, senderRole, text string) error {
	return s.appendMessage(&models.Message{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		SenderID:   senderID,
		SenderRole: senderRole,
		Type:       "text",
		Text:       text,
		CreatedAt:  time.Now(),
	})
}

func (s *Store) appendMessage(msg *models.Message) error {
	return s.Bun.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*models.Thread)(nil)).
			Where("id = ?", msg.ThreadID).
			Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return ErrThreadNotFound
		}

		if _, err := tx.NewInsert().Model(msg).Exec(ctx); err != nil {
			return err
		}

		update := tx.NewUpdate().
			Model((*models.Thread)(nil)).
			Set("last_message = ?", msg.Text).
			Set("last_sender_id = ?", msg.SenderID).
			Set("updated_at = ?", msg.CreatedAt).
			Where("id = ?", msg.ThreadID)

		if msg.SenderRole == models.SenderRoleCustomer {
			update = update.Set("unread_for_admin = unread_for_admin + 1")
		} else {
			update = update.Set("unread_for_customer = unread_for_customer + 1")
		}

		_, err = update.Exec(ctx)
		return err
	})
}

// MarkRead zeroes the unread counter for the given audience.
func (s *Store) MarkRead(threadID string, admin bool) error {
	update := s.Bun.NewUpdate().
		Model((*models.Thread)(nil)).
		Where("id = ?", threadID)
	if admin {
		update = update.Set("unread_for_admin = 0")
	} else {
		update = update.Set("unread_for_customer = 0")
	}
	_, err := update.Exec(context.Background())
	return err
}

func (s *Store) UpdateThreadStatus(threadID string, status models.OrderStatus) error {
	_, err := s.Bun.NewUpdate().
		Model((*models.Thread)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", threadID).
		Exec(context.Background())
	return err
}

func (s *Store) Messages(threadID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.Bun.NewSelect().
		Model(&messages).
		Where("thread_id = ?", threadID).
		Order("created_at ASC").
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// DeleteThread removes the thread and its messages in one transaction.
func (s *Store) DeleteThread(threadID string) error {
	return s.Bun.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*models.Message)(nil)).
			Where("thread_id = ?", threadID).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*models.Thread)(nil)).
			Where("id = ?", threadID).
			Exec(ctx)
		return err
	})
}
