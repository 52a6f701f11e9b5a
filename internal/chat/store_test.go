package chat_test

import (
	"context"
	"database/sql"
	"ms-subscriptions/internal/chat"
	"ms-subscriptions/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"
)

func setupChatStore(t *testing.T) (*chat.Store, *bun.DB) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = bunDB.NewCreateTable().Model((*models.Thread)(nil)).Exec(context.Background())
	if err != nil {
		t.Fatalf("Failed to create threads table: %v", err)
	}
	_, err = bunDB.NewCreateTable().Model((*models.Message)(nil)).Exec(context.Background())
	if err != nil {
		t.Fatalf("Failed to create messages table: %v", err)
	}

	return &chat.Store{Bun: bunDB}, bunDB
}

func TestEnsureThreadIsIdempotent(t *testing.T) {
	store, bunDB := setupChatStore(t)
	defer bunDB.Close()

	admins := []string{"admin1", "admin2"}
	err := store.EnsureThread("order1", "cust1", "cust@example.com", admins, models.OrderPending)
	assert.NoError(t, err)

	// Post a message, then ensure again: history and counters survive
	assert.NoError(t, store.PostSystemMessage("order1", "Order received"))

	err = store.EnsureThread("order1", "cust1", "cust@example.com", admins, models.OrderActive)
	assert.NoError(t, err)

	thread, err := store.GetThread("order1")
	assert.NoError(t, err)
	assert.Equal(t, models.OrderActive, thread.Status)
	assert.Equal(t, 1, thread.UnreadForCustomer)
	assert.Equal(t, []string{"cust1", "admin1", "admin2"}, thread.Participants)
}

func TestSystemMessageIncrementsCustomerUnread(t *testing.T) {
	store, bunDB := setupChatStore(t)
	defer bunDB.Close()

	assert.NoError(t, store.EnsureThread("order1", "cust1", "", []string{"admin1"}, models.OrderPending))

	assert.NoError(t, store.PostSystemMessage("order1", "Your order was accepted"))
	assert.NoError(t, store.PostSystemMessage("order1", "Your order is on its way"))

	thread, err := store.GetThread("order1")
	assert.NoError(t, err)
	assert.Equal(t, 2, thread.UnreadForCustomer)
	assert.Equal(t, 0, thread.UnreadForAdmin)
	assert.Equal(t, "Your order is on its way", thread.LastMessage)
	assert.Equal(t, models.SystemSenderID, thread.LastSenderID)

	messages, err := store.Messages("order1")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(messages))
	assert.Equal(t, "system", messages[0].Type)
}

func TestCustomerMessageIncrementsAdminUnread(t *testing.T) {
	store, bunDB := setupChatStore(t)
	defer bunDB.Close()

	assert.NoError(t, store.EnsureThread("order1", "cust1", "", []string{"admin1"}, models.OrderPending))

	assert.NoError(t, store.RecordMessage("order1", "cust1", models.SenderRoleCustomer, "Where is my delivery?"))

	thread, err := store.GetThread("order1")
	assert.NoError(t, err)
	assert.Equal(t, 1, thread.UnreadForAdmin)
	assert.Equal(t, 0, thread.UnreadForCustomer)

	assert.NoError(t, store.MarkRead("order1", true))
	thread, err = store.GetThread("order1")
	assert.NoError(t, err)
	assert.Equal(t, 0, thread.UnreadForAdmin)
}

func TestPostToMissingThread(t *testing.T) {
	store, bunDB := setupChatStore(t)
	defer bunDB.Close()

	err := store.PostSystemMessage("no-such-thread", "hello")
	assert.ErrorIs(t, err, chat.ErrThreadNotFound)
}

func TestDeleteThreadRemovesMessages(t *testing.T) {
	store, bunDB := setupChatStore(t)
	defer bunDB.Close()

	assert.NoError(t, store.EnsureThread("order1", "cust1", "", []string{"admin1"}, models.OrderPending))
	assert.NoError(t, store.PostSystemMessage("order1", "Order received"))

	assert.NoError(t, store.DeleteThread("order1"))

	_, err := store.GetThread("order1")
	assert.ErrorIs(t, err, chat.ErrThreadNotFound)

	count, err := bunDB.NewSelect().
		Model((*models.Message)(nil)).
		Where("thread_id = ?", "order1").
		Count(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, count)
}
