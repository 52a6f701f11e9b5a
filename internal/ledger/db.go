package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-subscriptions/internal/models"

	"github.com/uptrace/bun"
)

var ErrOrderNotFound = errors.New("order not found")

type DB struct {
	Bun *bun.DB
}

// ---------------- ORDERS ----------------

// CreateRoot inserts the subscription root (cycle 1). The failure counter
// starts at zero here and is never reset afterwards.
func (d *DB) CreateRoot(order *models.Order) error {
	if order.ID == "" {
		return errors.New("order id is required")
	}
	now := time.Now()
	order.CycleNumber = 1
	order.FailedPaymentCount = 0
	order.ParentID = ""
	order.ParentSubscriptionID = ""
	order.SubscriptionParentID = ""
	order.CreatedAt = now
	order.UpdatedAt = now

	_, err := d.Bun.NewInsert().Model(order).Exec(context.Background())
	return err
}

// CreateCycle inserts a spawned cycle. Only the canonical parent_id column
// is written; the legacy spellings stay empty for new rows.
func (d *DB) CreateCycle(order *models.Order) error {
	if order.ID == "" {
		return errors.New("order id is required")
	}
	if order.ParentID == "" {
		return errors.New("cycle requires a parent id")
	}
	if order.CycleNumber < 2 {
		return fmt.Errorf("cycle number must be at least 2, got %d", order.CycleNumber)
	}
	now := time.Now()
	order.ParentSubscriptionID = ""
	order.SubscriptionParentID = ""
	order.CreatedAt = now
	order.UpdatedAt = now

	_, err := d.Bun.NewInsert().Model(order).Exec(context.Background())
	return err
}

func (d *DB) GetOrder(id string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("id = ?", id).
		Limit(1).
		Scan(context.Background())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetByWooOrderID resolves a ledger row from the storefront order id, the
// correlation key carried by storefront webhooks.
func (d *DB) GetByWooOrderID(wooOrderID int64) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("woo_order_id = ?", wooOrderID).
		Limit(1).
		Scan(context.Background())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) UpdateStatus(id string, status models.OrderStatus) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(context.Background())
	return err
}

func (d *DB) UpdatePaymentStatus(id string, status models.PaymentStatus) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payment_status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(context.Background())
	return err
}

func (d *DB) UpdateStatuses(id string, status models.OrderStatus, payment models.PaymentStatus) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", status).
		Set("payment_status = ?", payment).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(context.Background())
	return err
}

// SetDelivered marks a cycle completed with a delivery timestamp.
func (d *DB) SetDelivered(id string) error {
	now := time.Now()
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", models.OrderCompleted).
		Set("delivered_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(context.Background())
	return err
}

// SetPaymentIntentID overwrites the processor reference. Only the payment
// sheet path uses this; webhook paths go through SetPaymentIntentIDIfAbsent.
func (d *DB) SetPaymentIntentID(id, paymentIntentID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payment_intent_id = ?", paymentIntentID).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(context.Background())
	return err
}

// SetPaymentIntentIDIfAbsent writes the processor reference only when none
// is recorded yet. First write wins; duplicate webhook deliveries for the
// same order are tolerated without overwriting.
func (d *DB) SetPaymentIntentIDIfAbsent(id, paymentIntentID string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("payment_intent_id = ?", paymentIntentID).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("payment_intent_id IS NULL OR payment_intent_id = ''").
		Exec(context.Background())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IncrementFailedPayments bumps the consecutive-failure counter on the
// subscription root and returns the new count.
func (d *DB) IncrementFailedPayments(rootID string) (int, error) {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("failed_payment_count = failed_payment_count + 1").
		Set("updated_at = ?", time.Now()).
		Where("id = ?", rootID).
		Exec(context.Background())
	if err != nil {
		return 0, err
	}

	var count int
	err = d.Bun.NewSelect().
		Model((*models.Order)(nil)).
		Column("failed_payment_count").
		Where("id = ?", rootID).
		Limit(1).
		Scan(context.Background(), &count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeactivateSubscription turns off the root's activity flag, which forbids
// any further cycle creation regardless of cascade progress.
func (d *DB) DeactivateSubscription(rootID string, status models.OrderStatus) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("subscription_active = ?", false).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", rootID).
		Exec(context.Background())
	return err
}

// FindChildren returns the cycles pointing at the given root through any of
// the historical parent-reference columns, optionally filtered by status.
func (d *DB) FindChildren(parentID string, statuses ...models.OrderStatus) ([]models.Order, error) {
	q := d.Bun.NewSelect().
		Model((*models.Order)(nil)).
		Where("parent_id = ? OR parent_subscription_id = ? OR subscription_parent_id = ?",
			parentID, parentID, parentID)
	if len(statuses) > 0 {
		q = q.Where("status IN (?)", bun.In(statuses))
	}

	var children []models.Order
	err := q.Order("cycle_number ASC").Scan(context.Background(), &children)
	if err != nil {
		return nil, err
	}
	return children, nil
}

// CascadeCancel transitions every child cycle of a root currently in one of
// the given statuses. It runs as a single UPDATE so a concurrently spawned
// cycle is either fully included or untouched, never half-processed.
func (d *DB) CascadeCancel(parentID string, to models.OrderStatus, from ...models.OrderStatus) (int64, error) {
	if len(from) == 0 {
		from = []models.OrderStatus{models.OrderPending, models.OrderActive}
	}
	res, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", to).
		Set("subscription_active = ?", false).
		Set("updated_at = ?", time.Now()).
		Where("parent_id = ? OR parent_subscription_id = ? OR subscription_parent_id = ?",
			parentID, parentID, parentID).
		Where("status IN (?)", bun.In(from)).
		Exec(context.Background())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) DeleteOrder(id string) error {
	_, err := d.Bun.NewDelete().
		Model((*models.Order)(nil)).
		Where("id = ?", id).
		Exec(context.Background())
	return err
}
