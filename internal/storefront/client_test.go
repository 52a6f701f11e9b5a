package storefront_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"ms-subscriptions/internal/logger"
	"ms-subscriptions/internal/models"
	"ms-subscriptions/internal/storefront"

	"github.com/stretchr/testify/assert"
)

func newTestClient(t *testing.T, handler http.Handler) (*storefront.Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return storefront.NewClient(server.URL, "ck_test", "cs_test", logger.NewLogger()), server
}

func TestComputeCartTotalMinor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/wp-json/wc/v3/products/10", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 10, "price": "4.99"})
	})
	mux.HandleFunc("/wp-json/wc/v3/products/20", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 20, "price": "12.50"})
	})
	mux.HandleFunc("/wp-json/wc/v3/products/30", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	client, _ := newTestClient(t, mux)

	items := []models.LineItem{
		{ProductID: 10, Quantity: 2},  // 499 * 2
		{ProductID: 20, Quantity: 1},  // 1250
		{ProductID: 30, Quantity: 3},  // unresolvable, skipped
		{ProductID: 10, Quantity: 0},  // non-positive quantity, skipped
		{ProductID: 20, Quantity: -1}, // non-positive quantity, skipped
	}

	total, err := client.ComputeCartTotalMinor(context.Background(), items)
	assert.NoError(t, err)
	assert.Equal(t, int64(2248), total)
}

func TestCreateOrderStampsLedgerRef(t *testing.T) {
	var captured map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/wp-json/wc/v3/orders", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ck_test", user)
		assert.Equal(t, "cs_test", pass)

		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"id":        777,
			"order_key": "wc_order_xyz",
			"status":    "pending",
			"total":     "24.98",
			"currency":  "EUR",
			"line_items": []map[string]any{
				{"name": "Weekly Box", "product_id": 10, "quantity": 2, "total": "24.98"},
			},
		})
	})

	client, _ := newTestClient(t, mux)

	intent := models.MirrorOrderIntent{
		PaymentMethod:      "stripe",
		PaymentMethodTitle: "Card",
		LineItems:          []models.LineItem{{ProductID: 10, Quantity: 2}},
		Meta:               map[string]any{"cycle_number": 1},
	}

	order, err := client.CreateOrder(context.Background(), intent, "ledger-abc")
	assert.NoError(t, err)
	assert.Equal(t, int64(777), order.ID)
	assert.Equal(t, "wc_order_xyz", order.OrderKey)
	assert.Equal(t, "24.98", order.Total)
	assert.Equal(t, 1, len(order.LineItems))

	meta, ok := captured["meta_data"].([]any)
	assert.True(t, ok)
	found := false
	for _, entry := range meta {
		m := entry.(map[string]any)
		if m["key"] == "ledger_order_id" && m["value"] == "ledger-abc" {
			found = true
		}
	}
	assert.True(t, found, "ledger_order_id meta entry missing")
}

func TestWriteLedgerRefRetriesOnce(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/wp-json/wc/v3/orders/777", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 777})
	})

	client, _ := newTestClient(t, mux)

	err := client.WriteLedgerRef(context.Background(), 777, "ledger-abc")
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestGetOrderSummaryPaidInference(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/wp-json/wc/v3/orders/1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": 1, "status": "pending", "total": "10.00", "currency": "EUR",
		})
	})
	mux.HandleFunc("/wp-json/wc/v3/orders/2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": 2, "status": "processing", "total": "10.00", "currency": "EUR",
			"date_paid_gmt": "2026-01-02T10:00:00",
		})
	})

	client, _ := newTestClient(t, mux)

	summary, err := client.GetOrderSummary(context.Background(), 1)
	assert.NoError(t, err)
	assert.False(t, summary.Paid)

	summary, err = client.GetOrderSummary(context.Background(), 2)
	assert.NoError(t, err)
	assert.True(t, summary.Paid)
}

func TestGetOrderNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := client.GetOrder(context.Background(), 999)
	assert.ErrorIs(t, err, storefront.ErrMirrorOrderNotFound)
}

func TestPayURL(t *testing.T) {
	client := storefront.NewClient("https://shop.example.com", "ck", "cs", logger.NewLogger())
	url := client.PayURL(777, "wc_order_xyz")
	assert.Equal(t, fmt.Sprintf("https://shop.example.com/checkout/order-pay/%d/?pay_for_order=true&key=%s", 777, "wc_order_xyz"), url)
}
