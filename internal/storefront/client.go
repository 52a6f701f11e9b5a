package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ms-subscriptions/internal/logger"
	"ms-subscriptions/internal/models"
)

var ErrMirrorOrderNotFound = errors.New("mirror order not found")

// Client talks to the storefront's REST API. The storefront owns catalog
// pricing and the hosted checkout; this service treats it as the pricing
// oracle and mirrors every cycle into it.
type Client struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	HTTP           *http.Client
	Logger         *logger.Logger
}

func NewClient(baseURL, key, secret string, log *logger.Logger) *Client {
	return &Client{
		BaseURL:        baseURL,
		ConsumerKey:    key,
		ConsumerSecret: secret,
		HTTP:           &http.Client{Timeout: 15 * time.Second},
		Logger:         log,
	}
}

type product struct {
	ID    int64  `json:"id"`
	Price string `json:"price"`
}

type wireOrder struct {
	ID            int64           `json:"id"`
	OrderKey      string          `json:"order_key"`
	Status        string          `json:"status"`
	Total         string          `json:"total"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	TransactionID string          `json:"transaction_id"`
	DatePaid      string          `json:"date_paid_gmt"`
	DateCompleted string          `json:"date_completed_gmt"`
	LineItems     []wireLineItem  `json:"line_items"`
	MetaData      []wireMetaEntry `json:"meta_data"`
}

type wireLineItem struct {
	Name      string `json:"name"`
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Total     string `json:"total"`
}

type wireMetaEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, ErrMirrorOrderNotFound
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("storefront returned status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode storefront response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// ComputeCartTotalMinor prices a cart server-side. Lines with a non-positive
// quantity or an unresolvable product are skipped rather than failing the
// whole cart; each remaining line contributes round(price*100)*quantity.
func (c *Client) ComputeCartTotalMinor(ctx context.Context, items []models.LineItem) (int64, error) {
	var total int64
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		var p product
		_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/wp-json/wc/v3/products/%d", item.ProductID), nil, &p)
		if err != nil {
			c.Logger.Warn("STOREFRONT", fmt.Sprintf("Skipping unresolvable product %d: %v", item.ProductID, err))
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || price <= 0 {
			c.Logger.Warn("STOREFRONT", fmt.Sprintf("Skipping product %d with unusable price %q", item.ProductID, p.Price))
			continue
		}
		total += int64(math.Round(price*100)) * int64(item.Quantity)
	}
	return total, nil
}

// CreateOrder creates the mirror order for a cycle and returns the
// storefront's authoritative view of it.
func (c *Client) CreateOrder(ctx context.Context, intent models.MirrorOrderIntent, ledgerID string) (*models.MirrorOrder, error) {
	payload := map[string]any{
		"payment_method":       intent.PaymentMethod,
		"payment_method_title": intent.PaymentMethodTitle,
		"set_paid":             intent.SetPaid,
		"billing":              intent.Billing,
		"shipping":             intent.Shipping,
		"line_items":           intent.LineItems,
	}

	meta := []wireMetaEntry{{Key: "ledger_order_id", Value: ledgerID}}
	for k, v := range intent.Meta {
		meta = append(meta, wireMetaEntry{Key: k, Value: v})
	}
	payload["meta_data"] = meta

	var created wireOrder
	_, err := c.do(ctx, http.MethodPost, "/wp-json/wc/v3/orders", payload, &created)
	if err != nil {
		return nil, err
	}

	c.Logger.LogOrder("MIRROR_CREATE", ledgerID, fmt.Sprintf("Storefront order %d created", created.ID))
	return toMirrorOrder(&created), nil
}

// WriteLedgerRef stamps the ledger order id onto an existing mirror order.
// A transient failure is retried once before giving up.
func (c *Client) WriteLedgerRef(ctx context.Context, wooOrderID int64, ledgerID string) error {
	payload := map[string]any{
		"meta_data": []wireMetaEntry{{Key: "ledger_order_id", Value: ledgerID}},
	}

	path := fmt.Sprintf("/wp-json/wc/v3/orders/%d", wooOrderID)
	_, err := c.do(ctx, http.MethodPut, path, payload, nil)
	if err == nil {
		return nil
	}

	c.Logger.Warn("STOREFRONT", fmt.Sprintf("Retrying ledger ref write for order %d: %v", wooOrderID, err))
	_, err = c.do(ctx, http.MethodPut, path, payload, nil)
	return err
}

func (c *Client) GetOrder(ctx context.Context, wooOrderID int64) (*models.MirrorOrder, error) {
	var order wireOrder
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/wp-json/wc/v3/orders/%d", wooOrderID), nil, &order)
	if err != nil {
		return nil, err
	}
	return toMirrorOrder(&order), nil
}

// GetOrderSummary fetches the mirror order and reduces it to the paid-state
// view callers poll while the hosted checkout is open.
func (c *Client) GetOrderSummary(ctx context.Context, wooOrderID int64) (*models.OrderSummary, error) {
	var order wireOrder
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/wp-json/wc/v3/orders/%d", wooOrderID), nil, &order)
	if err != nil {
		return nil, err
	}

	paid := order.DatePaid != "" ||
		order.Status == "processing" || order.Status == "completed"

	return &models.OrderSummary{
		OrderID:       order.ID,
		MirrorStatus:  order.Status,
		Paid:          paid,
		PaymentMethod: order.PaymentMethod,
		Total:         order.Total,
		Currency:      order.Currency,
		TransactionID: order.TransactionID,
		DatePaid:      order.DatePaid,
		DateCompleted: order.DateCompleted,
	}, nil
}

// SetStatus updates the mirror order status (for example "cancelled" when
// an admin rejects the cycle).
func (c *Client) SetStatus(ctx context.Context, wooOrderID int64, status string) error {
	payload := map[string]any{"status": status}
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/wp-json/wc/v3/orders/%d", wooOrderID), payload, nil)
	return err
}

// ListOrders returns mirror orders in the given status, newest first. Used
// by the admin pending-orders view.
func (c *Client) ListOrders(ctx context.Context, status string, limit int) ([]models.MirrorOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("status", status)
	q.Set("per_page", strconv.Itoa(limit))
	q.Set("orderby", "date")
	q.Set("order", "desc")

	var orders []wireOrder
	_, err := c.do(ctx, http.MethodGet, "/wp-json/wc/v3/orders?"+q.Encode(), nil, &orders)
	if err != nil {
		return nil, err
	}

	out := make([]models.MirrorOrder, 0, len(orders))
	for i := range orders {
		out = append(out, *toMirrorOrder(&orders[i]))
	}
	return out, nil
}

// PayURL builds the hosted order-pay checkout link for a mirror order.
func (c *Client) PayURL(wooOrderID int64, orderKey string) string {
	return fmt.Sprintf("%s/checkout/order-pay/%d/?pay_for_order=true&key=%s", c.BaseURL, wooOrderID, orderKey)
}

func toMirrorOrder(w *wireOrder) *models.MirrorOrder {
	items := make([]models.MirrorLineItem, 0, len(w.LineItems))
	for _, li := range w.LineItems {
		items = append(items, models.MirrorLineItem{
			Name:     li.Name,
			Quantity: li.Quantity,
			Total:    li.Total,
		})
	}
	return &models.MirrorOrder{
		ID:        w.ID,
		OrderKey:  w.OrderKey,
		Status:    w.Status,
		LineItems: items,
		Total:     w.Total,
		Currency:  w.Currency,
	}
}
