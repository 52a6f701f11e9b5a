package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-subscriptions/internal/logger"
)

// Sender delivers a push notification to a set of device tokens. Delivery is
// best effort; callers never fail an order operation on a push error.
type Sender interface {
	Send(ctx context.Context, tokens []string, title, body string, data map[string]string) error
}

type message struct {
	To    []string          `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// HTTPSender posts notifications to a relay endpoint.
type HTTPSender struct {
	Endpoint string
	Client   *http.Client
	Logger   *logger.Logger
}

func NewHTTPSender(endpoint string, log *logger.Logger) *HTTPSender {
	return &HTTPSender{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Logger:   log,
	}
}

func (s *HTTPSender) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	if len(tokens) == 0 {
		return nil
	}

	payload, err := json.Marshal(message{To: tokens, Title: title, Body: body, Data: data})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push relay returned status %d", resp.StatusCode)
	}

	s.Logger.LogPush("SEND", fmt.Sprintf("Delivered %q to %d device(s)", title, len(tokens)))
	return nil
}

// NoopSender is used when no relay endpoint is configured.
type NoopSender struct{}

func (NoopSender) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	return nil
}
