package payment

import (
	"context"
	"errors"
	"fmt"

	"ms-subscriptions/internal/logger"
	"ms-subscriptions/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

var (
	ErrStripeAPIError         = errors.New("stripe API error")
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
	ErrNoPaymentIntent        = errors.New("order has no payment intent")
)

// ProfileStore is where the processor customer reference per user lives.
type ProfileStore interface {
	StripeCustomerID(userID string) (string, error)
	SetStripeCustomerID(userID, customerID string) error
}

// Service wraps the Stripe client for the two-phase card flow: authorize
// with manual capture up front, capture or cancel on the admin decision.
type Service struct {
	client   *client.API
	profiles ProfileStore
	log      *logger.Logger
}

// NewService creates a new instance of Service
func NewService(secretKey string, profiles ProfileStore, log *logger.Logger) (*Service, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY is not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(secretKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &Service{
		client:   sc,
		profiles: profiles,
		log:      log,
	}, nil
}

// EnsureCustomer returns the Stripe customer for a user, creating one on
// first use and persisting the reference on the profile.
func (s *Service) EnsureCustomer(ctx context.Context, userID, email string) (string, error) {
	customerID, err := s.profiles.StripeCustomerID(userID)
	if err != nil {
		return "", err
	}
	if customerID != "" {
		return customerID, nil
	}

	params := &stripe.CustomerParams{
		Metadata: map[string]string{"user_id": userID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}

	cust, err := s.client.Customers.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create customer for user %s: %v", userID, err))
		return "", fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	if err := s.profiles.SetStripeCustomerID(userID, cust.ID); err != nil {
		return "", err
	}

	s.log.Info("STRIPE", fmt.Sprintf("Created customer %s for user %s", cust.ID, userID))
	return cust.ID, nil
}

// CustomerID returns the stored customer reference, "" when none exists.
func (s *Service) CustomerID(userID string) (string, error) {
	return s.profiles.StripeCustomerID(userID)
}

// Authorize opens a manual-capture payment intent for an order and returns
// the payment sheet handle the client confirms. No money moves until the
// admin decision captures the authorization.
func (s *Service) Authorize(ctx context.Context, order *models.Order, userID, email string) (*models.AuthorizationHandle, error) {
	if order.TotalMinor <= 0 {
		return nil, fmt.Errorf("invalid authorization amount: %d", order.TotalMinor)
	}

	customerID, err := s.EnsureCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	ekParams := &stripe.EphemeralKeyParams{
		Customer:      stripe.String(customerID),
		StripeVersion: stripe.String(stripe.APIVersion),
	}
	ek, err := s.client.EphemeralKeys.New(ekParams)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create ephemeral key for customer %s: %v", customerID, err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	piParams := &stripe.PaymentIntentParams{
		Amount:           stripe.Int64(order.TotalMinor),
		Currency:         stripe.String(order.Currency),
		Customer:         stripe.String(customerID),
		CaptureMethod:    stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		SetupFutureUsage: stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	piParams.AddMetadata("order_id", order.ID)

	pi, err := s.client.PaymentIntents.New(piParams)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent for order %s: %v", order.ID, err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Authorization %s opened for order %s (%d %s)", pi.ID, order.ID, order.TotalMinor, order.Currency))
	return &models.AuthorizationHandle{
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		EphemeralKey:    ek.Secret,
		CustomerID:      customerID,
	}, nil
}

// AutoAuthorizeForCycle tries an off-session authorization against the
// customer's default stored instrument when a new cycle is spawned. Any
// failure here is soft: the cycle falls back to the hosted pay link, so
// this returns ("", nil) rather than an error.
func (s *Service) AutoAuthorizeForCycle(ctx context.Context, order *models.Order, userID string) (string, error) {
	customerID, err := s.profiles.StripeCustomerID(userID)
	if err != nil || customerID == "" {
		return "", nil
	}

	cust, err := s.client.Customers.Get(customerID, nil)
	if err != nil {
		s.log.Warn("STRIPE", fmt.Sprintf("Auto-auth skipped for order %s, customer lookup failed: %v", order.ID, err))
		return "", nil
	}
	if cust.InvoiceSettings == nil || cust.InvoiceSettings.DefaultPaymentMethod == nil {
		s.log.Info("STRIPE", fmt.Sprintf("Auto-auth skipped for order %s, no default instrument", order.ID))
		return "", nil
	}
	defaultPM := cust.InvoiceSettings.DefaultPaymentMethod.ID

	piParams := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(order.TotalMinor),
		Currency:      stripe.String(order.Currency),
		Customer:      stripe.String(customerID),
		PaymentMethod: stripe.String(defaultPM),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	piParams.AddMetadata("order_id", order.ID)

	pi, err := s.client.PaymentIntents.New(piParams)
	if err != nil {
		s.log.Warn("STRIPE", fmt.Sprintf("Auto-auth failed for order %s: %v", order.ID, err))
		return "", nil
	}

	s.log.Info("STRIPE", fmt.Sprintf("Auto-authorized %s for cycle order %s", pi.ID, order.ID))
	return pi.ID, nil
}

// Capture settles a previously authorized payment intent.
func (s *Service) Capture(ctx context.Context, paymentIntentID string) error {
	if paymentIntentID == "" {
		return ErrNoPaymentIntent
	}
	_, err := s.client.PaymentIntents.Capture(paymentIntentID, &stripe.PaymentIntentCaptureParams{})
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to capture %s: %v", paymentIntentID, err))
		return fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Captured payment intent %s", paymentIntentID))
	return nil
}

// CancelAuthorization releases the hold on a payment intent.
func (s *Service) CancelAuthorization(ctx context.Context, paymentIntentID string) error {
	if paymentIntentID == "" {
		return ErrNoPaymentIntent
	}
	_, err := s.client.PaymentIntents.Cancel(paymentIntentID, &stripe.PaymentIntentCancelParams{})
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to cancel %s: %v", paymentIntentID, err))
		return fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Cancelled payment intent %s", paymentIntentID))
	return nil
}

// SetDefaultInstrument marks an instrument as the customer's default so
// future cycles can authorize off-session.
func (s *Service) SetDefaultInstrument(ctx context.Context, customerID, paymentMethodID string) error {
	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	_, err := s.client.Customers.Update(customerID, params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to set default instrument on %s: %v", customerID, err))
		return fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Default instrument for %s set to %s", customerID, paymentMethodID))
	return nil
}

// ListInstruments returns the customer's stored card instruments.
func (s *Service) ListInstruments(ctx context.Context, userID string) ([]models.Instrument, error) {
	customerID, err := s.profiles.StripeCustomerID(userID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}

	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}

	var instruments []models.Instrument
	iter := s.client.PaymentMethods.List(params)
	for iter.Next() {
		pm := iter.PaymentMethod()
		if pm.Card == nil {
			continue
		}
		instruments = append(instruments, models.Instrument{
			ID:       pm.ID,
			Brand:    string(pm.Card.Brand),
			Last4:    pm.Card.Last4,
			ExpMonth: pm.Card.ExpMonth,
			ExpYear:  pm.Card.ExpYear,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	return instruments, nil
}

// AddInstrument opens a setup intent so the client can save a new card.
func (s *Service) AddInstrument(ctx context.Context, userID, email string) (*models.SetupHandle, error) {
	customerID, err := s.EnsureCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	params := &stripe.SetupIntentParams{
		Customer: stripe.String(customerID),
		Usage:    stripe.String(string(stripe.SetupIntentUsageOffSession)),
	}
	si, err := s.client.SetupIntents.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create setup intent for %s: %v", customerID, err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	return &models.SetupHandle{
		ClientSecret: si.ClientSecret,
		CustomerID:   customerID,
	}, nil
}

// DetachInstrument removes a stored card from the customer.
func (s *Service) DetachInstrument(ctx context.Context, paymentMethodID string) error {
	_, err := s.client.PaymentMethods.Detach(paymentMethodID, &stripe.PaymentMethodDetachParams{})
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to detach instrument %s: %v", paymentMethodID, err))
		return fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Detached instrument %s", paymentMethodID))
	return nil
}
