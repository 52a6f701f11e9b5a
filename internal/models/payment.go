package models

// AuthorizationHandle is what the client needs to confirm a manual-capture
// authorization: the payment sheet secrets plus the processor references.
type AuthorizationHandle struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	EphemeralKey    string `json:"ephemeral_key"`
	CustomerID      string `json:"customer_id"`
}

// Instrument is a stored card instrument as reported by the processor.
type Instrument struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"exp_month"`
	ExpYear  int64  `json:"exp_year"`
}

// SetupHandle is returned when a customer adds a new instrument.
type SetupHandle struct {
	ClientSecret string `json:"client_secret"`
	CustomerID   string `json:"customer_id"`
}
