// Package payments turns Stripe webhook calls into payment notifications for
// the admin dashboards.
package payments

import (
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
)

var (
	ErrNoSecret     = errors.New("stripe webhook secret not configured")
	ErrIgnoredEvent = errors.New("event type not handled")
	ErrMissingOrder = errors.New("payment intent has no order_id metadata")
)

// Payment is the payload of a payment_received_online message.
type Payment struct {
	OrderID      string `json:"orderId"`
	CustomerName string `json:"customerName,omitempty"`
	IntentID     string `json:"paymentIntentId"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// WebhookVerifier checks the Stripe-Signature header and extracts succeeded
// payment intents.
type WebhookVerifier struct {
	Secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{Secret: secret}
}

// Verify returns ErrIgnoredEvent for well-signed events of other types so
// the caller can still acknowledge them.
func (v *WebhookVerifier) Verify(payload []byte, signature string) (Payment, error) {
	if v.Secret == "" {
		return Payment{}, ErrNoSecret
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.Secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("verify stripe signature: %w", err)
	}
	if string(event.Type) != "payment_intent.succeeded" {
		return Payment{}, fmt.Errorf("%s: %w", event.Type, ErrIgnoredEvent)
	}
	if event.Data == nil {
		return Payment{}, fmt.Errorf("event %s has no data", event.ID)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return Payment{}, fmt.Errorf("decode payment intent: %w", err)
	}
	orderID := pi.Metadata["order_id"]
	if orderID == "" {
		return Payment{}, fmt.Errorf("intent %s: %w", pi.ID, ErrMissingOrder)
	}
	return Payment{
		OrderID:      orderID,
		CustomerName: pi.Metadata["customer_name"],
		IntentID:     pi.ID,
		Amount:       pi.AmountReceived,
		Currency:     string(pi.Currency),
	}, nil
}
