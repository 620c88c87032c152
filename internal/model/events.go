package model

import "time"

// Activity event types broadcast to dashboards.
const (
	EventPaymentSettled = "payment_settled"
	EventFeesSwept      = "fees_swept"
	EventPayoutCreated  = "payout_created"
	EventPayoutUpdated  = "payout_updated"
)

// Event is a settlement activity notification.
type Event struct {
	Type        string    `json:"type"`
	ProjectID   string    `json:"project_id"`
	SellerID    string    `json:"seller_id,omitempty"`
	Reference   string    `json:"reference,omitempty"` // intent or payout id
	Status      string    `json:"status,omitempty"`
	AmountCents int64     `json:"amount_cents,omitempty"`
	Currency    Currency  `json:"currency,omitempty"`
	At          time.Time `json:"at"`
}

// EventPublisher receives activity events. Implementations must not block.
type EventPublisher interface {
	Publish(Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
