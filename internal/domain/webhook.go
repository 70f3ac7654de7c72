package domain

import (
	"encoding/json"
	"time"
)

// WebhookSubscription registers a subscriber endpoint for outbound events.
// Secret holds the signing key encrypted at rest.
type WebhookSubscription struct {
	ID             string
	OrganizationID string
	URL            string
	Secret         []byte
	EventTypes     []string
	CreatedAt      time.Time
}

// Subscribed reports whether the subscription listens for the given event.
func (s *WebhookSubscription) Subscribed(event string) bool {
	if s == nil {
		return false
	}
	for _, candidate := range s.EventTypes {
		if candidate == event || candidate == "*" {
			return true
		}
	}
	return false
}

// WebhookDeliveryAttempt records one delivery try, win or lose.
type WebhookDeliveryAttempt struct {
	ID             string
	SubscriptionID string
	Event          string
	Payload        json.RawMessage
	HTTPStatus     int
	Success        bool
	Error          string
	AttemptedAt    time.Time
}
