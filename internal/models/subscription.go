package models

import "time"

// SuppressThreshold is the consecutive-failure count at which a subscription
// is excluded from fan-out selection, independent of its IsActive flag.
const SuppressThreshold = 10

// WebhookSubscription is a partner-registered endpoint for event fan-out.
// Headers holds the raw stored JSON object of custom headers; it is parsed at
// delivery time so a malformed value degrades a single delivery rather than
// poisoning the row.
type WebhookSubscription struct {
	ID              string     `json:"id"`
	PartnerID       string     `json:"partner_id"`
	LocationID      string     `json:"location_id,omitempty"`
	URL             string     `json:"url"`
	Secret          string     `json:"secret,omitempty"`
	Events          []string   `json:"events"`
	Headers         string     `json:"headers,omitempty"`
	IsActive        bool       `json:"is_active"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Suppressed reports whether the failure streak has crossed the threshold.
func (s *WebhookSubscription) Suppressed() bool {
	return s.FailureCount >= SuppressThreshold
}

// SubscribesTo reports whether eventType is in the subscription's event set.
// An empty set matches nothing; subscriptions are created with at least one
// event type.
func (s *WebhookSubscription) SubscribesTo(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// MatchesLocation applies the location scope rule: an unscoped subscription
// matches any event location, a scoped one requires an exact match.
func (s *WebhookSubscription) MatchesLocation(locationID string) bool {
	return s.LocationID == "" || s.LocationID == locationID
}
