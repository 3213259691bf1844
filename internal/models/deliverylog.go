package models

import "time"

// MaxResponseBody bounds the stored response body of a delivery attempt.
const MaxResponseBody = 1000

// WebhookDeliveryLog is one row of the append-only delivery audit trail.
// Rows are immutable once written.
type WebhookDeliveryLog struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	EventType      string    `json:"event_type"`
	Payload        string    `json:"payload"`
	StatusCode     int       `json:"status_code,omitempty"`
	ResponseBody   string    `json:"response_body,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

type DeliveryStats struct {
	TotalDeliveries int64   `json:"total_deliveries"`
	SuccessCount    int64   `json:"success_count"`
	FailedCount     int64   `json:"failed_count"`
	SuccessRate     float64 `json:"success_rate"`
	Subscriptions   int64   `json:"subscriptions"`
	ActiveSubs      int64   `json:"active_subscriptions"`
	SuppressedSubs  int64   `json:"suppressed_subscriptions"`
}
