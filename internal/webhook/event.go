package webhook

import (
	"encoding/json"
	"time"
)

// Event is the canonical wire payload. It is serialized exactly once per
// trigger; every subscription signs and receives the same bytes.
type Event struct {
	Event      string      `json:"event"`
	Timestamp  string      `json:"timestamp"`
	PartnerID  string      `json:"partner_id"`
	LocationID string      `json:"location_id,omitempty"`
	Data       interface{} `json:"data"`
}

func NewEvent(partnerID, eventType string, data interface{}, locationID string, at time.Time) Event {
	return Event{
		Event:      eventType,
		Timestamp:  at.UTC().Format(time.RFC3339),
		PartnerID:  partnerID,
		LocationID: locationID,
		Data:       data,
	}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
