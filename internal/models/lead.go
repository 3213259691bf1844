package models

import "time"

type InterestLevel string

const (
	InterestCold InterestLevel = "cold"
	InterestWarm InterestLevel = "warm"
	InterestHot  InterestLevel = "hot"
)

type Lead struct {
	ID            string        `json:"id"`
	FirstName     string        `json:"first_name"`
	LastName      string        `json:"last_name"`
	Phone         string        `json:"phone,omitempty"`
	Email         string        `json:"email,omitempty"`
	InterestLevel InterestLevel `json:"interest_level"`
	DoNotContact  bool          `json:"do_not_contact"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CommunicationRecord is the audit row appended after every successful
// outbound send. Rows are never updated or deleted.
type CommunicationRecord struct {
	ID        string     `json:"id"`
	LeadID    string     `json:"lead_id"`
	ActionID  string     `json:"action_id,omitempty"`
	Channel   ActionType `json:"channel"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}
