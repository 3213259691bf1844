package models

import "time"

type ActionType string

const (
	ActionCall  ActionType = "call"
	ActionSMS   ActionType = "sms"
	ActionEmail ActionType = "email"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionCall, ActionSMS, ActionEmail:
		return true
	}
	return false
}

type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionCancelled  ActionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionCancelled
}

type ActionReason string

const (
	ReasonFollowUp          ActionReason = "follow_up"
	ReasonReminder          ActionReason = "reminder"
	ReasonCallbackRequested ActionReason = "callback_requested"
	ReasonNurture           ActionReason = "nurture"
	ReasonOnboarding        ActionReason = "onboarding"
	ReasonReEngagement      ActionReason = "re_engagement"
)

const DefaultMaxAttempts = 3

// ScheduledAction is a time-triggered outreach task against a lead.
// ScheduledFor is immutable for the lifetime of an attempt; a retry writes a
// new ScheduledFor as part of moving the row back to pending.
type ScheduledAction struct {
	ID            string       `json:"id"`
	LeadID        string       `json:"lead_id"`
	ActionType    ActionType   `json:"action_type"`
	ScheduledFor  time.Time    `json:"scheduled_for"`
	Status        ActionStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"max_attempts"`
	Reason        ActionReason `json:"reason"`
	ScriptID      string       `json:"script_id,omitempty"`
	CustomMessage string       `json:"custom_message,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type ActionStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	DueNow     int64 `json:"due_now"`
}
