package models

import "time"

// FlexTask mirrors the automation state of a TaskRouter-managed task.
// The provider owns the task lifecycle; this row only tracks what the
// inactivity engine has done for it.
type FlexTask struct {
	TaskSid                string     `json:"task_sid"`
	ConversationSid        string     `json:"conversation_sid,omitempty"`
	ChannelType            string     `json:"channel_type,omitempty"`
	CustomerName           string     `json:"customer_name,omitempty"`
	CustomerAddress        string     `json:"customer_address,omitempty"`
	CustomerFrom           string     `json:"customer_from,omitempty"`
	WorkerSid              string     `json:"worker_sid,omitempty"`
	WorkerName             string     `json:"worker_name,omitempty"`
	TaskAssignmentStatus   string     `json:"task_assignment_status,omitempty"`
	TaskAttributes         string     `json:"task_attributes,omitempty"`
	GreetingSentAt         *time.Time `json:"greeting_sent_at,omitempty"`
	PingSentAt             *time.Time `json:"ping_sent_at,omitempty"`
	InactiveSentAt         *time.Time `json:"inactive_sent_at,omitempty"`
	LastCustomerActivityAt *time.Time `json:"last_customer_activity_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// CustomerReplied reports whether the customer has spoken after the
// greeting of the current epoch was sent.
func (t *FlexTask) CustomerReplied() bool {
	if t.GreetingSentAt == nil || t.LastCustomerActivityAt == nil {
		return false
	}
	return t.LastCustomerActivityAt.After(*t.GreetingSentAt)
}
