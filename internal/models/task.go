package models

import "time"

// TaskStatus represents the status of a handoff task
type TaskStatus string

const (
	TaskStatusOpen     TaskStatus = "open"
	TaskStatusAssigned TaskStatus = "assigned"
	TaskStatusClosed   TaskStatus = "closed"
)

// CloseReasonInactivity is recorded when a task is closed because the
// customer never replied after the greeting.
const CloseReasonInactivity = "inactivity"

// Task represents an SMS-mediated handoff between a customer and an operator
type Task struct {
	ID                     string     `json:"id"`
	CustomerName           string     `json:"customer_name"`
	CustomerContact        string     `json:"customer_contact"`
	OperatorID             *string    `json:"operator_id,omitempty"`
	OperatorName           *string    `json:"operator_name,omitempty"`
	Status                 TaskStatus `json:"status"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	AssignedAt             *time.Time `json:"assigned_at,omitempty"`
	GreetingSentAt         *time.Time `json:"greeting_sent_at,omitempty"`
	PingSentAt             *time.Time `json:"ping_sent_at,omitempty"`
	InactiveSentAt         *time.Time `json:"inactive_sent_at,omitempty"`
	LastCustomerActivityAt *time.Time `json:"last_customer_activity_at,omitempty"`
	ClosedAt               *time.Time `json:"closed_at,omitempty"`
	CloseReason            string     `json:"close_reason,omitempty"`
}

// CustomerReplied reports whether the customer has spoken after the
// greeting of the current epoch was sent.
func (t *Task) CustomerReplied() bool {
	if t.GreetingSentAt == nil || t.LastCustomerActivityAt == nil {
		return false
	}
	return t.LastCustomerActivityAt.After(*t.GreetingSentAt)
}

// CreateTaskRequest represents a request to create a handoff task
type CreateTaskRequest struct {
	CustomerName    string `json:"customer_name"`
	CustomerContact string `json:"customer_contact"`
}

// AssignTaskRequest represents a request to assign an operator to a task
type AssignTaskRequest struct {
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name"`
}

// StartHandoffRequest represents a request to assign an operator and
// immediately greet the customer
type StartHandoffRequest struct {
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name"`
	SendGreeting *bool  `json:"send_greeting,omitempty"`
}

// TaskListItem represents a handoff task in a list response
type TaskListItem struct {
	ID              string     `json:"id"`
	CustomerName    string     `json:"customer_name"`
	CustomerContact string     `json:"customer_contact"`
	OperatorName    *string    `json:"operator_name,omitempty"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
