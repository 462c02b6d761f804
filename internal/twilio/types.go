// Package twilio wraps the messaging provider behind a narrow,
// capability-typed client. Only this package touches the vendor SDK;
// callers see the plain structs below.
package twilio

// Message is an outbound message accepted by the provider
type Message struct {
	Sid string
}

// Participant is a member of a conversation. Address and ProxyAddress
// are only set for messaging-binding (non chat) participants.
type Participant struct {
	Sid          string
	Identity     string
	Attributes   string
	Address      string
	ProxyAddress string
}

// Worker is a TaskRouter worker
type Worker struct {
	Sid          string
	FriendlyName string
	Attributes   string
}

// Task is a TaskRouter task as observed at poll time. Attributes is the
// raw JSON document the provider stores on the task.
type Task struct {
	Sid               string
	AssignmentStatus  string
	Attributes        string
	ChannelUniqueName string
}

// Reservation is a worker's claim on a task
type Reservation struct {
	Sid        string
	Status     string
	WorkerSid  string
	WorkerName string
}

// Workspace is a TaskRouter workspace
type Workspace struct {
	Sid          string
	FriendlyName string
}
