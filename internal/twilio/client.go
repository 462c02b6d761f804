package twilio

import (
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	conversations "github.com/twilio/twilio-go/rest/conversations/v1"
	taskrouter "github.com/twilio/twilio-go/rest/taskrouter/v1"
)

// Client is the live implementation of the messaging-provider port,
// backed by the Twilio REST SDK
type Client struct {
	rest       *twilio.RestClient
	fromNumber string
}

// NewClient creates a new provider client
func NewClient(accountSID, authToken, fromNumber string) *Client {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &Client{
		rest:       rest,
		fromNumber: fromNumber,
	}
}

// SendSMS sends an SMS message from the configured number
func (c *Client) SendSMS(to, body string) (*Message, error) {
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	msg, err := c.rest.Api.CreateMessage(params)
	if err != nil {
		return nil, fmt.Errorf("failed to send SMS: %w", err)
	}

	return &Message{Sid: deref(msg.Sid)}, nil
}

// PostConversationMessage posts a message into a conversation with the
// given author identity
func (c *Client) PostConversationMessage(conversationSid, body, author string) (*Message, error) {
	params := &conversations.CreateConversationMessageParams{}
	params.SetBody(body)
	params.SetAuthor(author)

	msg, err := c.rest.ConversationsV1.CreateConversationMessage(conversationSid, params)
	if err != nil {
		return nil, fmt.Errorf("failed to post conversation message: %w", err)
	}

	return &Message{Sid: deref(msg.Sid)}, nil
}

// ListConversationParticipants lists up to limit participants of a conversation
func (c *Client) ListConversationParticipants(conversationSid string, limit int) ([]Participant, error) {
	params := &conversations.ListConversationParticipantParams{}
	params.SetLimit(limit)

	items, err := c.rest.ConversationsV1.ListConversationParticipant(conversationSid, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation participants: %w", err)
	}

	participants := make([]Participant, 0, len(items))
	for _, item := range items {
		p := Participant{
			Sid:        deref(item.Sid),
			Identity:   deref(item.Identity),
			Attributes: deref(item.Attributes),
		}
		p.Address, p.ProxyAddress = messagingBinding(item.MessagingBinding)
		participants = append(participants, p)
	}

	return participants, nil
}

// FetchWorker fetches a single TaskRouter worker
func (c *Client) FetchWorker(workspaceSid, workerSid string) (*Worker, error) {
	worker, err := c.rest.TaskrouterV1.FetchWorker(workspaceSid, workerSid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch worker: %w", err)
	}

	return &Worker{
		Sid:          deref(worker.Sid),
		FriendlyName: deref(worker.FriendlyName),
		Attributes:   deref(worker.Attributes),
	}, nil
}

// ListAssignedTasks lists tasks in the workspace with the given
// assignment statuses
func (c *Client) ListAssignedTasks(workspaceSid string, statuses []string, limit int) ([]Task, error) {
	params := &taskrouter.ListTaskParams{}
	params.SetAssignmentStatus(statuses)
	params.SetLimit(limit)

	items, err := c.rest.TaskrouterV1.ListTask(workspaceSid, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks := make([]Task, 0, len(items))
	for _, item := range items {
		tasks = append(tasks, Task{
			Sid:               deref(item.Sid),
			AssignmentStatus:  deref(item.AssignmentStatus),
			Attributes:        deref(item.Attributes),
			ChannelUniqueName: deref(item.TaskChannelUniqueName),
		})
	}

	return tasks, nil
}

// ListAcceptedReservations lists accepted reservations for a task
func (c *Client) ListAcceptedReservations(workspaceSid, taskSid string, limit int) ([]Reservation, error) {
	params := &taskrouter.ListTaskReservationParams{}
	params.SetReservationStatus("accepted")
	params.SetLimit(limit)

	items, err := c.rest.TaskrouterV1.ListTaskReservation(workspaceSid, taskSid, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list task reservations: %w", err)
	}

	reservations := make([]Reservation, 0, len(items))
	for _, item := range items {
		reservations = append(reservations, Reservation{
			Sid:        deref(item.Sid),
			Status:     deref(item.ReservationStatus),
			WorkerSid:  deref(item.WorkerSid),
			WorkerName: deref(item.WorkerName),
		})
	}

	return reservations, nil
}

// CloseConversation sets the conversation state to closed
func (c *Client) CloseConversation(conversationSid string) error {
	params := &conversations.UpdateConversationParams{}
	params.SetState("closed")

	if _, err := c.rest.ConversationsV1.UpdateConversation(conversationSid, params); err != nil {
		return fmt.Errorf("failed to close conversation: %w", err)
	}

	return nil
}

// CompleteTask marks a TaskRouter task as completed with a reason
func (c *Client) CompleteTask(workspaceSid, taskSid, reason string) error {
	params := &taskrouter.UpdateTaskParams{}
	params.SetAssignmentStatus("completed")
	params.SetReason(reason)

	if _, err := c.rest.TaskrouterV1.UpdateTask(workspaceSid, taskSid, params); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	return nil
}

// ListWorkspaces lists the account's TaskRouter workspaces
func (c *Client) ListWorkspaces() ([]Workspace, error) {
	params := &taskrouter.ListWorkspaceParams{}
	params.SetLimit(20)

	items, err := c.rest.TaskrouterV1.ListWorkspace(params)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	workspaces := make([]Workspace, 0, len(items))
	for _, item := range items {
		workspaces = append(workspaces, Workspace{
			Sid:          deref(item.Sid),
			FriendlyName: deref(item.FriendlyName),
		})
	}

	return workspaces, nil
}

// messagingBinding extracts address and proxy_address from the untyped
// messaging_binding document the SDK returns
func messagingBinding(raw *map[string]interface{}) (address, proxyAddress string) {
	if raw == nil {
		return "", ""
	}
	binding := *raw
	if binding == nil {
		return "", ""
	}
	if v, ok := binding["address"].(string); ok {
		address = v
	}
	if v, ok := binding["proxy_address"].(string); ok {
		proxyAddress = v
	}
	return address, proxyAddress
}

// deref returns the value of a possibly nil string pointer
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
