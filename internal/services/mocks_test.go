package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Erickzao/twilio-services/internal/metrics"
	"github.com/Erickzao/twilio-services/internal/models"
	"github.com/Erickzao/twilio-services/internal/scheduler"
	"github.com/Erickzao/twilio-services/internal/twilio"
	"github.com/prometheus/client_golang/prometheus"
)

// newTestMetrics builds an isolated metrics set per test
func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// mockTaskRepository is an in-memory implementation of the internal-task
// repository interfaces
type mockTaskRepository struct {
	mu        sync.Mutex
	tasks     map[string]*models.Task
	findErr   error
	getErr    error
	updateErr error
}

func newMockTaskRepository(tasks ...*models.Task) *mockTaskRepository {
	m := &mockTaskRepository{tasks: make(map[string]*models.Task)}
	for _, task := range tasks {
		m.tasks[task.ID] = task
	}
	return m
}

func (m *mockTaskRepository) get(id string) (*models.Task, bool) {
	task, ok := m.tasks[id]
	return task, ok
}

func (m *mockTaskRepository) Create(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	copied := *task
	m.tasks[task.ID] = &copied
	return nil
}

func (m *mockTaskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not found")
	}
	copied := *task
	return &copied, nil
}

func (m *mockTaskRepository) GetAll(ctx context.Context, page, count int, status string) ([]models.TaskListItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var items []models.TaskListItem
	for _, task := range m.tasks {
		if status != "" && string(task.Status) != status {
			continue
		}
		items = append(items, models.TaskListItem{ID: task.ID, CustomerName: task.CustomerName, Status: task.Status})
	}
	return items, nil
}

func (m *mockTaskRepository) FindByStatus(ctx context.Context, status string, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var tasks []models.Task
	for _, task := range m.tasks {
		if string(task.Status) == status && len(tasks) < limit {
			tasks = append(tasks, *task)
		}
	}
	return tasks, nil
}

func (m *mockTaskRepository) FindAssignedByCustomerContact(ctx context.Context, contact string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var tasks []models.Task
	for _, task := range m.tasks {
		if task.CustomerContact == contact && task.Status == models.TaskStatusAssigned {
			tasks = append(tasks, *task)
		}
	}
	// Most recently updated first, as the repository guarantees
	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			if tasks[j].UpdatedAt.After(tasks[i].UpdatedAt) {
				tasks[i], tasks[j] = tasks[j], tasks[i]
			}
		}
	}
	return tasks, nil
}

func (m *mockTaskRepository) Assign(ctx context.Context, id, operatorID, operatorName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task not found")
	}
	task.OperatorID = &operatorID
	task.OperatorName = &operatorName
	task.Status = models.TaskStatusAssigned
	if task.AssignedAt == nil {
		task.AssignedAt = &at
	}
	task.UpdatedAt = at
	return nil
}

func (m *mockTaskRepository) SetGreetingSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task not found")
	}
	task.GreetingSentAt = &at
	task.PingSentAt = nil
	task.InactiveSentAt = nil
	task.UpdatedAt = at
	return nil
}

func (m *mockTaskRepository) MarkPingSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task not found")
	}
	task.PingSentAt = &at
	task.UpdatedAt = at
	return nil
}

func (m *mockTaskRepository) CloseDueToInactivity(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task not found")
	}
	task.InactiveSentAt = &at
	task.ClosedAt = &at
	task.Status = models.TaskStatusClosed
	task.CloseReason = models.CloseReasonInactivity
	task.UpdatedAt = at
	return nil
}

func (m *mockTaskRepository) MarkCustomerActivity(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task not found")
	}
	task.LastCustomerActivityAt = &at
	task.UpdatedAt = at
	return nil
}

// mockFlexTaskRepository is an in-memory implementation of the flex-task
// repository interfaces
type mockFlexTaskRepository struct {
	mu             sync.Mutex
	tasks          map[string]*models.FlexTask
	byConversation map[string]string
	getErr         error
	upsertErr      error
	updateErr      error
}

func newMockFlexTaskRepository(tasks ...*models.FlexTask) *mockFlexTaskRepository {
	m := &mockFlexTaskRepository{
		tasks:          make(map[string]*models.FlexTask),
		byConversation: make(map[string]string),
	}
	for _, task := range tasks {
		m.tasks[task.TaskSid] = task
		if task.ConversationSid != "" {
			m.byConversation[task.ConversationSid] = task.TaskSid
		}
	}
	return m
}

func (m *mockFlexTaskRepository) get(taskSid string) (*models.FlexTask, bool) {
	task, ok := m.tasks[taskSid]
	return task, ok
}

func (m *mockFlexTaskRepository) GetByTaskSid(ctx context.Context, taskSid string) (*models.FlexTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	task, ok := m.tasks[taskSid]
	if !ok {
		return nil, fmt.Errorf("flex task not found")
	}
	copied := *task
	return &copied, nil
}

func (m *mockFlexTaskRepository) GetByConversationSid(ctx context.Context, conversationSid string) (*models.FlexTask, error) {
	m.mu.Lock()
	taskSid, ok := m.byConversation[conversationSid]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("flex task not found")
	}
	return m.GetByTaskSid(ctx, taskSid)
}

func (m *mockFlexTaskRepository) UpsertBaseState(ctx context.Context, task *models.FlexTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	existing, ok := m.tasks[task.TaskSid]
	if !ok {
		copied := *task
		m.tasks[task.TaskSid] = &copied
	} else {
		existing.ConversationSid = task.ConversationSid
		existing.ChannelType = task.ChannelType
		existing.CustomerName = task.CustomerName
		existing.CustomerAddress = task.CustomerAddress
		existing.CustomerFrom = task.CustomerFrom
		existing.WorkerSid = task.WorkerSid
		existing.WorkerName = task.WorkerName
		existing.TaskAssignmentStatus = task.TaskAssignmentStatus
		existing.TaskAttributes = task.TaskAttributes
	}
	if task.ConversationSid != "" {
		m.byConversation[task.ConversationSid] = task.TaskSid
	}
	return nil
}

func (m *mockFlexTaskRepository) SetGreetingSent(ctx context.Context, taskSid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	task, ok := m.tasks[taskSid]
	if !ok {
		return fmt.Errorf("flex task not found")
	}
	task.GreetingSentAt = &at
	task.PingSentAt = nil
	task.InactiveSentAt = nil
	return nil
}

func (m *mockFlexTaskRepository) MarkPingSent(ctx context.Context, taskSid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	task, ok := m.tasks[taskSid]
	if !ok {
		return fmt.Errorf("flex task not found")
	}
	task.PingSentAt = &at
	return nil
}

func (m *mockFlexTaskRepository) MarkInactiveSent(ctx context.Context, taskSid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	task, ok := m.tasks[taskSid]
	if !ok {
		return fmt.Errorf("flex task not found")
	}
	task.InactiveSentAt = &at
	return nil
}

func (m *mockFlexTaskRepository) MarkCustomerActivity(ctx context.Context, taskSid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	task, ok := m.tasks[taskSid]
	if !ok {
		return fmt.Errorf("flex task not found")
	}
	task.LastCustomerActivityAt = &at
	return nil
}

// sentSMS records one SendSMS call
type sentSMS struct {
	to   string
	body string
}

// postedMessage records one PostConversationMessage call
type postedMessage struct {
	conversationSid string
	body            string
	author          string
}

// mockMessagingClient is a recording fake of the provider port
type mockMessagingClient struct {
	mu sync.Mutex

	smsSent []sentSMS
	smsErr  error

	posted  []postedMessage
	postErr error

	participants    map[string][]twilio.Participant
	participantsErr error

	workers          map[string]*twilio.Worker
	workerErr        error
	fetchWorkerCalls int

	providerTasks     []twilio.Task
	tasksErr          error
	listAssignedCalls int

	reservations    map[string][]twilio.Reservation
	reservationsErr error

	closedConversations []string
	closeErr            error

	completedTasks []string
	completeErr    error

	workspaces    []twilio.Workspace
	workspacesErr error
}

func newMockMessagingClient() *mockMessagingClient {
	return &mockMessagingClient{
		participants: make(map[string][]twilio.Participant),
		workers:      make(map[string]*twilio.Worker),
		reservations: make(map[string][]twilio.Reservation),
	}
}

func (m *mockMessagingClient) SendSMS(to, body string) (*twilio.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.smsErr != nil {
		return nil, m.smsErr
	}
	m.smsSent = append(m.smsSent, sentSMS{to: to, body: body})
	return &twilio.Message{Sid: fmt.Sprintf("SM%02d", len(m.smsSent))}, nil
}

func (m *mockMessagingClient) PostConversationMessage(conversationSid, body, author string) (*twilio.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return nil, m.postErr
	}
	m.posted = append(m.posted, postedMessage{conversationSid: conversationSid, body: body, author: author})
	return &twilio.Message{Sid: fmt.Sprintf("IM%02d", len(m.posted))}, nil
}

func (m *mockMessagingClient) ListConversationParticipants(conversationSid string, limit int) ([]twilio.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participantsErr != nil {
		return nil, m.participantsErr
	}
	return m.participants[conversationSid], nil
}

func (m *mockMessagingClient) FetchWorker(workspaceSid, workerSid string) (*twilio.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchWorkerCalls++
	if m.workerErr != nil {
		return nil, m.workerErr
	}
	worker, ok := m.workers[workerSid]
	if !ok {
		return nil, fmt.Errorf("worker not found")
	}
	return worker, nil
}

func (m *mockMessagingClient) ListAssignedTasks(workspaceSid string, statuses []string, limit int) ([]twilio.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listAssignedCalls++
	if m.tasksErr != nil {
		return nil, m.tasksErr
	}
	return m.providerTasks, nil
}

func (m *mockMessagingClient) ListAcceptedReservations(workspaceSid, taskSid string, limit int) ([]twilio.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reservationsErr != nil {
		return nil, m.reservationsErr
	}
	return m.reservations[taskSid], nil
}

func (m *mockMessagingClient) CloseConversation(conversationSid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closedConversations = append(m.closedConversations, conversationSid)
	return nil
}

func (m *mockMessagingClient) CompleteTask(workspaceSid, taskSid, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completedTasks = append(m.completedTasks, taskSid)
	return nil
}

func (m *mockMessagingClient) ListWorkspaces() ([]twilio.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workspacesErr != nil {
		return nil, m.workspacesErr
	}
	return m.workspaces, nil
}

// scheduledEntry records one Schedule call
type scheduledEntry struct {
	anchor     time.Time
	onPing     scheduler.Callback
	onInactive scheduler.Callback
}

// mockScheduler is a hand-driven scheduler: tests fire the recorded
// callbacks instead of waiting for real deadlines
type mockScheduler struct {
	mu        sync.Mutex
	entries   map[string]scheduledEntry
	cancelled []string
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{entries: make(map[string]scheduledEntry)}
}

func (m *mockScheduler) Schedule(taskID string, greetingSentAt time.Time, onPing, onInactive scheduler.Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[taskID] = scheduledEntry{anchor: greetingSentAt, onPing: onPing, onInactive: onInactive}
}

func (m *mockScheduler) Cancel(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, taskID)
	m.cancelled = append(m.cancelled, taskID)
}

func (m *mockScheduler) Has(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[taskID]
	return ok
}

func (m *mockScheduler) firePing(taskID string) {
	m.mu.Lock()
	entry, ok := m.entries[taskID]
	m.mu.Unlock()
	if ok {
		entry.onPing(taskID)
	}
}

func (m *mockScheduler) fireInactive(taskID string) {
	m.mu.Lock()
	entry, ok := m.entries[taskID]
	m.mu.Unlock()
	if ok {
		entry.onInactive(taskID)
	}
}

func (m *mockScheduler) anchorOf(taskID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[taskID]
	return entry.anchor, ok
}
