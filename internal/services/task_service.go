package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Erickzao/twilio-services/internal/models"
	"github.com/Erickzao/twilio-services/internal/twilio"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskRepository defines the internal-task operations used by the
// handoff commands
type TaskRepository interface {
	// Create inserts a new handoff task
	Create(ctx context.Context, task *models.Task) error
	// GetByID retrieves a task by its ID
	GetByID(ctx context.Context, id string) (*models.Task, error)
	// GetAll retrieves a paginated list of tasks with an optional status filter
	GetAll(ctx context.Context, page, count int, status string) ([]models.TaskListItem, error)
	// Assign sets the operator and moves the task to assigned
	Assign(ctx context.Context, id, operatorID, operatorName string, at time.Time) error
	// SetGreetingSent records the greeting timestamp and starts a new epoch
	SetGreetingSent(ctx context.Context, id string, at time.Time) error
	// MarkCustomerActivity records inbound customer activity
	MarkCustomerActivity(ctx context.Context, id string, at time.Time) error
}

// SMSSender sends SMS messages through the messaging provider
type SMSSender interface {
	SendSMS(to, body string) (*twilio.Message, error)
}

// TimerArmer arms and cancels the inactivity deadlines of internal tasks
type TimerArmer interface {
	// ArmInternal arms the deadlines of an already-greeted task
	ArmInternal(task *models.Task)
	// CancelTimers cancels the armed deadlines of a task, if any
	CancelTimers(taskID string)
}

type taskService struct {
	repo   TaskRepository
	sms    SMSSender
	timers TimerArmer
	logger *zap.Logger
	now    func() time.Time
}

// NewTaskService creates a new task service
func NewTaskService(repo TaskRepository, sms SMSSender, timers TimerArmer, logger *zap.Logger) *taskService {
	return &taskService{
		repo:   repo,
		sms:    sms,
		timers: timers,
		logger: logger,
		now:    time.Now,
	}
}

// Create creates a new open handoff task
func (s *taskService) Create(ctx context.Context, req *models.CreateTaskRequest) (string, error) {
	if req.CustomerName == "" {
		return "", fmt.Errorf("customer name is required")
	}
	if req.CustomerContact == "" {
		return "", fmt.Errorf("customer contact is required")
	}

	task := &models.Task{
		ID:              uuid.New().String(),
		CustomerName:    req.CustomerName,
		CustomerContact: req.CustomerContact,
		Status:          models.TaskStatusOpen,
	}

	if err := s.repo.Create(ctx, task); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	return task.ID, nil
}

// GetByID retrieves a task by ID
func (s *taskService) GetByID(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.GetByID(ctx, id)
}

// GetAll retrieves a paginated list of tasks
func (s *taskService) GetAll(ctx context.Context, page, count int, status string) ([]models.TaskListItem, error) {
	if page < 1 {
		page = 1
	}
	if count < 1 {
		count = 20
	}

	if status != "" && status != string(models.TaskStatusOpen) &&
		status != string(models.TaskStatusAssigned) &&
		status != string(models.TaskStatusClosed) {
		status = ""
	}

	return s.repo.GetAll(ctx, page, count, status)
}

// Assign sets the operator on a task and moves it to assigned.
// assigned_at is only written on the first assignment.
func (s *taskService) Assign(ctx context.Context, id string, req *models.AssignTaskRequest) error {
	if req.OperatorID == "" {
		return fmt.Errorf("operator ID is required")
	}
	if req.OperatorName == "" {
		return fmt.Errorf("operator name is required")
	}

	return s.repo.Assign(ctx, id, req.OperatorID, req.OperatorName, s.now())
}

// StartHandoff assigns the operator and, unless disabled, greets the
// customer by SMS. The whole call fails when the greeting send fails.
func (s *taskService) StartHandoff(ctx context.Context, id string, req *models.StartHandoffRequest) error {
	assign := &models.AssignTaskRequest{
		OperatorID:   req.OperatorID,
		OperatorName: req.OperatorName,
	}
	if err := s.Assign(ctx, id, assign); err != nil {
		return err
	}

	sendGreeting := req.SendGreeting == nil || *req.SendGreeting
	if !sendGreeting {
		return nil
	}

	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.sms.SendSMS(task.CustomerContact, GreetingMessage(task.CustomerName, req.OperatorName)); err != nil {
		return fmt.Errorf("failed to send greeting: %w", err)
	}

	now := s.now()
	if err := s.repo.SetGreetingSent(ctx, id, now); err != nil {
		return fmt.Errorf("failed to record greeting: %w", err)
	}

	task.GreetingSentAt = &now
	task.Status = models.TaskStatusAssigned
	s.timers.ArmInternal(task)

	s.logger.Info("handoff started", zap.String("task_id", id))
	return nil
}

// RegisterGreeting records that a greeting was already sent out-of-band
// and arms the deadlines for the new epoch
func (s *taskService) RegisterGreeting(ctx context.Context, id string) error {
	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if task.Status != models.TaskStatusAssigned {
		return fmt.Errorf("task is not assigned")
	}

	now := s.now()
	if err := s.repo.SetGreetingSent(ctx, id, now); err != nil {
		return fmt.Errorf("failed to record greeting: %w", err)
	}

	task.GreetingSentAt = &now
	task.PingSentAt = nil
	task.InactiveSentAt = nil
	s.timers.ArmInternal(task)

	return nil
}

// MarkActivity records inbound customer activity and cancels the
// armed deadlines
func (s *taskService) MarkActivity(ctx context.Context, id string) error {
	if err := s.repo.MarkCustomerActivity(ctx, id, s.now()); err != nil {
		return err
	}

	s.timers.CancelTimers(id)
	return nil
}
