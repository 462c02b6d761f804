package services

import (
	"context"
	"strings"
	"time"

	"github.com/Erickzao/twilio-services/internal/models"
	"go.uber.org/zap"
)

// ActivityTaskRepository defines the internal-task reads and writes used
// by the customer-activity sink
type ActivityTaskRepository interface {
	// FindAssignedByCustomerContact retrieves assigned tasks for a
	// customer contact, most recently updated first
	FindAssignedByCustomerContact(ctx context.Context, contact string) ([]models.Task, error)
	// MarkCustomerActivity records inbound customer activity
	MarkCustomerActivity(ctx context.Context, id string, at time.Time) error
}

// ActivityFlexRepository defines the flex-task reads and writes used by
// the customer-activity sink
type ActivityFlexRepository interface {
	// GetByConversationSid resolves a flex task through the conversation lookup
	GetByConversationSid(ctx context.Context, conversationSid string) (*models.FlexTask, error)
	// MarkCustomerActivity records inbound customer activity
	MarkCustomerActivity(ctx context.Context, taskSid string, at time.Time) error
}

// TimerCanceller cancels the armed deadlines of a task
type TimerCanceller interface {
	Cancel(taskID string)
}

// activityService records inbound customer activity from the provider
// webhook. Every failure is swallowed: the webhook must always succeed
// or the provider enters a retry loop.
type activityService struct {
	taskRepo         ActivityTaskRepository
	flexRepo         ActivityFlexRepository
	timers           TimerCanceller
	automationAuthor string
	logger           *zap.Logger
	now              func() time.Time
}

// NewActivityService creates a new customer-activity sink
func NewActivityService(
	taskRepo ActivityTaskRepository,
	flexRepo ActivityFlexRepository,
	timers TimerCanceller,
	automationAuthor string,
	logger *zap.Logger,
) *activityService {
	return &activityService{
		taskRepo:         taskRepo,
		flexRepo:         flexRepo,
		timers:           timers,
		automationAuthor: automationAuthor,
		logger:           logger,
		now:              time.Now,
	}
}

// MarkByContact records customer activity on the most recently updated
// assigned task for the contact and cancels its deadlines
func (s *activityService) MarkByContact(ctx context.Context, customerContact string) {
	contact := strings.TrimSpace(customerContact)
	if contact == "" {
		return
	}

	tasks, err := s.taskRepo.FindAssignedByCustomerContact(ctx, contact)
	if err != nil {
		s.logger.Error("failed to find tasks by contact", zap.String("contact", contact), zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	// Repository orders by updated_at descending
	task := tasks[0]

	if err := s.taskRepo.MarkCustomerActivity(ctx, task.ID, s.now()); err != nil {
		s.logger.Error("failed to record customer activity", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	s.timers.Cancel(task.ID)
	s.logger.Debug("customer activity recorded", zap.String("task_id", task.ID), zap.String("source", "internal"))
}

// MarkByConversationSid records customer activity on the flex task bound
// to the conversation, if the message author classifies as the customer
func (s *activityService) MarkByConversationSid(ctx context.Context, conversationSid, author string) {
	author = strings.TrimSpace(author)
	if conversationSid == "" || author == "" {
		return
	}

	task, err := s.flexRepo.GetByConversationSid(ctx, conversationSid)
	if err != nil {
		s.logger.Debug("no flex task for conversation",
			zap.String("conversation_sid", conversationSid),
			zap.Error(err),
		)
		return
	}

	if !s.isCustomerAuthor(task, author) {
		return
	}

	if err := s.flexRepo.MarkCustomerActivity(ctx, task.TaskSid, s.now()); err != nil {
		s.logger.Error("failed to record customer activity", zap.String("task_sid", task.TaskSid), zap.Error(err))
		return
	}

	s.timers.Cancel(task.TaskSid)
	s.logger.Debug("customer activity recorded", zap.String("task_sid", task.TaskSid), zap.String("source", "flex"))
}

// isCustomerAuthor classifies a conversation message author. When a
// customer address is known the author must match it; otherwise anyone
// who is not the automation author or the operator counts as customer.
func (s *activityService) isCustomerAuthor(task *models.FlexTask, author string) bool {
	if task.CustomerAddress != "" || task.CustomerFrom != "" {
		return author == task.CustomerAddress || author == task.CustomerFrom
	}

	if author == s.automationAuthor {
		return false
	}
	if task.WorkerName != "" && author == task.WorkerName {
		return false
	}
	if task.WorkerSid != "" && author == task.WorkerSid {
		return false
	}
	return true
}
