package services

import (
	"context"
	"sync"
	"time"

	"github.com/Erickzao/twilio-services/internal/config"
	"github.com/Erickzao/twilio-services/internal/metrics"
	"github.com/Erickzao/twilio-services/internal/models"
	"github.com/Erickzao/twilio-services/internal/scheduler"
	"github.com/Erickzao/twilio-services/internal/twilio"
	"go.uber.org/zap"
)

// AutoTaskRepository defines the internal-task operations used by the engine
type AutoTaskRepository interface {
	// FindByStatus retrieves up to limit tasks with the given status
	FindByStatus(ctx context.Context, status string, limit int) ([]models.Task, error)
	// GetByID retrieves a task by its ID
	GetByID(ctx context.Context, id string) (*models.Task, error)
	// SetGreetingSent records the greeting timestamp and starts a new
	// epoch by clearing the ping and inactive marks
	SetGreetingSent(ctx context.Context, id string, at time.Time) error
	// MarkPingSent records the ping timestamp of the current epoch
	MarkPingSent(ctx context.Context, id string, at time.Time) error
	// CloseDueToInactivity closes the task, recording the inactive mark,
	// closed timestamp and close reason in one write
	CloseDueToInactivity(ctx context.Context, id string, at time.Time) error
}

// AutoFlexRepository defines the flex-task operations used by the engine
type AutoFlexRepository interface {
	// GetByTaskSid retrieves a flex task row by its provider task sid
	GetByTaskSid(ctx context.Context, taskSid string) (*models.FlexTask, error)
	// UpsertBaseState persists the attributes observed at poll time
	// without touching the greeting-epoch marks
	UpsertBaseState(ctx context.Context, task *models.FlexTask) error
	// SetGreetingSent records the greeting timestamp and clears the
	// ping and inactive marks
	SetGreetingSent(ctx context.Context, taskSid string, at time.Time) error
	// MarkPingSent records the ping timestamp of the current epoch
	MarkPingSent(ctx context.Context, taskSid string, at time.Time) error
	// MarkInactiveSent records the inactivity-closure timestamp
	MarkInactiveSent(ctx context.Context, taskSid string, at time.Time) error
}

// MessagingClient is the capability-typed port onto the messaging provider
type MessagingClient interface {
	SendSMS(to, body string) (*twilio.Message, error)
	PostConversationMessage(conversationSid, body, author string) (*twilio.Message, error)
	ListConversationParticipants(conversationSid string, limit int) ([]twilio.Participant, error)
	FetchWorker(workspaceSid, workerSid string) (*twilio.Worker, error)
	ListAssignedTasks(workspaceSid string, statuses []string, limit int) ([]twilio.Task, error)
	ListAcceptedReservations(workspaceSid, taskSid string, limit int) ([]twilio.Reservation, error)
	CloseConversation(conversationSid string) error
	CompleteTask(workspaceSid, taskSid, reason string) error
	ListWorkspaces() ([]twilio.Workspace, error)
}

// TaskScheduler arms and cancels the per-task inactivity deadlines
type TaskScheduler interface {
	Schedule(taskID string, greetingSentAt time.Time, onPing, onInactive scheduler.Callback)
	Cancel(taskID string)
	Has(taskID string) bool
}

// AutoProcessService is the reconciliation engine. One tick unifies the
// two task sources under the same greeting/ping/close lifecycle.
type AutoProcessService struct {
	taskRepo AutoTaskRepository
	flexRepo AutoFlexRepository
	client   MessagingClient
	sched    TaskScheduler
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      config.TasksConfig

	// workspaceSid is the configured workspace; when empty the engine
	// auto-detects one and caches it in resolvedWorkspace
	workspaceSid      string
	resolvedWorkspace string
	workspaceWarned   bool
	wsMu              sync.Mutex

	// workerNames caches workerSid -> display name for the process lifetime
	workerNames map[string]string
	workerMu    sync.Mutex

	// warnedParticipants tracks task sids already warned about a missing
	// worker participant, so the retry loop does not spam the log
	warnedParticipants map[string]struct{}
	warnMu             sync.Mutex

	now func() time.Time
}

// NewAutoProcessService creates a new reconciliation engine
func NewAutoProcessService(
	taskRepo AutoTaskRepository,
	flexRepo AutoFlexRepository,
	client MessagingClient,
	sched TaskScheduler,
	m *metrics.Metrics,
	cfg config.TasksConfig,
	workspaceSid string,
	logger *zap.Logger,
) *AutoProcessService {
	return &AutoProcessService{
		taskRepo:           taskRepo,
		flexRepo:           flexRepo,
		client:             client,
		sched:              sched,
		metrics:            m,
		logger:             logger,
		cfg:                cfg,
		workspaceSid:       workspaceSid,
		workerNames:        make(map[string]string),
		warnedParticipants: make(map[string]struct{}),
		now:                time.Now,
	}
}

// ProcessTick runs one reconciliation pass. With source "auto" the flex
// pipeline runs first and the internal pipeline only runs when flex
// produced no work.
func (s *AutoProcessService) ProcessTick(ctx context.Context) {
	if s.cfg.Source != config.SourceInternal {
		worked := s.processFlex(ctx)
		if worked || s.cfg.Source == config.SourceFlex {
			return
		}
	}

	if s.cfg.Source != config.SourceFlex {
		s.processInternal(ctx)
	}
}

// processInternal runs the SMS pipeline over assigned internal tasks
func (s *AutoProcessService) processInternal(ctx context.Context) {
	tasks, err := s.taskRepo.FindByStatus(ctx, string(models.TaskStatusAssigned), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list assigned tasks", zap.Error(err))
		return
	}

	for i := range tasks {
		s.processInternalTask(ctx, &tasks[i])
	}
}

// processInternalTask advances one internal task through the lifecycle
func (s *AutoProcessService) processInternalTask(ctx context.Context, task *models.Task) {
	if task.Status != models.TaskStatusAssigned || task.OperatorName == nil {
		return
	}

	if task.GreetingSentAt != nil {
		if task.CustomerReplied() {
			s.sched.Cancel(task.ID)
			return
		}
		if task.InactiveSentAt != nil {
			s.sched.Cancel(task.ID)
			return
		}
		if !s.sched.Has(task.ID) {
			s.sched.Schedule(task.ID, *task.GreetingSentAt, s.handleInternalPing, s.handleInternalInactive)
		}
		return
	}

	body := GreetingMessage(task.CustomerName, *task.OperatorName)
	if _, err := s.client.SendSMS(task.CustomerContact, body); err != nil {
		s.metrics.SendFailures.WithLabelValues("internal", "greeting").Inc()
		s.logger.Warn("failed to send greeting SMS",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return
	}
	s.metrics.MessagesSent.WithLabelValues("internal", "greeting").Inc()

	now := s.now()
	if err := s.taskRepo.SetGreetingSent(ctx, task.ID, now); err != nil {
		s.logger.Error("failed to record greeting", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	s.sched.Schedule(task.ID, now, s.handleInternalPing, s.handleInternalInactive)
	s.logger.Info("greeting sent", zap.String("task_id", task.ID), zap.String("source", "internal"))
}

// ArmInternal re-arms the deadlines of an already-greeted internal task.
// Used by the handoff commands after they record a greeting.
func (s *AutoProcessService) ArmInternal(task *models.Task) {
	if task.GreetingSentAt == nil {
		return
	}
	s.sched.Schedule(task.ID, *task.GreetingSentAt, s.handleInternalPing, s.handleInternalInactive)
}

// CancelTimers cancels the armed deadlines of a task, if any
func (s *AutoProcessService) CancelTimers(taskID string) {
	s.sched.Cancel(taskID)
}

// handleInternalPing is the ping deadline callback for internal tasks.
// It re-reads the row and re-checks every precondition: the deadline may
// have fired concurrently with customer activity or a close.
func (s *AutoProcessService) handleInternalPing(taskID string) {
	ctx := context.Background()

	task, err := s.taskRepo.GetByID(ctx, taskID)
	if err != nil {
		s.logger.Warn("ping callback could not load task", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	if task.Status != models.TaskStatusAssigned || task.GreetingSentAt == nil ||
		task.PingSentAt != nil || task.CustomerReplied() {
		return
	}

	if _, err := s.client.SendSMS(task.CustomerContact, PingMessage(task.CustomerName)); err != nil {
		s.metrics.SendFailures.WithLabelValues("internal", "ping").Inc()
		s.logger.Warn("failed to send ping SMS", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.metrics.MessagesSent.WithLabelValues("internal", "ping").Inc()

	if err := s.taskRepo.MarkPingSent(ctx, taskID, s.now()); err != nil {
		s.logger.Error("failed to record ping", zap.String("task_id", taskID), zap.Error(err))
	}
}

// handleInternalInactive is the inactivity deadline callback for internal
// tasks. On success it closes the task and cancels its own entry.
func (s *AutoProcessService) handleInternalInactive(taskID string) {
	ctx := context.Background()

	task, err := s.taskRepo.GetByID(ctx, taskID)
	if err != nil {
		s.logger.Warn("inactive callback could not load task", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	if task.Status != models.TaskStatusAssigned || task.GreetingSentAt == nil ||
		task.InactiveSentAt != nil || task.CustomerReplied() {
		return
	}

	if _, err := s.client.SendSMS(task.CustomerContact, ClosureMessage(task.CustomerName)); err != nil {
		s.metrics.SendFailures.WithLabelValues("internal", "closure").Inc()
		s.logger.Warn("failed to send closure SMS", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.metrics.MessagesSent.WithLabelValues("internal", "closure").Inc()

	if err := s.taskRepo.CloseDueToInactivity(ctx, taskID, s.now()); err != nil {
		s.logger.Error("failed to close task", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	s.sched.Cancel(taskID)
	s.metrics.TasksClosed.WithLabelValues("internal").Inc()
	s.logger.Info("task closed due to inactivity", zap.String("task_id", taskID), zap.String("source", "internal"))
}
