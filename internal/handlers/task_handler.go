package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Erickzao/twilio-services/internal/models"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// TaskService is the interface that wraps methods for handoff task
// business logic
type TaskService interface {
	// Create creates a new open handoff task
	Create(ctx context.Context, req *models.CreateTaskRequest) (string, error)
	// GetByID retrieves a task by its ID
	GetByID(ctx context.Context, id string) (*models.Task, error)
	// GetAll retrieves a paginated list of tasks
	GetAll(ctx context.Context, page, count int, status string) ([]models.TaskListItem, error)
	// Assign sets the operator on a task
	Assign(ctx context.Context, id string, req *models.AssignTaskRequest) error
	// StartHandoff assigns the operator and greets the customer
	StartHandoff(ctx context.Context, id string, req *models.StartHandoffRequest) error
	// RegisterGreeting records an out-of-band greeting
	RegisterGreeting(ctx context.Context, id string) error
	// MarkActivity records inbound customer activity
	MarkActivity(ctx context.Context, id string) error
}

// TaskHandler handles handoff task requests
type TaskHandler struct {
	BaseHandler
	taskService TaskService
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(taskService TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		BaseHandler: BaseHandler{Logger: logger},
		taskService: taskService,
	}
}

// RegisterRoutes registers task handler routes
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/", h.ListTasks)
		r.Get("/{taskID}", h.GetTask)
		r.Post("/{taskID}/assign", h.AssignTask)
		r.Post("/{taskID}/handoff", h.StartHandoff)
		r.Post("/{taskID}/greeting", h.RegisterGreeting)
		r.Post("/{taskID}/activity", h.MarkActivity)
	})
}

// CreateTask handles POST /tasks
// @Summary Create handoff task
// @Description Create a new open handoff task for a customer. Requires API key authentication.
// @Tags tasks
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param task body models.CreateTaskRequest true "Task creation request"
// @Success 201 {object} map[string]any "Task created successfully"
// @Failure 400 {object} map[string]string "Bad request"
// @Router /tasks [post]
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	taskID, err := h.taskService.Create(r.Context(), &req)
	if err != nil {
		h.Logger.Error("failed to create task", zap.Error(err))
		h.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.RespondJSON(w, http.StatusCreated, map[string]any{
		"message": "task created successfully",
		"id":      taskID,
	})
}

// ListTasks handles GET /tasks
// @Summary List handoff tasks
// @Description Retrieve a paginated list of handoff tasks with an optional status filter.
// @Tags tasks
// @Produce json
// @Security ApiKeyAuth
// @Param page query int false "Page number (default 1)"
// @Param count query int false "Items per page (default 20)"
// @Param status query string false "Status filter (open, assigned, closed)"
// @Success 200 {array} models.TaskListItem
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /tasks [get]
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	status := r.URL.Query().Get("status")

	tasks, err := h.taskService.GetAll(r.Context(), page, count, status)
	if err != nil {
		h.Logger.Error("failed to list tasks", zap.Error(err))
		h.RespondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []models.TaskListItem{}
	}

	h.RespondJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /tasks/{taskID}
// @Summary Get handoff task
// @Description Retrieve a single handoff task by ID.
// @Tags tasks
// @Produce json
// @Security ApiKeyAuth
// @Param taskID path string true "Task ID"
// @Success 200 {object} models.Task
// @Failure 404 {object} map[string]string "Task not found"
// @Router /tasks/{taskID} [get]
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	task, err := h.taskService.GetByID(r.Context(), taskID)
	if err != nil {
		h.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	h.RespondJSON(w, http.StatusOK, task)
}

// AssignTask handles POST /tasks/{taskID}/assign
// @Summary Assign operator
// @Description Assign an operator to a handoff task.
// @Tags tasks
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param taskID path string true "Task ID"
// @Param request body models.AssignTaskRequest true "Assignment request"
// @Success 200 {object} map[string]string "Operator assigned"
// @Failure 400 {object} map[string]string "Bad request"
// @Router /tasks/{taskID}/assign [post]
func (h *TaskHandler) AssignTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req models.AssignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.taskService.Assign(r.Context(), taskID, &req); err != nil {
		h.Logger.Error("failed to assign task", zap.String("task_id", taskID), zap.Error(err))
		h.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.RespondJSON(w, http.StatusOK, map[string]string{"message": "operator assigned"})
}

// StartHandoff handles POST /tasks/{taskID}/handoff
// @Summary Start handoff
// @Description Assign an operator and greet the customer by SMS. The call fails if the greeting cannot be sent.
// @Tags tasks
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param taskID path string true "Task ID"
// @Param request body models.StartHandoffRequest true "Handoff request"
// @Success 200 {object} map[string]string "Handoff started"
// @Failure 400 {object} map[string]string "Bad request"
// @Router /tasks/{taskID}/handoff [post]
func (h *TaskHandler) StartHandoff(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req models.StartHandoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.taskService.StartHandoff(r.Context(), taskID, &req); err != nil {
		h.Logger.Error("failed to start handoff", zap.String("task_id", taskID), zap.Error(err))
		h.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.RespondJSON(w, http.StatusOK, map[string]string{"message": "handoff started"})
}

// RegisterGreeting handles POST /tasks/{taskID}/greeting
// @Summary Register out-of-band greeting
// @Description Record that a greeting was already sent outside the system and start the inactivity deadlines.
// @Tags tasks
// @Produce json
// @Security ApiKeyAuth
// @Param taskID path string true "Task ID"
// @Success 200 {object} map[string]string "Greeting registered"
// @Failure 400 {object} map[string]string "Bad request"
// @Router /tasks/{taskID}/greeting [post]
func (h *TaskHandler) RegisterGreeting(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if err := h.taskService.RegisterGreeting(r.Context(), taskID); err != nil {
		h.Logger.Error("failed to register greeting", zap.String("task_id", taskID), zap.Error(err))
		h.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.RespondJSON(w, http.StatusOK, map[string]string{"message": "greeting registered"})
}

// MarkActivity handles POST /tasks/{taskID}/activity
// @Summary Mark customer activity
// @Description Record inbound customer activity and cancel the inactivity deadlines.
// @Tags tasks
// @Produce json
// @Security ApiKeyAuth
// @Param taskID path string true "Task ID"
// @Success 200 {object} map[string]string "Activity recorded"
// @Failure 400 {object} map[string]string "Bad request"
// @Router /tasks/{taskID}/activity [post]
func (h *TaskHandler) MarkActivity(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if err := h.taskService.MarkActivity(r.Context(), taskID); err != nil {
		h.Logger.Error("failed to mark activity", zap.String("task_id", taskID), zap.Error(err))
		h.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.RespondJSON(w, http.StatusOK, map[string]string{"message": "activity recorded"})
}
