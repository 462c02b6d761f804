package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Erickzao/twilio-services/internal/models"
)

// taskColumns is the full column list scanned by scanTask
const taskColumns = `id, customer_name, customer_contact, operator_id, operator_name, ` + "`status`" + `,
		created_at, updated_at, assigned_at, greeting_sent_at, ping_sent_at, inactive_sent_at,
		last_customer_activity_at, closed_at, COALESCE(close_reason, '')`

type taskRepository struct {
	db *sql.DB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *sql.DB) *taskRepository {
	return &taskRepository{db: db}
}

// Create inserts a new handoff task
func (r *taskRepository) Create(ctx context.Context, task *models.Task) error {
	query := `
		INSERT INTO tasks (id, customer_name, customer_contact, ` + "`status`" + `)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query, task.ID, task.CustomerName, task.CustomerContact, task.Status)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetByID retrieves a task by ID
func (r *taskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ? LIMIT 1`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task by ID: %w", err)
	}

	return task, nil
}

// GetAll retrieves a paginated list of tasks with an optional status filter
func (r *taskRepository) GetAll(ctx context.Context, page, count int, status string) ([]models.TaskListItem, error) {
	var args []any

	whereClause := ""
	if status != "" {
		whereClause = "WHERE `status` = ?"
		args = append(args, status)
	}

	offset := (page - 1) * count

	query := fmt.Sprintf(`
		SELECT id, customer_name, customer_contact, operator_name, `+"`status`"+`, created_at, updated_at
		FROM tasks
		%s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, count, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.TaskListItem
	for rows.Next() {
		var task models.TaskListItem
		var operatorName sql.NullString
		err := rows.Scan(&task.ID, &task.CustomerName, &task.CustomerContact, &operatorName, &task.Status, &task.CreatedAt, &task.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if operatorName.Valid {
			task.OperatorName = &operatorName.String
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

// FindByStatus retrieves up to limit tasks with the given status,
// oldest update first
func (r *taskRepository) FindByStatus(ctx context.Context, status string, limit int) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + "`status`" + ` = ? ORDER BY updated_at ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// FindAssignedByCustomerContact retrieves assigned tasks for a customer
// contact, most recently updated first
func (r *taskRepository) FindAssignedByCustomerContact(ctx context.Context, contact string) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE customer_contact = ? AND ` + "`status`" + ` = ? ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, contact, models.TaskStatusAssigned)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by contact: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// Assign sets the operator and moves the task to assigned.
// assigned_at is preserved across reassignments.
func (r *taskRepository) Assign(ctx context.Context, id, operatorID, operatorName string, at time.Time) error {
	query := `
		UPDATE tasks
		SET operator_id = ?, operator_name = ?, ` + "`status`" + ` = ?, assigned_at = COALESCE(assigned_at, ?)
		WHERE id = ?
	`

	return r.execTargeted(ctx, query, operatorID, operatorName, models.TaskStatusAssigned, at, id)
}

// SetGreetingSent records the greeting timestamp. Clearing the ping and
// inactive marks here is what starts a new greeting epoch.
func (r *taskRepository) SetGreetingSent(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE tasks
		SET greeting_sent_at = ?, ping_sent_at = NULL, inactive_sent_at = NULL
		WHERE id = ?
	`

	return r.execTargeted(ctx, query, at, id)
}

// MarkPingSent records the ping timestamp of the current epoch
func (r *taskRepository) MarkPingSent(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE tasks SET ping_sent_at = ? WHERE id = ?`

	return r.execTargeted(ctx, query, at, id)
}

// CloseDueToInactivity closes the task in one write: inactive mark,
// closed timestamp, status and close reason
func (r *taskRepository) CloseDueToInactivity(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE tasks
		SET inactive_sent_at = ?, closed_at = ?, ` + "`status`" + ` = ?, close_reason = ?
		WHERE id = ?
	`

	return r.execTargeted(ctx, query, at, at, models.TaskStatusClosed, models.CloseReasonInactivity, id)
}

// MarkCustomerActivity records inbound customer activity
func (r *taskRepository) MarkCustomerActivity(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE tasks SET last_customer_activity_at = ? WHERE id = ?`

	return r.execTargeted(ctx, query, at, id)
}

// DeleteClosedBefore deletes closed tasks whose closed_at is older than
// the cutoff. Used by the retention job.
func (r *taskRepository) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM tasks WHERE ` + "`status`" + ` = ? AND closed_at < ?`

	result, err := r.db.ExecContext(ctx, query, models.TaskStatusClosed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete closed tasks: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// execTargeted runs an UPDATE that must hit exactly one task
func (r *taskRepository) execTargeted(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("task not found")
	}

	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask scans one full task row
func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var operatorID, operatorName sql.NullString
	var assignedAt, greetingSentAt, pingSentAt, inactiveSentAt, lastActivityAt, closedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.CustomerName,
		&task.CustomerContact,
		&operatorID,
		&operatorName,
		&task.Status,
		&task.CreatedAt,
		&task.UpdatedAt,
		&assignedAt,
		&greetingSentAt,
		&pingSentAt,
		&inactiveSentAt,
		&lastActivityAt,
		&closedAt,
		&task.CloseReason,
	)
	if err != nil {
		return nil, err
	}

	if operatorID.Valid {
		task.OperatorID = &operatorID.String
	}
	if operatorName.Valid {
		task.OperatorName = &operatorName.String
	}
	task.AssignedAt = nullTime(assignedAt)
	task.GreetingSentAt = nullTime(greetingSentAt)
	task.PingSentAt = nullTime(pingSentAt)
	task.InactiveSentAt = nullTime(inactiveSentAt)
	task.LastCustomerActivityAt = nullTime(lastActivityAt)
	task.ClosedAt = nullTime(closedAt)

	return task, nil
}

// collectTasks scans all rows of a full-column task query
func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

// nullTime converts a sql.NullTime to a *time.Time
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}
