package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Erickzao/twilio-services/internal/models"
)

// flexTaskColumns is the full column list scanned by scanFlexTask
const flexTaskColumns = `task_sid, COALESCE(conversation_sid, ''), COALESCE(channel_type, ''),
		COALESCE(customer_name, ''), COALESCE(customer_address, ''), COALESCE(customer_from, ''),
		COALESCE(worker_sid, ''), COALESCE(worker_name, ''), COALESCE(task_assignment_status, ''),
		COALESCE(task_attributes, ''), greeting_sent_at, ping_sent_at, inactive_sent_at,
		last_customer_activity_at, created_at, updated_at`

type flexTaskRepository struct {
	db *sql.DB
}

// NewFlexTaskRepository creates a new flex task repository
func NewFlexTaskRepository(db *sql.DB) *flexTaskRepository {
	return &flexTaskRepository{db: db}
}

// GetByTaskSid retrieves a flex task row by its provider task sid
func (r *flexTaskRepository) GetByTaskSid(ctx context.Context, taskSid string) (*models.FlexTask, error) {
	query := `SELECT ` + flexTaskColumns + ` FROM flex_tasks WHERE task_sid = ? LIMIT 1`

	task, err := scanFlexTask(r.db.QueryRowContext(ctx, query, taskSid))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("flex task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flex task: %w", err)
	}

	return task, nil
}

// GetTaskSidByConversationSid resolves a conversation sid through the
// reverse lookup table
func (r *flexTaskRepository) GetTaskSidByConversationSid(ctx context.Context, conversationSid string) (string, error) {
	query := `SELECT task_sid FROM flex_tasks_by_conversation WHERE conversation_sid = ? LIMIT 1`

	var taskSid string
	err := r.db.QueryRowContext(ctx, query, conversationSid).Scan(&taskSid)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("flex task not found")
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve conversation: %w", err)
	}

	return taskSid, nil
}

// GetByConversationSid retrieves a flex task through the conversation lookup
func (r *flexTaskRepository) GetByConversationSid(ctx context.Context, conversationSid string) (*models.FlexTask, error) {
	taskSid, err := r.GetTaskSidByConversationSid(ctx, conversationSid)
	if err != nil {
		return nil, err
	}

	return r.GetByTaskSid(ctx, taskSid)
}

// UpsertBaseState persists the attributes observed at poll time. The
// greeting-epoch marks are never touched here, and the conversation
// lookup row is kept in step.
func (r *flexTaskRepository) UpsertBaseState(ctx context.Context, task *models.FlexTask) error {
	query := `
		INSERT INTO flex_tasks (task_sid, conversation_sid, channel_type, customer_name,
			customer_address, customer_from, worker_sid, worker_name, task_assignment_status, task_attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			conversation_sid = VALUES(conversation_sid),
			channel_type = VALUES(channel_type),
			customer_name = VALUES(customer_name),
			customer_address = VALUES(customer_address),
			customer_from = VALUES(customer_from),
			worker_sid = VALUES(worker_sid),
			worker_name = VALUES(worker_name),
			task_assignment_status = VALUES(task_assignment_status),
			task_attributes = VALUES(task_attributes)
	`

	_, err := r.db.ExecContext(ctx, query,
		task.TaskSid,
		task.ConversationSid,
		task.ChannelType,
		task.CustomerName,
		task.CustomerAddress,
		task.CustomerFrom,
		task.WorkerSid,
		task.WorkerName,
		task.TaskAssignmentStatus,
		task.TaskAttributes,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert flex task: %w", err)
	}

	if task.ConversationSid != "" {
		lookupQuery := `
			INSERT INTO flex_tasks_by_conversation (conversation_sid, task_sid)
			VALUES (?, ?)
			ON DUPLICATE KEY UPDATE task_sid = VALUES(task_sid)
		`
		if _, err := r.db.ExecContext(ctx, lookupQuery, task.ConversationSid, task.TaskSid); err != nil {
			return fmt.Errorf("failed to upsert conversation lookup: %w", err)
		}
	}

	return nil
}

// SetGreetingSent records the greeting timestamp and starts a new epoch
// by clearing the ping and inactive marks
func (r *flexTaskRepository) SetGreetingSent(ctx context.Context, taskSid string, at time.Time) error {
	query := `
		UPDATE flex_tasks
		SET greeting_sent_at = ?, ping_sent_at = NULL, inactive_sent_at = NULL
		WHERE task_sid = ?
	`

	return r.execTargeted(ctx, query, at, taskSid)
}

// MarkPingSent records the ping timestamp of the current epoch
func (r *flexTaskRepository) MarkPingSent(ctx context.Context, taskSid string, at time.Time) error {
	query := `UPDATE flex_tasks SET ping_sent_at = ? WHERE task_sid = ?`

	return r.execTargeted(ctx, query, at, taskSid)
}

// MarkInactiveSent records the inactivity-closure timestamp
func (r *flexTaskRepository) MarkInactiveSent(ctx context.Context, taskSid string, at time.Time) error {
	query := `UPDATE flex_tasks SET inactive_sent_at = ? WHERE task_sid = ?`

	return r.execTargeted(ctx, query, at, taskSid)
}

// MarkCustomerActivity records inbound customer activity
func (r *flexTaskRepository) MarkCustomerActivity(ctx context.Context, taskSid string, at time.Time) error {
	query := `UPDATE flex_tasks SET last_customer_activity_at = ? WHERE task_sid = ?`

	return r.execTargeted(ctx, query, at, taskSid)
}

// DeleteOrphanedConversationLookups deletes lookup rows whose flex task
// no longer exists. Used by the retention job.
func (r *flexTaskRepository) DeleteOrphanedConversationLookups(ctx context.Context) (int64, error) {
	query := `
		DELETE l FROM flex_tasks_by_conversation l
		LEFT JOIN flex_tasks t ON t.task_sid = l.task_sid
		WHERE t.task_sid IS NULL
	`

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned lookups: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// execTargeted runs an UPDATE that must hit exactly one flex task
func (r *flexTaskRepository) execTargeted(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update flex task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("flex task not found")
	}

	return nil
}

// scanFlexTask scans one full flex task row
func scanFlexTask(row rowScanner) (*models.FlexTask, error) {
	task := &models.FlexTask{}
	var greetingSentAt, pingSentAt, inactiveSentAt, lastActivityAt sql.NullTime

	err := row.Scan(
		&task.TaskSid,
		&task.ConversationSid,
		&task.ChannelType,
		&task.CustomerName,
		&task.CustomerAddress,
		&task.CustomerFrom,
		&task.WorkerSid,
		&task.WorkerName,
		&task.TaskAssignmentStatus,
		&task.TaskAttributes,
		&greetingSentAt,
		&pingSentAt,
		&inactiveSentAt,
		&lastActivityAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.GreetingSentAt = nullTime(greetingSentAt)
	task.PingSentAt = nullTime(pingSentAt)
	task.InactiveSentAt = nullTime(inactiveSentAt)
	task.LastCustomerActivityAt = nullTime(lastActivityAt)

	return task, nil
}
