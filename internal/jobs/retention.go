// Package jobs holds the periodic housekeeping jobs of the service
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RetentionTaskRepository deletes expired internal tasks
type RetentionTaskRepository interface {
	// DeleteClosedBefore deletes closed tasks older than the cutoff
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionFlexRepository deletes stale flex lookup rows
type RetentionFlexRepository interface {
	// DeleteOrphanedConversationLookups deletes lookup rows whose flex
	// task no longer exists
	DeleteOrphanedConversationLookups(ctx context.Context) (int64, error)
}

// RetentionJob purges old closed tasks and orphaned conversation lookups
// on a daily schedule
type RetentionJob struct {
	taskRepo      RetentionTaskRepository
	flexRepo      RetentionFlexRepository
	retentionDays int
	logger        *zap.Logger
	cron          *cron.Cron
}

// NewRetentionJob creates a new retention job
func NewRetentionJob(taskRepo RetentionTaskRepository, flexRepo RetentionFlexRepository, retentionDays int, logger *zap.Logger) *RetentionJob {
	return &RetentionJob{
		taskRepo:      taskRepo,
		flexRepo:      flexRepo,
		retentionDays: retentionDays,
		logger:        logger,
		cron:          cron.New(),
	}
}

// Start schedules the daily run
func (j *RetentionJob) Start() error {
	if _, err := j.cron.AddFunc("0 3 * * *", j.Run); err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("retention job started", zap.Int("retention_days", j.retentionDays))
	return nil
}

// Stop stops the cron scheduler
func (j *RetentionJob) Stop() {
	j.cron.Stop()
	j.logger.Info("retention job stopped")
}

// Run executes one retention pass
func (j *RetentionJob) Run() {
	ctx := context.Background()
	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)

	deleted, err := j.taskRepo.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to purge closed tasks", zap.Error(err))
	} else if deleted > 0 {
		j.logger.Info("purged closed tasks", zap.Int64("count", deleted), zap.Time("cutoff", cutoff))
	}

	orphans, err := j.flexRepo.DeleteOrphanedConversationLookups(ctx)
	if err != nil {
		j.logger.Error("failed to purge orphaned conversation lookups", zap.Error(err))
	} else if orphans > 0 {
		j.logger.Info("purged orphaned conversation lookups", zap.Int64("count", orphans))
	}
}
