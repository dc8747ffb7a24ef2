package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReadNotificationPruner deletes read notifications created before cutoff.
type ReadNotificationPruner interface {
	DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker periodically prunes read notifications.
type RetentionWorker struct {
	cron    *cron.Cron
	pruner  ReadNotificationPruner
	logger  *zap.Logger
	keep    time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewRetentionWorker schedules pruning on a standard five-field cron spec.
// Read notifications older than days are removed on every run.
func NewRetentionWorker(schedule string, days int, pruner ReadNotificationPruner, logger *zap.Logger) (*RetentionWorker, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	w := &RetentionWorker{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		pruner:  pruner,
		logger:  logger,
		keep:    time.Duration(days) * 24 * time.Hour,
		timeout: time.Minute,
		now:     time.Now,
	}
	if _, err := w.cron.AddFunc(schedule, func() { _, _ = w.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return w, nil
}

// Start begins the schedule in its own goroutine.
func (w *RetentionWorker) Start() {
	w.cron.Start()
	w.logger.Info("retention worker started", zap.Duration("keep", w.keep))
}

// Stop halts the schedule and waits for a running prune until ctx expires.
func (w *RetentionWorker) Stop(ctx context.Context) {
	select {
	case <-w.cron.Stop().Done():
	case <-ctx.Done():
		w.logger.Warn("retention run still in progress at shutdown")
	}
}

// RunOnce prunes immediately and returns the number of deleted rows.
func (w *RetentionWorker) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cutoff := w.now().Add(-w.keep)
	deleted, err := w.pruner.DeleteReadBefore(ctx, cutoff)
	if err != nil {
		w.logger.Error("retention run failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0, err
	}
	w.logger.Info("retention run complete", zap.Time("cutoff", cutoff), zap.Int64("deleted", deleted))
	return deleted, nil
}
