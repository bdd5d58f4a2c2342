package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/model"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultBatchSize    = 50
)

// Schedule run results recorded in metrics.
const (
	scheduleStarted = "started"
	scheduleSkipped = "skipped"
	scheduleFailed  = "failed"
)

// Scheduler starts workflows whose interval schedules are due.
type Scheduler struct {
	engine    *Engine
	store     WorkflowStore
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPollInterval sets how often due schedules are checked.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithBatchSize bounds the schedules handled per poll.
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerMetrics sets the metrics sink.
func WithSchedulerMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler that starts instances through engine.
func NewScheduler(engine *Engine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:    engine,
		store:     engine.store,
		interval:  defaultPollInterval,
		batchSize: defaultBatchSize,
		now:       engine.now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.interval <= 0 {
		s.interval = defaultPollInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	return s
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("schedule poll failed", zap.Error(err))
			}
		}
	}
}

// Tick handles one batch of due schedules and returns the number of
// instances started. Each due schedule is moved to its next run whether or
// not its workflow could be started, so a broken workflow cannot stall the
// batch.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	started := 0
	for _, sc := range due {
		result := s.fire(ctx, sc)
		s.metrics.RecordScheduleRun(result)
		if result == scheduleStarted {
			started++
		}

		next := nextRun(sc.NextRunAt, time.Duration(sc.IntervalSeconds)*time.Second, now)
		if err := s.store.MarkScheduleRun(ctx, sc.ID, now, next); err != nil {
			return started, fmt.Errorf("mark schedule %s: %w", sc.ID, err)
		}
	}
	return started, nil
}

func (s *Scheduler) fire(ctx context.Context, sc model.WorkflowSchedule) string {
	wf, err := s.store.GetWorkflow(ctx, sc.WorkflowID)
	if err != nil {
		s.logger.Warn("scheduled workflow lookup failed",
			zap.String("schedule_id", sc.ID),
			zap.String("workflow_id", sc.WorkflowID),
			zap.Error(err),
		)
		return scheduleFailed
	}
	if wf.Status != model.WorkflowStatusActive {
		s.logger.Debug("skipping schedule of inactive workflow",
			zap.String("schedule_id", sc.ID),
			zap.String("workflow_id", wf.ID),
			zap.String("status", wf.Status),
		)
		return scheduleSkipped
	}

	inst, err := s.engine.Start(ctx, StartRequest{
		WorkflowID:    wf.ID,
		UserID:        wf.UserID,
		Input:         sc.Input,
		TriggerSource: TriggerSourceSchedule + sc.ID,
	})
	if err != nil {
		s.logger.Warn("scheduled start failed",
			zap.String("schedule_id", sc.ID),
			zap.String("workflow_id", wf.ID),
			zap.Error(err),
		)
		return scheduleFailed
	}
	s.logger.Info("scheduled workflow started",
		zap.String("schedule_id", sc.ID),
		zap.String("instance_id", inst.ID),
	)
	return scheduleStarted
}

// nextRun returns the first slot after now on the schedule's grid. Missed
// slots are skipped rather than replayed.
func nextRun(prev time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}
	next := prev.Add(interval)
	if next.After(now) {
		return next
	}
	missed := now.Sub(prev) / interval
	return prev.Add((missed + 1) * interval)
}
