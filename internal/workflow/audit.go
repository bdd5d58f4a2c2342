package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/model"
)

// auditLog appends execution records for instances. Writes are synchronous
// so records of one instance land in the order they were produced.
type auditLog struct {
	store   WorkflowStore
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// record fills in the id and timestamp and appends the entry. A failed write
// is logged and counted; it never interrupts the caller.
func (a *auditLog) record(ctx context.Context, entry model.WorkflowLog) {
	entry.ID = uuid.New().String()
	entry.CreatedAt = a.now()
	if err := a.store.AppendLog(ctx, entry); err != nil {
		a.metrics.RecordLogWriteFailure()
		a.logger.Warn("failed to write workflow log",
			zap.String("instance_id", entry.InstanceID),
			zap.String("action", entry.Action),
			zap.String("status", entry.Status),
			zap.Error(err),
		)
	}
}

// lifecycle records a status change made by an operator call at the
// instance's current state.
func (a *auditLog) lifecycle(ctx context.Context, inst model.WorkflowInstance, event string) {
	a.record(ctx, model.WorkflowLog{
		InstanceID: inst.ID,
		StateID:    inst.CurrentStateID,
		Action:     event,
		Status:     model.LogStatusSuccess,
	})
}
