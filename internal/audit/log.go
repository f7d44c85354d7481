package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// Log is the audit trail facade. Append never fails from the caller's point of view.
type Log struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration
}

func NewLog(store Store, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, logger: logger, timeout: 5 * time.Second}
}

// Append records e. Storage failures are logged and counted, never returned,
// so a broken audit backend cannot roll back a state change.
func (l *Log) Append(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// detach from request cancellation; the transition already happened
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.store.Insert(writeCtx, &e); err != nil {
		appendFailures.Inc()
		l.logger.Error("Failed to append audit entry",
			zap.String("action_id", e.ActionID),
			zap.Int64("seq", e.Seq),
			zap.String("to_state", string(e.ToState)),
			zap.Error(err),
		)
		return
	}
	entriesAppended.WithLabelValues(string(e.ToState)).Inc()
}

// Query returns entries newest first. limit defaults to DefaultQueryLimit and is capped at MaxQueryLimit.
func (l *Log) Query(ctx context.Context, f Filter, limit, offset int) ([]Entry, error) {
	if f.WorkspaceID == "" {
		return nil, models.Validationf("workspace_id is required")
	}
	if limit < 0 || offset < 0 {
		return nil, models.Validationf("limit and offset must be non-negative")
	}
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, models.Validationf("from must not be after to")
	}
	return l.store.Query(ctx, f, limit, offset)
}

// History returns the chronological entries of one action.
func (l *Log) History(ctx context.Context, actionID string) ([]Entry, error) {
	return l.store.History(ctx, actionID)
}
