package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// QueueSnapshot is the operational view of the task queue and the outbox.
type QueueSnapshot struct {
	repo.QueueStats
	OldestPendingSeconds float64 `json:"oldest_pending_seconds"`
	OutboxPending        int64   `json:"outbox_pending"`
}

// QueueService answers read-only questions about the queue for the ops API
// and the CLI.
type QueueService struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (s *QueueService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Stats returns per-status task counts, the due backlog, the age of the
// oldest pending task, and the number of undelivered outbox rows.
func (s *QueueService) Stats(ctx context.Context) (QueueSnapshot, error) {
	tr := otel.Tracer("services/QueueService")
	ctx, span := tr.Start(ctx, "Stats")
	defer span.End()

	now := s.now()
	st, err := repo.GetQueueStats(ctx, s.DB, now)
	if err != nil {
		return QueueSnapshot{}, err
	}
	pending, err := repo.CountPendingOutbox(ctx, s.DB, now)
	if err != nil {
		return QueueSnapshot{}, err
	}
	return QueueSnapshot{
		QueueStats:           st,
		OldestPendingSeconds: st.OldestPendingAge(now).Seconds(),
		OutboxPending:        pending,
	}, nil
}

// FailedPage returns one page (1-based) of FAILED tasks and the total count.
func (s *QueueService) FailedPage(ctx context.Context, page, pageSize int) ([]domain.Task, int64, error) {
	tr := otel.Tracer("services/QueueService")
	ctx, span := tr.Start(ctx, "FailedPage",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return repo.ListFailedTasks(ctx, s.DB, (page-1)*pageSize, pageSize)
}
