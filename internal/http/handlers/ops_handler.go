// Ops HTTP handlers.
//
// This file exposes the operational endpoints of the matcher:
//   - GET  /queue/stats             (task queue and outbox snapshot)
//   - GET  /tasks/failed            (FAILED tasks, paginated)
//   - POST /maintenance/run         (manual maintenance trigger)
//   - POST /intents/{id}/enqueue    (enqueue one intent)
//   - POST /intents/enqueue         (enqueue a batch of intents)
//
// Handlers are transport-thin: they validate input, call the services, and
// translate sentinel errors into HTTP statuses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/maintenance"
	"github.com/tbourn/go-swap-matcher/internal/services"
	"github.com/tbourn/go-swap-matcher/internal/utils"
)

//
// Service contracts (context-aware)
//

// Enqueuer queues intents for matching.
type Enqueuer interface {
	Enqueue(ctx context.Context, intentID string) (services.EnqueueResult, error)
	EnqueueMany(ctx context.Context, intentIDs []string) (map[string]services.EnqueueResult, error)
}

// QueueReader reads the queue for operators.
type QueueReader interface {
	Stats(ctx context.Context) (services.QueueSnapshot, error)
	FailedPage(ctx context.Context, page, pageSize int) ([]domain.Task, int64, error)
}

// MaintenanceRunner runs one maintenance pass on demand.
type MaintenanceRunner interface {
	RunOnce(ctx context.Context) (maintenance.Report, error)
}

//
// Handler wiring
//

// Handlers groups the ops endpoints.
type Handlers struct {
	enq   Enqueuer
	queue QueueReader
	maint MaintenanceRunner
}

// New constructs Handlers bound to the given services.
func New(enq Enqueuer, queue QueueReader, maint MaintenanceRunner) *Handlers {
	return &Handlers{enq: enq, queue: queue, maint: maint}
}

//
// DTOs
//

// maxBatchEnqueue bounds the ids accepted by one batch enqueue request.
const maxBatchEnqueue = 500

// EnqueueManyRequest is the JSON payload for batch enqueue.
type EnqueueManyRequest struct {
	IntentIDs []string `json:"intent_ids" binding:"required,min=1,max=500"`
}

// EnqueueResponse reports the outcome for one intent.
type EnqueueResponse struct {
	IntentID string                 `json:"intent_id"`
	Result   services.EnqueueResult `json:"result"`
}

// EnqueueManyResponse reports per-intent outcomes of a batch.
type EnqueueManyResponse struct {
	Results map[string]services.EnqueueResult `json:"results"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListFailedTasksResponse wraps a page of FAILED tasks.
type ListFailedTasksResponse struct {
	Tasks      []domain.Task `json:"tasks"`
	Pagination Pagination    `json:"pagination"`
}

//
// Handlers
//

// QueueStats returns the current queue snapshot.
func (h *Handlers) QueueStats(c *gin.Context) {
	snap, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		failInternal(c, ErrCodeStatsFailed, "queue stats unavailable", err)
		return
	}
	ok(c, http.StatusOK, snap)
}

// ListFailedTasks returns FAILED tasks, most recently failed first.
func (h *Handlers) ListFailedTasks(c *gin.Context) {
	page, pageSize := utils.ClampPage(c.Query("page"), c.Query("page_size"), 20, 100)

	items, total, err := h.queue.FailedPage(c.Request.Context(), page, pageSize)
	if err != nil {
		failInternal(c, ErrCodeListFailed, "failed tasks unavailable", err)
		return
	}
	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListFailedTasksResponse{
		Tasks: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// RunMaintenance triggers one maintenance pass and returns its report. A pass
// already in progress, here or on another instance, yields 409.
func (h *Handlers) RunMaintenance(c *gin.Context) {
	rep, err := h.maint.RunOnce(c.Request.Context())
	switch {
	case errors.Is(err, maintenance.ErrAlreadyRunning):
		fail(c, http.StatusConflict, ErrCodeAlreadyRunning, err.Error())
	case errors.Is(err, maintenance.ErrNotLeader):
		fail(c, http.StatusConflict, ErrCodeNotLeader, err.Error())
	case err != nil:
		failInternal(c, ErrCodeMaintenanceFailed, "maintenance run failed", err)
	default:
		ok(c, http.StatusOK, rep)
	}
}

// EnqueueIntent queues one intent. Ineligible intents are reported in the
// body with 200; unknown intents yield 404.
func (h *Handlers) EnqueueIntent(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "intent id required")
		return
	}
	res, err := h.enq.Enqueue(c.Request.Context(), id)
	switch {
	case errors.Is(err, services.ErrIntentNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "intent not found")
	case err != nil:
		failInternal(c, ErrCodeEnqueueFailed, "enqueue failed", err)
	default:
		ok(c, http.StatusOK, EnqueueResponse{IntentID: id, Result: res})
	}
}

// EnqueueIntents queues a batch of intents.
func (h *Handlers) EnqueueIntents(c *gin.Context) {
	var req EnqueueManyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "intent_ids required (1-500 ids)")
		return
	}
	ids := make([]string, 0, len(req.IntentIDs))
	for _, id := range req.IntentIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > maxBatchEnqueue {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "intent_ids required (1-500 ids)")
		return
	}

	res, err := h.enq.EnqueueMany(c.Request.Context(), ids)
	if err != nil {
		failInternal(c, ErrCodeEnqueueFailed, "enqueue failed", err)
		return
	}
	ok(c, http.StatusOK, EnqueueManyResponse{Results: res})
}
