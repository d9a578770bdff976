// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable task queue: idempotent
// enqueue, the lock-skip claim protocol, completion, retry/backoff, stale
// lock release, and retention pruning.
//
// Claim protocol:
//
//	BEGIN
//	  SELECT id FROM tasks
//	   WHERE status = 'PENDING' AND available_at <= now
//	   ORDER BY created_at, id LIMIT n
//	   FOR UPDATE SKIP LOCKED
//	  UPDATE tasks SET status = 'RUNNING', locked_by, locked_at, run_id
//	   WHERE id IN (...) AND status = 'PENDING'
//	COMMIT
//
// Rows locked by a concurrent claimant are skipped rather than waited on, so
// claimants always receive disjoint sets. The conditional UPDATE is a second
// guard for stores without row-level locks.
//
// Completion and failure are fenced on (id, run_id, status = RUNNING): a
// worker whose row was released by maintenance and claimed again by someone
// else gets ErrStaleClaim instead of overwriting the newer run.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

// maxLastErrorLen caps tasks.last_error.
const maxLastErrorLen = 2000

// EnqueueOutcome reports what EnqueueTask did.
type EnqueueOutcome string

const (
	EnqueueInserted      EnqueueOutcome = "inserted"
	EnqueueAlreadyQueued EnqueueOutcome = "already_queued"
	EnqueueRequeued      EnqueueOutcome = "requeued"
)

// EnqueueTask makes sure a PENDING or RUNNING task exists for (intentID, typ).
//
//   - no row: insert a PENDING row (EnqueueInserted)
//   - PENDING/RUNNING row: nothing to do (EnqueueAlreadyQueued)
//   - DONE/FAILED row: reset it to PENDING with zero attempts (EnqueueRequeued)
//
// A concurrent insert of the same key surfaces as a unique violation, which is
// reported as EnqueueAlreadyQueued.
func EnqueueTask(ctx context.Context, db *gorm.DB, intentID string, typ domain.TaskType, maxAttempts int, now time.Time) (EnqueueOutcome, error) {
	var existing domain.Task
	err := db.WithContext(ctx).
		Where("intent_id = ? AND type = ?", intentID, typ).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		t := &domain.Task{
			ID:          uuid.NewString(),
			IntentID:    intentID,
			Type:        typ,
			Status:      domain.TaskPending,
			MaxAttempts: maxAttempts,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := db.WithContext(ctx).Create(t).Error; err != nil {
			if isUniqueViolation(err) {
				return EnqueueAlreadyQueued, nil
			}
			return "", err
		}
		return EnqueueInserted, nil
	case err != nil:
		return "", err
	}

	if !existing.Terminal() {
		return EnqueueAlreadyQueued, nil
	}

	res := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status IN ?", existing.ID, []domain.TaskStatus{domain.TaskDone, domain.TaskFailed}).
		Updates(map[string]any{
			"status":       domain.TaskPending,
			"attempts":     0,
			"max_attempts": maxAttempts,
			"available_at": now,
			"locked_at":    nil,
			"locked_by":    "",
			"run_id":       "",
			"last_error":   "",
			"updated_at":   now,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		// Someone re-enqueued it between our read and write.
		return EnqueueAlreadyQueued, nil
	}
	return EnqueueRequeued, nil
}

// ClaimTasks atomically claims up to batchSize due PENDING tasks for
// workerID under runID and returns them oldest-first. An empty result means
// the queue has nothing due.
func ClaimTasks(ctx context.Context, db *gorm.DB, workerID, runID string, batchSize int, now time.Time) ([]domain.Task, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	var claimed []domain.Task
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&domain.Task{}).
			Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked}).
			Where("status = ? AND available_at <= ?", domain.TaskPending, now).
			Order("created_at ASC, id ASC").
			Limit(batchSize).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&domain.Task{}).
			Where("id IN ? AND status = ?", ids, domain.TaskPending).
			Updates(map[string]any{
				"status":     domain.TaskRunning,
				"locked_by":  workerID,
				"locked_at":  now,
				"run_id":     runID,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		return tx.
			Where("run_id = ? AND status = ?", runID, domain.TaskRunning).
			Order("created_at ASC, id ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask marks a claimed task DONE.
func CompleteTask(ctx context.Context, db *gorm.DB, taskID, runID string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND run_id = ? AND status = ?", taskID, runID, domain.TaskRunning).
		Updates(map[string]any{
			"status":     domain.TaskDone,
			"locked_at":  nil,
			"locked_by":  "",
			"last_error": "",
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleClaim
	}
	return nil
}

// TouchTask refreshes locked_at of a task still held by runID. It returns
// ErrStaleClaim when the task was released or re-claimed in the meantime.
func TouchTask(ctx context.Context, db *gorm.DB, taskID, runID string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND run_id = ? AND status = ?", taskID, runID, domain.TaskRunning).
		Updates(map[string]any{
			"locked_at":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleClaim
	}
	return nil
}

// RetryOrFailTask records a failed attempt of a claimed task. The attempt
// counter is incremented; when it reaches MaxAttempts the task becomes FAILED
// for good, otherwise it returns to PENDING and becomes claimable after the
// backoff entry for this attempt (the last entry repeats when the schedule is
// shorter than MaxAttempts). It returns the resulting status.
func RetryOrFailTask(ctx context.Context, db *gorm.DB, task domain.Task, runID, lastErr string, backoff []time.Duration, now time.Time) (domain.TaskStatus, error) {
	attempts := task.Attempts + 1
	status := domain.TaskPending
	availableAt := now.Add(backoffFor(backoff, attempts))
	if task.MaxAttempts > 0 && attempts >= task.MaxAttempts {
		status = domain.TaskFailed
		availableAt = now
	}

	res := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND run_id = ? AND status = ?", task.ID, runID, domain.TaskRunning).
		Updates(map[string]any{
			"status":       status,
			"attempts":     attempts,
			"available_at": availableAt,
			"locked_at":    nil,
			"locked_by":    "",
			"last_error":   truncate(lastErr, maxLastErrorLen),
			"updated_at":   now,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", ErrStaleClaim
	}
	return status, nil
}

// backoffFor returns the delay before attempt n+1 given n failures so far.
func backoffFor(schedule []time.Duration, attempts int) time.Duration {
	if len(schedule) == 0 || attempts <= 0 {
		return 0
	}
	if attempts > len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempts-1]
}

// ReleaseStaleTasks returns RUNNING tasks whose lock is older than ttl to
// PENDING. Attempts are left untouched: the worker died or lost its
// connection, the task itself did not fail.
func ReleaseStaleTasks(ctx context.Context, db *gorm.DB, ttl time.Duration, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("status = ? AND locked_at < ?", domain.TaskRunning, now.Add(-ttl)).
		Updates(map[string]any{
			"status":       domain.TaskPending,
			"available_at": now,
			"locked_at":    nil,
			"locked_by":    "",
			"run_id":       "",
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

// PruneTasks deletes DONE and FAILED tasks last updated before now-retention.
func PruneTasks(ctx context.Context, db *gorm.DB, retention time.Duration, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []domain.TaskStatus{domain.TaskDone, domain.TaskFailed}, now.Add(-retention)).
		Delete(&domain.Task{})
	return res.RowsAffected, res.Error
}

// GetTaskForIntent returns the task row of an intent.
// Returns ErrNotFound (gorm.ErrRecordNotFound) if the intent has no task.
func GetTaskForIntent(ctx context.Context, db *gorm.DB, intentID string, typ domain.TaskType) (*domain.Task, error) {
	var t domain.Task
	if err := db.WithContext(ctx).Where("intent_id = ? AND type = ?", intentID, typ).Take(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListFailedTasks returns a page of FAILED tasks, most recently failed first,
// together with the total count.
func ListFailedTasks(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Task, int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Task{}).Where("status = ?", domain.TaskFailed)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Task{}, 0, nil
	}
	var out []domain.Task
	err := db.WithContext(ctx).
		Where("status = ?", domain.TaskFailed).
		Order("updated_at DESC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, total, err
}
