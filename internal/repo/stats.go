// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the task
// queue used by the operational surface (HTTP stats endpoint, CLI, and the
// queue-depth gauge).
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

// QueueStats is a point-in-time snapshot of the task queue.
//
// Fields:
//   - ByStatus:      row count per status (every status key is present)
//   - Due:           PENDING rows claimable right now
//   - OldestPending: created_at of the oldest PENDING row, or nil
type QueueStats struct {
	ByStatus      map[domain.TaskStatus]int64 `json:"by_status"`
	Due           int64                       `json:"due"`
	OldestPending *time.Time                  `json:"oldest_pending,omitempty"`
}

// OldestPendingAge returns how long the oldest PENDING row has waited.
func (s QueueStats) OldestPendingAge(now time.Time) time.Duration {
	if s.OldestPending == nil {
		return 0
	}
	return now.Sub(*s.OldestPending)
}

// GetQueueStats returns per-status counts, the number of due PENDING rows,
// and the oldest PENDING creation time.
func GetQueueStats(ctx context.Context, db *gorm.DB, now time.Time) (QueueStats, error) {
	stats := QueueStats{ByStatus: map[domain.TaskStatus]int64{
		domain.TaskPending: 0,
		domain.TaskRunning: 0,
		domain.TaskDone:    0,
		domain.TaskFailed:  0,
	}}

	var rows []struct {
		Status domain.TaskStatus
		N      int64
	}
	if err := db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return QueueStats{}, err
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.N
	}
	if stats.ByStatus[domain.TaskPending] == 0 {
		return stats, nil
	}

	if err := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("status = ? AND available_at <= ?", domain.TaskPending, now).
		Count(&stats.Due).Error; err != nil {
		return QueueStats{}, err
	}

	// Get oldest created_at (avoid MIN() -> TEXT in SQLite)
	var oldest struct {
		CreatedAt time.Time
	}
	if err := db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("created_at").
		Where("status = ?", domain.TaskPending).
		Order("created_at ASC").
		Limit(1).
		Scan(&oldest).Error; err != nil {
		return QueueStats{}, err
	}
	stats.OldestPending = &oldest.CreatedAt
	return stats, nil
}
