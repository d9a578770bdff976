package domain

import "time"

// TaskType identifies the kind of work a queue row carries. The queue is
// domain-specific: the only producer today is intent matching.
type TaskType string

const (
	TaskMatching TaskType = "MATCHING"
)

// TaskStatus is the state of a queue row.
//
//	PENDING -> RUNNING -> DONE
//	                   -> FAILED   (attempts exhausted)
//	RUNNING -> PENDING             (retry backoff or stale-lock release)
//	DONE|FAILED -> PENDING         (explicit re-enqueue)
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
	TaskDone    TaskStatus = "DONE"
	TaskFailed  TaskStatus = "FAILED"
)

// Task is one durable work item. At most one row exists per
// (IntentID, Type); re-enqueueing resets the row instead of inserting.
//
// Fields:
//   - Attempts / MaxAttempts: failures so far and the ceiling before FAILED.
//   - AvailableAt: the row is not claimable before this instant (backoff).
//   - LockedAt / LockedBy / RunID: set by the claim that flipped the row to
//     RUNNING. RunID fences completion so a released-and-reclaimed row is not
//     finalised by the worker that lost it.
//   - LastError: diagnostic text of the latest failure.
type Task struct {
	ID          string     `json:"id"           gorm:"type:char(36);primaryKey"`
	IntentID    string     `json:"intent_id"    gorm:"type:char(36);not null;uniqueIndex:ux_task_intent_type,priority:1"`
	Type        TaskType   `json:"type"         gorm:"type:varchar(32);not null;uniqueIndex:ux_task_intent_type,priority:2"`
	Status      TaskStatus `json:"status"       gorm:"type:varchar(16);not null;index:idx_task_claim,priority:1;check:status IN ('PENDING','RUNNING','DONE','FAILED')"`
	Attempts    int        `json:"attempts"     gorm:"not null;default:0"`
	MaxAttempts int        `json:"max_attempts" gorm:"not null;default:5"`
	AvailableAt time.Time  `json:"available_at" gorm:"not null;index:idx_task_claim,priority:2"`
	LockedAt    *time.Time `json:"locked_at"`
	LockedBy    string     `json:"locked_by"    gorm:"type:varchar(128);not null;default:''"`
	RunID       string     `json:"run_id"       gorm:"type:varchar(64);not null;default:'';index"`
	LastError   string     `json:"last_error"   gorm:"type:text;not null;default:''"`
	CreatedAt   time.Time  `json:"created_at"   gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Task.
func (Task) TableName() string { return "tasks" }

// Terminal reports whether the task reached DONE or FAILED.
func (t Task) Terminal() bool {
	return t.Status == TaskDone || t.Status == TaskFailed
}
