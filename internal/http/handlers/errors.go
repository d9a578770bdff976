// Error codes of the ops API.
//
// Codes are lowercase snake_case and stable: clients branch on them rather
// than on messages. Generic codes mirror HTTP status semantics; the
// domain-specific ones name the operation that failed.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_leader",
//	  "message": "maintenance lease held by another instance"
//	}

package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeEnqueueFailed     = "enqueue_failed"
	ErrCodeStatsFailed       = "stats_failed"
	ErrCodeListFailed        = "list_failed"
	ErrCodeMaintenanceFailed = "maintenance_failed"
	ErrCodeAlreadyRunning    = "already_running"
	ErrCodeNotLeader         = "not_leader"
)
