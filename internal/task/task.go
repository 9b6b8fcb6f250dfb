// Package task implements the idempotent job queue, the task lifecycle state
// machine, and the worker pool that executes tasks against the git-forge
// collaborator. All task state lives in the shared store under task:<id>;
// workers in other processes coordinate through it, not through memory.
package task

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Task statuses. Transitions are monotonic along
// queued -> running -> {done, error}; a terminal task never regresses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

// Error codes folded into a task's error record.
const (
	CodeForgeAuth        = "forge_auth"
	CodeForgeNotFound    = "forge_not_found"
	CodeForgeRateLimited = "forge_rate_limited"
	CodeForgeUnavailable = "forge_unavailable"
	CodeCIFailed         = "ci_failed"
	CodeTimeout          = "timeout"
	CodePanic            = "panic"
	CodeInternal         = "internal"
)

var (
	// ErrNotFound is returned by GetStatus for an unknown or expired task id.
	ErrNotFound = errors.New("task: not found")
	// ErrEmptyTopic rejects task creation with no topic.
	ErrEmptyTopic = errors.New("task: topic must not be empty")
	// ErrInvalidTransition rejects a status write that would regress the
	// lifecycle state machine.
	ErrInvalidTransition = errors.New("task: invalid status transition")
)

// Task is the store record for one unit of work. Result and Error are
// mutually exclusive and only set on terminal records.
type Task struct {
	ID        string      `json:"id"`
	Topic     string      `json:"topic"`
	AgentID   string      `json:"agent_id,omitempty"`
	Status    string      `json:"status"`
	TraceID   string      `json:"trace_id"`
	Result    *TaskResult `json:"result,omitempty"`
	Error     *TaskError  `json:"error,omitempty"`
	Output    string      `json:"output,omitempty"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

// TaskResult is the success payload of a done task.
type TaskResult struct {
	PRURL   string `json:"pr_url,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// TaskError is the failure payload of an errored task.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IdempotencyRecord memoizes the job ids minted for one idempotency key.
type IdempotencyRecord struct {
	Key       string   `json:"key"`
	JobIDs    []string `json:"job_ids"`
	CreatedAt string   `json:"created_at"`
}

var transitions = map[string][]string{
	StatusQueued:  {StatusRunning, StatusError},
	StatusRunning: {StatusDone, StatusError},
	StatusDone:    {},
	StatusError:   {},
}

// CanTransition reports whether the lifecycle state machine permits
// from -> to. Self-transitions are rejected.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusError
}

const outputTailLen = 500

// TruncateOutput keeps the last 500 bytes of captured output, trimmed
// forward to a rune boundary so the tail is always valid UTF-8. The tail
// carries the failure; the head is noise.
func TruncateOutput(s string) string {
	if len(s) <= outputTailLen {
		return s
	}
	tail := s[len(s)-outputTailLen:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return tail
}

func nowRFC3339(now func() time.Time) string {
	return now().UTC().Format(time.RFC3339)
}
