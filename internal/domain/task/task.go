// Package task defines the Task domain entity and its execution result.
package task

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task represents a unit of work assigned to an agent.
type Task struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Priority  int            `json:"priority"`
	Status    Status         `json:"status"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Result holds the outcome of a task execution. Execution always produces a
// Result; failures are carried in Error rather than surfaced as Go errors.
type Result struct {
	TaskID      string        `json:"task_id"`
	Success     bool          `json:"success"`
	Output      any           `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}
