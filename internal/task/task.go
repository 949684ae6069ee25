package task

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition lists the only forward moves a task may make.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

type Source string

const (
	SourceHTTP  Source = "http"
	SourceQueue Source = "queue"
)

type Task struct {
	ID           string           `json:"task_id"`
	Description  string           `json:"task"`
	Status       Status           `json:"status"`
	Source       Source           `json:"source"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Result       any              `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	CallbackURL  string           `json:"callback_url,omitempty"`
	Timeout      int              `json:"timeout"`
	MessageID    string           `json:"message_id,omitempty"`
	ProjectID    string           `json:"project_id,omitempty"`
	FlowID       string           `json:"flow_id,omitempty"`
	AgentHistory []map[string]any `json:"agent_history,omitempty"`
	MediaFiles   int              `json:"media_files"`
	MediaURLs    []string         `json:"media_urls,omitempty"`
}

// NewTask describes a task to register.
type NewTask struct {
	Description string
	Source      Source
	CallbackURL string
	Timeout     time.Duration
	MessageID   string
	ProjectID   string
	FlowID      string
}

// Outcome is what a finished run attaches to its task.
type Outcome struct {
	Result       any
	AgentHistory []map[string]any
	MediaURLs    []string
	MediaFiles   int
}

func (t *Task) clone() *Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.AgentHistory != nil {
		c.AgentHistory = append([]map[string]any(nil), t.AgentHistory...)
	}
	if t.MediaURLs != nil {
		c.MediaURLs = append([]string(nil), t.MediaURLs...)
	}
	return &c
}
