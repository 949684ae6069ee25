package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/browserd/internal/eventbus"
)

// Registry holds every task known to this process. Reads return copies so
// callers never observe a task mid-update.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	bus   *eventbus.Bus
	now   func() time.Time
}

type Option func(*Registry)

// WithEvents publishes creation and status changes to bus.
func WithEvents(bus *eventbus.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Create(nt NewTask) *Task {
	t := &Task{
		ID:          ulid.Make().String(),
		Description: nt.Description,
		Status:      StatusPending,
		Source:      nt.Source,
		CreatedAt:   r.now().UTC(),
		CallbackURL: nt.CallbackURL,
		Timeout:     int(nt.Timeout / time.Second),
		MessageID:   nt.MessageID,
		ProjectID:   nt.ProjectID,
		FlowID:      nt.FlowID,
	}
	r.mu.Lock()
	r.tasks[t.ID] = t
	c := t.clone()
	r.mu.Unlock()

	r.publish(eventbus.TaskCreated, c, "")
	return c
}

func (r *Registry) Get(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

// Start moves a pending task to running.
func (r *Registry) Start(id string) (*Task, error) {
	return r.transition(id, StatusRunning, "started", func(t *Task, now time.Time) {
		t.StartedAt = &now
	})
}

func (r *Registry) Complete(id string, out Outcome) (*Task, error) {
	return r.transition(id, StatusCompleted, "completed", func(t *Task, now time.Time) {
		t.CompletedAt = &now
		t.Result = out.Result
		t.AgentHistory = out.AgentHistory
		t.MediaURLs = out.MediaURLs
		t.MediaFiles = out.MediaFiles
	})
}

func (r *Registry) Fail(id, reason string, history []map[string]any) (*Task, error) {
	return r.transition(id, StatusFailed, reason, func(t *Task, now time.Time) {
		t.CompletedAt = &now
		t.Error = reason
		t.AgentHistory = history
	})
}

func (r *Registry) transition(id string, to Status, message string, apply func(*Task, time.Time)) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if !canTransition(t.Status, to) {
		from := t.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t.Status = to
	apply(t, r.now().UTC())
	c := t.clone()
	r.mu.Unlock()

	r.publish(eventbus.TaskStatusChanged, c, message)
	return c, nil
}

func (r *Registry) publish(typ eventbus.EventType, t *Task, message string) {
	if r.bus == nil {
		return
	}
	r.bus.PublishNew(typ, t.ID, map[string]string{
		"status":     string(t.Status),
		"source":     string(t.Source),
		"project_id": t.ProjectID,
		"flow_id":    t.FlowID,
		"message":    message,
	})
}

type Counts struct {
	Active int
	Total  int
}

// Counts reports pending+running tasks as active.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := Counts{Total: len(r.tasks)}
	for _, t := range r.tasks {
		if !t.Status.Terminal() {
			c.Active++
		}
	}
	return c
}

// Prune removes terminal tasks that finished more than retention ago and
// returns how many were removed.
func (r *Registry) Prune(retention time.Duration) int {
	cutoff := r.now().UTC().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}

// RunJanitor prunes periodically until ctx is done. A non-positive
// retention keeps tasks forever and returns immediately.
func (r *Registry) RunJanitor(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		return
	}
	interval := min(max(retention/4, time.Second), 10*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Prune(retention); n > 0 {
				slog.DebugContext(ctx, "pruned finished tasks", "count", n)
			}
		}
	}
}
