package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kazz187/browserd/internal/callback"
	"github.com/kazz187/browserd/internal/executor"
	"github.com/kazz187/browserd/internal/task"
	"github.com/kazz187/browserd/pkg/clog"
	"github.com/kazz187/browserd/pkg/panicerr"
)

// runner executes tasks created over HTTP. Runs are detached from the
// request that created them and tracked so shutdown can wait for them.
type runner struct {
	registry *task.Registry
	exec     Executor
	webhooks WebhookSender

	tasks    conc.WaitGroup
	outbound conc.WaitGroup
}

func newRunner(registry *task.Registry, exec Executor, webhooks WebhookSender) *runner {
	return &runner{registry: registry, exec: exec, webhooks: webhooks}
}

func (r *runner) submit(ctx context.Context, t *task.Task, timeout time.Duration) {
	ctx = clog.WithCorrelation(context.WithoutCancel(ctx), map[string]string{"task_id": t.ID})
	r.tasks.Go(func() {
		if err := panicerr.Run(func() { r.run(ctx, t, timeout) }); err != nil {
			slog.ErrorContext(ctx, "task runner panicked", "error", err)
			if _, ferr := r.registry.Fail(t.ID, err.Error(), nil); ferr != nil {
				slog.WarnContext(ctx, "failed to record task failure", "error", ferr)
			}
		}
	})
}

func (r *runner) run(ctx context.Context, t *task.Task, timeout time.Duration) {
	id, callbackURL := t.ID, t.CallbackURL
	if _, err := r.registry.Start(id); err != nil {
		slog.ErrorContext(ctx, "failed to start task", "error", err)
		return
	}
	slog.InfoContext(ctx, "task started")

	res, err := r.exec.Execute(ctx, executor.Request{Description: t.Description, Timeout: timeout})
	if err != nil {
		slog.ErrorContext(ctx, "task failed", "error", err)
		if _, ferr := r.registry.Fail(id, err.Error(), nil); ferr != nil {
			slog.WarnContext(ctx, "failed to record task failure", "error", ferr)
		}
		r.notify(ctx, callbackURL, callback.Webhook{TaskID: id, Status: string(task.StatusFailed), Error: err.Error()})
		return
	}
	defer func() {
		if err := res.Close(); err != nil {
			slog.WarnContext(ctx, "failed to remove scratch dir", "error", err)
		}
	}()

	history := make([]map[string]any, 0, len(res.History))
	hooked := make([]callback.HistoryEntry, 0, len(res.History))
	for _, h := range res.History {
		history = append(history, h)
		hooked = append(hooked, callback.HistoryEntry(h))
	}
	if _, err := r.registry.Complete(id, task.Outcome{
		Result:       res.FinalResult,
		AgentHistory: history,
		MediaFiles:   len(res.Artifacts),
	}); err != nil {
		slog.WarnContext(ctx, "failed to record task result", "error", err)
		return
	}
	slog.InfoContext(ctx, "task completed", "duration", res.Duration, "media_files", len(res.Artifacts))
	r.notify(ctx, callbackURL, callback.Webhook{
		TaskID:       id,
		Status:       string(task.StatusCompleted),
		Result:       res.FinalResult,
		AgentHistory: hooked,
	})
}

// notify fires the webhook on its own goroutine. Its failure is logged by
// the sender and never reaches the task.
func (r *runner) notify(ctx context.Context, url string, w callback.Webhook) {
	if url == "" || r.webhooks == nil {
		return
	}
	r.outbound.Go(func() {
		if err := panicerr.Run(func() { r.webhooks.SendWebhook(ctx, url, w) }); err != nil {
			slog.ErrorContext(ctx, "webhook sender panicked", "error", err)
		}
	})
}

func (r *runner) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		r.outbound.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
