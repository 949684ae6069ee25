package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kazz187/browserd/internal/artifact"
	"github.com/kazz187/browserd/internal/callback"
	"github.com/kazz187/browserd/internal/executor"
	"github.com/kazz187/browserd/internal/scan"
	"github.com/kazz187/browserd/internal/task"
	"github.com/kazz187/browserd/pkg/clog"
	"github.com/kazz187/browserd/pkg/panicerr"
)

const (
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// delivery is what gets reported for a finished job.
type delivery struct {
	status    string
	err       string
	result    any
	history   []callback.HistoryEntry
	mediaURLs []string
	metadata  map[string]any
}

// handle runs one job end to end: execute, upload, deliver, acknowledge. It
// never panics and acknowledges regardless of how delivery went.
func (p *Processor) handle(ctx context.Context, job *Job) {
	ctx = clog.WithCorrelation(ctx, map[string]string{
		"message_id": job.Message.MessageID,
		"project_id": job.Payload.ProjectID,
		"flow_id":    job.Payload.FlowID,
	})

	if err := panicerr.Run(func() { p.process(ctx, job) }); err != nil {
		slog.ErrorContext(ctx, "message handler panicked", "error", err)
	}

	if err := p.deps.Queue.Delete(ctx, job.Message.ReceiptHandle); err != nil {
		slog.ErrorContext(ctx, "failed to acknowledge message", "error", err)
		return
	}
	p.acknowledged.Add(1)
	slog.DebugContext(ctx, "message acknowledged")
}

func (p *Processor) process(ctx context.Context, job *Job) {
	timeout := job.Timeout(p.opts.DefaultTimeout)
	t := p.deps.Registry.Create(task.NewTask{
		Description: job.Description(),
		Source:      task.SourceQueue,
		CallbackURL: job.Payload.CallbackURL,
		Timeout:     timeout,
		MessageID:   job.Message.MessageID,
		ProjectID:   job.Payload.ProjectID,
		FlowID:      job.Payload.FlowID,
	})
	clog.AddAttribute(ctx, "task_id", t.ID)
	slog.InfoContext(ctx, "processing message", "kind", job.Kind, "url", job.Payload.URL, "timeout", timeout)

	if _, err := p.deps.Registry.Start(t.ID); err != nil {
		slog.ErrorContext(ctx, "failed to start task", "error", err)
	}

	var d delivery
	if err := panicerr.Run(func() { d = p.run(ctx, t, job, timeout) }); err != nil {
		slog.ErrorContext(ctx, "task panicked", "error", err)
		if _, ferr := p.deps.Registry.Fail(t.ID, err.Error(), nil); ferr != nil {
			slog.ErrorContext(ctx, "failed to record task failure", "error", ferr)
		}
		d = delivery{status: statusFailed, err: err.Error(), metadata: map[string]any{}}
	}
	d.metadata["task_id"] = t.ID
	d.metadata["message_id"] = job.Message.MessageID
	if job.Payload.Timestamp != "" {
		d.metadata["request_timestamp"] = job.Payload.Timestamp
	}

	p.deliver(ctx, t, job, d)
}

func (p *Processor) run(ctx context.Context, t *task.Task, job *Job, timeout time.Duration) delivery {
	if job.Kind == KindScan {
		return p.runScan(ctx, t, job, timeout)
	}
	return p.runTask(ctx, t, job, timeout)
}

func (p *Processor) runTask(ctx context.Context, t *task.Task, job *Job, timeout time.Duration) delivery {
	res, err := p.deps.Executor.Execute(ctx, executor.Request{Description: t.Description, Timeout: timeout})
	if err != nil {
		slog.ErrorContext(ctx, "task failed", "error", err)
		if _, ferr := p.deps.Registry.Fail(t.ID, err.Error(), nil); ferr != nil {
			slog.ErrorContext(ctx, "failed to record task failure", "error", ferr)
		}
		return delivery{status: statusFailed, err: err.Error(), metadata: map[string]any{}}
	}
	defer func() {
		if err := res.Close(); err != nil {
			slog.WarnContext(ctx, "failed to remove scratch dir", "error", err)
		}
	}()

	mediaURLs, failed := p.uploadArtifacts(ctx, t, job, res.Artifacts)
	history := make([]callback.HistoryEntry, len(res.History))
	taskHistory := make([]map[string]any, len(res.History))
	for i, h := range res.History {
		history[i] = callback.HistoryEntry(h)
		taskHistory[i] = map[string]any(h)
	}

	if _, err := p.deps.Registry.Complete(t.ID, task.Outcome{
		Result:       res.FinalResult,
		AgentHistory: taskHistory,
		MediaURLs:    mediaURLs,
		MediaFiles:   len(res.Artifacts),
	}); err != nil {
		slog.ErrorContext(ctx, "failed to record task completion", "error", err)
	}
	slog.InfoContext(ctx, "task completed", "duration", res.Duration, "media_files", len(res.Artifacts))

	return delivery{
		status:    statusCompleted,
		result:    res.FinalResult,
		history:   history,
		mediaURLs: mediaURLs,
		metadata: map[string]any{
			"final_result":     res.FinalResult,
			"duration_seconds": res.Duration.Seconds(),
			"media_files":      len(res.Artifacts),
			"failed_uploads":   failed,
		},
	}
}

// uploadArtifacts groups files into screenshots and videos and returns the
// URLs of everything that made it.
func (p *Processor) uploadArtifacts(ctx context.Context, t *task.Task, job *Job, paths []string) ([]string, int) {
	if len(paths) == 0 {
		return []string{}, 0
	}
	byKind := map[artifact.Kind][]string{}
	for _, path := range paths {
		kind := artifact.KindScreenshot
		if strings.HasPrefix(mime.TypeByExtension(filepath.Ext(path)), "video/") || isVideoExt(filepath.Ext(path)) {
			kind = artifact.KindVideo
		}
		byKind[kind] = append(byKind[kind], path)
	}

	md := map[string]string{"task_id": t.ID, "message_id": job.Message.MessageID}
	urls := []string{}
	failed := 0
	for _, kind := range []artifact.Kind{artifact.KindScreenshot, artifact.KindVideo} {
		scope := artifact.Scope{Kind: kind, ProjectID: job.Payload.ProjectID, FlowID: job.Payload.FlowID}
		for _, r := range p.deps.Uploader.UploadFiles(ctx, byKind[kind], scope, md) {
			if !r.OK() {
				failed++
				continue
			}
			urls = append(urls, r.URL)
		}
	}
	if failed > 0 {
		slog.WarnContext(ctx, "some artifacts failed to upload", "failed", failed, "total", len(paths))
	}
	return urls, failed
}

func isVideoExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".mp4", ".webm", ".mov", ".avi", ".mkv":
		return true
	}
	return false
}

func (p *Processor) runScan(ctx context.Context, t *task.Task, job *Job, timeout time.Duration) delivery {
	res := p.deps.Scanner.Scan(ctx, scan.Request{
		URL:             job.Payload.URL,
		ScanType:        job.Payload.ScanType,
		CustomSelectors: job.Payload.CustomSelectors,
		ExtractGoals:    job.Payload.ExtractGoals,
		Timeout:         timeout,
	})

	mediaURLs := []string{}
	if url, ok := p.uploadScanReport(ctx, job, res); ok {
		mediaURLs = append(mediaURLs, url)
	}

	history := []callback.HistoryEntry{{
		"type":      "scan",
		"scan_type": res.ScanType,
		"url":       res.URL,
		"status":    res.Status,
		"timestamp": res.Timestamp.Format(time.RFC3339),
	}}
	metadata := map[string]any{"scan_result": res}

	if res.Status == scan.StatusFailed {
		slog.ErrorContext(ctx, "scan failed", "error", res.Error)
		if _, err := p.deps.Registry.Fail(t.ID, res.Error, []map[string]any{map[string]any(history[0])}); err != nil {
			slog.ErrorContext(ctx, "failed to record scan failure", "error", err)
		}
		return delivery{status: statusFailed, err: res.Error, history: history, mediaURLs: mediaURLs, metadata: metadata}
	}

	if _, err := p.deps.Registry.Complete(t.ID, task.Outcome{
		Result:       res,
		AgentHistory: []map[string]any{map[string]any(history[0])},
		MediaURLs:    mediaURLs,
		MediaFiles:   len(mediaURLs),
	}); err != nil {
		slog.ErrorContext(ctx, "failed to record scan completion", "error", err)
	}
	slog.InfoContext(ctx, "scan completed", "scan_type", res.ScanType)
	return delivery{status: statusCompleted, result: res, history: history, mediaURLs: mediaURLs, metadata: metadata}
}

// uploadScanReport stores the scan result as a JSON object next to the
// flow's other artifacts.
func (p *Processor) uploadScanReport(ctx context.Context, job *Job, res *scan.Result) (string, bool) {
	f, err := os.CreateTemp("", "scan-*.json")
	if err != nil {
		slog.WarnContext(ctx, "failed to create scan report", "error", err)
		return "", false
	}
	defer os.Remove(f.Name())

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	werr := enc.Encode(res)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		slog.WarnContext(ctx, "failed to write scan report", "error", werr)
		return "", false
	}

	scope := artifact.Scope{Kind: artifact.KindScan, ProjectID: job.Payload.ProjectID, FlowID: job.Payload.FlowID}
	results := p.deps.Uploader.UploadFiles(ctx, []string{f.Name()}, scope, map[string]string{"scan_type": res.ScanType})
	if len(results) == 0 || !results[0].OK() {
		return "", false
	}
	return results[0].URL, true
}

func (p *Processor) deliver(ctx context.Context, t *task.Task, job *Job, d delivery) {
	ok := p.deps.Reporter.SendSessionResult(ctx, callback.SessionResult{
		ProjectID:    job.Payload.ProjectID,
		FlowID:       job.Payload.FlowID,
		AgentHistory: d.history,
		MediaURLs:    d.mediaURLs,
		Status:       d.status,
		Error:        d.err,
		Metadata:     d.metadata,
	})
	if !ok {
		slog.ErrorContext(ctx, "session result was not delivered", "status", d.status)
	}

	if job.Payload.CallbackURL == "" {
		return
	}
	w := callback.Webhook{
		TaskID:       t.ID,
		Status:       d.status,
		Result:       d.result,
		Error:        d.err,
		AgentHistory: d.history,
	}
	if !p.deps.Reporter.SendWebhook(ctx, job.Payload.CallbackURL, w) {
		slog.ErrorContext(ctx, "webhook was not delivered", "callback_url", job.Payload.CallbackURL)
	}
}

