package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kazz187/browserd/internal/agent"
	"github.com/kazz187/browserd/pkg/panicerr"
)

const defaultTimeout = 300 * time.Second

type Request struct {
	Description string
	Timeout     time.Duration
}

// Result of a successful run. Close removes the scratch dir, so artifacts
// must be consumed before calling it.
type Result struct {
	FinalResult string
	History     []agent.HistoryEntry
	Artifacts   []string
	WorkDir     string
	Duration    time.Duration
}

func (r *Result) Close() error {
	if r == nil || r.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(r.WorkDir)
}

type Options struct {
	// ScratchDir is the parent of per-task work dirs; empty means os.TempDir.
	ScratchDir string
	Profile    *agent.Profile
	History    []agent.HistoryStrategy
}

type Executor struct {
	agent   agent.Agent
	scratch string
	profile *agent.Profile
	history []agent.HistoryStrategy
}

func New(a agent.Agent, opts Options) *Executor {
	profile := opts.Profile
	if profile == nil {
		profile = agent.DefaultProfile()
	}
	return &Executor{
		agent:   a,
		scratch: opts.ScratchDir,
		profile: profile,
		history: opts.History,
	}
}

type outcome struct {
	run *agent.Run
	err error
}

// Execute runs one task under a hard deadline. Failures are *TimeoutError or
// *ExecutionError; a cancelled ctx returns ctx.Err().
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	if e.scratch != "" {
		if err := os.MkdirAll(e.scratch, 0o755); err != nil {
			return nil, &ExecutionError{Err: fmt.Errorf("failed to create scratch dir: %w", err)}
		}
	}
	workDir, err := os.MkdirTemp(e.scratch, "task-*")
	if err != nil {
		return nil, &ExecutionError{Err: fmt.Errorf("failed to create scratch dir: %w", err)}
	}

	col := newCollector(workDir, e.profile.IsArtifact)
	col.start(ctx)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	ch := make(chan outcome, 1)
	go func() {
		var (
			run    *agent.Run
			runErr error
		)
		if err := panicerr.Run(func() {
			run, runErr = e.agent.Run(runCtx, agent.Request{Task: req.Description, WorkDir: workDir})
		}); err != nil {
			runErr = err
		}
		if runErr == nil && run == nil {
			runErr = errors.New("agent returned no result")
		}
		ch <- outcome{run: run, err: runErr}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-runCtx.Done():
	}

	if ctxErr := runCtx.Err(); ctxErr != nil && out.run == nil {
		col.stop()
		cleanup(ctx, workDir)
		if parentErr := ctx.Err(); parentErr != nil {
			return nil, parentErr
		}
		slog.WarnContext(ctx, "task timed out", "timeout", timeout)
		return nil, &TimeoutError{Timeout: timeout}
	}
	if out.err != nil {
		col.stop()
		cleanup(ctx, workDir)
		return nil, &ExecutionError{Err: out.err}
	}

	return &Result{
		FinalResult: out.run.FinalResult,
		History:     agent.ExtractHistory(out.run, workDir, e.history...),
		Artifacts:   col.files(),
		WorkDir:     workDir,
		Duration:    time.Since(started),
	}, nil
}

func cleanup(ctx context.Context, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		slog.WarnContext(ctx, "failed to remove scratch dir", "dir", dir, "error", err)
	}
}
