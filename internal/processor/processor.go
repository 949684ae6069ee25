package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/browserd/internal/artifact"
	"github.com/kazz187/browserd/internal/callback"
	"github.com/kazz187/browserd/internal/executor"
	"github.com/kazz187/browserd/internal/queue"
	"github.com/kazz187/browserd/internal/scan"
	"github.com/kazz187/browserd/internal/task"
)

var ErrAlreadyRunning = errors.New("processor is already running")

type Queue interface {
	Receive(ctx context.Context, limit int32, wait time.Duration) ([]*queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	HealthCheck(ctx context.Context) bool
}

type Executor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

type Scanner interface {
	Scan(ctx context.Context, req scan.Request) *scan.Result
}

type Uploader interface {
	UploadFiles(ctx context.Context, paths []string, scope artifact.Scope, metadata map[string]string) []artifact.UploadResult
	HealthCheck(ctx context.Context) bool
}

type Reporter interface {
	SendSessionResult(ctx context.Context, r callback.SessionResult) bool
	SendWebhook(ctx context.Context, url string, w callback.Webhook) bool
	HealthCheck(ctx context.Context) bool
}

type Deps struct {
	Queue    Queue
	Executor Executor
	Scanner  Scanner
	Uploader Uploader
	Reporter Reporter
	Registry *task.Registry
}

type Options struct {
	BatchSize      int32
	WaitTime       time.Duration
	Concurrency    int
	DefaultTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 300 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 60 * time.Second
	}
}

type Stats struct {
	Received     int64 `json:"received"`
	Invalid      int64 `json:"invalid"`
	Dispatched   int64 `json:"dispatched"`
	InFlight     int64 `json:"in_flight"`
	Acknowledged int64 `json:"acknowledged"`
	PollErrors   int64 `json:"poll_errors"`
}

// Processor consumes the queue: it polls, validates, dispatches messages to a
// bounded worker pool and acknowledges each one after its result was
// delivered.
type Processor struct {
	deps Deps
	opts Options

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	received     atomic.Int64
	invalid      atomic.Int64
	dispatched   atomic.Int64
	inFlight     atomic.Int64
	acknowledged atomic.Int64
	pollErrors   atomic.Int64
}

func New(deps Deps, opts Options) *Processor {
	opts.withDefaults()
	if deps.Registry == nil {
		deps.Registry = task.NewRegistry()
	}
	return &Processor{deps: deps, opts: opts, stop: make(chan struct{})}
}

// Start polls until ctx is cancelled or Stop is called, then waits for every
// dispatched message to finish. In-flight work runs on a context detached
// from the stop signal so a shutdown never abandons a half-delivered result.
// A Processor that was stopped, even before Start, does not poll again.
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	workCtx := context.WithoutCancel(ctx)
	workers := pool.New().WithMaxGoroutines(p.opts.Concurrency)

	slog.InfoContext(ctx, "message processor started",
		"concurrency", p.opts.Concurrency, "batch_size", p.opts.BatchSize, "wait_time", p.opts.WaitTime)

	failures := 0
	for ctx.Err() == nil && !p.stopped() {
		msgs, err := p.deps.Queue.Receive(ctx, p.opts.BatchSize, p.opts.WaitTime)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			p.pollErrors.Add(1)
			delay := pollBackoff(p.opts.BackoffBase, p.opts.BackoffMax, failures)
			slog.ErrorContext(ctx, "failed to poll queue", "error", err, "attempt", failures, "retry_in", delay)
			sleep(ctx, delay)
			continue
		}
		failures = 0

		for _, m := range msgs {
			p.received.Add(1)
			job, err := ParseMessage(m)
			if err != nil {
				p.invalid.Add(1)
				slog.WarnContext(ctx, "skipping invalid message", "message_id", m.MessageID, "error", err)
				continue
			}
			p.dispatched.Add(1)
			p.inFlight.Add(1)
			// Blocks while every worker is busy; the message stays in flight
			// on the queue until a slot frees up.
			workers.Go(func() {
				defer p.inFlight.Add(-1)
				p.handle(workCtx, job)
			})
		}
	}

	slog.InfoContext(workCtx, "message processor stopping, draining in-flight messages", "in_flight", p.inFlight.Load())
	workers.Wait()
	slog.InfoContext(workCtx, "message processor stopped")
	return nil
}

// Stop ends polling. Start returns once in-flight messages are drained.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Processor) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *Processor) Running() bool {
	return p.running.Load()
}

func (p *Processor) Stats() Stats {
	return Stats{
		Received:     p.received.Load(),
		Invalid:      p.invalid.Load(),
		Dispatched:   p.dispatched.Load(),
		InFlight:     p.inFlight.Load(),
		Acknowledged: p.acknowledged.Load(),
		PollErrors:   p.pollErrors.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
