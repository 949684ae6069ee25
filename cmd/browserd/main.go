package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sourcegraph/conc"

	"github.com/kazz187/browserd/internal/artifact"
	"github.com/kazz187/browserd/internal/callback"
	"github.com/kazz187/browserd/internal/config"
	"github.com/kazz187/browserd/internal/eventbus"
	"github.com/kazz187/browserd/internal/executor"
	"github.com/kazz187/browserd/internal/gateway"
	"github.com/kazz187/browserd/internal/processor"
	"github.com/kazz187/browserd/internal/queue"
	"github.com/kazz187/browserd/internal/scan"
	"github.com/kazz187/browserd/internal/task"
	"github.com/kazz187/browserd/pkg/clog"
	"github.com/kazz187/browserd/pkg/panicerr"
)

var (
	app = kingpin.New("browserd", "Browser automation service fed by SQS and HTTP")

	serveCmd = app.Command("serve", "Run the HTTP gateway and the queue processor").Default()

	sendCmd     = app.Command("send-test", "Enqueue a task message for manual testing")
	sendProject = sendCmd.Flag("project-id", "Project ID").Required().String()
	sendFlow    = sendCmd.Flag("flow-id", "Flow ID").Required().String()
	sendTimeout = sendCmd.Flag("timeout", "Task timeout in seconds").Default("0").Int()
	sendURL     = sendCmd.Arg("url", "Page to open").Required().String()
	sendPrompt  = sendCmd.Arg("prompt", "What to do on the page").Required().String()

	scanCmd       = app.Command("scan", "Scan a website and print the result as JSON")
	scanURL       = scanCmd.Arg("url", "Page to scan").Required().String()
	scanType      = scanCmd.Flag("type", "Scan type").Default(scan.TypeFull).Enum(scan.Types...)
	scanSelectors = scanCmd.Flag("selector", "CSS selector to extract, repeatable").Strings()
	scanGoals     = scanCmd.Flag("goal", "Extraction goal answered by the agent, repeatable").Strings()

	presignCmd = app.Command("presign", "Print a temporary download URL for a stored artifact")
	presignKey = presignCmd.Arg("key", "Object key").Required().String()

	deleteCmd = app.Command("delete-artifact", "Remove a stored artifact")
	deleteKey = deleteCmd.Arg("key", "Object key").Required().String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}
	setupLogger(env)

	if err := run(command, env); err != nil {
		slog.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func setupLogger(env *config.Env) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}

func run(command string, env *config.Env) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch command {
	case serveCmd.FullCommand():
		return serve(ctx, env)
	case sendCmd.FullCommand():
		return sendTest(ctx, env)
	case scanCmd.FullCommand():
		return scanOnce(ctx, env)
	case presignCmd.FullCommand():
		return presign(ctx, env)
	case deleteCmd.FullCommand():
		return deleteArtifact(ctx, env)
	}
	return fmt.Errorf("unknown command %q", command)
}

func serve(ctx context.Context, env *config.Env) error {
	ag, profile, err := newAgent(env)
	if err != nil {
		return fmt.Errorf("failed to configure agent: %w", err)
	}
	exec := executor.New(ag, executor.Options{ScratchDir: env.ScratchDir, Profile: profile})

	bus := eventbus.New()
	registry := task.NewRegistry(task.WithEvents(bus))
	reporter := callback.NewClient(env.APIBaseURL, env.CallbackEnv.Timeout())

	sup := &supervisor{shutdownTimeout: env.DefaultTimeout() + 30*time.Second}
	sup.goBackground(func(ctx context.Context) { registry.RunJanitor(ctx, env.TaskRetention) })

	deps := gateway.Deps{Registry: registry, Executor: exec, Webhooks: reporter}

	if env.EventLogDir != "" {
		journal, err := eventbus.NewJournal(bus, env.EventLogDir)
		if err != nil {
			return err
		}
		sup.goBackground(journal.Start)
		deps.Events = eventbus.NewJournalReader(env.EventLogDir)
	}

	proc, sqsClient, err := newProcessor(ctx, env, processor.Deps{
		Executor: exec,
		Scanner:  newScanner(env, ag),
		Reporter: reporter,
		Registry: registry,
	})
	if err != nil {
		slog.Warn("queue processing disabled", "error", err)
	} else {
		deps.Queue = sqsClient
		deps.Processor = proc
		forwarder := eventbus.NewStatusForwarder(bus, reporter)
		sup.goBackground(forwarder.Start)
		sup.goBackground(func(ctx context.Context) {
			if err := panicerr.SafeContext(proc.Start)(ctx); err != nil {
				slog.Error("processor stopped", "error", err)
			}
		})
		sup.beforeShutdown = proc.Stop
	}

	sup.server = gateway.NewServer(env, deps)
	return sup.run(ctx)
}

type httpServer interface {
	ListenAndServe(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// supervisor runs the HTTP server next to background loops. Whatever ends
// the run (a signal or a server error), background loops see their context
// cancelled and run returns once they have all exited.
type supervisor struct {
	server          httpServer
	beforeShutdown  func()
	shutdownTimeout time.Duration

	jobs []func(ctx context.Context)
}

func (s *supervisor) goBackground(fn func(ctx context.Context)) {
	s.jobs = append(s.jobs, fn)
}

func (s *supervisor) run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg conc.WaitGroup
	for _, job := range s.jobs {
		wg.Go(func() { job(ctx) })
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		slog.Error("server error", "error", runErr)
	}
	slog.Info("shutting down server")

	if s.beforeShutdown != nil {
		s.beforeShutdown()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer shutdownCancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	stop()
	wg.Wait()
	return runErr
}

// newProcessor builds the queue side. Any client that is not configured
// disables queue processing; the HTTP gateway keeps working without it.
func newProcessor(ctx context.Context, env *config.Env, deps processor.Deps) (*processor.Processor, *queue.SQSClient, error) {
	if err := env.CallbackEnv.Validate(); err != nil {
		return nil, nil, err
	}
	cfg, err := loadAWSConfig(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	sqsClient, err := queue.NewSQSClient(cfg, &env.QueueEnv)
	if err != nil {
		return nil, nil, err
	}
	store, err := newStorage(cfg, env)
	if err != nil {
		return nil, nil, err
	}

	deps.Queue = sqsClient
	deps.Uploader = artifact.NewClient(store, artifact.WithKeyPrefix(env.KeyPrefix))
	proc := processor.New(deps, processor.Options{
		BatchSize:      env.BatchSize(),
		WaitTime:       env.WaitTime(),
		Concurrency:    env.Concurrency(),
		DefaultTimeout: env.DefaultTimeout(),
	})
	return proc, sqsClient, nil
}

func sendTest(ctx context.Context, env *config.Env) error {
	cfg, err := loadAWSConfig(ctx, env)
	if err != nil {
		return err
	}
	sqsClient, err := queue.NewSQSClient(cfg, &env.QueueEnv)
	if err != nil {
		return err
	}
	id, err := sqsClient.Send(ctx, processor.Payload{
		ProjectID: *sendProject,
		FlowID:    *sendFlow,
		URL:       *sendURL,
		Prompt:    *sendPrompt,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Timeout:   float64(*sendTimeout),
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func scanOnce(ctx context.Context, env *config.Env) error {
	var scanner *scan.Scanner
	if ag, _, err := newAgent(env); err == nil {
		scanner = newScanner(env, ag)
	} else {
		if len(*scanGoals) > 0 {
			slog.Warn("agent not configured, goals will fail", "error", err)
		}
		scanner = scan.New()
	}
	res := scanner.Scan(ctx, scan.Request{
		URL:             *scanURL,
		ScanType:        *scanType,
		CustomSelectors: *scanSelectors,
		ExtractGoals:    *scanGoals,
	})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Status != scan.StatusCompleted {
		return errors.New(res.Error)
	}
	return nil
}

func presign(ctx context.Context, env *config.Env) error {
	cfg, err := loadAWSConfig(ctx, env)
	if err != nil {
		return err
	}
	store, err := newStorage(cfg, env)
	if err != nil {
		return err
	}
	url, ok := artifact.NewClient(store).PresignURL(ctx, *presignKey, env.PresignTTL)
	if !ok {
		return fmt.Errorf("failed to presign %s", *presignKey)
	}
	fmt.Println(url)
	return nil
}

func deleteArtifact(ctx context.Context, env *config.Env) error {
	cfg, err := loadAWSConfig(ctx, env)
	if err != nil {
		return err
	}
	store, err := newStorage(cfg, env)
	if err != nil {
		return err
	}
	if !artifact.NewClient(store).DeleteFile(ctx, *deleteKey) {
		return fmt.Errorf("failed to delete %s", *deleteKey)
	}
	return nil
}
