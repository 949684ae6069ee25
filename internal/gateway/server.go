package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/browserd/internal/callback"
	"github.com/kazz187/browserd/internal/config"
	"github.com/kazz187/browserd/internal/eventbus"
	"github.com/kazz187/browserd/internal/executor"
	"github.com/kazz187/browserd/internal/processor"
	"github.com/kazz187/browserd/internal/task"
	"github.com/kazz187/browserd/pkg/cerr"
	"github.com/kazz187/browserd/pkg/clog"
)

// Version is reported by /health and /api/v1/status.
const Version = "1.0.0"

const serviceName = "browser-use-microservice"

type Executor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

type WebhookSender interface {
	SendWebhook(ctx context.Context, url string, w callback.Webhook) bool
}

// MessageSender enqueues test messages for POST /api/v1/sqs/test.
type MessageSender interface {
	Send(ctx context.Context, body any) (string, error)
}

// ProcessorStatus is the read side of the queue processor.
type ProcessorStatus interface {
	HealthCheck(ctx context.Context) processor.Health
	Running() bool
	Stats() processor.Stats
}

// EventReader reads back journaled task events.
type EventReader interface {
	Read(day time.Time, eventType eventbus.EventType) ([]*eventbus.Event, error)
}

// Deps wires the gateway to the rest of the service. Queue, Processor and
// Events are optional: without them their endpoints answer 503 and the
// health check reports degraded.
type Deps struct {
	Registry  *task.Registry
	Executor  Executor
	Webhooks  WebhookSender
	Queue     MessageSender
	Processor ProcessorStatus
	Events    EventReader
}

type Server struct {
	server *http.Server
	env    *config.Env
	deps   Deps
	runner *runner
	now    func() time.Time
}

func NewServer(env *config.Env, deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = task.NewRegistry()
	}
	return &Server{
		env:    env,
		deps:   deps,
		runner: newRunner(deps.Registry, deps.Executor, deps.Webhooks),
		now:    time.Now,
	}
}

// Handler returns the complete HTTP surface: the JSON API, /health and the
// gRPC health service, behind CORS and the optional API key check.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		clog.SlogChiMiddleware(clog.WithSkipPath("/health")),
		cerr.NewJSONResponderChiMiddleware(),
	)
	r.Get("/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{taskID}", s.getTask)
		r.Post("/sqs/test", s.sendTestMessage)
		r.Get("/status", s.status)
		r.Get("/events", s.listEvents)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
	})

	mux := http.NewServeMux()
	mux.Handle(grpchealth.NewHandler(&healthChecker{server: s}))
	mux.Handle("/", r)

	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.apiKeyMiddleware(mux))
}

// ListenAndServe starts the HTTP server. ctx becomes the base context of
// every request.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for tasks started through
// the API to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return err
		}
	}
	return s.runner.drain(ctx)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.env.APIKey == "" || r.URL.Path == "/health" || r.URL.Path == "/grpc.health.v1.Health/Check" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}
		if apiKey != s.env.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
