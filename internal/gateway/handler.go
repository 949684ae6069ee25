package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/browserd/internal/config"
	"github.com/kazz187/browserd/internal/eventbus"
	"github.com/kazz187/browserd/internal/processor"
	"github.com/kazz187/browserd/internal/task"
	"github.com/kazz187/browserd/pkg/cerr"
	"github.com/kazz187/browserd/pkg/clog"
)

const notSet = "not_set"

type createTaskRequest struct {
	Task        string `json:"task"`
	CallbackURL string `json:"callback_url"`
	Timeout     *int   `json:"timeout"`
}

type createTaskResponse struct {
	TaskID  string      `json:"task_id"`
	Status  task.Status `json:"status"`
	Message string      `json:"message"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		cerr.SetJSONError(ctx, cerr.NewError(cerr.InvalidArgument, "invalid task request", nil).
			AddViolation("task", "task is required"))
		return
	}

	timeout := s.env.DefaultTimeout()
	if req.Timeout != nil && *req.Timeout > 0 {
		timeout = config.TaskTimeout(float64(*req.Timeout))
	}

	t := s.deps.Registry.Create(task.NewTask{
		Description: req.Task,
		Source:      task.SourceHTTP,
		CallbackURL: req.CallbackURL,
		Timeout:     timeout,
	})
	clog.AddAttribute(ctx, "task_id", t.ID)
	s.runner.submit(ctx, t, timeout)

	slog.InfoContext(ctx, "task created")
	cerr.SetJSONResponse(ctx, createTaskResponse{
		TaskID:  t.ID,
		Status:  t.Status,
		Message: "Task created and queued for execution",
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.deps.Registry.Get(chi.URLParam(r, "taskID"))
	if errors.Is(err, task.ErrNotFound) {
		cerr.SetNewJSONError(ctx, cerr.NotFound, "task not found", err)
		return
	}
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.Internal, "failed to get task", err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type testMessageRequest struct {
	ProjectID string `json:"project_id"`
	FlowID    string `json:"flow_id"`
	URL       string `json:"url"`
	Prompt    string `json:"prompt"`
}

type testMessageResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

func (s *Server) sendTestMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Queue == nil {
		cerr.SetNewJSONError(ctx, cerr.Unavailable, "queue is not available", nil)
		return
	}
	var req testMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	invalid := cerr.NewError(cerr.InvalidArgument, "invalid test message", nil)
	for _, f := range []struct{ name, value string }{
		{"project_id", req.ProjectID},
		{"flow_id", req.FlowID},
		{"url", req.URL},
		{"prompt", req.Prompt},
	} {
		if f.value == "" {
			invalid.AddViolation(f.name, f.name+" is required")
		}
	}
	if len(invalid.Details) > 0 {
		cerr.SetJSONError(ctx, invalid)
		return
	}

	id, err := s.deps.Queue.Send(ctx, req)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.Internal, "failed to send message to queue", err)
		return
	}
	clog.AddAttribute(ctx, "message_id", id)
	cerr.SetJSONResponse(ctx, testMessageResponse{
		Status:    "success",
		MessageID: id,
		Message:   "Test message sent to queue",
	})
}

type healthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Services  map[string]bool `json:"services"`
}

// health never fails: a missing or unreachable dependency only degrades it.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), s.checkHealth(r))
}

func (s *Server) checkHealth(r *http.Request) healthResponse {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Version:   Version,
		Services:  map[string]bool{"http": true},
	}
	if s.deps.Processor != nil {
		for name, ok := range s.deps.Processor.HealthCheck(r.Context()).Services {
			resp.Services[name] = ok
		}
	} else {
		resp.Services["sqs"] = false
		resp.Services["s3"] = false
		resp.Services["api_client"] = false
	}
	for _, ok := range resp.Services {
		if !ok {
			resp.Status = "degraded"
			break
		}
	}
	return resp
}

type statusResponse struct {
	Microservice  microserviceStatus  `json:"microservice"`
	Configuration configurationStatus `json:"configuration"`
	SQS           *sqsStatus          `json:"sqs,omitempty"`
}

type microserviceStatus struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
	ActiveTasks int       `json:"active_tasks"`
	TotalTasks  int       `json:"total_tasks"`
}

type configurationStatus struct {
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
	DefaultTimeout     int    `json:"default_timeout"`
	AWSRegion          string `json:"aws_region"`
	S3Bucket           string `json:"s3_bucket"`
	APIBaseURL         string `json:"api_base_url"`
}

type sqsStatus struct {
	QueueURL   string          `json:"queue_url"`
	Processing bool            `json:"processing"`
	Stats      processor.Stats `json:"stats"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	counts := s.deps.Registry.Counts()
	resp := statusResponse{
		Microservice: microserviceStatus{
			Name:        serviceName,
			Version:     Version,
			Timestamp:   s.now().UTC(),
			ActiveTasks: counts.Active,
			TotalTasks:  counts.Total,
		},
		Configuration: configurationStatus{
			MaxConcurrentTasks: s.env.Concurrency(),
			DefaultTimeout:     int(s.env.DefaultTimeout().Seconds()),
			AWSRegion:          orNotSet(s.env.AWSEnv.Region),
			S3Bucket:           orNotSet(s.env.Bucket),
			APIBaseURL:         orNotSet(s.env.APIBaseURL),
		},
	}
	if s.deps.Processor != nil {
		resp.SQS = &sqsStatus{
			QueueURL:   orNotSet(s.env.QueueURL),
			Processing: s.deps.Processor.Running(),
			Stats:      s.deps.Processor.Stats(),
		}
	}
	cerr.SetJSONResponse(r.Context(), resp)
}

type eventsResponse struct {
	Date   string            `json:"date"`
	Events []*eventbus.Event `json:"events"`
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Events == nil {
		cerr.SetNewJSONError(ctx, cerr.Unavailable, "event journal is not enabled", nil)
		return
	}
	day := s.now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			cerr.SetJSONError(ctx, cerr.NewError(cerr.InvalidArgument, "invalid date", err).
				AddViolation("date", "date must be formatted as YYYY-MM-DD"))
			return
		}
		day = parsed
	}
	events, err := s.deps.Events.Read(day, eventbus.EventType(r.URL.Query().Get("type")))
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.Internal, "failed to read events", err)
		return
	}
	cerr.SetJSONResponse(ctx, eventsResponse{Date: day.Format(time.DateOnly), Events: events})
}

func orNotSet(v string) string {
	if v == "" {
		return notSet
	}
	return v
}
