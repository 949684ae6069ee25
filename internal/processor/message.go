package processor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/kazz187/browserd/internal/config"
	"github.com/kazz187/browserd/internal/queue"
	"github.com/kazz187/browserd/internal/scan"
)

type Kind string

const (
	KindTask Kind = "task"
	KindScan Kind = "scan"
)

// ValidationError marks a message that can never be processed. Such messages
// are skipped and left on the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

// Payload is the JSON body of a queue message. Both task and scan messages
// share it; Type selects which fields are required.
type Payload struct {
	Type            string   `json:"type,omitempty"`
	ProjectID       string   `json:"project_id"`
	FlowID          string   `json:"flow_id"`
	URL             string   `json:"url"`
	Prompt          string   `json:"prompt,omitempty"`
	Timestamp       string   `json:"timestamp,omitempty"`
	Timeout         float64  `json:"timeout,omitempty"`
	CallbackURL     string   `json:"callback_url,omitempty"`
	ScanType        string   `json:"scan_type,omitempty"`
	CustomSelectors []string `json:"custom_selectors,omitempty"`
	ExtractGoals    []string `json:"extract_goals,omitempty"`
}

// Job is a validated message ready for dispatch.
type Job struct {
	Kind    Kind
	Payload Payload
	Message *queue.Message
}

// Description is the natural-language task handed to the agent.
func (j *Job) Description() string {
	if j.Kind == KindScan {
		return fmt.Sprintf("%s scan of %s", j.Payload.ScanType, j.Payload.URL)
	}
	return fmt.Sprintf("Open %s and complete the following task: %s", j.Payload.URL, j.Payload.Prompt)
}

// Timeout falls back to def when the message does not carry a positive one
// and is capped at config.MaxTaskTimeout.
func (j *Job) Timeout(def time.Duration) time.Duration {
	if j.Payload.Timeout <= 0 {
		return def
	}
	return config.TaskTimeout(j.Payload.Timeout)
}

// ParseMessage decodes and validates a message body. Every failure is a
// *ValidationError.
func ParseMessage(m *queue.Message) (*Job, error) {
	var p Payload
	if err := json.Unmarshal([]byte(m.Body), &p); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "is not valid JSON: " + err.Error()}
	}

	kind := Kind(strings.ToLower(strings.TrimSpace(p.Type)))
	if kind == "" {
		kind = KindTask
	}

	required := map[string]string{
		"project_id": p.ProjectID,
		"flow_id":    p.FlowID,
		"url":        p.URL,
	}
	switch kind {
	case KindTask:
		required["prompt"] = p.Prompt
	case KindScan:
		if p.ScanType == "" {
			p.ScanType = scan.TypeFull
		}
		if !slices.Contains(scan.Types, p.ScanType) {
			return nil, &ValidationError{Field: "scan_type", Reason: fmt.Sprintf("%q is not supported", p.ScanType)}
		}
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not supported", p.Type)}
	}

	for _, field := range []string{"project_id", "flow_id", "url", "prompt"} {
		v, ok := required[field]
		if ok && strings.TrimSpace(v) == "" {
			return nil, &ValidationError{Field: field, Reason: "is required"}
		}
	}
	if u, err := url.Parse(p.URL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if p.Timeout < 0 {
		return nil, &ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	return &Job{Kind: kind, Payload: p, Message: m}, nil
}
