package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"golang.org/x/net/html"

	"github.com/kazz187/browserd/pkg/panicerr"
)

const (
	TypeFull          = "full"
	TypeContent       = "content"
	TypeStructure     = "structure"
	TypeAccessibility = "accessibility"
	TypeSecurity      = "security"
	TypePerformance   = "performance"
)

var Types = []string{TypeFull, TypeContent, TypeStructure, TypeAccessibility, TypeSecurity, TypePerformance}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	defaultTimeout = 300 * time.Second
	maxPageBytes   = 10 << 20
	userAgent      = "browserd-scanner/1.0"
)

type Request struct {
	URL             string
	ScanType        string
	CustomSelectors []string
	ExtractGoals    []string
	Timeout         time.Duration
}

type Result struct {
	URL       string         `json:"url"`
	ScanType  string         `json:"scan_type"`
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data"`
}

// GoalExtractor answers a free-form extraction goal about a page.
type GoalExtractor interface {
	ExtractGoal(ctx context.Context, goal, pageText string) (string, error)
}

type Scanner struct {
	client *http.Client
	goals  GoalExtractor
}

type Option func(*Scanner)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Scanner) { s.client = c }
}

func WithGoalExtractor(g GoalExtractor) Option {
	return func(s *Scanner) { s.goals = g }
}

func New(opts ...Option) *Scanner {
	s := &Scanner{client: &http.Client{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// page is a fetched and parsed document.
type page struct {
	url      *url.URL
	header   http.Header
	doc      *html.Node
	size     int
	ttfb     time.Duration
	download time.Duration
}

// Scan never returns an error: fetch problems produce a failed result and a
// broken section records its error inline without affecting the others.
func (s *Scanner) Scan(ctx context.Context, req Request) *Result {
	if req.ScanType == "" {
		req.ScanType = TypeFull
	}
	res := &Result{
		URL:       req.URL,
		ScanType:  req.ScanType,
		Timestamp: time.Now().UTC(),
		Status:    StatusCompleted,
		Data:      map[string]any{},
	}
	if !slices.Contains(Types, req.ScanType) {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("unsupported scan type %q", req.ScanType)
		return res
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.InfoContext(ctx, "starting scan", "url", req.URL, "scan_type", req.ScanType)
	p, err := s.fetch(ctx, req.URL)
	if err != nil {
		slog.ErrorContext(ctx, "scan failed", "url", req.URL, "error", err)
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	want := func(t string) bool { return req.ScanType == TypeFull || req.ScanType == t }
	if want(TypeContent) {
		res.Data["content"] = section(ctx, "content", func() (map[string]any, error) {
			return s.content(ctx, p, req.ExtractGoals), nil
		})
	}
	if want(TypeStructure) {
		res.Data["structure"] = section(ctx, "structure", func() (map[string]any, error) { return structure(p), nil })
	}
	if want(TypeAccessibility) {
		res.Data["accessibility"] = section(ctx, "accessibility", func() (map[string]any, error) { return accessibility(p), nil })
	}
	if want(TypeSecurity) {
		res.Data["security"] = section(ctx, "security", func() (map[string]any, error) { return security(p), nil })
	}
	if want(TypePerformance) {
		res.Data["performance"] = section(ctx, "performance", func() (map[string]any, error) { return performance(p), nil })
	}
	if len(req.CustomSelectors) > 0 {
		res.Data["custom_extraction"] = customExtraction(p, req.CustomSelectors)
	}
	slog.InfoContext(ctx, "scan completed", "url", req.URL)
	return res
}

// section runs one extractor and converts a failure or panic into an
// inline error entry.
func section(ctx context.Context, name string, fn func() (map[string]any, error)) map[string]any {
	var (
		data map[string]any
		err  error
	)
	if perr := panicerr.Run(func() { data, err = fn() }); perr != nil {
		err = perr
	}
	if err != nil {
		slog.ErrorContext(ctx, "scan section failed", "section", name, "error", err)
		return map[string]any{"error": err.Error()}
	}
	return data
}

func (s *Scanner) fetch(ctx context.Context, rawURL string) (*page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("scan timed out: %w", err)
		}
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()
	ttfb := time.Since(started)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("failed to fetch page: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}
	download := time.Since(started)

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	return &page{
		url:      resp.Request.URL,
		header:   resp.Header,
		doc:      doc,
		size:     len(body),
		ttfb:     ttfb,
		download: download,
	}, nil
}
