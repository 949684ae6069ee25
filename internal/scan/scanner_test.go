package scan

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/browserd/internal/agent"
)

const samplePage = `<!DOCTYPE html>
<html lang="en">
<head>
  <title>Example Shop</title>
  <meta name="description" content="Everything for your garden">
  <meta name="generator" content="Hugo 0.120">
  <link rel="stylesheet" href="/css/bootstrap.min.css">
  <script src="http://cdn.example.net/jquery-3.7.1.min.js"></script>
  <script>var ignored = "script text";</script>
</head>
<body>
  <h1>Welcome</h1>
  <h2>Deals</h2>
  <h3> </h3>
  <p class="price">€10</p>
  <p class="price sale">€5</p>
  <a href="/about">About us</a>
  <a href="https://other.example.org/x">Partner</a>
  <img src="/a.png" alt="A">
  <img src="http://insecure.example.org/b.png">
  <button aria-label="close">x</button>
  <form action="/search" method="post">
    <label for="q">Query</label>
    <input id="q" name="q" required>
    <input type="hidden" name="token">
    <select name="sort"></select>
    <textarea name="notes"></textarea>
  </form>
</body>
</html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Powered-By", "Express")
		_, _ = w.Write([]byte(samplePage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type goalFunc func(goal string) (string, error)

func (f goalFunc) ExtractGoal(_ context.Context, goal, _ string) (string, error) { return f(goal) }

func TestScanner_FullScan(t *testing.T) {
	srv := newSite(t)
	s := New(WithGoalExtractor(goalFunc(func(goal string) (string, error) {
		if goal == "broken" {
			return "", errors.New("llm unavailable")
		}
		return `{"answer":"` + goal + `"}`, nil
	})))

	res := s.Scan(context.Background(), Request{
		URL:             srv.URL + "/",
		CustomSelectors: []string{"p.price", "[[bad"},
		ExtractGoals:    []string{"prices", "broken"},
		Timeout:         5 * time.Second,
	})
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, TypeFull, res.ScanType)

	content := res.Data["content"].(map[string]any)
	assert.Equal(t, "Example Shop", content["title"])
	assert.Equal(t, "Everything for your garden", content["meta_description"])
	assert.NotContains(t, content["text_content"], "script text")
	assert.Contains(t, content["text_content"], "Welcome")
	assert.Equal(t, []map[string]any{
		{"level": 1, "text": "Welcome", "tag": "h1"},
		{"level": 2, "text": "Deals", "tag": "h2"},
	}, content["headings"])
	assert.Equal(t, []map[string]any{
		{"url": "/about", "text": "About us", "internal": true},
		{"url": "https://other.example.org/x", "text": "Partner", "internal": false},
	}, content["links"])
	assert.Len(t, content["images"], 2)
	assert.Equal(t, map[string]string{
		"prices": `{"answer":"prices"}`,
		"broken": "Extraction failed: llm unavailable",
	}, content["goal_extractions"])

	structure := res.Data["structure"].(map[string]any)
	forms := structure["forms"].([]map[string]any)
	require.Len(t, forms, 1)
	assert.Equal(t, "POST", forms[0]["method"])
	inputs := forms[0]["inputs"].([]map[string]any)
	require.Len(t, inputs, 4)
	assert.Equal(t, map[string]any{"type": "text", "name": "q", "id": "q", "required": true}, inputs[0])
	assert.Equal(t, "select", inputs[2]["type"])
	assert.Greater(t, structure["dom_depth"], 2)
	assert.ElementsMatch(t, []string{"jQuery", "Bootstrap", "Generator: Hugo 0.120", "Powered by: Express"}, structure["technologies"])

	a11y := res.Data["accessibility"].(map[string]any)
	assert.Equal(t, 1, a11y["images_without_alt"])
	assert.Equal(t, 1, a11y["h1_count"])
	assert.Equal(t, true, a11y["proper_heading_structure"])
	assert.Equal(t, 1, a11y["elements_with_aria_labels"])
	assert.Equal(t, 2, a11y["inputs_without_labels"])
	assert.Equal(t, "en", a11y["html_lang"])

	sec := res.Data["security"].(map[string]any)
	assert.Equal(t, false, sec["is_https"])
	assert.Equal(t, 1, sec["mixed_content_scripts"])
	assert.Equal(t, 1, sec["mixed_content_images"])
	headers := sec["security_headers"].(map[string]bool)
	assert.True(t, headers["x-frame-options"])
	assert.False(t, headers["content-security-policy"])

	perf := res.Data["performance"].(map[string]any)
	assert.Equal(t, map[string]int{"total": 4, "scripts": 1, "stylesheets": 1, "images": 2}, perf["resources"])
	assert.Equal(t, len(samplePage), perf["page_size_bytes"])

	custom := res.Data["custom_extraction"].(map[string]any)
	prices := custom["p.price"].([]map[string]any)
	require.Len(t, prices, 2)
	assert.Equal(t, "€5", prices[1]["text"])
	bad := custom["[[bad"].(map[string]any)
	assert.True(t, strings.HasPrefix(bad["error"].(string), "invalid selector"))
}

func TestScanner_SingleSection(t *testing.T) {
	srv := newSite(t)
	res := New().Scan(context.Background(), Request{URL: srv.URL, ScanType: TypeSecurity})
	require.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.Data, 1)
	assert.Contains(t, res.Data, "security")
}

func TestScanner_Failures(t *testing.T) {
	srv := newSite(t)
	ctx := context.Background()

	res := New().Scan(ctx, Request{URL: srv.URL, ScanType: "seo"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "unsupported scan type")

	res = New().Scan(ctx, Request{URL: srv.URL + "/missing"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "status 404")
	assert.Empty(t, res.Data)

	res = New().Scan(ctx, Request{URL: "ftp://example.com"})
	assert.Equal(t, StatusFailed, res.Status)

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	res = New().Scan(ctx, Request{URL: closed.URL})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "failed to fetch page")
}

func TestSection_RecoversPanics(t *testing.T) {
	got := section(context.Background(), "content", func() (map[string]any, error) {
		var m map[string]any
		m["boom"] = 1
		return m, nil
	})
	assert.Contains(t, got["error"], "assignment to entry in nil map")
}

type stubAgent struct {
	task string
}

func (s *stubAgent) Run(_ context.Context, req agent.Request) (*agent.Run, error) {
	s.task = req.Task
	return &agent.Run{FinalResult: "  {\"ok\":true}\n"}, nil
}

func TestAgentGoals(t *testing.T) {
	a := &stubAgent{}
	g := &AgentGoals{Agent: a, ScratchDir: t.TempDir()}
	out, err := g.ExtractGoal(context.Background(), "find prices", "page body")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Contains(t, a.task, "Extraction goal: find prices")
	assert.Contains(t, a.task, "Page: page body")
}
