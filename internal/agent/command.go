package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"mvdan.cc/sh/v3/shell"

	"github.com/kazz187/browserd/internal/config"
)

// CommandAgent runs an external browser-automation program once per task.
// The program receives the task through environment variables and prints a
// JSON report on stdout:
//
//	{"final_result": "...", "is_successful": true, "errors": [], "steps": [{...}]}
type CommandAgent struct {
	argv    []string
	llm     *config.LLM
	profile *Profile
}

type commandReport struct {
	FinalResult  string         `json:"final_result"`
	IsSuccessful *bool          `json:"is_successful"`
	Errors       []string       `json:"errors"`
	Steps        []HistoryEntry `json:"steps"`
}

func NewCommandAgent(command string, llm *config.LLM, profile *Profile) (*CommandAgent, error) {
	argv, err := shell.Fields(command, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: AGENT_COMMAND", config.ErrMissingSetting)
	}
	if profile == nil {
		profile = DefaultProfile()
	}
	return &CommandAgent{argv: argv, llm: llm, profile: profile}, nil
}

func (a *CommandAgent) Run(ctx context.Context, req Request) (*Run, error) {
	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), a.environ(req)...)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	slog.DebugContext(ctx, "agent command finished", "command", a.argv[0], "duration", time.Since(started), "error", err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		msg := lastLine(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errors.New(msg)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	var report commandReport
	if err := json.Unmarshal(out, &report); err != nil {
		// Plain-text output is taken as the final answer.
		return &Run{FinalResult: string(out)}, nil
	}
	if report.IsSuccessful != nil && !*report.IsSuccessful {
		if len(report.Errors) > 0 {
			return nil, errors.New(strings.Join(report.Errors, "; "))
		}
		return nil, errors.New("agent reported an unsuccessful run")
	}
	return &Run{FinalResult: report.FinalResult, Steps: report.Steps}, nil
}

func (a *CommandAgent) environ(req Request) []string {
	env := []string{
		"BROWSERD_TASK=" + req.Task,
		"BROWSERD_OUTPUT_DIR=" + req.WorkDir,
		"BROWSERD_MAX_STEPS=" + strconv.Itoa(a.profile.MaxTurns),
		"BROWSERD_USE_VISION=" + strconv.FormatBool(a.profile.UseVision),
	}
	if a.llm != nil {
		env = append(env,
			"LLM_PROVIDER="+string(a.llm.Provider),
			"LLM_API_KEY="+a.llm.APIKey,
			"LLM_MODEL="+a.llm.Model,
			"LLM_BASE_URL="+a.llm.BaseURL,
		)
	}
	for k, v := range a.profile.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
