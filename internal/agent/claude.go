package agent

import (
	"context"
	"errors"
	"fmt"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"
)

// ClaudeAgent runs the task through Claude Code with browser tooling
// available to it.
type ClaudeAgent struct {
	profile *Profile
}

func NewClaudeAgent(profile *Profile) *ClaudeAgent {
	if profile == nil {
		profile = DefaultProfile()
	}
	return &ClaudeAgent{profile: profile}
}

func (a *ClaudeAgent) Run(ctx context.Context, req Request) (*Run, error) {
	maxTurns := a.profile.MaxTurns
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   a.profile.SystemPrompt,
		Cwd:            req.WorkDir,
		PermissionMode: claudeagent.PermissionModeBypassPermissions,
		MaxTurns:       &maxTurns,
	}

	result, err := claudeagent.RunQuerySync(ctx, req.Task, opts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("claude query failed: %w", err)
	}
	if result.Result == nil {
		return nil, errors.New("claude returned no result")
	}
	if result.Result.IsError {
		msg := result.Result.Result
		if msg == "" {
			msg = "claude returned an error"
		}
		return nil, errors.New(msg)
	}
	return &Run{FinalResult: result.Result.Result, SessionID: result.Result.SessionID}, nil
}
