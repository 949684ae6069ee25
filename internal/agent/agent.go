package agent

import (
	"context"
	"fmt"

	"github.com/kazz187/browserd/internal/config"
)

// HistoryEntry is a single step the agent took, in the shape the callback
// API stores verbatim.
type HistoryEntry map[string]any

// Request is one browser task handed to an Agent.
type Request struct {
	Task string
	// WorkDir is the scratch directory the agent writes screenshots,
	// recordings and history.json into.
	WorkDir string
}

// Run is what an agent reports back after finishing a task.
type Run struct {
	FinalResult string
	Steps       []HistoryEntry
	SessionID   string
}

// Agent drives a browser to complete a natural-language task.
type Agent interface {
	Run(ctx context.Context, req Request) (*Run, error)
}

// New builds the agent for the resolved provider. Claude Code is driven
// through the agent SDK; every other provider runs the external command.
func New(llm *config.LLM, env *config.AgentEnv, profile *Profile) (Agent, error) {
	if llm == nil {
		return nil, fmt.Errorf("%w: llm provider", config.ErrMissingSetting)
	}
	if profile == nil {
		profile = DefaultProfile()
	}
	if llm.Provider == config.ProviderClaudeCode {
		return NewClaudeAgent(profile), nil
	}
	return NewCommandAgent(env.Command, llm, profile)
}
