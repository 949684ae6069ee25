package scan

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kazz187/browserd/internal/agent"
)

const goalPrompt = `Your task is to extract the content of the page. You will be given a page and a goal and you should extract all relevant information around this goal from the page. If the goal is vague, summarize the page. Respond in json format.
Extraction goal: %s
Page: %s`

// AgentGoals answers extraction goals with the browser agent.
type AgentGoals struct {
	Agent      agent.Agent
	ScratchDir string
}

func (g *AgentGoals) ExtractGoal(ctx context.Context, goal, pageText string) (string, error) {
	dir, err := os.MkdirTemp(g.ScratchDir, "goal-*")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	run, err := g.Agent.Run(ctx, agent.Request{Task: fmt.Sprintf(goalPrompt, goal, pageText), WorkDir: dir})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(run.FinalResult), nil
}
