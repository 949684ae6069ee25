package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultSystemPrompt = `You are a browser automation agent. Complete the task in a real browser.
Save every screenshot you take as a PNG file in the current working directory.
When you finish, write history.json in the current working directory: a JSON array
with one object per step containing at least "action" and "result".`

// Profile tunes how tasks are run. It is loaded from AGENT_PROFILE.
type Profile struct {
	SystemPrompt       string            `yaml:"system_prompt"`
	MaxTurns           int               `yaml:"max_turns"`
	UseVision          bool              `yaml:"use_vision"`
	ArtifactExtensions []string          `yaml:"artifact_extensions"`
	Env                map[string]string `yaml:"env"`
}

func DefaultProfile() *Profile {
	return &Profile{
		SystemPrompt:       defaultSystemPrompt,
		MaxTurns:           50,
		UseVision:          true,
		ArtifactExtensions: []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".mp4", ".webm", ".mov"},
	}
}

// LoadProfile reads a YAML profile. Fields left out keep their defaults and
// an empty path returns the defaults.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent profile: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse agent profile: %w", err)
	}
	if p.MaxTurns <= 0 {
		p.MaxTurns = DefaultProfile().MaxTurns
	}
	for i, ext := range p.ArtifactExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.ArtifactExtensions[i] = ext
	}
	return p, nil
}

// IsArtifact reports whether name has one of the artifact extensions.
func (p *Profile) IsArtifact(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext != "" && slices.Contains(p.ArtifactExtensions, ext)
}
