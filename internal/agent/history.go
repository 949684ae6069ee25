package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// HistoryFile is the file an agent may leave in its work dir with a step log.
const HistoryFile = "history.json"

// HistoryStrategy extracts history entries from a finished run. It returns
// nil when it has nothing to offer.
type HistoryStrategy func(run *Run, workDir string) []HistoryEntry

// DefaultHistoryStrategies is tried in order; the first non-empty answer wins.
var DefaultHistoryStrategies = []HistoryStrategy{
	ReportedSteps,
	HistoryFileSteps,
	FinalResultStep,
}

// ExtractHistory never fails: when no strategy yields entries a single
// placeholder entry is returned.
func ExtractHistory(run *Run, workDir string, strategies ...HistoryStrategy) []HistoryEntry {
	if len(strategies) == 0 {
		strategies = DefaultHistoryStrategies
	}
	for _, s := range strategies {
		if entries := s(run, workDir); len(entries) > 0 {
			return entries
		}
	}
	return []HistoryEntry{{
		"type":      "summary",
		"message":   "detailed history unavailable",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}}
}

func ReportedSteps(run *Run, _ string) []HistoryEntry {
	if run == nil {
		return nil
	}
	return run.Steps
}

func HistoryFileSteps(_ *Run, workDir string) []HistoryEntry {
	if workDir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(workDir, HistoryFile))
	if err != nil {
		return nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		return entries
	}
	var wrapped struct {
		History []HistoryEntry `json:"history"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil
	}
	return wrapped.History
}

func FinalResultStep(run *Run, _ string) []HistoryEntry {
	if run == nil || run.FinalResult == "" {
		return nil
	}
	return []HistoryEntry{{
		"type":      "final_result",
		"content":   run.FinalResult,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}}
}
