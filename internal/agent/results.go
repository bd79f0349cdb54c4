package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Corvid-Labs/fixstream/internal/run"
)

// CI status values the agent may report. The reported value is
// authoritative for the run's terminal state.
const (
	CIStatusPassed = "PASSED"
	CIStatusFailed = "FAILED"
)

// ValidBugTypes are the issue categories the agent classifies fixes into.
var ValidBugTypes = map[string]bool{
	"LINTING":     true,
	"SYNTAX":      true,
	"LOGIC":       true,
	"TYPE_ERROR":  true,
	"IMPORT":      true,
	"INDENTATION": true,
}

// ErrResultsMissing indicates the agent exited without leaving its
// completion artifact.
var ErrResultsMissing = errors.New("agent results artifact missing")

// ScoreBreakdown is the agent's own score view. The orchestrator
// recomputes the authoritative score from its own measurements.
type ScoreBreakdown struct {
	BaseScore         int `json:"base_score"`
	SpeedBonus        int `json:"speed_bonus"`
	EfficiencyPenalty int `json:"efficiency_penalty"`
	FinalScore        int `json:"final_score"`
}

// Results is the completion artifact the agent must leave in the run's
// workspace before exiting.
type Results struct {
	Repository       string              `json:"repository"`
	TeamName         string              `json:"team_name"`
	LeaderName       string              `json:"leader_name"`
	BranchName       string              `json:"branch_name"`
	Timestamp        string              `json:"timestamp"`
	TotalTimeSeconds float64             `json:"total_time_seconds"`
	IterationsUsed   int                 `json:"iterations_used"`
	MaxIterations    int                 `json:"max_iterations"`
	AllTestsPassed   bool                `json:"all_tests_passed"`
	CIStatus         string              `json:"ci_status"`
	Summary          run.Summary         `json:"summary"`
	Score            *ScoreBreakdown     `json:"score,omitempty"`
	Fixes            []run.Fix           `json:"fixes"`
	Timeline         []run.TimelineEntry `json:"ci_timeline"`
}

// Validate checks the invariants the orchestrator depends on. A zero exit
// with an artifact that fails validation is treated the same as a missing
// artifact.
func (r *Results) Validate() error {
	if r.CIStatus != CIStatusPassed && r.CIStatus != CIStatusFailed {
		return fmt.Errorf("invalid ci_status %q", r.CIStatus)
	}
	if r.Summary.TotalFailuresDetected < 0 || r.Summary.TotalFixesApplied < 0 || r.Summary.TotalFixesFailed < 0 {
		return fmt.Errorf("negative counts in summary")
	}
	if r.IterationsUsed < 0 {
		return fmt.Errorf("negative iterations_used %d", r.IterationsUsed)
	}
	return nil
}

// normalize coerces fix categories the agent invented into LINTING so
// downstream consumers only ever see the known vocabulary.
func (r *Results) normalize() {
	for i, fix := range r.Fixes {
		if !ValidBugTypes[fix.BugType] {
			r.Fixes[i].BugType = "LINTING"
		}
	}
}

// LoadResults reads and validates the completion artifact at path.
func LoadResults(path string) (*Results, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrResultsMissing, path)
		}
		return nil, fmt.Errorf("failed to read results artifact: %w", err)
	}

	var results Results
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("malformed results artifact: %w", err)
	}
	if err := results.Validate(); err != nil {
		return nil, fmt.Errorf("invalid results artifact: %w", err)
	}
	results.normalize()
	return &results, nil
}
