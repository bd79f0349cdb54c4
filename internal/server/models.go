package server

import (
	"strings"
	"time"

	"github.com/Corvid-Labs/fixstream/internal/faults"
	"github.com/Corvid-Labs/fixstream/internal/gitx"
	"github.com/Corvid-Labs/fixstream/internal/run"
	"github.com/Corvid-Labs/fixstream/internal/score"
)

// Bounds on run creation input.
const (
	maxNameLength      = 100
	maxIterationBudget = 20
)

// CreateRunRequest is the body of POST /runs. MaxIterations is optional;
// zero means the configured default.
type CreateRunRequest struct {
	RepoURL       string `json:"repo_url"`
	TeamName      string `json:"team_name"`
	LeaderName    string `json:"leader_name"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// normalize trims the request in place and checks it against the creation
// rules. A request that fails here creates nothing.
func (req *CreateRunRequest) normalize(host string) error {
	req.RepoURL = strings.TrimSpace(req.RepoURL)
	req.TeamName = strings.TrimSpace(req.TeamName)
	req.LeaderName = strings.TrimSpace(req.LeaderName)

	if req.RepoURL == "" {
		return faults.Validation("repo_url is required")
	}
	if _, _, err := gitx.SplitRepoPath(req.RepoURL, host); err != nil {
		return faults.Validation("repo_url must be an https repository URL on %s", host)
	}
	if req.TeamName == "" {
		return faults.Validation("team_name is required")
	}
	if len(req.TeamName) > maxNameLength {
		return faults.Validation("team_name exceeds %d characters", maxNameLength)
	}
	if req.LeaderName == "" {
		return faults.Validation("leader_name is required")
	}
	if len(req.LeaderName) > maxNameLength {
		return faults.Validation("leader_name exceeds %d characters", maxNameLength)
	}
	if req.MaxIterations != 0 && (req.MaxIterations < 1 || req.MaxIterations > maxIterationBudget) {
		return faults.Validation("max_iterations must be between 1 and %d", maxIterationBudget)
	}
	return nil
}

// CreateRunResponse acknowledges an admitted run and tells the caller
// where to follow it.
type CreateRunResponse struct {
	RunID       string `json:"run_id"`
	BranchName  string `json:"branch_name"`
	Status      string `json:"status"`
	EventsPath  string `json:"events_path"`
	ResultsPath string `json:"results_path"`
}

// RunSummary is the status view returned by GET /runs/{id}.
type RunSummary struct {
	RunID       string     `json:"run_id"`
	Status      string     `json:"status"`
	BranchName  string     `json:"branch_name"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HasResults  bool       `json:"has_results"`
}

func newRunSummary(snapshot run.Run) RunSummary {
	summary := RunSummary{
		RunID:      snapshot.ID,
		Status:     string(snapshot.Status),
		BranchName: snapshot.BranchName,
		CreatedAt:  snapshot.CreatedAt,
		HasResults: snapshot.Status == run.StatusPassed || snapshot.Status == run.StatusFailed,
	}
	if !snapshot.StartedAt.IsZero() {
		startedAt := snapshot.StartedAt
		summary.StartedAt = &startedAt
	}
	if !snapshot.EndedAt.IsZero() {
		completedAt := snapshot.EndedAt
		summary.CompletedAt = &completedAt
	}
	return summary
}

// TimingView flattens run timing for the results payload.
type TimingView struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	ElapsedMS   int64     `json:"elapsed_ms"`
}

// ResultsResponse is the full payload of GET /runs/{id}/results once a run
// has passed or failed. A terminal run's payload never changes between
// reads.
type ResultsResponse struct {
	RunID       string              `json:"run_id"`
	Status      string              `json:"status"`
	RepoURL     string              `json:"repo_url"`
	TeamName    string              `json:"team_name"`
	LeaderName  string              `json:"leader_name"`
	BranchName  string              `json:"branch_name"`
	Summary     *run.Summary        `json:"summary"`
	Score       *score.Score        `json:"score"`
	Fixes       []run.Fix           `json:"fixes"`
	Timeline    []run.TimelineEntry `json:"ci_timeline"`
	Timing      *TimingView         `json:"timing"`
	CommitCount int                 `json:"commit_count"`
}

func newResultsResponse(snapshot run.Run) ResultsResponse {
	resp := ResultsResponse{
		RunID:       snapshot.ID,
		Status:      string(snapshot.Status),
		RepoURL:     snapshot.RepoURL,
		TeamName:    snapshot.TeamName,
		LeaderName:  snapshot.LeaderName,
		BranchName:  snapshot.BranchName,
		Summary:     snapshot.Summary,
		Score:       snapshot.Score,
		Fixes:       snapshot.Fixes,
		Timeline:    snapshot.Timeline,
		CommitCount: snapshot.CommitCount,
	}
	// Encode empty collections as [] rather than null.
	if resp.Fixes == nil {
		resp.Fixes = []run.Fix{}
	}
	if resp.Timeline == nil {
		resp.Timeline = []run.TimelineEntry{}
	}
	if snapshot.Timing != nil {
		resp.Timing = &TimingView{
			StartedAt:   snapshot.Timing.StartedAt,
			CompletedAt: snapshot.Timing.EndedAt,
			ElapsedMS:   snapshot.Timing.EndedAt.Sub(snapshot.Timing.StartedAt).Milliseconds(),
		}
	}
	return resp
}
