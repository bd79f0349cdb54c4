// Package run holds the run data model and the registry that owns every
// live run, its append-only event log, and its attached observers.
package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/Corvid-Labs/fixstream/internal/score"
)

// Status is a run's lifecycle state. Transitions are monotonic: pending
// moves to running, running moves to exactly one terminal state, and a
// terminal run never changes again.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusError
}

// CanTransitionTo reports whether moving to next respects the monotonic
// lifecycle.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next.Terminal()
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Fix is one repair the agent reported.
type Fix struct {
	File           string `json:"file"`
	BugType        string `json:"bug_type"`
	LineNumber     int    `json:"line_number"`
	CommitMessage  string `json:"commit_message"`
	Status         string `json:"status"`
	Description    string `json:"description,omitempty"`
	FixDescription string `json:"fix_description,omitempty"`
}

// TimelineEntry is one verification pass in the agent's repair loop.
type TimelineEntry struct {
	Iteration       int       `json:"iteration"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	ErrorsRemaining int       `json:"errors_remaining"`
}

// Summary totals what the agent found and repaired.
type Summary struct {
	TotalFailuresDetected int `json:"total_failures_detected"`
	TotalFixesApplied     int `json:"total_fixes_applied"`
	TotalFixesFailed      int `json:"total_fixes_failed"`
}

// Timing summarizes how long a run took and how much of the iteration
// budget it used.
type Timing struct {
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	TotalTimeSeconds float64   `json:"total_time_seconds"`
	IterationsUsed   int       `json:"iterations_used"`
	MaxIterations    int       `json:"max_iterations"`
}

// Run is one pipeline execution. Identity and inputs are set at creation
// and never change; everything else is mutated only through the Registry.
type Run struct {
	ID            string
	RepoURL       string
	TeamName      string
	LeaderName    string
	BranchName    string
	Workspace     string
	MaxIterations int

	Status       Status
	CreatedAt    time.Time
	StartedAt    time.Time
	EndedAt      time.Time
	ErrorMessage string

	CommitCount int
	Forked      bool
	ForkURL     string

	Fixes    []Fix
	Timeline []TimelineEntry
	Summary  *Summary
	Score    *score.Score
	Timing   *Timing

	Events []Event
}

// NewRunID returns a short random run identifier, eight hex characters.
func NewRunID() string {
	return uuid.NewString()[:8]
}
