// Package pipeline drives a run through its ordered phases: clone, branch,
// agent, commit, push, finalize. Phases execute strictly sequentially for
// one run; distinct runs proceed independently and share nothing but the
// registry.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Corvid-Labs/fixstream/internal/agent"
	"github.com/Corvid-Labs/fixstream/internal/config"
	"github.com/Corvid-Labs/fixstream/internal/faults"
	"github.com/Corvid-Labs/fixstream/internal/gitx"
	"github.com/Corvid-Labs/fixstream/internal/logger"
	"github.com/Corvid-Labs/fixstream/internal/run"
	"github.com/Corvid-Labs/fixstream/internal/score"
)

// commitPrefix marks every commit the pipeline creates on a fix branch.
const commitPrefix = "[AI-AGENT]"

// GitOperations is the slice of gitx the orchestrator needs.
type GitOperations interface {
	Clone(ctx context.Context, repoURL, dir string) error
	CreateBranch(ctx context.Context, dir, branch string) error
	ModifiedFileCount(ctx context.Context, dir string) (int, error)
	CommitPath(ctx context.Context, dir, path, message string) (bool, error)
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	PushWithForkFallback(ctx context.Context, dir, repoURL, branch string) (gitx.PushResult, error)
}

// AgentInvoker runs the external fix agent to completion.
type AgentInvoker interface {
	Invoke(ctx context.Context, inv agent.Invocation, sink agent.Sink) (*agent.Results, error)
}

// Orchestrator executes runs. It owns no run state itself; everything
// lives in the registry.
type Orchestrator struct {
	reg   *run.Registry
	git   GitOperations
	agent AgentInvoker
	cfg   *config.Config
	log   *logger.Logger
}

// New builds an Orchestrator.
func New(reg *run.Registry, git GitOperations, agentInvoker AgentInvoker, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		reg:   reg,
		git:   git,
		agent: agentInvoker,
		cfg:   cfg,
		log:   logger.GetLogger().WithField("component", "pipeline"),
	}
}

// Start launches a run's execution in the background and returns
// immediately. The run is bounded by the configured maximum duration;
// when it elapses the agent process is killed and the run errors out.
func (o *Orchestrator) Start(runID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Agent.MaxRunDuration)
		defer cancel()
		o.Execute(ctx, runID)
	}()
}

// Execute drives one run to a terminal state. Every failure is absorbed
// here: the run ends in status error with a terminal error event, and the
// process keeps serving other runs.
func (o *Orchestrator) Execute(ctx context.Context, runID string) {
	log := o.log.WithField("run_id", runID)
	startedAt := time.Now().UTC()

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("pipeline panic: %v", rec)
			o.failRun(runID, faults.Internal(fmt.Errorf("%v", rec), "run failed unexpectedly"))
		}
	}()

	snapshot, ok := o.reg.Get(runID)
	if !ok {
		log.Error("run vanished before execution")
		return
	}
	if !o.reg.SetStatus(runID, run.StatusRunning) {
		log.Error("run not in a startable state")
		return
	}
	o.reg.Update(runID, func(r *run.Run) { r.StartedAt = startedAt })

	workspace := snapshot.Workspace
	if workspace == "" {
		workspace = filepath.Join(o.cfg.WorkDir, runID)
		o.reg.Update(runID, func(r *run.Run) { r.Workspace = workspace })
	}
	repoPath := filepath.Join(workspace, "repo")

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		o.failRun(runID, faults.Infrastructure(err, "failed to create workspace"))
		return
	}

	// Phase 1: clone.
	o.progress(runID, "clone", "Cloning repository", nil)
	if err := o.git.Clone(ctx, snapshot.RepoURL, repoPath); err != nil {
		o.failRun(runID, faults.Infrastructure(err, "failed to clone repository"))
		return
	}
	o.progress(runID, "clone", "Repository cloned", nil)

	// Phase 2: fix branch.
	o.progress(runID, "branch", "Creating fix branch", map[string]interface{}{
		"branch_name": snapshot.BranchName,
	})
	if err := o.git.CreateBranch(ctx, repoPath, snapshot.BranchName); err != nil {
		o.failRun(runID, faults.Infrastructure(err, "failed to create branch"))
		return
	}

	// Phase 3: agent. Protocol messages stream straight into the event
	// log; everything emitted before a failure stays visible.
	o.progress(runID, "agent", "Starting fix agent", nil)
	results, err := o.agent.Invoke(ctx, agent.Invocation{
		RunID:         runID,
		Workspace:     workspace,
		RepoPath:      repoPath,
		RepoURL:       snapshot.RepoURL,
		TeamName:      snapshot.TeamName,
		LeaderName:    snapshot.LeaderName,
		BranchName:    snapshot.BranchName,
		MaxIterations: snapshot.MaxIterations,
	}, func(msg agent.Message) {
		o.forwardAgentMessage(runID, msg)
	})
	if err != nil {
		o.failRun(runID, faults.Agent(err, "fix agent failed"))
		return
	}
	o.progress(runID, "agent", "Agent completed", map[string]interface{}{
		"ci_status":  results.CIStatus,
		"iterations": results.IterationsUsed,
	})

	// Phase 4: commit. A clean tree is a legitimate outcome: zero fixes,
	// zero commits, and the push phase never runs.
	commitCount := 0
	modified, err := o.git.ModifiedFileCount(ctx, repoPath)
	if err != nil {
		o.failRun(runID, faults.Infrastructure(err, "failed to inspect working tree"))
		return
	}

	pushed := gitx.PushResult{}
	if modified == 0 {
		o.progress(runID, "commit", "No files modified, skipping commit and push", nil)
	} else {
		o.progress(runID, "commit", "Committing fixes", map[string]interface{}{
			"modified_files": modified,
		})
		commitCount, err = o.commitFixes(ctx, repoPath, results.Fixes)
		if err != nil {
			o.failRun(runID, faults.Infrastructure(err, "failed to commit fixes"))
			return
		}
		o.progress(runID, "commit", fmt.Sprintf("Created %d commit(s)", commitCount), nil)

		// Phase 5: push, with fork fallback on permission denial.
		o.progress(runID, "push", "Pushing branch", map[string]interface{}{
			"branch_name": snapshot.BranchName,
		})
		pushed, err = o.git.PushWithForkFallback(ctx, repoPath, snapshot.RepoURL, snapshot.BranchName)
		if err != nil {
			o.failRun(runID, faults.Infrastructure(err, "failed to push branch"))
			return
		}
		if pushed.Forked {
			o.progress(runID, "push", "Branch pushed to fork", map[string]interface{}{
				"fork_url": pushed.ForkURL,
			})
		} else {
			o.progress(runID, "push", "Branch pushed", nil)
		}
	}

	// Phase 6: finalize. The agent's reported outcome alone decides
	// passed/failed; the score uses the orchestrator's own measurements.
	elapsed := time.Since(startedAt)
	finalScore := score.Calculate(
		results.Summary.TotalFailuresDetected,
		results.Summary.TotalFixesApplied,
		elapsed.Milliseconds(),
		commitCount,
	)

	status := run.StatusFailed
	if results.CIStatus == agent.CIStatusPassed {
		status = run.StatusPassed
	}

	endedAt := time.Now().UTC()
	o.reg.Finalize(runID, status, func(r *run.Run) {
		r.Fixes = results.Fixes
		r.Timeline = results.Timeline
		r.Summary = &results.Summary
		r.Score = &finalScore
		r.Timing = &run.Timing{
			StartedAt:        startedAt,
			EndedAt:          endedAt,
			TotalTimeSeconds: elapsed.Seconds(),
			IterationsUsed:   results.IterationsUsed,
			MaxIterations:    results.MaxIterations,
		}
		r.CommitCount = commitCount
		r.Forked = pushed.Forked
		r.ForkURL = pushed.ForkURL
	})

	o.reg.AppendEvent(runID, run.EventComplete, map[string]interface{}{
		"status":      string(status),
		"ci_status":   results.CIStatus,
		"final_score": finalScore.FinalScore,
		"branch_name": snapshot.BranchName,
		"commits":     commitCount,
		"forked":      pushed.Forked,
	})

	log.WithFields(map[string]interface{}{
		"status":   string(status),
		"score":    finalScore.FinalScore,
		"duration": elapsed.String(),
	}).Info("run finished")
}

// commitFixes creates one commit per successfully applied fix, then a
// catch-all commit for anything the per-fix passes left behind. A per-fix
// commit that cannot stage its path degrades to the catch-all rather than
// failing the run.
func (o *Orchestrator) commitFixes(ctx context.Context, repoPath string, fixes []run.Fix) (int, error) {
	count := 0
	for _, fix := range fixes {
		if fix.Status != "fixed" || fix.File == "" {
			continue
		}
		message := fix.CommitMessage
		if message == "" {
			message = fmt.Sprintf("%s Fix %s", commitPrefix, fix.File)
		}
		committed, err := o.git.CommitPath(ctx, repoPath, fix.File, message)
		if err != nil {
			o.log.WithField("file", fix.File).Warnf("per-fix commit failed: %v", err)
			continue
		}
		if committed {
			count++
		}
	}

	committed, err := o.git.CommitAll(ctx, repoPath, commitPrefix+" Apply remaining fixes")
	if err != nil {
		return count, err
	}
	if committed {
		count++
	}
	return count, nil
}

// forwardAgentMessage appends a protocol message to the run's event log.
// Message types outside the event vocabulary are logged and dropped.
func (o *Orchestrator) forwardAgentMessage(runID string, msg agent.Message) {
	switch msg.Type {
	case run.EventProgress, run.EventFix, run.EventIteration:
		o.reg.AppendEvent(runID, msg.Type, msg.Data)
	default:
		o.log.WithFields(map[string]interface{}{
			"run_id": runID,
			"type":   msg.Type,
		}).Debug("dropping agent message with unknown type")
	}
}

func (o *Orchestrator) progress(runID, phase, message string, extra map[string]interface{}) {
	data := map[string]interface{}{
		"phase":   phase,
		"message": message,
	}
	for k, v := range extra {
		data[k] = v
	}
	o.reg.AppendEvent(runID, run.EventProgress, data)
}

// failRun converts any pipeline failure into a terminal error state plus a
// typed error event, keeping partial progress visible.
func (o *Orchestrator) failRun(runID string, err error) {
	message := faults.UserMessage(err)
	if message == "" {
		message = err.Error()
	}

	o.log.WithFields(map[string]interface{}{
		"run_id": runID,
		"kind":   string(faults.KindOf(err)),
	}).Errorf("run failed: %v", err)

	o.reg.Finalize(runID, run.StatusError, func(r *run.Run) {
		r.ErrorMessage = message
	})
	o.reg.AppendEvent(runID, run.EventError, map[string]interface{}{
		"error": message,
		"kind":  string(faults.KindOf(err)),
	})
}
