// Package agent invokes the external fix agent as a subprocess and decodes
// its line-oriented progress protocol. The agent receives a configuration
// artifact, streams one JSON message per stdout line while it works, and
// must leave a results artifact in the workspace before exiting.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Corvid-Labs/fixstream/internal/config"
	"github.com/Corvid-Labs/fixstream/internal/logger"
)

// Artifact names within a run's workspace.
const (
	ConfigFileName  = "config.json"
	ResultsFileName = "results.json"
)

// Config is the artifact handed to the agent before spawn.
type Config struct {
	RunID          string `json:"run_id"`
	RepoPath       string `json:"repo_path"`
	RepoURL        string `json:"repo_url"`
	TeamName       string `json:"team_name"`
	LeaderName     string `json:"leader_name"`
	BranchName     string `json:"branch_name"`
	MaxIterations  int    `json:"max_iterations"`
	ResultsPath    string `json:"results_path"`
	SandboxImage   string `json:"sandbox_image,omitempty"`
	SandboxTimeout int    `json:"sandbox_timeout_seconds,omitempty"`
}

// Invocation identifies one agent execution. MaxIterations above zero
// overrides the configured default for this run only.
type Invocation struct {
	RunID         string
	Workspace     string
	RepoPath      string
	RepoURL       string
	TeamName      string
	LeaderName    string
	BranchName    string
	MaxIterations int
}

// ProcessSpec describes the subprocess to start.
type ProcessSpec struct {
	Command []string
	Dir     string
	Stdout  io.Writer
	Stderr  io.Writer
}

// CommandRunner abstracts process execution for tests.
type CommandRunner interface {
	Run(ctx context.Context, spec ProcessSpec) error
}

type execProcessRunner struct{}

func (execProcessRunner) Run(ctx context.Context, spec ProcessSpec) error {
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	return cmd.Run()
}

// Runner spawns the agent subprocess for runs.
type Runner struct {
	cfg    config.AgentConfig
	runner CommandRunner
	log    *logger.Logger
}

// NewRunner builds a Runner. A nil commandRunner falls back to real
// process execution.
func NewRunner(cfg config.AgentConfig, commandRunner CommandRunner) *Runner {
	if commandRunner == nil {
		commandRunner = execProcessRunner{}
	}
	return &Runner{
		cfg:    cfg,
		runner: commandRunner,
		log:    logger.GetLogger().WithField("component", "agent"),
	}
}

// Invoke writes the configuration artifact, runs the agent to completion,
// forwarding each protocol message to sink as it arrives, and loads the
// results artifact. A nonzero exit, a cancelled context, or a missing or
// invalid artifact after a zero exit are all failures; messages already
// delivered to sink stay delivered.
func (r *Runner) Invoke(ctx context.Context, inv Invocation, sink Sink) (*Results, error) {
	log := r.log.WithField("run_id", inv.RunID)

	configPath := filepath.Join(inv.Workspace, ConfigFileName)
	resultsPath := filepath.Join(inv.Workspace, ResultsFileName)

	maxIterations := inv.MaxIterations
	if maxIterations <= 0 {
		maxIterations = r.cfg.MaxIterations
	}

	agentConfig := Config{
		RunID:          inv.RunID,
		RepoPath:       inv.RepoPath,
		RepoURL:        inv.RepoURL,
		TeamName:       inv.TeamName,
		LeaderName:     inv.LeaderName,
		BranchName:     inv.BranchName,
		MaxIterations:  maxIterations,
		ResultsPath:    resultsPath,
		SandboxImage:   r.cfg.SandboxImage,
		SandboxTimeout: int(r.cfg.SandboxTimeout.Seconds()),
	}
	if err := writeConfigArtifact(configPath, agentConfig); err != nil {
		return nil, err
	}

	argv := make([]string, 0, len(r.cfg.Command)+2)
	argv = append(argv, r.cfg.Command...)
	argv = append(argv, "--config", configPath)

	stdout := NewMessageWriter(sink, log)
	stderr := newLineWriter(func(line []byte) {
		log.Debugf("agent: %s", string(line))
	})

	log.WithField("command", argv[0]).Info("starting agent process")

	runErr := r.runner.Run(ctx, ProcessSpec{
		Command: argv,
		Dir:     inv.Workspace,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	stdout.Flush()
	stderr.Flush()

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("agent timed out: %w", runErr)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("agent cancelled: %w", runErr)
		}
		return nil, fmt.Errorf("agent process failed: %w", runErr)
	}

	results, err := LoadResults(resultsPath)
	if err != nil {
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"ci_status":  results.CIStatus,
		"fixes":      len(results.Fixes),
		"iterations": results.IterationsUsed,
	}).Info("agent finished")

	return results, nil
}

func writeConfigArtifact(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode agent config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write agent config: %w", err)
	}
	return nil
}
