package gitx

import (
	"context"
	"os/exec"
)

// CommandRunner executes a git command in a working directory and returns
// its combined output. It exists so tests can substitute a scripted git.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

type execRunner struct{}

// NewCommandRunner returns a CommandRunner backed by the git binary on PATH.
func NewCommandRunner() CommandRunner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
