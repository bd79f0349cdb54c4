// Package gitx implements the repository operations a run pipeline needs:
// clone, branch, commit, push, and the fork-fallback recovery for pushes
// rejected by repositories the credential cannot write to.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Corvid-Labs/fixstream/internal/config"
	"github.com/Corvid-Labs/fixstream/internal/logger"
)

const primaryRemote = "origin"

var (
	// ErrCloneTimeout indicates the clone exceeded its configured timeout.
	ErrCloneTimeout = errors.New("git clone timed out")

	// ErrRepoNotFound indicates the remote rejected the clone because the
	// repository does not exist or is not visible to the credential.
	ErrRepoNotFound = errors.New("repository not found")

	// ErrMissingToken indicates the fork fallback was needed but no write
	// credential is configured.
	ErrMissingToken = errors.New("no access token configured")
)

// permissionDeniedPatterns are matched case-insensitively against push
// output to decide whether the fork fallback applies.
var permissionDeniedPatterns = []string{
	"permission denied",
	"permission to",
	"403",
	"401",
	"authentication failed",
	"access denied",
	"protected branch",
}

// PushError carries the output of a failed push so callers can decide
// whether the fork fallback applies.
type PushError struct {
	Remote string
	Branch string
	Output string
	Err    error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("git push to %s %s failed: %v\nOutput: %s", e.Remote, e.Branch, e.Err, e.Output)
}

func (e *PushError) Unwrap() error { return e.Err }

// PermissionDenied reports whether the push output indicates the caller
// lacks write access, as opposed to a transport or ref failure.
func (e *PushError) PermissionDenied() bool {
	text := strings.ToLower(e.Output + " " + e.Err.Error())
	for _, pattern := range permissionDeniedPatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// PushResult describes where a branch ended up after PushWithForkFallback.
type PushResult struct {
	// Forked is true when the branch landed on a fork instead of the
	// primary remote.
	Forked bool

	// ForkURL is the fork's clone URL when Forked is true.
	ForkURL string
}

// ForkCreator creates (or finds) a fork of owner/name and returns the
// fork's clone URL.
type ForkCreator interface {
	CreateFork(ctx context.Context, owner, name string) (string, error)
}

// Git runs repository operations. Methods are safe for concurrent use
// across distinct working directories.
type Git struct {
	cfg    config.GitConfig
	runner CommandRunner
	forks  ForkCreator
	log    *logger.Logger
}

// New constructs a Git. A nil runner falls back to the git binary; forks
// may be nil when the fork fallback is not needed.
func New(cfg config.GitConfig, runner CommandRunner, forks ForkCreator) *Git {
	if runner == nil {
		runner = NewCommandRunner()
	}
	return &Git{
		cfg:    cfg,
		runner: runner,
		forks:  forks,
		log:    logger.GetLogger().WithField("component", "gitx"),
	}
}

// Clone clones repoURL into dir, injecting the configured access token
// into the remote URL when one is present.
func (g *Git) Clone(ctx context.Context, repoURL, dir string) error {
	cloneURL := repoURL
	if g.cfg.Token != "" {
		authed, err := AuthenticatedURL(repoURL, g.cfg.Token)
		if err != nil {
			return err
		}
		cloneURL = authed
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CloneTimeout)
	defer cancel()

	args := []string{"clone"}
	if g.cfg.CloneDepth > 0 {
		args = append(args, "--depth", strconv.Itoa(g.cfg.CloneDepth))
	}
	args = append(args, cloneURL, dir)

	g.log.WithFields(map[string]interface{}{
		"url": SanitizeURL(repoURL),
		"dir": dir,
	}).Debug("cloning repository")

	output, err := g.runner.Run(ctx, "", args...)
	if err != nil {
		return g.classifyCloneError(ctx, err, output)
	}
	return nil
}

func (g *Git) classifyCloneError(ctx context.Context, err error, output []byte) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrCloneTimeout, g.cfg.CloneTimeout)
	}

	text := strings.ToLower(string(output))
	if strings.Contains(text, "not found") ||
		strings.Contains(text, "404") ||
		strings.Contains(text, "does not exist") {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, SanitizeURL(strings.TrimSpace(string(output))))
	}

	return fmt.Errorf("git clone failed: %w\nOutput: %s", err, SanitizeURL(string(output)))
}

// CreateBranch creates and checks out branch in dir.
func (g *Git) CreateBranch(ctx context.Context, dir, branch string) error {
	ctx, cancel := g.commandContext(ctx)
	defer cancel()

	output, err := g.runner.Run(ctx, dir, "checkout", "-b", branch)
	if err != nil {
		return fmt.Errorf("failed to create branch %s: %w\nOutput: %s", branch, err, output)
	}
	return nil
}

// ModifiedFileCount reports how many paths differ from HEAD, staged or not.
func (g *Git) ModifiedFileCount(ctx context.Context, dir string) (int, error) {
	ctx, cancel := g.commandContext(ctx)
	defer cancel()

	output, err := g.runner.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return 0, fmt.Errorf("git status failed: %w\nOutput: %s", err, output)
	}

	count := 0
	for _, line := range strings.Split(string(output), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}

// CommitPath stages one path and commits it with the configured identity.
// Returns false without error when staging produced nothing to commit.
func (g *Git) CommitPath(ctx context.Context, dir, path, message string) (bool, error) {
	return g.commit(ctx, dir, path, message)
}

// CommitAll stages every pending change and commits. Returns false without
// error when the tree is clean.
func (g *Git) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	return g.commit(ctx, dir, ".", message)
}

func (g *Git) commit(ctx context.Context, dir, pathspec, message string) (bool, error) {
	ctx, cancel := g.commandContext(ctx)
	defer cancel()

	if output, err := g.runner.Run(ctx, dir, "add", "--", pathspec); err != nil {
		return false, fmt.Errorf("git add failed: %w\nOutput: %s", err, output)
	}

	// diff --cached --quiet exits 0 when nothing is staged. A nonzero exit
	// falls through to the commit, which surfaces real failures itself.
	if _, err := g.runner.Run(ctx, dir, "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}

	args := []string{
		"-c", "user.name=" + g.cfg.UserName,
		"-c", "user.email=" + g.cfg.UserEmail,
		"commit", "-m", message,
	}
	if output, err := g.runner.Run(ctx, dir, args...); err != nil {
		return false, fmt.Errorf("git commit failed: %w\nOutput: %s", err, output)
	}
	return true, nil
}

// Push pushes branch to remote. force requests a forced ref update.
func (g *Git) Push(ctx context.Context, dir, remote, branch string, force bool) error {
	ctx, cancel := g.commandContext(ctx)
	defer cancel()

	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, remote, branch)

	output, err := g.runner.Run(ctx, dir, args...)
	if err != nil {
		return &PushError{
			Remote: remote,
			Branch: branch,
			Output: SanitizeURL(string(output)),
			Err:    err,
		}
	}
	return nil
}

// SetRemote points a named remote at rawURL, adding it or updating the URL
// when the remote already exists from a previous attempt.
func (g *Git) SetRemote(ctx context.Context, dir, name, rawURL string) error {
	ctx, cancel := g.commandContext(ctx)
	defer cancel()

	output, err := g.runner.Run(ctx, dir, "remote", "add", name, rawURL)
	if err == nil {
		return nil
	}
	if !strings.Contains(strings.ToLower(string(output)), "already exists") {
		return fmt.Errorf("git remote add %s failed: %w\nOutput: %s", name, err, SanitizeURL(string(output)))
	}

	if output, err := g.runner.Run(ctx, dir, "remote", "set-url", name, rawURL); err != nil {
		return fmt.Errorf("git remote set-url %s failed: %w\nOutput: %s", name, err, SanitizeURL(string(output)))
	}
	return nil
}

// RemoteURL reads the URL configured for a named remote.
func (g *Git) RemoteURL(ctx context.Context, dir, name string) (string, error) {
	ctx, cancel := g.commandContext(ctx)
	defer cancel()

	output, err := g.runner.Run(ctx, dir, "remote", "get-url", name)
	if err != nil {
		return "", fmt.Errorf("git remote get-url %s failed: %w\nOutput: %s", name, err, output)
	}
	return strings.TrimSpace(string(output)), nil
}

// PushWithForkFallback pushes branch to the primary remote and, when the
// push is rejected for lack of write access, forks the repository and
// force-pushes the branch there instead.
//
// Only a permission denial triggers the fallback. Any other push failure,
// and any failure inside the fallback itself, propagates to the caller.
func (g *Git) PushWithForkFallback(ctx context.Context, dir, repoURL, branch string) (PushResult, error) {
	err := g.Push(ctx, dir, primaryRemote, branch, false)
	if err == nil {
		return PushResult{}, nil
	}

	var pushErr *PushError
	if !errors.As(err, &pushErr) || !pushErr.PermissionDenied() {
		return PushResult{}, err
	}

	g.log.WithField("branch", branch).Info("primary push rejected, attempting fork fallback")

	if g.cfg.Token == "" {
		return PushResult{}, fmt.Errorf("fork fallback unavailable: %w", ErrMissingToken)
	}
	if g.forks == nil {
		return PushResult{}, fmt.Errorf("fork fallback unavailable: no fork client configured")
	}

	owner, name, rerr := g.resolveRepo(ctx, dir, repoURL)
	if rerr != nil {
		return PushResult{}, fmt.Errorf("fork fallback could not resolve repository: %w", rerr)
	}

	forkURL, ferr := g.forks.CreateFork(ctx, owner, name)
	if ferr != nil {
		return PushResult{}, fmt.Errorf("fork creation failed: %w", ferr)
	}

	// A freshly created fork is not immediately push-ready.
	if werr := g.settle(ctx); werr != nil {
		return PushResult{}, werr
	}

	authedFork, aerr := AuthenticatedURL(forkURL, g.cfg.Token)
	if aerr != nil {
		return PushResult{}, fmt.Errorf("invalid fork URL: %w", aerr)
	}
	if serr := g.SetRemote(ctx, dir, g.cfg.ForkRemote, authedFork); serr != nil {
		return PushResult{}, serr
	}

	if perr := g.Push(ctx, dir, g.cfg.ForkRemote, branch, true); perr != nil {
		return PushResult{}, fmt.Errorf("push to fork failed: %w", perr)
	}

	g.log.WithFields(map[string]interface{}{
		"branch": branch,
		"fork":   SanitizeURL(forkURL),
	}).Info("branch pushed to fork")

	return PushResult{Forked: true, ForkURL: forkURL}, nil
}

// resolveRepo extracts owner/name from the provided URL, falling back to
// the primary remote's configured URL.
func (g *Git) resolveRepo(ctx context.Context, dir, repoURL string) (string, string, error) {
	if repoURL != "" {
		if owner, name, err := SplitRepoPath(repoURL, g.cfg.Host); err == nil {
			return owner, name, nil
		}
	}

	originURL, err := g.RemoteURL(ctx, dir, primaryRemote)
	if err != nil {
		return "", "", err
	}
	return SplitRepoPath(originURL, g.cfg.Host)
}

func (g *Git) settle(ctx context.Context) error {
	if g.cfg.ForkSettleWait <= 0 {
		return nil
	}
	timer := time.NewTimer(g.cfg.ForkSettleWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Git) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.CommandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.cfg.CommandTimeout)
}
