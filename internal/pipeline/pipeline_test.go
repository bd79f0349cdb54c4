package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Corvid-Labs/fixstream/internal/agent"
	"github.com/Corvid-Labs/fixstream/internal/config"
	"github.com/Corvid-Labs/fixstream/internal/gitx"
	"github.com/Corvid-Labs/fixstream/internal/run"
)

// MockGit mocks the GitOperations interface
type MockGit struct {
	mock.Mock
}

func (m *MockGit) Clone(ctx context.Context, repoURL, dir string) error {
	args := m.Called(ctx, repoURL, dir)
	return args.Error(0)
}

func (m *MockGit) CreateBranch(ctx context.Context, dir, branch string) error {
	args := m.Called(ctx, dir, branch)
	return args.Error(0)
}

func (m *MockGit) ModifiedFileCount(ctx context.Context, dir string) (int, error) {
	args := m.Called(ctx, dir)
	return args.Int(0), args.Error(1)
}

func (m *MockGit) CommitPath(ctx context.Context, dir, path, message string) (bool, error) {
	args := m.Called(ctx, dir, path, message)
	return args.Bool(0), args.Error(1)
}

func (m *MockGit) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	args := m.Called(ctx, dir, message)
	return args.Bool(0), args.Error(1)
}

func (m *MockGit) PushWithForkFallback(ctx context.Context, dir, repoURL, branch string) (gitx.PushResult, error) {
	args := m.Called(ctx, dir, repoURL, branch)
	return args.Get(0).(gitx.PushResult), args.Error(1)
}

// MockAgent mocks the AgentInvoker interface
type MockAgent struct {
	mock.Mock
}

func (m *MockAgent) Invoke(ctx context.Context, inv agent.Invocation, sink agent.Sink) (*agent.Results, error) {
	args := m.Called(ctx, inv, sink)
	var results *agent.Results
	if r := args.Get(0); r != nil {
		results = r.(*agent.Results)
	}
	return results, args.Error(1)
}

// agentFunc adapts a function to the AgentInvoker interface
type agentFunc func(ctx context.Context, inv agent.Invocation, sink agent.Sink) (*agent.Results, error)

func (f agentFunc) Invoke(ctx context.Context, inv agent.Invocation, sink agent.Sink) (*agent.Results, error) {
	return f(ctx, inv, sink)
}

func testPipelineConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WorkDir: t.TempDir(),
		Agent: config.AgentConfig{
			Command:        []string{"python3", "agent.py"},
			MaxIterations:  5,
			MaxRunDuration: time.Minute,
		},
	}
}

func createRun(t *testing.T, reg *run.Registry) string {
	t.Helper()
	r := &run.Run{
		ID:         run.NewRunID(),
		RepoURL:    "https://github.com/acme/site",
		TeamName:   "Acme",
		LeaderName: "Lee",
		BranchName: "ACME_LEE_AI_Fix",
	}
	require.NoError(t, reg.Create(r))
	return r.ID
}

func passedResults() *agent.Results {
	return &agent.Results{
		CIStatus:       agent.CIStatusPassed,
		AllTestsPassed: true,
		IterationsUsed: 2,
		MaxIterations:  5,
		Summary:        run.Summary{TotalFailuresDetected: 2, TotalFixesApplied: 2},
		Fixes: []run.Fix{
			{File: "src/a.py", BugType: "IMPORT", Status: "fixed", CommitMessage: "[AI-AGENT] Fix import"},
			{File: "src/b.py", BugType: "SYNTAX", Status: "fixed", CommitMessage: "[AI-AGENT] Fix syntax"},
			{File: "src/c.py", BugType: "LOGIC", Status: "failed"},
		},
		Timeline: []run.TimelineEntry{
			{Iteration: 1, Status: "FAILED", ErrorsRemaining: 2},
			{Iteration: 2, Status: "PASSED", ErrorsRemaining: 0},
		},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	reg := run.NewRegistry(64)
	id := createRun(t, reg)
	git := &MockGit{}
	agentMock := &MockAgent{}

	git.On("Clone", mock.Anything, "https://github.com/acme/site", mock.Anything).Return(nil)
	git.On("CreateBranch", mock.Anything, mock.Anything, "ACME_LEE_AI_Fix").Return(nil)
	agentMock.On("Invoke", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			sink := args.Get(2).(agent.Sink)
			sink(agent.Message{Type: "progress", Data: map[string]interface{}{"message": "analyzing"}})
			sink(agent.Message{Type: "fix", Data: map[string]interface{}{"file": "src/a.py"}})
		}).
		Return(passedResults(), nil)
	git.On("ModifiedFileCount", mock.Anything, mock.Anything).Return(3, nil)
	git.On("CommitPath", mock.Anything, mock.Anything, "src/a.py", "[AI-AGENT] Fix import").Return(true, nil)
	git.On("CommitPath", mock.Anything, mock.Anything, "src/b.py", "[AI-AGENT] Fix syntax").Return(true, nil)
	git.On("CommitAll", mock.Anything, mock.Anything, "[AI-AGENT] Apply remaining fixes").Return(true, nil)
	git.On("PushWithForkFallback", mock.Anything, mock.Anything, "https://github.com/acme/site", "ACME_LEE_AI_Fix").
		Return(gitx.PushResult{}, nil)

	orch := New(reg, git, agentMock, testPipelineConfig(t))
	orch.Execute(context.Background(), id)

	got, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, run.StatusPassed, got.Status)
	assert.Equal(t, 3, got.CommitCount)
	assert.False(t, got.Forked)

	require.NotNil(t, got.Score)
	assert.Equal(t, 110, got.Score.FinalScore)

	require.NotNil(t, got.Timing)
	assert.Equal(t, 2, got.Timing.IterationsUsed)
	assert.Equal(t, 5, got.Timing.MaxIterations)
	assert.False(t, got.StartedAt.IsZero())

	require.NotNil(t, got.Summary)
	assert.Equal(t, 2, got.Summary.TotalFixesApplied)

	assert.Len(t, got.Fixes, 3)
	assert.Len(t, got.Timeline, 2)

	require.NotEmpty(t, got.Events)
	last := got.Events[len(got.Events)-1]
	assert.Equal(t, run.EventComplete, last.Type)
	assert.Equal(t, "passed", last.Data["status"])
	assert.Equal(t, 110, last.Data["final_score"])

	for i, event := range got.Events {
		assert.Equal(t, int64(i+1), event.Seq, "event log must be gapless")
	}

	git.AssertExpectations(t)
	agentMock.AssertExpectations(t)
}

func TestExecuteCloneFailureIsFatal(t *testing.T) {
	reg := run.NewRegistry(64)
	id := createRun(t, reg)
	git := &MockGit{}
	agentMock := &MockAgent{}

	git.On("Clone", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("fatal: unable to access: network is unreachable"))

	orch := New(reg, git, agentMock, testPipelineConfig(t))
	orch.Execute(context.Background(), id)

	got, _ := reg.Get(id)
	assert.Equal(t, run.StatusError, got.Status)
	assert.Equal(t, "failed to clone repository", got.ErrorMessage)
	assert.Nil(t, got.Score, "errored runs never carry a score")
	assert.Nil(t, got.Timing)

	last := got.Events[len(got.Events)-1]
	assert.Equal(t, run.EventError, last.Type)
	assert.Equal(t, "failed to clone repository", last.Data["error"])
	assert.Equal(t, "infrastructure", last.Data["kind"])

	agentMock.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteAgentFailureKeepsEarlierEvents(t *testing.T) {
	reg := run.NewRegistry(64)
	id := createRun(t, reg)
	git := &MockGit{}
	agentMock := &MockAgent{}

	git.On("Clone", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	git.On("CreateBranch", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	agentMock.On("Invoke", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			sink := args.Get(2).(agent.Sink)
			sink(agent.Message{Type: "progress", Data: map[string]interface{}{"message": "iteration 1"}})
		}).
		Return(nil, errors.New("exit status 2"))

	orch := New(reg, git, agentMock, testPipelineConfig(t))
	orch.Execute(context.Background(), id)

	got, _ := reg.Get(id)
	assert.Equal(t, run.StatusError, got.Status)
	assert.Equal(t, "fix agent failed", got.ErrorMessage)

	var sawAgentProgress bool
	for _, event := range got.Events {
		if event.Type == run.EventProgress && event.Data["message"] == "iteration 1" {
			sawAgentProgress = true
		}
	}
	assert.True(t, sawAgentProgress, "events emitted before the failure stay visible")

	last := got.Events[len(got.Events)-1]
	assert.Equal(t, run.EventError, last.Type)
	assert.Equal(t, "agent", last.Data["kind"])

	git.AssertNotCalled(t, "ModifiedFileCount", mock.Anything, mock.Anything)
}

func TestExecuteZeroModifiedFilesSkipsCommitAndPush(t *testing.T) {
	reg := run.NewRegistry(64)
	id := createRun(t, reg)
	git := &MockGit{}
	agentMock := &MockAgent{}

	results := passedResults()
	results.Fixes = nil
	results.Summary = run.Summary{TotalFailuresDetected: 0, TotalFixesApplied: 0}

	git.On("Clone", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	git.On("CreateBranch", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	agentMock.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
	git.On("ModifiedFileCount", mock.Anything, mock.Anything).Return(0, nil)

	orch := New(reg, git, agentMock, testPipelineConfig(t))
	orch.Execute(context.Background(), id)

	got, _ := reg.Get(id)
	assert.Equal(t, run.StatusPassed, got.Status)
	assert.Equal(t, 0, got.CommitCount)

	// Nothing to publish means the push phase never runs.
	git.AssertNotCalled(t, "CommitPath", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	git.AssertNotCalled(t, "CommitAll", mock.Anything, mock.Anything, mock.Anything)
	git.AssertNotCalled(t, "PushWithForkFallback", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	require.NotNil(t, got.Score)
	assert.Equal(t, 110, got.Score.FinalScore, "zero detected issues scores full accuracy")
}

func TestExecuteAgentOutcomeDecidesTerminalStatus(t *testing.T) {
	reg := run.NewRegistry(64)
	id := createRun(t, reg)
	git := &MockGit{}
	agentMock := &MockAgent{}

	results := passedResults()
	results.CIStatus = agent.CIStatusFailed
	results.AllTestsPassed = false
	results.Fixes = nil
	results.Summary = run.Summary{TotalFailuresDetected: 2, TotalFixesApplied: 1, TotalFixesFailed: 1}

	git.On("Clone", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	git.On("CreateBranch", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	agentMock.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
	git.On("ModifiedFileCount", mock.Anything, mock.Anything).Return(1, nil)
	git.On("CommitAll", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	git.On("PushWithForkFallback", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(gitx.PushResult{Forked: true, ForkURL: "https://github.com/bot/site.git"}, nil)

	orch := New(reg, git, agentMock, testPipelineConfig(t))
	orch.Execute(context.Background(), id)

	got, _ := reg.Get(id)
	// The push went through (via fork), but the agent's verdict wins.
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.True(t, got.Forked)
	assert.Equal(t, "https://github.com/bot/site.git", got.ForkURL)

	require.NotNil(t, got.Score)
	assert.Equal(t, 60, got.Score.FinalScore)
}

func TestExecutePushFailureIsFatal(t *testing.T) {
	reg := run.NewRegistry(64)
	id := createRun(t, reg)
	git := &MockGit{}
	agentMock := &MockAgent{}

	git.On("Clone", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	git.On("CreateBranch", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	agentMock.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return(passedResults(), nil)
	git.On("ModifiedFileCount", mock.Anything, mock.Anything).Return(2, nil)
	git.On("CommitPath", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	git.On("CommitAll", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	git.On("PushWithForkFallback", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(gitx.PushResult{}, errors.New("push to fork failed: exit status 128"))

	orch := New(reg, git, agentMock, testPipelineConfig(t))
	orch.Execute(context.Background(), id)

	got, _ := reg.Get(id)
	assert.Equal(t, run.StatusError, got.Status)
	assert.Equal(t, "failed to push branch", got.ErrorMessage)
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	reg := run.NewRegistry(64)
	id := createRun(t, reg)
	git := &MockGit{}
	agentMock := &MockAgent{}

	git.On("Clone", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("boom") }).
		Return(nil)

	orch := New(reg, git, agentMock, testPipelineConfig(t))
	orch.Execute(context.Background(), id)

	got, _ := reg.Get(id)
	assert.Equal(t, run.StatusError, got.Status)
	assert.Equal(t, "run failed unexpectedly", got.ErrorMessage)

	last := got.Events[len(got.Events)-1]
	assert.Equal(t, run.EventError, last.Type)
	assert.Equal(t, "internal", last.Data["kind"])
}

func TestExecuteMaxDurationCancelsAgent(t *testing.T) {
	reg := run.NewRegistry(64)
	id := createRun(t, reg)
	git := &MockGit{}

	git.On("Clone", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	git.On("CreateBranch", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	blocking := agentFunc(func(ctx context.Context, _ agent.Invocation, _ agent.Sink) (*agent.Results, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	orch := New(reg, git, blocking, testPipelineConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	orch.Execute(ctx, id)

	got, _ := reg.Get(id)
	assert.Equal(t, run.StatusError, got.Status)
	assert.Equal(t, "fix agent failed", got.ErrorMessage)
}

func TestStartRunsInBackground(t *testing.T) {
	reg := run.NewRegistry(64)
	id := createRun(t, reg)
	git := &MockGit{}
	agentMock := &MockAgent{}

	results := passedResults()
	results.Fixes = nil

	git.On("Clone", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	git.On("CreateBranch", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	agentMock.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
	git.On("ModifiedFileCount", mock.Anything, mock.Anything).Return(0, nil)

	orch := New(reg, git, agentMock, testPipelineConfig(t))
	orch.Start(id)

	assert.Eventually(t, func() bool {
		got, ok := reg.Get(id)
		return ok && got.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := reg.Get(id)
	assert.Equal(t, run.StatusPassed, got.Status)
}
