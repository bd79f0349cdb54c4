package run

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRun(id string) *Run {
	return &Run{
		ID:         id,
		RepoURL:    "https://github.com/acme/site",
		TeamName:   "Acme",
		LeaderName: "Lee",
		BranchName: "ACME_LEE_AI_Fix",
	}
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg := NewRegistry(8)

	require.NoError(t, reg.Create(newTestRun("a1b2c3d4")))

	got, ok := reg.Get("a1b2c3d4")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 1, reg.Len())
}

func TestRegistryCreateDuplicate(t *testing.T) {
	reg := NewRegistry(8)

	require.NoError(t, reg.Create(newTestRun("a1b2c3d4")))
	assert.ErrorIs(t, reg.Create(newTestRun("a1b2c3d4")), ErrRunExists)
}

func TestRegistryUpdateAbsentIsNoop(t *testing.T) {
	reg := NewRegistry(8)

	called := false
	ok := reg.Update("missing", func(r *Run) { called = true })
	assert.False(t, ok)
	assert.False(t, called)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusError, true},
		{StatusRunning, StatusPassed, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusPending, false},
		{StatusPassed, StatusFailed, false},
		{StatusPassed, StatusRunning, false},
		{StatusError, StatusPassed, false},
		{StatusFailed, StatusError, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSetStatusIgnoresRegression(t *testing.T) {
	reg := NewRegistry(8)
	require.NoError(t, reg.Create(newTestRun("a1b2c3d4")))

	require.True(t, reg.SetStatus("a1b2c3d4", StatusRunning))
	require.True(t, reg.SetStatus("a1b2c3d4", StatusPassed))

	got, _ := reg.Get("a1b2c3d4")
	assert.False(t, got.EndedAt.IsZero(), "terminal transition must record the end time")

	// Terminal runs never change again.
	assert.False(t, reg.SetStatus("a1b2c3d4", StatusRunning))
	assert.False(t, reg.SetStatus("a1b2c3d4", StatusError))

	got, _ = reg.Get("a1b2c3d4")
	assert.Equal(t, StatusPassed, got.Status)
}

func TestFinalizeIsAtomic(t *testing.T) {
	reg := NewRegistry(8)
	require.NoError(t, reg.Create(newTestRun("a1b2c3d4")))
	require.True(t, reg.SetStatus("a1b2c3d4", StatusRunning))

	ok := reg.Finalize("a1b2c3d4", StatusPassed, func(r *Run) {
		r.CommitCount = 3
		r.ErrorMessage = ""
	})
	require.True(t, ok)

	got, _ := reg.Get("a1b2c3d4")
	assert.Equal(t, StatusPassed, got.Status)
	assert.Equal(t, 3, got.CommitCount)
	assert.False(t, got.EndedAt.IsZero())

	// A second finalize is rejected outright.
	assert.False(t, reg.Finalize("a1b2c3d4", StatusError, nil))

	// Non-terminal targets are rejected too.
	require.NoError(t, reg.Create(newTestRun("e5f6a7b8")))
	assert.False(t, reg.Finalize("e5f6a7b8", StatusRunning, nil))
}

func TestAppendEventSequencing(t *testing.T) {
	reg := NewRegistry(8)
	require.NoError(t, reg.Create(newTestRun("a1b2c3d4")))

	for i := 0; i < 3; i++ {
		event, ok := reg.AppendEvent("a1b2c3d4", EventProgress, map[string]interface{}{"step": i})
		require.True(t, ok)
		assert.Equal(t, int64(i+1), event.Seq)
		assert.False(t, event.Timestamp.IsZero())
	}

	_, ok := reg.AppendEvent("missing", EventProgress, nil)
	assert.False(t, ok)

	got, _ := reg.Get("a1b2c3d4")
	require.Len(t, got.Events, 3)
	assert.Equal(t, int64(1), got.Events[0].Seq)
	assert.Equal(t, int64(3), got.Events[2].Seq)
}

func TestAttachReplaysThenStreams(t *testing.T) {
	reg := NewRegistry(8)
	require.NoError(t, reg.Create(newTestRun("a1b2c3d4")))

	reg.AppendEvent("a1b2c3d4", EventProgress, map[string]interface{}{"phase": "clone"})
	reg.AppendEvent("a1b2c3d4", EventFix, map[string]interface{}{"file": "app.py"})

	replay, obs, err := reg.Attach("a1b2c3d4")
	require.NoError(t, err)
	defer reg.Detach("a1b2c3d4", obs)

	require.Len(t, replay, 2)
	assert.Equal(t, int64(1), replay[0].Seq)
	assert.Equal(t, int64(2), replay[1].Seq)

	reg.AppendEvent("a1b2c3d4", EventComplete, nil)

	select {
	case event := <-obs.C:
		assert.Equal(t, int64(3), event.Seq)
		assert.Equal(t, EventComplete, event.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the live event")
	}
}

func TestAttachUnknownRun(t *testing.T) {
	reg := NewRegistry(8)

	_, _, err := reg.Attach("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObserverOverflowDisconnectsOnlyTheSlowOne(t *testing.T) {
	reg := NewRegistry(1)
	require.NoError(t, reg.Create(newTestRun("a1b2c3d4")))

	_, slow, err := reg.Attach("a1b2c3d4")
	require.NoError(t, err)
	_, fast, err := reg.Attach("a1b2c3d4")
	require.NoError(t, err)
	defer reg.Detach("a1b2c3d4", fast)

	// First event fills both single-slot buffers.
	reg.AppendEvent("a1b2c3d4", EventProgress, nil)

	// The fast observer drains; the slow one does not.
	<-fast.C

	// Second event overflows the slow observer, which gets disconnected.
	reg.AppendEvent("a1b2c3d4", EventProgress, nil)

	select {
	case event := <-fast.C:
		assert.Equal(t, int64(2), event.Seq)
	case <-time.After(time.Second):
		t.Fatal("fast observer should keep receiving")
	}

	// The slow observer's channel still holds the first event, then closes.
	first, open := <-slow.C
	require.True(t, open)
	assert.Equal(t, int64(1), first.Seq)

	_, open = <-slow.C
	assert.False(t, open, "slow observer channel should be closed after overflow")

	assert.Equal(t, 1, reg.ObserverCount("a1b2c3d4"))
}

func TestDetachIsIdempotent(t *testing.T) {
	reg := NewRegistry(8)
	require.NoError(t, reg.Create(newTestRun("a1b2c3d4")))

	_, obs, err := reg.Attach("a1b2c3d4")
	require.NoError(t, err)

	reg.Detach("a1b2c3d4", obs)
	reg.Detach("a1b2c3d4", obs)
	reg.Detach("a1b2c3d4", nil)

	assert.Equal(t, 0, reg.ObserverCount("a1b2c3d4"))
}

func TestConcurrentAppendAndAttach(t *testing.T) {
	const totalEvents = 200
	const observers = 8

	reg := NewRegistry(totalEvents)
	require.NoError(t, reg.Create(newTestRun("a1b2c3d4")))

	var wg sync.WaitGroup
	results := make([][]int64, observers)

	for i := 0; i < observers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()

			replay, obs, err := reg.Attach("a1b2c3d4")
			if err != nil {
				t.Errorf("attach failed: %v", err)
				return
			}
			defer reg.Detach("a1b2c3d4", obs)

			var seqs []int64
			for _, event := range replay {
				seqs = append(seqs, event.Seq)
			}
			for int64(len(seqs)) < totalEvents {
				select {
				case event, open := <-obs.C:
					if !open {
						t.Errorf("observer %d disconnected early", slot)
						return
					}
					seqs = append(seqs, event.Seq)
				case <-time.After(5 * time.Second):
					t.Errorf("observer %d timed out at %d events", slot, len(seqs))
					return
				}
			}
			results[slot] = seqs
		}(i)
	}

	for i := 0; i < totalEvents; i++ {
		reg.AppendEvent("a1b2c3d4", EventProgress, map[string]interface{}{"n": i})
	}

	wg.Wait()

	for slot, seqs := range results {
		require.Len(t, seqs, totalEvents, "observer %d", slot)
		for i, seq := range seqs {
			// Replay plus live delivery must be gapless and duplicate-free
			// regardless of when the observer attached.
			require.Equal(t, int64(i+1), seq, "observer %d position %d", slot, i)
		}
	}
}

func TestEvictTerminalBefore(t *testing.T) {
	reg := NewRegistry(8)

	oldTerminal := newTestRun("oldrun01")
	oldTerminal.Workspace = "/tmp/fixstream/oldrun01"
	require.NoError(t, reg.Create(oldTerminal))
	require.True(t, reg.SetStatus("oldrun01", StatusRunning))
	require.True(t, reg.SetStatus("oldrun01", StatusPassed))
	reg.Update("oldrun01", func(r *Run) {
		r.EndedAt = time.Now().UTC().Add(-2 * time.Hour)
	})

	freshTerminal := newTestRun("newrun01")
	require.NoError(t, reg.Create(freshTerminal))
	require.True(t, reg.SetStatus("newrun01", StatusRunning))
	require.True(t, reg.SetStatus("newrun01", StatusFailed))

	ancientRunning := newTestRun("running1")
	require.NoError(t, reg.Create(ancientRunning))
	require.True(t, reg.SetStatus("running1", StatusRunning))

	_, obs, err := reg.Attach("oldrun01")
	require.NoError(t, err)

	evicted := reg.EvictTerminalBefore(time.Now().UTC().Add(-time.Hour))

	require.Len(t, evicted, 1)
	assert.Equal(t, "oldrun01", evicted[0].ID)
	assert.Equal(t, "/tmp/fixstream/oldrun01", evicted[0].Workspace)

	_, ok := reg.Get("oldrun01")
	assert.False(t, ok)

	_, ok = reg.Get("newrun01")
	assert.True(t, ok, "terminal runs inside the retention window stay")

	_, ok = reg.Get("running1")
	assert.True(t, ok, "running runs are never evicted")

	_, open := <-obs.C
	assert.False(t, open, "eviction must close attached observers")
}

func TestStatsSurvivesEviction(t *testing.T) {
	reg := NewRegistry(4)

	require.NoError(t, reg.Create(newTestRun("stat0001")))
	require.NoError(t, reg.Create(newTestRun("stat0002")))

	reg.AppendEvent("stat0001", EventProgress, nil)
	reg.AppendEvent("stat0001", EventProgress, nil)
	reg.AppendEvent("stat0002", EventProgress, nil)

	_, obs, err := reg.Attach("stat0002")
	require.NoError(t, err)
	defer reg.Detach("stat0002", obs)

	reg.SetStatus("stat0001", StatusRunning)
	reg.SetStatus("stat0001", StatusPassed)
	reg.Update("stat0001", func(r *Run) { r.EndedAt = time.Now().UTC().Add(-2 * time.Hour) })

	stats := reg.Stats()
	assert.Equal(t, int64(2), stats.RunsCreated)
	assert.Equal(t, 1, stats.RunsActive, "terminal runs are not active")
	assert.Equal(t, int64(3), stats.EventsPublished)
	assert.Equal(t, 1, stats.ObserversActive)

	reg.EvictTerminalBefore(time.Now().UTC().Add(-time.Hour))

	stats = reg.Stats()
	assert.Equal(t, int64(2), stats.RunsCreated, "creation counter never rewinds")
	assert.Equal(t, int64(3), stats.EventsPublished, "publish counter never rewinds")
	assert.Equal(t, 1, reg.Len())
}

func TestNewRunID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRunID()
		assert.Len(t, id, 8)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 90, "ids should be effectively unique")
}
