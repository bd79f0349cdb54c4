package run

import (
	"fmt"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/Corvid-Labs/fixstream/internal/logger"
)

// Sweeper periodically evicts terminal runs past the retention window and
// reclaims their workspace directories. In-flight runs are left alone so
// the sweep never races a live subprocess.
type Sweeper struct {
	reg       *Registry
	retention time.Duration
	scheduler gocron.Scheduler
	log       *logger.Logger

	// removeAll is swapped in tests to observe workspace reclamation.
	removeAll func(string) error
}

// NewSweeper schedules an eviction pass every interval, removing terminal
// runs older than retention.
func NewSweeper(reg *Registry, retention, interval time.Duration) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep scheduler: %w", err)
	}

	s := &Sweeper{
		reg:       reg,
		retention: retention,
		scheduler: scheduler,
		log:       logger.GetLogger().WithField("component", "sweeper"),
		removeAll: os.RemoveAll,
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.Sweep),
	); err != nil {
		return nil, fmt.Errorf("failed to schedule sweep job: %w", err)
	}

	return s, nil
}

// Start begins periodic sweeping.
func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Stop halts the scheduler, waiting for an in-progress sweep to finish.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep performs one eviction pass. It is exported so operators can force
// a pass outside the schedule.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().UTC().Add(-s.retention)
	evicted := s.reg.EvictTerminalBefore(cutoff)
	if len(evicted) == 0 {
		return
	}

	for _, evictedRun := range evicted {
		if evictedRun.Workspace == "" {
			continue
		}
		if err := s.removeAll(evictedRun.Workspace); err != nil {
			s.log.WithFields(map[string]interface{}{
				"run_id":    evictedRun.ID,
				"workspace": evictedRun.Workspace,
			}).Errorf("failed to remove workspace: %v", err)
		}
	}

	s.log.WithField("count", len(evicted)).Info("evicted expired runs")
}
