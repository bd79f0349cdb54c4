package run

import (
	"errors"
	"sync"
	"time"

	"github.com/Corvid-Labs/fixstream/internal/logger"
)

// DefaultObserverBuffer is the per-observer event queue size used when the
// registry is constructed with a non-positive buffer.
const DefaultObserverBuffer = 64

var (
	// ErrNotFound indicates an operation against an unknown run id.
	ErrNotFound = errors.New("run not found")

	// ErrRunExists indicates a run id collision on creation.
	ErrRunExists = errors.New("run already exists")
)

// Observer is one attached event-stream consumer. Events arrive on C in
// append order. C is closed when the observer is detached, falls a full
// buffer behind, or the run is evicted.
type Observer struct {
	C      chan Event
	closed bool // guarded by the registry mutex
}

// Registry owns every run. It is the only shared mutable structure in the
// process: run creation, status transitions, event appends, and observer
// attach/detach all serialize through it. Construct one at startup and
// pass it to every consumer.
type Registry struct {
	mu        sync.Mutex
	runs      map[string]*Run
	observers map[string]map[*Observer]struct{}
	bufSize   int
	log       *logger.Logger

	// Monotonic counters. Eviction shrinks the run table but never
	// rewinds these.
	created   int64
	published int64
}

// NewRegistry creates an empty registry whose observers buffer up to
// observerBuffer undelivered events before being disconnected.
func NewRegistry(observerBuffer int) *Registry {
	if observerBuffer < 1 {
		observerBuffer = DefaultObserverBuffer
	}
	return &Registry{
		runs:      make(map[string]*Run),
		observers: make(map[string]map[*Observer]struct{}),
		bufSize:   observerBuffer,
		log:       logger.GetLogger().WithField("component", "registry"),
	}
}

// Create registers a new run. The run's ID must be set; creation time and
// pending status are filled in when absent.
func (r *Registry) Create(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; ok {
		return ErrRunExists
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	r.runs[run.ID] = run
	r.created++
	return nil
}

// Get returns a snapshot of a run. The snapshot shares backing storage
// with the live run; log entries, fixes, and timeline entries are never
// mutated in place, so reading the snapshot is safe without the lock.
func (r *Registry) Get(id string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// Update applies mutate to a run under the registry lock. An unknown id is
// a no-op reported as false. mutate must not change Status; use SetStatus.
func (r *Registry) Update(id string, mutate func(*Run)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return false
	}
	mutate(run)
	return true
}

// SetStatus applies a lifecycle transition. Unknown runs and transitions
// that would regress the lifecycle are ignored and reported as false.
// Reaching a terminal status records the run's end time.
func (r *Registry) SetStatus(id string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return false
	}
	if !run.Status.CanTransitionTo(status) {
		r.log.WithFields(map[string]interface{}{
			"run_id": id,
			"from":   string(run.Status),
			"to":     string(status),
		}).Warn("ignoring illegal status transition")
		return false
	}

	run.Status = status
	if status.Terminal() {
		run.EndedAt = time.Now().UTC()
	}
	return true
}

// Finalize applies mutate and a terminal transition under one lock
// acquisition, so no reader ever observes results without a terminal
// status or a terminal status without its results.
func (r *Registry) Finalize(id string, status Status, mutate func(*Run)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return false
	}
	if !status.Terminal() || !run.Status.CanTransitionTo(status) {
		r.log.WithFields(map[string]interface{}{
			"run_id": id,
			"from":   string(run.Status),
			"to":     string(status),
		}).Warn("ignoring illegal finalize")
		return false
	}

	if mutate != nil {
		mutate(run)
	}
	run.Status = status
	run.EndedAt = time.Now().UTC()
	return true
}

// AppendEvent appends an event to a run's log and delivers it to every
// attached observer. Sequence numbers and timestamps are assigned here.
// An observer whose buffer is full is disconnected rather than allowed to
// stall the others. An unknown id is a no-op reported as false.
func (r *Registry) AppendEvent(id, eventType string, data map[string]interface{}) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return Event{}, false
	}

	event := Event{
		Seq:       int64(len(run.Events) + 1),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	run.Events = append(run.Events, event)
	r.published++

	for obs := range r.observers[id] {
		select {
		case obs.C <- event:
		default:
			r.log.WithFields(map[string]interface{}{
				"run_id": id,
				"seq":    event.Seq,
			}).Warn("dropping observer that fell behind")
			r.dropLocked(id, obs)
		}
	}
	return event, true
}

// Attach subscribes to a run's event stream. The returned slice replays
// the full log up to the attach point; every event appended afterwards
// arrives on the observer channel. Replay and live delivery never overlap
// and never gap because both are fixed under one lock acquisition.
func (r *Registry) Attach(id string) ([]Event, *Observer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}

	replay := make([]Event, len(run.Events))
	copy(replay, run.Events)

	obs := &Observer{C: make(chan Event, r.bufSize)}
	set, ok := r.observers[id]
	if !ok {
		set = make(map[*Observer]struct{})
		r.observers[id] = set
	}
	set[obs] = struct{}{}

	return replay, obs, nil
}

// Detach removes an observer and closes its channel. Detaching twice, or
// detaching after an overflow drop, is harmless.
func (r *Registry) Detach(id string, obs *Observer) {
	if obs == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(id, obs)
}

func (r *Registry) dropLocked(id string, obs *Observer) {
	if set, ok := r.observers[id]; ok {
		delete(set, obs)
		if len(set) == 0 {
			delete(r.observers, id)
		}
	}
	if !obs.closed {
		obs.closed = true
		close(obs.C)
	}
}

// EvictTerminalBefore removes every terminal run that ended before cutoff
// and returns the removed snapshots so callers can reclaim workspaces.
// Pending and running runs are never evicted regardless of age. Observers
// still attached to an evicted run have their channels closed.
func (r *Registry) EvictTerminalBefore(cutoff time.Time) []Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Run
	for id, run := range r.runs {
		if !run.Status.Terminal() {
			continue
		}
		if run.EndedAt.IsZero() || !run.EndedAt.Before(cutoff) {
			continue
		}

		evicted = append(evicted, *run)
		for obs := range r.observers[id] {
			r.dropLocked(id, obs)
		}
		delete(r.runs, id)
	}
	return evicted
}

// Stats is a point-in-time view of registry activity.
type Stats struct {
	RunsCreated     int64
	RunsActive      int
	EventsPublished int64
	ObserversActive int
}

// Stats reports lifetime counters alongside current occupancy. Active
// counts runs that have not reached a terminal status.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		RunsCreated:     r.created,
		EventsPublished: r.published,
	}
	for _, run := range r.runs {
		if !run.Status.Terminal() {
			stats.RunsActive++
		}
	}
	for _, set := range r.observers {
		stats.ObserversActive += len(set)
	}
	return stats
}

// Len reports how many runs are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// ObserverCount reports how many observers are attached to a run.
func (r *Registry) ObserverCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers[id])
}
