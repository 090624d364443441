package convert

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/janelia-flyem/platezarr/stitch"
)

// JobState is the lifecycle state of one conversion job.
type JobState uint8

const (
	// Pending jobs are queued behind worker pool capacity.
	Pending JobState = iota

	// InProgress jobs hold a worker slot.
	InProgress

	// Completed is terminal; the image and its metadata are committed.
	Completed

	// Failed is terminal once the retry budget is exhausted; the job
	// carries its error and residual tile list.  An explicit Retry moves
	// it back to InProgress.
	Failed

	// Cancelled is a clean terminal state; chunks written before the
	// cancellation remain valid and committed.
	Cancelled
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// JobSpec describes one well-image conversion: the full tile set destined
// for one (well, acquisition) pair.
type JobSpec struct {
	Row         string
	Column      int
	Acquisition int
	Tiles       []*stitch.Tile
}

// Job tracks one conversion through the orchestrator.  All fields behind the
// mutex; accessors return snapshots.
type Job struct {
	ID   uuid.UUID
	Spec JobSpec

	mu       sync.Mutex
	state    JobState
	attempts int
	err      error
	skipped  []stitch.TileError
	placed   map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func newJob(spec JobSpec) *Job {
	return &Job{
		ID:     uuid.New(),
		Spec:   spec,
		placed: make(map[string]bool),
		done:   make(chan struct{}),
	}
}

// State returns the job's current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the error that moved the job to Failed, or nil.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Attempts returns how many placement passes have run.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Skipped returns the per-tile geometry errors collected during planning.
// Skipped tiles are reported, never retried.
func (j *Job) Skipped() []stitch.TileError {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]stitch.TileError(nil), j.skipped...)
}

// Residual returns the tiles not yet committed, excluding skipped ones.  A
// retry reprocesses exactly these.
func (j *Job) Residual() []*stitch.Tile {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.residualLocked()
}

func (j *Job) residualLocked() []*stitch.Tile {
	skipped := make(map[string]bool, len(j.skipped))
	for _, te := range j.skipped {
		skipped[te.TileID] = true
	}
	var residual []*stitch.Tile
	for _, tile := range j.Spec.Tiles {
		if !j.placed[tile.ID] && !skipped[tile.ID] {
			residual = append(residual, tile)
		}
	}
	return residual
}

// Wait blocks until the job reaches a terminal state or the context ends.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) setState(state JobState) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
}

func (j *Job) finish(state JobState, err error) {
	j.mu.Lock()
	j.state = state
	j.err = err
	close(j.done)
	j.mu.Unlock()
}

// reopen arms the job for another run after an explicit retry.
func (j *Job) reopen() {
	j.mu.Lock()
	j.state = Pending
	j.err = nil
	j.done = make(chan struct{})
	j.mu.Unlock()
}
