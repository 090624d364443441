/*
Package convert orchestrates whole-plate conversions.  Each job covers one
well-image: plan the canvas, place tiles into level 0, build the pyramid,
and finalize the image's metadata.  Jobs run on a bounded worker pool and
carry enough residual state to be retried without redoing committed work.
*/
package convert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/janelia-flyem/platezarr/plate"
	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/pyramid"
	"github.com/janelia-flyem/platezarr/stitch"
	"github.com/janelia-flyem/platezarr/storage"
	"github.com/janelia-flyem/platezarr/writer"
)

// Orchestrator fans conversion jobs out across a bounded worker pool.
// Excess submissions queue on the pool semaphore rather than spawning
// unbounded workers.  Tile placements of all running jobs share one
// process-wide bound of the same size, so total write concurrency never
// exceeds the configured pool.
type Orchestrator struct {
	store   storage.ChunkStore
	indexer *plate.Indexer
	config  *Config
	pool    *semaphore.Weighted
	tiles   *semaphore.Weighted
	spill   *spillDir

	// backoffUnit scales the exponential delay between automatic retries.
	backoffUnit time.Duration

	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
	wg   sync.WaitGroup
}

// NewOrchestrator wires a conversion engine over an open store.  outputRoot
// is where residual spill files live; usually the store's own directory.
func NewOrchestrator(store storage.ChunkStore, indexer *plate.Indexer,
	config *Config, outputRoot string) (*Orchestrator, error) {
	spill, err := newSpillDir(outputRoot)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:       store,
		indexer:     indexer,
		config:      config,
		pool:        semaphore.NewWeighted(int64(config.WorkerPoolSize)),
		tiles:       semaphore.NewWeighted(int64(config.WorkerPoolSize)),
		spill:       spill,
		backoffUnit: time.Second,
		jobs:        make(map[uuid.UUID]*Job),
	}, nil
}

// NewEngine opens a plate indexer over the store and wires an orchestrator
// around it, spilling residual state under the store's root.
func NewEngine(store storage.ChunkStore, config *Config) (*Orchestrator, error) {
	indexer, err := plate.NewIndexer(store, config.PlateName)
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(store, indexer, config, config.Store.Path)
}

// Submit queues one well-image conversion.  The returned job is Pending
// until a worker slot frees up.
func (o *Orchestrator) Submit(ctx context.Context, spec JobSpec) (*Job, error) {
	if len(spec.Tiles) == 0 {
		return nil, platezarr.InvalidGeometry{Reason: "job has no tiles"}
	}
	job := newJob(spec)

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	o.start(ctx, job)
	return job, nil
}

// start arms the job's cancellation before any worker picks it up, so a
// Cancel on a still-queued job takes effect instead of racing the pool.
func (o *Orchestrator) start(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	job.mu.Lock()
	job.cancel = cancel
	job.mu.Unlock()
	o.wg.Add(1)
	go o.run(jobCtx, cancel, job)
}

// Job looks up a submitted job by id.
func (o *Orchestrator) Job(id uuid.UUID) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[id]
	return job, ok
}

// Jobs returns all submitted jobs.
func (o *Orchestrator) Jobs() []*Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	jobs := make([]*Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	return jobs
}

// Cancel stops a job.  A queued job cancels before it ever runs; a running
// job stops at its next tile boundary.  Completed work stays committed.
func (o *Orchestrator) Cancel(id uuid.UUID) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return
	}
	job.mu.Lock()
	cancel := job.cancel
	job.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Retry re-runs a Failed job over its residual tiles.  The retry budget
// applies per run, so an operator can keep retrying a transient failure.
func (o *Orchestrator) Retry(ctx context.Context, id uuid.UUID) (*Job, error) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job %s", id)
	}
	if job.State() != Failed {
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be retried", id, job.State())
	}
	job.reopen()
	o.start(ctx, job)
	return job, nil
}

// ResumeSpilled resubmits jobs whose residual records an earlier process
// left on disk.  Each record becomes a fresh job over the residual tiles.
func (o *Orchestrator) ResumeSpilled(ctx context.Context) ([]*Job, error) {
	ids, err := o.spill.list()
	if err != nil {
		return nil, err
	}
	var resumed []*Job
	for _, id := range ids {
		rec, err := o.spill.read(id)
		if err != nil {
			platezarr.Errorf("can't read spill record %s: %v\n", id, err)
			continue
		}
		job, err := o.Submit(ctx, JobSpec{
			Row:         rec.Row,
			Column:      rec.Column,
			Acquisition: rec.Acquisition,
			Tiles:       rec.Tiles,
		})
		if err != nil {
			return resumed, err
		}
		o.spill.remove(id)
		resumed = append(resumed, job)
	}
	return resumed, nil
}

// WaitAll blocks until every submitted job reaches a terminal state.
func (o *Orchestrator) WaitAll() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, job *Job) {
	defer o.wg.Done()
	defer cancel()

	if err := o.pool.Acquire(ctx, 1); err != nil {
		job.finish(Cancelled, nil)
		return
	}
	defer o.pool.Release(1)

	job.setState(InProgress)
	timelog := platezarr.NewTimeLog()

	budget := o.config.RetryBudget
	for attempt := 0; ; attempt++ {
		err := o.runOnce(ctx, job)
		job.mu.Lock()
		job.attempts++
		job.mu.Unlock()

		switch {
		case err == nil:
			o.spill.remove(job.ID)
			job.finish(Completed, nil)
			timelog.Infof("job %s completed (%d tiles, %d skipped)",
				job.ID, len(job.Spec.Tiles), len(job.Skipped()))
			return

		case errors.Is(err, platezarr.ErrCancelled):
			job.finish(Cancelled, nil)
			timelog.Infof("job %s cancelled", job.ID)
			return

		// The budget counts automatic retries, so a job makes at most
		// budget+1 passes per run.
		case retryable(err) && attempt < budget:
			o.spillResidual(job)
			delay := o.backoffUnit << uint(attempt+1)
			platezarr.Warningf("job %s attempt %d failed, retrying in %v: %v\n",
				job.ID, attempt+1, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				job.finish(Cancelled, nil)
				return
			}

		default:
			o.spillResidual(job)
			job.finish(Failed, err)
			timelog.Errorf("job %s failed with %d residual tiles: %v",
				job.ID, len(job.Residual()), err)
			return
		}
	}
}

// runOnce executes one full conversion pass.  The canvas is always planned
// from the job's complete tile set so geometry is stable across retries;
// tiles committed by earlier passes prime the session instead of being
// rewritten.
func (o *Orchestrator) runOnce(ctx context.Context, job *Job) error {
	spec := job.Spec

	well, err := o.indexer.RegisterWell(spec.Row, spec.Column)
	if err != nil {
		return err
	}
	image, err := o.indexer.RegisterImage(well, spec.Acquisition)
	if err != nil {
		return err
	}

	plan, err := stitch.PlanImage(spec.Tiles, o.config.Stitch)
	if err != nil {
		return err
	}
	job.mu.Lock()
	job.skipped = plan.Skipped
	job.mu.Unlock()

	level0 := pyramid.LevelPath(image.Path(), 0)
	session, err := writer.NewSession(o.store, level0, plan)
	if err != nil {
		return err
	}

	// Distinct tiles usually hit distinct chunks, so placements run in
	// parallel on the shared tile bound; same-chunk writes serialize on the
	// session's per-chunk locks.  Tiles committed by an earlier pass prime
	// the session so overlap blending sees their contribution.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.WorkerPoolSize)
	for _, p := range plan.Placements {
		if job.wasPlaced(p.Tile.ID) {
			session.Prime(p)
			continue
		}
		p := p
		g.Go(func() error {
			if err := o.tiles.Acquire(gctx, 1); err != nil {
				return platezarr.ErrCancelled
			}
			defer o.tiles.Release(1)
			if err := session.PlaceTile(gctx, p); err != nil {
				return err
			}
			job.markPlaced(p.Tile.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	builder, err := pyramid.NewBuilder(o.store, image.Path(), plan.Axes, o.config.Pyramid)
	if err != nil {
		return err
	}
	if _, err := builder.BuildAll(ctx); err != nil {
		return err
	}

	rois := make([]platezarr.ROI, len(plan.Placements))
	for i, p := range plan.Placements {
		rois[i] = p.ROI
	}
	return o.indexer.FinalizeImage(image, builder.CommittedLevels(), plan.Axes, plate.FinalizeOptions{
		PixelSize: o.config.PixelSize,
		Factors:   o.config.Pyramid.Factors,
		FieldROIs: rois,
	})
}

func (o *Orchestrator) spillResidual(job *Job) {
	rec := spillRecord{
		JobID:       job.ID,
		Row:         job.Spec.Row,
		Column:      job.Spec.Column,
		Acquisition: job.Spec.Acquisition,
		Tiles:       job.Residual(),
	}
	if err := o.spill.write(rec); err != nil {
		platezarr.Errorf("can't spill residual tiles for job %s: %v\n", job.ID, err)
	}
}

// retryable reports whether a conversion pass failure is worth an automatic
// retry.  Chunk I/O failures are; geometry and registration conflicts are
// deterministic and are not.
func retryable(err error) bool {
	var cwf platezarr.ChunkWriteFailed
	return errors.As(err, &cwf)
}

func (j *Job) wasPlaced(tileID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.placed[tileID]
}

func (j *Job) markPlaced(tileID string) {
	j.mu.Lock()
	j.placed[tileID] = true
	j.mu.Unlock()
}
