package convert

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/janelia-flyem/platezarr/plate"
	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/pyramid"
	"github.com/janelia-flyem/platezarr/stitch"
	"github.com/janelia-flyem/platezarr/storage"
	"github.com/janelia-flyem/platezarr/storage/fsstore"
	"github.com/janelia-flyem/platezarr/writer"
)

var yxAxes = platezarr.AxisOrder{platezarr.YAxis, platezarr.XAxis}

func makeTile(id string, value uint16, originY, originX float64, ny, nx int64) *stitch.Tile {
	data := make([]byte, ny*nx*2)
	for i := int64(0); i < ny*nx; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], value)
	}
	return &stitch.Tile{
		ID:       id,
		Row:      "A",
		Column:   1,
		Data:     data,
		DataType: platezarr.Uint16,
		Axes:     yxAxes,
		Shape:    platezarr.Shape{ny, nx},
		Origin:   []float64{originY, originX},
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	c, err := newConfig(tomlConfig{
		Conversion: conversionConfig{
			OverlapPolicy:  "average",
			TilingMode:     "none",
			WorkerPoolSize: 2,
		},
		Pyramid: pyramidConfig{Reduction: "mean", MaxLevels: 1},
	})
	require.NoError(t, err)
	return c
}

func newHarness(t *testing.T, store storage.ChunkStore, c *Config) *Orchestrator {
	t.Helper()
	idx, err := plate.NewIndexer(store, "test-plate")
	require.NoError(t, err)
	o, err := NewOrchestrator(store, idx, c, t.TempDir())
	require.NoError(t, err)
	o.backoffUnit = time.Millisecond
	return o
}

func TestConvertEndToEnd(t *testing.T) {
	// Two 100x100 tiles with a 10 pixel horizontal overlap and the average
	// policy: the canvas is 190x100, the overlap strip is the elementwise
	// mean, and pyramid level 1 is 95x50.
	store, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	o := newHarness(t, store, testConfig(t))

	job, err := o.Submit(context.Background(), JobSpec{
		Row: "A", Column: 1, Acquisition: 0,
		Tiles: []*stitch.Tile{
			makeTile("fov0", 100, 0, 0, 100, 100),
			makeTile("fov1", 300, 0, 90, 100, 100),
		},
	})
	require.NoError(t, err)

	// Submitted jobs are discoverable by id and by enumeration.
	got, ok := o.Job(job.ID)
	require.True(t, ok)
	require.Same(t, job, got)
	_, ok = o.Job(uuid.New())
	require.False(t, ok)
	require.Len(t, o.Jobs(), 1)

	require.NoError(t, job.Wait(context.Background()))
	require.Equal(t, Completed, job.State())
	require.NoError(t, job.Err())

	spec0, err := store.GetArraySpec("A/1/0/0")
	require.NoError(t, err)
	require.Equal(t, platezarr.Shape{100, 190}, spec0.Shape)

	data, err := writer.ReadRegion(store, "A/1/0/0", platezarr.ROI{
		Offset: platezarr.Shape{50, 0}, Size: platezarr.Shape{1, 190},
	})
	require.NoError(t, err)
	row := func(x int64) uint16 { return binary.LittleEndian.Uint16(data[x*2:]) }
	require.EqualValues(t, 100, row(0), "left-only region keeps tile 0's value")
	require.EqualValues(t, 200, row(95), "overlap strip averages both tiles")
	require.EqualValues(t, 300, row(189), "right-only region keeps tile 1's value")

	spec1, err := store.GetArraySpec("A/1/0/1")
	require.NoError(t, err)
	require.Equal(t, platezarr.Shape{50, 95}, spec1.Shape)

	var attrs struct {
		Multiscales []struct {
			Datasets []struct {
				Path string `json:"path"`
			} `json:"datasets"`
		} `json:"multiscales"`
	}
	found, err := store.GetAttrs("A/1/0", &attrs)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, attrs.Multiscales[0].Datasets, 2)
}

// failingStore injects write failures into the first N chunk writes.
type failingStore struct {
	storage.ChunkStore
	mu        sync.Mutex
	remaining int
}

func (f *failingStore) WriteChunk(path string, coord platezarr.ChunkCoord, data []byte) error {
	f.mu.Lock()
	fail := f.remaining > 0
	if fail {
		f.remaining--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("disk full")
	}
	return f.ChunkStore.WriteChunk(path, coord, data)
}

func TestAutomaticRetryAfterWriteFailure(t *testing.T) {
	backend, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	store := &failingStore{ChunkStore: backend, remaining: 1}
	o := newHarness(t, store, testConfig(t))

	job, err := o.Submit(context.Background(), JobSpec{
		Row: "A", Column: 1, Acquisition: 0,
		Tiles: []*stitch.Tile{makeTile("fov0", 10, 0, 0, 32, 32)},
	})
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))
	require.Equal(t, Completed, job.State())
	require.Equal(t, 2, job.Attempts(), "one failed pass plus one successful retry")
	require.Empty(t, job.Residual())
}

// flakyStore lets a healthy stretch of chunk writes through, fails the next
// window, then heals.
type flakyStore struct {
	storage.ChunkStore
	mu        sync.Mutex
	successes int
	failures  int
}

func (f *flakyStore) WriteChunk(path string, coord platezarr.ChunkCoord, data []byte) error {
	f.mu.Lock()
	switch {
	case f.successes > 0:
		f.successes--
	case f.failures > 0:
		f.failures--
		f.mu.Unlock()
		return fmt.Errorf("disk full")
	}
	f.mu.Unlock()
	return f.ChunkStore.WriteChunk(path, coord, data)
}

func TestRetryMatchesUninterruptedRun(t *testing.T) {
	// Three overlapping tiles where the first pass fails after committing
	// two: the automatic retry places only the residual tile, and the
	// finished canvas is byte identical to an uninterrupted conversion,
	// averaged overlap strips included.
	tiles := func() []*stitch.Tile {
		return []*stitch.Tile{
			makeTile("fov0", 100, 0, 0, 100, 100),
			makeTile("fov1", 200, 0, 90, 100, 100),
			makeTile("fov2", 300, 0, 180, 100, 100),
		}
	}
	canvas := platezarr.ROI{Offset: platezarr.Shape{0, 0}, Size: platezarr.Shape{100, 280}}
	c := testConfig(t)
	c.WorkerPoolSize = 1 // place tiles in registration order

	reference, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	ro := newHarness(t, reference, c)
	refJob, err := ro.Submit(context.Background(), JobSpec{
		Row: "A", Column: 1, Acquisition: 0, Tiles: tiles(),
	})
	require.NoError(t, err)
	require.NoError(t, refJob.Wait(context.Background()))
	require.Equal(t, Completed, refJob.State())
	want, err := writer.ReadRegion(reference, "A/1/0/0", canvas)
	require.NoError(t, err)

	backend, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	store := &flakyStore{ChunkStore: backend, successes: 2, failures: 1}
	o := newHarness(t, store, c)
	job, err := o.Submit(context.Background(), JobSpec{
		Row: "A", Column: 1, Acquisition: 0, Tiles: tiles(),
	})
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))
	require.Equal(t, Completed, job.State())
	require.Equal(t, 2, job.Attempts(), "one failed pass plus one automatic retry")

	got, err := writer.ReadRegion(store, "A/1/0/0", canvas)
	require.NoError(t, err)
	require.Equal(t, want, got, "retried canvas must match the uninterrupted run")

	// Spot check the overlap means survive the retry.
	strip, err := writer.ReadRegion(store, "A/1/0/0", platezarr.ROI{
		Offset: platezarr.Shape{50, 0}, Size: platezarr.Shape{1, 280},
	})
	require.NoError(t, err)
	row := func(x int64) uint16 { return binary.LittleEndian.Uint16(strip[x*2:]) }
	require.EqualValues(t, 150, row(95), "first overlap strip averages both tiles")
	require.EqualValues(t, 250, row(185), "second overlap strip averages both tiles")
}

func TestRetryBudgetExhaustion(t *testing.T) {
	backend, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	store := &failingStore{ChunkStore: backend, remaining: 1 << 20}
	c := testConfig(t)
	c.RetryBudget = 2
	o := newHarness(t, store, c)

	job, err := o.Submit(context.Background(), JobSpec{
		Row: "A", Column: 1, Acquisition: 0,
		Tiles: []*stitch.Tile{makeTile("fov0", 10, 0, 0, 32, 32)},
	})
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))
	require.Equal(t, Failed, job.State())
	require.Equal(t, 3, job.Attempts(), "initial pass plus two automatic retries")

	var cwf platezarr.ChunkWriteFailed
	require.ErrorAs(t, job.Err(), &cwf)
	require.Len(t, job.Residual(), 1, "the unplaced tile stays on the residual list")

	// The failed job left a spill record; a fresh orchestrator over a now
	// healthy store resumes and completes it.
	store.mu.Lock()
	store.remaining = 0
	store.mu.Unlock()
	resumed, err := o.ResumeSpilled(context.Background())
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	require.NoError(t, resumed[0].Wait(context.Background()))
	require.Equal(t, Completed, resumed[0].State())
}

func TestExplicitRetry(t *testing.T) {
	backend, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	store := &failingStore{ChunkStore: backend, remaining: 1 << 20}
	c := testConfig(t)
	c.RetryBudget = 1
	o := newHarness(t, store, c)

	job, err := o.Submit(context.Background(), JobSpec{
		Row: "B", Column: 2, Acquisition: 0,
		Tiles: []*stitch.Tile{makeTile("fov0", 10, 0, 0, 16, 16)},
	})
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))
	require.Equal(t, Failed, job.State())

	store.mu.Lock()
	store.remaining = 0
	store.mu.Unlock()
	_, err = o.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))
	require.Equal(t, Completed, job.State())

	// Only failed jobs can be retried.
	_, err = o.Retry(context.Background(), job.ID)
	require.Error(t, err)
}

func TestSkippedTilesReported(t *testing.T) {
	store, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	o := newHarness(t, store, testConfig(t))

	bad := makeTile("bad", 5, 0, 100, 32, 32)
	bad.DataType = platezarr.Uint8
	job, err := o.Submit(context.Background(), JobSpec{
		Row: "A", Column: 1, Acquisition: 0,
		Tiles: []*stitch.Tile{makeTile("good", 5, 0, 0, 32, 32), bad},
	})
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))
	require.Equal(t, Completed, job.State(), "a skipped tile never aborts its siblings")
	require.Len(t, job.Skipped(), 1)
	require.Equal(t, "bad", job.Skipped()[0].TileID)
	require.Empty(t, job.Residual(), "skipped tiles are not residual work")
}

// blockingStore parks the first chunk write until the test releases it, so
// cancellation can land at a deterministic point.
type blockingStore struct {
	storage.ChunkStore
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (b *blockingStore) WriteChunk(path string, coord platezarr.ChunkCoord, data []byte) error {
	b.once.Do(func() {
		close(b.started)
		<-b.gate
	})
	return b.ChunkStore.WriteChunk(path, coord, data)
}

func TestCancellationAtTileBoundary(t *testing.T) {
	backend, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	store := &blockingStore{
		ChunkStore: backend,
		started:    make(chan struct{}),
		gate:       make(chan struct{}),
	}
	c := testConfig(t)
	c.WorkerPoolSize = 1 // serialize placements so the boundary is exact
	o := newHarness(t, store, c)

	job, err := o.Submit(context.Background(), JobSpec{
		Row: "A", Column: 1, Acquisition: 0,
		Tiles: []*stitch.Tile{
			makeTile("fov0", 1, 0, 0, 16, 16),
			makeTile("fov1", 2, 16, 0, 16, 16),
		},
	})
	require.NoError(t, err)

	<-store.started
	o.Cancel(job.ID)
	close(store.gate)

	require.NoError(t, job.Wait(context.Background()))
	require.Equal(t, Cancelled, job.State())
	require.NoError(t, job.Err(), "cancellation is a clean stop, not an error")

	// The tile placed before the cancellation stays committed.
	data, err := writer.ReadRegion(backend, "A/1/0/0", platezarr.ROI{
		Offset: platezarr.Shape{0, 0}, Size: platezarr.Shape{1, 1},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, binary.LittleEndian.Uint16(data))
}

func TestCancelQueuedJob(t *testing.T) {
	backend, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	store := &blockingStore{
		ChunkStore: backend,
		started:    make(chan struct{}),
		gate:       make(chan struct{}),
	}
	c := testConfig(t)
	c.WorkerPoolSize = 1
	o := newHarness(t, store, c)

	running, err := o.Submit(context.Background(), JobSpec{
		Row: "A", Column: 1, Acquisition: 0,
		Tiles: []*stitch.Tile{makeTile("fov0", 1, 0, 0, 16, 16)},
	})
	require.NoError(t, err)
	<-store.started // the running job now holds the only worker slot

	queued, err := o.Submit(context.Background(), JobSpec{
		Row: "B", Column: 2, Acquisition: 0,
		Tiles: []*stitch.Tile{makeTile("fov1", 2, 0, 0, 16, 16)},
	})
	require.NoError(t, err)
	o.Cancel(queued.ID)
	close(store.gate)

	require.NoError(t, queued.Wait(context.Background()))
	require.Equal(t, Cancelled, queued.State())
	require.Zero(t, queued.Attempts(), "a cancelled queued job never runs")

	require.NoError(t, running.Wait(context.Background()))
	require.Equal(t, Completed, running.State())
}

func TestPyramidConfigFlowsThrough(t *testing.T) {
	store, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	require.NoError(t, err)
	c := testConfig(t)
	c.Pyramid = pyramid.Config{Reduction: pyramid.Max, MaxLevels: 2}
	o := newHarness(t, store, c)

	job, err := o.Submit(context.Background(), JobSpec{
		Row: "A", Column: 1, Acquisition: 0,
		Tiles: []*stitch.Tile{makeTile("fov0", 42, 0, 0, 64, 64)},
	})
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))
	require.Equal(t, Completed, job.State())

	spec2, err := store.GetArraySpec("A/1/0/2")
	require.NoError(t, err)
	require.Equal(t, platezarr.Shape{16, 16}, spec2.Shape)
}
