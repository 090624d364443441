/*
Package writer places planned tiles into the chunked array store.  For each
tile it computes the set of chunks the placement intersects and performs a
read-modify-write of only the intersecting sub-region of each chunk,
serialized by an exclusive per-chunk lock whose scope is exactly the
read-modify-write.  Distinct chunks proceed independently, so concurrent
tile placements that touch different chunks never contend.

Placements are idempotent at tile granularity: re-placing a tile the session
has already written is a no-op, which makes job retries safe.
*/
package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/stitch"
	"github.com/janelia-flyem/platezarr/storage"
)

// chunkLocks hands out one mutex per chunk coordinate.
type chunkLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newChunkLocks() *chunkLocks {
	return &chunkLocks{locks: make(map[string]*sync.Mutex)}
}

func (cl *chunkLocks) lockFor(coord platezarr.ChunkCoord) *sync.Mutex {
	key := storage.ChunkKey(coord)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	lock, found := cl.locks[key]
	if !found {
		lock = new(sync.Mutex)
		cl.locks[key] = lock
	}
	return lock
}

// chunkAccum accumulates contributions for the Average overlap policy.  One
// slot per chunk element; slots with zero count keep the chunk's prior
// value.
type chunkAccum struct {
	sum   []float64
	count []uint16
}

// Session writes the placements of one planned well-image into one array of
// the store.  Sessions are safe for concurrent PlaceTile calls.
type Session struct {
	store  storage.ChunkStore
	path   string
	spec   storage.ArraySpec
	policy stitch.OverlapPolicy
	locks  *chunkLocks

	mu     sync.Mutex
	placed map[string]bool
	accums map[string]*chunkAccum
}

// NewSession creates the level-0 array for a plan (idempotent if it already
// exists with the same spec) and returns a session for placing its tiles.
func NewSession(store storage.ChunkStore, path string, plan *stitch.Plan) (*Session, error) {
	spec := storage.ArraySpec{
		Shape:      plan.Shape,
		ChunkShape: plan.ChunkShape,
		DataType:   plan.DataType,
	}
	if err := store.CreateArray(path, spec); err != nil {
		return nil, fmt.Errorf("can't create array for image %q: %w", path, err)
	}
	return &Session{
		store:  store,
		path:   path,
		spec:   spec,
		policy: plan.Overlap,
		locks:  newChunkLocks(),
		placed: make(map[string]bool),
		accums: make(map[string]*chunkAccum),
	}, nil
}

// Placed reports whether a tile id has already been written by this session.
func (s *Session) Placed(tileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placed[tileID]
}

// Prime records a tile committed by an earlier session over the same array.
// PlaceTile skips primed tiles, and under Average their samples are folded
// into the chunk accumulators without touching the store, so tiles placed
// later blend against the committed contribution and a resumed canvas ends
// up identical to an uninterrupted one.
func (s *Session) Prime(p stitch.Placement) {
	s.mu.Lock()
	already := s.placed[p.Tile.ID]
	s.placed[p.Tile.ID] = true
	s.mu.Unlock()
	if already || s.policy != stitch.Average {
		return
	}

	for _, coord := range platezarr.ChunksOverlapping(p.ROI, s.spec.ChunkShape) {
		chunkROI := platezarr.ChunkROI(coord, s.spec.ChunkShape, s.spec.Shape)
		overlap, ok := p.ROI.Intersect(chunkROI)
		if !ok {
			continue
		}
		dstOff := make(platezarr.Shape, len(coord))
		srcOff := make(platezarr.Shape, len(coord))
		for i := range coord {
			dstOff[i] = overlap.Offset[i] - coord[i]*s.spec.ChunkShape[i]
			srcOff[i] = overlap.Offset[i] - p.ROI.Offset[i]
		}
		lock := s.locks.lockFor(coord)
		lock.Lock()
		s.blendAverage(coord, nil, dstOff, p, srcOff, overlap.Size)
		lock.Unlock()
	}
}

// PlaceTile writes one placement into every chunk it intersects.  A
// cancelled context stops before any chunk of this tile is touched; chunks
// written by earlier placements remain valid.
func (s *Session) PlaceTile(ctx context.Context, p stitch.Placement) error {
	if err := ctx.Err(); err != nil {
		return platezarr.ErrCancelled
	}
	s.mu.Lock()
	if s.placed[p.Tile.ID] {
		s.mu.Unlock()
		platezarr.Debugf("Tile %q already placed in %s; skipping\n", p.Tile.ID, s.path)
		return nil
	}
	s.mu.Unlock()

	canvasROI := platezarr.ROI{
		Offset: make(platezarr.Shape, len(s.spec.Shape)),
		Size:   s.spec.Shape,
	}
	if !canvasROI.Contains(p.ROI) {
		return platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("tile %q placement %s exceeds canvas shape %v", p.Tile.ID, p.ROI, s.spec.Shape),
		}
	}

	for _, coord := range platezarr.ChunksOverlapping(p.ROI, s.spec.ChunkShape) {
		if err := s.writeChunkRegion(coord, p); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.placed[p.Tile.ID] = true
	s.mu.Unlock()
	return nil
}

// writeChunkRegion performs the locked read-modify-write of one chunk.
func (s *Session) writeChunkRegion(coord platezarr.ChunkCoord, p stitch.Placement) error {
	chunkROI := platezarr.ChunkROI(coord, s.spec.ChunkShape, s.spec.Shape)
	overlap, ok := p.ROI.Intersect(chunkROI)
	if !ok {
		return nil
	}

	lock := s.locks.lockFor(coord)
	lock.Lock()
	defer lock.Unlock()

	data, err := s.store.ReadChunk(s.path, coord)
	if err != nil {
		return platezarr.ChunkWriteFailed{Path: s.path, Chunk: coord, Cause: err}
	}
	chunkBytes := s.spec.ChunkBytes()
	absent := data == nil
	if absent {
		// Chunks are stored at full chunk shape; border chunks carry fill
		// beyond the array edge.
		data = make([]byte, chunkBytes)
	} else if int64(len(data)) != chunkBytes {
		return platezarr.ChunkWriteFailed{
			Path:  s.path,
			Chunk: coord,
			Cause: fmt.Errorf("stored chunk holds %d bytes, expected %d", len(data), chunkBytes),
		}
	}

	chunkOrigin := make(platezarr.Shape, len(coord))
	dstOff := make(platezarr.Shape, len(coord))
	srcOff := make(platezarr.Shape, len(coord))
	for i := range coord {
		chunkOrigin[i] = coord[i] * s.spec.ChunkShape[i]
		dstOff[i] = overlap.Offset[i] - chunkOrigin[i]
		srcOff[i] = overlap.Offset[i] - p.ROI.Offset[i]
	}
	elemSize := s.spec.DataType.BytesPerElement()

	switch s.policy {
	case stitch.Average:
		s.blendAverage(coord, data, dstOff, p, srcOff, overlap.Size)
	case stitch.Max:
		merge := mergeMaxFunc(s.spec.DataType)
		if absent {
			merge = mergeSet
		}
		transfer(data, s.spec.ChunkShape, dstOff, p.Tile.Data, p.Tile.Shape, srcOff, overlap.Size, elemSize, merge)
	default: // Overwrite: last registration wins.
		transfer(data, s.spec.ChunkShape, dstOff, p.Tile.Data, p.Tile.Shape, srcOff, overlap.Size, elemSize, mergeSet)
	}

	if err := s.store.WriteChunk(s.path, coord, data); err != nil {
		return platezarr.ChunkWriteFailed{Path: s.path, Chunk: coord, Cause: err}
	}
	return nil
}

// blendAverage folds the tile region into the chunk's running accumulator
// and rewrites every touched sample as the mean of its contributions.  The
// accumulator lives for the session, so a canvas converges to the true
// arithmetic mean of all contributing tiles regardless of placement order.
// A nil data slice accumulates only, for priming from committed tiles.
func (s *Session) blendAverage(coord platezarr.ChunkCoord, data []byte,
	dstOff platezarr.Shape, p stitch.Placement, srcOff, size platezarr.Shape) {

	key := storage.ChunkKey(coord)
	s.mu.Lock()
	acc, found := s.accums[key]
	if !found {
		n := s.spec.ChunkShape.NumElements()
		acc = &chunkAccum{sum: make([]float64, n), count: make([]uint16, n)}
		s.accums[key] = acc
	}
	s.mu.Unlock()

	dtype := s.spec.DataType
	chunkStrides := s.spec.ChunkShape.Strides()
	tileStrides := p.Tile.Shape.Strides()
	rank := len(size)

	// Elementwise odometer walk of the overlap region.
	idx := make([]int64, rank)
	for {
		var di, si int64
		for i := 0; i < rank; i++ {
			di += (dstOff[i] + idx[i]) * chunkStrides[i]
			si += (srcOff[i] + idx[i]) * tileStrides[i]
		}
		acc.sum[di] += platezarr.SampleAt(p.Tile.Data, si, dtype)
		acc.count[di]++
		if data != nil {
			platezarr.SetSample(data, di, dtype, acc.sum[di]/float64(acc.count[di]))
		}

		i := rank - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < size[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}
