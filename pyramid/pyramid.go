/*
Package pyramid builds multiscale resolution levels above a full-resolution
zarr array.  Each level is produced strictly from the level below it, one
destination chunk at a time, so peak memory stays bounded by a single chunk
plus its source window.
*/
package pyramid

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/storage"
	"github.com/janelia-flyem/platezarr/writer"
)

// Reduction selects how a window of source samples collapses into one
// destination sample.  It is always configured explicitly; the builder never
// infers it from the data type.
type Reduction uint8

const (
	// Mean averages the window.  Integer outputs are rounded and clamped.
	Mean Reduction = iota

	// Nearest takes the top-left corner sample of the window.  Use this
	// for label data where averaging would invent values.
	Nearest

	// Max takes the maximum sample of the window.
	Max
)

func (r Reduction) String() string {
	switch r {
	case Mean:
		return "mean"
	case Nearest:
		return "nearest"
	case Max:
		return "max"
	default:
		return "unknown"
	}
}

// ReductionByName parses a reduction name used in configuration.
func ReductionByName(name string) (Reduction, error) {
	switch name {
	case "mean", "":
		return Mean, nil
	case "nearest":
		return Nearest, nil
	case "max":
		return Max, nil
	default:
		return Mean, fmt.Errorf("unknown reduction %q", name)
	}
}

// Config holds pyramid construction settings for one image.
type Config struct {
	// Factors gives per-axis integer downsampling factors applied between
	// consecutive levels.  If nil, DefaultFactors of the image axes is used.
	Factors platezarr.Shape

	// Reduction
	Reduction Reduction

	// MaxLevels caps the number of levels above full resolution that
	// BuildAll produces.  Zero means no cap; building stops when a level
	// would no longer shrink.
	MaxLevels int

	// ChunkShape overrides the chunk shape of the built levels.  If nil,
	// levels inherit the chunk shape of the full-resolution array, clipped
	// to each level's extent.
	ChunkShape platezarr.Shape
}

// DefaultFactors returns a factor of 2 on spatial y and x axes and 1 on all
// other axes.
func DefaultFactors(axes platezarr.AxisOrder) platezarr.Shape {
	factors := make(platezarr.Shape, len(axes))
	for i, axis := range axes {
		if axis == platezarr.YAxis || axis == platezarr.XAxis {
			factors[i] = 2
		} else {
			factors[i] = 1
		}
	}
	return factors
}

// LevelPath returns the storage path of a resolution level under an image
// group, e.g. "A/3/0/2" for level 2.
func LevelPath(imagePath string, level int) string {
	return fmt.Sprintf("%s/%d", imagePath, level)
}

// Builder constructs resolution levels for one image and tracks which levels
// have been committed.  A level is committed only after every chunk of it has
// been written, so a dependent level never reads a half-built source.
type Builder struct {
	store  storage.ChunkStore
	path   string
	axes   platezarr.AxisOrder
	config Config

	mu        sync.Mutex
	committed map[int]bool
}

// NewBuilder returns a builder for the image at the given path.  The
// full-resolution array must already exist at level 0; it is recorded as
// committed.
func NewBuilder(store storage.ChunkStore, imagePath string, axes platezarr.AxisOrder, config Config) (*Builder, error) {
	if err := axes.Validate(); err != nil {
		return nil, err
	}
	if config.Factors == nil {
		config.Factors = DefaultFactors(axes)
	}
	if len(config.Factors) != len(axes) {
		return nil, platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("%d downsampling factors for %d axes", len(config.Factors), len(axes)),
		}
	}
	for i, f := range config.Factors {
		if f < 1 {
			return nil, platezarr.InvalidGeometry{
				Reason: fmt.Sprintf("downsampling factor %d on axis %s", f, axes[i]),
			}
		}
	}
	base := LevelPath(imagePath, 0)
	if _, err := store.GetArraySpec(base); err != nil {
		return nil, fmt.Errorf("full-resolution array %q: %v", base, err)
	}
	return &Builder{
		store:     store,
		path:      imagePath,
		axes:      axes,
		config:    config,
		committed: map[int]bool{0: true},
	}, nil
}

// CommittedLevels returns the committed level numbers in ascending order.
// Hierarchy metadata must advertise only these.
func (b *Builder) CommittedLevels() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := make([]int, 0, len(b.committed))
	for level := range b.committed {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	return levels
}

// levelShape returns the extent of a level derived from its source extent.
// Axes are truncated like integer division but never fall below 1.
func (b *Builder) levelShape(src platezarr.Shape) platezarr.Shape {
	dst := make(platezarr.Shape, len(src))
	for i, extent := range src {
		dst[i] = extent / b.config.Factors[i]
		if dst[i] < 1 {
			dst[i] = 1
		}
	}
	return dst
}

// BuildLevel constructs one resolution level from the level below it.  It
// returns LevelDependencyMissing if that source level has not been committed
// by this builder.  Cancellation is honored between destination chunks.
func (b *Builder) BuildLevel(ctx context.Context, level int) error {
	if level < 1 {
		return fmt.Errorf("cannot build level %d; level 0 is written by tile placement", level)
	}
	b.mu.Lock()
	ok := b.committed[level-1]
	b.mu.Unlock()
	if !ok {
		return platezarr.LevelDependencyMissing{Level: level}
	}

	srcPath := LevelPath(b.path, level-1)
	srcSpec, err := b.store.GetArraySpec(srcPath)
	if err != nil {
		return err
	}

	dstSpec := storage.ArraySpec{
		Shape:    b.levelShape(srcSpec.Shape),
		DataType: srcSpec.DataType,
	}
	if b.config.ChunkShape != nil {
		dstSpec.ChunkShape = b.config.ChunkShape.Duplicate()
	} else {
		dstSpec.ChunkShape = srcSpec.ChunkShape.Duplicate()
	}
	for i := range dstSpec.ChunkShape {
		if dstSpec.ChunkShape[i] > dstSpec.Shape[i] {
			dstSpec.ChunkShape[i] = dstSpec.Shape[i]
		}
	}

	dstPath := LevelPath(b.path, level)
	if err := b.store.CreateArray(dstPath, dstSpec); err != nil {
		return err
	}

	timelog := platezarr.NewTimeLog()
	fullROI := platezarr.ROI{
		Offset: make(platezarr.Shape, len(dstSpec.Shape)),
		Size:   dstSpec.Shape,
	}
	for _, coord := range platezarr.ChunksOverlapping(fullROI, dstSpec.ChunkShape) {
		select {
		case <-ctx.Done():
			return platezarr.ErrCancelled
		default:
		}
		if err := b.buildChunk(srcPath, srcSpec, dstPath, dstSpec, coord); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.committed[level] = true
	b.mu.Unlock()
	timelog.Infof("built level %d of %q, shape %v", level, b.path, dstSpec.Shape)
	return nil
}

// BuildAll builds successive levels until a level would no longer shrink on
// any axis, or MaxLevels is reached.  It returns the highest level built.
func (b *Builder) BuildAll(ctx context.Context) (int, error) {
	spec, err := b.store.GetArraySpec(LevelPath(b.path, 0))
	if err != nil {
		return 0, err
	}
	shape := spec.Shape
	level := 0
	for {
		if b.config.MaxLevels > 0 && level >= b.config.MaxLevels {
			return level, nil
		}
		next := b.levelShape(shape)
		if next.Equals(shape) {
			return level, nil
		}
		level++
		if err := b.BuildLevel(ctx, level); err != nil {
			return level - 1, err
		}
		shape = next
	}
}

// buildChunk produces one destination chunk by reading the covering source
// window and reducing each factor-sized block to one sample.
func (b *Builder) buildChunk(srcPath string, srcSpec storage.ArraySpec,
	dstPath string, dstSpec storage.ArraySpec, coord platezarr.ChunkCoord) error {

	dstROI := platezarr.ChunkROI(coord, dstSpec.ChunkShape, dstSpec.Shape)

	// Source window covering the destination region, clipped to the source
	// extent since the truncated destination may map past the border.
	srcROI := platezarr.ROI{
		Offset: make(platezarr.Shape, len(dstROI.Offset)),
		Size:   make(platezarr.Shape, len(dstROI.Size)),
	}
	for i := range dstROI.Offset {
		srcROI.Offset[i] = dstROI.Offset[i] * b.config.Factors[i]
		srcROI.Size[i] = dstROI.Size[i] * b.config.Factors[i]
		if srcROI.Offset[i]+srcROI.Size[i] > srcSpec.Shape[i] {
			srcROI.Size[i] = srcSpec.Shape[i] - srcROI.Offset[i]
		}
	}

	src, err := writer.ReadRegion(b.store, srcPath, srcROI)
	if err != nil {
		return err
	}

	dtype := dstSpec.DataType
	dst := make([]byte, dstSpec.ChunkBytes())

	ndims := len(dstSpec.ChunkShape)
	chunkStrides := dstSpec.ChunkShape.Strides()
	srcStrides := srcROI.Size.Strides()

	// Walk destination samples within this chunk odometer-style.
	cursor := make(platezarr.Shape, ndims)
	for {
		var di int64
		for i := 0; i < ndims; i++ {
			di += (dstROI.Offset[i] - coord[i]*dstSpec.ChunkShape[i] + cursor[i]) * chunkStrides[i]
		}
		platezarr.SetSample(dst, di, dtype, b.reduceWindow(src, srcStrides, srcROI, dstROI, cursor, dtype))

		axis := ndims - 1
		for axis >= 0 {
			cursor[axis]++
			if cursor[axis] < dstROI.Size[axis] {
				break
			}
			cursor[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}

	if err := b.store.WriteChunk(dstPath, coord, dst); err != nil {
		return platezarr.ChunkWriteFailed{Path: dstPath, Chunk: coord, Cause: err}
	}
	return nil
}

// reduceWindow collapses the factor-sized source block behind one destination
// sample.  Blocks truncated by the source border reduce over the samples that
// exist.
func (b *Builder) reduceWindow(src []byte, srcStrides []int64,
	srcROI, dstROI platezarr.ROI, cursor platezarr.Shape, dtype platezarr.DataType) float64 {

	ndims := len(cursor)
	base := make(platezarr.Shape, ndims)
	window := make(platezarr.Shape, ndims)
	for i := 0; i < ndims; i++ {
		base[i] = (dstROI.Offset[i]+cursor[i])*b.config.Factors[i] - srcROI.Offset[i]
		window[i] = b.config.Factors[i]
		if base[i]+window[i] > srcROI.Size[i] {
			window[i] = srcROI.Size[i] - base[i]
		}
	}

	var baseIdx int64
	for i := 0; i < ndims; i++ {
		baseIdx += base[i] * srcStrides[i]
	}
	if b.config.Reduction == Nearest {
		return platezarr.SampleAt(src, baseIdx, dtype)
	}

	var sum, max float64
	var count int64
	off := make(platezarr.Shape, ndims)
	for {
		var si int64 = baseIdx
		for i := 0; i < ndims; i++ {
			si += off[i] * srcStrides[i]
		}
		v := platezarr.SampleAt(src, si, dtype)
		if count == 0 || v > max {
			max = v
		}
		sum += v
		count++

		axis := ndims - 1
		for axis >= 0 {
			off[axis]++
			if off[axis] < window[axis] {
				break
			}
			off[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}

	if b.config.Reduction == Max {
		return max
	}
	return sum / float64(count)
}
