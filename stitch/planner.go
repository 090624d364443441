package stitch

import (
	"fmt"
	"math"

	"github.com/janelia-flyem/platezarr/platezarr"
)

const (
	// pixelAlignmentTol is how far a scaled origin may sit from an integer
	// pixel before the tile is rejected as InvalidGeometry.
	pixelAlignmentTol = 1e-6

	// autoSnapFraction is the largest deviation from the regular grid, as a
	// fraction of the tile size, that AutoMode still snaps away.
	autoSnapFraction = 0.1

	// DefaultMaxXYChunk bounds chunk extents along y and x.
	DefaultMaxXYChunk = 4096
)

// Options configures planning for one well-image.  The overlap policy and
// tiling mode are resolved once per image.
type Options struct {
	Mode    TilingMode
	Overlap OverlapPolicy

	// Stage coordinate fixes applied before normalization.
	SwapXY  bool
	InvertX bool
	InvertY bool

	// PixelSize converts physical origins to pixels, one entry per axis.
	// Nil means origins are already in pixels.
	PixelSize []float64

	// ChunkShape overrides the derived chunk shape when non-nil.
	ChunkShape platezarr.Shape

	// MaxXYChunk caps derived chunk extents along y and x.  Zero means
	// DefaultMaxXYChunk.
	MaxXYChunk int64
}

// Plan is the result of planning one well-image: final canvas geometry plus
// the deterministic placement of every accepted tile.
type Plan struct {
	Axes       platezarr.AxisOrder
	DataType   platezarr.DataType
	Shape      platezarr.Shape
	ChunkShape platezarr.Shape
	Overlap    OverlapPolicy
	Placements []Placement

	// Skipped lists tiles excluded by per-tile geometry errors.  Skipped
	// tiles never abort sibling placements.
	Skipped []TileError
}

// PlanImage computes the canvas for the full set of tiles destined for one
// well-image.  Tiles with per-tile geometry problems are skipped and
// reported in Plan.Skipped; an error is returned only if no tile survives.
func PlanImage(tiles []*Tile, opts Options) (*Plan, error) {
	if len(tiles) == 0 {
		return nil, platezarr.InvalidGeometry{Reason: "no tiles for image"}
	}

	tiles, opts = squeezeSingletonTime(tiles, opts)

	plan := &Plan{Overlap: opts.Overlap}
	var canvas *Canvas

	origins := make([][]float64, len(tiles))
	accepted := make([]*Tile, 0, len(tiles))
	for _, tile := range tiles {
		if err := tile.Validate(); err != nil {
			plan.Skipped = append(plan.Skipped, TileError{TileID: tile.ID, Err: err})
			continue
		}
		origin, err := pixelOrigin(tile, opts)
		if err != nil {
			plan.Skipped = append(plan.Skipped, TileError{TileID: tile.ID, Err: err})
			continue
		}
		origins[len(accepted)] = origin
		accepted = append(accepted, tile)
	}
	if len(accepted) == 0 {
		return nil, platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("all %d tiles for image were rejected", len(tiles)),
		}
	}
	origins = origins[:len(accepted)]

	if opts.Mode != NoneMode {
		applyStageFixes(accepted, origins, opts)
		snapToGrid(accepted, origins, opts.Mode)
		translateToOrigin(origins)
	}

	for i, tile := range accepted {
		if canvas == nil {
			canvas = NewCanvas(tile.Axes, tile.DataType)
		}
		roi, err := integralROI(tile, origins[i])
		if err != nil {
			plan.Skipped = append(plan.Skipped, TileError{TileID: tile.ID, Err: err})
			continue
		}
		if err := canvas.Register(tile, roi); err != nil {
			plan.Skipped = append(plan.Skipped, TileError{TileID: tile.ID, Err: err})
			continue
		}
	}
	if canvas == nil {
		return nil, platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("all %d tiles for image were rejected", len(tiles)),
		}
	}
	canvas.Freeze()

	placements, err := canvas.Placements()
	if err != nil {
		return nil, err
	}
	if len(placements) == 0 {
		return nil, platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("all %d tiles for image were rejected", len(tiles)),
		}
	}
	shape, err := canvas.Shape()
	if err != nil {
		return nil, err
	}

	plan.Axes = canvas.Axes()
	plan.DataType = canvas.DataType()
	plan.Shape = shape
	plan.Placements = placements
	plan.ChunkShape, err = deriveChunkShape(shape, plan.Axes, opts)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// squeezeSingletonTime drops the time axis when every tile carries it with
// extent 1.  Plate acquisitions commonly store a vestigial t dimension;
// squeezing it up front keeps the canvas and all downstream metadata at the
// true rank.  Mixed or non-temporal tile sets pass through unchanged.
func squeezeSingletonTime(tiles []*Tile, opts Options) ([]*Tile, Options) {
	for _, tile := range tiles {
		ti := tile.Axes.Index(platezarr.TimeAxis)
		if ti < 0 || len(tile.Shape) != len(tile.Axes) || len(tile.Origin) != len(tile.Axes) {
			return tiles, opts
		}
		if tile.Shape[ti] != 1 {
			return tiles, opts
		}
	}
	squeezed := make([]*Tile, len(tiles))
	for i, tile := range tiles {
		ti := tile.Axes.Index(platezarr.TimeAxis)
		t := *tile
		t.Axes = tile.Axes.Squeeze(platezarr.TimeAxis)
		t.Shape = dropExtent(tile.Shape, ti)
		t.Origin = dropCoord(tile.Origin, ti)
		squeezed[i] = &t
	}
	rank := len(tiles[0].Axes)
	ti := tiles[0].Axes.Index(platezarr.TimeAxis)
	if len(opts.PixelSize) == rank {
		opts.PixelSize = dropCoord(opts.PixelSize, ti)
	}
	if len(opts.ChunkShape) == rank {
		opts.ChunkShape = dropExtent(opts.ChunkShape, ti)
	}
	return squeezed, opts
}

func dropExtent(s platezarr.Shape, i int) platezarr.Shape {
	out := make(platezarr.Shape, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

func dropCoord(s []float64, i int) []float64 {
	out := make([]float64, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// pixelOrigin converts a tile's physical origin into fractional pixel
// coordinates.
func pixelOrigin(tile *Tile, opts Options) ([]float64, error) {
	origin := make([]float64, len(tile.Origin))
	copy(origin, tile.Origin)
	if opts.PixelSize != nil {
		if len(opts.PixelSize) != len(origin) {
			return nil, platezarr.GeometryMismatch{
				Reason: fmt.Sprintf("pixel size rank %d != tile %q rank %d",
					len(opts.PixelSize), tile.ID, len(origin)),
			}
		}
		for i := range origin {
			if opts.PixelSize[i] <= 0 {
				return nil, platezarr.InvalidGeometry{
					Reason: fmt.Sprintf("pixel size[%d] = %g must be positive", i, opts.PixelSize[i]),
				}
			}
			origin[i] /= opts.PixelSize[i]
		}
	}
	return origin, nil
}

// applyStageFixes swaps and inverts stage coordinates before normalization.
// Inversion mirrors the axis, so a tile's trailing edge becomes its leading
// edge.
func applyStageFixes(tiles []*Tile, origins [][]float64, opts Options) {
	for i, tile := range tiles {
		xi := tile.Axes.Index(platezarr.XAxis)
		yi := tile.Axes.Index(platezarr.YAxis)
		if opts.SwapXY {
			origins[i][xi], origins[i][yi] = origins[i][yi], origins[i][xi]
		}
		if opts.InvertX {
			origins[i][xi] = -origins[i][xi] - float64(tile.Shape[xi])
		}
		if opts.InvertY {
			origins[i][yi] = -origins[i][yi] - float64(tile.Shape[yi])
		}
	}
}

// snapToGrid aligns y/x origins to integral multiples of the tile size.
// GridMode always snaps; AutoMode snaps only when every deviation is small.
// Tile sets with varying spatial shapes are left free since no single grid
// pitch exists.
func snapToGrid(tiles []*Tile, origins [][]float64, mode TilingMode) {
	if mode != GridMode && mode != AutoMode {
		return
	}
	ref := tiles[0]
	for _, axis := range []platezarr.Axis{platezarr.YAxis, platezarr.XAxis} {
		ai := ref.Axes.Index(axis)
		pitch := float64(ref.Shape[ai])
		uniform := true
		for _, tile := range tiles[1:] {
			if tile.Shape[tile.Axes.Index(axis)] != ref.Shape[ai] {
				uniform = false
				break
			}
		}
		if !uniform {
			continue
		}
		maxDev := 0.0
		snapped := make([]float64, len(tiles))
		for i := range tiles {
			snapped[i] = math.Round(origins[i][ai]/pitch) * pitch
			if dev := math.Abs(origins[i][ai] - snapped[i]); dev > maxDev {
				maxDev = dev
			}
		}
		if mode == AutoMode && maxDev > autoSnapFraction*pitch {
			continue
		}
		for i := range tiles {
			origins[i][ai] = snapped[i]
		}
	}
}

// translateToOrigin shifts all origins so the minimum corner per axis is
// zero, making the canvas origin the top-left of the tile set.
func translateToOrigin(origins [][]float64) {
	if len(origins) == 0 {
		return
	}
	rank := len(origins[0])
	for axis := 0; axis < rank; axis++ {
		minV := origins[0][axis]
		for _, origin := range origins[1:] {
			if origin[axis] < minV {
				minV = origin[axis]
			}
		}
		for _, origin := range origins {
			origin[axis] -= minV
		}
	}
}

// integralROI converts a fractional pixel origin into an integral
// canvas-space ROI, rejecting placements that don't land on whole pixels.
func integralROI(tile *Tile, origin []float64) (platezarr.ROI, error) {
	offset := make(platezarr.Shape, len(origin))
	for i, v := range origin {
		rounded := math.Round(v)
		if math.Abs(v-rounded) > pixelAlignmentTol {
			return platezarr.ROI{}, platezarr.InvalidGeometry{
				Reason: fmt.Sprintf("tile %q origin[%d] = %g is not an integral pixel", tile.ID, i, v),
			}
		}
		offset[i] = int64(rounded)
	}
	return platezarr.NewROI(offset, tile.Shape)
}

// deriveChunkShape clips an explicit chunk shape to the canvas, or derives
// one: single-element chunks along t, c and z, and up to MaxXYChunk along y
// and x.
func deriveChunkShape(shape platezarr.Shape, axes platezarr.AxisOrder, opts Options) (platezarr.Shape, error) {
	if opts.ChunkShape != nil {
		if len(opts.ChunkShape) != len(shape) {
			return nil, fmt.Errorf("chunk shape rank %d != canvas rank %d", len(opts.ChunkShape), len(shape))
		}
		chunk := opts.ChunkShape.Duplicate()
		for i := range chunk {
			if chunk[i] <= 0 {
				return nil, fmt.Errorf("chunk shape[%d] = %d must be positive", i, chunk[i])
			}
			if chunk[i] > shape[i] {
				chunk[i] = shape[i]
			}
		}
		return chunk, nil
	}
	maxXY := opts.MaxXYChunk
	if maxXY == 0 {
		maxXY = DefaultMaxXYChunk
	}
	chunk := make(platezarr.Shape, len(shape))
	for i, axis := range axes {
		switch {
		case axis == platezarr.YAxis || axis == platezarr.XAxis:
			chunk[i] = maxXY
		default:
			chunk[i] = 1
		}
		if chunk[i] > shape[i] {
			chunk[i] = shape[i]
		}
	}
	return chunk, nil
}
