package stitch

import (
	"fmt"
	"sync"

	"github.com/janelia-flyem/platezarr/platezarr"
)

// Placement fixes one tile at a canvas-space ROI.  Seq is the registration
// order, which makes last-registration-wins overlap resolution
// deterministic.
type Placement struct {
	Tile *Tile
	ROI  platezarr.ROI
	Seq  int
}

// Canvas is the full-resolution pixel space of one well-image.  It grows as
// tiles are registered and freezes once all tiles for the image are known.
// Freezing is a one-way transition: registration after Freeze is an error.
type Canvas struct {
	axes  platezarr.AxisOrder
	dtype platezarr.DataType

	mu         sync.Mutex
	placements []Placement
	extent     platezarr.ROI
	hasExtent  bool
	frozen     bool
}

// NewCanvas starts an empty canvas with the given axis order and sample
// type.  Every registered tile must match both.
func NewCanvas(axes platezarr.AxisOrder, dtype platezarr.DataType) *Canvas {
	return &Canvas{axes: axes, dtype: dtype}
}

// Axes returns the canvas axis order.
func (c *Canvas) Axes() platezarr.AxisOrder {
	return c.axes
}

// DataType returns the canvas sample type.
func (c *Canvas) DataType() platezarr.DataType {
	return c.dtype
}

// Register places a tile at the given canvas-space ROI.  Tiles whose axis
// order or sample type disagree with the canvas fail with GeometryMismatch
// and leave the canvas unchanged.
func (c *Canvas) Register(tile *Tile, roi platezarr.ROI) error {
	if !tile.Axes.Equals(c.axes) {
		return platezarr.GeometryMismatch{
			Reason: fmt.Sprintf("tile %q has axes %s, canvas has %s", tile.ID, tile.Axes, c.axes),
		}
	}
	if tile.DataType != c.dtype {
		return platezarr.GeometryMismatch{
			Reason: fmt.Sprintf("tile %q has type %s, canvas has %s", tile.ID, tile.DataType, c.dtype),
		}
	}
	if !roi.Size.Equals(tile.Shape) {
		return platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("tile %q shape %v placed with ROI size %v", tile.ID, tile.Shape, roi.Size),
		}
	}
	for i, v := range roi.Offset {
		if v < 0 {
			return platezarr.InvalidGeometry{
				Reason: fmt.Sprintf("tile %q canvas offset[%d] = %d is negative", tile.ID, i, v),
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("canvas is frozen; can't register tile %q", tile.ID)
	}
	c.placements = append(c.placements, Placement{Tile: tile, ROI: roi, Seq: len(c.placements)})
	if c.hasExtent {
		c.extent = c.extent.Union(roi)
	} else {
		c.extent = roi
		c.hasExtent = true
	}
	return nil
}

// Freeze ends tile registration.  Idempotent.
func (c *Canvas) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// Frozen reports whether registration has ended.
func (c *Canvas) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// Extent returns the minimal enclosing ROI of all registered tiles.  Valid
// only after at least one registration.
func (c *Canvas) Extent() (platezarr.ROI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasExtent {
		return platezarr.ROI{}, fmt.Errorf("canvas has no registered tiles")
	}
	return c.extent, nil
}

// Shape returns the canvas array shape: the extent end, assuming the canvas
// origin at zero.
func (c *Canvas) Shape() (platezarr.Shape, error) {
	extent, err := c.Extent()
	if err != nil {
		return nil, err
	}
	return extent.End(), nil
}

// Placements returns the registered placements in registration order.  The
// canvas must be frozen first so the multiplicity of overlaps is final.
func (c *Canvas) Placements() ([]Placement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen {
		return nil, fmt.Errorf("canvas must be frozen before placements are read")
	}
	out := make([]Placement, len(c.placements))
	copy(out, c.placements)
	return out, nil
}
