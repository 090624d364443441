/*
Package stitch plans the spatial placement of acquisition tiles onto the
canvas of a well-image.  Given the full set of tiles destined for one image,
it normalizes their stage positions into canvas pixel space, resolves the
minimal enclosing extent, and produces a deterministic placement list the
chunk writer consumes.

Vendor readers produce tiles; this package never reads a vendor format.
*/
package stitch

import (
	"fmt"

	"github.com/janelia-flyem/platezarr/platezarr"
)

// Tile is one field of view: an in-memory pixel buffer plus its placement
// metadata.  The caller owns the tile until it is registered with a canvas;
// it is read-only from that point on.
type Tile struct {
	// ID names the tile for error reporting and resume bookkeeping,
	// typically the vendor field identifier.
	ID string

	// Well and acquisition identity within the plate.
	Row         string
	Column      int
	Acquisition int

	// Field index within the well.
	Field int

	// Data is the raw sample buffer in row-major order per Axes.
	Data []byte

	DataType platezarr.DataType
	Axes     platezarr.AxisOrder

	// Shape is the tile extent per axis.
	Shape platezarr.Shape

	// Origin is the tile's position in the well-image frame, in physical
	// units per axis.  The planner divides by the pixel size to obtain
	// canvas pixel coordinates.
	Origin []float64
}

// Validate checks internal consistency of the tile record.
func (t *Tile) Validate() error {
	if err := t.Axes.Validate(); err != nil {
		return platezarr.InvalidGeometry{Reason: fmt.Sprintf("tile %q: %v", t.ID, err)}
	}
	if len(t.Shape) != len(t.Axes) || len(t.Origin) != len(t.Axes) {
		return platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("tile %q: shape rank %d, origin rank %d, axes rank %d",
				t.ID, len(t.Shape), len(t.Origin), len(t.Axes)),
		}
	}
	for i, v := range t.Shape {
		if v <= 0 {
			return platezarr.InvalidGeometry{Reason: fmt.Sprintf("tile %q: shape[%d] = %d", t.ID, i, v)}
		}
	}
	bytesNeeded := t.Shape.NumElements() * t.DataType.BytesPerElement()
	if int64(len(t.Data)) != bytesNeeded {
		return platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("tile %q: buffer holds %d bytes, shape %v of %s needs %d",
				t.ID, len(t.Data), t.Shape, t.DataType, bytesNeeded),
		}
	}
	return nil
}

// WellPath returns the "row/column" path fragment for the owning well, e.g.
// "A/3".
func (t *Tile) WellPath() string {
	return fmt.Sprintf("%s/%d", t.Row, t.Column)
}

// TileError pairs a tile with the per-tile error that excluded it from a
// plan.  Sibling tiles are unaffected.
type TileError struct {
	TileID string
	Err    error
}

func (e TileError) Error() string {
	return fmt.Sprintf("tile %q: %v", e.TileID, e.Err)
}

func (e TileError) Unwrap() error {
	return e.Err
}
