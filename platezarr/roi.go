package platezarr

import (
	"fmt"
)

// Shape is an n-dimensional extent or coordinate, one value per axis,
// ordered per the owning AxisOrder.
type Shape []int64

// NumElements returns the number of samples spanned by the shape.
func (s Shape) NumElements() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, v := range s {
		n *= v
	}
	return n
}

// Duplicate returns a copy so callers can modify without aliasing.
func (s Shape) Duplicate() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Equals checks elementwise equality.
func (s Shape) Equals(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i, v := range s {
		if v != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// Strides returns row-major strides in elements for a buffer of this shape.
func (s Shape) Strides() []int64 {
	strides := make([]int64, len(s))
	stride := int64(1)
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= s[i]
	}
	return strides
}

// ROI is an axis-aligned box in the pixel space of a well-image canvas,
// described by an offset and a strictly positive size per axis.  It is used
// both for tile placements and for the overall extent of a canvas.
type ROI struct {
	Offset Shape
	Size   Shape
}

// NewROI returns an ROI after checking the offset and size agree in rank and
// that every size component is strictly positive.
func NewROI(offset, size Shape) (ROI, error) {
	if len(offset) != len(size) {
		return ROI{}, InvalidGeometry{fmt.Sprintf("ROI offset rank %d != size rank %d", len(offset), len(size))}
	}
	for i, v := range size {
		if v <= 0 {
			return ROI{}, InvalidGeometry{fmt.Sprintf("ROI size[%d] = %d must be positive", i, v)}
		}
	}
	return ROI{Offset: offset.Duplicate(), Size: size.Duplicate()}, nil
}

// End returns the exclusive upper corner, offset + size.
func (r ROI) End() Shape {
	end := make(Shape, len(r.Offset))
	for i := range r.Offset {
		end[i] = r.Offset[i] + r.Size[i]
	}
	return end
}

// NumElements returns the number of samples covered by the ROI.
func (r ROI) NumElements() int64 {
	return r.Size.NumElements()
}

func (r ROI) String() string {
	return fmt.Sprintf("ROI{offset %v, size %v}", []int64(r.Offset), []int64(r.Size))
}

// Equals checks offset and size equality.
func (r ROI) Equals(other ROI) bool {
	return r.Offset.Equals(other.Offset) && r.Size.Equals(other.Size)
}

// Intersect returns the overlapping region of two ROIs and whether any
// overlap exists.
func (r ROI) Intersect(other ROI) (ROI, bool) {
	if len(r.Offset) != len(other.Offset) {
		return ROI{}, false
	}
	offset := make(Shape, len(r.Offset))
	size := make(Shape, len(r.Offset))
	for i := range r.Offset {
		beg := r.Offset[i]
		if other.Offset[i] > beg {
			beg = other.Offset[i]
		}
		end := r.Offset[i] + r.Size[i]
		if e := other.Offset[i] + other.Size[i]; e < end {
			end = e
		}
		if end <= beg {
			return ROI{}, false
		}
		offset[i] = beg
		size[i] = end - beg
	}
	return ROI{Offset: offset, Size: size}, true
}

// Union returns the minimal ROI enclosing both.
func (r ROI) Union(other ROI) ROI {
	offset := make(Shape, len(r.Offset))
	size := make(Shape, len(r.Offset))
	for i := range r.Offset {
		beg := r.Offset[i]
		if other.Offset[i] < beg {
			beg = other.Offset[i]
		}
		end := r.Offset[i] + r.Size[i]
		if e := other.Offset[i] + other.Size[i]; e > end {
			end = e
		}
		offset[i] = beg
		size[i] = end - beg
	}
	return ROI{Offset: offset, Size: size}
}

// Contains is true if other lies entirely within the receiver.
func (r ROI) Contains(other ROI) bool {
	if len(r.Offset) != len(other.Offset) {
		return false
	}
	for i := range r.Offset {
		if other.Offset[i] < r.Offset[i] {
			return false
		}
		if other.Offset[i]+other.Size[i] > r.Offset[i]+r.Size[i] {
			return false
		}
	}
	return true
}

// ChunkCoord identifies one chunk within an array's chunk grid.
type ChunkCoord []int64

func (c ChunkCoord) String() string {
	return fmt.Sprintf("%v", []int64(c))
}

// Equals checks elementwise equality.
func (c ChunkCoord) Equals(other ChunkCoord) bool {
	if len(c) != len(other) {
		return false
	}
	for i, v := range c {
		if v != other[i] {
			return false
		}
	}
	return true
}

// ChunkROI returns the region of array space covered by the chunk at the
// given coordinate, clipped to the array shape.  Border chunks may be
// partial.
func ChunkROI(coord ChunkCoord, chunkShape, arrayShape Shape) ROI {
	offset := make(Shape, len(coord))
	size := make(Shape, len(coord))
	for i := range coord {
		offset[i] = coord[i] * chunkShape[i]
		size[i] = chunkShape[i]
		if offset[i]+size[i] > arrayShape[i] {
			size[i] = arrayShape[i] - offset[i]
		}
	}
	return ROI{Offset: offset, Size: size}
}

// ChunksOverlapping returns the coordinates of every chunk in the grid that
// the given ROI intersects.
func ChunksOverlapping(r ROI, chunkShape Shape) []ChunkCoord {
	rank := len(r.Offset)
	beg := make([]int64, rank)
	end := make([]int64, rank)
	total := 1
	for i := 0; i < rank; i++ {
		beg[i] = r.Offset[i] / chunkShape[i]
		end[i] = (r.Offset[i] + r.Size[i] - 1) / chunkShape[i]
		total *= int(end[i] - beg[i] + 1)
	}
	coords := make([]ChunkCoord, 0, total)
	cur := make([]int64, rank)
	copy(cur, beg)
	for {
		coord := make(ChunkCoord, rank)
		copy(coord, cur)
		coords = append(coords, coord)
		// Odometer increment from the fastest-varying axis.
		i := rank - 1
		for ; i >= 0; i-- {
			cur[i]++
			if cur[i] <= end[i] {
				break
			}
			cur[i] = beg[i]
		}
		if i < 0 {
			break
		}
	}
	return coords
}
