package platezarr

import (
	"fmt"
	"strings"
)

// Axis names one dimension of an image.  The engine uses the canonical
// OME-NGFF axis vocabulary.
type Axis string

const (
	TimeAxis    Axis = "t"
	ChannelAxis Axis = "c"
	ZAxis       Axis = "z"
	YAxis       Axis = "y"
	XAxis       Axis = "x"
)

// AxisKind returns the NGFF axis type ("time", "channel" or "space") for
// metadata emission.
func (a Axis) AxisKind() string {
	switch a {
	case TimeAxis:
		return "time"
	case ChannelAxis:
		return "channel"
	default:
		return "space"
	}
}

// Spatial is true for axes that are downsampled when building pyramid levels.
func (a Axis) Spatial() bool {
	return a == ZAxis || a == YAxis || a == XAxis
}

// AxisOrder is an ordered list of axes describing the dimensions of a buffer,
// slowest-varying first.  All tiles destined for one well-image must share an
// axis order.
type AxisOrder []Axis

// CanonicalAxes is the on-disk axis order for full 5d images.
var CanonicalAxes = AxisOrder{TimeAxis, ChannelAxis, ZAxis, YAxis, XAxis}

func (ao AxisOrder) String() string {
	parts := make([]string, len(ao))
	for i, a := range ao {
		parts[i] = string(a)
	}
	return strings.Join(parts, "")
}

// Equals checks that two axis orders have identical axes in identical order.
func (ao AxisOrder) Equals(other AxisOrder) bool {
	if len(ao) != len(other) {
		return false
	}
	for i, a := range ao {
		if a != other[i] {
			return false
		}
	}
	return true
}

// Index returns the position of the given axis or -1 if absent.
func (ao AxisOrder) Index(axis Axis) int {
	for i, a := range ao {
		if a == axis {
			return i
		}
	}
	return -1
}

// Validate checks the axis order is a subsequence of the canonical (t,c,z,y,x)
// ordering with no repeats and with both spatial y and x axes present.
func (ao AxisOrder) Validate() error {
	if len(ao) == 0 {
		return fmt.Errorf("empty axis order")
	}
	last := -1
	for _, a := range ao {
		pos := CanonicalAxes.Index(a)
		if pos < 0 {
			return fmt.Errorf("unknown axis %q in axis order %q", a, ao)
		}
		if pos <= last {
			return fmt.Errorf("axis order %q is not in canonical t,c,z,y,x order", ao)
		}
		last = pos
	}
	if ao.Index(YAxis) < 0 || ao.Index(XAxis) < 0 {
		return fmt.Errorf("axis order %q must include both y and x", ao)
	}
	return nil
}

// Squeeze returns the axis order with the given axis removed, e.g., dropping
// a singleton time axis before metadata emission.
func (ao AxisOrder) Squeeze(axis Axis) AxisOrder {
	out := make(AxisOrder, 0, len(ao))
	for _, a := range ao {
		if a != axis {
			out = append(out, a)
		}
	}
	return out
}

// ParseAxisOrder converts a compact axis string like "tczyx" into an AxisOrder.
func ParseAxisOrder(s string) (AxisOrder, error) {
	ao := make(AxisOrder, 0, len(s))
	for _, r := range s {
		ao = append(ao, Axis(string(r)))
	}
	if err := ao.Validate(); err != nil {
		return nil, err
	}
	return ao, nil
}
