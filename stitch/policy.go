package stitch

import "fmt"

// OverlapPolicy decides the value of a canvas pixel covered by more than one
// tile.  The policy is resolved once per image, never per pixel ad hoc.
type OverlapPolicy uint8

const (
	// Overwrite keeps the last-registered tile's value.
	Overwrite OverlapPolicy = iota

	// Average stores the arithmetic mean of all contributing tiles.
	Average

	// Max stores the maximum contributing value.
	Max
)

func (p OverlapPolicy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Average:
		return "average"
	case Max:
		return "max"
	default:
		return "unknown"
	}
}

// OverlapPolicyByName parses a configuration string.
func OverlapPolicyByName(name string) (OverlapPolicy, error) {
	switch name {
	case "overwrite", "":
		return Overwrite, nil
	case "average":
		return Average, nil
	case "max":
		return Max, nil
	default:
		return Overwrite, fmt.Errorf("unknown overlap policy %q", name)
	}
}

// TilingMode selects how stage positions are normalized onto the canvas.
type TilingMode uint8

const (
	// AutoMode snaps to a regular grid when positions are close to integral
	// multiples of the tile size, and otherwise keeps free positions.
	AutoMode TilingMode = iota

	// GridMode snaps every tile origin to the nearest multiple of the tile
	// size along y and x.
	GridMode

	// FreeMode keeps stage positions as-is, only translating the set so the
	// minimum corner becomes the canvas origin.
	FreeMode

	// NoneMode performs no normalization; origins are taken as canvas pixel
	// coordinates directly.
	NoneMode
)

func (m TilingMode) String() string {
	switch m {
	case AutoMode:
		return "auto"
	case GridMode:
		return "grid"
	case FreeMode:
		return "free"
	case NoneMode:
		return "none"
	default:
		return "unknown"
	}
}

// TilingModeByName parses a configuration string.
func TilingModeByName(name string) (TilingMode, error) {
	switch name {
	case "auto", "":
		return AutoMode, nil
	case "grid":
		return GridMode, nil
	case "free":
		return FreeMode, nil
	case "none":
		return NoneMode, nil
	default:
		return AutoMode, fmt.Errorf("unknown tiling mode %q", name)
	}
}
