package platezarr

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType is the sample type of tile and canvas pixel data.  It is a closed
// enum: adding a type requires updating the chunk transfer and pyramid
// reduction kernels.
type DataType uint8

const (
	UnknownType DataType = iota
	Uint8
	Uint16
	Uint32
	Float32
)

func (dt DataType) String() string {
	switch dt {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}

// BytesPerElement returns the on-disk and in-memory size of one sample.
func (dt DataType) BytesPerElement() int64 {
	switch dt {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32, Float32:
		return 4
	default:
		return 0
	}
}

// ZarrDType returns the zarr v2 dtype encoding.  Multibyte types are stored
// little-endian.
func (dt DataType) ZarrDType() string {
	switch dt {
	case Uint8:
		return "|u1"
	case Uint16:
		return "<u2"
	case Uint32:
		return "<u4"
	case Float32:
		return "<f4"
	default:
		return ""
	}
}

// DataTypeByName parses a type name like "uint16" used in configuration
// and tile records.
func DataTypeByName(name string) (DataType, error) {
	switch name {
	case "uint8":
		return Uint8, nil
	case "uint16":
		return Uint16, nil
	case "uint32":
		return Uint32, nil
	case "float32":
		return Float32, nil
	default:
		return UnknownType, fmt.Errorf("unknown data type %q", name)
	}
}

// SampleAt reads sample i of a little-endian buffer as a float64.
func SampleAt(buf []byte, i int64, dt DataType) float64 {
	switch dt {
	case Uint8:
		return float64(buf[i])
	case Uint16:
		return float64(binary.LittleEndian.Uint16(buf[i*2:]))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(buf[i*4:]))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
	default:
		return 0
	}
}

// SetSample writes v as sample i of a little-endian buffer, rounding and
// clamping to the representable range for integer types.
func SetSample(buf []byte, i int64, dt DataType, v float64) {
	switch dt {
	case Uint8:
		buf[i] = uint8(clampRound(v, 0, math.MaxUint8))
	case Uint16:
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(clampRound(v, 0, math.MaxUint16)))
	case Uint32:
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(clampRound(v, 0, math.MaxUint32)))
	case Float32:
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DataTypeByZarr parses a zarr v2 dtype string.
func DataTypeByZarr(dtype string) (DataType, error) {
	switch dtype {
	case "|u1":
		return Uint8, nil
	case "<u2":
		return Uint16, nil
	case "<u4":
		return Uint32, nil
	case "<f4":
		return Float32, nil
	default:
		return UnknownType, fmt.Errorf("unsupported zarr dtype %q", dtype)
	}
}
