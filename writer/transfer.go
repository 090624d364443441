package writer

import (
	"encoding/binary"
	"math"

	"github.com/janelia-flyem/platezarr/platezarr"
)

// mergeFunc combines one contiguous run of source samples into the
// destination, both len(src) == len(dst) bytes.
type mergeFunc func(dst, src []byte)

// transfer copies the region of the given size from src to dst, where both
// are row-major buffers with the given shapes and the region starts at the
// given per-axis offsets.  The innermost axis is moved as one contiguous
// run; outer axes are walked odometer-style.
func transfer(dst []byte, dstShape, dstOff platezarr.Shape,
	src []byte, srcShape, srcOff platezarr.Shape,
	size platezarr.Shape, bytesPerElement int64, merge mergeFunc) {

	rank := len(size)
	dstStrides := dstShape.Strides()
	srcStrides := srcShape.Strides()

	runBytes := size[rank-1] * bytesPerElement

	// Linear element offsets of the region origin.
	var dstBase, srcBase int64
	for i := 0; i < rank; i++ {
		dstBase += dstOff[i] * dstStrides[i]
		srcBase += srcOff[i] * srcStrides[i]
	}

	if rank == 1 {
		merge(dst[dstBase*bytesPerElement:dstBase*bytesPerElement+runBytes],
			src[srcBase*bytesPerElement:srcBase*bytesPerElement+runBytes])
		return
	}

	// Odometer over all axes but the last.
	idx := make([]int64, rank-1)
	for {
		dstI := dstBase
		srcI := srcBase
		for i := 0; i < rank-1; i++ {
			dstI += idx[i] * dstStrides[i]
			srcI += idx[i] * srcStrides[i]
		}
		dstI *= bytesPerElement
		srcI *= bytesPerElement
		merge(dst[dstI:dstI+runBytes], src[srcI:srcI+runBytes])

		i := rank - 2
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

// mergeSet overwrites destination samples.
func mergeSet(dst, src []byte) {
	copy(dst, src)
}

// mergeMaxFunc returns an elementwise-maximum merge for the sample type.
// Absent samples read as zero, so for float32 the policy assumes
// non-negative intensity data.
func mergeMaxFunc(dtype platezarr.DataType) mergeFunc {
	switch dtype {
	case platezarr.Uint8:
		return func(dst, src []byte) {
			for i := range src {
				if src[i] > dst[i] {
					dst[i] = src[i]
				}
			}
		}
	case platezarr.Uint16:
		return func(dst, src []byte) {
			for i := 0; i+1 < len(src); i += 2 {
				s := binary.LittleEndian.Uint16(src[i:])
				if s > binary.LittleEndian.Uint16(dst[i:]) {
					binary.LittleEndian.PutUint16(dst[i:], s)
				}
			}
		}
	case platezarr.Uint32:
		return func(dst, src []byte) {
			for i := 0; i+3 < len(src); i += 4 {
				s := binary.LittleEndian.Uint32(src[i:])
				if s > binary.LittleEndian.Uint32(dst[i:]) {
					binary.LittleEndian.PutUint32(dst[i:], s)
				}
			}
		}
	case platezarr.Float32:
		return func(dst, src []byte) {
			for i := 0; i+3 < len(src); i += 4 {
				s := math.Float32frombits(binary.LittleEndian.Uint32(src[i:]))
				d := math.Float32frombits(binary.LittleEndian.Uint32(dst[i:]))
				if s > d {
					binary.LittleEndian.PutUint32(dst[i:], math.Float32bits(s))
				}
			}
		}
	default:
		return mergeSet
	}
}

