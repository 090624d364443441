/*
Package storage provides a unified interface to the chunked-array stores the
conversion engine writes into.  The engine does not implement compression
codecs or key layout itself; it calls through the ChunkStore capability, and
each backend decides how chunks, array specs, and attribute documents are
persisted.

Backends must tolerate concurrent WriteChunk calls to distinct chunk
coordinates.  Serialization of writes to the same chunk coordinate is the
caller's responsibility (see the writer package's per-chunk locking).
*/
package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/janelia-flyem/platezarr/platezarr"
)

// ArraySpec describes one chunked array in the store.
type ArraySpec struct {
	Shape      platezarr.Shape
	ChunkShape platezarr.Shape
	DataType   platezarr.DataType
}

// Validate checks shape and chunk shape agree in rank with positive sizes.
func (spec ArraySpec) Validate() error {
	if len(spec.Shape) == 0 || len(spec.Shape) != len(spec.ChunkShape) {
		return fmt.Errorf("array spec shape rank %d != chunk rank %d", len(spec.Shape), len(spec.ChunkShape))
	}
	for i := range spec.Shape {
		if spec.Shape[i] <= 0 || spec.ChunkShape[i] <= 0 {
			return fmt.Errorf("array spec has non-positive extent on axis %d", i)
		}
	}
	if spec.DataType.BytesPerElement() == 0 {
		return fmt.Errorf("array spec has unknown data type")
	}
	return nil
}

// ChunkBytes returns the byte size of one full chunk.
func (spec ArraySpec) ChunkBytes() int64 {
	return spec.ChunkShape.NumElements() * spec.DataType.BytesPerElement()
}

// GridShape returns the number of chunks along each axis.
func (spec ArraySpec) GridShape() platezarr.Shape {
	grid := make(platezarr.Shape, len(spec.Shape))
	for i := range spec.Shape {
		grid[i] = (spec.Shape[i] + spec.ChunkShape[i] - 1) / spec.ChunkShape[i]
	}
	return grid
}

// ChunkStore is the abstract chunked-array storage capability consumed by
// the conversion engine.
type ChunkStore interface {
	// CreateGroup makes a hierarchy node at the given path, creating any
	// missing parents.  Creating an existing group is a no-op.
	CreateGroup(path string) error

	// CreateArray makes a chunked array at the given path.  Creating an
	// array that already exists with an identical spec is a no-op; a
	// differing spec is an error.
	CreateArray(path string, spec ArraySpec) error

	// GetArraySpec returns the spec of an existing array.
	GetArraySpec(path string) (ArraySpec, error)

	// ReadChunk returns the raw chunk data at the given coordinate, or nil
	// if the chunk has never been written.
	ReadChunk(path string, coord platezarr.ChunkCoord) ([]byte, error)

	// WriteChunk stores raw chunk data at the given coordinate, replacing
	// any previous contents.
	WriteChunk(path string, coord platezarr.ChunkCoord, data []byte) error

	// PutAttrs stores the JSON-serializable attribute document for a group
	// or array path, replacing any previous document.
	PutAttrs(path string, doc interface{}) error

	// GetAttrs unmarshals the attribute document at path into out.  A path
	// with no attributes leaves out untouched and returns false.
	GetAttrs(path string, out interface{}) (bool, error)

	// Exists reports whether a group or array exists at path.
	Exists(path string) (bool, error)

	// Close releases backend resources.  The store must not be used after.
	Close() error
}

// ChunkKey renders a chunk coordinate as a store key fragment, e.g. "0/2/1".
func ChunkKey(coord platezarr.ChunkCoord) string {
	parts := make([]string, len(coord))
	for i, c := range coord {
		parts[i] = strconv.FormatInt(c, 10)
	}
	return strings.Join(parts, "/")
}
