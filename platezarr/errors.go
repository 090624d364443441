package platezarr

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a conversion stopped by caller request.  It is a clean
// terminal state, not a failure: all chunks written before cancellation
// remain valid and committed.
var ErrCancelled = errors.New("conversion cancelled")

// GeometryMismatch reports tiles whose axis order or sample type disagree
// with the rest of the tiles destined for the same well-image.  The tile is
// skipped and reported; sibling tiles proceed.
type GeometryMismatch struct {
	Reason string
}

func (e GeometryMismatch) Error() string {
	return fmt.Sprintf("geometry mismatch: %s", e.Reason)
}

// InvalidGeometry reports a tile placement that cannot be resolved, e.g.,
// a non-integer extent after scaling or a non-positive size.
type InvalidGeometry struct {
	Reason string
}

func (e InvalidGeometry) Error() string {
	return fmt.Sprintf("invalid geometry: %s", e.Reason)
}

// ChunkWriteFailed reports an I/O failure while writing one chunk.  Only the
// owning tile's placement is aborted; chunks already written stay intact and
// the job keeps enough state to retry the remaining tiles.
type ChunkWriteFailed struct {
	Path  string
	Chunk ChunkCoord
	Cause error
}

func (e ChunkWriteFailed) Error() string {
	return fmt.Sprintf("chunk write failed at %s chunk %s: %v", e.Path, e.Chunk, e.Cause)
}

func (e ChunkWriteFailed) Unwrap() error {
	return e.Cause
}

// LevelDependencyMissing reports a request to build pyramid level k before
// level k-1 was committed.  This is an ordering error in the calling code
// and is fatal to the job.
type LevelDependencyMissing struct {
	Level int
}

func (e LevelDependencyMissing) Error() string {
	return fmt.Sprintf("pyramid level %d requested before level %d was committed", e.Level, e.Level-1)
}

// ConflictingDefinition reports a well or image registration that disagrees
// with an existing entry.  Existing metadata is never silently overwritten.
type ConflictingDefinition struct {
	Path   string
	Reason string
}

func (e ConflictingDefinition) Error() string {
	return fmt.Sprintf("conflicting definition for %q: %s", e.Path, e.Reason)
}
