package writer

import (
	"fmt"

	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/storage"
)

// ReadRegion gathers an arbitrary region of an array into a contiguous
// row-major buffer.  Chunks never written read as zero fill.  The pyramid
// builder uses this to pull source windows from the level below.
func ReadRegion(store storage.ChunkStore, path string, roi platezarr.ROI) ([]byte, error) {
	spec, err := store.GetArraySpec(path)
	if err != nil {
		return nil, err
	}
	arrayROI := platezarr.ROI{
		Offset: make(platezarr.Shape, len(spec.Shape)),
		Size:   spec.Shape,
	}
	if !arrayROI.Contains(roi) {
		return nil, platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("read region %s exceeds array shape %v of %q", roi, spec.Shape, path),
		}
	}

	elemSize := spec.DataType.BytesPerElement()
	out := make([]byte, roi.NumElements()*elemSize)

	for _, coord := range platezarr.ChunksOverlapping(roi, spec.ChunkShape) {
		data, err := store.ReadChunk(path, coord)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue // zero fill
		}
		chunkROI := platezarr.ChunkROI(coord, spec.ChunkShape, spec.Shape)
		overlap, ok := roi.Intersect(chunkROI)
		if !ok {
			continue
		}
		dstOff := make(platezarr.Shape, len(coord))
		srcOff := make(platezarr.Shape, len(coord))
		for i := range coord {
			dstOff[i] = overlap.Offset[i] - roi.Offset[i]
			srcOff[i] = overlap.Offset[i] - coord[i]*spec.ChunkShape[i]
		}
		transfer(out, roi.Size, dstOff, data, spec.ChunkShape, srcOff, overlap.Size, elemSize, mergeSet)
	}
	return out, nil
}
