package platezarr

import (
	"testing"
)

func TestROIIntersect(t *testing.T) {
	a, err := NewROI(Shape{0, 0}, Shape{100, 100})
	if err != nil {
		t.Fatalf("bad ROI: %v", err)
	}
	b, err := NewROI(Shape{90, 0}, Shape{100, 100})
	if err != nil {
		t.Fatalf("bad ROI: %v", err)
	}
	overlap, ok := a.Intersect(b)
	if !ok {
		t.Fatalf("expected overlap between %s and %s", a, b)
	}
	want := ROI{Offset: Shape{90, 0}, Size: Shape{10, 100}}
	if !overlap.Equals(want) {
		t.Errorf("got overlap %s, want %s", overlap, want)
	}

	c, _ := NewROI(Shape{200, 200}, Shape{10, 10})
	if _, ok := a.Intersect(c); ok {
		t.Errorf("expected no overlap between %s and %s", a, c)
	}
}

func TestROIUnion(t *testing.T) {
	a, _ := NewROI(Shape{0, 0}, Shape{100, 100})
	b, _ := NewROI(Shape{90, 0}, Shape{100, 100})
	union := a.Union(b)
	want := ROI{Offset: Shape{0, 0}, Size: Shape{190, 100}}
	if !union.Equals(want) {
		t.Errorf("got union %s, want %s", union, want)
	}
}

func TestROIValidation(t *testing.T) {
	if _, err := NewROI(Shape{0, 0}, Shape{0, 10}); err == nil {
		t.Errorf("expected error for zero-sized ROI")
	}
	if _, err := NewROI(Shape{0}, Shape{10, 10}); err == nil {
		t.Errorf("expected error for rank mismatch")
	}
}

func TestChunksOverlapping(t *testing.T) {
	// 190x100 canvas with 64x64 chunks: a tile spanning columns 90..190
	// should hit chunk columns 1 and 2.
	tile, _ := NewROI(Shape{0, 90}, Shape{100, 100})
	coords := ChunksOverlapping(tile, Shape{64, 64})
	want := []ChunkCoord{{0, 1}, {0, 2}, {1, 1}, {1, 2}}
	if len(coords) != len(want) {
		t.Fatalf("got %d chunk coords, want %d: %v", len(coords), len(want), coords)
	}
	for i, c := range coords {
		if !c.Equals(want[i]) {
			t.Errorf("coord %d: got %s, want %s", i, c, want[i])
		}
	}
}

func TestChunkROIBorderClipping(t *testing.T) {
	arrayShape := Shape{100, 190}
	chunkShape := Shape{64, 64}
	r := ChunkROI(ChunkCoord{1, 2}, chunkShape, arrayShape)
	want := ROI{Offset: Shape{64, 128}, Size: Shape{36, 62}}
	if !r.Equals(want) {
		t.Errorf("got border chunk ROI %s, want %s", r, want)
	}
}

func TestShapeStrides(t *testing.T) {
	s := Shape{2, 3, 4}
	strides := s.Strides()
	want := []int64{12, 4, 1}
	for i, v := range strides {
		if v != want[i] {
			t.Errorf("stride %d: got %d, want %d", i, v, want[i])
		}
	}
}
