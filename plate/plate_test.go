package plate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/pyramid"
	"github.com/janelia-flyem/platezarr/storage"
	"github.com/janelia-flyem/platezarr/storage/fsstore"
)

var yxAxes = platezarr.AxisOrder{platezarr.YAxis, platezarr.XAxis}

func newTestStore(t *testing.T) storage.ChunkStore {
	t.Helper()
	s, err := fsstore.NewStore(t.TempDir(), fsstore.Config{Compressor: "raw"})
	if err != nil {
		t.Fatalf("can't create store: %v", err)
	}
	return s
}

// seedImageArray writes a single-chunk uint16 level-0 array filled with the
// given value under an image path.
func seedImageArray(t *testing.T, store storage.ChunkStore, imagePath string,
	shape platezarr.Shape, value uint16) {
	t.Helper()
	spec := storage.ArraySpec{Shape: shape, ChunkShape: shape, DataType: platezarr.Uint16}
	path := pyramid.LevelPath(imagePath, 0)
	if err := store.CreateArray(path, spec); err != nil {
		t.Fatalf("create array: %v", err)
	}
	data := make([]byte, spec.ChunkBytes())
	for i := int64(0); i < shape.NumElements(); i++ {
		binary.LittleEndian.PutUint16(data[i*2:], value)
	}
	coord := make(platezarr.ChunkCoord, len(shape))
	if err := store.WriteChunk(path, coord, data); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
}

func TestRegisterAndFinalize(t *testing.T) {
	store := newTestStore(t)
	idx, err := NewIndexer(store, "screen-01")
	if err != nil {
		t.Fatalf("indexer: %v", err)
	}

	well, err := idx.RegisterWell("A", 3)
	if err != nil {
		t.Fatalf("register well: %v", err)
	}
	image, err := idx.RegisterImage(well, 0)
	if err != nil {
		t.Fatalf("register image: %v", err)
	}
	if image.Path() != "A/3/0" {
		t.Fatalf("image path %q, expected A/3/0", image.Path())
	}

	seedImageArray(t, store, image.Path(), platezarr.Shape{16, 16}, 7)
	b, err := pyramid.NewBuilder(store, image.Path(), yxAxes, pyramid.Config{Reduction: pyramid.Mean})
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	if err := b.BuildLevel(context.Background(), 1); err != nil {
		t.Fatalf("build level 1: %v", err)
	}

	opts := FinalizeOptions{
		PixelSize:     []float64{0.65, 0.65},
		ChannelLabels: []string{"DAPI"},
		FieldROIs: []platezarr.ROI{
			{Offset: platezarr.Shape{0, 0}, Size: platezarr.Shape{16, 16}},
		},
	}
	if err := idx.FinalizeImage(image, b.CommittedLevels(), yxAxes, opts); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	var pattrs plateAttrs
	if found, err := store.GetAttrs("", &pattrs); err != nil || !found {
		t.Fatalf("plate attrs: found=%v err=%v", found, err)
	}
	if len(pattrs.Plate.Wells) != 1 || pattrs.Plate.Wells[0].Path != "A/3" {
		t.Fatalf("plate wells %+v, expected one well A/3", pattrs.Plate.Wells)
	}
	if pattrs.Plate.Rows[pattrs.Plate.Wells[0].RowIndex].Name != "A" {
		t.Errorf("well row index does not resolve to A")
	}

	var wattrs wellAttrs
	if found, err := store.GetAttrs("A/3", &wattrs); err != nil || !found {
		t.Fatalf("well attrs: found=%v err=%v", found, err)
	}
	if len(wattrs.Well.Images) != 1 || wattrs.Well.Images[0].Path != "0" {
		t.Fatalf("well images %+v, expected one image at path 0", wattrs.Well.Images)
	}

	var iattrs imageAttrs
	if found, err := store.GetAttrs("A/3/0", &iattrs); err != nil || !found {
		t.Fatalf("image attrs: found=%v err=%v", found, err)
	}
	ms := iattrs.Multiscales[0]
	if len(ms.Datasets) != 2 {
		t.Fatalf("%d datasets advertised, expected 2", len(ms.Datasets))
	}
	wantScales := [][]float64{{0.65, 0.65}, {1.3, 1.3}}
	for i, ds := range ms.Datasets {
		got := ds.CoordinateTransformations[0].Scale
		for j := range wantScales[i] {
			if got[j] != wantScales[i][j] {
				t.Errorf("level %d scale %v, expected %v", i, got, wantScales[i])
			}
		}
	}

	// Constant-valued level 0 pins both percentile window edges to 7.
	ch := iattrs.Omero.Channels[0]
	if ch.Label != "DAPI" {
		t.Errorf("channel label %q, expected DAPI", ch.Label)
	}
	if ch.Window.Start != 7 || ch.Window.End != 7 {
		t.Errorf("window [%g,%g], expected [7,7]", ch.Window.Start, ch.Window.End)
	}
	if len(iattrs.Tables["FOV_ROI_table"]) != 1 {
		t.Errorf("FOV table %+v, expected one field", iattrs.Tables["FOV_ROI_table"])
	}
}

func TestIdempotentAndConflictingRegistration(t *testing.T) {
	store := newTestStore(t)
	idx, err := NewIndexer(store, "")
	if err != nil {
		t.Fatalf("indexer: %v", err)
	}

	well, err := idx.RegisterWell("B", 7)
	if err != nil {
		t.Fatalf("register well: %v", err)
	}
	if _, err := idx.RegisterWell("B", 7); err != nil {
		t.Fatalf("re-register well: %v", err)
	}
	image, err := idx.RegisterImage(well, 1)
	if err != nil {
		t.Fatalf("register image: %v", err)
	}
	if _, err := idx.RegisterImage(well, 1); err != nil {
		t.Fatalf("re-register image: %v", err)
	}

	var pattrs plateAttrs
	if _, err := store.GetAttrs("", &pattrs); err != nil {
		t.Fatalf("plate attrs: %v", err)
	}
	if len(pattrs.Plate.Wells) != 1 {
		t.Fatalf("%d wells after duplicate registration, expected 1", len(pattrs.Plate.Wells))
	}

	seedImageArray(t, store, image.Path(), platezarr.Shape{4, 4}, 1)
	if err := idx.FinalizeImage(image, []int{0}, yxAxes, FinalizeOptions{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := idx.FinalizeImage(image, []int{0}, yxAxes, FinalizeOptions{}); err != nil {
		t.Fatalf("identical re-finalize: %v", err)
	}

	err = idx.FinalizeImage(image, []int{0},
		platezarr.AxisOrder{platezarr.ZAxis, platezarr.YAxis, platezarr.XAxis}, FinalizeOptions{})
	var conflict platezarr.ConflictingDefinition
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictingDefinition for changed axes, got %v", err)
	}
}

func TestFinalizeRequiresStoredLevels(t *testing.T) {
	store := newTestStore(t)
	idx, err := NewIndexer(store, "")
	if err != nil {
		t.Fatalf("indexer: %v", err)
	}
	well, _ := idx.RegisterWell("C", 2)
	image, _ := idx.RegisterImage(well, 0)

	seedImageArray(t, store, image.Path(), platezarr.Shape{4, 4}, 1)
	if err := idx.FinalizeImage(image, []int{0, 1}, yxAxes, FinalizeOptions{}); err == nil {
		t.Fatal("finalize advertised level 1 that was never built")
	}
}

func TestConcurrentWellRegistration(t *testing.T) {
	store := newTestStore(t)
	idx, err := NewIndexer(store, "")
	if err != nil {
		t.Fatalf("indexer: %v", err)
	}

	rows := []string{"A", "B", "C", "D"}
	var wg sync.WaitGroup
	errs := make(chan error, len(rows)*3)
	for _, row := range rows {
		for col := 1; col <= 3; col++ {
			wg.Add(1)
			go func(row string, col int) {
				defer wg.Done()
				if _, err := idx.RegisterWell(row, col); err != nil {
					errs <- fmt.Errorf("well %s/%d: %v", row, col, err)
				}
			}(row, col)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Every well the index lists must have its store path already present.
	var pattrs plateAttrs
	if _, err := store.GetAttrs("", &pattrs); err != nil {
		t.Fatalf("plate attrs: %v", err)
	}
	if len(pattrs.Plate.Wells) != len(rows)*3 {
		t.Fatalf("%d wells indexed, expected %d", len(pattrs.Plate.Wells), len(rows)*3)
	}
	for _, w := range pattrs.Plate.Wells {
		ok, err := store.Exists(w.Path)
		if err != nil || !ok {
			t.Errorf("indexed well %q missing from store (ok=%v err=%v)", w.Path, ok, err)
		}
	}
}

func TestIndexerResume(t *testing.T) {
	store := newTestStore(t)
	idx, err := NewIndexer(store, "plate")
	if err != nil {
		t.Fatalf("indexer: %v", err)
	}
	well, _ := idx.RegisterWell("A", 1)
	image, err := idx.RegisterImage(well, 0)
	if err != nil {
		t.Fatalf("register image: %v", err)
	}
	seedImageArray(t, store, image.Path(), platezarr.Shape{16, 16}, 3)
	if err := idx.FinalizeImage(image, []int{0}, yxAxes, FinalizeOptions{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	resumed, err := NewIndexer(store, "plate")
	if err != nil {
		t.Fatalf("resumed indexer: %v", err)
	}
	wells := resumed.Wells()
	if len(wells) != 1 || wells[0].Path() != "A/1" {
		t.Fatalf("resumed wells %v, expected [A/1]", wells)
	}
	// Registration after resume is still idempotent.
	if _, err := resumed.RegisterWell("A", 1); err != nil {
		t.Fatalf("re-register on resumed indexer: %v", err)
	}
	if _, err := resumed.RegisterImage(wells[0], 0); err != nil {
		t.Fatalf("re-register image on resumed indexer: %v", err)
	}

	// Finalization state survives the resume: an identical definition is a
	// no-op, a differing one still conflicts instead of rewriting metadata.
	if err := resumed.FinalizeImage(image, []int{0}, yxAxes, FinalizeOptions{}); err != nil {
		t.Fatalf("identical re-finalize on resumed indexer: %v", err)
	}
	err = resumed.FinalizeImage(image, []int{0, 1}, yxAxes, FinalizeOptions{})
	var conflict platezarr.ConflictingDefinition
	if !errors.As(err, &conflict) {
		t.Fatalf("differing re-finalize after resume returned %v, expected ConflictingDefinition", err)
	}
}
