/*
Package plate maintains the Plate, Well, Image hierarchy of a screening
store and emits its NGFF metadata documents.  The plate document is the
index of record for what the store holds: store paths are always created
before the index references them, and every mutation of the document tree
goes through one indexer under a single mutex.
*/
package plate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/pyramid"
	"github.com/janelia-flyem/platezarr/storage"
	"github.com/janelia-flyem/platezarr/writer"
)

// Well identifies one well by plate coordinate.
type Well struct {
	Row    string
	Column int
}

// Path returns the well's store path under the plate root, e.g. "A/3".
func (w Well) Path() string {
	return fmt.Sprintf("%s/%d", w.Row, w.Column)
}

// Image identifies one well-image by well and acquisition round.
type Image struct {
	Well        Well
	Acquisition int
}

// Path returns the image's store path under the plate root, e.g. "A/3/0".
func (img Image) Path() string {
	return fmt.Sprintf("%s/%d", img.Well.Path(), img.Acquisition)
}

type imageState struct {
	finalized bool
	axes      platezarr.AxisOrder
	levels    []int
}

// Indexer owns the metadata tree of one plate.  All mutation goes through
// its mutex; concurrent conversion jobs share one indexer per plate.
type Indexer struct {
	store storage.ChunkStore
	name  string

	mu     sync.Mutex
	doc    plateDoc
	wells  map[string]Well
	images map[string]*imageState
}

// NewIndexer opens or creates the plate rooted at the store's top level.  An
// existing plate document is loaded so registration can resume after a crash
// or across retries.
func NewIndexer(store storage.ChunkStore, name string) (*Indexer, error) {
	idx := &Indexer{
		store:  store,
		name:   name,
		wells:  make(map[string]Well),
		images: make(map[string]*imageState),
	}
	if err := store.CreateGroup(""); err != nil {
		return nil, err
	}

	var attrs plateAttrs
	found, err := store.GetAttrs("", &attrs)
	if err != nil {
		return nil, err
	}
	if found {
		idx.doc = attrs.Plate
		for _, w := range attrs.Plate.Wells {
			row := attrs.Plate.Rows[w.RowIndex].Name
			col, err := strconv.Atoi(attrs.Plate.Columns[w.ColumnIndex].Name)
			if err != nil {
				return nil, fmt.Errorf("plate document has non-numeric column %q",
					attrs.Plate.Columns[w.ColumnIndex].Name)
			}
			well := Well{Row: row, Column: col}
			idx.wells[well.Path()] = well

			var wdoc wellAttrs
			if _, err := store.GetAttrs(well.Path(), &wdoc); err != nil {
				return nil, err
			}
			for _, img := range wdoc.Well.Images {
				image := Image{Well: well, Acquisition: img.Acquisition}
				state, err := loadImageState(store, image.Path())
				if err != nil {
					return nil, err
				}
				idx.images[image.Path()] = state
			}
		}
	} else {
		idx.doc = plateDoc{Version: ngffVersion, Name: name}
		if err := idx.writePlateDoc(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// loadImageState recovers an image's finalization state from its stored
// multiscales document, so a resumed indexer still detects conflicting
// re-finalization instead of silently rewriting existing metadata.
func loadImageState(store storage.ChunkStore, imagePath string) (*imageState, error) {
	var attrs imageAttrs
	found, err := store.GetAttrs(imagePath, &attrs)
	if err != nil {
		return nil, err
	}
	if !found || len(attrs.Multiscales) == 0 {
		return &imageState{}, nil
	}
	ms := attrs.Multiscales[0]
	axes := make(platezarr.AxisOrder, len(ms.Axes))
	for i, a := range ms.Axes {
		axes[i] = platezarr.Axis(a.Name)
	}
	levels := make([]int, len(ms.Datasets))
	for i, ds := range ms.Datasets {
		level, err := strconv.Atoi(ds.Path)
		if err != nil {
			return nil, fmt.Errorf("image %q advertises non-numeric dataset path %q", imagePath, ds.Path)
		}
		levels[i] = level
	}
	return &imageState{finalized: true, axes: axes, levels: levels}, nil
}

// RegisterWell adds a well to the plate, creating its store group and well
// document before the plate index mentions it.  Re-registering an existing
// well is a no-op.
func (idx *Indexer) RegisterWell(row string, column int) (Well, error) {
	if row == "" || column < 0 {
		return Well{}, platezarr.ConflictingDefinition{
			Path:   fmt.Sprintf("%s/%d", row, column),
			Reason: "well coordinate must have a row label and non-negative column",
		}
	}
	well := Well{Row: row, Column: column}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.wells[well.Path()]; ok {
		return well, nil
	}

	if err := idx.store.CreateGroup(well.Path()); err != nil {
		return Well{}, err
	}

	rowIdx := idx.internName(&idx.doc.Rows, row)
	colIdx := idx.internName(&idx.doc.Columns, strconv.Itoa(column))
	idx.doc.Wells = append(idx.doc.Wells, plateWell{
		Path:        well.Path(),
		RowIndex:    rowIdx,
		ColumnIndex: colIdx,
	})
	sort.Slice(idx.doc.Wells, func(i, j int) bool {
		return idx.doc.Wells[i].Path < idx.doc.Wells[j].Path
	})
	if err := idx.writePlateDoc(); err != nil {
		idx.doc.Wells = removeWell(idx.doc.Wells, well.Path())
		return Well{}, err
	}
	idx.wells[well.Path()] = well
	return well, nil
}

// RegisterImage adds an acquisition image under a registered well.  The image
// group and the well document are written before the plate acquisition list.
// Re-registering an existing image is a no-op.
func (idx *Indexer) RegisterImage(well Well, acquisition int) (Image, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.wells[well.Path()]; !ok {
		return Image{}, fmt.Errorf("well %q is not registered", well.Path())
	}
	image := Image{Well: well, Acquisition: acquisition}
	if _, ok := idx.images[image.Path()]; ok {
		return image, nil
	}

	if err := idx.store.CreateGroup(image.Path()); err != nil {
		return Image{}, err
	}

	var wdoc wellAttrs
	if _, err := idx.store.GetAttrs(well.Path(), &wdoc); err != nil {
		return Image{}, err
	}
	wdoc.Well.Version = ngffVersion
	wdoc.Well.Images = append(wdoc.Well.Images, wellImage{
		Path:        strconv.Itoa(acquisition),
		Acquisition: acquisition,
	})
	sort.Slice(wdoc.Well.Images, func(i, j int) bool {
		return wdoc.Well.Images[i].Acquisition < wdoc.Well.Images[j].Acquisition
	})
	if err := validateDoc(wellSchema, wdoc); err != nil {
		return Image{}, err
	}
	if err := idx.store.PutAttrs(well.Path(), wdoc); err != nil {
		return Image{}, err
	}

	if !hasAcquisition(idx.doc.Acquisitions, acquisition) {
		idx.doc.Acquisitions = append(idx.doc.Acquisitions, plateAcquisition{ID: acquisition})
		sort.Slice(idx.doc.Acquisitions, func(i, j int) bool {
			return idx.doc.Acquisitions[i].ID < idx.doc.Acquisitions[j].ID
		})
		if err := idx.writePlateDoc(); err != nil {
			return Image{}, err
		}
	}
	idx.images[image.Path()] = &imageState{}
	return image, nil
}

// FinalizeOptions supplies the physical and channel context for an image's
// metadata.  Zero values produce unit scales and generic channel labels.
type FinalizeOptions struct {
	// PixelSize is the physical size of one level-0 pixel per axis.  Nil
	// means 1.0 everywhere.
	PixelSize []float64

	// Factors is the per-axis downsampling factor between levels, matching
	// what the pyramid builder used.  Nil means the builder default.
	Factors platezarr.Shape

	// ChannelLabels names the channels in axis order.  Missing labels fall
	// back to the channel index.
	ChannelLabels []string

	// FieldROIs records the placed tile regions, written as the image's
	// field table.
	FieldROIs []platezarr.ROI
}

// FinalizeImage writes the image's multiscale and channel metadata.  Only
// the given committed levels are advertised; each must already exist in the
// store.  Re-finalizing with identical axes and levels is a no-op; differing
// definitions fail with ConflictingDefinition.
func (idx *Indexer) FinalizeImage(image Image, levels []int, axes platezarr.AxisOrder, opts FinalizeOptions) error {
	if err := axes.Validate(); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	state, ok := idx.images[image.Path()]
	if !ok {
		return fmt.Errorf("image %q is not registered", image.Path())
	}
	if state.finalized {
		if state.axes.Equals(axes) && equalLevels(state.levels, levels) {
			return nil
		}
		return platezarr.ConflictingDefinition{
			Path: image.Path(),
			Reason: fmt.Sprintf("already finalized with axes %s levels %v; got axes %s levels %v",
				state.axes, state.levels, axes, levels),
		}
	}

	factors := opts.Factors
	if factors == nil {
		factors = pyramid.DefaultFactors(axes)
	}
	if len(factors) != len(axes) {
		return platezarr.InvalidGeometry{
			Reason: fmt.Sprintf("%d downsampling factors for %d axes", len(factors), len(axes)),
		}
	}

	var spec0 storage.ArraySpec
	datasets := make([]ngffDataset, 0, len(levels))
	for _, level := range levels {
		levelPath := pyramid.LevelPath(image.Path(), level)
		spec, err := idx.store.GetArraySpec(levelPath)
		if err != nil {
			return fmt.Errorf("level %d of image %q is not in the store: %v", level, image.Path(), err)
		}
		if level == 0 {
			spec0 = spec
		}
		datasets = append(datasets, ngffDataset{
			Path: strconv.Itoa(level),
			CoordinateTransformations: []scaleTransform{
				{Type: "scale", Scale: levelScale(axes, opts.PixelSize, factors, level)},
			},
		})
	}
	if spec0.DataType == platezarr.UnknownType {
		return fmt.Errorf("image %q cannot be finalized without level 0", image.Path())
	}

	omero, err := idx.buildOmero(image, spec0, axes, opts.ChannelLabels)
	if err != nil {
		return err
	}

	attrs := imageAttrs{
		Multiscales: []multiscaleDoc{{
			Version:  ngffVersion,
			Name:     image.Path(),
			Axes:     ngffAxes(axes),
			Datasets: datasets,
		}},
		Omero:  omero,
		Tables: roiTables(axes, spec0.Shape, opts.FieldROIs),
	}
	if err := validateDoc(imageSchema, attrs); err != nil {
		return err
	}
	if err := idx.store.PutAttrs(image.Path(), attrs); err != nil {
		return err
	}

	state.finalized = true
	state.axes = append(platezarr.AxisOrder(nil), axes...)
	state.levels = append([]int(nil), levels...)
	platezarr.Infof("finalized image %s with %d levels\n", image.Path(), len(levels))
	return nil
}

// buildOmero derives per-channel display windows from the 1 and 99.9
// percentiles of the level-0 samples.
func (idx *Indexer) buildOmero(image Image, spec storage.ArraySpec,
	axes platezarr.AxisOrder, labels []string) (*omeroDoc, error) {

	level0 := pyramid.LevelPath(image.Path(), 0)
	channelAxis := axes.Index(platezarr.ChannelAxis)
	numChannels := int64(1)
	if channelAxis >= 0 {
		numChannels = spec.Shape[channelAxis]
	}

	doc := &omeroDoc{}
	for c := int64(0); c < numChannels; c++ {
		roi := platezarr.ROI{
			Offset: make(platezarr.Shape, len(spec.Shape)),
			Size:   spec.Shape.Duplicate(),
		}
		if channelAxis >= 0 {
			roi.Offset[channelAxis] = c
			roi.Size[channelAxis] = 1
		}
		data, err := writer.ReadRegion(idx.store, level0, roi)
		if err != nil {
			return nil, err
		}

		samples := make([]float64, roi.NumElements())
		for i := range samples {
			samples[i] = platezarr.SampleAt(data, int64(i), spec.DataType)
		}
		sort.Float64s(samples)
		start := stat.Quantile(0.01, stat.Empirical, samples, nil)
		end := stat.Quantile(0.999, stat.Empirical, samples, nil)

		label := strconv.FormatInt(c, 10)
		if int(c) < len(labels) {
			label = labels[int(c)]
		}
		doc.Channels = append(doc.Channels, omeroChannel{
			Label:  label,
			Color:  "FFFFFF",
			Active: true,
			Window: omeroWindow{
				Start: start,
				End:   end,
				Min:   0,
				Max:   dtypeMax(spec.DataType, samples),
			},
		})
	}
	return doc, nil
}

// Wells returns the registered wells in path order.
func (idx *Indexer) Wells() []Well {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	wells := make([]Well, 0, len(idx.wells))
	for _, w := range idx.wells {
		wells = append(wells, w)
	}
	sort.Slice(wells, func(i, j int) bool { return wells[i].Path() < wells[j].Path() })
	return wells
}

func (idx *Indexer) writePlateDoc() error {
	attrs := plateAttrs{Plate: idx.doc}
	if err := validateDoc(plateSchema, attrs); err != nil {
		return err
	}
	return idx.store.PutAttrs("", attrs)
}

// internName returns the index of name in the list, appending it if new.
func (idx *Indexer) internName(names *[]plateName, name string) int {
	for i, n := range *names {
		if n.Name == name {
			return i
		}
	}
	*names = append(*names, plateName{Name: name})
	return len(*names) - 1
}

func removeWell(wells []plateWell, path string) []plateWell {
	out := wells[:0]
	for _, w := range wells {
		if w.Path != path {
			out = append(out, w)
		}
	}
	return out
}

func hasAcquisition(acqs []plateAcquisition, id int) bool {
	for _, a := range acqs {
		if a.ID == id {
			return true
		}
	}
	return false
}

func equalLevels(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ngffAxes(axes platezarr.AxisOrder) []ngffAxis {
	out := make([]ngffAxis, len(axes))
	for i, a := range axes {
		out[i] = ngffAxis{Name: string(a), Type: a.AxisKind()}
		if a.Spatial() {
			out[i].Unit = "micrometer"
		} else if a == platezarr.TimeAxis {
			out[i].Unit = "second"
		}
	}
	return out
}

// levelScale is the physical size of one pixel at the given level.
func levelScale(axes platezarr.AxisOrder, pixelSize []float64, factors platezarr.Shape, level int) []float64 {
	scale := make([]float64, len(axes))
	for i := range axes {
		scale[i] = 1.0
		if pixelSize != nil && i < len(pixelSize) && pixelSize[i] > 0 {
			scale[i] = pixelSize[i]
		}
		scale[i] *= math.Pow(float64(factors[i]), float64(level))
	}
	return scale
}

// roiTables renders the well extent and each placed field as ROI records in
// the shared pixel frame.
func roiTables(axes platezarr.AxisOrder, shape platezarr.Shape, fields []platezarr.ROI) map[string][]roiRecord {
	yi := axes.Index(platezarr.YAxis)
	xi := axes.Index(platezarr.XAxis)
	zi := axes.Index(platezarr.ZAxis)

	record := func(name string, roi platezarr.ROI) roiRecord {
		rec := roiRecord{FieldIndex: name, ZLength: 1, Unit: "pixel"}
		rec.Y, rec.YLength = roi.Offset[yi], roi.Size[yi]
		rec.X, rec.XLength = roi.Offset[xi], roi.Size[xi]
		if zi >= 0 {
			rec.Z, rec.ZLength = roi.Offset[zi], roi.Size[zi]
		}
		return rec
	}

	wellROI := platezarr.ROI{Offset: make(platezarr.Shape, len(shape)), Size: shape}
	tables := map[string][]roiRecord{
		"well_ROI_table": {record("Well", wellROI)},
	}
	if len(fields) > 0 {
		fovs := make([]roiRecord, len(fields))
		for i, roi := range fields {
			fovs[i] = record(fmt.Sprintf("FOV_%d", i), roi)
		}
		tables["FOV_ROI_table"] = fovs
	}
	return tables
}

func dtypeMax(dt platezarr.DataType, samples []float64) float64 {
	switch dt {
	case platezarr.Uint8:
		return math.MaxUint8
	case platezarr.Uint16:
		return math.MaxUint16
	case platezarr.Uint32:
		return math.MaxUint32
	default:
		if len(samples) == 0 {
			return 0
		}
		return samples[len(samples)-1]
	}
}
