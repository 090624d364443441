/*
Package fsstore implements the storage.ChunkStore capability on a local
filesystem using the Zarr v2 directory layout: groups carry a .zgroup file,
arrays a .zarray file, attribute documents live in .zattrs, and chunks are
stored as one file per chunk coordinate with "/" as dimension separator.

Chunk files are compressed according to the store's configured compressor
("raw", "zlib" or "gzip").  Reads honor the compressor recorded in each
array's .zarray, so a store reopened with a different configuration still
reads existing data correctly.
*/
package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/storage"
)

const (
	groupFile = ".zgroup"
	arrayFile = ".zarray"
	attrsFile = ".zattrs"
)

// Config holds fsstore options settable from the TOML [store] section.
type Config struct {
	Compressor string `toml:"compressor"` // "raw", "zlib" or "gzip"
	Level      int    `toml:"level"`
}

// DefaultConfig compresses chunks with zlib level 6, matching the most
// common zarr ecosystem default.
func DefaultConfig() Config {
	return Config{Compressor: "zlib", Level: 6}
}

// compressorMeta is the zarr v2 compressor document.
type compressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// zarrayMeta is the Zarr V2 .zarray metadata document.
type zarrayMeta struct {
	ZarrFormat         int             `json:"zarr_format"`
	Shape              []int64         `json:"shape"`
	Chunks             []int64         `json:"chunks"`
	DType              string          `json:"dtype"`
	Compressor         *compressorMeta `json:"compressor"`
	FillValue          float64         `json:"fill_value"`
	Order              string          `json:"order"`
	Filters            interface{}     `json:"filters"`
	DimensionSeparator string          `json:"dimension_separator"`
}

type arrayInfo struct {
	spec       storage.ArraySpec
	compressor compressorMeta
}

// Store is a Zarr v2 directory store rooted at a single directory.
type Store struct {
	root   string
	config Config

	mu     sync.RWMutex
	arrays map[string]arrayInfo
}

// NewStore opens or creates a zarr directory store at root.  The root
// becomes a zarr group.
func NewStore(root string, config Config) (*Store, error) {
	switch config.Compressor {
	case "raw", "zlib", "gzip":
	case "":
		config = DefaultConfig()
	default:
		return nil, fmt.Errorf("unknown fsstore compressor %q", config.Compressor)
	}
	s := &Store{
		root:   root,
		config: config,
		arrays: make(map[string]arrayInfo),
	}
	if err := s.CreateGroup(""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) dirFor(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// CreateGroup makes a hierarchy node at the given path, creating missing
// parents as groups too.
func (s *Store) CreateGroup(path string) error {
	dir := s.dirFor(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("can't create group %q: %w", path, err)
	}
	doc := []byte("{\"zarr_format\":2}")
	marker := filepath.Join(dir, groupFile)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	return os.WriteFile(marker, doc, 0644)
}

// CreateArray makes a chunked array at path.  Re-creating with an identical
// spec is a no-op so retried jobs converge.
func (s *Store) CreateArray(path string, spec storage.ArraySpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if existing, err := s.GetArraySpec(path); err == nil {
		if existing.Shape.Equals(spec.Shape) && existing.ChunkShape.Equals(spec.ChunkShape) &&
			existing.DataType == spec.DataType {
			return nil
		}
		return fmt.Errorf("array %q already exists with different spec", path)
	}
	dir := s.dirFor(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("can't create array %q: %w", path, err)
	}
	meta := zarrayMeta{
		ZarrFormat:         2,
		Shape:              spec.Shape,
		Chunks:             spec.ChunkShape,
		DType:              spec.DataType.ZarrDType(),
		FillValue:          0,
		Order:              "C",
		DimensionSeparator: "/",
	}
	var comp compressorMeta
	if s.config.Compressor != "raw" {
		comp = compressorMeta{ID: s.config.Compressor, Level: s.config.Level}
		meta.Compressor = &comp
	}
	data, err := json.MarshalIndent(meta, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, arrayFile), data, 0644); err != nil {
		return fmt.Errorf("can't write array metadata for %q: %w", path, err)
	}
	s.mu.Lock()
	s.arrays[path] = arrayInfo{spec: spec, compressor: comp}
	s.mu.Unlock()
	return nil
}

func (s *Store) arrayInfo(path string) (arrayInfo, error) {
	s.mu.RLock()
	info, found := s.arrays[path]
	s.mu.RUnlock()
	if found {
		return info, nil
	}
	data, err := os.ReadFile(filepath.Join(s.dirFor(path), arrayFile))
	if err != nil {
		return arrayInfo{}, fmt.Errorf("no array at %q: %w", path, err)
	}
	var meta zarrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return arrayInfo{}, fmt.Errorf("bad array metadata at %q: %w", path, err)
	}
	dt, err := platezarr.DataTypeByZarr(meta.DType)
	if err != nil {
		return arrayInfo{}, err
	}
	info = arrayInfo{
		spec: storage.ArraySpec{
			Shape:      meta.Shape,
			ChunkShape: meta.Chunks,
			DataType:   dt,
		},
	}
	if meta.Compressor != nil {
		info.compressor = *meta.Compressor
	}
	s.mu.Lock()
	s.arrays[path] = info
	s.mu.Unlock()
	return info, nil
}

// GetArraySpec returns the spec of an existing array.
func (s *Store) GetArraySpec(path string) (storage.ArraySpec, error) {
	info, err := s.arrayInfo(path)
	if err != nil {
		return storage.ArraySpec{}, err
	}
	return info.spec, nil
}

func (s *Store) chunkFile(path string, coord platezarr.ChunkCoord) string {
	return filepath.Join(s.dirFor(path), filepath.FromSlash(storage.ChunkKey(coord)))
}

// ReadChunk returns decompressed chunk data or nil if the chunk was never
// written.
func (s *Store) ReadChunk(path string, coord platezarr.ChunkCoord) ([]byte, error) {
	info, err := s.arrayInfo(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.chunkFile(path, coord))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("can't read chunk %s of %q: %w", storage.ChunkKey(coord), path, err)
	}
	return decompress(raw, info.compressor)
}

// WriteChunk compresses and stores chunk data.  The write goes through a
// temp file and rename so a concurrent reader never sees a torn chunk.
func (s *Store) WriteChunk(path string, coord platezarr.ChunkCoord, data []byte) error {
	info, err := s.arrayInfo(path)
	if err != nil {
		return err
	}
	encoded, err := compress(data, info.compressor)
	if err != nil {
		return err
	}
	file := s.chunkFile(path, coord)
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("can't create chunk dir for %q: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(file), ".chunk-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), file)
}

// PutAttrs stores the attribute document for a group or array path.
func (s *Store) PutAttrs(path string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	dir := s.dirFor(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	file := filepath.Join(dir, attrsFile)
	tmp, err := os.CreateTemp(dir, ".zattrs-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), file)
}

// GetAttrs reads the attribute document at path into out, reporting whether
// a document was present.
func (s *Store) GetAttrs(path string, out interface{}) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dirFor(path), attrsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("bad attributes at %q: %w", path, err)
	}
	return true, nil
}

// Exists reports whether a group or array exists at path.
func (s *Store) Exists(path string) (bool, error) {
	dir := s.dirFor(path)
	for _, marker := range []string{groupFile, arrayFile} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}
	return false, nil
}

// Close is a no-op for the filesystem backend.
func (s *Store) Close() error {
	return nil
}

func compress(data []byte, comp compressorMeta) ([]byte, error) {
	switch comp.ID {
	case "":
		return data, nil
	case "zlib":
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, comp.Level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "gzip":
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, comp.Level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compressor %q", comp.ID)
	}
}

func decompress(data []byte, comp compressorMeta) ([]byte, error) {
	switch comp.ID {
	case "":
		return data, nil
	case "zlib":
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unknown compressor %q", comp.ID)
	}
}
