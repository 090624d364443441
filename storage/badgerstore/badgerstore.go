/*
Package badgerstore implements the storage.ChunkStore capability on an
embedded Badger key-value store.  It is useful for tests and for conversions
whose output is post-processed rather than served directly as a zarr
directory tree.

Keys are a one-byte class prefix followed by the array or group path and,
for chunk keys, a null separator and the chunk coordinate.  Chunk values run
through the platezarr serialization layer, which adds snappy compression and
a CRC32 checksum.
*/
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/storage"
)

const (
	keyClassGroup byte = 0x01
	keyClassArray byte = 0x02
	keyClassAttrs byte = 0x03
	keyClassChunk byte = 0x04
)

// Store is a badger-backed chunk store.
type Store struct {
	db *badger.DB
}

// NewStore opens or creates a badger store in the given directory.
func NewStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("can't open badger store at %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func pathKey(class byte, path string) []byte {
	key := make([]byte, 1+len(path))
	key[0] = class
	copy(key[1:], path)
	return key
}

func chunkKey(path string, coord platezarr.ChunkCoord) []byte {
	ck := storage.ChunkKey(coord)
	key := make([]byte, 1+len(path)+1+len(ck))
	key[0] = keyClassChunk
	copy(key[1:], path)
	key[1+len(path)] = 0x00
	copy(key[2+len(path):], ck)
	return key
}

func (s *Store) put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// get returns (nil, nil) for absent keys.
func (s *Store) get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return value, err
}

// CreateGroup marks a hierarchy node at path.  The marker byte keeps the
// value non-empty so existence checks stay trivial.
func (s *Store) CreateGroup(path string) error {
	return s.put(pathKey(keyClassGroup, path), []byte{0x01})
}

// CreateArray stores the array spec at path.  An identical re-creation is a
// no-op; a differing spec is an error.
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
	doc := arrayDoc{
		Shape:      spec.Shape,
		ChunkShape: spec.ChunkShape,
		DataType:   spec.DataType.String(),
	}
	value, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.put(pathKey(keyClassArray, path), value)
}

type arrayDoc struct {
	Shape      platezarr.Shape `json:"shape"`
	ChunkShape platezarr.Shape `json:"chunks"`
	DataType   string          `json:"dtype"`
}

// GetArraySpec returns the spec of an existing array.
func (s *Store) GetArraySpec(path string) (storage.ArraySpec, error) {
	value, err := s.get(pathKey(keyClassArray, path))
	if err != nil {
		return storage.ArraySpec{}, err
	}
	if value == nil {
		return storage.ArraySpec{}, fmt.Errorf("no array at %q", path)
	}
	var doc arrayDoc
	if err := json.Unmarshal(value, &doc); err != nil {
		return storage.ArraySpec{}, fmt.Errorf("bad array spec at %q: %w", path, err)
	}
	dt, err := platezarr.DataTypeByName(doc.DataType)
	if err != nil {
		return storage.ArraySpec{}, err
	}
	return storage.ArraySpec{Shape: doc.Shape, ChunkShape: doc.ChunkShape, DataType: dt}, nil
}

// ReadChunk returns chunk data or nil if never written.
func (s *Store) ReadChunk(path string, coord platezarr.ChunkCoord) ([]byte, error) {
	value, err := s.get(chunkKey(path, coord))
	if err != nil || value == nil {
		return nil, err
	}
	data, _, err := platezarr.DeserializeData(value)
	if err != nil {
		return nil, fmt.Errorf("chunk %s of %q: %w", storage.ChunkKey(coord), path, err)
	}
	return data, nil
}

// WriteChunk stores chunk data with snappy compression and CRC32 checksum.
func (s *Store) WriteChunk(path string, coord platezarr.ChunkCoord, data []byte) error {
	value, err := platezarr.SerializeData(data, platezarr.Snappy, platezarr.CRC32)
	if err != nil {
		return err
	}
	return s.put(chunkKey(path, coord), value)
}

// PutAttrs stores the attribute document for a path.
func (s *Store) PutAttrs(path string, doc interface{}) error {
	value, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.put(pathKey(keyClassAttrs, path), value)
}

// GetAttrs reads the attribute document at path into out.
func (s *Store) GetAttrs(path string, out interface{}) (bool, error) {
	value, err := s.get(pathKey(keyClassAttrs, path))
	if err != nil {
		return false, err
	}
	if value == nil {
		return false, nil
	}
	if err := json.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("bad attributes at %q: %w", path, err)
	}
	return true, nil
}

// Exists reports whether a group or array exists at path.
func (s *Store) Exists(path string) (bool, error) {
	for _, class := range []byte{keyClassGroup, keyClassArray} {
		value, err := s.get(pathKey(class, path))
		if err != nil {
			return false, err
		}
		if value != nil {
			return true, nil
		}
	}
	return false, nil
}

// Close releases the badger database.
func (s *Store) Close() error {
	return s.db.Close()
}
