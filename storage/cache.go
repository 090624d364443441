package storage

import (
	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/platezarr/platezarr"
)

// CachedStore wraps a ChunkStore with an in-memory read-through chunk cache.
// Pyramid construction re-reads the level below chunk by chunk, so recently
// written base-level chunks are usually still hot.
type CachedStore struct {
	ChunkStore
	cache *freecache.Cache
}

// NewCachedStore returns a read-through cache of the given byte size in
// front of a backend store.  Chunks too large for the cache pass through
// uncached.
func NewCachedStore(backend ChunkStore, sizeBytes int) *CachedStore {
	platezarr.Infof("Chunk cache enabled: %s\n", humanize.Bytes(uint64(sizeBytes)))
	return &CachedStore{
		ChunkStore: backend,
		cache:      freecache.NewCache(sizeBytes),
	}
}

func (s *CachedStore) chunkCacheKey(path string, coord platezarr.ChunkCoord) []byte {
	return []byte(path + "@" + ChunkKey(coord))
}

// ReadChunk returns cached chunk data if present, falling back to the
// backend and populating the cache on miss.
func (s *CachedStore) ReadChunk(path string, coord platezarr.ChunkCoord) ([]byte, error) {
	key := s.chunkCacheKey(path, coord)
	if data, err := s.cache.Get(key); err == nil {
		return data, nil
	}
	data, err := s.ChunkStore.ReadChunk(path, coord)
	if err != nil || data == nil {
		return data, err
	}
	// freecache rejects entries above 1/1024 of the cache size; those
	// chunks simply stay uncached.
	if err := s.cache.Set(key, data, 0); err != nil {
		platezarr.Debugf("Chunk %s of %s not cached: %v\n", ChunkKey(coord), path, err)
	}
	return data, nil
}

// WriteChunk writes through to the backend and refreshes the cache entry so
// readers never observe stale chunk data.
func (s *CachedStore) WriteChunk(path string, coord platezarr.ChunkCoord, data []byte) error {
	key := s.chunkCacheKey(path, coord)
	if err := s.ChunkStore.WriteChunk(path, coord, data); err != nil {
		// The backend write failed, so whatever the cache holds may no
		// longer match the store.
		s.cache.Del(key)
		return err
	}
	if err := s.cache.Set(key, data, 0); err != nil {
		s.cache.Del(key)
	}
	return nil
}
