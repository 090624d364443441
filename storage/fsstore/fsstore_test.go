package fsstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/storage"
)

func newTestStore(t *testing.T, config Config) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), config)
	if err != nil {
		t.Fatalf("can't create store: %v", err)
	}
	return s
}

func testSpec() storage.ArraySpec {
	return storage.ArraySpec{
		Shape:      platezarr.Shape{1, 100, 190},
		ChunkShape: platezarr.Shape{1, 64, 64},
		DataType:   platezarr.Uint16,
	}
}

func TestArrayLifecycle(t *testing.T) {
	for _, compressor := range []string{"raw", "zlib", "gzip"} {
		s := newTestStore(t, Config{Compressor: compressor, Level: 5})
		if err := s.CreateGroup("A/01"); err != nil {
			t.Fatalf("[%s] create group: %v", compressor, err)
		}
		spec := testSpec()
		if err := s.CreateArray("A/01/0/0", spec); err != nil {
			t.Fatalf("[%s] create array: %v", compressor, err)
		}
		// Identical re-creation must be a no-op for retried jobs.
		if err := s.CreateArray("A/01/0/0", spec); err != nil {
			t.Errorf("[%s] idempotent re-create failed: %v", compressor, err)
		}
		// A differing spec must be rejected.
		bad := spec
		bad.DataType = platezarr.Uint8
		if err := s.CreateArray("A/01/0/0", bad); err == nil {
			t.Errorf("[%s] expected error for conflicting array spec", compressor)
		}

		got, err := s.GetArraySpec("A/01/0/0")
		if err != nil {
			t.Fatalf("[%s] get spec: %v", compressor, err)
		}
		if !got.Shape.Equals(spec.Shape) || !got.ChunkShape.Equals(spec.ChunkShape) || got.DataType != spec.DataType {
			t.Errorf("[%s] round-tripped spec mismatch: %+v vs %+v", compressor, got, spec)
		}
	}
}

func TestChunkRoundTrip(t *testing.T) {
	s := newTestStore(t, Config{Compressor: "zlib", Level: 5})
	spec := testSpec()
	if err := s.CreateArray("img/0", spec); err != nil {
		t.Fatalf("create array: %v", err)
	}
	coord := platezarr.ChunkCoord{0, 1, 2}

	// Unwritten chunks read as nil.
	data, err := s.ReadChunk("img/0", coord)
	if err != nil {
		t.Fatalf("read absent chunk: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil for absent chunk, got %d bytes", len(data))
	}

	chunk := make([]byte, spec.ChunkBytes())
	for i := range chunk {
		chunk[i] = byte(i % 251)
	}
	if err := s.WriteChunk("img/0", coord, chunk); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	got, err := s.ReadChunk("img/0", coord)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Errorf("chunk data corrupted in round trip")
	}

	// dimension_separator "/" means the chunk lands in nested directories.
	file := filepath.Join(s.root, "img", "0", "0", "1", "2")
	if _, err := os.Stat(file); err != nil {
		t.Errorf("expected chunk file at %s: %v", file, err)
	}
}

func TestAttrsAndExists(t *testing.T) {
	s := newTestStore(t, Config{})
	if err := s.CreateGroup("B/02"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	doc := map[string]interface{}{"well": map[string]interface{}{"images": []interface{}{}}}
	if err := s.PutAttrs("B/02", doc); err != nil {
		t.Fatalf("put attrs: %v", err)
	}
	var out map[string]interface{}
	found, err := s.GetAttrs("B/02", &out)
	if err != nil || !found {
		t.Fatalf("get attrs: found=%v err=%v", found, err)
	}
	if _, ok := out["well"]; !ok {
		t.Errorf("attrs round trip lost document")
	}

	exists, err := s.Exists("B/02")
	if err != nil || !exists {
		t.Errorf("group should exist: exists=%v err=%v", exists, err)
	}
	exists, err = s.Exists("B/03")
	if err != nil || exists {
		t.Errorf("unregistered path should not exist: exists=%v err=%v", exists, err)
	}
}

func TestCachedStoreReadThrough(t *testing.T) {
	s := newTestStore(t, Config{Compressor: "raw"})
	spec := testSpec()
	if err := s.CreateArray("img/0", spec); err != nil {
		t.Fatalf("create array: %v", err)
	}
	cached := storage.NewCachedStore(s, 8*1024*1024)
	coord := platezarr.ChunkCoord{0, 0, 0}
	chunk := make([]byte, spec.ChunkBytes())
	chunk[0] = 0xAB
	if err := cached.WriteChunk("img/0", coord, chunk); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	// Remove the backing file; the cache should still serve the chunk.
	if err := os.Remove(filepath.Join(s.root, "img", "0", "0", "0", "0")); err != nil {
		t.Fatalf("remove chunk file: %v", err)
	}
	got, err := cached.ReadChunk("img/0", coord)
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Errorf("cache did not serve written chunk")
	}
}
