package convert

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/janelia-flyem/platezarr/stitch"
)

// spillDirName holds per-job residual records under the output root while a
// job is failed or in flight, so an operator can resume after a crash.
const spillDirName = "_tmp_platezarr"

// spillRecord is the on-disk residual state of a failed job.
type spillRecord struct {
	JobID       uuid.UUID
	Row         string
	Column      int
	Acquisition int
	Tiles       []*stitch.Tile
}

type spillDir struct {
	dir string
}

func newSpillDir(outputRoot string) (*spillDir, error) {
	dir := filepath.Join(outputRoot, spillDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("can't create spill directory: %v", err)
	}
	return &spillDir{dir: dir}, nil
}

func (s *spillDir) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".gob")
}

func (s *spillDir) write(rec spillRecord) error {
	tmp, err := os.CreateTemp(s.dir, ".spill-*")
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(tmp).Encode(rec); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(rec.JobID))
}

func (s *spillDir) read(id uuid.UUID) (spillRecord, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return spillRecord{}, err
	}
	defer f.Close()
	var rec spillRecord
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return spillRecord{}, err
	}
	return rec, nil
}

func (s *spillDir) remove(id uuid.UUID) {
	os.Remove(s.path(id))
}

// list returns the job ids with residual records on disk.
func (s *spillDir) list() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".gob" {
			continue
		}
		id, err := uuid.Parse(name[:len(name)-len(".gob")])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
