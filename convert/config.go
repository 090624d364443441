package convert

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/pyramid"
	"github.com/janelia-flyem/platezarr/stitch"
	"github.com/janelia-flyem/platezarr/storage"
	"github.com/janelia-flyem/platezarr/storage/badgerstore"
	"github.com/janelia-flyem/platezarr/storage/fsstore"
)

// DefaultRetryBudget is the number of automatic retries a failed pass gets,
// so a job makes at most DefaultRetryBudget+1 passes per run.
const DefaultRetryBudget = 5

// DefaultWorkerPoolSize bounds concurrently running jobs when the
// configuration does not set one.
const DefaultWorkerPoolSize = 4

type tomlConfig struct {
	Conversion conversionConfig
	Pyramid    pyramidConfig
	Logging    platezarr.LogConfig
	Store      storeConfig
}

type conversionConfig struct {
	PlateName      string    `toml:"plate_name"`
	OverlapPolicy  string    `toml:"overlap_policy"`
	TilingMode     string    `toml:"tiling_mode"`
	SwapXY         bool      `toml:"swap_xy"`
	InvertX        bool      `toml:"invert_x"`
	InvertY        bool      `toml:"invert_y"`
	PixelSize      []float64 `toml:"pixel_size"`
	ChunkShape     []int64   `toml:"chunk_shape"`
	MaxXYChunk     int64     `toml:"max_xy_chunk"`
	RetryBudget    int       `toml:"retry_budget"`
	WorkerPoolSize int       `toml:"worker_pool_size"`
}

type pyramidConfig struct {
	DownsampleFactors []int64 `toml:"downsample_factors"`
	Reduction         string  `toml:"reduction_function"`
	MaxLevels         int     `toml:"max_pyramid_levels"`
	ChunkShape        []int64 `toml:"chunk_shape"`
}

type storeConfig struct {
	Engine     string `toml:"engine"`
	Path       string `toml:"path"`
	Compressor string `toml:"compressor"`
	Level      int    `toml:"level"`
	CacheMB    int    `toml:"cache_mb"`
}

// Config is the parsed and validated conversion configuration.
type Config struct {
	PlateName      string
	Stitch         stitch.Options
	Pyramid        pyramid.Config
	PixelSize      []float64
	RetryBudget    int // automatic retries per run, not total passes
	WorkerPoolSize int
	Logging        platezarr.LogConfig
	Store          storeConfig
}

// LoadConfig reads a TOML configuration file.  Relative store paths are
// resolved against the config file's own directory.
func LoadConfig(filename string) (*Config, error) {
	var tc tomlConfig
	if _, err := toml.DecodeFile(filename, &tc); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if tc.Store.Path != "" && !filepath.IsAbs(tc.Store.Path) {
		tc.Store.Path = filepath.Join(filepath.Dir(filename), tc.Store.Path)
	}
	return newConfig(tc)
}

func newConfig(tc tomlConfig) (*Config, error) {
	overlap, err := stitch.OverlapPolicyByName(tc.Conversion.OverlapPolicy)
	if err != nil {
		return nil, err
	}
	mode, err := stitch.TilingModeByName(tc.Conversion.TilingMode)
	if err != nil {
		return nil, err
	}
	reduction, err := pyramid.ReductionByName(tc.Pyramid.Reduction)
	if err != nil {
		return nil, err
	}

	c := &Config{
		PlateName: tc.Conversion.PlateName,
		Stitch: stitch.Options{
			Mode:       mode,
			Overlap:    overlap,
			SwapXY:     tc.Conversion.SwapXY,
			InvertX:    tc.Conversion.InvertX,
			InvertY:    tc.Conversion.InvertY,
			PixelSize:  tc.Conversion.PixelSize,
			ChunkShape: platezarr.Shape(tc.Conversion.ChunkShape),
			MaxXYChunk: tc.Conversion.MaxXYChunk,
		},
		Pyramid: pyramid.Config{
			Factors:    platezarr.Shape(tc.Pyramid.DownsampleFactors),
			Reduction:  reduction,
			MaxLevels:  tc.Pyramid.MaxLevels,
			ChunkShape: platezarr.Shape(tc.Pyramid.ChunkShape),
		},
		PixelSize:      tc.Conversion.PixelSize,
		RetryBudget:    tc.Conversion.RetryBudget,
		WorkerPoolSize: tc.Conversion.WorkerPoolSize,
		Logging:        tc.Logging,
		Store:          tc.Store,
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = DefaultWorkerPoolSize
	}
	return c, nil
}

// OpenStore constructs the configured storage backend, wrapped in a
// read-through chunk cache when cache_mb is set.
func (c *Config) OpenStore() (storage.ChunkStore, error) {
	if c.Store.Path == "" {
		return nil, fmt.Errorf("store path is not configured")
	}
	var (
		store storage.ChunkStore
		err   error
	)
	switch c.Store.Engine {
	case "", "fs":
		store, err = fsstore.NewStore(c.Store.Path, fsstore.Config{
			Compressor: c.Store.Compressor,
			Level:      c.Store.Level,
		})
	case "badger":
		store, err = badgerstore.NewStore(c.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store engine %q", c.Store.Engine)
	}
	if err != nil {
		return nil, err
	}
	if c.Store.CacheMB > 0 {
		store = storage.NewCachedStore(store, c.Store.CacheMB<<20)
	}
	return store, nil
}
