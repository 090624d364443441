// Command-line front end for plate conversions.  Reads a TOML configuration
// and a JSON tile manifest, runs the conversion engine, and prints a per-job
// summary.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/platezarr/convert"
	"github.com/janelia-flyem/platezarr/platezarr"
	"github.com/janelia-flyem/platezarr/stitch"
)

var (
	showHelp   = flag.Bool("help", false, "")
	runVerbose = flag.Bool("verbose", false, "")
	configFile = flag.String("config", "", "")
)

const helpMessage = `
platezarr converts plate-based microscopy tile sets into a multiscale zarr store

Usage: platezarr [options] <manifest.json>

      -config     =string   Path to TOML configuration file (required).
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

The manifest lists raw tile files with their plate coordinates:

  {
    "axes": "yx",
    "data_type": "uint16",
    "tiles": [
      {"file": "A1_f0.raw", "row": "A", "column": 1, "acquisition": 0,
       "field": 0, "shape": [2160, 2560], "origin": [0.0, 0.0]}
    ]
  }

Tile files hold raw little-endian samples in row-major order, relative to
the manifest's own directory.
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showHelp || flag.NArg() != 1 || *configFile == "" {
		flag.Usage()
		if *showHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if *runVerbose {
		platezarr.SetLogMode(platezarr.DebugMode)
	}

	config, err := convert.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't load config: %v\n", err)
		os.Exit(1)
	}
	config.Logging.SetLogger()

	jobs, err := loadManifest(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't load manifest: %v\n", err)
		os.Exit(1)
	}

	if err := runConversion(config, jobs); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type manifest struct {
	Axes     string         `json:"axes"`
	DataType string         `json:"data_type"`
	Tiles    []manifestTile `json:"tiles"`
}

type manifestTile struct {
	File        string    `json:"file"`
	Row         string    `json:"row"`
	Column      int       `json:"column"`
	Acquisition int       `json:"acquisition"`
	Field       int       `json:"field"`
	Shape       []int64   `json:"shape"`
	Origin      []float64 `json:"origin"`
}

// loadManifest reads the tile manifest and groups tiles into one job per
// (well, acquisition).
func loadManifest(path string) ([]convert.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bad manifest %q: %v", path, err)
	}

	axes, err := platezarr.ParseAxisOrder(m.Axes)
	if err != nil {
		return nil, err
	}
	dtype, err := platezarr.DataTypeByName(m.DataType)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	grouped := make(map[string]*convert.JobSpec)
	var order []string
	for _, mt := range m.Tiles {
		buf, err := os.ReadFile(filepath.Join(dir, mt.File))
		if err != nil {
			return nil, fmt.Errorf("tile %q: %v", mt.File, err)
		}
		tile := &stitch.Tile{
			ID:          mt.File,
			Row:         mt.Row,
			Column:      mt.Column,
			Acquisition: mt.Acquisition,
			Field:       mt.Field,
			Data:        buf,
			DataType:    dtype,
			Axes:        axes,
			Shape:       platezarr.Shape(mt.Shape),
			Origin:      mt.Origin,
		}
		key := fmt.Sprintf("%s/%d", tile.WellPath(), mt.Acquisition)
		spec, ok := grouped[key]
		if !ok {
			spec = &convert.JobSpec{
				Row:         mt.Row,
				Column:      mt.Column,
				Acquisition: mt.Acquisition,
			}
			grouped[key] = spec
			order = append(order, key)
		}
		spec.Tiles = append(spec.Tiles, tile)
	}

	specs := make([]convert.JobSpec, 0, len(grouped))
	for _, key := range order {
		specs = append(specs, *grouped[key])
	}
	return specs, nil
}

func runConversion(config *convert.Config, specs []convert.JobSpec) error {
	store, err := config.OpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := convert.NewEngine(store, config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var jobs []*convert.Job
	for _, spec := range specs {
		job, err := engine.Submit(ctx, spec)
		if err != nil {
			return fmt.Errorf("well %s/%d: %v", spec.Row, spec.Column, err)
		}
		jobs = append(jobs, job)
	}
	engine.WaitAll()

	failed := 0
	for _, job := range jobs {
		var bytes uint64
		for _, tile := range job.Spec.Tiles {
			bytes += uint64(len(tile.Data))
		}
		fmt.Printf("%s well %s/%d acq %d: %s, %d tiles (%s), %d skipped, %d residual\n",
			job.ID, job.Spec.Row, job.Spec.Column, job.Spec.Acquisition, job.State(),
			len(job.Spec.Tiles), humanize.Bytes(bytes), len(job.Skipped()), len(job.Residual()))
		if err := job.Err(); err != nil {
			fmt.Printf("    error: %v\n", err)
		}
		if job.State() != convert.Completed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not complete", failed, len(jobs))
	}
	return nil
}
