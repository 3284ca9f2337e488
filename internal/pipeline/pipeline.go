// Package pipeline runs the worksheet export: extract the dataset fields,
// compute markers, write the staging directory, archive it and remove it.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/atlasmap-sc/ctw/internal/archive"
	"github.com/atlasmap-sc/ctw/internal/dataset"
	"github.com/atlasmap-sc/ctw/internal/markers"
	"github.com/atlasmap-sc/ctw/internal/render"
	"github.com/atlasmap-sc/ctw/internal/worksheet"
	"github.com/atlasmap-sc/ctw/pkg/colormap"
)

// Stage is one state of an export run.
type Stage string

const (
	StageStart          Stage = "START"
	StageExtract        Stage = "EXTRACT"
	StageComputeMarkers Stage = "COMPUTE_MARKERS"
	StageStageWrite     Stage = "STAGE_WRITE"
	StageArchive        Stage = "ARCHIVE"
	StageCleanup        Stage = "CLEANUP"
	StageDone           Stage = "DONE"
	StageFailed         Stage = "FAILED"
)

// StageError is returned when a run ends in FAILED. Stage is the state that
// produced Err.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Options configures one export.
type Options struct {
	Name      string
	OutputDir string

	ClusterColumn  string
	CellTypeColumn string
	EmbeddingKey   string
	CellTypePolicy dataset.CellTypePolicy

	Markers markers.Options

	// Preview enables preview.png. Render also picks the cluster colors
	// written to the manifest.
	Preview bool
	Render  render.Config
}

// Result summarizes a completed export.
type Result struct {
	Archive    string
	Cells      int
	Genes      int
	Clusters   int
	MarkerRows int
	Source     dataset.ExpressionSource
	// Stages lists the visited states, START through DONE.
	Stages []Stage
}

// Exporter runs exports.
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates an exporter logging to logger.
func NewExporter(logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{logger: logger}
}

// extracted holds the EXTRACT products.
type extracted struct {
	source     dataset.ExpressionSource
	clustering *dataset.Clustering
	cellTypes  *dataset.CellTypeMapping
	coords     []dataset.Coordinate
	matrix     *dataset.Matrix
}

type run struct {
	e       *Exporter
	ds      dataset.Dataset
	opts    Options
	staging string
	out     string
	stages  []Stage

	renderer *render.Renderer
	data     *extracted
	table    *markers.Table
}

// Run exports ds into <OutputDir>/<Name>.ctw.tgz. Stages run strictly in
// order and none is revisited; the first error ends the run with a
// *StageError. Nothing is written to disk before STAGE_WRITE.
func (e *Exporter) Run(ds dataset.Dataset, opts Options) (*Result, error) {
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	r := &run{
		e:       e,
		ds:      ds,
		opts:    opts,
		staging: filepath.Join(opts.OutputDir, opts.Name),
		out:     filepath.Join(opts.OutputDir, archive.FileName(opts.Name)),
	}

	steps := []struct {
		stage Stage
		fn    func() error
	}{
		{StageStart, r.start},
		{StageExtract, r.extract},
		{StageComputeMarkers, r.computeMarkers},
		{StageStageWrite, r.stageWrite},
		{StageArchive, r.archive},
		{StageCleanup, r.cleanup},
	}
	for _, s := range steps {
		r.stages = append(r.stages, s.stage)
		started := time.Now()
		if err := s.fn(); err != nil {
			r.stages = append(r.stages, StageFailed)
			e.logger.Error("Export failed",
				zap.String("worksheet", opts.Name),
				zap.String("stage", string(s.stage)),
				zap.Error(err))
			return nil, &StageError{Stage: s.stage, Err: err}
		}
		e.logger.Debug("Stage complete",
			zap.String("stage", string(s.stage)),
			zap.Duration("elapsed", time.Since(started)))
	}
	r.stages = append(r.stages, StageDone)

	res := &Result{
		Archive:    r.out,
		Cells:      len(r.data.clustering.Cells),
		Genes:      r.data.matrix.NGenes(),
		Clusters:   len(r.data.clustering.Clusters),
		MarkerRows: r.table.Len(),
		Source:     r.data.source,
		Stages:     r.stages,
	}
	e.logger.Info("Worksheet exported",
		zap.String("archive", res.Archive),
		zap.Int("cells", res.Cells),
		zap.Int("genes", res.Genes),
		zap.Int("clusters", res.Clusters),
		zap.Int("marker_rows", res.MarkerRows))
	return res, nil
}

func (r *run) start() error {
	if err := worksheet.ValidateName(r.opts.Name); err != nil {
		return err
	}
	if r.opts.ClusterColumn == "" {
		return errors.New("no cluster column given")
	}
	renderer, err := render.NewRenderer(r.opts.Render)
	if err != nil {
		return err
	}
	r.renderer = renderer
	return nil
}

func (r *run) extract() error {
	d := &extracted{source: dataset.ResolveExpressionSource(r.ds)}

	var err error
	if d.clustering, err = dataset.ClusteringFromColumn(r.ds, r.opts.ClusterColumn); err != nil {
		return err
	}
	if d.cellTypes, err = dataset.CellTypeMappingFor(r.ds, d.clustering, r.opts.CellTypeColumn, r.opts.CellTypePolicy); err != nil {
		return err
	}
	if d.cellTypes.Missing && r.opts.CellTypeColumn != "" {
		r.e.logger.Warn("Cell type column not found, writing an empty mapping",
			zap.String("column", r.opts.CellTypeColumn),
			zap.Strings("available", r.ds.ObsKeys()))
	}
	if d.coords, err = dataset.Coordinates(r.ds, r.opts.EmbeddingKey); err != nil {
		return err
	}
	if d.matrix, err = r.ds.Expression(d.source); err != nil {
		return err
	}

	// Fail before the marker computation when the bundle cannot be staged.
	if _, err := os.Stat(r.staging); err == nil {
		return &worksheet.DirectoryExistsError{Path: r.staging}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	r.e.logger.Info("Extracted dataset fields",
		zap.Int("cells", len(d.clustering.Cells)),
		zap.Int("clusters", len(d.clustering.Clusters)),
		zap.String("expression_source", d.source.String()),
		zap.String("embedding", r.opts.EmbeddingKey))
	r.data = d
	return nil
}

func (r *run) computeMarkers() error {
	table, err := markers.Compute(r.data.matrix, r.data.clustering, r.opts.Markers)
	if err != nil {
		return err
	}
	table.Source = r.data.source
	for _, g := range table.Groups {
		if len(g.Markers) == 0 {
			r.e.logger.Warn("Cluster has no marker genes",
				zap.String("cluster", g.Cluster),
				zap.Int("cells", g.Size))
		}
	}
	r.table = table
	return nil
}

func (r *run) stageWrite() error {
	n := len(r.data.clustering.Clusters)
	colors := r.renderer.ClusterColors(n)
	hex := make([]string, len(colors))
	for i, c := range colors {
		hex[i] = colormap.Hex(c)
	}

	var preview []byte
	if r.opts.Preview {
		var err error
		preview, err = r.renderer.RenderClusters(r.data.coords, r.data.clustering.Index(), n)
		if err != nil {
			return fmt.Errorf("failed to render preview: %w", err)
		}
	}

	staging, err := worksheet.Write(r.opts.OutputDir, r.opts.Name, &worksheet.Products{
		Coordinates:   r.data.coords,
		Expression:    r.data.matrix,
		Clustering:    r.data.clustering,
		Markers:       r.table,
		CellTypes:     r.data.cellTypes,
		Preview:       preview,
		ClusterColors: hex,
		Source:        r.data.source,
		EmbeddingKey:  r.opts.EmbeddingKey,
	})
	if err != nil {
		return err
	}
	r.staging = staging
	return nil
}

func (r *run) archive() error {
	return archive.Create(r.staging, r.out)
}

func (r *run) cleanup() error {
	return archive.Cleanup(r.staging, r.out)
}
