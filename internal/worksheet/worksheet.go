// Package worksheet writes a worksheet bundle: a staging directory holding
// one tab-separated file per data product plus a JSON manifest.
//
// File layout (UTF-8, tab-separated, "\n" line endings, header row first):
//
//	xys.tsv         cell, x, y
//	exp.tsv         gene, <cell_1> ... <cell_n>   (one row per gene)
//	clustering.tsv  cell, cluster
//	markers.tsv     cluster, rank, gene, score, log2fc, pct_in, pct_out,
//	                mean_in, mean_out, p_ranksum, fdr_ranksum, p_ttest, fdr_ttest
//	celltype.tsv    cluster, cell_type
//	preview.png     optional embedding scatter colored by cluster
//	manifest.json   see Manifest
package worksheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/atlasmap-sc/ctw/internal/dataset"
	"github.com/atlasmap-sc/ctw/internal/markers"
)

// File names inside a worksheet bundle.
const (
	FileCoordinates = "xys.tsv"
	FileExpression  = "exp.tsv"
	FileClustering  = "clustering.tsv"
	FileMarkers     = "markers.tsv"
	FileCellTypes   = "celltype.tsv"
	FilePreview     = "preview.png"
	FileManifest    = "manifest.json"
)

// ErrInvalidName is returned for worksheet names that are not a single path element.
var ErrInvalidName = errors.New("invalid worksheet name")

// DirectoryExistsError is returned when the staging directory already exists.
// The existing directory is never modified.
type DirectoryExistsError struct {
	Path string
}

func (e *DirectoryExistsError) Error() string {
	return fmt.Sprintf("staging directory %s already exists", e.Path)
}

func (e *DirectoryExistsError) Is(target error) bool {
	return target == fs.ErrExist
}

// Products are the extracted data written into a bundle.
type Products struct {
	Coordinates []dataset.Coordinate
	Expression  *dataset.Matrix
	Clustering  *dataset.Clustering
	Markers     *markers.Table
	CellTypes   *dataset.CellTypeMapping

	// Optional.
	Preview       []byte
	ClusterColors []string

	Source       dataset.ExpressionSource
	EmbeddingKey string
}

func (p *Products) validate() error {
	if p.Clustering == nil || p.Expression == nil || p.Markers == nil || p.CellTypes == nil {
		return errors.New("worksheet products are incomplete")
	}
	n := len(p.Clustering.Cells)
	if len(p.Coordinates) != n {
		return fmt.Errorf("%d coordinates for %d cells", len(p.Coordinates), n)
	}
	if p.Expression.NCells() != n {
		return fmt.Errorf("expression matrix has %d cells, clustering has %d", p.Expression.NCells(), n)
	}
	return nil
}

// ValidateName checks that name can be used as a directory and archive name.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// Write creates <dir>/<name> and writes every product into it, returning the
// staging path. The directory is created with a single os.Mkdir, so a second
// writer targeting the same name fails with *DirectoryExistsError. On a write
// failure the partially populated directory is left in place.
func Write(dir, name string, p *Products) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if err := p.validate(); err != nil {
		return "", err
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	staging := filepath.Join(dir, name)
	if err := os.Mkdir(staging, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", &DirectoryExistsError{Path: staging}
		}
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	steps := []struct {
		file  string
		write func(*csv.Writer) error
	}{
		{FileCoordinates, func(w *csv.Writer) error { return writeCoordinates(w, p.Coordinates) }},
		{FileExpression, func(w *csv.Writer) error { return writeExpression(w, p.Expression) }},
		{FileClustering, func(w *csv.Writer) error { return writeClustering(w, p.Clustering) }},
		{FileMarkers, func(w *csv.Writer) error { return writeMarkers(w, p.Markers) }},
		{FileCellTypes, func(w *csv.Writer) error { return writeCellTypes(w, p.CellTypes) }},
	}
	for _, s := range steps {
		if err := writeTSV(filepath.Join(staging, s.file), s.write); err != nil {
			return staging, fmt.Errorf("failed to write %s: %w", s.file, err)
		}
	}

	files := []string{FileCoordinates, FileExpression, FileClustering, FileMarkers, FileCellTypes}
	if len(p.Preview) > 0 {
		if err := os.WriteFile(filepath.Join(staging, FilePreview), p.Preview, 0o644); err != nil {
			return staging, fmt.Errorf("failed to write %s: %w", FilePreview, err)
		}
		files = append(files, FilePreview)
	}

	if err := writeManifest(filepath.Join(staging, FileManifest), newManifest(name, p, files)); err != nil {
		return staging, fmt.Errorf("failed to write %s: %w", FileManifest, err)
	}
	return staging, nil
}

func writeTSV(path string, fill func(*csv.Writer) error) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := fill(w); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeCoordinates(w *csv.Writer, coords []dataset.Coordinate) error {
	if err := w.Write([]string{"cell", "x", "y"}); err != nil {
		return err
	}
	for _, c := range coords {
		if err := w.Write([]string{c.Cell, formatFloat(c.X), formatFloat(c.Y)}); err != nil {
			return err
		}
	}
	return nil
}

// writeExpression writes the matrix transposed and dense: one row per gene.
func writeExpression(w *csv.Writer, m *dataset.Matrix) error {
	header := make([]string, 0, m.NCells()+1)
	header = append(header, "gene")
	header = append(header, m.Cells...)
	if err := w.Write(header); err != nil {
		return err
	}

	// CSR -> per-gene column lists.
	nGenes := m.NGenes()
	colPtr := make([]int, nGenes+1)
	for _, j := range m.Indices {
		colPtr[j+1]++
	}
	for j := 0; j < nGenes; j++ {
		colPtr[j+1] += colPtr[j]
	}
	rows := make([]int, len(m.Indices))
	vals := make([]float32, len(m.Data))
	next := append([]int(nil), colPtr[:nGenes]...)
	for i := 0; i < m.NCells(); i++ {
		idx, data := m.Row(i)
		for p, j := range idx {
			rows[next[j]] = i
			vals[next[j]] = data[p]
			next[j]++
		}
	}

	record := make([]string, m.NCells()+1)
	for j := 0; j < nGenes; j++ {
		record[0] = m.Genes[j]
		for i := 1; i < len(record); i++ {
			record[i] = "0"
		}
		for p := colPtr[j]; p < colPtr[j+1]; p++ {
			record[rows[p]+1] = strconv.FormatFloat(float64(vals[p]), 'g', -1, 32)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeClustering(w *csv.Writer, c *dataset.Clustering) error {
	if err := w.Write([]string{"cell", "cluster"}); err != nil {
		return err
	}
	for i, cell := range c.Cells {
		if err := w.Write([]string{cell, c.Labels[i]}); err != nil {
			return err
		}
	}
	return nil
}

// MarkerColumns is the header of markers.tsv.
var MarkerColumns = []string{
	"cluster", "rank", "gene", "score", "log2fc", "pct_in", "pct_out",
	"mean_in", "mean_out", "p_ranksum", "fdr_ranksum", "p_ttest", "fdr_ttest",
}

func writeMarkers(w *csv.Writer, t *markers.Table) error {
	if err := w.Write(MarkerColumns); err != nil {
		return err
	}
	for _, m := range t.Rows() {
		rec := []string{
			m.Cluster,
			strconv.Itoa(m.Rank),
			m.Gene,
			formatFloat(m.Score),
			formatFloat(m.Log2FC),
			formatFloat(m.PctIn),
			formatFloat(m.PctOut),
			formatFloat(m.MeanIn),
			formatFloat(m.MeanOut),
			formatFloat(m.PRanksum),
			formatFloat(m.FDRRanksum),
			formatFloat(m.PTTest),
			formatFloat(m.FDRTTest),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func writeCellTypes(w *csv.Writer, m *dataset.CellTypeMapping) error {
	if err := w.Write([]string{"cluster", "cell_type"}); err != nil {
		return err
	}
	for _, a := range m.Assignments {
		if err := w.Write([]string{a.Cluster, a.CellType}); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
