// Package anndatatest writes small AnnData Zarr stores for tests.
package anndatatest

import (
	"testing"

	"github.com/atlasmap-sc/ctw/internal/data/zarr/zarrtest"
)

// Obs is one obs column. Categories makes it categorical; Ints makes it an
// integer column (Values is then ignored).
type Obs struct {
	Name       string
	Values     []string
	Categories []string
	Ints       []int32
}

// Fixture describes an AnnData dataset.
type Fixture struct {
	Format int    // zarr format, 2 or 3 (default 3)
	Codec  string // "", "zstd" or "gzip"

	Cells []string
	Genes []string
	Obs   []Obs

	// Embeddings are written to obsm as (n_obs, 2) float32 arrays.
	Embeddings map[string][][2]float64

	// X is dense cells x genes; Sparse selects "csr" or "csc" storage.
	X      [][]float32
	Sparse string

	// Raw, when set, is written to raw/X with RawGenes (defaults to Genes).
	Raw      [][]float32
	RawGenes []string
}

// Write writes the fixture into a fresh temp directory and returns its path.
func Write(t testing.TB, f Fixture) string {
	t.Helper()
	format := f.Format
	if format == 0 {
		format = 3
	}
	w := zarrtest.New(t, format, f.Codec)
	w.Group("", map[string]any{"encoding-type": "anndata", "encoding-version": "0.1.0"})

	order := make([]any, len(f.Obs))
	for i, o := range f.Obs {
		order[i] = o.Name
	}
	w.Group("obs", map[string]any{
		"_index":           "_index",
		"column-order":     order,
		"encoding-type":    "dataframe",
		"encoding-version": "0.2.0",
	})
	w.Strings("obs/_index", chunkLen(len(f.Cells)), f.Cells, map[string]any{"encoding-type": "string-array"})
	for _, o := range f.Obs {
		writeObs(w, o)
	}

	w.Group("obsm", map[string]any{"encoding-type": "dict"})
	for key, xy := range f.Embeddings {
		flat := make([]float32, 0, 2*len(xy))
		for _, p := range xy {
			flat = append(flat, float32(p[0]), float32(p[1]))
		}
		w.Float32("obsm/"+key, []int{len(xy), 2}, []int{chunkLen(len(xy)), 2}, flat, map[string]any{"encoding-type": "array"})
	}

	writeVar(w, "var", f.Genes)
	writeMatrix(w, "X", f.X, len(f.Cells), len(f.Genes), f.Sparse)

	if f.Raw != nil {
		genes := f.RawGenes
		if genes == nil {
			genes = f.Genes
		}
		w.Group("raw", map[string]any{"encoding-type": "raw", "encoding-version": "0.1.0"})
		writeVar(w, "raw/var", genes)
		writeMatrix(w, "raw/X", f.Raw, len(f.Cells), len(genes), f.Sparse)
	}
	return w.Root
}

func writeObs(w *zarrtest.Writer, o Obs) {
	p := "obs/" + o.Name
	switch {
	case o.Ints != nil:
		w.Int32(p, []int{len(o.Ints)}, []int{chunkLen(len(o.Ints))}, o.Ints, map[string]any{"encoding-type": "array"})
	case o.Categories != nil:
		w.Group(p, map[string]any{"encoding-type": "categorical", "encoding-version": "0.2.0", "ordered": false})
		pos := make(map[string]int, len(o.Categories))
		for i, c := range o.Categories {
			pos[c] = i
		}
		codes := make([]int8, len(o.Values))
		for i, v := range o.Values {
			c, ok := pos[v]
			if !ok {
				c = -1
			}
			codes[i] = int8(c)
		}
		w.Int8(p+"/codes", []int{len(codes)}, []int{chunkLen(len(codes))}, codes, nil)
		w.Strings(p+"/categories", chunkLen(len(o.Categories)), o.Categories, nil)
	default:
		w.Strings(p, chunkLen(len(o.Values)), o.Values, map[string]any{"encoding-type": "string-array"})
	}
}

func writeVar(w *zarrtest.Writer, group string, genes []string) {
	w.Group(group, map[string]any{
		"_index":           "_index",
		"column-order":     []any{},
		"encoding-type":    "dataframe",
		"encoding-version": "0.2.0",
	})
	w.Strings(group+"/_index", chunkLen(len(genes)), genes, nil)
}

func writeMatrix(w *zarrtest.Writer, p string, rows [][]float32, nCells, nGenes int, sparse string) {
	switch sparse {
	case "csr":
		var data []float32
		var indices []int32
		indptr := []int32{0}
		for _, row := range rows {
			for j, v := range row {
				if v != 0 {
					data = append(data, v)
					indices = append(indices, int32(j))
				}
			}
			indptr = append(indptr, int32(len(data)))
		}
		writeSparse(w, p, "csr_matrix", nCells, nGenes, data, indices, indptr)
	case "csc":
		var data []float32
		var indices []int32
		indptr := []int32{0}
		for j := 0; j < nGenes; j++ {
			for i, row := range rows {
				if row[j] != 0 {
					data = append(data, row[j])
					indices = append(indices, int32(i))
				}
			}
			indptr = append(indptr, int32(len(data)))
		}
		writeSparse(w, p, "csc_matrix", nCells, nGenes, data, indices, indptr)
	default:
		flat := make([]float32, 0, nCells*nGenes)
		for _, row := range rows {
			flat = append(flat, row...)
		}
		w.Float32(p, []int{nCells, nGenes}, []int{chunkLen(nCells), chunkLen(nGenes)}, flat, map[string]any{"encoding-type": "array"})
	}
}

func writeSparse(w *zarrtest.Writer, p, enc string, nCells, nGenes int, data []float32, indices, indptr []int32) {
	w.Group(p, map[string]any{"encoding-type": enc, "encoding-version": "0.1.0", "shape": []int{nCells, nGenes}})
	w.Float32(p+"/data", []int{len(data)}, []int{chunkLen(len(data))}, data, nil)
	w.Int32(p+"/indices", []int{len(indices)}, []int{chunkLen(len(indices))}, indices, nil)
	w.Int32(p+"/indptr", []int{len(indptr)}, []int{chunkLen(len(indptr))}, indptr, nil)
}

// chunkLen splits arrays into a few chunks so multi-chunk reads are exercised.
func chunkLen(n int) int {
	if n <= 4 {
		return 4
	}
	return (n + 2) / 3
}
