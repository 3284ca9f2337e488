// Package dataset provides typed access to single-cell datasets: the
// accessor interface implemented by storage backends, and the extraction
// helpers that turn a dataset into clusterings, cell-type mappings,
// coordinates and expression matrices.
package dataset

import (
	"fmt"
)

// ExpressionSource selects which expression slot is exported.
type ExpressionSource int

const (
	// Normalized is the main (processed) expression matrix.
	Normalized ExpressionSource = iota
	// Raw is the pre-normalization matrix kept alongside the processed one.
	Raw
)

func (s ExpressionSource) String() string {
	if s == Raw {
		return "raw"
	}
	return "normalized"
}

// Column is one observation column, rendered as one string per cell.
type Column struct {
	Name   string
	Values []string
	// Categories holds the declared category order for categorical columns.
	Categories []string
	Ordered    bool
}

// Dataset is read access to a loaded single-cell dataset. Getters fail
// with *ConfigurationError or *MissingEmbeddingError when a named field is absent.
type Dataset interface {
	NObs() int
	ObsNames() []string
	ObsKeys() []string
	ObsColumn(name string) (*Column, error)
	EmbeddingKeys() []string
	Embedding(key string) ([][2]float64, error)
	HasRaw() bool
	Expression(src ExpressionSource) (*Matrix, error)
}

// Matrix is a cells x genes expression matrix in CSR layout.
type Matrix struct {
	Cells   []string
	Genes   []string
	Indptr  []int
	Indices []int32
	Data    []float32
}

// NCells returns the number of rows.
func (m *Matrix) NCells() int { return len(m.Cells) }

// NGenes returns the number of columns.
func (m *Matrix) NGenes() int { return len(m.Genes) }

// Row returns the stored gene indices and values of cell i.
func (m *Matrix) Row(i int) ([]int32, []float32) {
	lo, hi := m.Indptr[i], m.Indptr[i+1]
	return m.Indices[lo:hi], m.Data[lo:hi]
}

// Validate checks the CSR invariants.
func (m *Matrix) Validate() error {
	if len(m.Indptr) != len(m.Cells)+1 {
		return fmt.Errorf("indptr has %d entries, expected %d", len(m.Indptr), len(m.Cells)+1)
	}
	if len(m.Indices) != len(m.Data) {
		return fmt.Errorf("indices (%d) and data (%d) differ in length", len(m.Indices), len(m.Data))
	}
	if m.Indptr[0] != 0 || m.Indptr[len(m.Indptr)-1] != len(m.Data) {
		return fmt.Errorf("indptr does not span data: [%d, %d] vs %d", m.Indptr[0], m.Indptr[len(m.Indptr)-1], len(m.Data))
	}
	for i := 0; i < len(m.Cells); i++ {
		if m.Indptr[i] > m.Indptr[i+1] {
			return fmt.Errorf("indptr decreases at row %d", i)
		}
	}
	g := int32(len(m.Genes))
	for k, j := range m.Indices {
		if j < 0 || j >= g {
			return fmt.Errorf("gene index %d out of range at entry %d (n_genes=%d)", j, k, g)
		}
	}
	return nil
}

// NewDenseMatrix builds a CSR matrix from dense rows, dropping zeros.
func NewDenseMatrix(cells, genes []string, rows [][]float32) (*Matrix, error) {
	if len(rows) != len(cells) {
		return nil, fmt.Errorf("%d rows for %d cells", len(rows), len(cells))
	}
	m := &Matrix{Cells: cells, Genes: genes, Indptr: make([]int, 1, len(cells)+1)}
	for i, row := range rows {
		if len(row) != len(genes) {
			return nil, fmt.Errorf("row %d has %d values for %d genes", i, len(row), len(genes))
		}
		for j, v := range row {
			if v != 0 {
				m.Indices = append(m.Indices, int32(j))
				m.Data = append(m.Data, v)
			}
		}
		m.Indptr = append(m.Indptr, len(m.Data))
	}
	return m, nil
}

// NewCSRFromCSC converts a compressed-sparse-column matrix to CSR.
func NewCSRFromCSC(cells, genes []string, indptr []int, indices []int32, data []float32) (*Matrix, error) {
	nRows, nCols := len(cells), len(genes)
	if len(indptr) != nCols+1 {
		return nil, fmt.Errorf("csc indptr has %d entries, expected %d", len(indptr), nCols+1)
	}
	if len(indices) != len(data) {
		return nil, fmt.Errorf("csc indices (%d) and data (%d) differ in length", len(indices), len(data))
	}
	if indptr[0] != 0 || indptr[nCols] != len(data) {
		return nil, fmt.Errorf("csc indptr does not span data: [%d, %d] vs %d", indptr[0], indptr[nCols], len(data))
	}
	for j := 0; j < nCols; j++ {
		if indptr[j] > indptr[j+1] {
			return nil, fmt.Errorf("csc indptr decreases at column %d", j)
		}
	}
	counts := make([]int, nRows+1)
	for _, r := range indices {
		if r < 0 || int(r) >= nRows {
			return nil, fmt.Errorf("csc row index %d out of range (n_rows=%d)", r, nRows)
		}
		counts[r+1]++
	}
	for i := 0; i < nRows; i++ {
		counts[i+1] += counts[i]
	}
	m := &Matrix{
		Cells:   cells,
		Genes:   genes,
		Indptr:  append([]int(nil), counts...),
		Indices: make([]int32, len(data)),
		Data:    make([]float32, len(data)),
	}
	next := counts[:nRows]
	for j := 0; j < nCols; j++ {
		for k := indptr[j]; k < indptr[j+1]; k++ {
			r := indices[k]
			pos := next[r]
			m.Indices[pos] = int32(j)
			m.Data[pos] = data[k]
			next[r]++
		}
	}
	return m, nil
}

// ContainsKey reports whether key is in keys.
func ContainsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
