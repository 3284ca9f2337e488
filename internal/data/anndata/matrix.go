package anndata

import (
	"fmt"
	"path"

	"github.com/atlasmap-sc/ctw/internal/data/zarr"
	"github.com/atlasmap-sc/ctw/internal/dataset"
)

// readMatrix loads a dense array or a csr_matrix/csc_matrix group at p.
func (f *File) readMatrix(p string, cells, genes []string) (*dataset.Matrix, error) {
	node, err := f.store.Node(p)
	if err != nil {
		return nil, err
	}
	if node.Kind == zarr.KindArray {
		return f.denseMatrix(p, cells, genes)
	}

	format, err := sparseFormat(node.Attrs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	rawShape, ok := node.Attrs["shape"]
	if !ok {
		rawShape = node.Attrs["h5sparse_shape"]
	}
	shape, err := intPair(rawShape)
	if err != nil {
		return nil, fmt.Errorf("%s shape: %w", p, err)
	}
	if shape[0] != len(cells) || shape[1] != len(genes) {
		return nil, fmt.Errorf("%s has shape %v, expected (%d, %d)", p, shape, len(cells), len(genes))
	}

	data, err := f.floats(path.Join(p, "data"))
	if err != nil {
		return nil, err
	}
	rawIndices, err := f.floats(path.Join(p, "indices"))
	if err != nil {
		return nil, err
	}
	rawIndptr, err := f.floats(path.Join(p, "indptr"))
	if err != nil {
		return nil, err
	}

	values := make([]float32, len(data))
	for i, v := range data {
		values[i] = float32(v)
	}
	indices := make([]int32, len(rawIndices))
	for i, v := range rawIndices {
		indices[i] = int32(v)
	}
	indptr := make([]int, len(rawIndptr))
	for i, v := range rawIndptr {
		indptr[i] = int(v)
	}

	if format == "csc" {
		return dataset.NewCSRFromCSC(cells, genes, indptr, indices, values)
	}
	m := &dataset.Matrix{Cells: cells, Genes: genes, Indptr: indptr, Indices: indices, Data: values}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return m, nil
}

func (f *File) denseMatrix(p string, cells, genes []string) (*dataset.Matrix, error) {
	arr, err := f.store.Array(p)
	if err != nil {
		return nil, err
	}
	shape := arr.Shape()
	if len(shape) != 2 || shape[0] != len(cells) || shape[1] != len(genes) {
		return nil, fmt.Errorf("%s has shape %v, expected (%d, %d)", p, shape, len(cells), len(genes))
	}
	vals, err := arr.Float64s()
	if err != nil {
		return nil, err
	}
	rows := make([][]float32, shape[0])
	for i := range rows {
		row := make([]float32, shape[1])
		for j := range row {
			row[j] = float32(vals[i*shape[1]+j])
		}
		rows[i] = row
	}
	return dataset.NewDenseMatrix(cells, genes, rows)
}

func (f *File) floats(p string) ([]float64, error) {
	arr, err := f.store.Array(p)
	if err != nil {
		return nil, err
	}
	return arr.Float64s()
}

func sparseFormat(attrs map[string]any) (string, error) {
	if enc, _ := attrs["encoding-type"].(string); enc != "" {
		switch enc {
		case "csr_matrix":
			return "csr", nil
		case "csc_matrix":
			return "csc", nil
		default:
			return "", fmt.Errorf("unsupported matrix encoding %q", enc)
		}
	}
	// anndata < 0.8
	if h5, _ := attrs["h5sparse_format"].(string); h5 == "csr" || h5 == "csc" {
		return h5, nil
	}
	return "", fmt.Errorf("group is not a sparse matrix")
}

func intPair(v any) ([2]int, error) {
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return [2]int{}, fmt.Errorf("expected a 2-element list, got %v", v)
	}
	var out [2]int
	for i, x := range list {
		n, ok := x.(float64)
		if !ok {
			return [2]int{}, fmt.Errorf("non-numeric dimension %v", x)
		}
		out[i] = int(n)
	}
	return out, nil
}
