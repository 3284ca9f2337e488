// Package anndata reads AnnData datasets stored as Zarr (the layout written by
// anndata's write_zarr) and exposes them as a dataset.Dataset.
package anndata

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/atlasmap-sc/ctw/internal/data/zarr"
	"github.com/atlasmap-sc/ctw/internal/dataset"
)

// ErrHDF5Unsupported is returned for .h5ad inputs.
var ErrHDF5Unsupported = errors.New("h5ad files are not supported; convert with anndata.read_h5ad(path).write_zarr(path + \".zarr\")")

// MissingValue is the label given to cells whose categorical code is -1 or
// whose nullable value is masked.
const MissingValue = "nan"

// File is an opened AnnData Zarr store.
type File struct {
	store    *zarr.Store
	obsNames []string
	obsKeys  []string
}

var _ dataset.Dataset = (*File)(nil)

// Open opens the AnnData store at p and reads the obs index.
func Open(p string) (*File, error) {
	return OpenWithCacheSize(p, zarr.DefaultArrayCacheSize)
}

// OpenWithCacheSize is Open with an explicit decoded-array cache size.
func OpenWithCacheSize(p string, cacheSize int) (*File, error) {
	if strings.EqualFold(filepath.Ext(p), ".h5ad") {
		return nil, fmt.Errorf("%s: %w", p, ErrHDF5Unsupported)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset %s is not a zarr directory", p)
	}

	store, err := zarr.OpenWithCacheSize(p, cacheSize)
	if err != nil {
		return nil, err
	}
	f := &File{store: store}

	obs, err := store.Node("obs")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("dataset %s has no obs dataframe: %w", p, err)
	}
	f.obsNames, err = f.dataframeIndex("obs", obs.Attrs)
	if err != nil {
		store.Close()
		return nil, err
	}
	f.obsKeys, err = f.dataframeColumns("obs", obs.Attrs)
	if err != nil {
		store.Close()
		return nil, err
	}
	return f, nil
}

// Close releases the underlying store.
func (f *File) Close() {
	f.store.Close()
}

// Path returns the dataset location.
func (f *File) Path() string {
	return f.store.BasePath()
}

// NObs returns the number of cells.
func (f *File) NObs() int { return len(f.obsNames) }

// ObsNames returns the obs index.
func (f *File) ObsNames() []string { return f.obsNames }

// ObsKeys returns the obs column names in dataframe order.
func (f *File) ObsKeys() []string { return f.obsKeys }

// ObsColumn decodes one obs column.
func (f *File) ObsColumn(name string) (*dataset.Column, error) {
	if !dataset.ContainsKey(f.obsKeys, name) {
		return nil, dataset.NewMissingColumnError(name, f.obsKeys)
	}
	col, err := f.readColumn("obs", name)
	if err != nil {
		return nil, err
	}
	if len(col.Values) != len(f.obsNames) {
		return nil, &dataset.ConfigurationError{
			Kind:   "obs column",
			Key:    name,
			Reason: fmt.Sprintf("has %d values for %d cells", len(col.Values), len(f.obsNames)),
		}
	}
	return col, nil
}

// EmbeddingKeys returns the obsm entries.
func (f *File) EmbeddingKeys() []string {
	if !f.store.Exists("obsm") {
		return nil
	}
	keys, err := f.store.Children("obsm")
	if err != nil {
		return nil
	}
	return keys
}

// Embedding returns the first two columns of obsm[key].
func (f *File) Embedding(key string) ([][2]float64, error) {
	p := path.Join("obsm", key)
	if key == "" || !f.store.Exists(p) {
		return nil, &dataset.MissingEmbeddingError{Key: key, Available: f.EmbeddingKeys()}
	}
	arr, err := f.store.Array(p)
	if err != nil {
		return nil, err
	}
	shape := arr.Shape()
	if len(shape) != 2 || shape[1] < 2 {
		return nil, &dataset.ConfigurationError{
			Kind:   "embedding",
			Key:    key,
			Reason: fmt.Sprintf("has shape %v, need (n_obs, >=2)", shape),
		}
	}
	if shape[0] != len(f.obsNames) {
		return nil, &dataset.ConfigurationError{
			Kind:   "embedding",
			Key:    key,
			Reason: fmt.Sprintf("has %d rows for %d cells", shape[0], len(f.obsNames)),
		}
	}
	vals, err := arr.Float64s()
	if err != nil {
		return nil, err
	}
	out := make([][2]float64, shape[0])
	for i := range out {
		out[i] = [2]float64{vals[i*shape[1]], vals[i*shape[1]+1]}
	}
	return out, nil
}

// HasRaw reports whether raw/X is present.
func (f *File) HasRaw() bool {
	return f.store.Exists("raw/X")
}

// Expression loads X (Normalized) or raw/X (Raw) as a CSR matrix.
func (f *File) Expression(src dataset.ExpressionSource) (*dataset.Matrix, error) {
	prefix := ""
	if src == dataset.Raw {
		if !f.HasRaw() {
			return nil, dataset.ErrRawUnavailable
		}
		prefix = "raw"
	}
	varPath := path.Join(prefix, "var")
	varNode, err := f.store.Node(varPath)
	if err != nil {
		return nil, fmt.Errorf("dataset has no %s dataframe: %w", varPath, err)
	}
	genes, err := f.dataframeIndex(varPath, varNode.Attrs)
	if err != nil {
		return nil, err
	}

	m, err := f.readMatrix(path.Join(prefix, "X"), f.obsNames, genes)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s expression: %w", src, err)
	}
	return m, nil
}

func (f *File) dataframeIndex(group string, attrs map[string]any) ([]string, error) {
	index, _ := attrs["_index"].(string)
	if index == "" {
		index = "_index"
	}
	arr, err := f.store.Array(path.Join(group, index))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s index: %w", group, err)
	}
	return arrayStrings(arr)
}

func (f *File) dataframeColumns(group string, attrs map[string]any) ([]string, error) {
	if order, ok := attrs["column-order"].([]any); ok {
		cols := make([]string, 0, len(order))
		for _, c := range order {
			if s, ok := c.(string); ok {
				cols = append(cols, s)
			}
		}
		return cols, nil
	}
	index, _ := attrs["_index"].(string)
	if index == "" {
		index = "_index"
	}
	children, err := f.store.Children(group)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", group, err)
	}
	var cols []string
	for _, c := range children {
		if c == index || c == "__categories" {
			continue
		}
		cols = append(cols, c)
	}
	return cols, nil
}

func (f *File) readColumn(group, name string) (*dataset.Column, error) {
	p := path.Join(group, name)
	node, err := f.store.Node(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read column %q: %w", name, err)
	}

	if node.Kind == zarr.KindGroup {
		switch enc, _ := node.Attrs["encoding-type"].(string); enc {
		case "categorical":
			ordered, _ := node.Attrs["ordered"].(bool)
			return f.categorical(name, path.Join(p, "codes"), path.Join(p, "categories"), ordered)
		case "nullable-integer", "nullable-boolean", "nullable-string-array":
			return f.nullable(name, p)
		default:
			return nil, fmt.Errorf("column %q has unsupported encoding %q", name, enc)
		}
	}

	// anndata < 0.8 kept categories beside the dataframe.
	legacy := path.Join(group, "__categories", name)
	if f.store.Exists(legacy) {
		ordered, _ := node.Attrs["ordered"].(bool)
		return f.categorical(name, p, legacy, ordered)
	}

	arr, err := f.store.Array(p)
	if err != nil {
		return nil, err
	}
	values, err := arrayStrings(arr)
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", name, err)
	}
	return &dataset.Column{Name: name, Values: values}, nil
}

func (f *File) categorical(name, codesPath, catsPath string, ordered bool) (*dataset.Column, error) {
	catsArr, err := f.store.Array(catsPath)
	if err != nil {
		return nil, fmt.Errorf("column %q categories: %w", name, err)
	}
	cats, err := arrayStrings(catsArr)
	if err != nil {
		return nil, fmt.Errorf("column %q categories: %w", name, err)
	}
	codesArr, err := f.store.Array(codesPath)
	if err != nil {
		return nil, fmt.Errorf("column %q codes: %w", name, err)
	}
	codes, err := codesArr.Float64s()
	if err != nil {
		return nil, fmt.Errorf("column %q codes: %w", name, err)
	}

	values := make([]string, len(codes))
	for i, c := range codes {
		code := int(c)
		switch {
		case code == -1:
			values[i] = MissingValue
		case code < 0 || code >= len(cats):
			return nil, fmt.Errorf("column %q: code %d out of range (%d categories)", name, code, len(cats))
		default:
			values[i] = cats[code]
		}
	}
	return &dataset.Column{Name: name, Values: values, Categories: cats, Ordered: ordered}, nil
}

func (f *File) nullable(name, p string) (*dataset.Column, error) {
	valArr, err := f.store.Array(path.Join(p, "values"))
	if err != nil {
		return nil, fmt.Errorf("column %q values: %w", name, err)
	}
	values, err := arrayStrings(valArr)
	if err != nil {
		return nil, fmt.Errorf("column %q values: %w", name, err)
	}
	maskArr, err := f.store.Array(path.Join(p, "mask"))
	if err != nil {
		return nil, fmt.Errorf("column %q mask: %w", name, err)
	}
	mask, err := maskArr.Float64s()
	if err != nil {
		return nil, fmt.Errorf("column %q mask: %w", name, err)
	}
	if len(mask) != len(values) {
		return nil, fmt.Errorf("column %q: mask has %d entries for %d values", name, len(mask), len(values))
	}
	for i, m := range mask {
		if m != 0 {
			values[i] = MissingValue
		}
	}
	return &dataset.Column{Name: name, Values: values}, nil
}

// arrayStrings renders a one-dimensional array as strings. Numeric values use
// their shortest representation; booleans render as True/False.
func arrayStrings(arr *zarr.Array) ([]string, error) {
	dt := arr.DType()
	if dt.Textual() {
		s, err := arr.Strings()
		if err != nil {
			return nil, err
		}
		return append([]string(nil), s...), nil
	}
	nums, err := arr.Float64s()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(nums))
	for i, v := range nums {
		out[i] = formatValue(v, dt.Kind)
	}
	return out, nil
}

func formatValue(v float64, kind zarr.DTypeKind) string {
	switch kind {
	case zarr.KindBool:
		if v != 0 {
			return "True"
		}
		return "False"
	case zarr.KindInt, zarr.KindUint:
		return strconv.FormatInt(int64(v), 10)
	default:
		if math.IsNaN(v) {
			return MissingValue
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}
