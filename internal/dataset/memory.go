package dataset

import (
	"fmt"
	"sort"
)

// InMemory is a Dataset held entirely in memory.
type InMemory struct {
	Cells      []string
	Obs        map[string]*Column
	ObsOrder   []string
	Embeddings map[string][][2]float64
	X          *Matrix
	RawX       *Matrix
}

var _ Dataset = (*InMemory)(nil)

// NewInMemory creates an empty in-memory dataset over the given cells.
func NewInMemory(cells []string) *InMemory {
	return &InMemory{
		Cells:      cells,
		Obs:        make(map[string]*Column),
		Embeddings: make(map[string][][2]float64),
	}
}

// AddColumn adds a plain obs column.
func (d *InMemory) AddColumn(name string, values []string) *InMemory {
	return d.addColumn(&Column{Name: name, Values: values})
}

// AddCategorical adds a categorical obs column with declared categories.
func (d *InMemory) AddCategorical(name string, values, categories []string) *InMemory {
	return d.addColumn(&Column{Name: name, Values: values, Categories: categories})
}

func (d *InMemory) addColumn(c *Column) *InMemory {
	if _, ok := d.Obs[c.Name]; !ok {
		d.ObsOrder = append(d.ObsOrder, c.Name)
	}
	d.Obs[c.Name] = c
	return d
}

// NObs returns the number of cells.
func (d *InMemory) NObs() int { return len(d.Cells) }

// ObsNames returns the cell identifiers.
func (d *InMemory) ObsNames() []string { return d.Cells }

// ObsKeys returns obs column names in insertion order.
func (d *InMemory) ObsKeys() []string { return d.ObsOrder }

// ObsColumn returns the named obs column.
func (d *InMemory) ObsColumn(name string) (*Column, error) {
	c, ok := d.Obs[name]
	if !ok {
		return nil, NewMissingColumnError(name, d.ObsOrder)
	}
	if len(c.Values) != len(d.Cells) {
		return nil, &ConfigurationError{
			Kind:   "obs column",
			Key:    name,
			Reason: fmt.Sprintf("has %d values for %d cells", len(c.Values), len(d.Cells)),
		}
	}
	return c, nil
}

// EmbeddingKeys returns the embedding names, sorted.
func (d *InMemory) EmbeddingKeys() []string {
	keys := make([]string, 0, len(d.Embeddings))
	for k := range d.Embeddings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Embedding returns the named 2D embedding.
func (d *InMemory) Embedding(key string) ([][2]float64, error) {
	xy, ok := d.Embeddings[key]
	if !ok {
		return nil, &MissingEmbeddingError{Key: key, Available: d.EmbeddingKeys()}
	}
	return xy, nil
}

// HasRaw reports whether a raw matrix is present.
func (d *InMemory) HasRaw() bool { return d.RawX != nil }

// Expression returns the requested matrix.
func (d *InMemory) Expression(src ExpressionSource) (*Matrix, error) {
	m := d.X
	if src == Raw {
		if d.RawX == nil {
			return nil, ErrRawUnavailable
		}
		m = d.RawX
	}
	if m == nil {
		return nil, fmt.Errorf("dataset has no %s expression matrix", src)
	}
	if m.NCells() != len(d.Cells) {
		return nil, fmt.Errorf("%s matrix has %d rows for %d cells", src, m.NCells(), len(d.Cells))
	}
	return m, nil
}
