package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// Clustering assigns exactly one cluster label to every cell.
type Clustering struct {
	Column string
	Cells  []string
	Labels []string
	// Clusters lists the distinct labels: declared category order when the
	// column is categorical, otherwise order of first appearance.
	Clusters []string
}

// Index returns the position of each cell's cluster in Clusters.
func (c *Clustering) Index() []int {
	pos := make(map[string]int, len(c.Clusters))
	for i, name := range c.Clusters {
		pos[name] = i
	}
	idx := make([]int, len(c.Labels))
	for i, l := range c.Labels {
		idx[i] = pos[l]
	}
	return idx
}

// Members returns the cell positions of each cluster, in Clusters order.
func (c *Clustering) Members() [][]int {
	members := make([][]int, len(c.Clusters))
	for cell, ci := range c.Index() {
		members[ci] = append(members[ci], cell)
	}
	return members
}

// ClusteringFromColumn reads the named obs column as a clustering.
func ClusteringFromColumn(ds Dataset, column string) (*Clustering, error) {
	col, err := ds.ObsColumn(column)
	if err != nil {
		return nil, err
	}
	cells := ds.ObsNames()
	if len(col.Values) != len(cells) {
		return nil, &ConfigurationError{
			Kind:   "obs column",
			Key:    column,
			Reason: fmt.Sprintf("has %d values for %d cells", len(col.Values), len(cells)),
		}
	}

	present := make(map[string]bool)
	var order []string
	for _, v := range col.Values {
		if !present[v] {
			present[v] = true
			order = append(order, v)
		}
	}
	if len(col.Categories) > 0 {
		declared := make([]string, 0, len(order))
		seen := make(map[string]bool, len(order))
		for _, cat := range col.Categories {
			if present[cat] && !seen[cat] {
				declared = append(declared, cat)
				seen[cat] = true
			}
		}
		// Labels outside the declared categories (missing values) go last.
		for _, v := range order {
			if !seen[v] {
				declared = append(declared, v)
				seen[v] = true
			}
		}
		order = declared
	}

	return &Clustering{
		Column:   column,
		Cells:    cells,
		Labels:   col.Values,
		Clusters: order,
	}, nil
}

// CellTypePolicy decides what happens when the annotation column is absent.
type CellTypePolicy int

const (
	// CellTypeEmpty yields an empty mapping when the column is absent.
	CellTypeEmpty CellTypePolicy = iota
	// CellTypeStrict fails with a ConfigurationError when the column is absent.
	CellTypeStrict
)

func (p CellTypePolicy) String() string {
	if p == CellTypeStrict {
		return "strict"
	}
	return "empty"
}

// ParseCellTypePolicy parses "empty" or "strict".
func ParseCellTypePolicy(s string) (CellTypePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "empty":
		return CellTypeEmpty, nil
	case "strict":
		return CellTypeStrict, nil
	default:
		return CellTypeEmpty, fmt.Errorf("invalid cell type policy %q (want empty or strict)", s)
	}
}

// CellTypeAssignment is the cell type chosen for one cluster.
type CellTypeAssignment struct {
	Cluster  string
	CellType string
	// Support is the number of cluster cells carrying CellType.
	Support int
	Size    int
}

// CellTypeMapping maps clusters to cell types, in cluster order.
type CellTypeMapping struct {
	Column      string
	Assignments []CellTypeAssignment
	// Missing is set when the annotation column was absent and the policy allowed it.
	Missing bool
}

// Lookup returns the cell type assigned to cluster.
func (m *CellTypeMapping) Lookup(cluster string) (string, bool) {
	for _, a := range m.Assignments {
		if a.Cluster == cluster {
			return a.CellType, true
		}
	}
	return "", false
}

// CellTypeMappingFor assigns each cluster the most frequent annotation among
// its cells. Ties go to the annotation encountered first in cell order. An
// empty column name requests no annotation and yields an empty mapping.
func CellTypeMappingFor(ds Dataset, clustering *Clustering, column string, policy CellTypePolicy) (*CellTypeMapping, error) {
	if column == "" {
		return &CellTypeMapping{Missing: true}, nil
	}
	col, err := ds.ObsColumn(column)
	if err != nil {
		var cfgErr *ConfigurationError
		if policy == CellTypeEmpty && errors.As(err, &cfgErr) && cfgErr.Reason == "" {
			return &CellTypeMapping{Column: column, Missing: true}, nil
		}
		return nil, err
	}
	if len(col.Values) != len(clustering.Labels) {
		return nil, &ConfigurationError{
			Kind:   "obs column",
			Key:    column,
			Reason: fmt.Sprintf("has %d values for %d cells", len(col.Values), len(clustering.Labels)),
		}
	}

	mapping := &CellTypeMapping{Column: column}
	for ci, cells := range clustering.Members() {
		counts := make(map[string]int)
		var firstSeen []string
		for _, cell := range cells {
			v := col.Values[cell]
			if counts[v] == 0 {
				firstSeen = append(firstSeen, v)
			}
			counts[v]++
		}
		best, bestN := "", 0
		for _, v := range firstSeen {
			if counts[v] > bestN {
				best, bestN = v, counts[v]
			}
		}
		mapping.Assignments = append(mapping.Assignments, CellTypeAssignment{
			Cluster:  clustering.Clusters[ci],
			CellType: best,
			Support:  bestN,
			Size:     len(cells),
		})
	}
	return mapping, nil
}

// Coordinate is one cell's position in a 2D embedding.
type Coordinate struct {
	Cell string
	X, Y float64
}

// Coordinates returns per-cell (x, y) pairs for the named embedding.
func Coordinates(ds Dataset, key string) ([]Coordinate, error) {
	xy, err := ds.Embedding(key)
	if err != nil {
		return nil, err
	}
	cells := ds.ObsNames()
	if len(xy) != len(cells) {
		return nil, &ConfigurationError{
			Kind:   "embedding",
			Key:    key,
			Reason: fmt.Sprintf("has %d rows for %d cells", len(xy), len(cells)),
		}
	}
	out := make([]Coordinate, len(cells))
	for i, p := range xy {
		out[i] = Coordinate{Cell: cells[i], X: p[0], Y: p[1]}
	}
	return out, nil
}

// ResolveExpressionSource picks raw expression when the dataset keeps it.
func ResolveExpressionSource(ds Dataset) ExpressionSource {
	if ds.HasRaw() {
		return Raw
	}
	return Normalized
}
