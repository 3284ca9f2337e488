// Package markers computes one-vs-rest marker genes for every cluster of a
// clustering: Wilcoxon rank-sum and Welch t statistics per gene, Benjamini-
// Hochberg FDR per cluster, and a ranked top-N table.
package markers

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/atlasmap-sc/ctw/internal/dataset"
)

// Method selects the statistic used to rank genes.
type Method string

const (
	MethodWilcoxon Method = "wilcoxon"
	MethodTTest    Method = "t-test"
)

// ParseMethod parses a ranking method name.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wilcoxon", "ranksum":
		return MethodWilcoxon, nil
	case "t-test", "ttest", "t_test":
		return MethodTTest, nil
	default:
		return "", fmt.Errorf("invalid marker method %q (want wilcoxon or t-test)", s)
	}
}

// Options controls marker computation.
type Options struct {
	// TopN is the number of genes kept per cluster; 0 keeps all.
	TopN int
	// Clusters with fewer cells than MinCells get an empty group.
	MinCells int
	// MaxCellsPerCluster caps each cluster by deterministic sampling; 0 disables.
	MaxCellsPerCluster int
	Seed               int64
	Method             Method
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		TopN:     100,
		MinCells: 2,
		Method:   MethodWilcoxon,
	}
}

// ErrEmptyMatrix is returned for matrices without cells or genes.
var ErrEmptyMatrix = errors.New("expression matrix has no cells or no genes")

// ErrNonFiniteValue is wrapped by NonFiniteValueError.
var ErrNonFiniteValue = errors.New("expression value is not finite")

// NonFiniteValueError reports a NaN or infinite expression value. Ranks and
// moments are undefined for such values, so the matrix is rejected.
type NonFiniteValueError struct {
	Gene  string
	Cell  string
	Value float32
}

func (e *NonFiniteValueError) Error() string {
	return fmt.Sprintf("gene %q in cell %q: %v (%v)", e.Gene, e.Cell, ErrNonFiniteValue, e.Value)
}

func (e *NonFiniteValueError) Unwrap() error { return ErrNonFiniteValue }

// Marker is one ranked gene of one cluster.
type Marker struct {
	Cluster    string
	Rank       int
	Gene       string
	Score      float64
	Log2FC     float64
	PctIn      float64
	PctOut     float64
	MeanIn     float64
	MeanOut    float64
	PRanksum   float64
	FDRRanksum float64
	PTTest     float64
	FDRTTest   float64
}

// Group is the marker list of one cluster. Markers is empty for clusters
// below MinCells or when every analysed cell belongs to the cluster.
type Group struct {
	Cluster string
	Size    int
	Markers []Marker
}

// Table holds one group per cluster, in clustering order.
type Table struct {
	Source dataset.ExpressionSource
	Method Method
	Groups []Group
}

// Len returns the total number of marker rows.
func (t *Table) Len() int {
	n := 0
	for _, g := range t.Groups {
		n += len(g.Markers)
	}
	return n
}

// Rows returns all markers, grouped by cluster.
func (t *Table) Rows() []Marker {
	rows := make([]Marker, 0, t.Len())
	for _, g := range t.Groups {
		rows = append(rows, g.Markers...)
	}
	return rows
}

// Run reads the clustering and the preferred expression matrix from ds and
// computes markers.
func Run(ds dataset.Dataset, clusterColumn string, opts Options) (*Table, error) {
	clustering, err := dataset.ClusteringFromColumn(ds, clusterColumn)
	if err != nil {
		return nil, err
	}
	src := dataset.ResolveExpressionSource(ds)
	m, err := ds.Expression(src)
	if err != nil {
		return nil, err
	}
	table, err := Compute(m, clustering, opts)
	if err != nil {
		return nil, err
	}
	table.Source = src
	return table, nil
}

// Compute ranks marker genes of every cluster against all other cells.
func Compute(m *dataset.Matrix, clustering *dataset.Clustering, opts Options) (*Table, error) {
	if m.NCells() == 0 || m.NGenes() == 0 {
		return nil, ErrEmptyMatrix
	}
	if len(clustering.Labels) != m.NCells() {
		return nil, fmt.Errorf("clustering has %d cells, matrix has %d", len(clustering.Labels), m.NCells())
	}
	if opts.Method == "" {
		opts.Method = MethodWilcoxon
	}

	// Select the analysed cells per cluster.
	members := clustering.Members()
	nClusters := len(members)
	sizes := make([]int, nClusters)
	clusterOf := make([]int, m.NCells())
	for i := range clusterOf {
		clusterOf[i] = -1
	}
	for k, cells := range members {
		if opts.MaxCellsPerCluster > 0 {
			cells = deterministicSample(cells, opts.MaxCellsPerCluster, opts.Seed)
		}
		sizes[k] = len(cells)
		for _, c := range cells {
			clusterOf[c] = k
		}
	}
	n := 0
	for _, s := range sizes {
		n += s
	}

	acc, err := accumulate(m, clusterOf, sizes)
	if err != nil {
		return nil, err
	}

	table := &Table{Method: opts.Method, Groups: make([]Group, nClusters)}
	for k := range members {
		group := Group{Cluster: clustering.Clusters[k], Size: sizes[k], Markers: []Marker{}}
		if sizes[k] >= max(opts.MinCells, 1) && n-sizes[k] > 0 {
			group.Markers = rankCluster(acc, k, sizes[k], n, m.Genes, group.Cluster, opts)
		}
		table.Groups[k] = group
	}
	return table, nil
}

// geneStats holds per-cluster accumulators for every gene, indexed [cluster][gene].
type geneStats struct {
	rankSum [][]float64
	sum     [][]float64
	sumsq   [][]float64
	nnz     [][]int
	// per gene totals over all analysed cells
	tieSum []float64
	total  []float64
	totSq  []float64
	totNNZ []int
}

// accumulate computes, per gene, the mid-ranks of all analysed cells (zeros
// included as one tie block) and the per-cluster sums needed by both tests.
func accumulate(m *dataset.Matrix, clusterOf, sizes []int) (*geneStats, error) {
	nClusters := len(sizes)
	nGenes := m.NGenes()
	st := &geneStats{
		rankSum: make([][]float64, nClusters),
		sum:     make([][]float64, nClusters),
		sumsq:   make([][]float64, nClusters),
		nnz:     make([][]int, nClusters),
		tieSum:  make([]float64, nGenes),
		total:   make([]float64, nGenes),
		totSq:   make([]float64, nGenes),
		totNNZ:  make([]int, nGenes),
	}
	for k := 0; k < nClusters; k++ {
		st.rankSum[k] = make([]float64, nGenes)
		st.sum[k] = make([]float64, nGenes)
		st.sumsq[k] = make([]float64, nGenes)
		st.nnz[k] = make([]int, nGenes)
	}

	// Transpose the analysed rows into per-gene columns.
	type entry struct {
		cluster int32
		val     float32
	}
	colCount := make([]int, nGenes+1)
	n := 0
	for cell, k := range clusterOf {
		if k < 0 {
			continue
		}
		n++
		idx, _ := m.Row(cell)
		for _, j := range idx {
			colCount[j+1]++
		}
	}
	for j := 0; j < nGenes; j++ {
		colCount[j+1] += colCount[j]
	}
	entries := make([]entry, colCount[nGenes])
	next := append([]int(nil), colCount[:nGenes]...)
	for cell, k := range clusterOf {
		if k < 0 {
			continue
		}
		idx, vals := m.Row(cell)
		for p, j := range idx {
			if vals[p] == 0 {
				continue
			}
			if v := float64(vals[p]); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &NonFiniteValueError{Gene: m.Genes[j], Cell: m.Cells[cell], Value: vals[p]}
			}
			entries[next[j]] = entry{cluster: int32(k), val: vals[p]}
			next[j]++
		}
	}

	for j := 0; j < nGenes; j++ {
		col := entries[colCount[j]:next[j]]
		sort.Slice(col, func(a, b int) bool { return col[a].val < col[b].val })

		nnz := len(col)
		nZero := n - nnz
		nNeg := sort.Search(nnz, func(i int) bool { return col[i].val >= 0 })

		tie := 0.0
		if nZero > 1 {
			z := float64(nZero)
			tie += z*z*z - z
		}
		for i := 0; i < nnz; {
			e := i + 1
			for e < nnz && col[e].val == col[i].val {
				e++
			}
			// 1-based positions with the zero block inserted after negatives.
			lo, hi := i+1, e
			if i >= nNeg {
				lo += nZero
				hi += nZero
			}
			rank := float64(lo+hi) / 2
			if t := float64(e - i); t > 1 {
				tie += t*t*t - t
			}
			for q := i; q < e; q++ {
				k := col[q].cluster
				v := float64(col[q].val)
				st.rankSum[k][j] += rank
				st.sum[k][j] += v
				st.sumsq[k][j] += v * v
				st.nnz[k][j]++
				st.total[j] += v
				st.totSq[j] += v * v
			}
			i = e
		}
		st.tieSum[j] = tie
		st.totNNZ[j] = nnz

		zeroRank := float64(nNeg) + float64(nZero+1)/2
		for k := 0; k < nClusters; k++ {
			st.rankSum[k][j] += zeroRank * float64(sizes[k]-st.nnz[k][j])
		}
	}
	return st, nil
}

// rankCluster scores every gene for cluster k (n1 cells) against the
// remaining n-n1 analysed cells and returns the top-ranked markers.
func rankCluster(st *geneStats, k, n1, n int, genes []string, cluster string, opts Options) []Marker {
	n2 := n - n1
	nGenes := len(genes)
	all := make([]Marker, nGenes)
	pRanksum := make([]float64, nGenes)
	pTTest := make([]float64, nGenes)

	for j := 0; j < nGenes; j++ {
		sumIn, sqIn := st.sum[k][j], st.sumsq[k][j]
		sumOut, sqOut := st.total[j]-sumIn, st.totSq[j]-sqIn
		nnzIn := st.nnz[k][j]
		nnzOut := st.totNNZ[j] - nnzIn

		meanIn := sumIn / float64(n1)
		meanOut := sumOut / float64(n2)

		z, pr := rankSumZ(st.rankSum[k][j], n1, n2, st.tieSum[j])
		t, pt := welchTTest(meanIn, sampleVariance(sumIn, sqIn, n1), n1, meanOut, sampleVariance(sumOut, sqOut, n2), n2)

		score := z
		if opts.Method == MethodTTest {
			score = t
		}
		all[j] = Marker{
			Cluster:  cluster,
			Gene:     genes[j],
			Score:    score,
			Log2FC:   log2FoldChange(meanIn, meanOut),
			PctIn:    float64(nnzIn) / float64(n1),
			PctOut:   float64(nnzOut) / float64(n2),
			MeanIn:   meanIn,
			MeanOut:  meanOut,
			PRanksum: pr,
			PTTest:   pt,
		}
		pRanksum[j] = pr
		pTTest[j] = pt
	}

	fdrRanksum := benjaminiHochberg(pRanksum)
	fdrTTest := benjaminiHochberg(pTTest)
	for j := range all {
		all[j].FDRRanksum = fdrRanksum[j]
		all[j].FDRTTest = fdrTTest[j]
	}

	order := make([]int, nGenes)
	for j := range order {
		order[j] = j
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := all[order[a]].Score, all[order[b]].Score
		if sa != sb {
			return sa > sb
		}
		return order[a] < order[b]
	})

	top := opts.TopN
	if top <= 0 || top > nGenes {
		top = nGenes
	}
	out := make([]Marker, top)
	for r := 0; r < top; r++ {
		out[r] = all[order[r]]
		out[r].Rank = r + 1
	}
	return out
}

func sampleVariance(sum, sumsq float64, n int) float64 {
	if n < 2 {
		return 0
	}
	v := (sumsq - sum*sum/float64(n)) / float64(n-1)
	return math.Max(v, 0)
}
