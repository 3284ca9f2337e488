package markers

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/ctw/internal/dataset"
)

// threeClusterDataset builds 100 cells in clusters A (50), B (30) and C (20).
// GENE_A is expressed only in A, GENE_B only in B, HOUSE everywhere.
func threeClusterDataset(t *testing.T) *dataset.InMemory {
	t.Helper()
	genes := []string{"HOUSE", "GENE_A", "GENE_B", "NOISE"}
	cells := make([]string, 100)
	labels := make([]string, 100)
	rows := make([][]float32, 100)
	rng := rand.New(rand.NewSource(7))
	for i := range cells {
		cells[i] = fmt.Sprintf("cell%03d", i)
		row := make([]float32, len(genes))
		row[0] = 2 + float32(rng.Intn(3))
		row[3] = float32(rng.Intn(2))
		switch {
		case i < 50:
			labels[i] = "A"
			row[1] = 5 + float32(rng.Intn(3))
		case i < 80:
			labels[i] = "B"
			row[2] = 4 + float32(rng.Intn(3))
		default:
			labels[i] = "C"
		}
		rows[i] = row
	}
	m, err := dataset.NewDenseMatrix(cells, genes, rows)
	require.NoError(t, err)

	ds := dataset.NewInMemory(cells)
	ds.AddCategorical("louvain", labels, []string{"A", "B", "C"})
	ds.X = m
	return ds
}

func TestRun_OneGroupPerCluster(t *testing.T) {
	ds := threeClusterDataset(t)
	table, err := Run(ds, "louvain", DefaultOptions())
	require.NoError(t, err)

	require.Len(t, table.Groups, 3)
	require.Equal(t, dataset.Normalized, table.Source)
	require.Equal(t, MethodWilcoxon, table.Method)

	var clusters []string
	for _, g := range table.Groups {
		clusters = append(clusters, g.Cluster)
		require.Len(t, g.Markers, 4, "cluster %s", g.Cluster)
		for r, m := range g.Markers {
			require.Equal(t, r+1, m.Rank)
			require.Equal(t, g.Cluster, m.Cluster)
			require.GreaterOrEqual(t, m.FDRRanksum, m.PRanksum)
		}
	}
	require.Equal(t, []string{"A", "B", "C"}, clusters)

	require.Equal(t, "GENE_A", table.Groups[0].Markers[0].Gene)
	require.Equal(t, "GENE_B", table.Groups[1].Markers[0].Gene)
	top := table.Groups[0].Markers[0]
	require.InDelta(t, 1.0, top.PctIn, 1e-12)
	require.InDelta(t, 0.0, top.PctOut, 1e-12)
	require.Less(t, top.PRanksum, 1e-10)
	require.Greater(t, top.Log2FC, 10.0)

	require.Equal(t, 12, table.Len())
	require.Len(t, table.Rows(), 12)
}

func TestRun_PrefersRaw(t *testing.T) {
	ds := threeClusterDataset(t)
	raw := *ds.X
	raw.Genes = []string{"h", "a", "b", "n"}
	ds.RawX = &raw

	table, err := Run(ds, "louvain", DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, dataset.Raw, table.Source)
	require.Equal(t, "a", table.Groups[0].Markers[0].Gene)
}

func TestRun_MissingClusterColumn(t *testing.T) {
	ds := threeClusterDataset(t)
	_, err := Run(ds, "leiden", DefaultOptions())
	var cfgErr *dataset.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "leiden", cfgErr.Key)
}

func TestCompute_Deterministic(t *testing.T) {
	ds := threeClusterDataset(t)
	opts := DefaultOptions()
	opts.MaxCellsPerCluster = 15
	opts.Seed = 3

	first, err := Run(ds, "louvain", opts)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := Run(ds, "louvain", opts)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
	for _, g := range first.Groups {
		require.Equal(t, 15, g.Size)
	}
}

func TestCompute_SmallClusters(t *testing.T) {
	cells := []string{"c1", "c2", "c3", "c4", "c5"}
	m, err := dataset.NewDenseMatrix(cells, []string{"g1", "g2"}, [][]float32{
		{1, 0}, {2, 0}, {0, 3}, {0, 4}, {9, 9},
	})
	require.NoError(t, err)
	ds := dataset.NewInMemory(cells)
	ds.AddColumn("cluster", []string{"x", "x", "y", "y", "solo"})
	cl, err := dataset.ClusteringFromColumn(ds, "cluster")
	require.NoError(t, err)

	table, err := Compute(m, cl, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, table.Groups, 3)
	require.Equal(t, "solo", table.Groups[2].Cluster)
	require.Equal(t, 1, table.Groups[2].Size)
	require.NotNil(t, table.Groups[2].Markers)
	require.Empty(t, table.Groups[2].Markers)
	require.Len(t, table.Groups[0].Markers, 2)

	// A single cluster has no rest group to compare against.
	ds.AddColumn("all", []string{"z", "z", "z", "z", "z"})
	cl, err = dataset.ClusteringFromColumn(ds, "all")
	require.NoError(t, err)
	table, err = Compute(m, cl, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, table.Groups, 1)
	require.Empty(t, table.Groups[0].Markers)
}

func TestCompute_TopNAndMethod(t *testing.T) {
	ds := threeClusterDataset(t)
	opts := DefaultOptions()
	opts.TopN = 2
	opts.Method = MethodTTest

	table, err := Run(ds, "louvain", opts)
	require.NoError(t, err)
	require.Equal(t, MethodTTest, table.Method)
	for _, g := range table.Groups {
		require.Len(t, g.Markers, 2)
		require.GreaterOrEqual(t, g.Markers[0].Score, g.Markers[1].Score)
	}
	require.Equal(t, "GENE_A", table.Groups[0].Markers[0].Gene)
}

func TestCompute_Errors(t *testing.T) {
	empty := &dataset.Matrix{Indptr: []int{0}}
	_, err := Compute(empty, &dataset.Clustering{}, DefaultOptions())
	require.ErrorIs(t, err, ErrEmptyMatrix)

	ds := threeClusterDataset(t)
	_, err = Compute(ds.X, &dataset.Clustering{Labels: []string{"A"}, Clusters: []string{"A"}}, DefaultOptions())
	require.Error(t, err)
}

func TestCompute_NonFiniteValues(t *testing.T) {
	cells := []string{"c1", "c2", "c3", "c4"}
	ds := dataset.NewInMemory(cells)
	ds.AddColumn("cluster", []string{"A", "A", "B", "B"})
	cl, err := dataset.ClusteringFromColumn(ds, "cluster")
	require.NoError(t, err)

	for _, bad := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		m, err := dataset.NewDenseMatrix(cells, []string{"g1"}, [][]float32{{1}, {bad}, {2}, {3}})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := Compute(m, cl, DefaultOptions())
			done <- err
		}()
		select {
		case err = <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("Compute did not return for value %v", bad)
		}

		require.ErrorIs(t, err, ErrNonFiniteValue)
		var nf *NonFiniteValueError
		require.ErrorAs(t, err, &nf)
		require.Equal(t, "g1", nf.Gene)
		require.Equal(t, "c2", nf.Cell)
	}
}

// TestAccumulate_RankSums checks the sparse mid-rank computation against a
// direct ranking of every value, with negatives, zeros and ties.
func TestAccumulate_RankSums(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	nCells, nGenes, nClusters := 40, 6, 3
	cells := make([]string, nCells)
	rows := make([][]float32, nCells)
	clusterOf := make([]int, nCells)
	sizes := make([]int, nClusters)
	for i := range rows {
		cells[i] = fmt.Sprint(i)
		clusterOf[i] = rng.Intn(nClusters)
		sizes[clusterOf[i]]++
		row := make([]float32, nGenes)
		for j := range row {
			if rng.Float64() < 0.5 {
				row[j] = float32(rng.Intn(7) - 2)
			}
		}
		rows[i] = row
	}
	genes := make([]string, nGenes)
	for j := range genes {
		genes[j] = fmt.Sprint("g", j)
	}
	m, err := dataset.NewDenseMatrix(cells, genes, rows)
	require.NoError(t, err)

	st, err := accumulate(m, clusterOf, sizes)
	require.NoError(t, err)

	for j := 0; j < nGenes; j++ {
		vals := make([]float64, nCells)
		for i := range vals {
			vals[i] = float64(rows[i][j])
		}
		ranks, tie := midRanks(vals)
		want := make([]float64, nClusters)
		for i, r := range ranks {
			want[clusterOf[i]] += r
		}
		for k := 0; k < nClusters; k++ {
			require.InDelta(t, want[k], st.rankSum[k][j], 1e-9, "gene %d cluster %d", j, k)
		}
		require.InDelta(t, tie, st.tieSum[j], 1e-9, "gene %d tie sum", j)
	}
}

func midRanks(vals []float64) ([]float64, float64) {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })
	ranks := make([]float64, len(vals))
	tie := 0.0
	for i := 0; i < len(idx); {
		e := i
		for e < len(idx) && vals[idx[e]] == vals[idx[i]] {
			e++
		}
		r := float64(i+1+e) / 2
		for q := i; q < e; q++ {
			ranks[idx[q]] = r
		}
		if n := float64(e - i); n > 1 {
			tie += n*n*n - n
		}
		i = e
	}
	return ranks, tie
}

func TestParseMethod(t *testing.T) {
	for in, want := range map[string]Method{"": MethodWilcoxon, "Wilcoxon": MethodWilcoxon, "t-test": MethodTTest, "t_test": MethodTTest} {
		got, err := ParseMethod(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
	_, err := ParseMethod("logreg")
	require.Error(t, err)
}
