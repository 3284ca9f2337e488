package worksheet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/ctw/internal/dataset"
	"github.com/atlasmap-sc/ctw/internal/markers"
)

func testProducts(t *testing.T) *Products {
	t.Helper()
	cells := []string{"c1", "c2", "c3", "c4"}
	m, err := dataset.NewDenseMatrix(cells, []string{"CD3E", "LYZ"}, [][]float32{
		{1.5, 0}, {2, 0}, {0, 3}, {0, 0.25},
	})
	require.NoError(t, err)

	ds := dataset.NewInMemory(cells)
	ds.AddColumn("louvain", []string{"0", "0", "1", "1"})
	ds.AddColumn("scorect", []string{"T", "T", "Mono", "Mono"})
	ds.Embeddings["X_umap"] = [][2]float64{{0.5, -1}, {1, 2}, {3, 4}, {5, 6}}
	ds.X = m

	cl, err := dataset.ClusteringFromColumn(ds, "louvain")
	require.NoError(t, err)
	ct, err := dataset.CellTypeMappingFor(ds, cl, "scorect", dataset.CellTypeStrict)
	require.NoError(t, err)
	coords, err := dataset.Coordinates(ds, "X_umap")
	require.NoError(t, err)
	table, err := markers.Compute(m, cl, markers.DefaultOptions())
	require.NoError(t, err)

	return &Products{
		Coordinates:   coords,
		Expression:    m,
		Clustering:    cl,
		Markers:       table,
		CellTypes:     ct,
		ClusterColors: []string{"#1f77b4", "#ff7f0e"},
		Source:        dataset.Normalized,
		EmbeddingKey:  "X_umap",
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	p := testProducts(t)
	p.Preview = []byte("png")

	staging, err := Write(dir, "pbmc", p)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "pbmc"), staging)

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{FileCellTypes, FileClustering, FileExpression, FileManifest, FileMarkers, FilePreview, FileCoordinates}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("files (-want +got):\n%s", diff)
	}

	require.Equal(t, []string{"cell\tx\ty", "c1\t0.5\t-1", "c2\t1\t2", "c3\t3\t4", "c4\t5\t6"},
		readLines(t, filepath.Join(staging, FileCoordinates)))
	require.Equal(t, []string{"gene\tc1\tc2\tc3\tc4", "CD3E\t1.5\t2\t0\t0", "LYZ\t0\t0\t3\t0.25"},
		readLines(t, filepath.Join(staging, FileExpression)))
	require.Equal(t, []string{"cell\tcluster", "c1\t0", "c2\t0", "c3\t1", "c4\t1"},
		readLines(t, filepath.Join(staging, FileClustering)))
	require.Equal(t, []string{"cluster\tcell_type", "0\tT", "1\tMono"},
		readLines(t, filepath.Join(staging, FileCellTypes)))

	markerLines := readLines(t, filepath.Join(staging, FileMarkers))
	require.Equal(t, strings.Join(MarkerColumns, "\t"), markerLines[0])
	require.Len(t, markerLines, 1+p.Markers.Len())
	require.True(t, strings.HasPrefix(markerLines[1], "0\t1\tCD3E\t"), markerLines[1])

	f, err := os.Open(filepath.Join(staging, FileManifest))
	require.NoError(t, err)
	defer f.Close()
	m, err := ReadManifest(f)
	require.NoError(t, err)
	require.Equal(t, "pbmc", m.Name)
	require.Equal(t, 4, m.Cells)
	require.Equal(t, 2, m.Genes)
	require.Equal(t, "normalized", m.ExpressionSource)
	require.Equal(t, "louvain", m.ClusterColumn)
	require.Equal(t, "scorect", m.CellTypeColumn)
	require.Equal(t, []ClusterEntry{
		{Name: "0", Size: 2, Color: "#1f77b4", CellType: "T"},
		{Name: "1", Size: 2, Color: "#ff7f0e", CellType: "Mono"},
	}, m.Clusters)
	require.Contains(t, m.Files, FilePreview)
	require.Contains(t, m.Files, FileManifest)
}

func TestWrite_MissingCellTypeColumn(t *testing.T) {
	p := testProducts(t)
	p.CellTypes = &dataset.CellTypeMapping{Column: "scorect", Missing: true}

	staging, err := Write(t.TempDir(), "pbmc", p)
	require.NoError(t, err)
	require.Equal(t, []string{"cluster\tcell_type"}, readLines(t, filepath.Join(staging, FileCellTypes)))

	f, err := os.Open(filepath.Join(staging, FileManifest))
	require.NoError(t, err)
	defer f.Close()
	m, err := ReadManifest(f)
	require.NoError(t, err)
	require.Empty(t, m.CellTypeColumn)
	for _, c := range m.Clusters {
		require.Empty(t, c.CellType, c.Name)
	}

	raw, err := os.ReadFile(filepath.Join(staging, FileManifest))
	require.NoError(t, err)
	require.NotContains(t, string(raw), "celltype_column")
}

func TestWrite_DeterministicContent(t *testing.T) {
	p := testProducts(t)
	a, err := Write(t.TempDir(), "ws", p)
	require.NoError(t, err)
	b, err := Write(t.TempDir(), "ws", p)
	require.NoError(t, err)

	for _, name := range []string{FileCoordinates, FileExpression, FileClustering, FileMarkers, FileCellTypes, FileManifest} {
		da, err := os.ReadFile(filepath.Join(a, name))
		require.NoError(t, err)
		db, err := os.ReadFile(filepath.Join(b, name))
		require.NoError(t, err)
		require.Equal(t, string(da), string(db), name)
	}
}

func TestWrite_ExistingDirectoryUntouched(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "pbmc")
	require.NoError(t, os.Mkdir(existing, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(existing, "notes.txt"), []byte("keep"), 0o644))

	_, err := Write(dir, "pbmc", testProducts(t))
	var dirErr *DirectoryExistsError
	require.ErrorAs(t, err, &dirErr)
	require.Equal(t, existing, dirErr.Path)

	entries, err := os.ReadDir(existing)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(existing, "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "keep", string(data))
}

func TestWrite_ConcurrentSameName(t *testing.T) {
	dir := t.TempDir()
	p := testProducts(t)

	const writers = 4
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Write(dir, "race", p)
		}(i)
	}
	wg.Wait()

	ok, exists := 0, 0
	for _, err := range errs {
		var dirErr *DirectoryExistsError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &dirErr):
			exists++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, writers-1, exists)
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"", " ", ".", "..", "a/b", `a\b`} {
		require.ErrorIs(t, ValidateName(name), ErrInvalidName, "name %q", name)
	}
	require.NoError(t, ValidateName("pbmc3k"))

	_, err := Write(t.TempDir(), "../escape", testProducts(t))
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestWrite_InconsistentProducts(t *testing.T) {
	p := testProducts(t)
	p.Coordinates = p.Coordinates[:2]
	dir := t.TempDir()
	_, err := Write(dir, "bad", p)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "bad"))
	require.True(t, os.IsNotExist(statErr), "no directory should be created for invalid products")
}
