package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/ctw/internal/data/anndata/anndatatest"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	t.Setenv("CTW_UPLOAD_ENDPOINT", "")
	t.Setenv("CTW_LOG_LEVEL", "")
	args = append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// twelveCells writes a dataset of 12 cells in clusters A, B and C, each
// over-expressing one gene.
func twelveCells(t *testing.T) string {
	t.Helper()
	var cells, labels, types []string
	var x [][]float32
	xy := map[string][][2]float64{"X_umap": nil}
	for i := 0; i < 12; i++ {
		k := i / 4
		cells = append(cells, "cell"+string(rune('a'+i)))
		labels = append(labels, []string{"A", "B", "C"}[k])
		types = append(types, []string{"T", "B", "Mono"}[k])
		row := []float32{0, 0, 0}
		row[k] = 2 + float32(i%4)
		x = append(x, row)
		xy["X_umap"] = append(xy["X_umap"], [2]float64{float64(k), float64(i % 4)})
	}
	return anndatatest.Write(t, anndatatest.Fixture{
		Cells: cells,
		Genes: []string{"CD3E", "MS4A1", "LYZ"},
		Obs: []anndatatest.Obs{
			{Name: "louvain", Values: labels, Categories: []string{"A", "B", "C"}},
			{Name: "scorect", Values: types},
		},
		Embeddings: xy,
		X:          x,
		Sparse:     "csr",
	})
}

func TestBye(t *testing.T) {
	res := run(t, "bye")
	require.Equal(t, 0, res.code, res.stderr)
	require.Equal(t, "Bye World!\n", res.stdout)
}

func TestScanpyObs(t *testing.T) {
	res := run(t, "scanpy-obs", twelveCells(t))
	require.Equal(t, 0, res.code, res.stderr)
	require.Equal(t, "louvain\nscorect\n", res.stdout)

	res = run(t, "scanpy-obs", filepath.Join(t.TempDir(), "missing.zarr"))
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "Error:")
}

func TestFromScanpyThenInspect(t *testing.T) {
	data := twelveCells(t)
	out := t.TempDir()

	res := run(t, "from-scanpy", "pbmc", data,
		"--cluster_name", "louvain",
		"--celltype_key", "scorect",
		"--output-dir", out,
		"--top_n", "2")
	require.Equal(t, 0, res.code, res.stderr)

	archivePath := filepath.Join(out, "pbmc.ctw.tgz")
	require.Equal(t, archivePath+"\n", res.stdout)
	_, err := os.Stat(filepath.Join(out, "pbmc"))
	require.True(t, os.IsNotExist(err), "staging directory should be removed")

	res = run(t, "inspect", archivePath)
	require.Equal(t, 0, res.code, res.stderr)
	for _, want := range []string{
		"pbmc/xys.tsv", "pbmc/exp.tsv", "pbmc/clustering.tsv", "pbmc/markers.tsv",
		"pbmc/celltype.tsv", "pbmc/preview.png", "pbmc/manifest.json",
		"worksheet pbmc: 12 cells, 3 genes, normalized expression, 6 marker rows (wilcoxon)",
	} {
		require.Contains(t, res.stdout, want)
	}
	require.Regexp(t, `(?m)^A\s+4\s+#[0-9a-f]{6}\s+T$`, res.stdout)

	// A second export with the same name still succeeds: the staging
	// directory is gone and the archive is rewritten.
	res = run(t, "from-scanpy", "pbmc", data, "--output-dir", out, "--no-preview", "--method", "t-test")
	require.Equal(t, 0, res.code, res.stderr)
}

func TestFromScanpy_MissingEmbedding(t *testing.T) {
	out := t.TempDir()
	res := run(t, "from-scanpy", "pbmc", twelveCells(t), "--output-dir", out, "--embedding", "X_tsne")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, `embedding "X_tsne" not found`)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFromScanpy_InvalidOptions(t *testing.T) {
	data := twelveCells(t)
	out := t.TempDir()

	res := run(t, "from-scanpy", "pbmc", data, "--output-dir", out, "--celltype-policy", "maybe")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "invalid cell type policy")

	res = run(t, "from-scanpy", "pbmc", data, "--output-dir", out, "--method", "anova")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "invalid marker method")

	res = run(t, "from-scanpy", "pbmc", data, "--output-dir", out, "--celltype-key", "cell_ontology", "--celltype-policy", "strict")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, `"cell_ontology" not found`)

	res = run(t, "from-scanpy", "pbmc")
	require.Equal(t, 1, res.code)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUploadWorksheet(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/worksheets", func(w http.ResponseWriter, req *http.Request) {
		io.Copy(io.Discard, req.Body)
		if req.Header.Get("Authorization") != "Bearer good-token" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "ws-9", "url": "https://catalog.example/ws-9"})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "pbmc.ctw.tgz")
	require.NoError(t, os.WriteFile(archivePath, []byte("archive"), 0o644))
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"token":"good-token"}`), 0o600))
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"username":"mallory","password":"guess"}`), 0o600))

	res := run(t, "upload-worksheet", archivePath, good, "--endpoint", srv.URL+"/api/worksheets")
	require.Equal(t, 0, res.code, res.stderr)
	require.Equal(t, "https://catalog.example/ws-9\n", res.stdout)

	res = run(t, "upload-worksheet", archivePath, bad, "--endpoint", srv.URL+"/api/worksheets")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "credentials rejected")

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	require.Equal(t, "archive", string(data))

	res = run(t, "upload-worksheet", archivePath, good)
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "no upload endpoint configured")
}

func TestLogLevelFlag(t *testing.T) {
	res := run(t, "--log-level", "debug", "bye")
	require.Equal(t, 0, res.code)
	require.True(t, strings.Contains(res.stderr, "Configuration loaded"), res.stderr)

	res = run(t, "--log-level", "shout", "bye")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "invalid log level")
}
