package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlasmap-sc/ctw/internal/markers"
)

func TestLoad_FullFile(t *testing.T) {
	content := `
export:
  output_dir: "/data/worksheets"
  cluster_column: "leiden"
  celltype_column: "cell_type"
  embedding_key: "X_tsne"
  celltype_policy: "strict"
markers:
  top_n: 25
  min_cells: 5
  max_cells_per_cluster: 500
  seed: 7
  method: "t-test"
preview:
  size: 256
  palette: "viridis"
upload:
  endpoint: "https://catalog.example/api/worksheets"
  timeout_seconds: 30
log:
  level: "debug"
`
	cfg := loadFromString(t, content)

	if cfg.Export.OutputDir != "/data/worksheets" {
		t.Errorf("unexpected output_dir: %s", cfg.Export.OutputDir)
	}
	if cfg.Export.ClusterColumn != "leiden" || cfg.Export.CellTypeColumn != "cell_type" {
		t.Errorf("unexpected columns: %+v", cfg.Export)
	}
	if cfg.Export.EmbeddingKey != "X_tsne" {
		t.Errorf("unexpected embedding key: %s", cfg.Export.EmbeddingKey)
	}
	if cfg.Preview.Size != 256 || cfg.Preview.Palette != "viridis" {
		t.Errorf("unexpected preview config: %+v", cfg.Preview)
	}
	// Unset inline render fields still get defaults.
	if cfg.Preview.PointRadius != 1.5 {
		t.Errorf("expected default point radius 1.5, got %v", cfg.Preview.PointRadius)
	}
	if cfg.UploadTimeout() != 30*time.Second {
		t.Errorf("unexpected upload timeout: %v", cfg.UploadTimeout())
	}

	opts, err := cfg.MarkerOptions()
	if err != nil {
		t.Fatalf("MarkerOptions: %v", err)
	}
	want := markers.Options{TopN: 25, MinCells: 5, MaxCellsPerCluster: 500, Seed: 7, Method: markers.MethodTTest}
	if opts != want {
		t.Errorf("MarkerOptions = %+v, want %+v", opts, want)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
export:
  cluster_column: "leiden"
markers:
  top_n: 0
`
	cfg := loadFromString(t, content)

	if cfg.Export.ClusterColumn != "leiden" {
		t.Errorf("expected cluster column leiden, got %q", cfg.Export.ClusterColumn)
	}
	if cfg.Export.CellTypeColumn != "scorect" {
		t.Errorf("expected default celltype column scorect, got %q", cfg.Export.CellTypeColumn)
	}
	if cfg.Export.EmbeddingKey != "X_umap" {
		t.Errorf("expected default embedding X_umap, got %q", cfg.Export.EmbeddingKey)
	}
	if cfg.Export.CellTypePolicy != "empty" {
		t.Errorf("expected default policy empty, got %q", cfg.Export.CellTypePolicy)
	}
	if cfg.Markers.TopN != 100 {
		t.Errorf("expected default top_n 100, got %d", cfg.Markers.TopN)
	}
	if cfg.Preview.Size != 512 {
		t.Errorf("expected default preview size 512, got %d", cfg.Preview.Size)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Log.Level)
	}
	if cfg.Upload.Endpoint != "" {
		t.Errorf("expected no default endpoint, got %q", cfg.Upload.Endpoint)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Export != def.Export || cfg.Markers != def.Markers {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("export: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestMarkerOptions_NegativeTopNKeepsAll(t *testing.T) {
	cfg := loadFromString(t, "markers:\n  top_n: -1\n")
	opts, err := cfg.MarkerOptions()
	if err != nil {
		t.Fatalf("MarkerOptions: %v", err)
	}
	if opts.TopN != 0 {
		t.Errorf("expected TopN 0 (all genes), got %d", opts.TopN)
	}

	cfg.Markers.Method = "anova"
	if _, err := cfg.MarkerOptions(); err == nil {
		t.Error("expected an error for an unknown method")
	}
}

func TestResolve_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("upload:\n  endpoint: \"https://from-file\"\nlog:\n  level: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvConfig, path)
	cfg, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Upload.Endpoint != "https://from-file" || cfg.Log.Level != "warn" {
		t.Errorf("expected values from %s, got %+v %+v", path, cfg.Upload, cfg.Log)
	}

	t.Setenv(EnvUploadEndpoint, "https://from-env")
	t.Setenv(EnvLogLevel, "debug")
	cfg, err = Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Upload.Endpoint != "https://from-env" {
		t.Errorf("expected env endpoint, got %q", cfg.Upload.Endpoint)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected env log level, got %q", cfg.Log.Level)
	}

	// An explicit path wins over CTW_CONFIG.
	other := filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(other, []byte("export:\n  cluster_column: leiden\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Resolve(other)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Export.ClusterColumn != "leiden" {
		t.Errorf("expected explicit path to be used, got %q", cfg.Export.ClusterColumn)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
