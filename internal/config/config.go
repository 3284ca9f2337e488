// Package config handles configuration loading for the ctw exporter.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlasmap-sc/ctw/internal/dataset"
	"github.com/atlasmap-sc/ctw/internal/markers"
	"github.com/atlasmap-sc/ctw/internal/render"
)

// Environment variables read by Resolve.
const (
	EnvConfig         = "CTW_CONFIG"
	EnvUploadEndpoint = "CTW_UPLOAD_ENDPOINT"
	EnvLogLevel       = "CTW_LOG_LEVEL"
)

// DefaultPath is the config file looked up when neither a flag nor
// CTW_CONFIG names one.
const DefaultPath = "ctw.yaml"

// Config represents the exporter configuration.
type Config struct {
	Export  ExportConfig  `yaml:"export"`
	Markers MarkersConfig `yaml:"markers"`
	Preview PreviewConfig `yaml:"preview"`
	Upload  UploadConfig  `yaml:"upload"`
	Log     LogConfig     `yaml:"log"`
	Data    DataConfig    `yaml:"data"`
}

// ExportConfig contains the from-scanpy defaults.
type ExportConfig struct {
	OutputDir      string `yaml:"output_dir"`
	ClusterColumn  string `yaml:"cluster_column"`
	CellTypeColumn string `yaml:"celltype_column"`
	EmbeddingKey   string `yaml:"embedding_key"`
	CellTypePolicy string `yaml:"celltype_policy"`
}

// MarkersConfig contains marker ranking settings. TopN 0 means the default,
// a negative TopN keeps every gene.
type MarkersConfig struct {
	TopN               int    `yaml:"top_n"`
	MinCells           int    `yaml:"min_cells"`
	MaxCellsPerCluster int    `yaml:"max_cells_per_cluster"`
	Seed               int64  `yaml:"seed"`
	Method             string `yaml:"method"`
}

// PreviewConfig contains preview.png settings.
type PreviewConfig struct {
	Disabled      bool `yaml:"disabled"`
	render.Config `yaml:",inline"`
}

// UploadConfig contains catalog upload settings.
type UploadConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DataConfig contains dataset reader settings.
type DataConfig struct {
	ArrayCacheSize int `yaml:"array_cache_size"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// Resolve picks the config file (path, then CTW_CONFIG, then DefaultPath),
// loads it and applies environment overrides.
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = DefaultPath
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Export: ExportConfig{
			OutputDir:      ".",
			ClusterColumn:  "louvain",
			CellTypeColumn: "scorect",
			EmbeddingKey:   "X_umap",
			CellTypePolicy: dataset.CellTypeEmpty.String(),
		},
		Markers: MarkersConfig{
			TopN:     100,
			MinCells: 2,
			Method:   string(markers.MethodWilcoxon),
		},
		Preview: PreviewConfig{
			Config: render.DefaultConfig(),
		},
		Upload: UploadConfig{
			TimeoutSeconds: 300,
		},
		Log: LogConfig{
			Level: "info",
		},
		Data: DataConfig{
			ArrayCacheSize: 64,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Export.OutputDir == "" {
		cfg.Export.OutputDir = defaults.Export.OutputDir
	}
	if cfg.Export.ClusterColumn == "" {
		cfg.Export.ClusterColumn = defaults.Export.ClusterColumn
	}
	if cfg.Export.CellTypeColumn == "" {
		cfg.Export.CellTypeColumn = defaults.Export.CellTypeColumn
	}
	if cfg.Export.EmbeddingKey == "" {
		cfg.Export.EmbeddingKey = defaults.Export.EmbeddingKey
	}
	if cfg.Export.CellTypePolicy == "" {
		cfg.Export.CellTypePolicy = defaults.Export.CellTypePolicy
	}
	if cfg.Markers.TopN == 0 {
		cfg.Markers.TopN = defaults.Markers.TopN
	}
	if cfg.Markers.MinCells == 0 {
		cfg.Markers.MinCells = defaults.Markers.MinCells
	}
	if cfg.Markers.Method == "" {
		cfg.Markers.Method = defaults.Markers.Method
	}
	if cfg.Preview.Size == 0 {
		cfg.Preview.Size = defaults.Preview.Size
	}
	if cfg.Preview.PointRadius == 0 {
		cfg.Preview.PointRadius = defaults.Preview.PointRadius
	}
	if cfg.Preview.Margin == 0 {
		cfg.Preview.Margin = defaults.Preview.Margin
	}
	if cfg.Preview.Palette == "" {
		cfg.Preview.Palette = defaults.Preview.Palette
	}
	if cfg.Upload.TimeoutSeconds == 0 {
		cfg.Upload.TimeoutSeconds = defaults.Upload.TimeoutSeconds
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Data.ArrayCacheSize == 0 {
		cfg.Data.ArrayCacheSize = defaults.Data.ArrayCacheSize
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvUploadEndpoint); v != "" {
		cfg.Upload.Endpoint = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
}

// MarkerOptions converts the markers section into markers.Options.
func (c *Config) MarkerOptions() (markers.Options, error) {
	method, err := markers.ParseMethod(c.Markers.Method)
	if err != nil {
		return markers.Options{}, err
	}
	topN := c.Markers.TopN
	if topN < 0 {
		topN = 0
	}
	return markers.Options{
		TopN:               topN,
		MinCells:           c.Markers.MinCells,
		MaxCellsPerCluster: c.Markers.MaxCellsPerCluster,
		Seed:               c.Markers.Seed,
		Method:             method,
	}, nil
}

// UploadTimeout returns the upload request timeout.
func (c *Config) UploadTimeout() time.Duration {
	if c.Upload.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Upload.TimeoutSeconds) * time.Second
}
