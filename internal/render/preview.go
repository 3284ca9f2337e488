// Package render draws the worksheet preview: a scatter of the embedding
// colored by cluster, using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"

	"github.com/fogleman/gg"

	"github.com/atlasmap-sc/ctw/internal/dataset"
	"github.com/atlasmap-sc/ctw/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Size        int     `yaml:"size"`
	PointRadius float64 `yaml:"point_radius"`
	Margin      int     `yaml:"margin"`
	Palette     string  `yaml:"palette"`
}

// DefaultConfig returns the preview defaults.
func DefaultConfig() Config {
	return Config{
		Size:        512,
		PointRadius: 1.5,
		Margin:      16,
		Palette:     "categorical",
	}
}

// Renderer renders cluster previews.
type Renderer struct {
	config  Config
	palette colormap.Colormap
}

// NewRenderer creates a renderer, filling zero fields from DefaultConfig.
func NewRenderer(cfg Config) (*Renderer, error) {
	def := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = def.PointRadius
	}
	if cfg.Margin < 0 || 2*cfg.Margin >= cfg.Size {
		cfg.Margin = def.Margin
	}
	if cfg.Palette == "" {
		cfg.Palette = def.Palette
	}
	cmap, err := colormap.Lookup(cfg.Palette)
	if err != nil {
		return nil, err
	}
	return &Renderer{config: cfg, palette: cmap}, nil
}

// ClusterColors returns one color per cluster.
func (r *Renderer) ClusterColors(nClusters int) []color.RGBA {
	return colormap.Palette(r.palette, nClusters)
}

// RenderClusters draws every cell at its embedding position, colored by
// clusterIdx[i] (an index into ClusterColors). The y axis points up.
func (r *Renderer) RenderClusters(coords []dataset.Coordinate, clusterIdx []int, nClusters int) ([]byte, error) {
	if len(clusterIdx) != len(coords) {
		return nil, fmt.Errorf("%d cluster indices for %d cells", len(clusterIdx), len(coords))
	}

	size := r.config.Size
	dc := gg.NewContext(size, size)
	dc.SetColor(color.White)
	dc.Clear()

	minX, maxX, minY, maxY := bounds(coords)
	spanX, spanY := maxX-minX, maxY-minY
	if spanX == 0 {
		spanX = 1
	}
	if spanY == 0 {
		spanY = 1
	}
	margin := float64(r.config.Margin)
	usable := float64(size) - 2*margin
	scale := usable / math.Max(spanX, spanY)
	// Center the shorter axis.
	offX := margin + (usable-spanX*scale)/2
	offY := margin + (usable-spanY*scale)/2

	colors := r.ClusterColors(nClusters)
	for i, c := range coords {
		k := clusterIdx[i]
		if k < 0 || k >= len(colors) || math.IsNaN(c.X) || math.IsNaN(c.Y) {
			continue
		}
		px := offX + (c.X-minX)*scale
		py := float64(size) - (offY + (c.Y-minY)*scale)
		dc.SetColor(colors[k])
		dc.DrawCircle(px, py, r.config.PointRadius)
		dc.Fill()
	}

	return encode(dc)
}

func bounds(coords []dataset.Coordinate) (minX, maxX, minY, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, c := range coords {
		if math.IsNaN(c.X) || math.IsNaN(c.Y) {
			continue
		}
		minX = math.Min(minX, c.X)
		maxX = math.Max(maxX, c.X)
		minY = math.Min(minY, c.Y)
		maxY = math.Max(maxY, c.Y)
	}
	if math.IsInf(minX, 1) {
		return 0, 1, 0, 1
	}
	return minX, maxX, minY, maxY
}

func encode(dc *gg.Context) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&buf, dc.Image()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
