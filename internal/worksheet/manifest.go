package worksheet

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// FormatVersion is written to manifest.json.
const FormatVersion = 1

// Manifest describes a bundle. It carries no timestamps so that identical
// inputs produce identical bundles.
type Manifest struct {
	Name             string         `json:"name"`
	FormatVersion    int            `json:"format_version"`
	Cells            int            `json:"n_cells"`
	Genes            int            `json:"n_genes"`
	Clusters         []ClusterEntry `json:"clusters"`
	ExpressionSource string         `json:"expression_source"`
	EmbeddingKey     string         `json:"embedding_key,omitempty"`
	ClusterColumn    string         `json:"cluster_column"`
	CellTypeColumn   string         `json:"celltype_column,omitempty"`
	MarkerMethod     string         `json:"marker_method"`
	MarkerRows       int            `json:"marker_rows"`
	Files            []string       `json:"files"`
}

// ClusterEntry summarizes one cluster.
type ClusterEntry struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Color    string `json:"color,omitempty"`
	CellType string `json:"cell_type,omitempty"`
}

func newManifest(name string, p *Products, files []string) *Manifest {
	m := &Manifest{
		Name:             name,
		FormatVersion:    FormatVersion,
		Cells:            len(p.Clustering.Cells),
		Genes:            p.Expression.NGenes(),
		ExpressionSource: p.Source.String(),
		EmbeddingKey:     p.EmbeddingKey,
		ClusterColumn:    p.Clustering.Column,
		MarkerMethod:     string(p.Markers.Method),
		MarkerRows:       p.Markers.Len(),
		Files:            append(files, FileManifest),
	}
	if !p.CellTypes.Missing {
		m.CellTypeColumn = p.CellTypes.Column
	}
	members := p.Clustering.Members()
	for k, c := range p.Clustering.Clusters {
		entry := ClusterEntry{Name: c, Size: len(members[k])}
		if k < len(p.ClusterColors) {
			entry.Color = p.ClusterColors[k]
		}
		if ct, ok := p.CellTypes.Lookup(c); ok {
			entry.CellType = ct
		}
		m.Clusters = append(m.Clusters, entry)
	}
	return m
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

// ReadManifest decodes a manifest.json document.
func ReadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
