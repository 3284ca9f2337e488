package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NodeKind distinguishes groups from arrays.
type NodeKind int

const (
	KindGroup NodeKind = iota
	KindArray
)

func (k NodeKind) String() string {
	if k == KindArray {
		return "array"
	}
	return "group"
}

// ErrNotFound indicates that no Zarr node exists at the requested path.
var ErrNotFound = errors.New("zarr node not found")

// Node is a group or array inside a store, with its user attributes.
type Node struct {
	Path       string
	Kind       NodeKind
	ZarrFormat int
	Attrs      map[string]any
	Array      *ArrayMeta
}

// ArrayMeta is the format-independent view of an array's metadata.
type ArrayMeta struct {
	Shape      []int
	ChunkShape []int
	DType      DType
	FillValue  any
	Order      string

	// chunk key encoding
	keyPrefix string
	keySep    string

	// bytes->bytes codecs in write order; decoding applies them in reverse.
	byteCodecs []string
	// vlen-utf8 / vlen-bytes array->bytes codec.
	vlenStrings bool
}

// ZarrV3Meta represents a Zarr v3 node document (zarr.json).
type ZarrV3Meta struct {
	ZarrFormat int            `json:"zarr_format"`
	NodeType   string         `json:"node_type"`
	Attributes map[string]any `json:"attributes"`
	Shape      []int          `json:"shape"`
	DataType   any            `json:"data_type"`
	ChunkGrid  struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue any `json:"fill_value"`
	Codecs    []struct {
		Name          string         `json:"name"`
		Configuration map[string]any `json:"configuration"`
	} `json:"codecs"`
}

// zarrV2ArrayMeta represents a Zarr v2 .zarray document.
type zarrV2ArrayMeta struct {
	ZarrFormat         int              `json:"zarr_format"`
	Shape              []int            `json:"shape"`
	Chunks             []int            `json:"chunks"`
	DType              json.RawMessage  `json:"dtype"`
	Compressor         map[string]any   `json:"compressor"`
	Filters            []map[string]any `json:"filters"`
	FillValue          any              `json:"fill_value"`
	Order              string           `json:"order"`
	DimensionSeparator string           `json:"dimension_separator"`
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// loadNode reads the metadata documents at dir, trying v3 first.
func loadNode(dir, rel string) (*Node, error) {
	var v3 ZarrV3Meta
	err := readJSON(filepath.Join(dir, "zarr.json"), &v3)
	if err == nil {
		return nodeFromV3(rel, &v3)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	attrs := map[string]any{}
	if err := readJSON(filepath.Join(dir, ".zattrs"), &attrs); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	var v2 zarrV2ArrayMeta
	err = readJSON(filepath.Join(dir, ".zarray"), &v2)
	if err == nil {
		meta, err := arrayMetaFromV2(&v2)
		if err != nil {
			return nil, fmt.Errorf("array %q: %w", rel, err)
		}
		return &Node{Path: rel, Kind: KindArray, ZarrFormat: 2, Attrs: attrs, Array: meta}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(dir, ".zgroup")); err == nil {
		return &Node{Path: rel, Kind: KindGroup, ZarrFormat: 2, Attrs: attrs}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
}

func nodeFromV3(rel string, m *ZarrV3Meta) (*Node, error) {
	attrs := m.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	switch m.NodeType {
	case "group":
		return &Node{Path: rel, Kind: KindGroup, ZarrFormat: 3, Attrs: attrs}, nil
	case "array":
		meta, err := arrayMetaFromV3(m)
		if err != nil {
			return nil, fmt.Errorf("array %q: %w", rel, err)
		}
		return &Node{Path: rel, Kind: KindArray, ZarrFormat: 3, Attrs: attrs, Array: meta}, nil
	default:
		return nil, fmt.Errorf("unsupported node_type %q at %q", m.NodeType, rel)
	}
}

func arrayMetaFromV3(m *ZarrV3Meta) (*ArrayMeta, error) {
	if m.ChunkGrid.Name != "" && m.ChunkGrid.Name != "regular" {
		return nil, fmt.Errorf("unsupported chunk grid: %s", m.ChunkGrid.Name)
	}
	name, ok := m.DataType.(string)
	if !ok {
		return nil, fmt.Errorf("unsupported data_type: %v", m.DataType)
	}

	meta := &ArrayMeta{
		Shape:      m.Shape,
		ChunkShape: m.ChunkGrid.Configuration.ChunkShape,
		FillValue:  m.FillValue,
		Order:      "C",
	}

	switch m.ChunkKeyEncoding.Name {
	case "", "default":
		meta.keyPrefix = "c"
		meta.keySep = m.ChunkKeyEncoding.Configuration.Separator
		if meta.keySep == "" {
			meta.keySep = "/"
		}
	case "v2":
		meta.keySep = m.ChunkKeyEncoding.Configuration.Separator
		if meta.keySep == "" {
			meta.keySep = "."
		}
	default:
		return nil, fmt.Errorf("unsupported chunk key encoding: %s", m.ChunkKeyEncoding.Name)
	}

	bigEndian := false
	seenArrayToBytes := false
	for _, c := range m.Codecs {
		switch c.Name {
		case "bytes":
			if e, _ := c.Configuration["endian"].(string); e == "big" {
				bigEndian = true
			}
			seenArrayToBytes = true
		case "vlen-utf8", "vlen-bytes":
			meta.vlenStrings = true
			seenArrayToBytes = true
		case "zstd", "gzip", "crc32c":
			if !seenArrayToBytes {
				return nil, fmt.Errorf("codec %s precedes the array->bytes codec", c.Name)
			}
			meta.byteCodecs = append(meta.byteCodecs, c.Name)
		default:
			return nil, fmt.Errorf("unsupported codec: %s", c.Name)
		}
	}

	dt, err := parseV3DType(name, bigEndian)
	if err != nil {
		return nil, err
	}
	if dt.Kind == KindString && !meta.vlenStrings {
		return nil, fmt.Errorf("string array without vlen codec")
	}
	meta.DType = dt

	if err := meta.validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

func arrayMetaFromV2(m *zarrV2ArrayMeta) (*ArrayMeta, error) {
	var dtypeName string
	if err := json.Unmarshal(m.DType, &dtypeName); err != nil {
		return nil, fmt.Errorf("structured dtypes are not supported: %s", string(m.DType))
	}
	dt, err := parseV2DType(dtypeName)
	if err != nil {
		return nil, err
	}

	meta := &ArrayMeta{
		Shape:      m.Shape,
		ChunkShape: m.Chunks,
		DType:      dt,
		FillValue:  m.FillValue,
		Order:      m.Order,
		keySep:     m.DimensionSeparator,
	}
	if meta.Order == "" {
		meta.Order = "C"
	}
	if meta.keySep == "" {
		meta.keySep = "."
	}

	for _, f := range m.Filters {
		id, _ := f["id"].(string)
		switch id {
		case "vlen-utf8", "vlen-bytes":
			meta.vlenStrings = true
		default:
			return nil, fmt.Errorf("unsupported filter: %s", id)
		}
	}
	if dt.Kind == KindString && !meta.vlenStrings {
		return nil, fmt.Errorf("object array without vlen-utf8 filter")
	}

	if m.Compressor != nil {
		id, _ := m.Compressor["id"].(string)
		switch id {
		case "zstd", "gzip", "zlib":
			meta.byteCodecs = []string{id}
		default:
			return nil, fmt.Errorf("unsupported compressor: %s (rewrite the store with zstd, gzip or zlib)", id)
		}
	}

	if err := meta.validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *ArrayMeta) validate() error {
	if len(m.Shape) != len(m.ChunkShape) {
		return fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(m.Shape), len(m.ChunkShape))
	}
	for d, c := range m.ChunkShape {
		if c <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	if len(m.Shape) > 1 && m.Order != "C" {
		return fmt.Errorf("unsupported memory order %q", m.Order)
	}
	return nil
}

// chunkKey encodes chunk grid coordinates as a store-relative path.
func (m *ArrayMeta) chunkKey(idx []int) string {
	parts := make([]string, 0, len(idx)+1)
	if m.keyPrefix != "" {
		parts = append(parts, m.keyPrefix)
	}
	for _, i := range idx {
		parts = append(parts, strconv.Itoa(i))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, m.keySep)
}

// NumElements returns the product of the array shape.
func (m *ArrayMeta) NumElements() int {
	return product(m.Shape)
}
