// Package zarrtest writes small Zarr stores for tests.
package zarrtest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Writer creates groups and arrays under Root.
type Writer struct {
	T      testing.TB
	Root   string
	Format int    // 2 or 3
	Codec  string // "", "zstd" or "gzip"
}

// New creates an empty store (root group) in a fresh temp directory.
func New(t testing.TB, format int, codec string) *Writer {
	t.Helper()
	w := &Writer{
		T:      t,
		Root:   filepath.Join(t.TempDir(), "store.zarr"),
		Format: format,
		Codec:  codec,
	}
	w.Group("", nil)
	return w
}

// Group writes a group node at p.
func (w *Writer) Group(p string, attrs map[string]any) {
	w.T.Helper()
	dir := w.dir(p)
	if attrs == nil {
		attrs = map[string]any{}
	}
	if w.Format == 3 {
		w.writeJSON(filepath.Join(dir, "zarr.json"), map[string]any{
			"zarr_format": 3,
			"node_type":   "group",
			"attributes":  attrs,
		})
		return
	}
	w.writeJSON(filepath.Join(dir, ".zgroup"), map[string]any{"zarr_format": 2})
	w.writeJSON(filepath.Join(dir, ".zattrs"), attrs)
}

// Float32 writes a float32 array.
func (w *Writer) Float32(p string, shape, chunks []int, data []float32, attrs map[string]any) {
	w.T.Helper()
	w.numeric(p, "<f4", "float32", 4, shape, chunks, len(data), func(buf []byte, i int) {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(data[i]))
	}, attrs)
}

// Float64 writes a float64 array.
func (w *Writer) Float64(p string, shape, chunks []int, data []float64, attrs map[string]any) {
	w.T.Helper()
	w.numeric(p, "<f8", "float64", 8, shape, chunks, len(data), func(buf []byte, i int) {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(data[i]))
	}, attrs)
}

// Int32 writes an int32 array.
func (w *Writer) Int32(p string, shape, chunks []int, data []int32, attrs map[string]any) {
	w.T.Helper()
	w.numeric(p, "<i4", "int32", 4, shape, chunks, len(data), func(buf []byte, i int) {
		binary.LittleEndian.PutUint32(buf, uint32(data[i]))
	}, attrs)
}

// Int8 writes an int8 array.
func (w *Writer) Int8(p string, shape, chunks []int, data []int8, attrs map[string]any) {
	w.T.Helper()
	w.numeric(p, "|i1", "int8", 1, shape, chunks, len(data), func(buf []byte, i int) {
		buf[0] = byte(data[i])
	}, attrs)
}

// Bool writes a bool array.
func (w *Writer) Bool(p string, shape, chunks []int, data []bool, attrs map[string]any) {
	w.T.Helper()
	w.numeric(p, "|b1", "bool", 1, shape, chunks, len(data), func(buf []byte, i int) {
		if data[i] {
			buf[0] = 1
		}
	}, attrs)
}

// Strings writes a one-dimensional variable-length string array.
func (w *Writer) Strings(p string, chunk int, data []string, attrs map[string]any) {
	w.T.Helper()
	n := len(data)
	meta := w.arrayMeta("|O", "string", []int{n}, []int{chunk}, true, attrs)
	w.writeMeta(p, meta, attrs)

	for c := 0; c*chunk < n; c++ {
		var buf bytes.Buffer
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(chunk))
		buf.Write(tmp[:])
		for i := c * chunk; i < (c+1)*chunk; i++ {
			s := ""
			if i < n {
				s = data[i]
			}
			binary.LittleEndian.PutUint32(tmp[:], uint32(len(s)))
			buf.Write(tmp[:])
			buf.WriteString(s)
		}
		w.writeChunk(p, []int{c}, buf.Bytes())
	}
}

// RemoveChunk deletes one chunk so readers fall back to the fill value.
func (w *Writer) RemoveChunk(p string, idx ...int) {
	w.T.Helper()
	if err := os.Remove(w.chunkPath(p, idx)); err != nil {
		w.T.Fatalf("failed to remove chunk: %v", err)
	}
}

func (w *Writer) numeric(p, v2Type, v3Type string, size int, shape, chunks []int, n int, put func([]byte, int), attrs map[string]any) {
	w.T.Helper()
	total := 1
	for _, s := range shape {
		total *= s
	}
	if total != n {
		w.T.Fatalf("array %s: %d values for shape %v", p, n, shape)
	}
	meta := w.arrayMeta(v2Type, v3Type, shape, chunks, false, attrs)
	w.writeMeta(p, meta, attrs)
	if total == 0 {
		return
	}

	ndim := len(shape)
	grid := make([]int, ndim)
	for d := range grid {
		grid[d] = (shape[d] + chunks[d] - 1) / chunks[d]
	}
	chunkLen := 1
	for _, c := range chunks {
		chunkLen *= c
	}

	idx := make([]int, ndim)
	for {
		buf := make([]byte, chunkLen*size)
		pos := make([]int, ndim)
		for {
			g, l, inBounds := 0, 0, true
			gs, ls := 1, 1
			for d := ndim - 1; d >= 0; d-- {
				coord := idx[d]*chunks[d] + pos[d]
				if coord >= shape[d] {
					inBounds = false
				}
				g += coord * gs
				l += pos[d] * ls
				gs *= shape[d]
				ls *= chunks[d]
			}
			if inBounds {
				put(buf[l*size:(l+1)*size], g)
			}
			if !advance(pos, chunks) {
				break
			}
		}
		w.writeChunk(p, idx, buf)
		if !advance(idx, grid) {
			break
		}
	}
}

func (w *Writer) arrayMeta(v2Type, v3Type string, shape, chunks []int, vlen bool, attrs map[string]any) map[string]any {
	if w.Format == 3 {
		var codecs []map[string]any
		if vlen {
			codecs = append(codecs, map[string]any{"name": "vlen-utf8"})
		} else {
			codecs = append(codecs, map[string]any{"name": "bytes", "configuration": map[string]any{"endian": "little"}})
		}
		switch w.Codec {
		case "zstd":
			codecs = append(codecs, map[string]any{"name": "zstd", "configuration": map[string]any{"level": 0, "checksum": false}})
		case "gzip":
			codecs = append(codecs, map[string]any{"name": "gzip", "configuration": map[string]any{"level": 5}})
		}
		var fill any = 0
		if vlen {
			fill = ""
		} else if v3Type == "bool" {
			fill = false
		}
		if attrs == nil {
			attrs = map[string]any{}
		}
		return map[string]any{
			"zarr_format": 3,
			"node_type":   "array",
			"shape":       shape,
			"data_type":   v3Type,
			"chunk_grid": map[string]any{
				"name":          "regular",
				"configuration": map[string]any{"chunk_shape": chunks},
			},
			"chunk_key_encoding": map[string]any{
				"name":          "default",
				"configuration": map[string]any{"separator": "/"},
			},
			"fill_value": fill,
			"codecs":     codecs,
			"attributes": attrs,
		}
	}

	var compressor any
	if w.Codec != "" {
		compressor = map[string]any{"id": w.Codec, "level": 1}
	}
	var filters any
	if vlen {
		filters = []map[string]any{{"id": "vlen-utf8"}}
	}
	var fill any = 0
	if vlen {
		fill = nil
	}
	return map[string]any{
		"zarr_format": 2,
		"shape":       shape,
		"chunks":      chunks,
		"dtype":       v2Type,
		"compressor":  compressor,
		"filters":     filters,
		"fill_value":  fill,
		"order":       "C",
	}
}

func (w *Writer) writeMeta(p string, meta, attrs map[string]any) {
	w.T.Helper()
	dir := w.dir(p)
	if w.Format == 3 {
		w.writeJSON(filepath.Join(dir, "zarr.json"), meta)
		return
	}
	w.writeJSON(filepath.Join(dir, ".zarray"), meta)
	if attrs != nil {
		w.writeJSON(filepath.Join(dir, ".zattrs"), attrs)
	}
}

func (w *Writer) writeChunk(p string, idx []int, raw []byte) {
	w.T.Helper()
	data := raw
	switch w.Codec {
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			w.T.Fatalf("zstd writer: %v", err)
		}
		data = enc.EncodeAll(raw, nil)
		enc.Close()
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			w.T.Fatalf("gzip write: %v", err)
		}
		if err := zw.Close(); err != nil {
			w.T.Fatalf("gzip close: %v", err)
		}
		data = buf.Bytes()
	}
	path := w.chunkPath(p, idx)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		w.T.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		w.T.Fatalf("write chunk: %v", err)
	}
}

func (w *Writer) chunkPath(p string, idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	if w.Format == 3 {
		return filepath.Join(append([]string{w.dir(p), "c"}, parts...)...)
	}
	return filepath.Join(w.dir(p), strings.Join(parts, "."))
}

func (w *Writer) dir(p string) string {
	return filepath.Join(w.Root, filepath.FromSlash(p))
}

func (w *Writer) writeJSON(path string, v any) {
	w.T.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		w.T.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		w.T.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		w.T.Fatalf("write %s: %v", path, err)
	}
}

func advance(pos, limit []int) bool {
	for d := len(pos) - 1; d >= 0; d-- {
		pos[d]++
		if pos[d] < limit[d] {
			return true
		}
		pos[d] = 0
	}
	return false
}
