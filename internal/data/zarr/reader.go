// Package zarr provides a read-only reader for Zarr v2 and v3 stores on the
// local file system.
//
// Only what the AnnData layout needs is supported: regular chunk grids in C
// order, the bytes/vlen-utf8 array codecs and the zstd, gzip, zlib and crc32c
// byte codecs. Whole arrays are decoded at once.
package zarr

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

// DefaultArrayCacheSize is the number of decoded arrays kept in memory.
const DefaultArrayCacheSize = 64

// Store provides access to the nodes of a Zarr hierarchy rooted at basePath.
type Store struct {
	basePath string
	mu       sync.Mutex
	decoder  *zstd.Decoder

	// Decoded arrays keyed by "<kind>:<path>".
	arrays *lru.Cache[string, any]
}

// Open opens the store rooted at basePath. The root must be a group.
func Open(basePath string) (*Store, error) {
	return OpenWithCacheSize(basePath, DefaultArrayCacheSize)
}

// OpenWithCacheSize is Open with an explicit decoded-array cache size.
func OpenWithCacheSize(basePath string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultArrayCacheSize
	}
	decoder, err := newZstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	arrays, err := lru.New[string, any](cacheSize)
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to create array cache: %w", err)
	}

	r := &Store{
		basePath: filepath.Clean(basePath),
		decoder:  decoder,
		arrays:   arrays,
	}

	root, err := r.Node("")
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to open zarr store %s: %w", basePath, err)
	}
	if root.Kind != KindGroup {
		r.Close()
		return nil, fmt.Errorf("zarr store root %s is not a group", basePath)
	}
	return r, nil
}

// BasePath returns the store root directory.
func (r *Store) BasePath() string {
	return r.basePath
}

// Node loads the metadata of the node at a slash-separated store path.
func (r *Store) Node(p string) (*Node, error) {
	p = cleanPath(p)
	return loadNode(r.dir(p), p)
}

// Exists reports whether a group or array exists at p.
func (r *Store) Exists(p string) bool {
	_, err := r.Node(p)
	return err == nil
}

// Children returns the names of the direct child nodes of group p, sorted.
func (r *Store) Children(p string) ([]string, error) {
	p = cleanPath(p)
	entries, err := os.ReadDir(r.dir(p))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if r.Exists(path.Join(p, e.Name())) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Array returns the array node at p.
func (r *Store) Array(p string) (*Array, error) {
	n, err := r.Node(p)
	if err != nil {
		return nil, err
	}
	if n.Kind != KindArray {
		return nil, fmt.Errorf("node %q is a group, not an array", n.Path)
	}
	return &Array{store: r, node: n}, nil
}

// Close releases resources.
func (r *Store) Close() {
	if r.decoder != nil {
		r.decoder.Close()
		r.decoder = nil
	}
	if r.arrays != nil {
		r.arrays.Purge()
	}
}

func (r *Store) dir(p string) string {
	if p == "" {
		return r.basePath
	}
	return filepath.Join(r.basePath, filepath.FromSlash(p))
}

func cleanPath(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	return p
}

// Array is a decoded view of one Zarr array.
type Array struct {
	store *Store
	node  *Node
}

// Path returns the store path of the array.
func (a *Array) Path() string { return a.node.Path }

// Shape returns the array shape.
func (a *Array) Shape() []int { return a.node.Array.Shape }

// DType returns the element type.
func (a *Array) DType() DType { return a.node.Array.DType }

// Attrs returns the array's user attributes.
func (a *Array) Attrs() map[string]any { return a.node.Attrs }

// Float64s decodes the whole array in row-major order as float64 values.
func (a *Array) Float64s() ([]float64, error) {
	meta := a.node.Array
	if !meta.DType.Numeric() {
		return nil, fmt.Errorf("array %q has non-numeric dtype %s", a.node.Path, meta.DType)
	}
	key := "f:" + a.node.Path
	if v, ok := a.store.arrays.Get(key); ok {
		return v.([]float64), nil
	}
	fill, err := numericFill(meta)
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", a.node.Path, err)
	}
	out, err := readAll(a, fill, func(raw []byte) ([]float64, error) {
		return decodeNumbers(raw, meta.DType)
	})
	if err != nil {
		return nil, err
	}
	a.store.arrays.Add(key, out)
	return out, nil
}

// Strings decodes the whole array in row-major order as strings.
func (a *Array) Strings() ([]string, error) {
	meta := a.node.Array
	if !meta.DType.Textual() {
		return nil, fmt.Errorf("array %q has non-text dtype %s", a.node.Path, meta.DType)
	}
	key := "s:" + a.node.Path
	if v, ok := a.store.arrays.Get(key); ok {
		return v.([]string), nil
	}
	out, err := readAll(a, stringFill(meta), func(raw []byte) ([]string, error) {
		return decodeStrings(raw, meta.DType)
	})
	if err != nil {
		return nil, err
	}
	a.store.arrays.Add(key, out)
	return out, nil
}

// readChunk reads and decodes the bytes of one chunk. A nil slice and
// os.ErrNotExist are returned for chunks absent from the store.
func (a *Array) readChunk(idx []int) ([]byte, error) {
	meta := a.node.Array
	chunkPath := filepath.Join(a.store.dir(a.node.Path), filepath.FromSlash(meta.chunkKey(idx)))
	compressed, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	return a.store.decodeBytes(meta, compressed)
}

// readAll assembles every chunk of the array into one row-major slice.
// Edge chunks may be stored either padded to the full chunk shape (as zarr
// writers do) or truncated to the array bounds.
func readAll[T any](a *Array, fill T, decode func([]byte) ([]T, error)) ([]T, error) {
	meta := a.node.Array
	ndim := len(meta.Shape)
	total := meta.NumElements()
	out := make([]T, total)
	if total == 0 {
		return out, nil
	}

	globalStride := strides(meta.Shape)
	grid := make([]int, ndim)
	for d := range grid {
		grid[d] = ceilDiv(meta.Shape[d], meta.ChunkShape[d])
	}

	idx := make([]int, ndim)
	for {
		ext := make([]int, ndim)
		for d := range ext {
			ext[d] = min(meta.ChunkShape[d], meta.Shape[d]-idx[d]*meta.ChunkShape[d])
		}

		raw, err := a.readChunk(idx)
		var elems []T
		switch {
		case err == nil:
			elems, err = decode(raw)
			if err != nil {
				return nil, fmt.Errorf("array %q chunk %v: %w", a.node.Path, idx, err)
			}
		case os.IsNotExist(err):
			// Absent chunks hold the fill value only.
			elems = nil
		default:
			return nil, fmt.Errorf("array %q chunk %v: %w", a.node.Path, idx, err)
		}

		var local []int
		if elems != nil {
			switch len(elems) {
			case product(meta.ChunkShape):
				local = strides(meta.ChunkShape)
			case product(ext):
				local = strides(ext)
			default:
				return nil, fmt.Errorf("array %q chunk %v: got %d elements, expected %d",
					a.node.Path, idx, len(elems), product(meta.ChunkShape))
			}
		}

		// Walk every element inside the chunk's in-bounds extent.
		pos := make([]int, ndim)
		for {
			g, l := 0, 0
			for d := 0; d < ndim; d++ {
				g += (idx[d]*meta.ChunkShape[d] + pos[d]) * globalStride[d]
				if local != nil {
					l += pos[d] * local[d]
				}
			}
			if elems != nil {
				out[g] = elems[l]
			} else {
				out[g] = fill
			}
			if !advance(pos, ext) {
				break
			}
		}

		if !advance(idx, grid) {
			break
		}
	}
	return out, nil
}

// advance increments a row-major odometer; it reports false after the last position.
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

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		s[d] = acc
		acc *= shape[d]
	}
	return s
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
