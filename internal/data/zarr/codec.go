package zarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// DTypeKind is the element family of an array.
type DTypeKind byte

const (
	KindBool    DTypeKind = 'b'
	KindInt     DTypeKind = 'i'
	KindUint    DTypeKind = 'u'
	KindFloat   DTypeKind = 'f'
	KindBytes   DTypeKind = 'S'
	KindUnicode DTypeKind = 'U'
	KindString  DTypeKind = 'O'
)

// DType describes how one element is laid out in a decoded chunk.
type DType struct {
	Kind      DTypeKind
	Size      int // bytes per element; 0 for variable-length strings
	BigEndian bool
}

// Numeric reports whether elements decode to numbers.
func (d DType) Numeric() bool {
	return d.Kind == KindBool || d.Kind == KindInt || d.Kind == KindUint || d.Kind == KindFloat
}

// Textual reports whether elements decode to strings.
func (d DType) Textual() bool {
	return d.Kind == KindString || d.Kind == KindBytes || d.Kind == KindUnicode
}

func (d DType) String() string {
	if d.Kind == KindString {
		return "string"
	}
	return fmt.Sprintf("%c%d", d.Kind, d.Size)
}

func (d DType) byteOrder() binary.ByteOrder {
	if d.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func parseV3DType(name string, bigEndian bool) (DType, error) {
	switch name {
	case "bool":
		return DType{Kind: KindBool, Size: 1}, nil
	case "int8", "int16", "int32", "int64":
		bits, _ := strconv.Atoi(strings.TrimPrefix(name, "int"))
		return DType{Kind: KindInt, Size: bits / 8, BigEndian: bigEndian}, nil
	case "uint8", "uint16", "uint32", "uint64":
		bits, _ := strconv.Atoi(strings.TrimPrefix(name, "uint"))
		return DType{Kind: KindUint, Size: bits / 8, BigEndian: bigEndian}, nil
	case "float32":
		return DType{Kind: KindFloat, Size: 4, BigEndian: bigEndian}, nil
	case "float64":
		return DType{Kind: KindFloat, Size: 8, BigEndian: bigEndian}, nil
	case "string":
		return DType{Kind: KindString}, nil
	default:
		return DType{}, fmt.Errorf("unsupported zarr data_type: %s", name)
	}
}

// parseV2DType parses numpy type strings such as "<f4", "|b1", "|O" or "<U12".
func parseV2DType(s string) (DType, error) {
	if len(s) < 2 {
		return DType{}, fmt.Errorf("invalid dtype: %q", s)
	}
	bigEndian := s[0] == '>'
	kind := DTypeKind(s[1])
	if kind == KindString {
		return DType{Kind: KindString}, nil
	}
	n, err := strconv.Atoi(s[2:])
	if err != nil || n <= 0 {
		return DType{}, fmt.Errorf("invalid dtype: %q", s)
	}
	switch kind {
	case KindBool:
		if n != 1 {
			return DType{}, fmt.Errorf("invalid dtype: %q", s)
		}
	case KindInt, KindUint:
		if n != 1 && n != 2 && n != 4 && n != 8 {
			return DType{}, fmt.Errorf("unsupported dtype: %q", s)
		}
	case KindFloat:
		if n != 4 && n != 8 {
			return DType{}, fmt.Errorf("unsupported dtype: %q", s)
		}
	case KindBytes:
	case KindUnicode:
		n *= 4
	default:
		return DType{}, fmt.Errorf("unsupported dtype: %q", s)
	}
	return DType{Kind: kind, Size: n, BigEndian: bigEndian}, nil
}

// decodeBytes undoes the bytes->bytes codec chain.
func (r *Store) decodeBytes(meta *ArrayMeta, data []byte) ([]byte, error) {
	for i := len(meta.byteCodecs) - 1; i >= 0; i-- {
		var err error
		switch meta.byteCodecs[i] {
		case "zstd":
			data, err = r.decoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			data, err = inflate(gzip.NewReader(bytes.NewReader(data)))
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		case "zlib":
			data, err = inflate(zlib.NewReader(bytes.NewReader(data)))
			if err != nil {
				return nil, fmt.Errorf("zlib decompress failed: %w", err)
			}
		case "crc32c":
			if len(data) < 4 {
				return nil, fmt.Errorf("crc32c chunk too short: %d bytes", len(data))
			}
			data = data[:len(data)-4]
		default:
			return nil, fmt.Errorf("unsupported codec: %s", meta.byteCodecs[i])
		}
	}
	return data, nil
}

func inflate(rc io.ReadCloser, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func newZstdDecoder() (*zstd.Decoder, error) {
	return zstd.NewReader(nil)
}

// decodeNumbers interprets a decoded chunk as numbers.
func decodeNumbers(raw []byte, dt DType) ([]float64, error) {
	if !dt.Numeric() {
		return nil, fmt.Errorf("dtype %s is not numeric", dt)
	}
	if len(raw)%dt.Size != 0 {
		return nil, fmt.Errorf("chunk length %d is not a multiple of element size %d", len(raw), dt.Size)
	}
	n := len(raw) / dt.Size
	out := make([]float64, n)
	bo := dt.byteOrder()
	for i := 0; i < n; i++ {
		b := raw[i*dt.Size : (i+1)*dt.Size]
		switch dt.Kind {
		case KindBool:
			if b[0] != 0 {
				out[i] = 1
			}
		case KindInt:
			switch dt.Size {
			case 1:
				out[i] = float64(int8(b[0]))
			case 2:
				out[i] = float64(int16(bo.Uint16(b)))
			case 4:
				out[i] = float64(int32(bo.Uint32(b)))
			case 8:
				out[i] = float64(int64(bo.Uint64(b)))
			}
		case KindUint:
			switch dt.Size {
			case 1:
				out[i] = float64(b[0])
			case 2:
				out[i] = float64(bo.Uint16(b))
			case 4:
				out[i] = float64(bo.Uint32(b))
			case 8:
				out[i] = float64(bo.Uint64(b))
			}
		case KindFloat:
			if dt.Size == 4 {
				out[i] = float64(math.Float32frombits(bo.Uint32(b)))
			} else {
				out[i] = math.Float64frombits(bo.Uint64(b))
			}
		}
	}
	return out, nil
}

// decodeStrings interprets a decoded chunk as text. Variable-length strings
// use the numcodecs layout: a uint32 item count followed by uint32-length
// prefixed items, all little-endian.
func decodeStrings(raw []byte, dt DType) ([]string, error) {
	switch dt.Kind {
	case KindString:
		if len(raw) < 4 {
			return nil, fmt.Errorf("vlen chunk too short: %d bytes", len(raw))
		}
		n := int(binary.LittleEndian.Uint32(raw))
		pos := 4
		out := make([]string, n)
		for i := 0; i < n; i++ {
			if pos+4 > len(raw) {
				return nil, fmt.Errorf("vlen chunk truncated at item %d", i)
			}
			l := int(binary.LittleEndian.Uint32(raw[pos:]))
			pos += 4
			if pos+l > len(raw) {
				return nil, fmt.Errorf("vlen chunk truncated at item %d", i)
			}
			out[i] = string(raw[pos : pos+l])
			pos += l
		}
		return out, nil
	case KindBytes:
		n := len(raw) / dt.Size
		out := make([]string, n)
		for i := range out {
			out[i] = strings.TrimRight(string(raw[i*dt.Size:(i+1)*dt.Size]), "\x00")
		}
		return out, nil
	case KindUnicode:
		n := len(raw) / dt.Size
		bo := dt.byteOrder()
		out := make([]string, n)
		for i := range out {
			var sb strings.Builder
			item := raw[i*dt.Size : (i+1)*dt.Size]
			for j := 0; j+4 <= len(item); j += 4 {
				cp := rune(bo.Uint32(item[j:]))
				if cp == 0 {
					break
				}
				if !utf8.ValidRune(cp) {
					cp = utf8.RuneError
				}
				sb.WriteRune(cp)
			}
			out[i] = sb.String()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("dtype %s is not textual", dt)
	}
}

// numericFill resolves the fill value used for chunks absent from the store.
func numericFill(meta *ArrayMeta) (float64, error) {
	switch v := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		switch v {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("unsupported fill_value: %q", v)
	default:
		return 0, fmt.Errorf("unsupported fill_value type: %T", meta.FillValue)
	}
}

func stringFill(meta *ArrayMeta) string {
	if s, ok := meta.FillValue.(string); ok {
		return s
	}
	return ""
}
