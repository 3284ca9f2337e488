package zarr

import (
	"encoding/binary"
	"testing"
)

func TestParseV2DType(t *testing.T) {
	tests := []struct {
		in      string
		want    DType
		wantErr bool
	}{
		{in: "<f4", want: DType{Kind: KindFloat, Size: 4}},
		{in: ">f8", want: DType{Kind: KindFloat, Size: 8, BigEndian: true}},
		{in: "|i1", want: DType{Kind: KindInt, Size: 1}},
		{in: "<u2", want: DType{Kind: KindUint, Size: 2}},
		{in: "|b1", want: DType{Kind: KindBool, Size: 1}},
		{in: "|O", want: DType{Kind: KindString}},
		{in: "<U3", want: DType{Kind: KindUnicode, Size: 12}},
		{in: "|S4", want: DType{Kind: KindBytes, Size: 4}},
		{in: "<f2", wantErr: true},
		{in: "<c8", wantErr: true},
		{in: "x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseV2DType(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseV2DType(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseV2DType(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseV2DType(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestDecodeStrings_FixedWidth(t *testing.T) {
	raw := make([]byte, 24)
	for i, r := range []rune{'a', 'b', 0, 'x', 0, 0} {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(r))
	}
	got, err := decodeStrings(raw, DType{Kind: KindUnicode, Size: 12})
	if err != nil {
		t.Fatalf("decodeStrings: %v", err)
	}
	if len(got) != 2 || got[0] != "ab" || got[1] != "x" {
		t.Fatalf("unexpected strings: %q", got)
	}

	got, err = decodeStrings([]byte("ab\x00\x00cdef"), DType{Kind: KindBytes, Size: 4})
	if err != nil {
		t.Fatalf("decodeStrings: %v", err)
	}
	if len(got) != 2 || got[0] != "ab" || got[1] != "cdef" {
		t.Fatalf("unexpected strings: %q", got)
	}
}

func TestDecodeStrings_Truncated(t *testing.T) {
	raw := []byte{2, 0, 0, 0, 5, 0, 0, 0, 'a'}
	if _, err := decodeStrings(raw, DType{Kind: KindString}); err == nil {
		t.Fatalf("expected error for truncated vlen chunk")
	}
}

func TestChunkKey(t *testing.T) {
	v3 := &ArrayMeta{keyPrefix: "c", keySep: "/"}
	if got := v3.chunkKey([]int{1, 0}); got != "c/1/0" {
		t.Fatalf("v3 key = %q", got)
	}
	if got := v3.chunkKey(nil); got != "c" {
		t.Fatalf("v3 scalar key = %q", got)
	}
	v2 := &ArrayMeta{keySep: "."}
	if got := v2.chunkKey([]int{1, 0}); got != "1.0" {
		t.Fatalf("v2 key = %q", got)
	}
	if got := v2.chunkKey(nil); got != "0" {
		t.Fatalf("v2 scalar key = %q", got)
	}
}
