package npz

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// buildNPY encodes a float32 tensor as a version 1.0 npy file.
func buildNPY(shape []int, data []float32) []byte {
	shapeStr := ""
	for _, d := range shape {
		shapeStr += fmt.Sprintf("%d, ", d)
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shapeStr)
	for (len(header)+11)%64 != 0 {
		header += " "
	}
	header += "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.WriteByte(1)
	buf.WriteByte(0)
	var hl [2]byte
	binary.LittleEndian.PutUint16(hl[:], uint16(len(header)))
	buf.Write(hl[:])
	buf.WriteString(header)
	for _, v := range data {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func buildNPZ(t *testing.T, tensors map[string]*Tensor) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, tensor := range tensors {
		w, err := zw.Create(name + ".npy")
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := w.Write(buildNPY(tensor.Shape, tensor.Data)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func TestOpenBytesRoundTrip(t *testing.T) {
	want := map[string]*Tensor{
		"norm.weight":   {Shape: []int{3}, Data: []float32{1, 2, 3}},
		"output.weight": {Shape: []int{2, 3}, Data: []float32{0.5, -1, 2, 0, 7, -0.25}},
	}
	f, err := OpenBytes(buildNPZ(t, want))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	names := f.Names()
	if len(names) != 2 || names[0] != "norm.weight" || names[1] != "output.weight" {
		t.Fatalf("unexpected names: %v", names)
	}

	for name, wantT := range want {
		got, err := f.Tensor(name)
		if err != nil {
			t.Fatalf("tensor %s: %v", name, err)
		}
		if len(got.Shape) != len(wantT.Shape) {
			t.Fatalf("%s: shape %v want %v", name, got.Shape, wantT.Shape)
		}
		for i := range got.Shape {
			if got.Shape[i] != wantT.Shape[i] {
				t.Fatalf("%s: shape %v want %v", name, got.Shape, wantT.Shape)
			}
		}
		for i := range got.Data {
			if got.Data[i] != wantT.Data[i] {
				t.Fatalf("%s: data[%d]=%v want %v", name, i, got.Data[i], wantT.Data[i])
			}
		}
	}
}

func TestOpenFileUsesMapping(t *testing.T) {
	raw := buildNPZ(t, map[string]*Tensor{
		"w": {Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
	})
	path := filepath.Join(t.TempDir(), "weights.npz")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tensor, err := f.Tensor("w")
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Decoded data must survive closing the mapping.
	if tensor.Data[3] != 4 {
		t.Fatalf("data[3]=%v want 4", tensor.Data[3])
	}
}

func TestShapeHeaderOnly(t *testing.T) {
	f, err := OpenBytes(buildNPZ(t, map[string]*Tensor{
		"layers.0.feed_forward.w1.weight": {Shape: []int{8, 4}, Data: make([]float32, 32)},
	}))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	shape, err := f.Shape("layers.0.feed_forward.w1.weight")
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if len(shape) != 2 || shape[0] != 8 || shape[1] != 4 {
		t.Fatalf("shape=%v", shape)
	}
	if _, err := f.Shape("missing"); err == nil {
		t.Fatalf("expected error for missing tensor")
	}
}

func TestFp16Decode(t *testing.T) {
	cases := []struct {
		bits uint16
		want float32
	}{
		{0x0000, 0},
		{0x3c00, 1},
		{0xbc00, -1},
		{0x4000, 2},
		{0x3555, 0.333251953125},
	}
	for _, c := range cases {
		if got := fp16ToF32(c.bits); got != c.want {
			t.Fatalf("fp16(%#x)=%v want %v", c.bits, got, c.want)
		}
	}
}
