// Package npz reads NumPy .npz archives (zip containers of .npy files) as
// produced by numpy.savez / mlx. Only little-endian f2/f4/f8 tensors in C
// order are supported, which covers exported model checkpoints.
package npz

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	ErrNotNPY          = fmt.Errorf("npz: not an npy entry")
	ErrUnsupportedType = fmt.Errorf("npz: unsupported dtype")
	ErrFortranOrder    = fmt.Errorf("npz: fortran order tensors are not supported")
)

// Tensor is a dense tensor decoded to float32.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Size returns the number of elements implied by the shape.
func (t *Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// File is an open npz archive. The backing bytes may be a read-only mapping;
// the file must be closed to release it. Decoded tensors do not alias the
// mapping and remain valid after Close.
type File struct {
	data    []byte
	mmapped bool
	entries map[string]*zip.File
}

// Open maps an npz file read-only and indexes its entries.
// If mmap is unavailable it falls back to reading the whole file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("npz: cannot index %q on this architecture", path)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		nf, parseErr := parseArchive(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return nf, nil
	}

	data, err = io.ReadAll(io.NewSectionReader(f, 0, size64))
	if err != nil {
		return nil, err
	}
	return parseArchive(data, false)
}

// OpenBytes indexes an npz archive held in memory.
func OpenBytes(data []byte) (*File, error) {
	return parseArchive(data, false)
}

func parseArchive(data []byte, mmapped bool) (*File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("npz: open archive: %w", err)
	}
	entries := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		entries[strings.TrimSuffix(zf.Name, ".npy")] = zf
	}
	return &File{data: data, mmapped: mmapped, entries: entries}, nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f.mmapped && f.data != nil {
		err := unix.Munmap(f.data)
		f.data = nil
		return err
	}
	f.data = nil
	return nil
}

// Names returns the tensor names in the archive, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the archive contains the named tensor.
func (f *File) Has(name string) bool {
	_, ok := f.entries[name]
	return ok
}

// Shape reads only the npy header of the named tensor.
func (f *File) Shape(name string) ([]int, error) {
	zf, ok := f.entries[name]
	if !ok {
		return nil, fmt.Errorf("npz: tensor %q not found", name)
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	_, shape, err := parseHeader(rc)
	return shape, err
}

// Tensor decodes the named tensor to float32.
func (f *File) Tensor(name string) (*Tensor, error) {
	zf, ok := f.entries[name]
	if !ok {
		return nil, fmt.Errorf("npz: tensor %q not found", name)
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	descr, shape, err := parseHeader(rc)
	if err != nil {
		return nil, fmt.Errorf("npz: %s: %w", name, err)
	}
	t := &Tensor{Shape: shape}
	n := t.Size()
	t.Data = make([]float32, n)

	elemSize := map[string]int{"<f2": 2, "<f4": 4, "<f8": 8}[descr]
	raw := make([]byte, n*elemSize)
	if _, err := io.ReadFull(rc, raw); err != nil {
		return nil, fmt.Errorf("npz: %s: payload: %w", name, err)
	}

	switch descr {
	case "<f4":
		for i := 0; i < n; i++ {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "<f2":
		for i := 0; i < n; i++ {
			t.Data[i] = fp16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "<f8":
		for i := 0; i < n; i++ {
			t.Data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}
	return t, nil
}

// parseHeader reads the npy magic, version, and header dict, returning the
// dtype descr and shape.
func parseHeader(r io.Reader) (string, []int, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return "", nil, err
	}
	if string(magic[:6]) != "\x93NUMPY" {
		return "", nil, ErrNotNPY
	}
	major := magic[6]

	var headerLen int
	switch major {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", nil, err
		}
		headerLen = int(binary.LittleEndian.Uint16(b[:]))
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", nil, err
		}
		headerLen = int(binary.LittleEndian.Uint32(b[:]))
	default:
		return "", nil, fmt.Errorf("npz: unsupported npy version %d", major)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", nil, err
	}
	dict := string(header)

	descr, err := dictString(dict, "descr")
	if err != nil {
		return "", nil, err
	}
	switch descr {
	case "<f2", "<f4", "<f8":
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedType, descr)
	}

	if strings.Contains(dict, "'fortran_order': True") {
		return "", nil, ErrFortranOrder
	}

	shape, err := dictShape(dict)
	if err != nil {
		return "", nil, err
	}
	return descr, shape, nil
}

func dictString(dict, key string) (string, error) {
	marker := "'" + key + "': '"
	i := strings.Index(dict, marker)
	if i < 0 {
		return "", fmt.Errorf("npz: header missing %q", key)
	}
	rest := dict[i+len(marker):]
	j := strings.IndexByte(rest, '\'')
	if j < 0 {
		return "", fmt.Errorf("npz: malformed header")
	}
	return rest[:j], nil
}

func dictShape(dict string) ([]int, error) {
	i := strings.Index(dict, "'shape': (")
	if i < 0 {
		return nil, fmt.Errorf("npz: header missing shape")
	}
	rest := dict[i+len("'shape': ("):]
	j := strings.IndexByte(rest, ')')
	if j < 0 {
		return nil, fmt.Errorf("npz: malformed shape")
	}
	fields := strings.Split(rest[:j], ",")
	shape := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		d, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("npz: malformed shape dim %q", f)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

// fp16ToF32 converts an IEEE 754 half-precision value to float32.
func fp16ToF32(u uint16) float32 {
	sign := uint32(u>>15) & 1
	exp := uint32(u>>10) & 0x1f
	frac := uint32(u) & 0x3ff

	var bits uint32
	switch {
	case exp == 0 && frac == 0:
		bits = sign << 31
	case exp == 0:
		// subnormal: normalize
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		bits = sign<<31 | e<<23 | frac<<13
	case exp == 0x1f:
		bits = sign<<31 | 0xff<<23 | frac<<13
	default:
		bits = sign<<31 | (exp-15+127)<<23 | frac<<13
	}
	return math.Float32frombits(bits)
}
