package tensor

import (
	"fmt"
	"math/rand"
	"strings"
)

// Tensor is a dense row-major array with an explicit shape.
//
// Shape holds the extent of each dimension, outermost first. The element
// count of the buffer always equals the product of the shape. Tensor does no
// bounds checking beyond what Go slices provide; out-of-range indices panic.
type Tensor struct {
	shape []int
	buf   Buffer
}

// New allocates a zero-initialised tensor.
func New(dt DType, shape ...int) *Tensor {
	n, err := numElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{shape: append([]int(nil), shape...), buf: NewBuffer(dt, n)}
}

// FromFloat32 creates a tensor of dtype dt holding a rounded copy of data.
func FromFloat32(dt DType, data []float32, shape ...int) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, errDataMismatch(n, len(data))
	}
	t := &Tensor{shape: append([]int(nil), shape...), buf: NewBuffer(dt, n)}
	t.buf.Write(0, data)
	return t, nil
}

// FromInt32 creates an I32 tensor, used for masks and scalar lengths.
func FromInt32(data []int32, shape ...int) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, errDataMismatch(n, len(data))
	}
	t := &Tensor{shape: append([]int(nil), shape...), buf: NewBuffer(I32, n)}
	for i, v := range data {
		t.buf.SetInt32(i, v)
	}
	return t, nil
}

// View wraps an existing buffer. The buffer length must match the shape.
func View(buf Buffer, shape ...int) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if n != buf.Len() {
		return nil, errDataMismatch(n, buf.Len())
	}
	return &Tensor{shape: append([]int(nil), shape...), buf: buf}, nil
}

func (t *Tensor) DType() DType   { return t.buf.DType() }
func (t *Tensor) Buffer() Buffer { return t.buf }
func (t *Tensor) Rank() int      { return len(t.shape) }
func (t *Tensor) Len() int       { return t.buf.Len() }

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns dimension i, or 0 when i is out of range.
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.shape) {
		return 0
	}
	return t.shape[i]
}

// Float32s returns a decoded copy of the data.
func (t *Tensor) Float32s() []float32 { return t.buf.Float32s() }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{shape: t.Shape(), buf: NewBuffer(t.DType(), t.Len())}
	c.buf.CopyFrom(0, t.buf, 0, t.Len())
	return c
}

// ShapeString formats the shape as "[a,b,c]".
func (t *Tensor) ShapeString() string {
	return FormatShape(t.shape)
}

func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// FillRand fills a float tensor with reproducible pseudo-random values in
// roughly (-scale/2, scale/2). The same seed always produces the same data.
func FillRand(t *Tensor, seed int64, scale float32) {
	if !t.DType().IsFloat() {
		panic("FillRand only supports float tensors")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Len() {
		t.buf.Set(i, (rng.Float32()-0.5)*scale)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errNegativeDim
		}
		if d != 0 && n > int(^uint(0)>>1)/d {
			return 0, errTensorTooLarge
		}
		n *= d
	}
	return n, nil
}

func errDataMismatch(want, got int) error {
	return fmt.Errorf("%w: shape needs %d elements, have %d", errDataLength, want, got)
}

var (
	errNegativeDim    = fmtError("negative dimension for tensor")
	errTensorTooLarge = fmtError("tensor too large")
	errDataLength     = fmtError("data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
