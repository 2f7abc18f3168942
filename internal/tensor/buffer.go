package tensor

import (
	"fmt"
	"unsafe"

	"github.com/x448/float16"
)

// Buffer is a flat, typed view over device memory. Float buffers are read and
// written through float32; F16 buffers round on every store so intermediate
// results carry the precision loss of half storage.
//
// Slicing a Buffer returns a view sharing the same storage.
type Buffer struct {
	dtype DType
	f32   []float32
	f16   []float16.Float16
	i32   []int32
}

// NewBuffer allocates a zeroed buffer of n elements.
func NewBuffer(dt DType, n int) Buffer {
	if n < 0 {
		panic("negative buffer length")
	}
	switch dt {
	case F32:
		return Buffer{dtype: dt, f32: make([]float32, n)}
	case F16:
		return Buffer{dtype: dt, f16: make([]float16.Float16, n)}
	case I32:
		return Buffer{dtype: dt, i32: make([]int32, n)}
	default:
		panic(fmt.Sprintf("unsupported dtype %v", dt))
	}
}

// BufferFromBytes reinterprets raw as n elements of dt without copying.
// raw must be aligned for dt and hold at least n*dt.Size() bytes.
func BufferFromBytes(dt DType, raw []byte, n int) (Buffer, error) {
	need := n * dt.Size()
	if n < 0 || dt.Size() == 0 {
		return Buffer{}, fmt.Errorf("invalid view: dtype=%v n=%d", dt, n)
	}
	if len(raw) < need {
		return Buffer{}, fmt.Errorf("view of %d %v elements needs %d bytes, have %d", n, dt, need, len(raw))
	}
	if n == 0 {
		return NewBuffer(dt, 0), nil
	}
	if uintptr(unsafe.Pointer(&raw[0]))%uintptr(dt.Size()) != 0 {
		return Buffer{}, fmt.Errorf("misaligned %v view", dt)
	}
	p := unsafe.Pointer(&raw[0])
	switch dt {
	case F32:
		return Buffer{dtype: dt, f32: unsafe.Slice((*float32)(p), n)}, nil
	case F16:
		return Buffer{dtype: dt, f16: unsafe.Slice((*float16.Float16)(p), n)}, nil
	default:
		return Buffer{dtype: dt, i32: unsafe.Slice((*int32)(p), n)}, nil
	}
}

func (b Buffer) DType() DType { return b.dtype }

func (b Buffer) Len() int {
	switch b.dtype {
	case F32:
		return len(b.f32)
	case F16:
		return len(b.f16)
	case I32:
		return len(b.i32)
	default:
		return 0
	}
}

// Slice returns the view [off, off+n).
func (b Buffer) Slice(off, n int) Buffer {
	switch b.dtype {
	case F32:
		return Buffer{dtype: b.dtype, f32: b.f32[off : off+n : off+n]}
	case F16:
		return Buffer{dtype: b.dtype, f16: b.f16[off : off+n : off+n]}
	case I32:
		return Buffer{dtype: b.dtype, i32: b.i32[off : off+n : off+n]}
	default:
		panic("slice of empty buffer")
	}
}

// At decodes element i to float32.
func (b Buffer) At(i int) float32 {
	switch b.dtype {
	case F32:
		return b.f32[i]
	case F16:
		return b.f16[i].Float32()
	default:
		return float32(b.i32[i])
	}
}

// Set stores v at element i, rounding to the buffer's precision.
func (b Buffer) Set(i int, v float32) {
	switch b.dtype {
	case F32:
		b.f32[i] = v
	case F16:
		b.f16[i] = float16.Fromfloat32(v)
	default:
		b.i32[i] = int32(v)
	}
}

// Int32 reads element i of an I32 buffer.
func (b Buffer) Int32(i int) int32 {
	if b.dtype != I32 {
		return int32(b.At(i))
	}
	return b.i32[i]
}

// SetInt32 writes element i of an I32 buffer.
func (b Buffer) SetInt32(i int, v int32) {
	if b.dtype != I32 {
		b.Set(i, float32(v))
		return
	}
	b.i32[i] = v
}

// Read decodes len(dst) elements starting at off.
func (b Buffer) Read(dst []float32, off int) {
	switch b.dtype {
	case F32:
		copy(dst, b.f32[off:off+len(dst)])
	case F16:
		src := b.f16[off : off+len(dst)]
		for i, h := range src {
			dst[i] = h.Float32()
		}
	default:
		src := b.i32[off : off+len(dst)]
		for i, v := range src {
			dst[i] = float32(v)
		}
	}
}

// Write encodes src into the buffer starting at off.
func (b Buffer) Write(off int, src []float32) {
	switch b.dtype {
	case F32:
		copy(b.f32[off:off+len(src)], src)
	case F16:
		dst := b.f16[off : off+len(src)]
		for i, v := range src {
			dst[i] = float16.Fromfloat32(v)
		}
	default:
		dst := b.i32[off : off+len(src)]
		for i, v := range src {
			dst[i] = int32(v)
		}
	}
}

// CopyFrom copies n elements from src[srcOff:] into b[dstOff:]. Same-dtype
// copies are bit exact.
func (b Buffer) CopyFrom(dstOff int, src Buffer, srcOff, n int) {
	if n <= 0 {
		return
	}
	if b.dtype == src.dtype {
		switch b.dtype {
		case F32:
			copy(b.f32[dstOff:dstOff+n], src.f32[srcOff:srcOff+n])
		case F16:
			copy(b.f16[dstOff:dstOff+n], src.f16[srcOff:srcOff+n])
		default:
			copy(b.i32[dstOff:dstOff+n], src.i32[srcOff:srcOff+n])
		}
		return
	}
	for i := range n {
		b.Set(dstOff+i, src.At(srcOff+i))
	}
}

// Float32s returns a decoded copy of the whole buffer.
func (b Buffer) Float32s() []float32 {
	out := make([]float32, b.Len())
	b.Read(out, 0)
	return out
}

// Zero clears the buffer.
func (b Buffer) Zero() {
	switch b.dtype {
	case F32:
		clear(b.f32)
	case F16:
		clear(b.f16)
	case I32:
		clear(b.i32)
	}
}

// Round returns v rounded through dt's storage precision.
func Round(dt DType, v float32) float32 {
	if dt == F16 {
		return float16.Fromfloat32(v).Float32()
	}
	return v
}

// SameStorage reports whether a and b view the same first element.
func SameStorage(a, b Buffer) bool {
	if a.dtype != b.dtype || a.Len() == 0 || b.Len() == 0 {
		return false
	}
	switch a.dtype {
	case F32:
		return &a.f32[0] == &b.f32[0]
	case F16:
		return &a.f16[0] == &b.f16[0]
	default:
		return &a.i32[0] == &b.i32[0]
	}
}

// Float32Data exposes the backing slice of an F32 buffer for zero-copy
// kernels. ok is false for other dtypes.
func (b Buffer) Float32Data() (data []float32, ok bool) {
	if b.dtype != F32 {
		return nil, false
	}
	return b.f32, true
}
