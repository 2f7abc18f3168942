// Package blas is the dense linear-algebra backend used by the attention
// engine. Calls validate their arguments on the host and enqueue the actual
// multiply on the handle's stream, mirroring a cuBLAS handle bound to a
// CUDA stream. Arithmetic runs in float32 through gonum's blas32; half
// precision operands are widened on load and rounded on store.
package blas

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/tensor"
)

// ErrInvalidValue reports a dimension or leading-dimension violation.
var ErrInvalidValue = errors.New("blas: invalid value")

// Handle binds gemm calls to a stream.
type Handle struct {
	stream  *device.Stream
	workers int
}

func NewHandle(s *device.Stream) (*Handle, error) {
	if s == nil {
		return nil, errors.New("blas handle requires a stream")
	}
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	return &Handle{stream: s, workers: workers}, nil
}

// Stream returns the stream the handle enqueues on.
func (h *Handle) Stream() *device.Stream { return h.stream }

// Op describes one row-major matrix product C = alpha*op(A)*op(B) + beta*C
// where op(A) is m x k, op(B) is k x n and C is m x n.
type Op struct {
	TransA, TransB bool
	M, N, K        int
	Alpha, Beta    float32
	A              tensor.Buffer
	LdA            int
	B              tensor.Buffer
	LdB            int
	C              tensor.Buffer
	LdC            int
}

// BatchEntry gives the element offsets of one product inside A, B and C.
type BatchEntry struct {
	A, B, C int
}

// Gemm enqueues a single product.
func (h *Handle) Gemm(op Op) error {
	return h.GemmBatched(op, []BatchEntry{{}})
}

// GemmBatched enqueues len(batch) products sharing the same geometry, each
// at its own offsets. Products run in parallel; callers must make sure the
// C regions of different entries do not overlap.
func (h *Handle) GemmBatched(op Op, batch []BatchEntry) error {
	if err := op.validate(batch); err != nil {
		return err
	}
	if op.M == 0 || op.N == 0 || len(batch) == 0 {
		return nil
	}
	return h.stream.Enqueue("gemm", func() error {
		if len(batch) == 1 {
			op.run(batch[0])
			return nil
		}
		var g errgroup.Group
		g.SetLimit(h.workers)
		for _, e := range batch {
			g.Go(func() error {
				op.run(e)
				return nil
			})
		}
		return g.Wait()
	})
}

func (op Op) dims() (aRows, aCols, bRows, bCols int) {
	aRows, aCols = op.M, op.K
	if op.TransA {
		aRows, aCols = op.K, op.M
	}
	bRows, bCols = op.K, op.N
	if op.TransB {
		bRows, bCols = op.N, op.K
	}
	return
}

func (op Op) validate(batch []BatchEntry) error {
	if op.M < 0 || op.N < 0 || op.K < 0 {
		return fmt.Errorf("%w: m=%d n=%d k=%d", ErrInvalidValue, op.M, op.N, op.K)
	}
	aRows, aCols, bRows, bCols := op.dims()
	if op.LdA < max(1, aCols) || op.LdB < max(1, bCols) || op.LdC < max(1, op.N) {
		return fmt.Errorf("%w: lda=%d ldb=%d ldc=%d for m=%d n=%d k=%d", ErrInvalidValue, op.LdA, op.LdB, op.LdC, op.M, op.N, op.K)
	}
	for i, e := range batch {
		if !fits(op.A, e.A, aRows, aCols, op.LdA) {
			return fmt.Errorf("%w: batch %d A out of range", ErrInvalidValue, i)
		}
		if !fits(op.B, e.B, bRows, bCols, op.LdB) {
			return fmt.Errorf("%w: batch %d B out of range", ErrInvalidValue, i)
		}
		if !fits(op.C, e.C, op.M, op.N, op.LdC) {
			return fmt.Errorf("%w: batch %d C out of range", ErrInvalidValue, i)
		}
	}
	return nil
}

func fits(b tensor.Buffer, off, rows, cols, ld int) bool {
	if rows == 0 || cols == 0 {
		return true
	}
	return off >= 0 && off+span(rows, cols, ld) <= b.Len()
}

func span(rows, cols, ld int) int {
	return (rows-1)*ld + cols
}

func (op Op) run(e BatchEntry) {
	aRows, aCols, bRows, bCols := op.dims()
	a := load(op.A, e.A, aRows, aCols, op.LdA)
	b := load(op.B, e.B, bRows, bCols, op.LdB)

	var c blas32.General
	cData, direct := op.C.Float32Data()
	if direct {
		c = blas32.General{Rows: op.M, Cols: op.N, Stride: op.LdC, Data: cData[e.C : e.C+span(op.M, op.N, op.LdC)]}
	} else {
		c = blas32.General{Rows: op.M, Cols: op.N, Stride: op.N, Data: make([]float32, op.M*op.N)}
		if op.Beta != 0 {
			for r := range op.M {
				op.C.Read(c.Data[r*op.N:(r+1)*op.N], e.C+r*op.LdC)
			}
		}
	}

	if op.K == 0 {
		for r := range op.M {
			row := c.Data[r*c.Stride : r*c.Stride+op.N]
			for j := range row {
				row[j] *= op.Beta
			}
		}
	} else {
		blas32.Gemm(transpose(op.TransA), transpose(op.TransB), op.Alpha, a, b, op.Beta, c)
	}

	if !direct {
		for r := range op.M {
			op.C.Write(e.C+r*op.LdC, c.Data[r*op.N:(r+1)*op.N])
		}
	}
}

func load(buf tensor.Buffer, off, rows, cols, ld int) blas32.General {
	if rows == 0 || cols == 0 {
		return blas32.General{Rows: rows, Cols: cols, Stride: max(1, cols), Data: nil}
	}
	n := span(rows, cols, ld)
	if data, ok := buf.Float32Data(); ok {
		return blas32.General{Rows: rows, Cols: cols, Stride: ld, Data: data[off : off+n]}
	}
	data := make([]float32, rows*cols)
	for r := range rows {
		buf.Read(data[r*cols:(r+1)*cols], off+r*ld)
	}
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}
