package attention

import (
	"github.com/samcharles93/fmha/internal/blas"
	"github.com/samcharles93/fmha/internal/tensor"
)

// project enqueues dst[B*S, q+k+v] = input[B*S, D] x weights[D, q+k+v].
// The bias is applied later, during the per-head transpose.
func project(h *blas.Handle, p Parameters, input, weights *tensor.Tensor, dst tensor.Buffer) error {
	width := p.ProjectionWidth()
	return h.Gemm(blas.Op{
		M:     p.BatchSize * p.SequenceLength,
		N:     width,
		K:     p.InputHiddenSize,
		Alpha: 1,
		A:     input.Buffer(),
		LdA:   p.InputHiddenSize,
		B:     weights.Buffer(),
		LdB:   width,
		C:     dst,
		LdC:   width,
	})
}
