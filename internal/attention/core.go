package attention

import (
	"math"

	"github.com/samcharles93/fmha/internal/blas"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/tensor"
)

// call is the per-invocation state shared by the execution paths.
type call struct {
	p       Parameters
	in      Inputs
	stream  *device.Stream
	blas    *blas.Handle
	layout  workspaceLayout
	scratch *device.Scratch
	proj    tensor.Buffer  // [B*S, q+k+v], bias not applied
	present *tensor.Tensor // nil when the call has no cache
	output  *tensor.Tensor // [B, S, v_hidden]
}

// executionPath turns the projected activations into the output (and the
// present cache suffix).
type executionPath interface {
	fused() bool
	execute(c *call) error
}

func (c *call) region(dt tensor.DType, off, elems int) (tensor.Buffer, error) {
	return tensor.BufferFromBytes(dt, c.scratch.Region(off, elems*dt.Size()), elems)
}

// addBias writes src[srcOff:srcOff+n] + bias[biasOff:biasOff+n] to dst.
func addBias(dst tensor.Buffer, dstOff int, src tensor.Buffer, srcOff int, bias tensor.Buffer, biasOff int, row, tmp []float32) {
	src.Read(row, srcOff)
	bias.Read(tmp, biasOff)
	for i := range row {
		row[i] += tmp[i]
	}
	dst.Write(dstOff, row)
}

type genericPath struct{}

func (genericPath) fused() bool { return false }

func (genericPath) execute(c *call) error {
	p := c.p
	b, n, s, l, t := p.BatchSize, p.NumHeads, p.SequenceLength, p.KVSequenceLength, p.TotalSequenceLength
	hs, vs := p.HeadSize, p.VHeadSize
	dt := p.DType

	q, err := c.region(dt, c.layout.q, b*n*s*hs)
	if err != nil {
		return err
	}
	k, err := c.region(dt, c.layout.k, b*n*l*hs)
	if err != nil {
		return err
	}
	v, err := c.region(dt, c.layout.v, b*n*l*vs)
	if err != nil {
		return err
	}
	scores, err := c.region(dt, c.layout.scores, b*n*s*t)
	if err != nil {
		return err
	}
	probs, err := c.region(dt, c.layout.probs, b*n*s*t)
	if err != nil {
		return err
	}

	if err := c.transposeQKV(q, k, v); err != nil {
		return err
	}

	// Keys and values are read from the present cache when there is one,
	// so the past and the new suffix form one contiguous sequence.
	keys, values := k, v
	keyOff := func(bi, h int) int { return (bi*n + h) * l * hs }
	valOff := func(bi, h int) int { return (bi*n + h) * l * vs }
	valLd := vs
	if c.present != nil {
		capacity := c.present.Dim(3)
		keys, values = c.present.Buffer(), c.present.Buffer()
		keyOff = func(bi, h int) int { return cacheOffset(p, capacity, 0, bi, h, 0) }
		valOff = func(bi, h int) int { return cacheOffset(p, capacity, 1, bi, h, 0) }
		valLd = hs
	}

	qk := make([]blas.BatchEntry, 0, b*n)
	pv := make([]blas.BatchEntry, 0, b*n)
	for bi := range b {
		for h := range n {
			bh := bi*n + h
			qk = append(qk, blas.BatchEntry{A: bh * s * hs, B: keyOff(bi, h), C: bh * s * t})
			pv = append(pv, blas.BatchEntry{A: bh * s * t, B: valOff(bi, h), C: bi*s*n*vs + h*vs})
		}
	}

	if err := c.blas.GemmBatched(blas.Op{
		TransB: true,
		M:      s,
		N:      t,
		K:      hs,
		Alpha:  p.Scale,
		A:      q,
		LdA:    hs,
		B:      keys,
		LdB:    hs,
		C:      scores,
		LdC:    t,
	}, qk); err != nil {
		return err
	}

	if err := c.stream.Enqueue("mask softmax", func() error {
		return forEachHead(b, n, func(bi, h int) {
			c.softmaxHead(scores, probs, bi, h)
		})
	}); err != nil {
		return err
	}

	// The context lands directly in [B, S, N*Hv]: each head owns a column
	// block of width Hv in rows of stride N*Hv.
	return c.blas.GemmBatched(blas.Op{
		M:     s,
		N:     vs,
		K:     t,
		Alpha: 1,
		A:     probs,
		LdA:   t,
		B:     values,
		LdB:   valLd,
		C:     c.output.Buffer(),
		LdC:   n * vs,
	}, pv)
}

// transposeQKV splits the projection into per-head Q, K and V with the
// bias added. With a present cache, K and V go straight into positions
// [P, P+L) of the cache instead of the staging buffers.
func (c *call) transposeQKV(q, k, v tensor.Buffer) error {
	p := c.p
	b, n, s, l := p.BatchSize, p.NumHeads, p.SequenceLength, p.KVSequenceLength
	hs, vs := p.HeadSize, p.VHeadSize
	width := p.ProjectionWidth()
	kBase, vBase := p.HiddenSize, 2*p.HiddenSize
	bias := c.in.Bias.Buffer()
	return c.stream.Enqueue("add bias transpose", func() error {
		return forEachHead(b, n, func(bi, h int) {
			row := make([]float32, max(hs, vs))
			tmp := make([]float32, max(hs, vs))
			for si := range s {
				src := (bi*s + si) * width
				addBias(q, ((bi*n+h)*s+si)*hs, c.proj, src+h*hs, bias, h*hs, row[:hs], tmp[:hs])

				kDst, vDst := k, v
				kOff, vOff := ((bi*n+h)*l+si)*hs, ((bi*n+h)*l+si)*vs
				if c.present != nil {
					capacity := c.present.Dim(3)
					pos := p.PastSequenceLength + si
					kDst, vDst = c.present.Buffer(), c.present.Buffer()
					kOff = cacheOffset(p, capacity, 0, bi, h, pos)
					vOff = cacheOffset(p, capacity, 1, bi, h, pos)
				}
				addBias(kDst, kOff, c.proj, src+kBase+h*hs, bias, kBase+h*hs, row[:hs], tmp[:hs])
				addBias(vDst, vOff, c.proj, src+vBase+h*vs, bias, vBase+h*vs, row[:vs], tmp[:vs])
			}
		})
	})
}

// softmaxHead normalises the score rows of one (batch, head). Keys after
// the query's own position are excluded in causal mode; masked keys get
// the mask filter value added. A row with no allowed key is all zeros.
func (c *call) softmaxHead(scores, probs tensor.Buffer, b, h int) {
	p := c.p
	s, t := p.SequenceLength, p.TotalSequenceLength
	var extra tensor.Buffer
	if c.in.ExtraBias != nil {
		extra = c.in.ExtraBias.Buffer()
	}
	row := make([]float32, t)
	bias := make([]float32, t)
	masked := make([]bool, t)
	for i := range s {
		off := ((b*p.NumHeads+h)*s + i) * t
		scores.Read(row, off)
		if c.in.ExtraBias != nil {
			extra.Read(bias, off)
			for j := range row {
				row[j] += bias[j]
			}
		}

		limit := t
		if p.IsUnidirectional {
			limit = min(t, p.PastSequenceLength+i+1)
		}
		allowed := 0
		for j := range limit {
			masked[j] = !c.maskAllows(b, i, j)
			if !masked[j] {
				allowed++
			}
		}
		if allowed == 0 {
			clear(row)
			probs.Write(off, row)
			continue
		}

		maxVal := float32(math.Inf(-1))
		for j := range limit {
			if masked[j] {
				row[j] += p.MaskFilterValue
			}
			maxVal = max(maxVal, row[j])
		}
		var sum float64
		for j := range limit {
			e := math.Exp(float64(row[j] - maxVal))
			row[j] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for j := range limit {
			row[j] *= inv
		}
		clear(row[limit:])
		probs.Write(off, row)
	}
}

func (c *call) maskAllows(b, i, j int) bool {
	if c.in.Mask == nil {
		return true
	}
	m := c.in.Mask.Buffer()
	p := c.p
	switch p.MaskType {
	case Mask1DKeySeqLen:
		return j < int(m.Int32(b))
	case Mask1DEndStart:
		return j < int(m.Int32(b)) && j >= int(m.Int32(p.BatchSize+b))
	case Mask2DKeyPadding:
		return m.Int32(b*p.TotalSequenceLength+j) != 0
	case Mask3DAttention:
		return m.Int32((b*p.SequenceLength+i)*p.TotalSequenceLength+j) != 0
	default:
		return true
	}
}

type fusedPath struct {
	runner FusedRunner
}

func (fusedPath) fused() bool { return true }

// execute packs Q, K and V as [B, S, N, 3, H], builds the cumulative
// sequence length table and hands off to the runner.
func (f fusedPath) execute(c *call) error {
	p := c.p
	b, n, s, hs := p.BatchSize, p.NumHeads, p.SequenceLength, p.HeadSize
	packed, err := c.region(p.DType, c.layout.q, b*s*n*3*hs)
	if err != nil {
		return err
	}
	cu, err := c.region(tensor.I32, c.layout.aux, b+1)
	if err != nil {
		return err
	}

	width := p.ProjectionWidth()
	bias := c.in.Bias.Buffer()
	if err := c.stream.Enqueue("pack qkv", func() error {
		return forEachHead(b, n, func(bi, h int) {
			row := make([]float32, hs)
			tmp := make([]float32, hs)
			for si := range s {
				src := (bi*s + si) * width
				dst := ((bi*s+si)*n + h) * 3 * hs
				for part := range 3 {
					col := part*p.HiddenSize + h*hs
					addBias(packed, dst+part*hs, c.proj, src+col, bias, col, row, tmp)
				}
			}
		})
	}); err != nil {
		return err
	}

	if c.present != nil {
		if err := c.stream.Enqueue("present from packed", func() error {
			capacity := c.present.Dim(3)
			dst := c.present.Buffer()
			for bi := range b {
				for si := range s {
					pos := p.PastSequenceLength + si
					for h := range n {
						src := ((bi*s+si)*n + h) * 3 * hs
						dst.CopyFrom(cacheOffset(p, capacity, 0, bi, h, pos), packed, src+hs, hs)
						dst.CopyFrom(cacheOffset(p, capacity, 1, bi, h, pos), packed, src+2*hs, hs)
					}
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if err := c.stream.Enqueue("sequence offsets", func() error {
		var total int32
		cu.SetInt32(0, 0)
		for bi := range b {
			valid := int32(s)
			if c.in.Mask != nil {
				valid = min(max(c.in.Mask.Buffer().Int32(bi), 0), int32(s))
			}
			total += valid
			cu.SetInt32(bi+1, total)
		}
		return nil
	}); err != nil {
		return err
	}

	return f.runner.Run(c.stream, FusedArgs{
		BatchSize: b,
		SeqLen:    s,
		NumHeads:  n,
		HeadSize:  hs,
		Scale:     p.Scale,
		Causal:    p.IsUnidirectional,
		QKV:       packed,
		CuSeqLens: cu,
		Output:    c.output.Buffer(),
	})
}
