package main

import (
	"fmt"
	"math"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/fmha"
	"github.com/samcharles93/fmha/internal/logger"
	"github.com/samcharles93/fmha/internal/tensor"
)

func (s shape) validate() error {
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"batch", s.batch},
		{"seq-len", s.seqLen},
		{"hidden-in", s.hiddenIn},
		{"heads", s.numHeads},
		{"head-size", s.headSize},
	} {
		if f.v <= 0 {
			return fmt.Errorf("--%s must be positive, got %d", f.name, f.v)
		}
	}
	if s.vHeadSize < 0 {
		return fmt.Errorf("--v-head-size must not be negative, got %d", s.vHeadSize)
	}
	if len(s.maskLens) > 0 && int64(len(s.maskLens)) != s.batch {
		return fmt.Errorf("--mask-len given %d times for batch %d", len(s.maskLens), s.batch)
	}
	return nil
}

func (s shape) options(dt tensor.DType) attention.NodeOptions {
	opts := attention.NodeOptions{
		NumHeads:       int(s.numHeads),
		Unidirectional: s.causal,
		DType:          dt,
	}
	if s.vHeadSize > 0 && s.vHeadSize != s.headSize {
		hidden := int(s.numHeads * s.headSize)
		opts.QKVHiddenSizes = []int{hidden, hidden, int(s.numHeads * s.vHeadSize)}
	}
	return opts
}

// projection returns random weights and bias for the shape.
func (s shape) projection(dt tensor.DType) (weights, bias *tensor.Tensor) {
	vHead := s.vHeadSize
	if vHead == 0 {
		vHead = s.headSize
	}
	width := int(s.numHeads * (2*s.headSize + vHead))
	weights = tensor.New(dt, int(s.hiddenIn), width)
	bias = tensor.New(dt, width)
	// Scaled so projected activations stay near unit variance.
	tensor.FillRand(weights, s.seed+1, float32(2*math.Sqrt(3/float64(s.hiddenIn))))
	tensor.FillRand(bias, s.seed+2, 0.2)
	return weights, bias
}

// tokens returns a [batch, n, hidden-in] input; offset selects which slice
// of the generated stream it is.
func (s shape) tokens(dt tensor.DType, n int, offset int64) *tensor.Tensor {
	t := tensor.New(dt, int(s.batch), n, int(s.hiddenIn))
	tensor.FillRand(t, s.seed+100+offset, 2)
	return t
}

func (s shape) inputs(dt tensor.DType) (attention.Inputs, error) {
	weights, bias := s.projection(dt)
	in := attention.Inputs{
		Input:   s.tokens(dt, int(s.seqLen), 0),
		Weights: weights,
		Bias:    bias,
	}
	if len(s.maskLens) > 0 {
		lens := make([]int32, len(s.maskLens))
		for i, v := range s.maskLens {
			lens[i] = int32(v)
		}
		mask, err := tensor.FromInt32(lens, len(lens))
		if err != nil {
			return attention.Inputs{}, err
		}
		in.Mask = mask
	}
	return in, nil
}

// newNode builds a node for the resolved engine settings on a fresh
// stream and arena.
func newNode(settings engineSettings, opts attention.NodeOptions, log logger.Logger) (*attention.Node, *device.Arena, func(), error) {
	stream := device.NewStream()
	arena := device.NewArena(settings.memoryLimit)
	flags := settings.flags
	node, err := attention.NewNode(opts, attention.Backend{
		Device:    settings.props,
		Stream:    stream,
		Allocator: arena,
		Kernels:   fmha.Kernels{},
		Flags:     &flags,
		Logger:    log,
	})
	if err != nil {
		_ = stream.Destroy()
		return nil, nil, nil, err
	}
	return node, arena, func() { _ = stream.Destroy() }, nil
}

type summary struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	RMS  float64 `json:"rms"`
}

func summarize(values []float32) summary {
	if len(values) == 0 {
		return summary{}
	}
	out := summary{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum, sq float64
	for _, v := range values {
		f := float64(v)
		out.Min = min(out.Min, f)
		out.Max = max(out.Max, f)
		sum += f
		sq += f * f
	}
	out.Mean = sum / float64(len(values))
	out.RMS = math.Sqrt(sq / float64(len(values)))
	return out
}

func maxAbsDiff(a, b []float32) float64 {
	var d float64
	for i := range min(len(a), len(b)) {
		d = max(d, math.Abs(float64(a[i]-b[i])))
	}
	return d
}

// validRowsDiff compares two [batch, seq, width] outputs over the query rows
// inside each sequence's valid length.
func (s shape) validRowsDiff(a, b []float32, width int) float64 {
	seq := int(s.seqLen)
	var d float64
	for bi := range int(s.batch) {
		valid := seq
		if len(s.maskLens) > 0 {
			valid = min(max(int(s.maskLens[bi]), 0), seq)
		}
		off := bi * seq * width
		d = max(d, maxAbsDiff(a[off:off+valid*width], b[off:off+valid*width]))
	}
	return d
}
