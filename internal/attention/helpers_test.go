package attention_test

import (
	"testing"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/config"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/tensor"
)

// fixture holds the projection tensors of one test configuration.
type fixture struct {
	dt                 tensor.DType
	batch, seq, dIn    int
	heads, headSize    int
	input, weights, bb *tensor.Tensor
}

func newFixture(dt tensor.DType, batch, seq, dIn, heads, headSize int, seed int64) fixture {
	width := 3 * heads * headSize
	f := fixture{
		dt:       dt,
		batch:    batch,
		seq:      seq,
		dIn:      dIn,
		heads:    heads,
		headSize: headSize,
		input:    tensor.New(dt, batch, seq, dIn),
		weights:  tensor.New(dt, dIn, width),
		bb:       tensor.New(dt, width),
	}
	tensor.FillRand(f.input, seed, 2)
	tensor.FillRand(f.weights, seed+1, 1)
	tensor.FillRand(f.bb, seed+2, 0.5)
	return f
}

func (f fixture) inputs() attention.Inputs {
	return attention.Inputs{Input: f.input, Weights: f.weights, Bias: f.bb}
}

// rows returns a [batch, len(positions), dIn] input built from the given
// sequence positions of the fixture input.
func (f fixture) rows(positions ...int) *tensor.Tensor {
	out := tensor.New(f.dt, f.batch, len(positions), f.dIn)
	for b := range f.batch {
		for i, pos := range positions {
			out.Buffer().CopyFrom((b*len(positions)+i)*f.dIn, f.input.Buffer(), (b*f.seq+pos)*f.dIn, f.dIn)
		}
	}
	return out
}

type nodeConfig struct {
	opts    attention.NodeOptions
	device  string
	kernels attention.FusedKernels
	flags   config.Flags
	arena   *device.Arena
	metrics *attention.Metrics
}

func newTestNode(t *testing.T, cfg nodeConfig) (*attention.Node, *device.Arena) {
	t.Helper()
	name := cfg.device
	if name == "" {
		name = "sm80"
	}
	props, err := device.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	stream := device.NewStream()
	t.Cleanup(func() { _ = stream.Destroy() })
	arena := cfg.arena
	if arena == nil {
		arena = device.NewArena(0)
	}
	flags := cfg.flags
	node, err := attention.NewNode(cfg.opts, attention.Backend{
		Device:    props,
		Stream:    stream,
		Allocator: arena,
		Kernels:   cfg.kernels,
		Flags:     &flags,
		Metrics:   cfg.metrics,
	})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return node, arena
}

func pastLen(t *testing.T, n int) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.FromInt32([]int32{int32(n)}, 1)
	if err != nil {
		t.Fatalf("FromInt32: %v", err)
	}
	return tt
}

// sliceRows extracts [b, first:first+n, :] of a [B, S, D] tensor.
func sliceRows(tt *tensor.Tensor, b, first, n int) []float32 {
	s, d := tt.Dim(1), tt.Dim(2)
	out := make([]float32, n*d)
	tt.Buffer().Read(out, (b*s+first)*d)
	return out
}
