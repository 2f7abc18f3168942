package attention_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/tensor"
)

func requireClose(t *testing.T, want, got []float32, fraction, margin float64) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(fraction, margin)); diff != "" {
		t.Fatalf("values differ (-want +got):\n%s", diff)
	}
}

func requireFinite(t *testing.T, values []float32) {
	t.Helper()
	for i, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("value %d is %v", i, v)
		}
	}
}

func TestRunOneBatchTwoHeadsRowsSumToOne(t *testing.T) {
	t.Parallel()
	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2}})

	// One-hot inputs and a value projection that copies them make each
	// head's output row equal to its attention weights over the 3 keys.
	const seq, heads, headSize = 3, 2, 4
	hidden := heads * headSize
	input := tensor.New(tensor.F32, 1, seq, seq)
	for s := range seq {
		input.Buffer().Set(s*seq+s, 1)
	}
	weights := tensor.New(tensor.F32, seq, 3*hidden)
	tensor.FillRand(weights, 7, 2)
	for r := range seq {
		for c := 2 * hidden; c < 3*hidden; c++ {
			weights.Buffer().Set(r*3*hidden+c, 0)
		}
		for h := range heads {
			weights.Buffer().Set(r*3*hidden+2*hidden+h*headSize+r, 1)
		}
	}
	bias := tensor.New(tensor.F32, 3*hidden)

	out, err := node.Run(attention.Inputs{Input: input, Weights: weights, Bias: bias})
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 8}, out.Output.Shape())
	require.Equal(t, attention.PathGeneric, out.Selection.Path)
	require.Nil(t, out.Present)

	got := out.Output.Float32s()
	for i := range seq {
		for h := range heads {
			row := got[i*hidden+h*headSize : i*hidden+h*headSize+seq]
			var sum float64
			for _, w := range row {
				require.Greater(t, w, float32(0))
				sum += float64(w)
			}
			require.InDelta(t, 1.0, sum, 1e-5, "query %d head %d weights %v", i, h, row)
			require.Zero(t, got[i*hidden+h*headSize+seq])
		}
	}
}

func TestRunBatchIsolation(t *testing.T) {
	t.Parallel()
	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2}})
	f := newFixture(tensor.F32, 3, 4, 6, 2, 4, 41)

	base, err := node.Run(f.inputs())
	require.NoError(t, err)

	perturbed := f.input.Clone()
	for i := 4 * 6; i < 2*4*6; i++ {
		perturbed.Buffer().Set(i, perturbed.Buffer().At(i)+1)
	}
	in := f.inputs()
	in.Input = perturbed
	moved, err := node.Run(in)
	require.NoError(t, err)

	for _, b := range []int{0, 2} {
		requireClose(t, sliceRows(base.Output, b, 0, 4), sliceRows(moved.Output, b, 0, 4), 0, 1e-6)
	}
	require.NotEqual(t, sliceRows(base.Output, 1, 0, 4), sliceRows(moved.Output, 1, 0, 4))
}

func TestRunCausalIgnoresFuturePositions(t *testing.T) {
	t.Parallel()
	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2, Unidirectional: true}})
	f := newFixture(tensor.F32, 1, 6, 6, 2, 4, 51)

	base, err := node.Run(f.inputs())
	require.NoError(t, err)

	perturbed := f.input.Clone()
	for i := 3 * 6; i < 6*6; i++ {
		perturbed.Buffer().Set(i, perturbed.Buffer().At(i)*-3+0.5)
	}
	in := f.inputs()
	in.Input = perturbed
	moved, err := node.Run(in)
	require.NoError(t, err)

	requireClose(t, sliceRows(base.Output, 0, 0, 3), sliceRows(moved.Output, 0, 0, 3), 0, 1e-6)
	require.NotEqual(t, sliceRows(base.Output, 0, 3, 3), sliceRows(moved.Output, 0, 3, 3))
}

func TestRunFullyMaskedRowIsZero(t *testing.T) {
	t.Parallel()
	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2}})
	f := newFixture(tensor.F32, 2, 4, 6, 2, 4, 61)

	padding, err := tensor.FromInt32([]int32{0, 0, 0, 0, 1, 1, 0, 0}, 2, 4)
	require.NoError(t, err)
	in := f.inputs()
	in.Mask = padding
	dense, err := node.Run(in)
	require.NoError(t, err)
	require.Equal(t, attention.Mask2DKeyPadding, dense.Params.MaskType)

	got := dense.Output.Float32s()
	requireFinite(t, got)
	require.Equal(t, make([]float32, 4*8), sliceRows(dense.Output, 0, 0, 4))

	// The same padding as key lengths gives the same result.
	lengths, err := tensor.FromInt32([]int32{0, 2}, 2)
	require.NoError(t, err)
	in.Mask = lengths
	short, err := node.Run(in)
	require.NoError(t, err)
	require.Equal(t, attention.Mask1DKeySeqLen, short.Params.MaskType)
	requireClose(t, dense.Output.Float32s(), short.Output.Float32s(), 1e-6, 1e-7)
}

func TestRunCustomMaskRow(t *testing.T) {
	t.Parallel()
	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2}})
	f := newFixture(tensor.F32, 1, 3, 6, 2, 4, 62)

	open, err := node.Run(f.inputs())
	require.NoError(t, err)

	mask, err := tensor.FromInt32([]int32{
		1, 1, 1,
		0, 0, 0,
		1, 1, 1,
	}, 1, 3, 3)
	require.NoError(t, err)
	in := f.inputs()
	in.Mask = mask
	masked, err := node.Run(in)
	require.NoError(t, err)
	require.Equal(t, attention.Mask3DAttention, masked.Params.MaskType)

	require.Equal(t, make([]float32, 8), sliceRows(masked.Output, 0, 1, 1))
	requireClose(t, sliceRows(open.Output, 0, 0, 1), sliceRows(masked.Output, 0, 0, 1), 1e-6, 1e-7)
	requireClose(t, sliceRows(open.Output, 0, 2, 1), sliceRows(masked.Output, 0, 2, 1), 1e-6, 1e-7)
}

func TestRunEndStartMask(t *testing.T) {
	t.Parallel()
	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2}})
	f := newFixture(tensor.F32, 1, 4, 6, 2, 4, 63)

	endStart, err := tensor.FromInt32([]int32{3, 1}, 2)
	require.NoError(t, err)
	dense, err := tensor.FromInt32([]int32{0, 1, 1, 0}, 1, 4)
	require.NoError(t, err)

	in := f.inputs()
	in.Mask = endStart
	a, err := node.Run(in)
	require.NoError(t, err)
	require.Equal(t, attention.Mask1DEndStart, a.Params.MaskType)
	in.Mask = dense
	b, err := node.Run(in)
	require.NoError(t, err)
	requireClose(t, b.Output.Float32s(), a.Output.Float32s(), 1e-6, 1e-7)
}

func TestRunSoftmaxShiftInvariance(t *testing.T) {
	t.Parallel()
	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2}})
	f := newFixture(tensor.F32, 1, 4, 6, 2, 4, 71)

	extra := tensor.New(tensor.F32, 1, 2, 4, 4)
	tensor.FillRand(extra, 72, 1)
	shifted := extra.Clone()
	for row := range 2 * 4 {
		for j := range 4 {
			i := row*4 + j
			shifted.Buffer().Set(i, shifted.Buffer().At(i)+20+float32(row))
		}
	}

	in := f.inputs()
	in.ExtraBias = extra
	a, err := node.Run(in)
	require.NoError(t, err)
	in.ExtraBias = shifted
	b, err := node.Run(in)
	require.NoError(t, err)
	requireClose(t, a.Output.Float32s(), b.Output.Float32s(), 1e-4, 1e-5)
}

func TestSharedBufferStepsMatchFullCall(t *testing.T) {
	t.Parallel()
	const steps = 4
	f := newFixture(tensor.F32, 1, steps, 6, 2, 4, 11)

	full, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2, Unidirectional: true}})
	want, err := full.Run(f.inputs())
	require.NoError(t, err)

	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{
		NumHeads:          2,
		Unidirectional:    true,
		Cache:             attention.CacheSharedBuffer,
		MaxSequenceLength: 8,
	}})
	var past *tensor.Tensor
	for step := range steps {
		in := f.inputs()
		in.Input = f.rows(step)
		if past != nil {
			in.Past = past
			in.PastSequenceLength = pastLen(t, step)
		}
		out, err := node.Run(in)
		require.NoError(t, err, "step %d", step)
		require.Equal(t, []int{2, 1, 2, 8, 4}, out.Present.Shape())
		require.Equal(t, step+1, out.Params.TotalSequenceLength)
		if past != nil {
			require.True(t, tensor.SameStorage(past.Buffer(), out.Present.Buffer()), "shared cache must be reused in place")
		}
		past = out.Present
		requireClose(t, sliceRows(want.Output, 0, step, 1), out.Output.Float32s(), 1e-4, 1e-5)
	}
}

func TestSharedBufferWritesOnlyTheSuffix(t *testing.T) {
	t.Parallel()
	const heads, headSize, capacity, sentinel = 2, 4, 8, 7
	hidden := heads * headSize
	f := newFixture(tensor.F32, 1, 2, 6, heads, headSize, 21)

	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{
		NumHeads:          heads,
		Cache:             attention.CacheSharedBuffer,
		MaxSequenceLength: capacity,
	}})
	cache := tensor.New(tensor.F32, 2, 1, heads, capacity, headSize)
	for i := range cache.Len() {
		cache.Buffer().Set(i, sentinel)
	}

	present := cache
	for step := range 2 {
		in := f.inputs()
		in.Input = f.rows(step)
		in.Past = present
		in.PastSequenceLength = pastLen(t, step)
		out, err := node.Run(in)
		require.NoError(t, err)
		require.True(t, tensor.SameStorage(cache.Buffer(), out.Present.Buffer()))
		present = out.Present
	}

	x := f.input.Float32s()
	w := f.weights.Float32s()
	bias := f.bb.Float32s()
	got := cache.Float32s()
	for plane := range 2 {
		for h := range heads {
			for pos := range capacity {
				for d := range headSize {
					off := ((plane*heads+h)*capacity+pos)*headSize + d
					if pos >= 2 {
						require.Equal(t, float32(sentinel), got[off], "plane %d head %d pos %d touched", plane, h, pos)
						continue
					}
					col := (plane+1)*hidden + h*headSize + d
					want := bias[col]
					for i := range 6 {
						want += x[pos*6+i] * w[i*3*hidden+col]
					}
					require.InDelta(t, want, got[off], 1e-5, "plane %d head %d pos %d dim %d", plane, h, pos, d)
				}
			}
		}
	}
}

func TestSharedBufferDistinctPresentGetsPrefix(t *testing.T) {
	t.Parallel()
	f := newFixture(tensor.F32, 1, 3, 6, 2, 4, 22)
	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2, Cache: attention.CacheSharedBuffer, MaxSequenceLength: 4}})

	in := f.inputs()
	in.Input = f.rows(0, 1)
	first, err := node.Run(in)
	require.NoError(t, err)

	dst := tensor.New(tensor.F32, 2, 1, 2, 4, 4)
	in.Input = f.rows(2)
	in.Past = first.Present
	in.Present = dst
	in.PastSequenceLength = pastLen(t, 2)
	second, err := node.Run(in)
	require.NoError(t, err)
	require.True(t, tensor.SameStorage(dst.Buffer(), second.Present.Buffer()))

	src, got := first.Present.Float32s(), dst.Float32s()
	for plane := range 2 {
		for h := range 2 {
			base := (plane*2 + h) * 4 * 4
			require.Equal(t, src[base:base+8], got[base:base+8], "prefix of plane %d head %d", plane, h)
			require.Equal(t, make([]float32, 4), got[base+12:base+16], "tail of plane %d head %d", plane, h)
		}
	}
}

func TestAppendDecodeReadsFullPast(t *testing.T) {
	t.Parallel()
	f := newFixture(tensor.F32, 2, 5, 6, 2, 4, 31)
	node, _ := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2, Unidirectional: true}})

	want, err := node.Run(f.inputs())
	require.NoError(t, err)

	in := f.inputs()
	in.Input = f.rows(0, 1, 2, 3)
	in.WantPresent = true
	prefill, err := node.Run(in)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 2, 4, 4}, prefill.Present.Shape())

	in = f.inputs()
	in.Input = f.rows(4)
	in.Past = prefill.Present
	step, err := node.Run(in)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 2, 5, 4}, step.Present.Shape())
	require.Equal(t, 4, step.Params.PastSequenceLength)

	for b := range 2 {
		requireClose(t, sliceRows(want.Output, b, 4, 1), sliceRows(step.Output, b, 0, 1), 1e-4, 1e-5)
	}
	past, present := prefill.Present.Float32s(), step.Present.Float32s()
	for row := range 2 * 2 * 2 {
		require.Equal(t, past[row*4*4:(row+1)*4*4], present[row*5*4:row*5*4+4*4], "carried prefix of row %d", row)
	}
}

func TestRunValidationBeforeDeviceWork(t *testing.T) {
	t.Parallel()
	node, arena := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2}})
	f := newFixture(tensor.F32, 1, 3, 6, 2, 4, 1)

	in := f.inputs()
	in.Weights = tensor.New(tensor.F32, 6, 21)
	_, err := node.Run(in)
	require.ErrorIs(t, err, attention.ErrInputValidation)

	in = f.inputs()
	in.Mask = tensor.New(tensor.I32, 5)
	_, err = node.Compute(in)
	require.ErrorIs(t, err, attention.ErrInputValidation)
	require.Zero(t, arena.Stats().Allocations)
}

func TestRunOutOfMemory(t *testing.T) {
	t.Parallel()
	node, arena := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2}, arena: device.NewArena(64)})
	f := newFixture(tensor.F32, 1, 3, 6, 2, 4, 1)

	_, err := node.Run(f.inputs())
	require.ErrorIs(t, err, attention.ErrBackendExecution)
	require.ErrorIs(t, err, device.ErrOutOfMemory)
	require.NoError(t, node.Stream().Synchronize())
	require.Zero(t, arena.Stats().InUse)
}

func TestRunReleasesWorkspace(t *testing.T) {
	t.Parallel()
	node, arena := newTestNode(t, nodeConfig{opts: attention.NodeOptions{NumHeads: 2}})
	f := newFixture(tensor.F32, 2, 3, 6, 2, 4, 2)

	out, err := node.Run(f.inputs())
	require.NoError(t, err)
	require.Equal(t, attention.WorkspaceSize(4, out.Params, false), out.Workspace)

	stats := arena.Stats()
	require.Zero(t, stats.InUse)
	require.EqualValues(t, 2, stats.Allocations)
	require.EqualValues(t, 2, stats.Releases)
	require.GreaterOrEqual(t, stats.Peak, int64(out.Workspace))
}

func TestNewNodeRequiresStream(t *testing.T) {
	t.Parallel()
	_, err := attention.NewNode(attention.NodeOptions{NumHeads: 1}, attention.Backend{})
	require.Error(t, err)

	_, err = attention.NewNode(attention.NodeOptions{NumHeads: 0}, attention.Backend{Stream: device.NewStream()})
	require.True(t, errors.Is(err, attention.ErrInputValidation))
}
