package attention

import (
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/fmha/internal/tensor"
)

// MaskType is the encoding of the optional key padding mask.
type MaskType int

const (
	MaskNone MaskType = iota
	// Mask1DKeySeqLen is [B]: the number of valid keys per batch entry.
	Mask1DKeySeqLen
	// Mask1DEndStart is [2B]: exclusive end positions, then start positions.
	Mask1DEndStart
	// Mask2DKeyPadding is [B, T]: 0 marks a padded key.
	Mask2DKeyPadding
	// Mask3DAttention is [B, S, T]: 0 marks a disallowed query/key pair.
	Mask3DAttention
)

func (m MaskType) String() string {
	switch m {
	case MaskNone:
		return "none"
	case Mask1DKeySeqLen:
		return "1d_key_seq_len"
	case Mask1DEndStart:
		return "1d_end_start"
	case Mask2DKeyPadding:
		return "2d_key_padding"
	case Mask3DAttention:
		return "3d_attention"
	default:
		return fmt.Sprintf("mask(%d)", int(m))
	}
}

func (m MaskType) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// CacheMode is fixed for the lifetime of a node.
type CacheMode int

const (
	// CacheAppend allocates a present cache of the total length every call.
	CacheAppend CacheMode = iota
	// CacheSharedBuffer reuses one max-length buffer as past and present.
	CacheSharedBuffer
)

func (c CacheMode) String() string {
	if c == CacheSharedBuffer {
		return "shared"
	}
	return "append"
}

// ParseCacheMode accepts "append" and "shared" (or "shared-buffer").
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append":
		return CacheAppend, nil
	case "shared", "shared-buffer", "shared_buffer":
		return CacheSharedBuffer, nil
	default:
		return 0, fmt.Errorf("unknown cache mode %q (expected append or shared)", s)
	}
}

// DefaultMaskFilterValue is added to masked scores when at least one key in
// the row is still allowed.
const DefaultMaskFilterValue float32 = -10000

// NodeOptions are the attributes of an attention node.
type NodeOptions struct {
	NumHeads int
	// QKVHiddenSizes optionally splits the projection as [q, k, v]. Empty
	// means three equal parts.
	QKVHiddenSizes []int
	Unidirectional bool
	Cache          CacheMode
	// MaxSequenceLength is the shared-buffer capacity. It may be left zero
	// when a past cache is supplied, in which case the cache decides.
	MaxSequenceLength int
	MaskFilterValue   float32
	// Scale multiplies Q·Kᵀ. Zero means 1/sqrt(head_size).
	Scale float32
	// DType is the activation type. Zero takes the input's type.
	DType tensor.DType
}

// Inputs is one call's tensor set. Only Input, Weights and Bias are
// required.
type Inputs struct {
	Input   *tensor.Tensor // [B, S, D_in]
	Weights *tensor.Tensor // [D_in, q+k+v]
	Bias    *tensor.Tensor // [q+k+v]
	Mask    *tensor.Tensor // int32, see MaskType
	Past    *tensor.Tensor // [2, B, N, P or capacity, H]
	// ExtraBias is added to the scaled scores, [B, N, S, T].
	ExtraBias *tensor.Tensor
	// PastSequenceLength is a single int32 and is required when a shared
	// buffer past is supplied.
	PastSequenceLength *tensor.Tensor
	// Present optionally supplies the output cache buffer.
	Present     *tensor.Tensor
	WantPresent bool
}

// Parameters is the validated geometry of one call.
type Parameters struct {
	BatchSize              int          `json:"batch_size"`
	SequenceLength         int          `json:"sequence_length"`
	KVSequenceLength       int          `json:"kv_sequence_length"`
	PastSequenceLength     int          `json:"past_sequence_length"`
	TotalSequenceLength    int          `json:"total_sequence_length"`
	MaxSequenceLength      int          `json:"max_sequence_length"`
	InputHiddenSize        int          `json:"input_hidden_size"`
	HiddenSize             int          `json:"hidden_size"`
	VHiddenSize            int          `json:"v_hidden_size"`
	NumHeads               int          `json:"num_heads"`
	HeadSize               int          `json:"head_size"`
	VHeadSize              int          `json:"v_head_size"`
	MaskType               MaskType     `json:"mask_type"`
	IsUnidirectional       bool         `json:"is_unidirectional"`
	PastPresentShareBuffer bool         `json:"past_present_share_buffer"`
	MaskFilterValue        float32      `json:"mask_filter_value"`
	Scale                  float32      `json:"scale"`
	DType                  tensor.DType `json:"dtype"`
}

// CacheCapacity is the third cache dimension for this call.
func (p Parameters) CacheCapacity() int {
	if p.PastPresentShareBuffer {
		return p.MaxSequenceLength
	}
	return p.TotalSequenceLength
}

// ProjectionWidth is q+k+v.
func (p Parameters) ProjectionWidth() int {
	return 2*p.HiddenSize + p.VHiddenSize
}

func shapeIs(t *tensor.Tensor, dims ...int) bool {
	if t.Rank() != len(dims) {
		return false
	}
	for i, d := range dims {
		if t.Dim(i) != d {
			return false
		}
	}
	return true
}

// ResolveParameters validates one call's inputs against the node options
// and derives its geometry. It performs no device work.
func ResolveParameters(opts NodeOptions, in Inputs, maxThreadsPerBlock int) (Parameters, error) {
	if in.Input == nil || in.Weights == nil || in.Bias == nil {
		return Parameters{}, invalid("inputs", "input, weights and bias are required")
	}
	dt := opts.DType
	if dt == 0 {
		dt = in.Input.DType()
	}
	if !dt.IsFloat() {
		return Parameters{}, invalid("input", "element type %v is not a float type", dt)
	}
	for _, named := range []struct {
		name string
		t    *tensor.Tensor
	}{{"input", in.Input}, {"weights", in.Weights}, {"bias", in.Bias}, {"past", in.Past}, {"extra_bias", in.ExtraBias}, {"present", in.Present}} {
		if named.t != nil && named.t.DType() != dt {
			return Parameters{}, invalid(named.name, "element type %v, node runs %v", named.t.DType(), dt)
		}
	}

	if in.Input.Rank() != 3 {
		return Parameters{}, invalid("input", "expected rank 3 [B, S, D], got %s", in.Input.ShapeString())
	}
	b, s, dIn := in.Input.Dim(0), in.Input.Dim(1), in.Input.Dim(2)
	if b <= 0 || s <= 0 || dIn <= 0 {
		return Parameters{}, invalid("input", "dimensions must be positive, got %s", in.Input.ShapeString())
	}
	if in.Weights.Rank() != 2 || in.Weights.Dim(0) != dIn {
		return Parameters{}, invalid("weights", "expected [%d, q+k+v], got %s", dIn, in.Weights.ShapeString())
	}
	width := in.Weights.Dim(1)
	if !shapeIs(in.Bias, width) {
		return Parameters{}, invalid("bias", "expected [%d], got %s", width, in.Bias.ShapeString())
	}

	n := opts.NumHeads
	if n <= 0 {
		return Parameters{}, invalid("num_heads", "must be positive, got %d", n)
	}
	if maxThreadsPerBlock > 0 && n > maxThreadsPerBlock {
		return Parameters{}, invalid("num_heads", "%d exceeds max threads per block %d", n, maxThreadsPerBlock)
	}

	var q, k, v int
	switch len(opts.QKVHiddenSizes) {
	case 0:
		if width%3 != 0 {
			return Parameters{}, invalid("weights", "trailing dimension %d is not divisible by 3", width)
		}
		q, k, v = width/3, width/3, width/3
	case 3:
		q, k, v = opts.QKVHiddenSizes[0], opts.QKVHiddenSizes[1], opts.QKVHiddenSizes[2]
		if q <= 0 || k <= 0 || v <= 0 {
			return Parameters{}, invalid("qkv_hidden_sizes", "must be positive, got %v", opts.QKVHiddenSizes)
		}
		if q != k {
			return Parameters{}, invalid("qkv_hidden_sizes", "q (%d) and k (%d) must match", q, k)
		}
	default:
		return Parameters{}, invalid("qkv_hidden_sizes", "expected 3 values, got %d", len(opts.QKVHiddenSizes))
	}
	if q%n != 0 || v%n != 0 {
		return Parameters{}, invalid("qkv_hidden_sizes", "hidden sizes %d/%d not divisible by %d heads", q, v, n)
	}
	if width != 2*q+v {
		return Parameters{}, invalid("weights", "trailing dimension %d != 2*%d + %d", width, q, v)
	}

	p := Parameters{
		BatchSize:              b,
		SequenceLength:         s,
		KVSequenceLength:       s,
		InputHiddenSize:        dIn,
		HiddenSize:             q,
		VHiddenSize:            v,
		NumHeads:               n,
		HeadSize:               q / n,
		VHeadSize:              v / n,
		IsUnidirectional:       opts.Unidirectional,
		PastPresentShareBuffer: opts.Cache == CacheSharedBuffer,
		MaskFilterValue:        opts.MaskFilterValue,
		Scale:                  opts.Scale,
		DType:                  dt,
	}
	if p.MaskFilterValue == 0 {
		p.MaskFilterValue = DefaultMaskFilterValue
	}
	if p.Scale == 0 {
		p.Scale = float32(1 / math.Sqrt(float64(p.HeadSize)))
	}

	if err := resolvePast(opts, in, &p); err != nil {
		return Parameters{}, err
	}
	p.TotalSequenceLength = p.PastSequenceLength + p.KVSequenceLength
	if p.PastPresentShareBuffer && p.TotalSequenceLength > p.MaxSequenceLength {
		return Parameters{}, invalid("past", "total sequence length %d exceeds max sequence length %d", p.TotalSequenceLength, p.MaxSequenceLength)
	}

	hasCache := in.Past != nil || in.Present != nil || in.WantPresent || p.PastPresentShareBuffer
	if hasCache && p.VHeadSize != p.HeadSize {
		return Parameters{}, unsupported("kv cache with v head size %d != head size %d", p.VHeadSize, p.HeadSize)
	}
	if in.Present != nil && !shapeIs(in.Present, 2, b, n, p.CacheCapacity(), p.HeadSize) {
		return Parameters{}, invalid("present", "expected %s, got %s", tensor.FormatShape([]int{2, b, n, p.CacheCapacity(), p.HeadSize}), in.Present.ShapeString())
	}

	mt, err := resolveMask(in.Mask, p)
	if err != nil {
		return Parameters{}, err
	}
	p.MaskType = mt

	if in.ExtraBias != nil && !shapeIs(in.ExtraBias, b, n, s, p.TotalSequenceLength) {
		return Parameters{}, invalid("extra_bias", "expected %s, got %s", tensor.FormatShape([]int{b, n, s, p.TotalSequenceLength}), in.ExtraBias.ShapeString())
	}
	return p, nil
}

func resolvePast(opts NodeOptions, in Inputs, p *Parameters) error {
	pastLen := -1
	if in.PastSequenceLength != nil {
		t := in.PastSequenceLength
		if t.DType() != tensor.I32 || t.Len() != 1 || t.Rank() > 1 {
			return invalid("past_sequence_length", "expected a single int32, got %v %s", t.DType(), t.ShapeString())
		}
		pastLen = int(t.Buffer().Int32(0))
		if pastLen < 0 {
			return invalid("past_sequence_length", "must not be negative, got %d", pastLen)
		}
	}

	if !p.PastPresentShareBuffer {
		p.MaxSequenceLength = opts.MaxSequenceLength
		if in.Past == nil {
			return nil
		}
		if err := checkPastShape(in.Past, *p); err != nil {
			return err
		}
		p.PastSequenceLength = in.Past.Dim(3)
		if pastLen >= 0 && pastLen != p.PastSequenceLength {
			return invalid("past_sequence_length", "%d disagrees with past cache length %d", pastLen, p.PastSequenceLength)
		}
		return nil
	}

	capacity := opts.MaxSequenceLength
	if in.Past != nil {
		if err := checkPastShape(in.Past, *p); err != nil {
			return err
		}
		if capacity > 0 && in.Past.Dim(3) != capacity {
			return invalid("past", "shared buffer capacity %d != max sequence length %d", in.Past.Dim(3), capacity)
		}
		capacity = in.Past.Dim(3)
		if pastLen < 0 {
			return invalid("past_sequence_length", "required with a shared buffer past cache")
		}
	} else {
		if pastLen > 0 {
			return invalid("past_sequence_length", "%d given without a past cache", pastLen)
		}
		if capacity <= 0 && in.Present != nil && in.Present.Rank() == 5 {
			capacity = in.Present.Dim(3)
		}
	}
	if capacity <= 0 {
		return invalid("max_sequence_length", "shared buffer mode needs a positive capacity")
	}
	p.MaxSequenceLength = capacity
	p.PastSequenceLength = max(pastLen, 0)
	return nil
}

func checkPastShape(past *tensor.Tensor, p Parameters) error {
	if past.Rank() != 5 || past.Dim(0) != 2 || past.Dim(1) != p.BatchSize {
		return invalid("past", "expected [2, %d, %d, L, %d], got %s", p.BatchSize, p.NumHeads, p.HeadSize, past.ShapeString())
	}
	if past.Dim(2) != p.NumHeads || past.Dim(4) != p.HeadSize {
		return invalid("past", "heads/head size %d/%d do not match weights %d/%d", past.Dim(2), past.Dim(4), p.NumHeads, p.HeadSize)
	}
	return nil
}

func resolveMask(mask *tensor.Tensor, p Parameters) (MaskType, error) {
	if mask == nil {
		return MaskNone, nil
	}
	if mask.DType() != tensor.I32 {
		return 0, invalid("mask", "expected int32, got %v", mask.DType())
	}
	b, s, t := p.BatchSize, p.SequenceLength, p.TotalSequenceLength
	switch {
	case shapeIs(mask, b):
		return Mask1DKeySeqLen, nil
	case shapeIs(mask, 2*b):
		return Mask1DEndStart, nil
	case shapeIs(mask, b, t):
		return Mask2DKeyPadding, nil
	case shapeIs(mask, b, s, t):
		return Mask3DAttention, nil
	default:
		return 0, invalid("mask", "unrecognised shape %s for B=%d S=%d T=%d", mask.ShapeString(), b, s, t)
	}
}
