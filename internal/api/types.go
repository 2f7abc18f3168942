package api

import (
	"fmt"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/config"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/tensor"
)

// FloatTensor is a dense row-major tensor on the wire. When Data is empty
// and the request carries a seed, the tensor is filled with reproducible
// random values of the given shape.
type FloatTensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data,omitempty"`
}

type IntTensor struct {
	Shape []int   `json:"shape"`
	Data  []int32 `json:"data"`
}

// NodeSpec carries the operator attributes shared by one-shot calls and
// sessions.
type NodeSpec struct {
	NumHeads        int     `json:"num_heads"`
	QKVHiddenSizes  []int   `json:"qkv_hidden_sizes,omitempty"`
	Unidirectional  bool    `json:"unidirectional,omitempty"`
	MaskFilterValue float32 `json:"mask_filter_value,omitempty"`
	Scale           float32 `json:"scale,omitempty"`
	// Precision is "f16" (default) or "f32".
	Precision string `json:"precision,omitempty"`
}

type AttentionRequest struct {
	NodeSpec
	Input     FloatTensor  `json:"input"`
	Weights   FloatTensor  `json:"weights"`
	Bias      FloatTensor  `json:"bias"`
	Mask      *IntTensor   `json:"mask,omitempty"`
	ExtraBias *FloatTensor `json:"extra_bias,omitempty"`
	Seed      *int64       `json:"seed,omitempty"`
}

type AttentionResponse struct {
	Output    FloatTensor          `json:"output"`
	Params    attention.Parameters `json:"parameters"`
	Selection attention.Selection  `json:"selection"`
	Workspace int                  `json:"workspace_bytes"`
}

type SessionRequest struct {
	NodeSpec
	MaxSequenceLength int         `json:"max_sequence_length"`
	Weights           FloatTensor `json:"weights"`
	Bias              FloatTensor `json:"bias"`
	Seed              *int64      `json:"seed,omitempty"`
}

type SessionResponse struct {
	ID                 string `json:"id"`
	Object             string `json:"object"`
	CreatedAt          int64  `json:"created_at"`
	NumHeads           int    `json:"num_heads"`
	InputHiddenSize    int    `json:"input_hidden_size"`
	MaxSequenceLength  int    `json:"max_sequence_length"`
	PastSequenceLength int    `json:"past_sequence_length"`
	Steps              int    `json:"steps"`
}

type StepRequest struct {
	Input FloatTensor `json:"input"`
	Mask  *IntTensor  `json:"mask,omitempty"`
	Seed  *int64      `json:"seed,omitempty"`
}

type StepResponse struct {
	Output              FloatTensor         `json:"output"`
	PastSequenceLength  int                 `json:"past_sequence_length"`
	TotalSequenceLength int                 `json:"total_sequence_length"`
	Selection           attention.Selection `json:"selection"`
	Workspace           int                 `json:"workspace_bytes"`
}

type DeleteSessionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type RunnersResponse struct {
	Object string                 `json:"object"`
	Data   []attention.RunnerInfo `json:"data"`
	Builds int64                  `json:"constructions"`
}

type DeviceResponse struct {
	Device  device.Properties `json:"device"`
	Presets []string          `json:"presets"`
	Flags   config.Flags      `json:"flags"`
	Arena   device.ArenaStats `json:"arena"`
}

func (s NodeSpec) options() (attention.NodeOptions, error) {
	dt := tensor.F16
	if s.Precision != "" {
		parsed, err := tensor.ParseDType(s.Precision)
		if err != nil {
			return attention.NodeOptions{}, newInvalidRequest(fmt.Sprintf("precision: %v", err))
		}
		if !parsed.IsFloat() {
			return attention.NodeOptions{}, newInvalidRequest(fmt.Sprintf("precision: %v is not a float type", parsed))
		}
		dt = parsed
	}
	return attention.NodeOptions{
		NumHeads:        s.NumHeads,
		QKVHiddenSizes:  s.QKVHiddenSizes,
		Unidirectional:  s.Unidirectional,
		MaskFilterValue: s.MaskFilterValue,
		Scale:           s.Scale,
		DType:           dt,
	}, nil
}

// maxGeneratedElements bounds tensors filled from a seed.
const maxGeneratedElements = 1 << 24

// build materialises the tensor in dt. salt keeps tensors generated from
// one seed distinct.
func (ft FloatTensor) build(name string, dt tensor.DType, seed *int64, salt int64) (*tensor.Tensor, error) {
	if len(ft.Shape) == 0 {
		return nil, newInvalidRequest(name + ": shape is required")
	}
	if len(ft.Data) == 0 {
		if seed == nil {
			return nil, newInvalidRequest(name + ": data is required without a seed")
		}
		n := 1
		for _, d := range ft.Shape {
			if d < 0 || (d > 0 && n > maxGeneratedElements/d) {
				return nil, newInvalidRequest(fmt.Sprintf("%s: cannot generate a tensor of shape %v", name, ft.Shape))
			}
			n *= d
		}
		t := tensor.New(dt, ft.Shape...)
		tensor.FillRand(t, *seed+salt, 1)
		return t, nil
	}
	t, err := tensor.FromFloat32(dt, ft.Data, ft.Shape...)
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("%s: %v", name, err))
	}
	return t, nil
}

func (it *IntTensor) build(name string) (*tensor.Tensor, error) {
	if it == nil {
		return nil, nil
	}
	t, err := tensor.FromInt32(it.Data, it.Shape...)
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("%s: %v", name, err))
	}
	return t, nil
}

func wireTensor(t *tensor.Tensor) FloatTensor {
	return FloatTensor{Shape: t.Shape(), Data: t.Float32s()}
}
