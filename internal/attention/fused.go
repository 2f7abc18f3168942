package attention

import (
	"fmt"

	"github.com/samcharles93/fmha/internal/config"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/logger"
	"github.com/samcharles93/fmha/internal/tensor"
)

// RunnerKey identifies one fused runner configuration.
type RunnerKey struct {
	NumHeads int  `json:"num_heads"`
	HeadSize int  `json:"head_size"`
	SM       int  `json:"sm"`
	Causal   bool `json:"causal"`
	Flash    bool `json:"flash"`
}

func (k RunnerKey) String() string {
	mode := "bidirectional"
	if k.Causal {
		mode = "causal"
	}
	family := "fixed"
	if k.Flash {
		family = "flash"
	}
	return fmt.Sprintf("n%d_h%d_sm%d_%s_%s", k.NumHeads, k.HeadSize, k.SM, mode, family)
}

// FusedKernels is the static side of a fused kernel family: a support
// table and a runner constructor.
type FusedKernels interface {
	IsSupported(sm, headSize, seqLen int, flash, causal bool) bool
	NewRunner(key RunnerKey, props device.Properties) (FusedRunner, error)
}

// FusedRunner is a constructed kernel set for one RunnerKey.
type FusedRunner interface {
	// MaxSupportedSeqLen rounds seqLen up to the kernel bucket serving it,
	// or returns -1 when none does.
	MaxSupportedSeqLen(seqLen int) int
	// IsValid reports whether the kernel for a bucket could be loaded.
	IsValid(seqLen int) bool
	// Run enqueues the fused attention on s. Query rows at or past a
	// sequence's valid length are written as zeros; only the valid rows
	// match the generic path, which attends padded query rows to the
	// allowed keys.
	Run(s *device.Stream, args FusedArgs) error
}

// FusedArgs describes one fused call. QKV is packed [B, S, N, 3, H] with the
// bias already applied; CuSeqLens holds B+1 cumulative valid lengths, which
// bound both the keys and the query rows computed; Output is [B, S, N*H].
type FusedArgs struct {
	BatchSize int
	SeqLen    int
	NumHeads  int
	HeadSize  int
	Scale     float32
	Causal    bool
	QKV       tensor.Buffer
	CuSeqLens tensor.Buffer
	Output    tensor.Buffer
}

// Path is the execution path a call takes.
type Path int

const (
	PathGeneric Path = iota
	PathFused
)

func (p Path) String() string {
	if p == PathFused {
		return "fused"
	}
	return "generic"
}

func (p Path) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Selection is the outcome of eligibility analysis. Runner is set only for
// PathFused; Reason explains a generic decision.
type Selection struct {
	Path   Path        `json:"path"`
	Key    RunnerKey   `json:"key"`
	Runner FusedRunner `json:"-"`
	Reason string      `json:"reason,omitempty"`

	fallback string // "construct" or "instance" when a late check failed
}

func (s Selection) path() executionPath {
	if s.Path == PathFused {
		return fusedPath{runner: s.Runner}
	}
	return genericPath{}
}

// Selector decides between the generic and fused paths for a node.
type Selector struct {
	props    device.Properties
	kernels  FusedKernels
	registry *RunnerRegistry
	flags    config.Flags
	log      logger.Logger
	metrics  *Metrics
}

func NewSelector(props device.Properties, kernels FusedKernels, registry *RunnerRegistry, flags config.Flags, log logger.Logger, metrics *Metrics) *Selector {
	if registry == nil {
		registry = NewRunnerRegistry()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Selector{props: props, kernels: kernels, registry: registry, flags: flags, log: log, metrics: metrics}
}

// Eligible runs the static checks only and returns "" when the fused path
// may be used.
func (s *Selector) Eligible(p Parameters, in Inputs, wantPresent bool) string {
	switch {
	case p.DType != tensor.F16:
		return fmt.Sprintf("fused kernels need f16, got %v", p.DType)
	case s.flags.DisableFusedAttention:
		return "fused attention disabled"
	case s.kernels == nil:
		return "no fused kernels available"
	case p.MaskType != MaskNone && p.MaskType != Mask1DKeySeqLen:
		return fmt.Sprintf("mask %v not supported by fused kernels", p.MaskType)
	case in.ExtraBias != nil:
		return "extra attention bias not supported by fused kernels"
	case p.HiddenSize != p.VHiddenSize:
		return "fused kernels need equal q and v hidden sizes"
	case p.SequenceLength != p.KVSequenceLength:
		return "fused kernels need equal q and kv sequence lengths"
	}
	if p.IsUnidirectional {
		if p.PastSequenceLength != 0 {
			return "causal fused kernels do not read a past cache"
		}
	} else if in.Past != nil || wantPresent {
		return "bidirectional fused kernels do not touch the kv cache"
	}
	if !s.kernels.IsSupported(s.props.SM(), p.HeadSize, p.SequenceLength, s.flags.EnableFlashAttention, p.IsUnidirectional) {
		return fmt.Sprintf("no fused kernel for sm%d head size %d sequence length %d", s.props.SM(), p.HeadSize, p.SequenceLength)
	}
	return ""
}

// Select returns the path for a call. A fused decision carries a live
// runner that has passed its instance check for the sequence length.
func (s *Selector) Select(p Parameters, in Inputs, wantPresent bool) Selection {
	key := RunnerKey{
		NumHeads: p.NumHeads,
		HeadSize: p.HeadSize,
		SM:       s.props.SM(),
		Causal:   p.IsUnidirectional,
		Flash:    s.flags.EnableFlashAttention,
	}
	sel := s.selectPath(key, p, in, wantPresent)
	if sel.Path == PathFused {
		s.log.Debug("attention path selected", "path", sel.Path, "runner", key)
	} else {
		s.log.Debug("attention path selected", "path", sel.Path, "reason", sel.Reason)
	}
	return sel
}

func (s *Selector) selectPath(key RunnerKey, p Parameters, in Inputs, wantPresent bool) Selection {
	if reason := s.Eligible(p, in, wantPresent); reason != "" {
		return Selection{Path: PathGeneric, Key: key, Reason: reason}
	}
	runner, err := s.registry.Get(key, func() (FusedRunner, error) {
		s.metrics.observeRunnerBuild()
		return s.kernels.NewRunner(key, s.props)
	})
	if err != nil {
		s.log.Warn("fused runner construction failed", "runner", key, "error", err)
		return Selection{Path: PathGeneric, Key: key, Reason: "runner construction failed: " + err.Error(), fallback: "construct"}
	}
	if !runner.IsValid(runner.MaxSupportedSeqLen(p.SequenceLength)) {
		return Selection{Path: PathGeneric, Key: key, Reason: fmt.Sprintf("runner %v cannot serve sequence length %d", key, p.SequenceLength), fallback: "instance"}
	}
	return Selection{Path: PathFused, Key: key, Runner: runner}
}

// Registry exposes the selector's runner registry.
func (s *Selector) Registry() *RunnerRegistry { return s.registry }
