// Package attention is the multi-head attention execution engine. A Node
// validates a call, picks the generic or fused path, sizes the workspace
// and enqueues the numeric pipeline on its device stream.
package attention

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/fmha/internal/blas"
	"github.com/samcharles93/fmha/internal/config"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/logger"
	"github.com/samcharles93/fmha/internal/tensor"
)

// Backend is the device side a node runs on. Stream is required; the rest
// have defaults.
type Backend struct {
	Device    device.Properties
	Stream    *device.Stream
	Allocator device.Allocator
	BLAS      *blas.Handle
	Kernels   FusedKernels
	Registry  *RunnerRegistry
	// Flags overrides the process flags when set.
	Flags   *config.Flags
	Logger  logger.Logger
	Metrics *Metrics
}

// Outputs of one call. Present is nil when the call has no cache.
type Outputs struct {
	Output    *tensor.Tensor
	Present   *tensor.Tensor
	Params    Parameters
	Selection Selection
	Workspace int
}

// Node is one attention operator instance. Its cache mode and flags are
// fixed at construction. Calls on a node are serialised.
type Node struct {
	id       string
	opts     NodeOptions
	backend  Backend
	cache    cacheStrategy
	selector *Selector
	blas     *blas.Handle
	log      logger.Logger

	mu sync.Mutex
}

func NewNode(opts NodeOptions, backend Backend) (*Node, error) {
	if backend.Stream == nil {
		return nil, errors.New("attention node requires a stream")
	}
	if opts.NumHeads <= 0 {
		return nil, invalid("num_heads", "must be positive, got %d", opts.NumHeads)
	}
	if opts.DType != 0 && !opts.DType.IsFloat() {
		return nil, invalid("dtype", "%v is not a float type", opts.DType)
	}
	if backend.Allocator == nil {
		backend.Allocator = device.NewArena(0)
	}
	if backend.Device.MaxThreadsPerBlock == 0 {
		backend.Device = device.Detect()
	}
	if backend.BLAS == nil {
		h, err := blas.NewHandle(backend.Stream)
		if err != nil {
			return nil, err
		}
		backend.BLAS = h
	}
	if backend.Registry == nil {
		backend.Registry = NewRunnerRegistry()
	}
	log := backend.Logger
	if log == nil {
		log = logger.Nop()
	}
	var flags config.Flags
	if backend.Flags != nil {
		flags = *backend.Flags
	} else {
		var err error
		if flags, err = config.Process(); err != nil {
			log.Warn("config file ignored, using environment flags", "error", err)
		}
	}
	// Fused kernels exist only for half precision; flash is a half
	// precision kernel family too.
	if opts.DType != 0 && opts.DType != tensor.F16 {
		flags.DisableFusedAttention = true
		flags.EnableFlashAttention = false
	}

	id := uuid.NewString()
	log = log.With("node", id[:8])

	n := &Node{
		id:      id,
		opts:    opts,
		backend: backend,
		cache:   newCacheStrategy(opts.Cache),
		blas:    backend.BLAS,
		log:     log,
	}
	n.selector = NewSelector(backend.Device, backend.Kernels, backend.Registry, flags, log, backend.Metrics)
	log.Debug("attention node created",
		"heads", opts.NumHeads,
		"cache", opts.Cache,
		"device", backend.Device.Name,
		"disable_fused", flags.DisableFusedAttention,
		"flash", flags.EnableFlashAttention,
	)
	return n, nil
}

func (n *Node) ID() string                { return n.id }
func (n *Node) Options() NodeOptions      { return n.opts }
func (n *Node) CacheMode() CacheMode      { return n.cache.Mode() }
func (n *Node) Selector() *Selector       { return n.selector }
func (n *Node) Stream() *device.Stream    { return n.backend.Stream }
func (n *Node) Device() device.Properties { return n.backend.Device }

// Plan resolves a call without issuing device work: the parameters, the
// selected path and the workspace it would use.
func (n *Node) Plan(in Inputs) (Parameters, Selection, int, error) {
	p, err := ResolveParameters(n.opts, in, n.backend.Device.MaxThreadsPerBlock)
	if err != nil {
		return Parameters{}, Selection{}, 0, err
	}
	sel := n.selector.Select(p, in, n.wantsPresent(in))
	return p, sel, WorkspaceSize(p.DType.Size(), p, sel.Path == PathFused), nil
}

func (n *Node) wantsPresent(in Inputs) bool {
	return in.WantPresent || in.Past != nil || in.Present != nil || n.opts.Cache == CacheSharedBuffer
}

// Compute validates the call and enqueues it on the node's stream. The
// returned tensors are complete once the stream is synchronised.
// Validation and unsupported configurations fail before any work is
// enqueued.
func (n *Node) Compute(in Inputs) (*Outputs, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	start := time.Now()
	out, err := n.compute(in)
	if err != nil {
		n.backend.Metrics.observeError(errorClass(err))
		return nil, err
	}
	n.backend.Metrics.observeCall(out.Selection.Path, out.Workspace, out.Params, out.Present != nil, time.Since(start))
	return out, nil
}

// Run is Compute followed by a stream synchronisation.
func (n *Node) Run(in Inputs) (*Outputs, error) {
	out, err := n.Compute(in)
	if err != nil {
		return nil, err
	}
	if err := n.backend.Stream.Synchronize(); err != nil {
		n.backend.Metrics.observeError(errorClass(ErrBackendExecution))
		return nil, backendError("synchronize", err)
	}
	return out, nil
}

func (n *Node) compute(in Inputs) (*Outputs, error) {
	p, err := ResolveParameters(n.opts, in, n.backend.Device.MaxThreadsPerBlock)
	if err != nil {
		return nil, err
	}
	wantPresent := n.wantsPresent(in)
	sel := n.selector.Select(p, in, wantPresent)
	n.backend.Metrics.observeSelection(sel)
	path := sel.path()

	elem := p.DType.Size()
	layout := planWorkspace(elem, p, path.fused())
	stream := n.backend.Stream

	// Release is deferred to the stream; queued work keeps its memory.
	projBytes := elem * p.BatchSize * p.SequenceLength * p.ProjectionWidth()
	projScratch, err := n.backend.Allocator.Allocate(projBytes, stream)
	if err != nil {
		return nil, backendError("allocate projection", err)
	}
	defer projScratch.Release()
	scratch, err := n.backend.Allocator.Allocate(layout.total, stream)
	if err != nil {
		return nil, backendError("allocate workspace", err)
	}
	defer scratch.Release()

	proj, err := tensor.BufferFromBytes(p.DType, projScratch.Bytes(), p.BatchSize*p.SequenceLength*p.ProjectionWidth())
	if err != nil {
		return nil, backendError("projection view", err)
	}

	c := &call{
		p:       p,
		in:      in,
		stream:  stream,
		blas:    n.blas,
		layout:  layout,
		scratch: scratch,
		proj:    proj,
		output:  tensor.New(p.DType, p.BatchSize, p.SequenceLength, p.VHiddenSize),
	}
	if err := project(n.blas, p, in.Input, in.Weights, proj); err != nil {
		return nil, backendError("projection", err)
	}
	if wantPresent {
		present, err := n.cache.Prepare(stream, in, p)
		if err != nil {
			return nil, backendError("cache", err)
		}
		c.present = present
	}
	if err := path.execute(c); err != nil {
		return nil, backendError(sel.Path.String()+" attention", err)
	}

	n.log.Debug("attention enqueued",
		"path", sel.Path,
		"batch", p.BatchSize,
		"seq", p.SequenceLength,
		"past", p.PastSequenceLength,
		"workspace", layout.total,
	)
	return &Outputs{
		Output:    c.output,
		Present:   c.present,
		Params:    p,
		Selection: sel,
		Workspace: layout.total,
	}, nil
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrInputValidation):
		return "input_validation"
	case errors.Is(err, ErrUnsupportedConfiguration):
		return "unsupported"
	case errors.Is(err, ErrBackendExecution):
		return "backend"
	default:
		return "other"
	}
}

// String identifies the node in logs.
func (n *Node) String() string {
	return fmt.Sprintf("attention[%s heads=%d cache=%v]", n.id[:8], n.opts.NumHeads, n.opts.Cache)
}
