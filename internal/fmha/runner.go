package fmha

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/tensor"
)

// Runner is the loaded kernel set for one attention.RunnerKey.
type Runner struct {
	key    attention.RunnerKey
	smem   int
	flash  bool
	loaded map[int]bool
}

func (r *Runner) Key() attention.RunnerKey { return r.key }

// Buckets lists the loaded fixed-length kernels.
func (r *Runner) Buckets() []int {
	out := make([]int, 0, len(r.loaded))
	for b := range r.loaded {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// MaxSupportedSeqLen returns seqLen itself for flash runners and the
// serving bucket otherwise.
func (r *Runner) MaxSupportedSeqLen(seqLen int) int {
	if r.flash && seqLen > 0 {
		return seqLen
	}
	return bucketFor(seqLen)
}

func (r *Runner) IsValid(seqLen int) bool {
	if seqLen <= 0 {
		return false
	}
	if r.flash {
		return true
	}
	return r.loaded[seqLen]
}

func (r *Runner) String() string {
	if r.flash {
		return fmt.Sprintf("%v flash", r.key)
	}
	return fmt.Sprintf("%v buckets=%v", r.key, r.Buckets())
}

func (r *Runner) check(args attention.FusedArgs) error {
	if args.NumHeads != r.key.NumHeads || args.HeadSize != r.key.HeadSize {
		return fmt.Errorf("fmha: runner %v called with %d heads of %d", r.key, args.NumHeads, args.HeadSize)
	}
	if args.Causal != r.key.Causal {
		return fmt.Errorf("fmha: runner %v called with causal=%v", r.key, args.Causal)
	}
	if !r.IsValid(r.MaxSupportedSeqLen(args.SeqLen)) {
		return fmt.Errorf("fmha: runner %v cannot serve sequence length %d", r.key, args.SeqLen)
	}
	rows := args.BatchSize * args.SeqLen * args.NumHeads * args.HeadSize
	if args.QKV.Len() < 3*rows || args.Output.Len() < rows {
		return fmt.Errorf("fmha: buffers too small for %d rows", args.BatchSize*args.SeqLen)
	}
	if args.CuSeqLens.DType() != tensor.I32 || args.CuSeqLens.Len() < args.BatchSize+1 {
		return fmt.Errorf("fmha: sequence offsets need %d int32 values", args.BatchSize+1)
	}
	return nil
}

// Run enqueues the attention. Rows past a sequence's valid length are
// written as zeros.
func (r *Runner) Run(s *device.Stream, args attention.FusedArgs) error {
	if err := r.check(args); err != nil {
		return err
	}
	return s.Enqueue("fused attention", func() error {
		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		for b := range args.BatchSize {
			for h := range args.NumHeads {
				g.Go(func() (err error) {
					defer func() {
						if rec := recover(); rec != nil {
							err = fmt.Errorf("fmha: batch %d head %d: %v", b, h, rec)
						}
					}()
					attendHead(args, b, h)
					return nil
				})
			}
		}
		return g.Wait()
	})
}

// attendHead computes one (batch, head) with a single pass over the keys,
// keeping a running maximum and denominator per query row.
func attendHead(args attention.FusedArgs, b, h int) {
	s, n, hs := args.SeqLen, args.NumHeads, args.HeadSize
	valid := int(args.CuSeqLens.Int32(b+1) - args.CuSeqLens.Int32(b))
	valid = min(max(valid, 0), s)

	rowStride := n * 3 * hs
	base := b*s*rowStride + h*3*hs
	qRow := make([]float32, hs)
	kRow := make([]float32, hs)
	vRow := make([]float32, hs)
	acc := make([]float32, hs)

	for i := range s {
		outOff := ((b*s+i)*n + h) * hs
		if i >= valid {
			clear(acc)
			args.Output.Write(outOff, acc)
			continue
		}
		args.QKV.Read(qRow, base+i*rowStride)
		limit := valid
		if args.Causal {
			limit = min(valid, i+1)
		}

		clear(acc)
		runMax := float32(math.Inf(-1))
		var runSum float32
		for j := range limit {
			kv := base + j*rowStride
			args.QKV.Read(kRow, kv+hs)
			var dot float32
			for d, q := range qRow {
				dot += q * kRow[d]
			}
			score := dot * args.Scale
			if score > runMax {
				rescale := float32(math.Exp(float64(runMax - score)))
				runSum *= rescale
				for d := range acc {
					acc[d] *= rescale
				}
				runMax = score
			}
			w := float32(math.Exp(float64(score - runMax)))
			runSum += w
			args.QKV.Read(vRow, kv+2*hs)
			for d, v := range vRow {
				acc[d] += w * v
			}
		}
		inv := 1 / runSum
		for d := range acc {
			acc[d] *= inv
		}
		args.Output.Write(outOff, acc)
	}
}
