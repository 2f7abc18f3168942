package attention

import (
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/tensor"
)

// cacheStrategy owns the geometry and update discipline of the present
// key/value cache, laid out as [2, B, N, capacity, H].
type cacheStrategy interface {
	Mode() CacheMode
	PresentShape(p Parameters) []int
	// Prepare returns the present tensor for a call and enqueues whatever
	// carry-forward of the past it needs. Positions [P, P+L) are written
	// later by the attention core.
	Prepare(s *device.Stream, in Inputs, p Parameters) (*tensor.Tensor, error)
}

func newCacheStrategy(mode CacheMode) cacheStrategy {
	if mode == CacheSharedBuffer {
		return sharedCache{}
	}
	return appendCache{}
}

// cacheOffset is the element offset of (plane, b, h, pos) in a cache of the
// given capacity.
func cacheOffset(p Parameters, capacity, plane, b, h, pos int) int {
	return (((plane*p.BatchSize+b)*p.NumHeads+h)*capacity + pos) * p.HeadSize
}

// copyPrefix enqueues a copy of the first n positions of every (plane, b, h)
// row from src to dst.
func copyPrefix(s *device.Stream, p Parameters, dst *tensor.Tensor, src *tensor.Tensor, n int) error {
	if n == 0 {
		return nil
	}
	dstCap, srcCap := dst.Dim(3), src.Dim(3)
	return s.Enqueue("cache carry", func() error {
		db, sb := dst.Buffer(), src.Buffer()
		for plane := range 2 {
			for b := range p.BatchSize {
				for h := range p.NumHeads {
					db.CopyFrom(cacheOffset(p, dstCap, plane, b, h, 0), sb, cacheOffset(p, srcCap, plane, b, h, 0), n*p.HeadSize)
				}
			}
		}
		return nil
	})
}

type appendCache struct{}

func (appendCache) Mode() CacheMode { return CacheAppend }

func (appendCache) PresentShape(p Parameters) []int {
	return []int{2, p.BatchSize, p.NumHeads, p.TotalSequenceLength, p.HeadSize}
}

func (c appendCache) Prepare(s *device.Stream, in Inputs, p Parameters) (*tensor.Tensor, error) {
	present := in.Present
	if present == nil {
		present = tensor.New(p.DType, c.PresentShape(p)...)
	}
	if in.Past != nil {
		if err := copyPrefix(s, p, present, in.Past, p.PastSequenceLength); err != nil {
			return nil, err
		}
	}
	return present, nil
}

type sharedCache struct{}

func (sharedCache) Mode() CacheMode { return CacheSharedBuffer }

func (sharedCache) PresentShape(p Parameters) []int {
	return []int{2, p.BatchSize, p.NumHeads, p.MaxSequenceLength, p.HeadSize}
}

// Prepare aliases the past buffer as the present one. A caller that passes
// distinct buffers gets the valid prefix copied once; the tail of the
// destination is left as it was.
func (c sharedCache) Prepare(s *device.Stream, in Inputs, p Parameters) (*tensor.Tensor, error) {
	switch {
	case in.Past != nil && (in.Present == nil || tensor.SameStorage(in.Past.Buffer(), in.Present.Buffer())):
		return in.Past, nil
	case in.Past != nil:
		if err := copyPrefix(s, p, in.Present, in.Past, p.PastSequenceLength); err != nil {
			return nil, err
		}
		return in.Present, nil
	case in.Present != nil:
		return in.Present, nil
	default:
		return tensor.New(p.DType, c.PresentShape(p)...), nil
	}
}
