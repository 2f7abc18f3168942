// Package fmha provides the fused multi-head attention kernels used on the
// fast path: a static support table per device class and runners that
// compute attention in one pass over a packed QKV buffer.
package fmha

import (
	"fmt"
	"slices"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/device"
)

const (
	minSM = 70
	maxSM = 90

	// queryTile is the number of query rows a kernel block keeps resident.
	queryTile = 64
	// flashKVTile is the key/value tile streamed by the flash kernels.
	flashKVTile = 64
	flashMinSM  = 80
	maxFlashDim = 256
	elemBytes   = 2
)

var (
	fixedHeadSizes = []int{16, 32, 64, 128}
	seqBuckets     = []int{64, 128, 192, 256, 384, 512}
	// maxCausalBucket bounds the fixed-length causal kernels.
	maxCausalBucket = 256
)

// Kernels is the fused kernel family. The zero value is ready to use.
type Kernels struct{}

var _ attention.FusedKernels = Kernels{}

// bucketFor returns the smallest fixed-length bucket holding seqLen, or -1.
func bucketFor(seqLen int) int {
	if seqLen <= 0 {
		return -1
	}
	for _, b := range seqBuckets {
		if seqLen <= b {
			return b
		}
	}
	return -1
}

func flashCapable(sm, headSize int) bool {
	return sm >= flashMinSM && headSize > 0 && headSize%8 == 0 && headSize <= maxFlashDim
}

// IsSupported reports whether some kernel serves the combination. It looks
// at the static table only; whether the kernel fits the device's shared
// memory is known once a runner is built.
func (Kernels) IsSupported(sm, headSize, seqLen int, flash, causal bool) bool {
	if sm < minSM || sm > maxSM || seqLen <= 0 {
		return false
	}
	if flash && flashCapable(sm, headSize) {
		return true
	}
	if !slices.Contains(fixedHeadSizes, headSize) {
		return false
	}
	b := bucketFor(seqLen)
	if b < 0 {
		return false
	}
	return !causal || b <= maxCausalBucket
}

// fixedSharedMem is the shared memory a fixed-length kernel needs: one
// query tile plus the whole K and V sequence.
func fixedSharedMem(headSize, bucket int) int {
	return elemBytes * headSize * (queryTile + 2*bucket)
}

// flashSharedMem is the shared memory a flash kernel needs: one query tile
// and one K/V tile pair.
func flashSharedMem(headSize int) int {
	return elemBytes * headSize * (queryTile + 2*flashKVTile)
}

// NewRunner loads every kernel for key that fits the device.
func (k Kernels) NewRunner(key attention.RunnerKey, props device.Properties) (attention.FusedRunner, error) {
	if key.SM < minSM || key.SM > maxSM {
		return nil, fmt.Errorf("fmha: no kernels for sm%d", key.SM)
	}
	if key.NumHeads <= 0 || key.HeadSize <= 0 {
		return nil, fmt.Errorf("fmha: invalid runner key %v", key)
	}
	r := &Runner{key: key, smem: props.SharedMemPerBlock, loaded: make(map[int]bool)}
	if key.Flash && flashCapable(key.SM, key.HeadSize) {
		r.flash = flashSharedMem(key.HeadSize) <= props.SharedMemPerBlock
	}
	if slices.Contains(fixedHeadSizes, key.HeadSize) {
		for _, b := range seqBuckets {
			if key.Causal && b > maxCausalBucket {
				break
			}
			if fixedSharedMem(key.HeadSize, b) <= props.SharedMemPerBlock {
				r.loaded[b] = true
			}
		}
	}
	if !r.flash && len(r.loaded) == 0 {
		return nil, fmt.Errorf("fmha: no kernel for %v fits %d bytes of shared memory", key, props.SharedMemPerBlock)
	}
	return r, nil
}
