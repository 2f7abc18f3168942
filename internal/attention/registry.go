package attention

import (
	"sort"
	"sync"
	"sync/atomic"
)

// RunnerRegistry caches fused runners by key. Each key is constructed at
// most once, even under concurrent first use; a failed construction is
// cached as well and never retried.
type RunnerRegistry struct {
	mu      sync.Mutex
	entries map[RunnerKey]*registryEntry
	builds  atomic.Int64
}

type registryEntry struct {
	once   sync.Once
	done   atomic.Bool
	runner FusedRunner
	err    error
}

func NewRunnerRegistry() *RunnerRegistry {
	return &RunnerRegistry{entries: make(map[RunnerKey]*registryEntry)}
}

// Get returns the runner for key, calling build on first use.
func (r *RunnerRegistry) Get(key RunnerKey, build func() (FusedRunner, error)) (FusedRunner, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &registryEntry{}
		r.entries[key] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		r.builds.Add(1)
		e.runner, e.err = build()
		e.done.Store(true)
	})
	return e.runner, e.err
}

// Constructions is the number of build calls made so far.
func (r *RunnerRegistry) Constructions() int64 {
	return r.builds.Load()
}

// RunnerInfo describes one registry entry.
type RunnerInfo struct {
	Key   RunnerKey `json:"key"`
	Name  string    `json:"name"`
	Ready bool      `json:"ready"`
	Error string    `json:"error,omitempty"`
}

// Snapshot lists the entries sorted by name. Entries still under
// construction are reported as not ready.
func (r *RunnerRegistry) Snapshot() []RunnerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunnerInfo, 0, len(r.entries))
	for key, e := range r.entries {
		info := RunnerInfo{Key: key, Name: key.String()}
		if e.done.Load() {
			info.Ready = e.err == nil
			if e.err != nil {
				info.Error = e.err.Error()
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
