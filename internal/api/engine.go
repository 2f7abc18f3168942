package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/config"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/logger"
)

type EngineConfig struct {
	Device device.Properties
	// Kernels is the fused kernel family; nil restricts every node to the
	// generic path.
	Kernels     attention.FusedKernels
	Flags       config.Flags
	MemoryLimit int64
	Logger      logger.Logger
}

// Engine holds the device-wide state every node the server creates shares:
// the scratch arena, the fused runner registry and the metrics registry.
type Engine struct {
	props    device.Properties
	kernels  attention.FusedKernels
	flags    config.Flags
	arena    *device.Arena
	registry *attention.RunnerRegistry
	log      logger.Logger
	prom     *prometheus.Registry
	metrics  *attention.Metrics
}

func NewEngine(cfg EngineConfig) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Device.MaxThreadsPerBlock == 0 {
		cfg.Device = device.Detect()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e := &Engine{
		props:    cfg.Device,
		kernels:  cfg.Kernels,
		flags:    cfg.Flags,
		arena:    device.NewArena(cfg.MemoryLimit),
		registry: attention.NewRunnerRegistry(),
		log:      log,
		prom:     reg,
		metrics:  attention.NewMetrics(reg),
	}
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fmha",
		Name:      "arena_in_use_bytes",
		Help:      "Scratch bytes currently held by in-flight calls",
	}, func() float64 { return float64(e.arena.Stats().InUse) })
	return e
}

// newNode creates a node on a stream of its own. The caller destroys the
// stream once the node is done with.
func (e *Engine) newNode(opts attention.NodeOptions) (*attention.Node, *device.Stream, error) {
	stream := device.NewStream()
	flags := e.flags
	node, err := attention.NewNode(opts, attention.Backend{
		Device:    e.props,
		Stream:    stream,
		Allocator: e.arena,
		Kernels:   e.kernels,
		Registry:  e.registry,
		Flags:     &flags,
		Logger:    e.log,
		Metrics:   e.metrics,
	})
	if err != nil {
		_ = stream.Destroy()
		return nil, nil, err
	}
	return node, stream, nil
}

func (e *Engine) Device() device.Properties           { return e.props }
func (e *Engine) Flags() config.Flags                 { return e.flags }
func (e *Engine) Arena() *device.Arena                { return e.arena }
func (e *Engine) Registry() *attention.RunnerRegistry { return e.registry }
func (e *Engine) Gatherer() prometheus.Gatherer       { return e.prom }
