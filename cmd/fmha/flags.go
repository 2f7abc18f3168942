package main

import "github.com/urfave/cli/v3"

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	deviceName   string
	precision    string
	memoryLimit  int64
	disableFused bool
	enableFlash  bool
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml",
		Destination: &configFile,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "device class (auto, host, sm70, sm75, sm80, sm86, sm89, sm90)",
			Value:       "auto",
			Destination: &deviceName,
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "activation precision (f16, f32)",
			Value:       "f16",
			Destination: &precision,
		},
		&cli.Int64Flag{
			Name:        "memory-limit",
			Usage:       "scratch memory limit in bytes (0 = unlimited)",
			Destination: &memoryLimit,
		},
		&cli.BoolFlag{
			Name:        "disable-fused",
			Usage:       "always take the generic path",
			Destination: &disableFused,
		},
		&cli.BoolFlag{
			Name:        "flash",
			Usage:       "use the flash kernel family (on by default, --flash=false turns it off)",
			Destination: &enableFlash,
		},
	}
}

// shape describes a generated attention call.
type shape struct {
	batch     int64
	seqLen    int64
	hiddenIn  int64
	numHeads  int64
	headSize  int64
	vHeadSize int64
	causal    bool
	maskLens  []int64
	seed      int64
}

func shapeFlags(s *shape) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "batch size",
			Value:       1,
			Destination: &s.batch,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Aliases:     []string{"s"},
			Usage:       "sequence length",
			Value:       128,
			Destination: &s.seqLen,
		},
		&cli.Int64Flag{
			Name:        "hidden-in",
			Usage:       "input hidden size",
			Value:       256,
			Destination: &s.hiddenIn,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Aliases:     []string{"n"},
			Usage:       "number of attention heads",
			Value:       4,
			Destination: &s.numHeads,
		},
		&cli.Int64Flag{
			Name:        "head-size",
			Usage:       "query/key head size",
			Value:       64,
			Destination: &s.headSize,
		},
		&cli.Int64Flag{
			Name:        "v-head-size",
			Usage:       "value head size (0 = head size)",
			Destination: &s.vHeadSize,
		},
		&cli.BoolFlag{
			Name:        "causal",
			Usage:       "unidirectional (causal) attention",
			Destination: &s.causal,
		},
		&cli.Int64SliceFlag{
			Name:        "mask-len",
			Usage:       "valid key length per batch entry (repeatable)",
			Destination: &s.maskLens,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for generated tensors",
			Value:       1,
			Destination: &s.seed,
		},
	}
}
