package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/logger"
	"github.com/samcharles93/fmha/internal/tensor"
)

func decodeCmd() *cli.Command {
	var (
		s         shape
		steps     int64
		maxSeqLen int64
		cacheMode string
	)

	return &cli.Command{
		Name:  "decode",
		Usage: "Prefill a prompt, then decode token by token on a kv cache",
		Flags: append(append(engineFlags(), shapeFlags(&s)...),
			&cli.Int64Flag{
				Name:        "steps",
				Usage:       "single-token steps after the prefill",
				Value:       16,
				Destination: &steps,
			},
			&cli.Int64Flag{
				Name:        "max-seq-len",
				Usage:       "shared buffer capacity (0 = prompt + steps)",
				Destination: &maxSeqLen,
			},
			&cli.StringFlag{
				Name:        "cache",
				Usage:       "cache mode (shared, append)",
				Value:       "shared",
				Destination: &cacheMode,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			settings, err := applyEngineConfig(cmd, fileConfig)
			if err != nil {
				return err
			}
			if err := s.validate(); err != nil {
				return err
			}
			if len(s.maskLens) > 0 {
				return errors.New("--mask-len is not supported by decode")
			}
			if steps < 0 {
				return fmt.Errorf("--steps must not be negative, got %d", steps)
			}
			mode, err := attention.ParseCacheMode(cacheMode)
			if err != nil {
				return err
			}
			if maxSeqLen == 0 {
				maxSeqLen = s.seqLen + steps
			}

			opts := s.options(settings.dtype)
			opts.Unidirectional = true
			opts.Cache = mode
			if mode == attention.CacheSharedBuffer {
				opts.MaxSequenceLength = int(maxSeqLen)
			}
			node, _, done, err := newNode(settings, opts, log)
			if err != nil {
				return err
			}
			defer done()

			weights, bias := s.projection(settings.dtype)
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"STEP", "TOKENS", "PAST", "TOTAL", "PATH", "WORKSPACE", "OUTPUT RMS", "ELAPSED"})
			table.SetBorder(false)

			var present *tensor.Tensor
			past := 0
			for step := range steps + 1 {
				n := 1
				if step == 0 {
					n = int(s.seqLen)
				}
				in := attention.Inputs{
					Input:       s.tokens(settings.dtype, n, step),
					Weights:     weights,
					Bias:        bias,
					Past:        present,
					WantPresent: true,
				}
				if present != nil && mode == attention.CacheSharedBuffer {
					pastLen, err := tensor.FromInt32([]int32{int32(past)}, 1)
					if err != nil {
						return err
					}
					in.PastSequenceLength = pastLen
				}

				start := time.Now()
				out, err := node.Run(in)
				if err != nil {
					return fmt.Errorf("step %d: %w", step, err)
				}
				present = out.Present
				past = out.Params.TotalSequenceLength
				table.Append([]string{
					strconv.FormatInt(step, 10),
					strconv.Itoa(n),
					strconv.Itoa(out.Params.PastSequenceLength),
					strconv.Itoa(out.Params.TotalSequenceLength),
					out.Selection.Path.String(),
					strconv.Itoa(out.Workspace),
					strconv.FormatFloat(summarize(out.Output.Float32s()).RMS, 'f', 4, 64),
					time.Since(start).Round(time.Microsecond).String(),
				})
			}
			table.Render()
			log.Debug("decode finished", "cache", mode, "tokens", past)
			return nil
		},
	}
}
