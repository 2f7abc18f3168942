package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/config"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/logger"
)

type runReport struct {
	Device      string               `json:"device"`
	Params      attention.Parameters `json:"parameters"`
	Selection   attention.Selection  `json:"selection"`
	Workspace   int                  `json:"workspace_bytes"`
	OutputShape []int                `json:"output_shape"`
	Output      summary              `json:"output"`
	Elapsed     string               `json:"elapsed"`
	Arena       device.ArenaStats    `json:"arena"`
	// GenericMaxAbsDiff compares a fused result against the generic path.
	GenericMaxAbsDiff *float64 `json:"generic_max_abs_diff,omitempty"`
}

func runCmd() *cli.Command {
	var (
		s       shape
		compare bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one attention call on generated inputs and print a JSON report",
		Flags: append(append(engineFlags(), shapeFlags(&s)...),
			&cli.BoolFlag{
				Name:        "compare",
				Usage:       "also run the generic path and report the largest difference",
				Destination: &compare,
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
			in, err := s.inputs(settings.dtype)
			if err != nil {
				return err
			}

			node, arena, done, err := newNode(settings, s.options(settings.dtype), log)
			if err != nil {
				return err
			}
			defer done()

			start := time.Now()
			out, err := node.Run(in)
			if err != nil {
				return err
			}
			report := runReport{
				Device:      settings.props.String(),
				Params:      out.Params,
				Selection:   out.Selection,
				Workspace:   out.Workspace,
				OutputShape: out.Output.Shape(),
				Output:      summarize(out.Output.Float32s()),
				Elapsed:     time.Since(start).String(),
				Arena:       arena.Stats(),
			}
			log.Info("attention call finished", "path", out.Selection.Path, "elapsed", report.Elapsed)

			if compare && out.Selection.Path == attention.PathFused {
				generic := settings
				generic.flags = config.Flags{DisableFusedAttention: true}
				ref, _, doneRef, err := newNode(generic, s.options(settings.dtype), log)
				if err != nil {
					return err
				}
				defer doneRef()
				refOut, err := ref.Run(in)
				if err != nil {
					return fmt.Errorf("generic reference: %w", err)
				}
				d := s.validRowsDiff(refOut.Output.Float32s(), out.Output.Float32s(), out.Output.Dim(2))
				report.GenericMaxAbsDiff = &d
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
