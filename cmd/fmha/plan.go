package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/logger"
)

func planCmd() *cli.Command {
	var s shape

	return &cli.Command{
		Name:  "plan",
		Usage: "Resolve parameters, path selection and workspace without running",
		Flags: append(engineFlags(), shapeFlags(&s)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
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
			node, _, done, err := newNode(settings, s.options(settings.dtype), logger.FromContext(ctx))
			if err != nil {
				return err
			}
			defer done()

			p, sel, ws, err := node.Plan(in)
			if err != nil {
				return err
			}
			elem := p.DType.Size()

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"FIELD", "VALUE"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			table.AppendBulk([][]string{
				{"device", settings.props.String()},
				{"dtype", p.DType.String()},
				{"batch", strconv.Itoa(p.BatchSize)},
				{"sequence", strconv.Itoa(p.SequenceLength)},
				{"total sequence", strconv.Itoa(p.TotalSequenceLength)},
				{"heads", strconv.Itoa(p.NumHeads)},
				{"head size", fmt.Sprintf("%d (v %d)", p.HeadSize, p.VHeadSize)},
				{"mask", p.MaskType.String()},
				{"causal", strconv.FormatBool(p.IsUnidirectional)},
				{"scale", strconv.FormatFloat(float64(p.Scale), 'g', 6, 32)},
				{"path", sel.Path.String()},
				{"runner", runnerName(sel)},
				{"reason", sel.Reason},
				{"workspace", strconv.Itoa(ws)},
				{"workspace generic", strconv.Itoa(attention.WorkspaceSize(elem, p, false))},
				{"workspace fused", strconv.Itoa(attention.WorkspaceSize(elem, p, true))},
			})
			table.Render()
			return nil
		},
	}
}

func runnerName(sel attention.Selection) string {
	if sel.Runner == nil {
		return "-"
	}
	if s, ok := sel.Runner.(fmt.Stringer); ok {
		return s.String()
	}
	return sel.Key.String()
}
