// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/frostml/frostnet"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newInfoCommand(opts *options) *cobra.Command {
	var listVars bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the hyperparameters and variables saved in a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpointDir, dataDir, err := opts.checkpointLocation()
			if err != nil {
				return err
			}
			ctx := context.New()
			var handler *checkpoints.Handler
			if panicErr := exceptions.TryCatch[error](func() {
				handler, err = checkpoints.Load(ctx).DirFromBase(checkpointDir, dataDir).Immediate().Done()
			}); panicErr != nil {
				err = panicErr
			}
			if err != nil {
				return errors.WithMessagef(err, "failed to load checkpoint %q", checkpointDir)
			}
			out := cmd.OutOrStdout()
			printSummary(out, ctx, handler.Dir())
			printParams(out, ctx)
			if listVars {
				printVariables(out, ctx)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&listVars, "vars", false, "List the variables saved in the checkpoint")
	return cmd
}

func printSummary(w io.Writer, ctx *context.Context, dir string) {
	var numVars, totalSize int
	var totalMemory uintptr
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table := newTable()
	table.Row("checkpoint", dir)
	table.Row("run_id", context.GetParamOr(ctx, frostnet.ParamRunID, ""))
	table.Row("global_step", humanize.Comma(int64(optimizers.GetGlobalStep(ctx))))
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Fprintln(w, table.Render())
}

func printParams(w io.Writer, ctx *context.Context) {
	table := newTable().Headers("scope", "name", "type", "value")
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	fmt.Fprintln(w, table.Render())
}

func printVariables(w io.Writer, ctx *context.Context) {
	var rows [][]string
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	table := newTable().Headers("scope", "name", "shape", "size", "bytes")
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Fprintln(w, table.Render())
}
