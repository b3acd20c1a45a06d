// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

// RunMockConsole runs the positioning pipeline against the simulated
// receiver and prints every published fix. No broker or hardware needed.
func RunMockConsole(ctx context.Context, opts gps.SimOptions, out io.Writer, logger *slog.Logger) error {
	fixes := watch.New[*gps.Fix]()
	src := gps.NewSimReceiver(opts)
	defer src.Close()

	positioning := gps.NewPositioning(src, fixes, gps.DefaultPositioningConfig(), logger, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return positioning.Run(gctx) })
	g.Go(func() error {
		rx := fixes.Subscribe()
		for {
			fix, err := rx.Changed(gctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, formatFix(fix))
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
