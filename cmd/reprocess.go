package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	service "github.com/okian/pbengine/internal/app"
	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/pipeline"
	"github.com/okian/pbengine/pkg/logger"
)

func reprocessCommand() *cli.Command {
	return &cli.Command{
		Name:  "reprocess",
		Usage: "rebuild and re-rank the PBs of one user synchronously",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "user ID", Required: true},
			&cli.StringFlag{Name: "game", Usage: "game, e.g. iidx", Required: true},
			&cli.StringFlag{Name: "playtype", Usage: "playtype, e.g. SP", Required: true},
			&cli.StringSliceFlag{Name: "chart", Usage: "chart ID (repeatable)", Required: true},
		},
		Action: reprocess,
	}
}

func reprocess(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	// The queue is not used, keep a single idle worker.
	cfg.WorkerCount = 1

	svc, err := service.FromConfig(ctx, cfg, logger.Get())
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = svc.Stop(context.WithoutCancel(ctx)) }()

	mode := gamemode.Mode{Game: c.String("game"), Playtype: c.String("playtype")}
	report, err := svc.Process(ctx, mode, c.String("user"), c.StringSlice("chart"))
	if err != nil {
		return err
	}
	return writeReport(c.App.Writer, report)
}

func writeReport(w io.Writer, r pipeline.Report) error { //nolint:gocritic // hugeParam: printed once
	_, err := fmt.Fprintf(w, "run %s: charts=%d built=%d absent=%d persisted=%d ranked=%d pending=%s\n",
		r.RunID, r.Charts, r.Built, r.Absent, r.Persisted, len(r.Ranked), r.RankPendingWindow)
	if err != nil {
		return err
	}
	for _, group := range [][]error{r.BuildFailures, r.PersistFailures, r.RecomputeFailures} {
		for _, e := range group {
			if _, err := fmt.Fprintf(w, "  failed: %v\n", e); err != nil {
				return err
			}
		}
	}
	return nil
}
