package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	service "github.com/okian/pbengine/internal/app"
	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/simulate"
	"github.com/okian/pbengine/pkg/logger"
)

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "drive random imports through an in-process engine and verify the ranks",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Usage: "game:playtype to simulate", Value: "iidx:SP"},
			&cli.IntFlag{Name: "users", Value: simulate.DefaultUsers},
			&cli.IntFlag{Name: "charts", Value: simulate.DefaultCharts},
			&cli.IntFlag{Name: "imports", Usage: "imports per user", Value: simulate.DefaultImportsPerUser},
			&cli.IntFlag{Name: "scores", Usage: "scores per import", Value: simulate.DefaultScoresPerImport},
			&cli.IntFlag{Name: "workers", Usage: "concurrent submitters", Value: simulate.DefaultWorkers},
			&cli.Float64Flag{Name: "duplicates", Usage: "share of imports submitted twice", Value: simulate.DefaultDuplicateRate},
			&cli.Uint64Flag{Name: "seed", Usage: "generator seed, 0 for random"},
			&cli.DurationFlag{Name: "timeout", Usage: "bound on waiting for the queue to drain", Value: simulate.DefaultTimeout},
			&cli.StringFlag{Name: "output", Usage: "write the generated imports to this JSON file"},
		},
		Action: runSimulation,
	}
}

func runSimulation(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	mode, err := gamemode.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}
	simCfg := &simulate.Config{
		Mode:            mode,
		Users:           c.Int("users"),
		Charts:          c.Int("charts"),
		ImportsPerUser:  c.Int("imports"),
		ScoresPerImport: c.Int("scores"),
		Workers:         c.Int("workers"),
		DuplicateRate:   c.Float64("duplicates"),
		Seed:            c.Uint64("seed"),
		Timeout:         c.Duration("timeout"),
		OutputFile:      c.String("output"),
	}
	// A chart page must fit every simulated user.
	cfg.MaxListLimit = max(cfg.MaxListLimit, simCfg.Users)

	modes, err := service.ModeRegistry(cfg.Modes)
	if err != nil {
		return err
	}
	svc, err := service.FromConfig(ctx, cfg, logger.Get())
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = svc.Stop(context.WithoutCancel(ctx)) }()

	stats, err := simulate.Run(ctx, svc, modes, simCfg)
	if err != nil {
		return err
	}
	simulate.LogStats(ctx, stats)
	if stats.Passed() {
		return nil
	}
	if err := simulate.WriteMismatches(c.App.ErrWriter, stats); err != nil {
		return err
	}
	return fmt.Errorf("simulation found %d mismatches", len(stats.Mismatches))
}
