package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/internal/domain/pipeline"
	"github.com/okian/pbengine/internal/domain/types"
	"github.com/okian/pbengine/pkg/logger"
)

const (
	directoryPermission = 0o750
	filePermission      = 0o600
)

// Target is the engine surface a simulation drives.
type Target interface {
	Submit(ctx context.Context, ev model.ImportEvent, scores ...model.RawScore) (types.ImportAck, error)
	Process(ctx context.Context, mode gamemode.Mode, userID string, chartIDs []string) (pipeline.Report, error)
	ListPBs(ctx context.Context, chartID string, limit int) (types.ChartPBs, error)
}

// Run generates imports, submits them concurrently, waits for the queue to
// drain and verifies every chart. Verification failures are reported in the
// returned Stats; the error covers runs that could not complete.
func Run(ctx context.Context, target Target, modes *gamemode.Registry, cfg *Config) (*Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := modes.Lookup(cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	stats := &Stats{StartTime: time.Now()}
	log := logger.Get().Named("simulate")
	log.Info(ctx, "starting simulation",
		logger.String("mode", cfg.Mode.String()),
		logger.Int("users", cfg.Users),
		logger.Int("charts", cfg.Charts),
		logger.Int("importsPerUser", cfg.ImportsPerUser),
		logger.Int("scoresPerImport", cfg.ScoresPerImport),
		logger.Int("workers", cfg.Workers))

	imports := Generate(cfg, policy)
	stats.ImportsGenerated = len(imports)
	for _, imp := range imports {
		stats.ScoresGenerated += len(imp.Scores)
	}
	want := expect(policy, imports)
	stats.Charts = len(want)

	if err := submitAll(ctx, target, cfg, imports, stats); err != nil {
		return stats, fmt.Errorf("submit imports: %w", err)
	}

	log.Info(ctx, "waiting for imports to be processed")
	if err := waitSettled(ctx, target, want, cfg.Timeout); err != nil {
		return stats, err
	}

	mismatches, checked, err := verify(ctx, target, want)
	if err != nil {
		return stats, err
	}
	stats.StaleBeforeSettle = len(mismatches)

	// Runs of the same user can overlap in the worker pool, so a late stale
	// write is possible. Reprocessing every user sequentially settles it.
	for stats.SettleRounds < settleRounds && len(mismatches) > 0 {
		stats.SettleRounds++
		log.Warn(ctx, "reprocessing after mismatches",
			logger.Int("mismatches", len(mismatches)),
			logger.Int("round", stats.SettleRounds))
		if err := reprocess(ctx, target, cfg.Mode, imports); err != nil {
			return stats, err
		}
		if mismatches, checked, err = verify(ctx, target, want); err != nil {
			return stats, err
		}
	}
	stats.Mismatches = mismatches
	stats.PBsVerified = checked

	if cfg.OutputFile != "" {
		if err := saveImports(cfg.OutputFile, imports); err != nil {
			log.Warn(ctx, "failed to save imports to file", logger.Error(err))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	log.Info(ctx, "simulation finished",
		logger.Int("pbsVerified", stats.PBsVerified),
		logger.Int("mismatches", len(stats.Mismatches)),
		logger.Duration("duration", stats.Duration))
	return stats, nil
}

func submitAll(ctx context.Context, target Target, cfg *Config, imports []Import, stats *Stats) error {
	var accepted, duplicate, backpressured atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range imports {
		imp := imports[i]
		g.Go(func() error {
			ack, retries, err := submitWithRetry(gctx, target, imp)
			backpressured.Add(int64(retries))
			if err != nil {
				return fmt.Errorf("import %s: %w", imp.Event.ImportID, err)
			}
			if ack.Duplicate {
				return fmt.Errorf("%w: first submission of %s is a duplicate", ErrUnexpectedAck, imp.Event.ImportID)
			}
			accepted.Add(1)

			if !imp.Duplicate {
				return nil
			}
			ack, retries, err = submitWithRetry(gctx, target, imp)
			backpressured.Add(int64(retries))
			if err != nil {
				return fmt.Errorf("resubmit import %s: %w", imp.Event.ImportID, err)
			}
			if !ack.Duplicate {
				return fmt.Errorf("%w: resubmission of %s was accepted again", ErrUnexpectedAck, imp.Event.ImportID)
			}
			duplicate.Add(1)
			return nil
		})
	}
	err := g.Wait()

	stats.ImportsAccepted = int(accepted.Load())
	stats.ImportsDuplicate = int(duplicate.Load())
	stats.Backpressured = int(backpressured.Load())
	stats.ImportsFailed = len(imports) - stats.ImportsAccepted
	return err
}

// submitWithRetry resubmits while the engine pushes back.
func submitWithRetry(ctx context.Context, target Target, imp Import) (types.ImportAck, int, error) { //nolint:gocritic // hugeParam: imports are small
	retries := 0
	for {
		ack, err := target.Submit(ctx, imp.Event, imp.Scores...)
		if !errors.Is(err, types.ErrBackpressure) {
			return ack, retries, err
		}
		retries++
		select {
		case <-ctx.Done():
			return types.ImportAck{}, retries, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func waitSettled(ctx context.Context, target Target, want expectation, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := settled(ctx, target, want)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrNotSettled
		case <-ticker.C:
		}
	}
}

// reprocess runs the pipeline once per user over every chart they played.
func reprocess(ctx context.Context, target Target, mode gamemode.Mode, imports []Import) error {
	charts := make(map[string]map[string]struct{})
	for _, imp := range imports {
		set, ok := charts[imp.Event.UserID]
		if !ok {
			set = make(map[string]struct{})
			charts[imp.Event.UserID] = set
		}
		for _, s := range imp.Scores {
			set[s.ChartID] = struct{}{}
		}
	}

	users := make([]string, 0, len(charts))
	for u := range charts {
		users = append(users, u)
	}
	sort.Strings(users)

	for _, userID := range users {
		ids := make([]string, 0, len(charts[userID]))
		for c := range charts[userID] {
			ids = append(ids, c)
		}
		sort.Strings(ids)
		if _, err := target.Process(ctx, mode, userID, ids); err != nil {
			return fmt.Errorf("reprocess %s: %w", userID, err)
		}
	}
	return nil
}

// saveImports writes the generated imports as indented JSON.
func saveImports(filename string, imports []Import) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(imports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal imports: %w", err)
	}
	if err := os.WriteFile(filename, data, filePermission); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}
