package simulate

import (
	"context"
	"fmt"
	"io"

	"github.com/okian/pbengine/pkg/logger"
)

const percentageMultiplier = 100

// LogStats logs the final statistics of a run.
func LogStats(ctx context.Context, stats *Stats) {
	var acceptRate, importsPerSecond float64
	if stats.ImportsGenerated > 0 {
		acceptRate = float64(stats.ImportsAccepted) / float64(stats.ImportsGenerated) * percentageMultiplier
	}
	if stats.Duration > 0 {
		importsPerSecond = float64(stats.ImportsAccepted) / stats.Duration.Seconds()
	}

	logger.Get().Info(ctx, "final statistics",
		logger.Int("importsGenerated", stats.ImportsGenerated),
		logger.Int("scoresGenerated", stats.ScoresGenerated),
		logger.Int("importsAccepted", stats.ImportsAccepted),
		logger.Int("importsDuplicate", stats.ImportsDuplicate),
		logger.Int("importsFailed", stats.ImportsFailed),
		logger.Int("backpressured", stats.Backpressured),
		logger.Int("charts", stats.Charts),
		logger.Int("pbsVerified", stats.PBsVerified),
		logger.Int("staleBeforeSettle", stats.StaleBeforeSettle),
		logger.Int("settleRounds", stats.SettleRounds),
		logger.Int("mismatches", len(stats.Mismatches)),
		logger.Duration("duration", stats.Duration),
		logger.Float64("acceptRate", acceptRate),
		logger.Float64("importsPerSecond", importsPerSecond))
}

// WriteMismatches prints one line per mismatch.
func WriteMismatches(w io.Writer, stats *Stats) error {
	for _, m := range stats.Mismatches {
		if _, err := fmt.Fprintln(w, m.String()); err != nil {
			return err
		}
	}
	return nil
}
