package ranking

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/pkg/logger"
	"github.com/okian/pbengine/pkg/metrics"
)

const defaultWriteConcurrency = 8

// Store is the part of the PB store the recomputer needs.
type Store interface {
	ListChart(ctx context.Context, chartID string) ([]model.PBDocument, error)
	UpdateRank(ctx context.Context, chartID, userID string, rank, outOf int) error
}

// Option configures a Recomputer.
type Option func(*Recomputer)

// WithWriteConcurrency bounds the rank writes in flight for one chart.
func WithWriteConcurrency(n int) Option {
	return func(r *Recomputer) {
		if n > 0 {
			r.writeConcurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Recomputer) {
		if l != nil {
			r.log = l
		}
	}
}

// Recomputer rewrites the rank fields of every PB on a chart.
type Recomputer struct {
	store            Store
	modes            *gamemode.Registry
	writeConcurrency int
	log              logger.Logger
}

// NewRecomputer builds a recomputer over store.
func NewRecomputer(store Store, modes *gamemode.Registry, opts ...Option) *Recomputer {
	r := &Recomputer{
		store:            store,
		modes:            modes,
		writeConcurrency: defaultWriteConcurrency,
		log:              logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recompute loads the chart's PBs, ranks them densely and writes rank and
// out-of back to each document. Rank writes are per document so concurrent
// score updates are never overwritten. A chart without PBs is left alone.
func (r *Recomputer) Recompute(ctx context.Context, mode gamemode.Mode, chartID string) (err error) {
	ctx, span := otel.Tracer("pbengine").Start(ctx, "ranking.recompute")
	span.SetAttributes(attribute.String("chart_id", chartID), attribute.String("mode", mode.String()))
	start := time.Now()
	documents := 0
	defer func() {
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordRecompute(outcome, documents, time.Since(start))
		span.End()
	}()

	policy, err := r.modes.Lookup(mode)
	if err != nil {
		return &RecomputeFailedError{ChartID: chartID, Cause: err}
	}

	docs, err := r.store.ListChart(ctx, chartID)
	if err != nil {
		return &RecomputeFailedError{ChartID: chartID, Cause: err}
	}
	documents = len(docs)
	if documents == 0 {
		return nil
	}

	entries := Rank(policy, docs)
	outOf := len(entries)

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(r.writeConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			if werr := r.store.UpdateRank(ctx, chartID, e.UserID, e.Rank, outOf); werr != nil {
				r.log.Warn(ctx, "rank write failed",
					logger.String("chartID", chartID),
					logger.String("userID", e.UserID),
					logger.Int("rank", e.Rank),
					logger.Error(werr))
				mu.Lock()
				errs = append(errs, werr)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return &RecomputeFailedError{ChartID: chartID, Cause: errors.Join(errs...)}
	}
	r.log.Debug(ctx, "chart ranked", logger.String("chartID", chartID), logger.Int("outOf", outOf))
	return nil
}
