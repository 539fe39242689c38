// Package pipeline refreshes personal bests and chart ranks after an import.
//
// A run has two strictly sequential phases. First every touched chart's PB is
// built concurrently and the results are bulk upserted. Then every chart that
// received a document is re-ranked concurrently. Between the two phases
// readers may see PBs whose rank is missing or stale; the window lasts until
// the rank phase finishes and is exported as the rank_pending_window gauge.
//
// Failures of single items never abort their siblings. Only a store that is
// unreachable fails the run.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/okian/pbengine/internal/adapters/repository"
	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/pkg/logger"
	"github.com/okian/pbengine/pkg/metrics"
)

const (
	defaultBuildConcurrency = 16
	defaultRankConcurrency  = 8
)

// Builder produces the PB of one user on one chart.
type Builder interface {
	Build(ctx context.Context, mode gamemode.Mode, userID, chartID string) (model.PBDocument, bool, error)
}

// Persister bulk upserts PB documents.
type Persister interface {
	BulkUpsert(ctx context.Context, docs []model.PBDocument) (repository.BulkResult, error)
}

// Recomputer re-ranks one chart.
type Recomputer interface {
	Recompute(ctx context.Context, mode gamemode.Mode, chartID string) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBuildConcurrency bounds the PB builds in flight.
func WithBuildConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.buildConcurrency = n
		}
	}
}

// WithRankConcurrency bounds the chart recomputes in flight.
func WithRankConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.rankConcurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline is the PB aggregation orchestrator.
type Pipeline struct {
	modes      *gamemode.Registry
	builder    Builder
	persister  Persister
	recomputer Recomputer

	buildConcurrency int
	rankConcurrency  int
	log              logger.Logger
}

// New wires a pipeline from its collaborators.
func New(modes *gamemode.Registry, builder Builder, persister Persister, recomputer Recomputer, opts ...Option) *Pipeline {
	p := &Pipeline{
		modes:            modes,
		builder:          builder,
		persister:        persister,
		recomputer:       recomputer,
		buildConcurrency: defaultBuildConcurrency,
		rankConcurrency:  defaultRankConcurrency,
		log:              logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Report describes what one run did.
type Report struct {
	RunID             string
	Charts            int
	Built             int
	Absent            int
	BuildFailures     []error
	Persisted         int
	PersistFailures   []error
	Ranked            []string
	RecomputeFailures []error
	RankPendingWindow time.Duration
}

// Partial reports whether any item failed.
func (r Report) Partial() bool {
	return len(r.BuildFailures)+len(r.PersistFailures)+len(r.RecomputeFailures) > 0
}

// Process refreshes userID's PBs on chartIDs and re-ranks the affected
// charts. Duplicate chart IDs are processed once. It fails only with a
// PipelineFailedError.
func (p *Pipeline) Process(ctx context.Context, mode gamemode.Mode, userID string, chartIDs []string) error {
	_, err := p.Run(ctx, mode, userID, chartIDs)
	return err
}

// Run is Process with a report of per-item outcomes.
func (p *Pipeline) Run(ctx context.Context, mode gamemode.Mode, userID string, chartIDs []string) (rep Report, err error) {
	charts := unique(chartIDs)
	if len(charts) == 0 {
		metrics.RecordPipelineRun(metrics.OutcomeNoop, 0)
		return Report{}, nil
	}

	rep.RunID = uuid.NewString()
	rep.Charts = len(charts)
	log := p.log.With(logger.String("runID", rep.RunID), logger.String("userID", userID), logger.String("mode", mode.String()))

	ctx, span := otel.Tracer("pbengine").Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("run_id", rep.RunID),
		attribute.String("user_id", userID),
		attribute.String("mode", mode.String()),
		attribute.Int("charts", len(charts)),
	)
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeOK
		switch {
		case err != nil:
			outcome = metrics.OutcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.RecordErrorByComponent("pipeline", "pipeline_failed")
		case rep.Partial():
			outcome = metrics.OutcomePartial
		}
		metrics.RecordPipelineRun(outcome, time.Since(start))
		span.End()
	}()

	if _, err := p.modes.Lookup(mode); err != nil {
		return rep, &PipelineFailedError{Cause: err}
	}

	docs := p.buildAll(ctx, log, mode, userID, charts, &rep)
	if storeDown(rep.BuildFailures, len(charts)) {
		return rep, &PipelineFailedError{Cause: errors.Join(rep.BuildFailures...)}
	}
	if len(docs) == 0 {
		log.Debug(ctx, "no personal bests to persist", logger.Int("absent", rep.Absent))
		return rep, nil
	}

	if err := p.persist(ctx, log, docs, &rep); err != nil {
		return rep, err
	}
	persistedAt := time.Now()

	p.recomputeAll(ctx, log, mode, docs, &rep)
	rep.RankPendingWindow = time.Since(persistedAt)
	metrics.UpdateRankPendingWindow(rep.RankPendingWindow)

	log.Info(ctx, "personal bests processed",
		logger.Int("charts", rep.Charts),
		logger.Int("built", rep.Built),
		logger.Int("absent", rep.Absent),
		logger.Int("persisted", rep.Persisted),
		logger.Int("ranked", len(rep.Ranked)),
		logger.Int("failures", len(rep.BuildFailures)+len(rep.PersistFailures)+len(rep.RecomputeFailures)),
		logger.Duration("rankPendingWindow", rep.RankPendingWindow),
	)
	return rep, nil
}

// storeDown reports whether every one of n builds failed because the score
// store could not be reached. A single successful or absent read proves the
// store is up, so the remaining failures stay item failures.
func storeDown(failures []error, n int) bool {
	if n == 0 || len(failures) != n {
		return false
	}
	for _, err := range failures {
		if !errors.Is(err, repository.ErrUnavailable) {
			return false
		}
	}
	return true
}

type buildResult struct {
	doc model.PBDocument
	ok  bool
	err error
}

// buildAll runs one build per chart and returns the concrete documents in
// chart order. Absent results and failures are recorded in rep and dropped.
func (p *Pipeline) buildAll(ctx context.Context, log logger.Logger, mode gamemode.Mode, userID string, charts []string, rep *Report) []model.PBDocument {
	results := make([]buildResult, len(charts))
	g := new(errgroup.Group)
	g.SetLimit(p.buildConcurrency)
	for i, chartID := range charts {
		g.Go(func() error {
			doc, ok, err := p.builder.Build(ctx, mode, userID, chartID)
			results[i] = buildResult{doc: doc, ok: ok, err: err}
			return nil
		})
	}
	_ = g.Wait()

	docs := make([]model.PBDocument, 0, len(charts))
	for i, r := range results {
		switch {
		case r.err != nil:
			log.Warn(ctx, "pb build failed, skipping chart", logger.String("chartID", charts[i]), logger.Error(r.err))
			metrics.RecordErrorByComponent("pipeline", "build_failed")
			rep.BuildFailures = append(rep.BuildFailures, r.err)
		case !r.ok:
			rep.Absent++
		default:
			docs = append(docs, r.doc)
		}
	}
	rep.Built = len(docs)
	return docs
}

func (p *Pipeline) persist(ctx context.Context, log logger.Logger, docs []model.PBDocument, rep *Report) error {
	ctx, span := otel.Tracer("pbengine").Start(ctx, "pb.persist")
	span.SetAttributes(attribute.Int("documents", len(docs)))
	defer span.End()

	start := time.Now()
	res, err := p.persister.BulkUpsert(ctx, docs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &PipelineFailedError{Cause: err}
	}
	metrics.RecordPersist(res.Upserted, len(res.Failed), time.Since(start))

	rep.Persisted = res.Upserted
	for _, f := range res.Failed {
		itemErr := &PersistItemFailedError{ChartID: f.ChartID, UserID: f.UserID, Cause: f.Err}
		log.Warn(ctx, "pb upsert failed, keeping previous document",
			logger.String("chartID", f.ChartID),
			logger.Error(itemErr))
		metrics.RecordErrorByComponent("pipeline", "persist_item_failed")
		rep.PersistFailures = append(rep.PersistFailures, itemErr)
	}
	return nil
}

// recomputeAll re-ranks every distinct chart among docs, whatever the
// outcome of the individual upserts.
func (p *Pipeline) recomputeAll(ctx context.Context, log logger.Logger, mode gamemode.Mode, docs []model.PBDocument, rep *Report) {
	charts := make([]string, 0, len(docs))
	for _, d := range docs {
		charts = append(charts, d.ChartID)
	}
	charts = unique(charts)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.rankConcurrency)
	for _, chartID := range charts {
		g.Go(func() error {
			err := p.recomputer.Recompute(ctx, mode, chartID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error(ctx, "rank recompute failed, chart stays stale", logger.String("chartID", chartID), logger.Error(err))
				metrics.RecordErrorByComponent("pipeline", "recompute_failed")
				rep.RecomputeFailures = append(rep.RecomputeFailures, err)
				return nil
			}
			rep.Ranked = append(rep.Ranked, chartID)
			return nil
		})
	}
	_ = g.Wait()
}

// unique drops duplicates, keeping first occurrence order.
func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
