// Package service wires the stores, the PB pipeline and the import intake
// behind the operations the HTTP API and the CLI need.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	eventqueue "github.com/okian/pbengine/internal/adapters/mq/queue"
	workerpool "github.com/okian/pbengine/internal/adapters/mq/worker"
	"github.com/okian/pbengine/internal/adapters/repository"
	"github.com/okian/pbengine/internal/domain/dedupe"
	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/internal/domain/pb"
	"github.com/okian/pbengine/internal/domain/pipeline"
	"github.com/okian/pbengine/internal/domain/ranking"
	"github.com/okian/pbengine/internal/domain/types"
	"github.com/okian/pbengine/pkg/logger"
	"github.com/okian/pbengine/pkg/metrics"
)

// Service implements the API dependencies of the PB engine.
type Service struct {
	mu sync.RWMutex

	store    repository.Store
	modes    *gamemode.Registry
	pipeline *pipeline.Pipeline
	deduper  dedupe.Deduper
	queue    *eventqueue.InMemoryQueue
	pool     *workerpool.Pool

	workerCount          int
	queueSize            int
	dedupeSize           int
	maxListLimit         int
	buildConcurrency     int
	rankConcurrency      int
	rankWriteConcurrency int
	processTimeout       time.Duration

	// inflight holds the import IDs whose intake has not finished yet.
	flightMu sync.Mutex
	inflight map[string]struct{}

	started bool
	logger  logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the score and PB store. The service closes it on Stop.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithModes sets the mode policy registry.
func WithModes(modes *gamemode.Registry) Option {
	return func(s *Service) {
		if modes != nil {
			s.modes = modes
		}
	}
}

// WithWorkerCount sets the number of pipeline workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum number of queued imports.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many import IDs are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithMaxListLimit caps the limit accepted by ListPBs.
func WithMaxListLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.maxListLimit = limit
		}
	}
}

// WithConcurrency bounds PB builds per run, chart recomputes per run and
// rank writes per chart.
func WithConcurrency(build, rank, rankWrite int) Option {
	return func(s *Service) {
		if build > 0 {
			s.buildConcurrency = build
		}
		if rank > 0 {
			s.rankConcurrency = rank
		}
		if rankWrite > 0 {
			s.rankWriteConcurrency = rankWrite
		}
	}
}

// WithProcessTimeout bounds one queued pipeline run.
func WithProcessTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.processTimeout = d
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service with default configuration. Nothing runs until Start.
func New(opts ...Option) *Service {
	s := &Service{
		modes:                gamemode.DefaultRegistry(),
		workerCount:          runtime.NumCPU(),
		queueSize:            10_000,
		dedupeSize:           100_000,
		maxListLimit:         500,
		buildConcurrency:     16,
		rankConcurrency:      8,
		rankWriteConcurrency: 8,
		processTimeout:       30 * time.Second,
		inflight:             make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the pipeline and starts the workers. Without a configured
// store an in-memory one is used.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore(ctx)
	}

	s.logger.Info(ctx, "starting pb engine", logger.String("driver", s.store.Driver()))

	builder := pb.NewBuilder(s.store, s.modes)
	recomputer := ranking.NewRecomputer(s.store, s.modes,
		ranking.WithWriteConcurrency(s.rankWriteConcurrency),
		ranking.WithLogger(s.logger.Named("ranking")),
	)
	s.pipeline = pipeline.New(s.modes, builder, s.store, recomputer,
		pipeline.WithBuildConcurrency(s.buildConcurrency),
		pipeline.WithRankConcurrency(s.rankConcurrency),
		pipeline.WithLogger(s.logger.Named("pipeline")),
	)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	s.pool = workerpool.NewPool(s.workerCount, s.queue, s.pipeline,
		workerpool.WithProcessTimeout(s.processTimeout),
		workerpool.WithLogger(s.logger.Named("worker")),
	)
	s.pool.Start(ctx)

	s.started = true
	s.logger.Info(ctx, "pb engine started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
	)
	return nil
}

// Stop drains the queue, waits for the workers and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping pb engine")

	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.started = false
	s.logger.Info(ctx, "pb engine stopped")
	return errors.Join(errs...)
}

// Submit records the raw scores written by an import and queues the PB
// refresh of every chart it touched. An import ID seen before is
// acknowledged as a duplicate and not queued again. An empty ImportID is
// replaced by a generated one. A second submission of an import whose
// intake is still running gets ErrBackpressure, since the first may yet fail.
func (s *Service) Submit(ctx context.Context, ev model.ImportEvent, scores ...model.RawScore) (types.ImportAck, error) { //nolint:gocritic // hugeParam: events are passed by value into the queue
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return types.ImportAck{}, ErrNotStarted
	}
	ev, err := s.normalize(ev, scores)
	if err != nil {
		return types.ImportAck{}, err
	}
	if !s.claim(ev.ImportID) {
		return types.ImportAck{}, fmt.Errorf("%w: import %s is still being accepted", ErrBackpressure, ev.ImportID)
	}
	defer s.release(ev.ImportID)

	if s.deduper.SeenAndRecord(ctx, ev.ImportID) {
		metrics.RecordImportDuplicate()
		s.logger.Debug(ctx, "duplicate import", logger.String("importID", ev.ImportID))
		return types.ImportAck{ImportID: ev.ImportID, Duplicate: true}, nil
	}

	if len(scores) > 0 {
		if err := s.store.AddScores(ctx, scores...); err != nil {
			s.deduper.Unrecord(ctx, ev.ImportID)
			return types.ImportAck{}, fmt.Errorf("write scores of import %s: %w", ev.ImportID, err)
		}
	}

	ev.Received = time.Now()
	if !s.queue.Enqueue(ctx, ev) {
		s.deduper.Unrecord(ctx, ev.ImportID)
		return types.ImportAck{}, ErrBackpressure
	}
	return types.ImportAck{ImportID: ev.ImportID}, nil
}

func (s *Service) claim(importID string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if _, busy := s.inflight[importID]; busy {
		return false
	}
	s.inflight[importID] = struct{}{}
	return true
}

func (s *Service) release(importID string) {
	s.flightMu.Lock()
	delete(s.inflight, importID)
	s.flightMu.Unlock()
}

func (s *Service) normalize(ev model.ImportEvent, scores []model.RawScore) (model.ImportEvent, error) { //nolint:gocritic // hugeParam: see Submit
	switch {
	case strings.TrimSpace(ev.UserID) == "":
		return ev, fmt.Errorf("%w: missing user_id", ErrInvalidImport)
	case strings.TrimSpace(ev.Game) == "" || strings.TrimSpace(ev.Playtype) == "":
		return ev, fmt.Errorf("%w: missing game or playtype", ErrInvalidImport)
	}
	mode := gamemode.Mode{Game: ev.Game, Playtype: ev.Playtype}
	if _, err := s.modes.Lookup(mode); err != nil {
		return ev, fmt.Errorf("%w: %w", ErrInvalidImport, err)
	}

	charts := append([]string(nil), ev.ChartIDs...)
	for _, c := range charts {
		if strings.TrimSpace(c) == "" {
			return ev, fmt.Errorf("%w: empty chart id", ErrInvalidImport)
		}
	}
	for _, sc := range scores {
		switch {
		case sc.ScoreID == "" || sc.ChartID == "":
			return ev, fmt.Errorf("%w: score without score_id or chart_id", ErrInvalidImport)
		case sc.UserID != ev.UserID || sc.Game != ev.Game || sc.Playtype != ev.Playtype:
			return ev, fmt.Errorf("%w: score %s belongs to another user or mode", ErrInvalidImport, sc.ScoreID)
		}
		charts = append(charts, sc.ChartID)
	}
	if len(charts) == 0 {
		return ev, fmt.Errorf("%w: no charts", ErrInvalidImport)
	}
	ev.ChartIDs = charts

	if ev.ImportID == "" {
		ev.ImportID = uuid.NewString()
	}
	return ev, nil
}

// Process runs the pipeline synchronously, bypassing the queue.
func (s *Service) Process(ctx context.Context, mode gamemode.Mode, userID string, chartIDs []string) (pipeline.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return pipeline.Report{}, ErrNotStarted
	}
	return s.pipeline.Run(ctx, mode, userID, chartIDs)
}

// AddScores writes raw scores without queuing a refresh.
func (s *Service) AddScores(ctx context.Context, scores ...model.RawScore) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return ErrNotStarted
	}
	return s.store.AddScores(ctx, scores...)
}

// GetPB returns the PB of userID on chartID.
func (s *Service) GetPB(ctx context.Context, chartID, userID string) (types.PBView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return types.PBView{}, ErrNotStarted
	}
	doc, err := s.store.Get(ctx, chartID, userID)
	if err != nil {
		return types.PBView{}, err
	}
	return types.NewPBView(doc), nil
}

// ListPBs returns up to limit PBs of chartID, best rank first. PBs that were
// never ranked come last.
func (s *Service) ListPBs(ctx context.Context, chartID string, limit int) (types.ChartPBs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return types.ChartPBs{}, ErrNotStarted
	}
	if limit < 1 || limit > s.maxListLimit {
		return types.ChartPBs{}, fmt.Errorf("%w: %d not in [1, %d]", repository.ErrInvalidLimit, limit, s.maxListLimit)
	}
	docs, err := s.store.ListChart(ctx, chartID)
	if err != nil {
		return types.ChartPBs{}, err
	}
	ranking.SortByRank(docs)

	out := types.ChartPBs{ChartID: chartID, Total: len(docs), PBs: make([]types.PBView, 0, min(limit, len(docs)))}
	for i := 0; i < len(docs) && i < limit; i++ {
		out.PBs = append(out.PBs, types.NewPBView(docs[i]))
	}
	return out, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) (types.ServiceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.ServiceStats{
		Started:       s.started,
		Workers:       s.workerCount,
		QueueCapacity: s.queueSize,
	}
	for _, m := range s.modes.Modes() {
		st.Modes = append(st.Modes, m.String())
	}
	if !s.started {
		return st, nil
	}

	st.Driver = s.store.Driver()
	st.QueueLength = s.queue.Len(ctx)
	st.KnownImports = s.deduper.Size()
	storeStats, err := s.store.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Store = types.StoreStats(storeStats)
	return st, nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
