package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/pkg/metrics"
)

// DriverMemory names the in-memory driver.
const DriverMemory = "memory"

type scoreKey struct {
	userID  string
	chartID string
}

// MemoryStore keeps scores and PBs in process memory. Every document is
// deep-copied on the way in and out, so callers never share state with it.
type MemoryStore struct {
	mu       sync.RWMutex
	scores   map[scoreKey][]model.RawScore
	scoreIDs map[string]struct{}
	pbs      map[string]map[string]model.PBDocument // chartID -> userID -> doc

	metricsUpdateInterval time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore constructs an in-memory store with configuration options.
// Background metrics publishing runs at metrics.RefreshInterval unless
// overridden, is skipped while metrics are disabled, and stops when ctx is
// done or Close is called.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		scores:                make(map[scoreKey][]model.RawScore),
		scoreIDs:              make(map[string]struct{}),
		pbs:                   make(map[string]map[string]model.PBDocument),
		metricsUpdateInterval: metrics.RefreshInterval(),
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if metrics.Enabled() {
		s.startMetricsUpdater(ctx)
	}
	return s
}

// Driver implements Store.
func (s *MemoryStore) Driver() string { return DriverMemory }

// Close stops the background metrics updater.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

// AddScores stores raw scores. A score ID that is already stored is skipped,
// raw scores are immutable.
func (s *MemoryStore) AddScores(_ context.Context, scores ...model.RawScore) error {
	defer observe("add_scores", time.Now())

	for _, sc := range scores {
		if sc.ScoreID == "" {
			return ErrConstraint
		}
		if err := ValidateIdentity(sc.ChartID, sc.UserID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range scores {
		if _, dup := s.scoreIDs[sc.ScoreID]; dup {
			continue
		}
		s.scoreIDs[sc.ScoreID] = struct{}{}
		k := scoreKey{userID: sc.UserID, chartID: sc.ChartID}
		s.scores[k] = append(s.scores[k], sc.Clone())
	}
	return nil
}

// ReadScores implements ScoreStore.
func (s *MemoryStore) ReadScores(_ context.Context, userID, chartID string) ([]model.RawScore, error) {
	defer observe("read_scores", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.scores[scoreKey{userID: userID, chartID: chartID}]
	out := make([]model.RawScore, len(stored))
	for i, sc := range stored {
		out[i] = sc.Clone()
	}
	return out, nil
}

// BulkUpsert implements PBStore.
func (s *MemoryStore) BulkUpsert(_ context.Context, docs []model.PBDocument) (BulkResult, error) {
	defer observe("bulk_upsert", time.Now())

	var res BulkResult
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		if err := ValidateIdentity(d.ChartID, d.UserID); err != nil {
			res.Failed = append(res.Failed, ItemFailure{ChartID: d.ChartID, UserID: d.UserID, Err: err})
			continue
		}
		chart := s.pbs[d.ChartID]
		if chart == nil {
			chart = make(map[string]model.PBDocument)
			s.pbs[d.ChartID] = chart
		}
		next := d.Clone()
		next.Rank, next.OutOf = nil, nil
		if prev, ok := chart[d.UserID]; ok {
			next.Rank, next.OutOf = prev.Rank, prev.OutOf
		}
		chart[d.UserID] = next
		res.Upserted++
	}
	return res, nil
}

// ListChart implements PBStore. Documents are ordered by user ID.
func (s *MemoryStore) ListChart(_ context.Context, chartID string) ([]model.PBDocument, error) {
	defer observe("list_chart", time.Now())

	s.mu.RLock()
	chart := s.pbs[chartID]
	out := make([]model.PBDocument, 0, len(chart))
	for _, d := range chart {
		out = append(out, d.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// UpdateRank implements PBStore.
func (s *MemoryStore) UpdateRank(_ context.Context, chartID, userID string, rank, outOf int) error {
	defer observe("update_rank", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.pbs[chartID][userID]
	if !ok {
		metrics.RecordErrorByComponent("repository", "not_found")
		return ErrNotFound
	}
	d.Rank, d.OutOf = &rank, &outOf
	s.pbs[chartID][userID] = d
	return nil
}

// Get implements PBStore.
func (s *MemoryStore) Get(_ context.Context, chartID, userID string) (model.PBDocument, error) {
	defer observe("get", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.pbs[chartID][userID]
	if !ok {
		return model.PBDocument{}, ErrNotFound
	}
	return d.Clone(), nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Scores: len(s.scoreIDs), Charts: len(s.pbs)}
	for _, chart := range s.pbs {
		st.PBs += len(chart)
	}
	return st, nil
}

func (s *MemoryStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				st, _ := s.Stats(ctx)
				PublishStats(DriverMemory, st)
			}
		}
	}()
}

// PublishStats exports st as stored-document gauges.
func PublishStats(driver string, st Stats) {
	metrics.UpdateStoredDocuments(driver, "scores", st.Scores)
	metrics.UpdateStoredDocuments(driver, "pbs", st.PBs)
	metrics.UpdateStoredDocuments(driver, "charts", st.Charts)
}

func observe(op string, start time.Time) {
	metrics.RecordStoreOperation(DriverMemory, op, time.Since(start))
}
