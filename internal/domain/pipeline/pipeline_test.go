package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/pbengine/internal/adapters/repository"
	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/internal/domain/pb"
	"github.com/okian/pbengine/internal/domain/pipeline"
	"github.com/okian/pbengine/internal/domain/ranking"
)

var iidxSP = gamemode.Mode{Game: "iidx", Playtype: "SP"}

// countingStore counts every call that reaches storage.
type countingStore struct {
	repository.Store
	reads  atomic.Int64
	writes atomic.Int64
}

func (c *countingStore) ReadScores(ctx context.Context, userID, chartID string) ([]model.RawScore, error) {
	c.reads.Add(1)
	return c.Store.ReadScores(ctx, userID, chartID)
}

func (c *countingStore) BulkUpsert(ctx context.Context, docs []model.PBDocument) (repository.BulkResult, error) {
	c.writes.Add(1)
	return c.Store.BulkUpsert(ctx, docs)
}

func (c *countingStore) UpdateRank(ctx context.Context, chartID, userID string, rank, outOf int) error {
	c.writes.Add(1)
	return c.Store.UpdateRank(ctx, chartID, userID, rank, outOf)
}

// rejectingPersister fails the listed charts and writes the rest.
type rejectingPersister struct {
	repository.PBStore
	reject map[string]bool
}

func (r *rejectingPersister) BulkUpsert(ctx context.Context, docs []model.PBDocument) (repository.BulkResult, error) {
	var keep []model.PBDocument
	var failed []repository.ItemFailure
	for _, d := range docs {
		if r.reject[d.ChartID] {
			failed = append(failed, repository.ItemFailure{ChartID: d.ChartID, UserID: d.UserID, Err: repository.ErrConstraint})
			continue
		}
		keep = append(keep, d)
	}
	res, err := r.PBStore.BulkUpsert(ctx, keep)
	res.Failed = append(res.Failed, failed...)
	return res, err
}

type downPersister struct{}

func (downPersister) BulkUpsert(context.Context, []model.PBDocument) (repository.BulkResult, error) {
	return repository.BulkResult{}, repository.Unavailable("bulk upsert", errors.New("dial tcp: connection refused"))
}

type downReader struct{}

func (downReader) ReadScores(context.Context, string, string) ([]model.RawScore, error) {
	return nil, repository.Unavailable("read scores", errors.New("dial tcp: connection refused"))
}

// flakyReader cannot reach the score store for one chart only.
type flakyReader struct {
	pb.ScoreReader
	down string
}

func (f flakyReader) ReadScores(ctx context.Context, userID, chartID string) ([]model.RawScore, error) {
	if chartID == f.down {
		return nil, repository.Unavailable("read scores", errors.New("i/o timeout"))
	}
	return f.ScoreReader.ReadScores(ctx, userID, chartID)
}

type failingRecomputer struct {
	next  pipeline.Recomputer
	chart string
}

func (f failingRecomputer) Recompute(ctx context.Context, mode gamemode.Mode, chartID string) error {
	if chartID == f.chart {
		return &ranking.RecomputeFailedError{ChartID: chartID, Cause: errors.New("timeout")}
	}
	return f.next.Recompute(ctx, mode, chartID)
}

type fixture struct {
	store      *repository.MemoryStore
	modes      *gamemode.Registry
	builder    *pb.Builder
	recomputer *ranking.Recomputer
	pipeline   *pipeline.Pipeline
}

func newFixture(ctx context.Context) *fixture {
	f := &fixture{store: repository.NewMemoryStore(ctx), modes: gamemode.DefaultRegistry()}
	f.builder = pb.NewBuilder(f.store, f.modes)
	f.recomputer = ranking.NewRecomputer(f.store, f.modes)
	f.pipeline = pipeline.New(f.modes, f.builder, f.store, f.recomputer, pipeline.WithBuildConcurrency(3))
	return f
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func score(id, user, chart string, value, percent float64, offset time.Duration) model.RawScore {
	t := base.Add(offset)
	return model.RawScore{
		ScoreID:      id,
		UserID:       user,
		ChartID:      chart,
		Game:         "iidx",
		Playtype:     "SP",
		TimeAchieved: &t,
		ScoreData:    model.ScoreData{Score: value, Percent: percent, Lamp: "CLEAR"},
	}
}

func TestProcess_EmptyInput(t *testing.T) {
	ctx := context.Background()

	Convey("Given a pipeline over a counting store", t, func() {
		mem := repository.NewMemoryStore(ctx)
		defer mem.Close()
		store := &countingStore{Store: mem}
		modes := gamemode.DefaultRegistry()
		p := pipeline.New(modes, pb.NewBuilder(store, modes), store, ranking.NewRecomputer(store, modes))

		Convey("When processing no charts", func() {
			err := p.Process(ctx, iidxSP, "user-1", nil)
			errEmpty := p.Process(ctx, iidxSP, "user-1", []string{})

			Convey("Then storage is never touched", func() {
				So(err, ShouldBeNil)
				So(errEmpty, ShouldBeNil)
				So(store.reads.Load(), ShouldEqual, 0)
				So(store.writes.Load(), ShouldEqual, 0)
			})
		})
	})
}

func TestProcess_BuildsPersistsAndRanks(t *testing.T) {
	ctx := context.Background()

	Convey("Given four users with scores on one chart", t, func() {
		f := newFixture(ctx)
		defer f.store.Close()
		So(f.store.AddScores(ctx,
			score("a1", "alice", "c1", 1000, 90, 0),
			score("b1", "bob", "c1", 1000, 90, 0),
			score("c1", "carol", "c1", 900, 90, 0),
			score("d1", "dave", "c1", 800, 90, 0),
		), ShouldBeNil)

		Convey("When every user's import is processed", func() {
			for _, u := range []string{"alice", "bob", "carol", "dave"} {
				So(f.pipeline.Process(ctx, iidxSP, u, []string{"c1"}), ShouldBeNil)
			}

			Convey("Then the chart carries dense ranks", func() {
				want := map[string]int{"alice": 1, "bob": 1, "carol": 2, "dave": 3}
				for user, rank := range want {
					doc, err := f.store.Get(ctx, "c1", user)
					So(err, ShouldBeNil)
					So(doc.Rank, ShouldNotBeNil)
					So(*doc.Rank, ShouldEqual, rank)
					So(*doc.OutOf, ShouldEqual, 4)
				}
			})
		})
	})
}

func TestProcess_AbsentChartSkipped(t *testing.T) {
	ctx := context.Background()

	Convey("Given a user with scores on c1 but none on c2", t, func() {
		f := newFixture(ctx)
		defer f.store.Close()
		So(f.store.AddScores(ctx, score("s1", "alice", "c1", 500, 60, 0)), ShouldBeNil)

		Convey("When processing both charts", func() {
			rep, err := f.pipeline.Run(ctx, iidxSP, "alice", []string{"c1", "c2", "c1"})

			Convey("Then only c1 gets a PB", func() {
				So(err, ShouldBeNil)
				So(rep.Charts, ShouldEqual, 2)
				So(rep.Built, ShouldEqual, 1)
				So(rep.Absent, ShouldEqual, 1)
				_, err := f.store.Get(ctx, "c2", "alice")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				doc, err := f.store.Get(ctx, "c1", "alice")
				So(err, ShouldBeNil)
				So(*doc.Rank, ShouldEqual, 1)
			})
		})
	})
}

func TestProcess_PartialPersistFailure(t *testing.T) {
	ctx := context.Background()

	Convey("Given five charts where one upsert is rejected", t, func() {
		f := newFixture(ctx)
		defer f.store.Close()
		charts := []string{"c1", "c2", "c3", "c4", "c5"}
		for i, c := range charts {
			So(f.store.AddScores(ctx, score(fmt.Sprintf("s%d", i), "alice", c, float64(100*(i+1)), 50, 0)), ShouldBeNil)
		}
		persister := &rejectingPersister{PBStore: f.store, reject: map[string]bool{"c3": true}}
		p := pipeline.New(f.modes, f.builder, persister, f.recomputer)

		Convey("When processing the batch", func() {
			rep, err := p.Run(ctx, iidxSP, "alice", charts)

			Convey("Then the other four are committed and the run succeeds", func() {
				So(err, ShouldBeNil)
				So(rep.Persisted, ShouldEqual, 4)
				So(rep.PersistFailures, ShouldHaveLength, 1)
				So(errors.Is(rep.PersistFailures[0], pipeline.ErrPersistItemFailed), ShouldBeTrue)
				var pf *pipeline.PersistItemFailedError
				So(errors.As(rep.PersistFailures[0], &pf), ShouldBeTrue)
				So(pf.ChartID, ShouldEqual, "c3")
				for _, c := range []string{"c1", "c2", "c4", "c5"} {
					doc, err := f.store.Get(ctx, c, "alice")
					So(err, ShouldBeNil)
					So(*doc.Rank, ShouldEqual, 1)
				}
				_, err := f.store.Get(ctx, "c3", "alice")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})
	})
}

func TestProcess_BuildAndRecomputeFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()

	Convey("Given one chart with malformed metrics and one healthy chart", t, func() {
		f := newFixture(ctx)
		defer f.store.Close()
		So(f.store.AddScores(ctx,
			score("bad", "alice", "c1", 100, 250, 0),
			score("good", "alice", "c2", 100, 50, 0),
		), ShouldBeNil)

		rep, err := f.pipeline.Run(ctx, iidxSP, "alice", []string{"c1", "c2"})

		So(err, ShouldBeNil)
		So(rep.BuildFailures, ShouldHaveLength, 1)
		So(errors.Is(rep.BuildFailures[0], pb.ErrBuildFailed), ShouldBeTrue)
		So(rep.Persisted, ShouldEqual, 1)
		So(rep.Partial(), ShouldBeTrue)
	})

	Convey("Given a recompute that fails for one chart", t, func() {
		f := newFixture(ctx)
		defer f.store.Close()
		So(f.store.AddScores(ctx,
			score("s1", "alice", "c1", 100, 50, 0),
			score("s2", "alice", "c2", 100, 50, 0),
		), ShouldBeNil)
		p := pipeline.New(f.modes, f.builder, f.store, failingRecomputer{next: f.recomputer, chart: "c1"})

		rep, err := p.Run(ctx, iidxSP, "alice", []string{"c1", "c2"})

		Convey("Then the other chart is still ranked and the run succeeds", func() {
			So(err, ShouldBeNil)
			So(rep.RecomputeFailures, ShouldHaveLength, 1)
			So(errors.Is(rep.RecomputeFailures[0], ranking.ErrRecomputeFailed), ShouldBeTrue)
			So(rep.Ranked, ShouldResemble, []string{"c2"})

			stale, _ := f.store.Get(ctx, "c1", "alice")
			So(stale.Rank, ShouldBeNil)
			ranked, _ := f.store.Get(ctx, "c2", "alice")
			So(*ranked.Rank, ShouldEqual, 1)
		})
	})
}

func TestProcess_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	modes := gamemode.DefaultRegistry()

	Convey("Given a PB store that cannot be reached", t, func() {
		mem := repository.NewMemoryStore(ctx)
		defer mem.Close()
		So(mem.AddScores(ctx, score("s1", "alice", "c1", 100, 50, 0)), ShouldBeNil)
		p := pipeline.New(modes, pb.NewBuilder(mem, modes), downPersister{}, ranking.NewRecomputer(mem, modes))

		err := p.Process(ctx, iidxSP, "alice", []string{"c1"})

		So(errors.Is(err, pipeline.ErrPipelineFailed), ShouldBeTrue)
		So(errors.Is(err, repository.ErrUnavailable), ShouldBeTrue)
	})

	Convey("Given a score store that cannot be reached", t, func() {
		mem := repository.NewMemoryStore(ctx)
		defer mem.Close()
		p := pipeline.New(modes, pb.NewBuilder(downReader{}, modes), mem, ranking.NewRecomputer(mem, modes))

		err := p.Process(ctx, iidxSP, "alice", []string{"c1", "c2"})

		So(errors.Is(err, pipeline.ErrPipelineFailed), ShouldBeTrue)
		st, _ := mem.Stats(ctx)
		So(st.PBs, ShouldEqual, 0)
	})

	Convey("Given a score read that times out for one chart only", t, func() {
		mem := repository.NewMemoryStore(ctx)
		defer mem.Close()
		So(mem.AddScores(ctx,
			score("s1", "alice", "c1", 100, 50, 0),
			score("s2", "alice", "c2", 100, 50, 0),
		), ShouldBeNil)
		reader := flakyReader{ScoreReader: mem, down: "c2"}
		p := pipeline.New(modes, pb.NewBuilder(reader, modes), mem, ranking.NewRecomputer(mem, modes))

		rep, err := p.Run(ctx, iidxSP, "alice", []string{"c1", "c2"})

		Convey("Then the healthy chart is persisted and ranked", func() {
			So(err, ShouldBeNil)
			So(rep.BuildFailures, ShouldHaveLength, 1)
			So(errors.Is(rep.BuildFailures[0], pb.ErrBuildFailed), ShouldBeTrue)
			So(errors.Is(rep.BuildFailures[0], repository.ErrUnavailable), ShouldBeTrue)
			So(rep.Ranked, ShouldResemble, []string{"c1"})

			doc, err := mem.Get(ctx, "c1", "alice")
			So(err, ShouldBeNil)
			So(*doc.Rank, ShouldEqual, 1)
			_, err = mem.Get(ctx, "c2", "alice")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})

	Convey("Given an unknown mode", t, func() {
		mem := repository.NewMemoryStore(ctx)
		defer mem.Close()
		store := &countingStore{Store: mem}
		p := pipeline.New(modes, pb.NewBuilder(store, modes), store, ranking.NewRecomputer(store, modes))

		err := p.Process(ctx, gamemode.Mode{Game: "ddr", Playtype: "SP"}, "alice", []string{"c1"})

		So(errors.Is(err, pipeline.ErrPipelineFailed), ShouldBeTrue)
		So(errors.Is(err, gamemode.ErrUnknownMode), ShouldBeTrue)
		So(store.reads.Load(), ShouldEqual, 0)
	})
}

func TestProcess_IdempotentRebuild(t *testing.T) {
	ctx := context.Background()

	Convey("Given several users with scores on two charts", t, func() {
		f := newFixture(ctx)
		defer f.store.Close()
		users := []string{"u1", "u2", "u3"}
		for i, u := range users {
			So(f.store.AddScores(ctx,
				score(u+"-a", u, "c1", float64(1000-i*10), 80, time.Duration(i)*time.Minute),
				score(u+"-b", u, "c1", float64(990-i*10), 99, 0),
				score(u+"-c", u, "c2", 500, float64(70+i), time.Hour),
			), ShouldBeNil)
		}

		snapshot := func() []model.PBDocument {
			var out []model.PBDocument
			for _, c := range []string{"c1", "c2"} {
				docs, err := f.store.ListChart(ctx, c)
				So(err, ShouldBeNil)
				out = append(out, docs...)
			}
			return out
		}

		Convey("When processing twice without new scores", func() {
			for _, u := range users {
				So(f.pipeline.Process(ctx, iidxSP, u, []string{"c1", "c2"}), ShouldBeNil)
			}
			first := snapshot()
			for _, u := range users {
				So(f.pipeline.Process(ctx, iidxSP, u, []string{"c1", "c2"}), ShouldBeNil)
			}
			second := snapshot()

			Convey("Then the documents are identical", func() {
				So(first, ShouldHaveLength, 6)
				So(cmp.Diff(first, second), ShouldBeEmpty)
			})
		})
	})
}

func TestProcess_BestScoreHoldsRankOne(t *testing.T) {
	ctx := context.Background()
	faker := gofakeit.New(7)

	Convey("Given random scores from many users on shared charts", t, func() {
		f := newFixture(ctx)
		defer f.store.Close()
		policy, err := f.modes.Lookup(iidxSP)
		So(err, ShouldBeNil)

		charts := []string{"c1", "c2", "c3"}
		users := make([]string, 12)
		for i := range users {
			users[i] = fmt.Sprintf("user-%02d", i)
			for j := 0; j < 5; j++ {
				chart := charts[faker.IntN(len(charts))]
				// Coarse values force ties on score and percent.
				s := score(faker.UUID(), users[i], chart,
					float64(faker.IntRange(1, 5)*1000),
					float64(faker.IntRange(1, 3)*25),
					time.Duration(faker.IntRange(0, 3))*time.Hour)
				So(f.store.AddScores(ctx, s), ShouldBeNil)
			}
		}

		Convey("When every user is processed", func() {
			for _, u := range users {
				So(f.pipeline.Process(ctx, iidxSP, u, charts), ShouldBeNil)
			}

			Convey("Then each PB is its user's best and the chart best is rank 1", func() {
				for _, c := range charts {
					docs, err := f.store.ListChart(ctx, c)
					So(err, ShouldBeNil)
					if len(docs) == 0 {
						continue
					}

					best := docs[0]
					for _, d := range docs {
						raw, err := f.store.ReadScores(ctx, d.UserID, c)
						So(err, ShouldBeNil)
						winner := pb.SelectWinner(policy, raw)
						So(d.ScoreID, ShouldEqual, winner.ScoreID)

						So(d.Rank, ShouldNotBeNil)
						So(*d.OutOf, ShouldEqual, len(docs))
						if ranking.Better(ranking.DocKey(policy, d), ranking.DocKey(policy, best)) {
							best = d
						}
					}
					So(*best.Rank, ShouldEqual, 1)

					// Ranks are dense: every value in 1..max is used.
					seen := map[int]bool{}
					maxRank := 0
					for _, d := range docs {
						seen[*d.Rank] = true
						maxRank = max(maxRank, *d.Rank)
					}
					So(len(seen), ShouldEqual, maxRank)
				}
			})
		})
	})
}
