package redisstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/pbengine/internal/adapters/repository"
	"github.com/okian/pbengine/internal/adapters/repository/redisstore"
	"github.com/okian/pbengine/internal/domain/model"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), redisstore.WithPrefix("test:"))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func pbDoc(chartID, userID string, score float64) model.PBDocument {
	at := time.Date(2024, 2, 2, 8, 0, 0, 0, time.UTC)
	return model.PBDocument{
		ChartID:        chartID,
		UserID:         userID,
		Game:           "sdvx",
		Playtype:       "Single",
		ScoreID:        chartID + "-" + userID,
		TimeAchieved:   &at,
		ScoreData:      model.ScoreData{Score: score, Percent: 97.5, Lamp: "CLEAR", Metrics: map[string]float64{"exScore": 1500}},
		CalculatedData: map[string]float64{"VF6": 19.5},
	}
}

func TestRedisStore_PersonalBests(t *testing.T) {
	ctx := context.Background()

	Convey("Given an empty redis store", t, func() {
		store, mr := newStore(t)

		Convey("When upserting a batch with one invalid identity", func() {
			res, err := store.BulkUpsert(ctx, []model.PBDocument{
				pbDoc("c1", "u1", 9_900_000),
				pbDoc("c1", "", 1),
				pbDoc("c1", "u2", 9_800_000),
			})

			Convey("Then the valid documents commit", func() {
				So(err, ShouldBeNil)
				So(res.Upserted, ShouldEqual, 2)
				So(res.Failed, ShouldHaveLength, 1)
				So(errors.Is(res.Failed[0].Err, repository.ErrConstraint), ShouldBeTrue)

				docs, err := store.ListChart(ctx, "c1")
				So(err, ShouldBeNil)
				So(docs, ShouldHaveLength, 2)
				So(docs[0].UserID, ShouldEqual, "u1")
				So(docs[0].Rank, ShouldBeNil)
				So(docs[0].ScoreData.Metrics["exScore"], ShouldEqual, 1500)
				So(docs[0].TimeAchieved.Equal(*pbDoc("c1", "u1", 0).TimeAchieved), ShouldBeTrue)
				So(mr.Exists("test:pb:2:c1:2:u1"), ShouldBeTrue)
			})
		})

		Convey("When ranking and then re-upserting a document", func() {
			_, err := store.BulkUpsert(ctx, []model.PBDocument{pbDoc("c1", "u1", 100)})
			So(err, ShouldBeNil)
			So(store.UpdateRank(ctx, "c1", "u1", 4, 9), ShouldBeNil)

			_, err = store.BulkUpsert(ctx, []model.PBDocument{pbDoc("c1", "u1", 200)})
			So(err, ShouldBeNil)
			got, err := store.Get(ctx, "c1", "u1")

			Convey("Then the score changes and the stale rank survives", func() {
				So(err, ShouldBeNil)
				So(got.ScoreData.Score, ShouldEqual, 200)
				So(*got.Rank, ShouldEqual, 4)
				So(*got.OutOf, ShouldEqual, 9)
			})
		})

		Convey("When reading or ranking a missing document", func() {
			_, err := store.Get(ctx, "c1", "ghost")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			So(errors.Is(store.UpdateRank(ctx, "c1", "ghost", 1, 1), repository.ErrNotFound), ShouldBeTrue)
			So(mr.Exists("test:pb:2:c1:5:ghost"), ShouldBeFalse)
		})

		Convey("When two pairs would join to the same text", func() {
			res, err := store.BulkUpsert(ctx, []model.PBDocument{
				pbDoc("a:b", "c", 1),
				pbDoc("a", "b:c", 2),
			})
			So(err, ShouldBeNil)
			So(res.Upserted, ShouldEqual, 2)

			Convey("Then each pair keeps its own document", func() {
				left, err := store.Get(ctx, "a:b", "c")
				So(err, ShouldBeNil)
				So(left.ScoreData.Score, ShouldEqual, 1)
				right, err := store.Get(ctx, "a", "b:c")
				So(err, ShouldBeNil)
				So(right.ScoreData.Score, ShouldEqual, 2)

				docs, err := store.ListChart(ctx, "a")
				So(err, ShouldBeNil)
				So(docs, ShouldHaveLength, 1)
				So(docs[0].UserID, ShouldEqual, "b:c")

				st, err := store.Stats(ctx)
				So(err, ShouldBeNil)
				So(st.PBs, ShouldEqual, 2)
			})
		})

		Convey("When one document's key holds a value of the wrong type", func() {
			So(mr.Set("test:pb:2:c1:2:u2", "occupied"), ShouldBeNil)
			res, err := store.BulkUpsert(ctx, []model.PBDocument{
				pbDoc("c1", "u1", 100),
				pbDoc("c1", "u2", 200),
			})

			Convey("Then only the written document joins the chart", func() {
				So(err, ShouldBeNil)
				So(res.Upserted, ShouldEqual, 1)
				So(res.Failed, ShouldHaveLength, 1)
				So(res.Failed[0].UserID, ShouldEqual, "u2")

				members, err := mr.Members("test:chart:2:c1")
				So(err, ShouldBeNil)
				So(members, ShouldResemble, []string{"u1"})

				st, err := store.Stats(ctx)
				So(err, ShouldBeNil)
				So(st.PBs, ShouldEqual, 1)
				So(st.Charts, ShouldEqual, 1)
			})
		})

		Convey("When listing an unknown chart", func() {
			docs, err := store.ListChart(ctx, "nope")
			So(err, ShouldBeNil)
			So(docs, ShouldBeEmpty)
		})
	})
}

func TestRedisStore_Scores(t *testing.T) {
	ctx := context.Background()

	Convey("Given raw scores for two users", t, func() {
		store, _ := newStore(t)
		s1 := model.RawScore{ScoreID: "s1", UserID: "u1", ChartID: "c1", Game: "sdvx", Playtype: "Single", ScoreData: model.ScoreData{Score: 1}}
		s2 := model.RawScore{ScoreID: "s2", UserID: "u1", ChartID: "c1", Game: "sdvx", Playtype: "Single", ScoreData: model.ScoreData{Score: 2}}
		s3 := model.RawScore{ScoreID: "s3", UserID: "u2", ChartID: "c1", Game: "sdvx", Playtype: "Single", ScoreData: model.ScoreData{Score: 3}}
		So(store.AddScores(ctx, s1, s2, s3), ShouldBeNil)

		Convey("Then each user reads only their own scores", func() {
			got, err := store.ReadScores(ctx, "u1", "c1")
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 2)
		})

		Convey("Then a known score ID is not overwritten", func() {
			changed := s1
			changed.ScoreData.Score = 999
			So(store.AddScores(ctx, changed), ShouldBeNil)
			got, _ := store.ReadScores(ctx, "u1", "c1")
			for _, sc := range got {
				So(sc.ScoreData.Score, ShouldBeLessThan, 999)
			}
		})

		Convey("Then stats count scores, PBs and charts", func() {
			_, err := store.BulkUpsert(ctx, []model.PBDocument{pbDoc("c1", "u1", 2), pbDoc("c1", "u2", 3), pbDoc("c2", "u1", 1)})
			So(err, ShouldBeNil)
			st, err := store.Stats(ctx)
			So(err, ShouldBeNil)
			So(st, ShouldResemble, repository.Stats{Scores: 3, PBs: 3, Charts: 2})
		})

		Convey("Then scores without identity are rejected", func() {
			err := store.AddScores(ctx, model.RawScore{ScoreID: "x", UserID: "u1"})
			So(errors.Is(err, repository.ErrConstraint), ShouldBeTrue)
		})
	})
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()

	Convey("Given a redis server that went away", t, func() {
		store, mr := newStore(t)
		mr.Close()

		Convey("Then writes and reads report the store as unavailable", func() {
			_, err := store.BulkUpsert(ctx, []model.PBDocument{pbDoc("c1", "u1", 1)})
			So(errors.Is(err, repository.ErrUnavailable), ShouldBeTrue)

			_, err = store.ReadScores(ctx, "u1", "c1")
			So(errors.Is(err, repository.ErrUnavailable), ShouldBeTrue)
		})
	})

	Convey("Given an address nothing listens on", t, func() {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := redisstore.Open(ctx, addr, 0)
		So(errors.Is(err, repository.ErrUnavailable), ShouldBeTrue)
	})
}
