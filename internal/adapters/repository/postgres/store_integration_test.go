//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/okian/pbengine/internal/adapters/repository"
	"github.com/okian/pbengine/internal/adapters/repository/postgres"
	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/internal/domain/pb"
	"github.com/okian/pbengine/internal/domain/pipeline"
	"github.com/okian/pbengine/internal/domain/ranking"
)

func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pbengine"),
		tcpostgres.WithUsername("pbengine"),
		tcpostgres.WithPassword("pbengine"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Migrate(ctx)
	require.NoError(t, err)
	return store
}

func pbDoc(chartID, userID string, score float64) model.PBDocument {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return model.PBDocument{
		ChartID:        chartID,
		UserID:         userID,
		Game:           "iidx",
		Playtype:       "SP",
		ScoreID:        chartID + "/" + userID,
		TimeAchieved:   &now,
		ScoreData:      model.ScoreData{Score: score, Percent: 80, Lamp: "CLEAR"},
		CalculatedData: map[string]float64{"ktLampRating": 9.6},
	}
}

func TestStore_UpsertKeepsRankAndIsolatesFailures(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	res, err := store.BulkUpsert(ctx, []model.PBDocument{pbDoc("c1", "u1", 100), pbDoc("c1", "", 1), pbDoc("c1", "u2", 200)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Upserted)
	require.Len(t, res.Failed, 1)
	require.ErrorIs(t, res.Failed[0].Err, repository.ErrConstraint)

	require.NoError(t, store.UpdateRank(ctx, "c1", "u1", 2, 2))

	_, err = store.BulkUpsert(ctx, []model.PBDocument{pbDoc("c1", "u1", 300)})
	require.NoError(t, err)

	got, err := store.Get(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Equal(t, 300.0, got.ScoreData.Score)
	require.NotNil(t, got.Rank)
	require.Equal(t, 2, *got.Rank, "upsert must not clear the previous rank")

	_, err = store.Get(ctx, "c1", "nobody")
	require.True(t, errors.Is(err, repository.ErrNotFound))
	require.ErrorIs(t, store.UpdateRank(ctx, "c1", "nobody", 1, 1), repository.ErrNotFound)
}

func TestStore_PipelineEndToEnd(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	modes := gamemode.DefaultRegistry()

	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	scores := []model.RawScore{
		{ScoreID: "a", UserID: "u1", ChartID: "c1", Game: "iidx", Playtype: "SP", TimeAchieved: &t1, ScoreData: model.ScoreData{Score: 1000, Percent: 90}},
		{ScoreID: "b", UserID: "u2", ChartID: "c1", Game: "iidx", Playtype: "SP", TimeAchieved: &t1, ScoreData: model.ScoreData{Score: 1000, Percent: 90}},
		{ScoreID: "c", UserID: "u3", ChartID: "c1", Game: "iidx", Playtype: "SP", ScoreData: model.ScoreData{Score: 900, Percent: 90}},
	}
	require.NoError(t, store.AddScores(ctx, scores...))
	require.NoError(t, store.AddScores(ctx, scores[0]), "known score IDs are ignored")

	p := pipeline.New(modes, pb.NewBuilder(store, modes), store, ranking.NewRecomputer(store, modes))
	for _, u := range []string{"u1", "u2", "u3"} {
		require.NoError(t, p.Process(ctx, gamemode.Mode{Game: "iidx", Playtype: "SP"}, u, []string{"c1"}))
	}

	docs, err := store.ListChart(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	ranks := map[string]int{}
	for _, d := range docs {
		require.NotNil(t, d.Rank)
		require.Equal(t, 3, *d.OutOf)
		ranks[d.UserID] = *d.Rank
	}
	require.Equal(t, map[string]int{"u1": 1, "u2": 1, "u3": 2}, ranks)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, repository.Stats{Scores: 3, PBs: 3, Charts: 1}, st)
}
