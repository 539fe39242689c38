// Package postgres implements the score and PB stores on Postgres with bun.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
	"golang.org/x/sync/errgroup"

	"github.com/okian/pbengine/internal/adapters/repository"
	"github.com/okian/pbengine/internal/adapters/repository/postgres/migrations"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/pkg/logger"
	"github.com/okian/pbengine/pkg/metrics"
)

// Driver names this backend.
const Driver = "postgres"

const defaultWriteConcurrency = 8

// Option configures a Store.
type Option func(*Store)

// WithWriteConcurrency bounds the concurrent upserts of one bulk write.
func WithWriteConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.writeConcurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store is a repository.Store backed by Postgres.
type Store struct {
	db               *bun.DB
	writeConcurrency int
	log              logger.Logger
}

var _ repository.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, repository.Unavailable("postgres ping", err)
	}
	return New(db, opts...), nil
}

// New wraps an existing bun database.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:               db,
		writeConcurrency: defaultWriteConcurrency,
		log:              logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Driver implements repository.Store.
func (s *Store) Driver() string { return Driver }

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrator returns a migrator over the registered schema migrations.
func (s *Store) Migrator() *migrate.Migrator {
	return migrate.NewMigrator(s.db, migrations.Migrations)
}

// Migrate creates the migration tables if needed and applies pending migrations.
func (s *Store) Migrate(ctx context.Context) (*migrate.MigrationGroup, error) {
	migrator := s.Migrator()
	if err := migrator.Init(ctx); err != nil {
		return nil, classify("migrate init", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return nil, classify("migrate lock", err)
	}
	defer func() { _ = migrator.Unlock(ctx) }()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return nil, classify("migrate", err)
	}
	if group.IsZero() {
		s.log.Info(ctx, "database schema up to date")
	} else {
		s.log.Info(ctx, "database migrated", logger.String("group", group.String()))
	}
	return group, nil
}

// AddScores implements repository.ScoreWriter. Known score IDs are ignored.
func (s *Store) AddScores(ctx context.Context, scores ...model.RawScore) error {
	defer observe("add_scores", time.Now())
	if len(scores) == 0 {
		return nil
	}
	rows := make([]scoreRow, len(scores))
	for i, sc := range scores {
		if sc.ScoreID == "" {
			return repository.ErrConstraint
		}
		if err := repository.ValidateIdentity(sc.ChartID, sc.UserID); err != nil {
			return err
		}
		rows[i] = toScoreRow(sc)
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (score_id) DO NOTHING").
		Exec(ctx)
	return classify("add scores", err)
}

// ReadScores implements repository.ScoreStore.
func (s *Store) ReadScores(ctx context.Context, userID, chartID string) ([]model.RawScore, error) {
	defer observe("read_scores", time.Now())
	var rows []scoreRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Where("chart_id = ?", chartID).
		Scan(ctx)
	if err != nil {
		return nil, classify("read scores", err)
	}
	out := make([]model.RawScore, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// BulkUpsert implements repository.PBStore. Every document is its own
// statement, so one failing row never rolls back another. The rank columns
// are left out of the conflict update.
func (s *Store) BulkUpsert(ctx context.Context, docs []model.PBDocument) (repository.BulkResult, error) {
	defer observe("bulk_upsert", time.Now())

	var (
		mu  sync.Mutex
		res repository.BulkResult
	)
	g := new(errgroup.Group)
	g.SetLimit(s.writeConcurrency)
	for _, d := range docs {
		g.Go(func() error {
			err := s.upsert(ctx, d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, repository.ItemFailure{ChartID: d.ChartID, UserID: d.UserID, Err: err})
				return nil
			}
			res.Upserted++
			return nil
		})
	}
	_ = g.Wait()

	if res.Upserted == 0 && allUnavailable(res.Failed) {
		return res, repository.Unavailable("bulk upsert", res.Failed[0].Err)
	}
	return res, nil
}

func (s *Store) upsert(ctx context.Context, d model.PBDocument) error {
	if err := repository.ValidateIdentity(d.ChartID, d.UserID); err != nil {
		return err
	}
	row := toPBRow(d)
	_, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (chart_id, user_id) DO UPDATE").
		Set("game = EXCLUDED.game").
		Set("playtype = EXCLUDED.playtype").
		Set("score_id = EXCLUDED.score_id").
		Set("time_achieved = EXCLUDED.time_achieved").
		Set("score_data = EXCLUDED.score_data").
		Set("calculated_data = EXCLUDED.calculated_data").
		Set("composed_from = EXCLUDED.composed_from").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return classify("upsert pb", err)
}

// ListChart implements repository.PBStore.
func (s *Store) ListChart(ctx context.Context, chartID string) ([]model.PBDocument, error) {
	defer observe("list_chart", time.Now())
	var rows []pbRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("chart_id = ?", chartID).
		OrderExpr("user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, classify("list chart", err)
	}
	out := make([]model.PBDocument, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// UpdateRank implements repository.PBStore.
func (s *Store) UpdateRank(ctx context.Context, chartID, userID string, rank, outOf int) error {
	defer observe("update_rank", time.Now())
	res, err := s.db.NewUpdate().
		Model((*pbRow)(nil)).
		Set("rank = ?", rank).
		Set("out_of = ?", outOf).
		Where("chart_id = ?", chartID).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return classify("update rank", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Get implements repository.PBStore.
func (s *Store) Get(ctx context.Context, chartID, userID string) (model.PBDocument, error) {
	defer observe("get", time.Now())
	var row pbRow
	err := s.db.NewSelect().
		Model(&row).
		Where("chart_id = ?", chartID).
		Where("user_id = ?", userID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PBDocument{}, repository.ErrNotFound
	}
	if err != nil {
		return model.PBDocument{}, classify("get pb", err)
	}
	return row.toModel(), nil
}

// Stats implements repository.Store.
func (s *Store) Stats(ctx context.Context) (repository.Stats, error) {
	var st repository.Stats
	var err error
	if st.Scores, err = s.db.NewSelect().Model((*scoreRow)(nil)).Count(ctx); err != nil {
		return st, classify("count scores", err)
	}
	if st.PBs, err = s.db.NewSelect().Model((*pbRow)(nil)).Count(ctx); err != nil {
		return st, classify("count pbs", err)
	}
	err = s.db.NewSelect().
		Model((*pbRow)(nil)).
		ColumnExpr("COUNT(DISTINCT chart_id)").
		Scan(ctx, &st.Charts)
	if err != nil {
		return st, classify("count charts", err)
	}
	repository.PublishStats(Driver, st)
	return st, nil
}

// classify maps driver errors onto the repository sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		metrics.RecordErrorByComponent("postgres", "unavailable")
		return repository.Unavailable(op, err)
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
		return fmt.Errorf("%s: %w: %w", op, repository.ErrConstraint, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func allUnavailable(failed []repository.ItemFailure) bool {
	if len(failed) == 0 {
		return false
	}
	for _, f := range failed {
		if !errors.Is(f.Err, repository.ErrUnavailable) {
			return false
		}
	}
	return true
}

func observe(op string, start time.Time) {
	metrics.RecordStoreOperation(Driver, op, time.Since(start))
}
