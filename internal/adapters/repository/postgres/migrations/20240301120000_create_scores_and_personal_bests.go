package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	if err := Migrations.DiscoverCaller(); err != nil {
		panic(err)
	}
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		_, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS scores (
				score_id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				chart_id TEXT NOT NULL,
				game TEXT NOT NULL,
				playtype TEXT NOT NULL,
				time_achieved TIMESTAMPTZ,
				score_data JSONB NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_scores_user_chart ON scores (user_id, chart_id);
		`)
		if err != nil {
			return fmt.Errorf("failed to create scores table: %w", err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS personal_bests (
				chart_id TEXT NOT NULL CHECK (chart_id <> ''),
				user_id TEXT NOT NULL CHECK (user_id <> ''),
				game TEXT NOT NULL,
				playtype TEXT NOT NULL,
				score_id TEXT NOT NULL,
				time_achieved TIMESTAMPTZ,
				score_data JSONB NOT NULL,
				calculated_data JSONB NOT NULL DEFAULT '{}',
				composed_from JSONB,
				rank INTEGER,
				out_of INTEGER,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (chart_id, user_id)
			);
		`)
		if err != nil {
			return fmt.Errorf("failed to create personal_bests table: %w", err)
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS personal_bests; DROP TABLE IF EXISTS scores;`)
		if err != nil {
			return fmt.Errorf("failed to drop tables: %w", err)
		}
		return nil
	})
}
