// Package pb builds personal-best documents from a user's raw scores.
package pb

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/internal/domain/ranking"
	"github.com/okian/pbengine/internal/domain/rating"
	"github.com/okian/pbengine/pkg/metrics"
)

// Composition names written to PBDocument.ComposedFrom.
const (
	ComposedScore = "scorePB"
	ComposedLamp  = "lampPB"
)

// ScoreReader reads raw scores in no particular order.
type ScoreReader interface {
	ReadScores(ctx context.Context, userID, chartID string) ([]model.RawScore, error)
}

// RaterFunc returns the rater for a mode policy.
type RaterFunc func(p gamemode.Policy) rating.Rater

// Option configures a Builder.
type Option func(*Builder)

// WithRater replaces the rater used for calculated data.
func WithRater(fn RaterFunc) Option {
	return func(b *Builder) {
		if fn != nil {
			b.rater = fn
		}
	}
}

// Builder selects the best raw score of a user on a chart.
type Builder struct {
	scores ScoreReader
	modes  *gamemode.Registry
	rater  RaterFunc
}

// NewBuilder creates a builder reading from scores.
func NewBuilder(scores ScoreReader, modes *gamemode.Registry, opts ...Option) *Builder {
	b := &Builder{
		scores: scores,
		modes:  modes,
		rater: func(p gamemode.Policy) rating.Rater {
			return rating.New(rating.WithWeights(p.RatingWeights))
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the PB of userID on chartID. ok is false when the user has no
// scores on the chart. Build never writes.
func (b *Builder) Build(ctx context.Context, mode gamemode.Mode, userID, chartID string) (doc model.PBDocument, ok bool, err error) {
	ctx, span := otel.Tracer("pbengine").Start(ctx, "pb.build",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("chart_id", chartID), attribute.String("user_id", userID)),
	)
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeBuilt
		switch {
		case err != nil:
			outcome = metrics.OutcomeFailed
			span.RecordError(err)
		case !ok:
			outcome = metrics.OutcomeAbsent
		}
		metrics.RecordBuild(outcome, time.Since(start))
		span.End()
	}()

	policy, err := b.modes.Lookup(mode)
	if err != nil {
		return model.PBDocument{}, false, &BuildFailedError{ChartID: chartID, UserID: userID, Cause: err}
	}

	scores, err := b.scores.ReadScores(ctx, userID, chartID)
	if err != nil {
		return model.PBDocument{}, false, &BuildFailedError{ChartID: chartID, UserID: userID, Cause: err}
	}
	if len(scores) == 0 {
		return model.PBDocument{}, false, nil
	}

	winner := SelectWinner(policy, scores)
	sd := winner.ScoreData.Clone()

	var composed []model.Composition
	if policy.ComposeLamp {
		if lamp := selectLamp(policy, scores); lamp.ScoreID != winner.ScoreID {
			sd.Lamp = lamp.ScoreData.Lamp
			composed = []model.Composition{
				{Name: ComposedScore, ScoreID: winner.ScoreID},
				{Name: ComposedLamp, ScoreID: lamp.ScoreID},
			}
		}
	}

	calculated, err := b.rater(policy).ComputeRatings(sd)
	if err != nil {
		return model.PBDocument{}, false, &BuildFailedError{ChartID: chartID, UserID: userID, Cause: err}
	}

	return model.PBDocument{
		ChartID:        chartID,
		UserID:         userID,
		Game:           mode.Game,
		Playtype:       mode.Playtype,
		ScoreID:        winner.ScoreID,
		TimeAchieved:   winner.TimeAchieved,
		ScoreData:      sd,
		CalculatedData: calculated,
		ComposedFrom:   composed,
	}, true, nil
}

// SelectWinner returns the best score under the ranking order. Records that
// tie on every ordering level are settled by the lower score ID. scores must
// not be empty.
func SelectWinner(p gamemode.Policy, scores []model.RawScore) model.RawScore {
	best := scores[0]
	for _, s := range scores[1:] {
		if beats(p, s, best) {
			best = s
		}
	}
	return best
}

func beats(p gamemode.Policy, a, b model.RawScore) bool {
	if c := ranking.Compare(ranking.ScoreKey(p, a), ranking.ScoreKey(p, b)); c != 0 {
		return c < 0
	}
	return a.ScoreID < b.ScoreID
}

// selectLamp returns the score with the best lamp, using the winner order
// between equal lamps.
func selectLamp(p gamemode.Policy, scores []model.RawScore) model.RawScore {
	best := scores[0]
	bestIdx := p.LampIndex(best.ScoreData.Lamp)
	for _, s := range scores[1:] {
		idx := p.LampIndex(s.ScoreData.Lamp)
		if idx > bestIdx || (idx == bestIdx && beats(p, s, best)) {
			best, bestIdx = s, idx
		}
	}
	return best
}
