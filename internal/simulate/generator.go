package simulate

import (
	"fmt"
	"math"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
)

// Score generation ranges. Scores are quantized so ties on score and
// percent are common and the time and score ID levels get exercised.
const (
	maxScore     = 10_000_000
	scoreStep    = 100_000
	untimedShare = 0.1
	maxExtra     = 3
	timeWindow   = 30 * 24 * time.Hour
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generate builds the imports of a run. The output depends only on cfg.
func Generate(cfg *Config, policy gamemode.Policy) []Import { //nolint:gocritic // hugeParam: policy is read-only
	faker := gofakeit.New(cfg.Seed)

	users := make([]string, cfg.Users)
	for i := range users {
		users[i] = fmt.Sprintf("%s-%03d", faker.Username(), i)
	}
	// Chart IDs carry a run tag so runs against a shared store stay apart.
	run := faker.LetterN(8)
	charts := make([]string, cfg.Charts)
	for i := range charts {
		charts[i] = fmt.Sprintf("%s-%s-%03d", cfg.Mode.Game, run, i)
	}

	imports := make([]Import, 0, cfg.Users*cfg.ImportsPerUser)
	for _, user := range users {
		for range cfg.ImportsPerUser {
			scores := make([]model.RawScore, cfg.ScoresPerImport)
			for k := range scores {
				scores[k] = randomScore(faker, cfg.Mode, policy, user, charts[faker.IntN(len(charts))])
			}
			imports = append(imports, Import{
				Event: model.ImportEvent{
					ImportID: faker.UUID(),
					UserID:   user,
					Game:     cfg.Mode.Game,
					Playtype: cfg.Mode.Playtype,
				},
				Scores:    scores,
				Duplicate: faker.Float64Range(0, 1) < cfg.DuplicateRate,
			})
		}
	}
	return imports
}

func randomScore(faker *gofakeit.Faker, mode gamemode.Mode, policy gamemode.Policy, userID, chartID string) model.RawScore { //nolint:gocritic // hugeParam: policy is read-only
	score := float64(faker.IntRange(0, maxScore/scoreStep) * scoreStep)
	sd := model.ScoreData{
		Score:   score,
		Percent: math.Round(score/maxScore*10_000) / 100,
	}
	if len(policy.Lamps) > 0 {
		sd.Lamp = faker.RandomString(policy.Lamps)
	}
	if policy.SecondaryMetric != "" && policy.SecondaryMetric != gamemode.MetricPercent {
		sd.Metrics = map[string]float64{policy.SecondaryMetric: float64(faker.IntRange(0, maxExtra))}
	}

	var at *time.Time
	if faker.Float64Range(0, 1) >= untimedShare {
		t := faker.DateRange(epoch, epoch.Add(timeWindow)).Truncate(time.Hour).UTC()
		at = &t
	}

	return model.RawScore{
		ScoreID:      faker.UUID(),
		UserID:       userID,
		ChartID:      chartID,
		Game:         mode.Game,
		Playtype:     mode.Playtype,
		TimeAchieved: at,
		ScoreData:    sd,
	}
}
