// Package simulate seeds random imports for many users on shared charts,
// drives them through a running engine concurrently and checks the resulting
// personal bests and ranks against an independent computation.
package simulate

import (
	"fmt"
	"time"

	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
)

// Defaults used by the CLI.
const (
	DefaultUsers           = 50
	DefaultCharts          = 10
	DefaultImportsPerUser  = 4
	DefaultScoresPerImport = 5
	DefaultWorkers         = 8
	DefaultDuplicateRate   = 0.1
	DefaultTimeout         = 2 * time.Minute

	retryDelay   = 10 * time.Millisecond
	pollInterval = 50 * time.Millisecond
	settleRounds = 3
)

// Config holds configuration for a simulation run.
type Config struct {
	Mode            gamemode.Mode
	Users           int
	Charts          int
	ImportsPerUser  int
	ScoresPerImport int
	Workers         int           // concurrent submitters
	DuplicateRate   float64       // share of imports submitted twice
	Seed            uint64        // 0 picks a random seed
	Timeout         time.Duration // bound on waiting for the queue to drain
	OutputFile      string        // optional JSON dump of the generated imports
}

// Validate checks the configuration before a run.
func (c *Config) Validate() error {
	switch {
	case c.Mode.Game == "" || c.Mode.Playtype == "":
		return fmt.Errorf("%w: mode is required", ErrInvalidConfig)
	case c.Users < 1, c.Charts < 1, c.ImportsPerUser < 1, c.ScoresPerImport < 1, c.Workers < 1:
		return fmt.Errorf("%w: counts must be positive", ErrInvalidConfig)
	case c.DuplicateRate < 0 || c.DuplicateRate > 1:
		return fmt.Errorf("%w: duplicate rate must be within [0, 1]", ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Import is one generated import with the raw scores it writes.
type Import struct {
	Event     model.ImportEvent `json:"event"`
	Scores    []model.RawScore  `json:"scores"`
	Duplicate bool              `json:"duplicate"` // submitted a second time
}

// Mismatch is one disagreement between the engine and the expected state.
type Mismatch struct {
	ChartID string `json:"chart_id"`
	UserID  string `json:"user_id,omitempty"`
	Reason  string `json:"reason"`
}

func (m Mismatch) String() string {
	if m.UserID == "" {
		return fmt.Sprintf("%s: %s", m.ChartID, m.Reason)
	}
	return fmt.Sprintf("%s/%s: %s", m.ChartID, m.UserID, m.Reason)
}

// Stats holds run statistics.
type Stats struct {
	ImportsGenerated int
	ScoresGenerated  int
	ImportsAccepted  int
	ImportsDuplicate int
	Backpressured    int
	ImportsFailed    int
	Charts           int
	PBsVerified      int
	SettleRounds     int
	// StaleBeforeSettle counts mismatches seen once the queue drained, before
	// any reprocessing.
	StaleBeforeSettle int
	Mismatches        []Mismatch
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
}

// Passed reports whether the final verification found no mismatch.
func (s *Stats) Passed() bool {
	return len(s.Mismatches) == 0
}
