package simulate

import (
	"context"
	"fmt"
	"sort"

	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/internal/domain/pb"
	"github.com/okian/pbengine/internal/domain/ranking"
	"github.com/okian/pbengine/internal/domain/types"
)

// expectedPB is the PB a user should hold on a chart.
type expectedPB struct {
	ScoreID string
	Rank    int
}

// expectation maps chart ID to user ID to the expected PB.
type expectation map[string]map[string]expectedPB

// expect computes winners and dense ranks from the generated scores alone.
func expect(policy gamemode.Policy, imports []Import) expectation { //nolint:gocritic // hugeParam: policy is read-only
	byChart := make(map[string]map[string][]model.RawScore)
	for _, imp := range imports {
		for _, s := range imp.Scores {
			users, ok := byChart[s.ChartID]
			if !ok {
				users = make(map[string][]model.RawScore)
				byChart[s.ChartID] = users
			}
			users[s.UserID] = append(users[s.UserID], s)
		}
	}

	out := make(expectation, len(byChart))
	for chartID, users := range byChart {
		docs := make([]model.PBDocument, 0, len(users))
		winners := make(map[string]string, len(users))
		for userID, scores := range users {
			w := pb.SelectWinner(policy, scores)
			winners[userID] = w.ScoreID
			docs = append(docs, model.PBDocument{
				ChartID:      chartID,
				UserID:       userID,
				ScoreID:      w.ScoreID,
				TimeAchieved: w.TimeAchieved,
				ScoreData:    w.ScoreData,
			})
		}
		ranked := make(map[string]expectedPB, len(users))
		for _, e := range ranking.Rank(policy, docs) {
			ranked[e.UserID] = expectedPB{ScoreID: winners[e.UserID], Rank: e.Rank}
		}
		out[chartID] = ranked
	}
	return out
}

// charts returns the chart IDs in a stable order.
func (e expectation) charts() []string {
	ids := make([]string, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// settled reports whether every chart holds one ranked PB per expected user.
func settled(ctx context.Context, target Target, want expectation) (bool, error) {
	for _, chartID := range want.charts() {
		page, err := target.ListPBs(ctx, chartID, len(want[chartID]))
		if err != nil {
			return false, fmt.Errorf("list chart %s: %w", chartID, err)
		}
		if page.Total != len(want[chartID]) {
			return false, nil
		}
		for _, v := range page.PBs {
			if v.Rank == nil || v.OutOf == nil || *v.OutOf != page.Total {
				return false, nil
			}
		}
	}
	return true, nil
}

// verify compares every chart the engine serves with the expectation.
func verify(ctx context.Context, target Target, want expectation) ([]Mismatch, int, error) {
	var (
		mismatches []Mismatch
		checked    int
	)
	for _, chartID := range want.charts() {
		page, err := target.ListPBs(ctx, chartID, len(want[chartID]))
		if err != nil {
			return nil, checked, fmt.Errorf("list chart %s: %w", chartID, err)
		}
		checked += len(page.PBs)
		mismatches = append(mismatches, verifyChart(chartID, page, want[chartID])...)
	}
	return mismatches, checked, nil
}

func verifyChart(chartID string, page types.ChartPBs, want map[string]expectedPB) []Mismatch {
	var out []Mismatch
	add := func(userID, format string, args ...any) {
		out = append(out, Mismatch{ChartID: chartID, UserID: userID, Reason: fmt.Sprintf(format, args...)})
	}

	if page.Total != len(want) {
		add("", "total %d, want %d", page.Total, len(want))
	}

	seen := make(map[int]bool)
	maxRank := 0
	for _, v := range page.PBs {
		exp, ok := want[v.UserID]
		if !ok {
			add(v.UserID, "unexpected PB")
			continue
		}
		if v.ScoreID != exp.ScoreID {
			add(v.UserID, "PB from score %s, want %s", v.ScoreID, exp.ScoreID)
		}
		if v.Rank == nil {
			add(v.UserID, "not ranked")
			continue
		}
		if *v.Rank != exp.Rank {
			add(v.UserID, "rank %d, want %d", *v.Rank, exp.Rank)
		}
		if v.OutOf == nil || *v.OutOf != page.Total {
			add(v.UserID, "out_of does not match chart total %d", page.Total)
		}
		seen[*v.Rank] = true
		maxRank = max(maxRank, *v.Rank)
	}

	for r := 1; r <= maxRank; r++ {
		if !seen[r] {
			add("", "rank %d is skipped", r)
		}
	}
	return out
}
