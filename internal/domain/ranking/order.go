// Package ranking orders personal bests and keeps chart ranks up to date.
//
// Ordering: score DESC, then secondary metric DESC, then earliest time
// achieved. A missing time sorts after any recorded time. The same ordering
// picks PB winners, so the best score on a chart is always rank 1.
package ranking

import (
	"sort"
	"time"

	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/internal/domain/model"
)

// Key is the comparable part of a score under a mode policy.
type Key struct {
	Score     float64
	Secondary float64
	Time      *time.Time
}

// KeyOf extracts the ordering key of sd played at t.
func KeyOf(p gamemode.Policy, sd model.ScoreData, t *time.Time) Key {
	return Key{Score: sd.Score, Secondary: p.Secondary(sd), Time: t}
}

// ScoreKey is the key of a raw score.
func ScoreKey(p gamemode.Policy, s model.RawScore) Key {
	return KeyOf(p, s.ScoreData, s.TimeAchieved)
}

// DocKey is the key of a PB document.
func DocKey(p gamemode.Policy, d model.PBDocument) Key {
	return KeyOf(p, d.ScoreData, d.TimeAchieved)
}

// Compare returns -1 if a ranks before b, 1 if after, 0 when tied.
func Compare(a, b Key) int {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}
	if a.Secondary != b.Secondary {
		if a.Secondary > b.Secondary {
			return -1
		}
		return 1
	}
	return compareTime(a.Time, b.Time)
}

func compareTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case b.Before(*a):
		return 1
	}
	return 0
}

// Better reports whether a strictly beats b.
func Better(a, b Key) bool {
	return Compare(a, b) < 0
}

// Entry is one ranked document.
type Entry struct {
	UserID string
	Key    Key
	Rank   int
}

// Rank sorts docs best first and assigns dense ranks. Ties share a rank and
// the next distinct key gets the previous rank plus one. Tied entries are
// listed by user ID so the output is deterministic.
func Rank(p gamemode.Policy, docs []model.PBDocument) []Entry {
	entries := make([]Entry, len(docs))
	for i, d := range docs {
		entries[i] = Entry{UserID: d.UserID, Key: DocKey(p, d)}
	}
	sortEntries(entries)
	assignDenseRanks(entries)
	return entries
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if c := Compare(entries[i].Key, entries[j].Key); c != 0 {
			return c < 0
		}
		return entries[i].UserID < entries[j].UserID
	})
}

// assignDenseRanks expects entries sorted best first.
func assignDenseRanks(entries []Entry) {
	rank := 0
	for i := range entries {
		if i == 0 || Compare(entries[i-1].Key, entries[i].Key) != 0 {
			rank++
		}
		entries[i].Rank = rank
	}
}

// SortByRank orders docs for readers: rank ascending, unranked documents
// last, equal ranks by user ID.
func SortByRank(docs []model.PBDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		ri, rj := docs[i].Rank, docs[j].Rank
		switch {
		case ri == nil && rj != nil:
			return false
		case ri != nil && rj == nil:
			return true
		case ri != nil && rj != nil && *ri != *rj:
			return *ri < *rj
		}
		return docs[i].UserID < docs[j].UserID
	})
}
