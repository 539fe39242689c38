// Package gamemode resolves a (game, playtype) selector to the policy that
// decides how scores on its charts are compared.
package gamemode

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/okian/pbengine/internal/domain/model"
)

// MetricPercent names the secondary metric stored in ScoreData.Percent.
const MetricPercent = "percent"

// Mode is a validated game/playtype selector.
type Mode struct {
	Game     string
	Playtype string
}

// String renders the mode as "game:playtype", the form used in config keys.
func (m Mode) String() string {
	return m.Game + ":" + m.Playtype
}

// ParseMode parses "game:playtype".
func ParseMode(s string) (Mode, error) {
	game, playtype, ok := strings.Cut(s, ":")
	if !ok || game == "" || playtype == "" {
		return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return Mode{Game: game, Playtype: playtype}, nil
}

// Policy is the per-mode comparison and rating configuration.
type Policy struct {
	// SecondaryMetric breaks ties between equal scores, higher is better.
	SecondaryMetric string
	// Lamps lists clear lamps from worst to best.
	Lamps []string
	// ComposeLamp takes the PB lamp from the best-lamp attempt instead of the score winner.
	ComposeLamp bool
	// RatingWeights maps rating algorithm names to their percent multiplier.
	RatingWeights map[string]float64
}

// Secondary returns the secondary metric of sd. Missing metrics sort lowest.
func (p Policy) Secondary(sd model.ScoreData) float64 {
	if p.SecondaryMetric == "" || p.SecondaryMetric == MetricPercent {
		return sd.Percent
	}
	v, ok := sd.Metrics[p.SecondaryMetric]
	if !ok || math.IsNaN(v) {
		return math.Inf(-1)
	}
	return v
}

// LampIndex returns the position of lamp in Lamps, or -1 when unknown.
func (p Policy) LampIndex(lamp string) int {
	for i, l := range p.Lamps {
		if l == lamp {
			return i
		}
	}
	return -1
}

// Registry holds the known modes. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	policies map[Mode]Policy
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[Mode]Policy)}
}

// Register adds or replaces the policy for mode.
func (r *Registry) Register(mode Mode, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[mode] = p
}

// Lookup returns the policy for mode or ErrUnknownMode.
func (r *Registry) Lookup(mode Mode) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[mode]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	return p, nil
}

// Modes lists the registered modes sorted by their string form.
func (r *Registry) Modes() []Mode {
	r.mu.RLock()
	out := make([]Mode, 0, len(r.policies))
	for m := range r.policies {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// DefaultRegistry returns the built-in modes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Mode{Game: "iidx", Playtype: "SP"}, Policy{
		SecondaryMetric: MetricPercent,
		Lamps:           []string{"NO PLAY", "FAILED", "ASSIST CLEAR", "EASY CLEAR", "CLEAR", "HARD CLEAR", "EX HARD CLEAR", "FULL COMBO"},
		ComposeLamp:     true,
		RatingWeights:   map[string]float64{"ktLampRating": 0.12, "BPI": 0.9},
	})
	r.Register(Mode{Game: "iidx", Playtype: "DP"}, Policy{
		SecondaryMetric: MetricPercent,
		Lamps:           []string{"NO PLAY", "FAILED", "ASSIST CLEAR", "EASY CLEAR", "CLEAR", "HARD CLEAR", "EX HARD CLEAR", "FULL COMBO"},
		ComposeLamp:     true,
		RatingWeights:   map[string]float64{"ktLampRating": 0.12},
	})
	r.Register(Mode{Game: "sdvx", Playtype: "Single"}, Policy{
		SecondaryMetric: "exScore",
		Lamps:           []string{"FAILED", "CLEAR", "EXCESSIVE CLEAR", "ULTIMATE CHAIN", "PERFECT ULTIMATE CHAIN"},
		ComposeLamp:     true,
		RatingWeights:   map[string]float64{"VF6": 0.2},
	})
	r.Register(Mode{Game: "chunithm", Playtype: "Single"}, Policy{
		SecondaryMetric: MetricPercent,
		Lamps:           []string{"FAILED", "CLEAR", "FULL COMBO", "ALL JUSTICE", "ALL JUSTICE CRITICAL"},
		RatingWeights:   map[string]float64{"rating": 0.16},
	})
	r.Register(Mode{Game: "maimaidx", Playtype: "Single"}, Policy{
		SecondaryMetric: MetricPercent,
		Lamps:           []string{"FAILED", "CLEAR", "FULL COMBO", "FULL COMBO+", "ALL PERFECT", "ALL PERFECT+"},
		RatingWeights:   map[string]float64{"rate": 0.22},
	})
	return r
}
