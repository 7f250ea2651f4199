// lookahead/classifier.go
// Classifier chains: ordered, composable relevance weighers applied per sorter group.
package lookahead

import (
	"math"
	"sort"
	"strings"
)

// StatsSource supplies how often a candidate was chosen before.
type StatsSource interface {
	UseCount(group, text string) int
}

// WeighContext is the read-only state weighers see during one classification.
type WeighContext struct {
	Prefix          string
	InvocationCount int
	Stats           StatsSource // May be nil.
	matcher         func(*Candidate) PrefixMatcher
}

// MatcherFor returns the prefix matcher registered for c, or a matcher for the context prefix.
func (wc *WeighContext) MatcherFor(c *Candidate) PrefixMatcher {
	if wc.matcher != nil {
		if m := wc.matcher(c); m != nil {
			return m
		}
	}
	return NewCamelMatcher(wc.Prefix)
}

// Weigher assigns a relevance weight to a candidate; larger weights sort first.
type Weigher interface {
	Name() string
	Weigh(c *Candidate, wc *WeighContext) int64
}

// WeigherFunc adapts a function to the Weigher interface.
type WeigherFunc struct {
	ID string
	Fn func(c *Candidate, wc *WeighContext) int64
}

func (w WeigherFunc) Name() string                                { return w.ID }
func (w WeigherFunc) Weigh(c *Candidate, wc *WeighContext) int64 { return w.Fn(c, wc) }

// ClassifierChain orders candidates lexicographically by its weighers.
// Candidates that tie on every weigher keep their arrival order.
type ClassifierChain []Weigher

// Sort returns a new slice holding items in relevance order.
func (ch ClassifierChain) Sort(items []*Candidate, wc *WeighContext) []*Candidate {
	out := make([]*Candidate, len(items))
	copy(out, items)
	if len(ch) == 0 || len(out) < 2 {
		return out
	}
	weights := make(map[*Candidate][]int64, len(out))
	for _, c := range out {
		w := make([]int64, len(ch))
		for i, weigher := range ch {
			w[i] = weigher.Weigh(c, wc)
		}
		weights[c] = w
	}
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := weights[out[i]], weights[out[j]]
		for k := range wi {
			if wi[k] != wj[k] {
				return wi[k] > wj[k]
			}
		}
		return false
	})
	return out
}

// Names lists the weigher names, outermost first.
func (ch ClassifierChain) Names() []string {
	names := make([]string, len(ch))
	for i, w := range ch {
		names[i] = w.Name()
	}
	return names
}

// ============================================================================
// Built-in Weighers
// ============================================================================

// ExactPrefixWeigher ranks candidates equal to the typed prefix first.
var ExactPrefixWeigher = WeigherFunc{ID: "exactPrefix", Fn: func(c *Candidate, wc *WeighContext) int64 {
	switch {
	case wc.Prefix == "":
		return 0
	case c.Text == wc.Prefix:
		return 2
	case strings.EqualFold(c.Text, wc.Prefix):
		return 1
	}
	return 0
}}

// StartMatchWeigher ranks start matches before middle matches.
var StartMatchWeigher = WeigherFunc{ID: "startMatch", Fn: func(c *Candidate, wc *WeighContext) int64 {
	if wc.MatcherFor(c).IsStartMatch(c) {
		return 1
	}
	return 0
}}

// StatsWeigher ranks frequently chosen candidates first.
var StatsWeigher = WeigherFunc{ID: "stats", Fn: func(c *Candidate, wc *WeighContext) int64 {
	if wc.Stats == nil {
		return 0
	}
	return int64(wc.Stats.UseCount(c.Group, c.Text))
}}

// PriorityWeigher ranks by the provider-assigned priority.
var PriorityWeigher = WeigherFunc{ID: "priority", Fn: func(c *Candidate, _ *WeighContext) int64 {
	return int64(math.Round(c.Priority * 1000))
}}

// ShorterFirstWeigher prefers shorter lookup strings.
var ShorterFirstWeigher = WeigherFunc{ID: "shorter", Fn: func(c *Candidate, _ *WeighContext) int64 {
	return -int64(len(c.Text))
}}

// DefaultChain is the classifier chain used for groups registered without one.
func DefaultChain() ClassifierChain {
	return ClassifierChain{ExactPrefixWeigher, StartMatchWeigher, StatsWeigher, PriorityWeigher, ShorterFirstWeigher}
}
