// lookahead/arranger.go
// The arranger groups candidates by sorter group, ranks them with each group's
// classifier chain, enforces the retention budget and picks the selection.
package lookahead

import (
	"sort"
	"strings"
)

// OverflowAdvertisement is queued once per session when the retention budget evicts candidates.
const OverflowAdvertisement = "Not all variants are shown, please type more letters to see the rest"

// RankedList is an ordered snapshot of the retained candidates.
type RankedList struct {
	Items          []*Candidate
	Selected       int // -1 when Items is empty.
	Prefix         string
	Overflow       bool
	Advertisements []string
}

// SelectedItem returns the selected candidate or nil.
func (l RankedList) SelectedItem() *Candidate {
	if l.Selected < 0 || l.Selected >= len(l.Items) {
		return nil
	}
	return l.Items[l.Selected]
}

// Texts returns the lookup strings in list order.
func (l RankedList) Texts() []string {
	out := make([]string, len(l.Items))
	for i, c := range l.Items {
		out[i] = c.Text
	}
	return out
}

// ArrangerOptions configures a new Arranger.
type ArrangerOptions struct {
	Limit           int
	MaxPreferred    int
	Alphabetical    bool
	Prefix          string
	Focused         bool // Unfocused (auto-popup) lists always select the first item.
	InvocationCount int
	Stats           StatsSource
}

type sorterGroup struct {
	id    string
	chain ClassifierChain
}

// Arranger holds the candidates of one session. It is not safe for concurrent
// use; the owning Session serialises access with its mutex.
type Arranger struct {
	opts ArrangerOptions

	groups  []*sorterGroup
	byGroup map[string]*sorterGroup

	items    []*Candidate // Retained candidates in arrival order.
	matchers map[*Candidate]PrefixMatcher
	frozen   []*Candidate

	prefix        string
	prefixChanges int
	overflow      bool
	shown         bool

	selected         *Candidate
	selectionTouched bool
}

// NewArranger creates an empty arranger.
func NewArranger(opts ArrangerOptions) *Arranger {
	if opts.Limit <= 0 {
		opts.Limit = defaultItemLimit
	}
	if opts.MaxPreferred <= 0 {
		opts.MaxPreferred = defaultMaxPreferredCount
	}
	return &Arranger{
		opts:     opts,
		byGroup:  make(map[string]*sorterGroup),
		matchers: make(map[*Candidate]PrefixMatcher),
		prefix:   opts.Prefix,
	}
}

// RegisterGroup declares a sorter group and its classifier chain. Groups are
// concatenated in registration order; unknown groups register on first sight
// with DefaultChain.
func (a *Arranger) RegisterGroup(id string, chain ClassifierChain) {
	if g, ok := a.byGroup[id]; ok {
		g.chain = chain
		return
	}
	g := &sorterGroup{id: id, chain: chain}
	a.groups = append(a.groups, g)
	a.byGroup[id] = g
}

func (a *Arranger) groupFor(c *Candidate) *sorterGroup {
	g, ok := a.byGroup[c.Group]
	if !ok {
		a.RegisterGroup(c.Group, DefaultChain())
		g = a.byGroup[c.Group]
	}
	return g
}

// Add registers c with matcher m. It returns false when c does not match the
// prefix; overflowed is true the first time the budget forces an eviction.
func (a *Arranger) Add(c *Candidate, m PrefixMatcher) (added, overflowed bool) {
	if m == nil {
		m = NewCamelMatcher(a.prefix)
	}
	if !m.Matches(c) {
		return false, false
	}
	if _, dup := a.matchers[c]; dup {
		return false, false
	}
	a.groupFor(c)
	a.items = append(a.items, c)
	a.matchers[c] = m
	return true, a.trimToLimit()
}

// trimToLimit evicts everything except exact-prefix, frozen and the most
// relevant candidates once the budget is reached.
func (a *Arranger) trimToLimit() bool {
	limit := a.opts.Limit
	if len(a.items) < limit {
		return false
	}
	matching := a.MatchingItems()
	byRelevance := a.sortByRelevance(matching)

	retained := newOrderedSet(limit)
	for _, c := range a.prefixItems(matching, true) {
		if retained.len() < limit-1 {
			retained.add(c)
		}
	}
	for _, c := range a.prefixItems(matching, false) {
		if retained.len() < limit-1 {
			retained.add(c)
		}
	}
	for _, c := range a.frozen {
		if _, ok := a.matchers[c]; ok && retained.len() < limit-1 {
			retained.add(c)
		}
	}
	i := 0
	for ; i < len(byRelevance) && retained.len() < limit/2; i++ {
		retained.add(byRelevance[i])
	}
	if retained.len() >= len(a.items) {
		return false
	}

	kept := a.items[:0]
	for _, c := range a.items {
		if retained.has(c) {
			kept = append(kept, c)
		} else {
			delete(a.matchers, c)
		}
	}
	for j := len(kept); j < len(a.items); j++ {
		a.items[j] = nil
	}
	a.items = kept

	if a.overflow {
		return false
	}
	a.overflow = true
	return true
}

// Len returns the number of retained candidates.
func (a *Arranger) Len() int { return len(a.items) }

// Overflow reports whether the budget has evicted candidates in this session.
func (a *Arranger) Overflow() bool { return a.overflow }

// Prefix returns the prefix candidates are currently matched against.
func (a *Arranger) Prefix() string { return a.prefix }

// PrefixChanges counts prefix updates seen since the session started.
func (a *Arranger) PrefixChanges() int { return a.prefixChanges }

// Frozen returns the candidates pinned by the last arrangement.
func (a *Arranger) Frozen() []*Candidate { return append([]*Candidate(nil), a.frozen...) }

// SetShown records whether the view currently displays the list. Only a shown
// list freezes its top items.
func (a *Arranger) SetShown(shown bool) { a.shown = shown }

// Select marks c as chosen by the user; later arrangements keep it selected.
func (a *Arranger) Select(c *Candidate) {
	a.selected = c
	a.selectionTouched = true
}

// PrefixChanged re-targets every matcher at prefix and unfreezes the list.
func (a *Arranger) PrefixChanged(prefix string) {
	if prefix == a.prefix {
		return
	}
	a.prefix = prefix
	a.prefixChanges++
	a.frozen = nil
	for c, m := range a.matchers {
		a.matchers[c] = m.CloneWithPrefix(prefix)
	}
}

// MatchingItems returns retained candidates matching the current prefix, in arrival order.
func (a *Arranger) MatchingItems() []*Candidate {
	out := make([]*Candidate, 0, len(a.items))
	for _, c := range a.items {
		if a.matchers[c].Matches(c) {
			out = append(out, c)
		}
	}
	return out
}

func (a *Arranger) weighContext() *WeighContext {
	return &WeighContext{
		Prefix:          a.prefix,
		InvocationCount: a.opts.InvocationCount,
		Stats:           a.opts.Stats,
		matcher:         func(c *Candidate) PrefixMatcher { return a.matchers[c] },
	}
}

func (a *Arranger) sortByRelevance(items []*Candidate) []*Candidate {
	if len(items) == 0 {
		return nil
	}
	buckets := make(map[*sorterGroup][]*Candidate)
	for _, c := range items {
		g := a.groupFor(c)
		buckets[g] = append(buckets[g], c)
	}
	wc := a.weighContext()
	out := make([]*Candidate, 0, len(items))
	for _, g := range a.groups {
		if b := buckets[g]; len(b) > 0 {
			out = append(out, g.chain.Sort(b, wc)...)
		}
	}
	return out
}

func (a *Arranger) sortByPresentation(items []*Candidate) []*Candidate {
	var starts, middles []*Candidate
	for _, c := range items {
		if a.matchers[c].IsStartMatch(c) {
			starts = append(starts, c)
		} else {
			middles = append(middles, c)
		}
	}
	byPresentation := func(list []*Candidate) {
		sort.SliceStable(list, func(i, j int) bool {
			pi, pj := list[i].PresentationKey(), list[j].PresentationKey()
			if li, lj := strings.ToLower(pi), strings.ToLower(pj); li != lj {
				return li < lj
			}
			return pi < pj
		})
	}
	byPresentation(starts)
	byPresentation(middles)
	return append(starts, middles...)
}

func (a *Arranger) prefixItems(items []*Candidate, caseSensitive bool) []*Candidate {
	if a.prefix == "" {
		return nil
	}
	var out []*Candidate
	for _, c := range items {
		if caseSensitive && c.Text == a.prefix {
			out = append(out, c)
		} else if !caseSensitive && c.Text != a.prefix && strings.EqualFold(c.Text, a.prefix) {
			out = append(out, c)
		}
	}
	return a.sortByRelevance(out)
}

// Arrange produces the ordered list and the selection index. Refreshes pass
// explicit=false so a previous selection is kept.
func (a *Arranger) Arrange(explicit bool) RankedList {
	matching := a.MatchingItems()
	list := RankedList{Selected: -1, Prefix: a.prefix, Overflow: a.overflow}
	if len(matching) == 0 {
		return list
	}
	byRelevance := a.sortByRelevance(matching)
	mostRelevant := byRelevance[0]
	if a.opts.Alphabetical {
		list.Items = a.sortByPresentation(matching)
	} else {
		list.Items = a.fillModelByRelevance(matching, byRelevance, mostRelevant)
	}
	list.Selected = a.itemToSelect(list.Items, explicit, mostRelevant)
	if sel := list.SelectedItem(); sel != nil {
		a.selected = sel
	}
	return list
}

func (a *Arranger) fillModelByRelevance(matching, byRelevance []*Candidate, mostRelevant *Candidate) []*Candidate {
	present := make(map[*Candidate]bool, len(matching))
	for _, c := range matching {
		present[c] = true
	}
	model := newOrderedSet(len(matching))
	next := 0
	addUntil := func(stop func(last *Candidate) bool) {
		for next < len(byRelevance) {
			c := byRelevance[next]
			next++
			model.add(c)
			if stop(c) {
				return
			}
		}
	}

	for _, c := range a.prefixItems(matching, true) {
		model.add(c)
	}
	for _, c := range a.prefixItems(matching, false) {
		model.add(c)
	}
	for _, c := range a.frozen {
		if present[c] {
			model.add(c)
		}
	}
	if model.len() < a.opts.MaxPreferred {
		addUntil(func(*Candidate) bool { return model.len() >= a.opts.MaxPreferred })
	}
	if !a.selectionTouched && a.selected != nil && present[a.selected] {
		model.add(a.selected)
	}

	a.frozen = nil
	if a.shown {
		a.frozen = model.list()
	}

	for _, want := range []*Candidate{a.selected, mostRelevant} {
		if want != nil && present[want] && !model.has(want) {
			addUntil(func(last *Candidate) bool { return last == want })
		}
	}
	addUntil(func(*Candidate) bool { return false })
	return model.list()
}

func (a *Arranger) itemToSelect(items []*Candidate, explicit bool, mostRelevant *Candidate) int {
	if len(items) == 0 {
		return -1
	}
	if !a.opts.Focused {
		return 0
	}
	if a.selectionTouched || !explicit {
		if idx := indexOf(items, a.selected); idx >= 0 {
			return idx
		}
		if a.selected != nil {
			key := a.selected.PresentationKey()
			for i, c := range items {
				if c.PresentationKey() == key {
					return i
				}
			}
		}
	}
	target := mostRelevant
	if exact := a.bestExactMatch(items); exact != nil {
		target = exact
	}
	if idx := indexOf(items, target); idx >= 0 {
		return idx
	}
	return 0
}

func (a *Arranger) exactMatches(items []*Candidate) []*Candidate {
	if a.prefix == "" {
		return nil
	}
	var out []*Candidate
	for _, c := range items {
		if c.Text == a.prefix {
			out = append(out, c)
		}
	}
	return out
}

func (a *Arranger) bestExactMatch(items []*Candidate) *Candidate {
	exact := a.exactMatches(items)
	switch len(exact) {
	case 0:
		return nil
	case 1:
		return exact[0]
	}
	return a.sortByRelevance(exact)[0]
}

// ExactMatch returns the most relevant candidate equal to the typed prefix and
// whether it is the only one.
func (a *Arranger) ExactMatch() (best *Candidate, unique bool) {
	matching := a.MatchingItems()
	exact := a.exactMatches(matching)
	if len(exact) == 0 {
		return nil, false
	}
	return a.bestExactMatch(matching), len(exact) == 1
}

// AutoAccept returns the candidate that may be accepted without showing the
// list: the unique exact match, if any.
func (a *Arranger) AutoAccept() *Candidate {
	best, unique := a.ExactMatch()
	if !unique {
		return nil
	}
	return best
}

func indexOf(items []*Candidate, c *Candidate) int {
	if c == nil {
		return -1
	}
	for i, it := range items {
		if it == c {
			return i
		}
	}
	return -1
}

// orderedSet is an insertion-ordered identity set of candidates.
type orderedSet struct {
	seen  map[*Candidate]struct{}
	order []*Candidate
}

func newOrderedSet(capacity int) *orderedSet {
	return &orderedSet{seen: make(map[*Candidate]struct{}, capacity), order: make([]*Candidate, 0, capacity)}
}

func (s *orderedSet) add(c *Candidate) {
	if _, ok := s.seen[c]; ok {
		return
	}
	s.seen[c] = struct{}{}
	s.order = append(s.order, c)
}

func (s *orderedSet) has(c *Candidate) bool {
	_, ok := s.seen[c]
	return ok
}

func (s *orderedSet) len() int { return len(s.order) }

func (s *orderedSet) list() []*Candidate { return append([]*Candidate(nil), s.order...) }
