// Package match links normalized candidates to ledger entries.
//
// Three tiers are tried in order and the first that yields a single entry
// wins: an exact external reference, amount within a date window, and a
// fuzzy comparison of normalized descriptions. Anything that cannot be
// narrowed to one entry is reported as ambiguous and never linked.
package match

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/limoledger/reconcile/pkg/config"
	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/normalize"
)

// Kind is the outcome of matching one candidate.
type Kind string

const (
	Linked    Kind = "LINKED"
	Ambiguous Kind = "AMBIGUOUS"
	Unmatched Kind = "UNMATCHED"
)

// Confidence assigned by the non-fuzzy tiers.
const (
	ExactConfidence  = 1.0
	WindowConfidence = 0.9
)

const scoreTolerance = 1e-9

// Options are the matching tolerances.
type Options struct {
	Epsilon            decimal.Decimal
	WindowDays         int
	ClearingWindowDays int
	FuzzyThreshold     float64
}

// DefaultOptions returns the default tolerances.
func DefaultOptions() Options {
	return FromConfig(config.DefaultMatching())
}

// FromConfig converts the configured tolerances.
func FromConfig(m config.MatchingConfig) Options {
	return Options{
		Epsilon:            m.Epsilon,
		WindowDays:         m.WindowDays,
		ClearingWindowDays: m.ClearingWindowDays,
		FuzzyThreshold:     m.FuzzyThreshold,
	}
}

// Scope is the slice of the ledger a candidate is matched against.
type Scope struct {
	Entries []ledger.Entry
	Links   []ledger.MatchLink // active links of the account
	// Supersede makes already linked entries eligible again.
	Supersede bool
}

// Competitor is an entry that tied for a candidate, with its score.
type Competitor struct {
	Entry ledger.Entry
	Score float64
}

// Result is the outcome of matching one candidate.
type Result struct {
	Candidate  ledger.Candidate
	Kind       Kind
	Entry      ledger.Entry
	Tier       ledger.Tier
	Confidence float64
	// Existing is set when the candidate already owns LinkID.
	Existing bool
	LinkID   string
	// Competitors are the entries that could not be told apart.
	Competitors []Competitor
	// Rivals are other candidates of the batch that claimed the same entry
	// equally well.
	Rivals []ledger.Candidate
}

// Uncertain describes an ambiguous result for manual review.
func (r Result) Uncertain() ledger.Uncertain {
	u := ledger.Uncertain{
		Kind:    ledger.UncertainAmbiguousMatch,
		Date:    r.Candidate.Date,
		Amount:  r.Candidate.Amount,
		Subject: fmt.Sprintf("%s line %d: %s", r.Candidate.Source, r.Candidate.Line, r.Candidate.Description),
	}
	for _, c := range r.Competitors {
		u.Descriptions = append(u.Descriptions, c.Entry.Description)
		u.Scores = append(u.Scores, c.Score)
		u.Refs = append(u.Refs, fmt.Sprintf("entry %d (%s)", c.Entry.ID, c.Entry.Date.Format(ledger.DateLayout)))
	}
	if len(r.Rivals) > 0 {
		u.Detail = fmt.Sprintf("%d candidates claim entry %d equally", len(r.Rivals)+1, r.Entry.ID)
		u.Descriptions = append(u.Descriptions, r.Entry.Description)
		u.Scores = append(u.Scores, r.Confidence)
		u.Refs = append(u.Refs, fmt.Sprintf("entry %d (%s)", r.Entry.ID, r.Entry.Date.Format(ledger.DateLayout)))
		for _, rv := range r.Rivals {
			u.Descriptions = append(u.Descriptions, rv.Description)
			u.Scores = append(u.Scores, r.Confidence)
			u.Refs = append(u.Refs, fmt.Sprintf("%s line %d", rv.Source, rv.Line))
		}
	}
	return u
}

// Matcher matches candidates against a ledger scope.
type Matcher struct {
	opts     Options
	clearing map[ledger.SourceSystem]bool
}

// New creates a Matcher. Candidates from the clearing systems use the
// narrow date window.
func New(opts Options, clearing ...ledger.SourceSystem) *Matcher {
	m := &Matcher{opts: opts, clearing: make(map[ledger.SourceSystem]bool)}
	for _, s := range clearing {
		m.clearing[s] = true
	}
	return m
}

// Options returns the matcher tolerances.
func (m *Matcher) Options() Options {
	return m.opts
}

// Match matches a single candidate.
func (m *Matcher) Match(c ledger.Candidate, scope Scope) Result {
	return m.match(c, scope, nil, ownLinks([]ledger.Candidate{c}, scope.Links)[0])
}

// MatchAll matches a batch. Candidates that already own a link keep it and
// never compete. When several other candidates settle on the same entry,
// the single strongest claim keeps it and the others are matched again
// without it; claims that tie are all reported as ambiguous.
func (m *Matcher) MatchAll(cands []ledger.Candidate, scope Scope) []Result {
	results := make([]Result, len(cands))
	final := make([]bool, len(cands))
	claimed := make(map[int64]bool)
	owned := ownLinks(cands, scope.Links)

	for {
		for i, c := range cands {
			if !final[i] {
				results[i] = m.match(c, scope, claimed, owned[i])
			}
		}

		claims := make(map[int64][]int)
		held := make(map[int64]bool)
		for i, r := range results {
			if final[i] {
				continue
			}
			if r.Kind != Linked || r.Existing {
				if r.Existing {
					held[r.Entry.ID] = true
					claimed[r.Entry.ID] = true
				}
				final[i] = true
				continue
			}
			claims[r.Entry.ID] = append(claims[r.Entry.ID], i)
		}
		if len(claims) == 0 {
			return results
		}

		ids := make([]int64, 0, len(claims))
		for id := range claims {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

		for _, id := range ids {
			// An entry kept by its existing owners is matched again by
			// everyone else.
			if held[id] {
				continue
			}
			idx := claims[id]
			claimed[id] = true
			sort.SliceStable(idx, func(a, b int) bool { return stronger(results[idx[a]], results[idx[b]]) })

			best := results[idx[0]]
			n := 1
			for n < len(idx) && !stronger(best, results[idx[n]]) {
				n++
			}
			if n == 1 {
				final[idx[0]] = true
				continue
			}
			for _, i := range idx[:n] {
				r := results[i]
				r.Kind = Ambiguous
				for _, j := range idx[:n] {
					if j != i {
						r.Rivals = append(r.Rivals, cands[j])
					}
				}
				results[i] = r
				final[i] = true
			}
		}
	}
}

// ownLinks returns the active link each candidate already owns. Links that
// share a link key go to the candidates carrying that key in batch order, so
// identical receipts each keep their own link; a candidate left without one
// is matched afresh.
func ownLinks(cands []ledger.Candidate, links []ledger.MatchLink) []*ledger.MatchLink {
	byKey := make(map[string][]ledger.MatchLink)
	for _, l := range links {
		if !l.Retired {
			byKey[l.CandidateKey] = append(byKey[l.CandidateKey], l)
		}
	}
	owned := make([]*ledger.MatchLink, len(cands))
	next := make(map[string]int)
	for i, c := range cands {
		k := c.LinkKey()
		if n := next[k]; n < len(byKey[k]) {
			l := byKey[k][n]
			owned[i] = &l
			next[k] = n + 1
		}
	}
	return owned
}

// stronger orders claims by tier, then confidence.
func stronger(a, b Result) bool {
	if a.Tier.Rank() != b.Tier.Rank() {
		return a.Tier.Rank() < b.Tier.Rank()
	}
	return a.Confidence > b.Confidence+scoreTolerance
}

func (m *Matcher) match(c ledger.Candidate, scope Scope, claimed map[int64]bool, own *ledger.MatchLink) Result {
	res := Result{Candidate: c, Kind: Unmatched}

	linked := make(map[int64]bool)
	for _, l := range scope.Links {
		if !l.Retired {
			linked[l.EntryID] = true
		}
	}
	if own != nil {
		for _, e := range scope.Entries {
			if e.ID == own.EntryID {
				res.Kind = Linked
				res.Entry = e
				res.Tier = own.Tier
				res.Confidence = own.Confidence
				res.Existing = true
				res.LinkID = own.ID
				return res
			}
		}
	}

	var eligible []ledger.Entry
	for _, e := range scope.Entries {
		if !e.Status.Counted() || claimed[e.ID] {
			continue
		}
		if linked[e.ID] && !scope.Supersede {
			continue
		}
		eligible = append(eligible, e)
	}

	// Tier 1: exact external reference.
	if ref := strings.TrimSpace(c.ExternalRef); ref != "" {
		var hits []ledger.Entry
		for _, e := range eligible {
			if strings.EqualFold(strings.TrimSpace(e.ExternalRef), ref) && m.amountMatches(c, e) {
				hits = append(hits, e)
			}
		}
		switch len(hits) {
		case 0:
		case 1:
			return linkedResult(res, hits[0], ledger.TierExactKey, ExactConfidence)
		default:
			return ambiguousResult(res, hits, ExactConfidence)
		}
	}

	// Tier 2: amount within the date window.
	window := m.opts.WindowDays
	if m.clearing[c.Source] {
		window = m.opts.ClearingWindowDays
	}
	var survivors, wide []ledger.Entry
	for _, e := range eligible {
		if !m.amountMatches(c, e) {
			continue
		}
		d := dayDistance(c, e)
		if d <= window {
			survivors = append(survivors, e)
		}
		if d <= m.opts.WindowDays {
			wide = append(wide, e)
		}
	}
	if len(survivors) == 1 {
		return linkedResult(res, survivors[0], ledger.TierAmountDateWindow, WindowConfidence)
	}

	// Tier 3: description similarity among the remaining amount matches.
	pool := wide
	if len(survivors) > 1 {
		pool = survivors
	}
	if len(pool) == 0 {
		return res
	}
	scored := make([]Competitor, len(pool))
	for i, e := range pool {
		scored[i] = Competitor{Entry: e, Score: Similarity(c.Normalized, e.Description)}
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })

	top := scored[0]
	if top.Score >= m.opts.FuzzyThreshold {
		if len(scored) == 1 || top.Score-scored[1].Score > scoreTolerance {
			return linkedResult(res, top.Entry, ledger.TierFuzzyDescription, top.Score)
		}
		n := 1
		for n < len(scored) && top.Score-scored[n].Score <= scoreTolerance {
			n++
		}
		res.Kind = Ambiguous
		res.Competitors = scored[:n]
		return res
	}
	if len(survivors) > 1 {
		res.Kind = Ambiguous
		res.Competitors = scored
	}
	return res
}

func (m *Matcher) amountMatches(c ledger.Candidate, e ledger.Entry) bool {
	return c.Amount.Sub(e.Amount()).Abs().LessThan(m.opts.Epsilon)
}

func dayDistance(c ledger.Candidate, e ledger.Entry) int {
	return int(math.Abs(math.Round(e.Date.Sub(c.Date).Hours() / 24)))
}

func linkedResult(res Result, e ledger.Entry, tier ledger.Tier, confidence float64) Result {
	res.Kind = Linked
	res.Entry = e
	res.Tier = tier
	res.Confidence = confidence
	return res
}

func ambiguousResult(res Result, entries []ledger.Entry, score float64) Result {
	res.Kind = Ambiguous
	for _, e := range entries {
		res.Competitors = append(res.Competitors, Competitor{Entry: e, Score: score})
	}
	return res
}

// Similarity scores two descriptions in [0, 1] as 1 - d/(len(a)+len(b)),
// where d is the Levenshtein distance with substitutions costing two.
// Both inputs are normalized first.
func Similarity(a, b string) float64 {
	ra := []rune(normalize.Description(a))
	rb := []rune(normalize.Description(b))
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	d := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	return 1 - float64(d)/float64(total)
}
