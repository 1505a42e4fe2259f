// Package reconcile runs the reconciliation pipeline for one account at a
// time: import, match (with split resolution), duplicate sweep and balance
// recompute. Every operation builds a changeset and hands it to the guard.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/limoledger/reconcile/pkg/balance"
	"github.com/limoledger/reconcile/pkg/config"
	"github.com/limoledger/reconcile/pkg/db"
	"github.com/limoledger/reconcile/pkg/dedup"
	"github.com/limoledger/reconcile/pkg/guard"
	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/match"
	"github.com/limoledger/reconcile/pkg/split"
)

// Operation names recorded on runs.
const (
	OpImport    = "import"
	OpMatch     = "match"
	OpSweep     = "sweep"
	OpRecompute = "recompute"
)

// Outcome is what one pipeline operation did or would do.
type Outcome struct {
	Operation string
	Account   ledger.Account
	Result    guard.Result
	// Uncertain lists every item left for a person to decide.
	Uncertain []ledger.Uncertain

	Inserted     int
	Linked       int
	Existing     int
	Splits       int
	Unmatched    []ledger.Candidate
	Removed      int
	FinalBalance decimal.Decimal
}

// Preview is the guard preview of the operation.
func (o Outcome) Preview() guard.Preview {
	return o.Result.Preview
}

// Clean reports whether nothing is left unresolved.
func (o Outcome) Clean() bool {
	return len(o.Uncertain) == 0
}

// Engine runs pipeline operations against a store.
type Engine struct {
	store    *db.Store
	guard    *guard.Guard
	matcher  *match.Matcher
	resolver split.Resolver
}

// New creates an Engine. Candidates from the clearing systems are matched
// with the narrow date window.
func New(store *db.Store, g *guard.Guard, m config.MatchingConfig, clearing []ledger.SourceSystem) *Engine {
	return &Engine{
		store:   store,
		guard:   g,
		matcher: match.New(match.FromConfig(m), clearing...),
		resolver: split.Resolver{
			Epsilon:      m.Epsilon,
			TrailingDays: m.SplitTrailingDays,
			MaxPool:      m.MaxSplitPool,
		},
	}
}

// Guard returns the mutation guard.
func (e *Engine) Guard() *guard.Guard {
	return e.guard
}

// maxAttempts bounds how often an operation is planned again after another
// writer changed the account first.
const maxAttempts = 8

// planFunc reads the account and builds the changeset of one operation.
type planFunc func(account ledger.Account) (Outcome, guard.Changeset, error)

// run plans an operation against the current account digest and applies
// it. A plan made stale by a concurrent write is discarded and rebuilt.
func (e *Engine) run(ctx context.Context, accountRef string, mode ledger.Mode, plan planFunc) (Outcome, error) {
	account, err := e.store.ResolveAccount(ctx, accountRef)
	if err != nil {
		return Outcome{}, err
	}
	for attempt := 1; ; attempt++ {
		basis, err := e.store.AccountDigest(ctx, nil, account.ID)
		if err != nil {
			return Outcome{Account: account}, err
		}
		out, cs, err := plan(account)
		out.Account = account
		if err != nil {
			return out, err
		}
		cs.Basis = basis
		cs.Uncertain = out.Uncertain
		res, err := e.guard.Apply(ctx, cs, mode)
		out.Result = res
		if errors.Is(err, guard.ErrStaleChangeset) && attempt < maxAttempts {
			slog.Info("account changed while planning, planning again", "account", account.ID, "operation", cs.Operation, "attempt", attempt)
			continue
		}
		return out, err
	}
}

// Import records candidates as new ledger entries of one import batch, with
// their running balances. Candidates addressed to another account are
// skipped.
func (e *Engine) Import(ctx context.Context, accountRef string, cands []ledger.Candidate, batch string, skipped int, mode ledger.Mode) (Outcome, error) {
	if batch == "" {
		batch = uuid.NewString()
	}
	return e.run(ctx, accountRef, mode, func(account ledger.Account) (Outcome, guard.Changeset, error) {
		out := Outcome{Operation: OpImport}
		var inserts []ledger.Entry
		rest := skipped
		for _, c := range cands {
			if c.AccountRef != "" {
				owner, err := e.store.ResolveAccount(ctx, c.AccountRef)
				if err != nil || owner.ID != account.ID {
					slog.Warn("skipping row of another account", "line", c.Line, "account", c.AccountRef)
					rest++
					continue
				}
			}
			inserts = append(inserts, entryFromCandidate(account.ID, c, batch))
		}

		existing, err := e.store.ListEntries(ctx, account.ID, time.Time{}, time.Time{})
		if err != nil {
			return out, guard.Changeset{}, err
		}
		anchors, err := e.store.Anchors(ctx, account.ID)
		if err != nil {
			return out, guard.Changeset{}, err
		}

		updates := placeBalances(account, anchors, existing, inserts)
		out.Inserted = len(inserts)
		return out, guard.Changeset{
			Account:        account.ID,
			Operation:      OpImport,
			Inserts:        inserts,
			BalanceUpdates: updates,
			Skipped:        rest,
		}, nil
	})
}

func entryFromCandidate(accountID string, c ledger.Candidate, batch string) ledger.Entry {
	e := ledger.Entry{
		AccountID:   accountID,
		Date:        c.Date,
		Description: c.Description,
		ExternalRef: c.ExternalRef,
		ContentHash: c.Key,
		Status:      ledger.StatusActive,
		Source:      c.Source,
		ImportBatch: batch,
	}
	if c.Amount.IsNegative() {
		e.Debit = c.Amount.Neg()
	} else {
		e.Credit = c.Amount
	}
	return e
}

// placeBalances sets the running balance of each insert and returns the
// updates that existing later entries need. Inserts get provisional ids
// above every stored id, which keeps their ledger order.
func placeBalances(account ledger.Account, anchors []ledger.Anchor, existing, inserts []ledger.Entry) []ledger.BalanceUpdate {
	if len(inserts) == 0 {
		return nil
	}
	var maxID int64
	for _, x := range existing {
		if x.ID > maxID {
			maxID = x.ID
		}
	}
	from := inserts[0].Date
	all := append([]ledger.Entry(nil), existing...)
	for i := range inserts {
		inserts[i].ID = maxID + int64(i) + 1
		if inserts[i].Date.Before(from) {
			from = inserts[i].Date
		}
		all = append(all, inserts[i])
	}

	res := balance.Recompute(balance.Input{Account: account, Anchors: anchors, Entries: all, From: from})
	placed := make(map[int64]decimal.Decimal)
	var updates []ledger.BalanceUpdate
	for _, u := range res.Updates {
		if u.EntryID > maxID {
			placed[u.EntryID] = u.To
			continue
		}
		updates = append(updates, u)
	}
	for i := range inserts {
		if b, ok := placed[inserts[i].ID]; ok {
			inserts[i].RunningBalance = b
		}
		inserts[i].ID = 0
	}
	return updates
}

// MatchOptions tune a match run.
type MatchOptions struct {
	// Supersede lets candidates take over entries that are already linked;
	// the previous links are retired.
	Supersede bool
}

// Match links candidates to entries. Candidates left unmatched are tried
// as the total of several unlinked entries; unlinked entries are then
// tried as the total of several unmatched candidates.
func (e *Engine) Match(ctx context.Context, accountRef string, cands []ledger.Candidate, opts MatchOptions, mode ledger.Mode) (Outcome, error) {
	return e.run(ctx, accountRef, mode, func(account ledger.Account) (Outcome, guard.Changeset, error) {
		out := Outcome{Operation: OpMatch}
		cs := guard.Changeset{Account: account.ID, Operation: OpMatch}
		if len(cands) == 0 {
			return out, cs, nil
		}

		from, to := dateRange(cands)
		reach := e.matcher.Options().WindowDays
		if e.resolver.TrailingDays > reach {
			reach = e.resolver.TrailingDays
		}
		entries, err := e.store.ListEntries(ctx, account.ID, from.AddDate(0, 0, -reach), to.AddDate(0, 0, reach))
		if err != nil {
			return out, cs, err
		}
		links, err := e.store.ActiveLinks(ctx, account.ID)
		if err != nil {
			return out, cs, err
		}
		e.matchScope(account.ID, cands, entries, links, opts, &cs, &out)
		return out, cs, nil
	})
}

func (e *Engine) matchScope(accountID string, cands []ledger.Candidate, entries []ledger.Entry, links []ledger.MatchLink, opts MatchOptions, cs *guard.Changeset, out *Outcome) {
	linkedEntries := make(map[int64][]string)
	for _, l := range links {
		linkedEntries[l.EntryID] = append(linkedEntries[l.EntryID], l.ID)
	}
	used := make(map[int64]bool)
	for id := range linkedEntries {
		used[id] = true
	}

	results := e.matcher.MatchAll(cands, match.Scope{Entries: entries, Links: links, Supersede: opts.Supersede})
	var unmatched []ledger.Candidate
	for _, r := range results {
		switch r.Kind {
		case match.Linked:
			if r.Existing {
				out.Existing++
				continue
			}
			out.Linked++
			used[r.Entry.ID] = true
			cs.RetiredLinks = append(cs.RetiredLinks, linkedEntries[r.Entry.ID]...)
			cs.Links = append(cs.Links, ledger.MatchLink{
				AccountID:     accountID,
				CandidateKey:  r.Candidate.LinkKey(),
				EntryID:       r.Entry.ID,
				MatchedAmount: r.Candidate.Amount,
				Tier:          r.Tier,
				Confidence:    r.Confidence,
			})
		case match.Ambiguous:
			out.Uncertain = append(out.Uncertain, r.Uncertain())
		default:
			unmatched = append(unmatched, r.Candidate)
		}
	}

	unmatched = e.splitCandidates(accountID, unmatched, entries, used, cs, out)
	unmatched = e.splitEntries(accountID, unmatched, entries, used, cs, out)
	out.Unmatched = unmatched

	slog.Debug("match finished", "account", accountID, "linked", out.Linked, "existing", out.Existing,
		"splits", out.Splits, "unmatched", len(unmatched), "ambiguous", len(out.Uncertain))
}

// splitCandidates tries each unmatched candidate as the total of several
// unlinked entries dated on or shortly before it.
func (e *Engine) splitCandidates(accountID string, cands []ledger.Candidate, entries []ledger.Entry, used map[int64]bool, cs *guard.Changeset, out *Outcome) []ledger.Candidate {
	var left []ledger.Candidate
	for _, c := range cands {
		var pool []split.Item
		for _, en := range entries {
			if used[en.ID] || !en.Status.Counted() {
				continue
			}
			pool = append(pool, split.Item{Ref: db.EntryRef(en.ID), Date: en.Date, Amount: en.Amount(), Description: en.Description})
		}
		pool = e.resolver.Window(c.Date, pool)
		outcome := e.resolver.Resolve(c.Amount, c.Date, pool)
		switch outcome.Kind {
		case split.Found:
			g := split.Group(accountID, ledger.ParentCandidate, c.LinkKey(), c.Amount, outcome.Items)
			cs.SplitGroups = append(cs.SplitGroups, g)
			for _, it := range outcome.Items {
				id, _ := db.ParseEntryRef(it.Ref)
				used[id] = true
				cs.Links = append(cs.Links, ledger.MatchLink{
					AccountID:     accountID,
					CandidateKey:  c.LinkKey(),
					EntryID:       id,
					MatchedAmount: it.Amount,
					Tier:          ledger.TierSplit,
					Confidence:    1,
					SplitGroupID:  g.ID,
				})
			}
			out.Splits++
		case split.Ambiguous:
			out.Uncertain = append(out.Uncertain, outcome.Uncertain(candidateSubject(c), c.Date, c.Amount))
			left = append(left, c)
		default:
			left = append(left, c)
		}
	}
	return left
}

// splitEntries tries each unlinked entry as the total of several unmatched
// candidates dated on or shortly before it.
func (e *Engine) splitEntries(accountID string, cands []ledger.Candidate, entries []ledger.Entry, used map[int64]bool, cs *guard.Changeset, out *Outcome) []ledger.Candidate {
	if len(cands) < 2 {
		return cands
	}
	consumed := make([]bool, len(cands))

	for _, en := range entries {
		if used[en.ID] || !en.Status.Counted() {
			continue
		}
		var pool []split.Item
		for i, c := range cands {
			if !consumed[i] {
				pool = append(pool, split.Item{Ref: strconv.Itoa(i), Date: c.Date, Amount: c.Amount, Description: c.Description})
			}
		}
		pool = e.resolver.Window(en.Date, pool)
		if len(pool) < 2 {
			continue
		}
		outcome := e.resolver.Resolve(en.Amount(), en.Date, pool)
		switch outcome.Kind {
		case split.Found:
			items := make([]split.Item, len(outcome.Items))
			for k, it := range outcome.Items {
				i, _ := strconv.Atoi(it.Ref)
				consumed[i] = true
				it.Ref = cands[i].LinkKey()
				items[k] = it
			}
			g := split.Group(accountID, ledger.ParentEntry, db.EntryRef(en.ID), en.Amount(), items)
			cs.SplitGroups = append(cs.SplitGroups, g)
			for _, it := range items {
				cs.Links = append(cs.Links, ledger.MatchLink{
					AccountID:     accountID,
					CandidateKey:  it.Ref,
					EntryID:       en.ID,
					MatchedAmount: it.Amount,
					Tier:          ledger.TierSplit,
					Confidence:    1,
					SplitGroupID:  g.ID,
				})
			}
			used[en.ID] = true
			out.Splits++
		case split.Ambiguous:
			subject := fmt.Sprintf("entry %d: %s", en.ID, en.Description)
			out.Uncertain = append(out.Uncertain, outcome.Uncertain(subject, en.Date, en.Amount()))
		}
	}

	var left []ledger.Candidate
	for i, c := range cands {
		if !consumed[i] {
			left = append(left, c)
		}
	}
	return left
}

func candidateSubject(c ledger.Candidate) string {
	return fmt.Sprintf("%s line %d: %s", c.Source, c.Line, c.Description)
}

func dateRange(cands []ledger.Candidate) (time.Time, time.Time) {
	from, to := cands[0].Date, cands[0].Date
	for _, c := range cands[1:] {
		if c.Date.Before(from) {
			from = c.Date
		}
		if c.Date.After(to) {
			to = c.Date
		}
	}
	return from, to
}

// Sweep marks repeated entries in [from, to] as DUPLICATE and carries the
// balance over them. Zero bounds are open.
func (e *Engine) Sweep(ctx context.Context, accountRef string, from, to time.Time, mode ledger.Mode) (Outcome, error) {
	return e.run(ctx, accountRef, mode, func(account ledger.Account) (Outcome, guard.Changeset, error) {
		out := Outcome{Operation: OpSweep}
		window, err := e.store.ListEntries(ctx, account.ID, from, to)
		if err != nil {
			return out, guard.Changeset{}, err
		}
		plan := dedup.Sweep(window)
		for _, s := range plan.Suspects {
			out.Uncertain = append(out.Uncertain, s.Uncertain())
		}
		out.Removed = len(plan.Duplicates)

		cs := guard.Changeset{Account: account.ID, Operation: OpSweep, StatusChanges: plan.StatusChanges()}
		if len(plan.Duplicates) > 0 {
			all, err := e.store.ListEntries(ctx, account.ID, time.Time{}, time.Time{})
			if err != nil {
				return out, cs, err
			}
			anchors, err := e.store.Anchors(ctx, account.ID)
			if err != nil {
				return out, cs, err
			}
			marked := make(map[int64]bool)
			earliest := plan.Duplicates[0].Entry.Date
			for _, d := range plan.Duplicates {
				marked[d.Entry.ID] = true
				if d.Entry.Date.Before(earliest) {
					earliest = d.Entry.Date
				}
			}
			for i := range all {
				if marked[all[i].ID] {
					all[i].Status = ledger.StatusDuplicate
				}
			}
			res := balance.Recompute(balance.Input{Account: account, Anchors: anchors, Entries: all, From: earliest})
			cs.BalanceUpdates = res.Updates
			out.FinalBalance = res.FinalBalance
		}

		slog.Debug("sweep finished", "account", account.ID, "duplicates", out.Removed, "suspects", len(plan.Suspects))
		return out, cs, nil
	})
}

// Recompute rewrites running balances from the nearest verified anchor on
// or before from and reports statement breaks.
func (e *Engine) Recompute(ctx context.Context, accountRef string, from time.Time, mode ledger.Mode) (Outcome, error) {
	return e.run(ctx, accountRef, mode, func(account ledger.Account) (Outcome, guard.Changeset, error) {
		out := Outcome{Operation: OpRecompute}
		entries, err := e.store.ListEntries(ctx, account.ID, time.Time{}, time.Time{})
		if err != nil {
			return out, guard.Changeset{}, err
		}
		anchors, err := e.store.Anchors(ctx, account.ID)
		if err != nil {
			return out, guard.Changeset{}, err
		}
		statements, err := e.store.Statements(ctx, account.ID)
		if err != nil {
			return out, guard.Changeset{}, err
		}

		res := balance.Recompute(balance.Input{
			Account:    account,
			Anchors:    anchors,
			Statements: statements,
			Entries:    entries,
			From:       from,
		})
		sort.SliceStable(res.Breaks, func(a, b int) bool { return res.Breaks[a].Date.Before(res.Breaks[b].Date) })
		for _, b := range res.Breaks {
			out.Uncertain = append(out.Uncertain, b.Uncertain())
		}
		out.FinalBalance = res.FinalBalance

		return out, guard.Changeset{
			Account:        account.ID,
			Operation:      OpRecompute,
			BalanceUpdates: res.Updates,
		}, nil
	})
}

// Maintain runs the scheduled upkeep of one account: a full duplicate sweep
// followed by a balance recompute from the opening balance, both written.
func (e *Engine) Maintain(ctx context.Context, accountRef string) ([]Outcome, error) {
	sweep, err := e.Sweep(ctx, accountRef, time.Time{}, time.Time{}, ledger.Write)
	if err != nil {
		return []Outcome{sweep}, err
	}
	recompute, err := e.Recompute(ctx, accountRef, time.Time{}, ledger.Write)
	return []Outcome{sweep, recompute}, err
}
