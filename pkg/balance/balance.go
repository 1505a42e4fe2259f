// Package balance recomputes running balances and detects statement breaks.
package balance

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/limoledger/reconcile/pkg/ledger"
)

// BreakKind tells which side of a statement period is discontinuous.
type BreakKind string

const (
	BreakOpening BreakKind = "OPENING"
	BreakClosing BreakKind = "CLOSING"
)

// Break is a disagreement between a stored statement balance and the
// balance computed from the ledger.
type Break struct {
	Kind      BreakKind
	Statement ledger.Statement
	Date      time.Time
	Stored    decimal.Decimal
	Computed  decimal.Decimal
}

// Uncertain describes the break for manual review.
func (b Break) Uncertain() ledger.Uncertain {
	return ledger.Uncertain{
		Kind:    ledger.UncertainBalanceBreak,
		Date:    b.Date,
		Amount:  b.Stored.Sub(b.Computed),
		Subject: fmt.Sprintf("statement %s..%s %s", b.Statement.PeriodStart.Format(ledger.DateLayout), b.Statement.PeriodEnd.Format(ledger.DateLayout), b.Kind),
		Detail:  fmt.Sprintf("stored %s, computed %s", b.Stored.StringFixed(2), b.Computed.StringFixed(2)),
	}
}

// Input is everything a recompute needs for one account.
type Input struct {
	Account    ledger.Account
	Anchors    []ledger.Anchor
	Statements []ledger.Statement
	Entries    []ledger.Entry
	From       time.Time
}

// Result is the outcome of a recompute.
type Result struct {
	Start        ledger.Anchor
	FinalBalance decimal.Decimal
	Updates      []ledger.BalanceUpdate
	Breaks       []Break
}

// StartAnchor returns the verified anchor the walk starts from: the latest
// one on or before from, or the account opening balance when there is none.
// The opening anchor is dated the day before the opening date so that
// entries on the opening date are counted.
func StartAnchor(account ledger.Account, anchors []ledger.Anchor, from time.Time) ledger.Anchor {
	start := ledger.Anchor{
		AccountID: account.ID,
		Date:      account.OpeningDate.AddDate(0, 0, -1),
		Balance:   account.OpeningBalance,
		Verified:  true,
	}
	if from.IsZero() {
		return start
	}
	for _, a := range anchors {
		if a.Verified && !a.Date.After(from) && a.Date.After(start.Date) {
			start = a
		}
	}
	return start
}

// Recompute walks the entries after the start anchor in (date, id) order.
// Counted entries move the balance; VOID and DUPLICATE rows carry the
// previous balance. Only rows whose stored balance differs are returned as
// updates. Breaks are reported, never corrected.
func Recompute(in Input) Result {
	start := StartAnchor(in.Account, in.Anchors, in.From)
	res := Result{Start: start, FinalBalance: start.Balance}

	entries := make([]ledger.Entry, 0, len(in.Entries))
	for _, e := range in.Entries {
		if e.Date.After(start.Date) {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].Before(entries[b]) })

	type dayEnd struct {
		date    time.Time
		balance decimal.Decimal
	}
	days := []dayEnd{{start.Date, start.Balance}}

	bal := start.Balance
	for _, e := range entries {
		if e.Status.Counted() {
			bal = bal.Add(e.Amount())
		}
		if !e.RunningBalance.Equal(bal) {
			res.Updates = append(res.Updates, ledger.BalanceUpdate{EntryID: e.ID, Date: e.Date, From: e.RunningBalance, To: bal})
		}
		if last := &days[len(days)-1]; last.date.Equal(e.Date) {
			last.balance = bal
		} else {
			days = append(days, dayEnd{e.Date, bal})
		}
	}
	res.FinalBalance = bal

	// balanceAt is the balance at the end of date, known only from the
	// start anchor on.
	balanceAt := func(date time.Time) (decimal.Decimal, bool) {
		if date.Before(start.Date) {
			return decimal.Zero, false
		}
		i := sort.Search(len(days), func(i int) bool { return days[i].date.After(date) })
		return days[i-1].balance, true
	}

	for _, st := range in.Statements {
		dayBefore := st.PeriodStart.AddDate(0, 0, -1)
		if computed, ok := balanceAt(dayBefore); ok && !computed.Equal(st.OpeningBalance) {
			res.Breaks = append(res.Breaks, Break{Kind: BreakOpening, Statement: st, Date: st.PeriodStart, Stored: st.OpeningBalance, Computed: computed})
		}
		if computed, ok := balanceAt(st.PeriodEnd); ok && !computed.Equal(st.ClosingBalance) {
			res.Breaks = append(res.Breaks, Break{Kind: BreakClosing, Statement: st, Date: st.PeriodEnd, Stored: st.ClosingBalance, Computed: computed})
		}
	}
	return res
}

// Apply returns entries with the updates applied.
func Apply(entries []ledger.Entry, updates []ledger.BalanceUpdate) []ledger.Entry {
	to := make(map[int64]decimal.Decimal, len(updates))
	for _, u := range updates {
		to[u.EntryID] = u.To
	}
	out := append([]ledger.Entry(nil), entries...)
	for i := range out {
		if b, ok := to[out[i].ID]; ok {
			out[i].RunningBalance = b
		}
	}
	return out
}
