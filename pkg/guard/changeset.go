// Package guard is the only write path into the ledger. Every changeset is
// previewed first; a WRITE snapshots the rows it touches and records an
// audit run before anything changes, so a run can always be restored.
package guard

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/limoledger/reconcile/pkg/db"
	"github.com/limoledger/reconcile/pkg/ledger"
)

// Changeset is every mutation one operation wants to make on one account.
type Changeset struct {
	Account   string
	Operation string

	// Basis is the account digest the changeset was planned against. When
	// empty, the digest read by the preview is used.
	Basis string

	Inserts        []ledger.Entry
	BalanceUpdates []ledger.BalanceUpdate
	StatusChanges  []ledger.StatusChange
	Links          []ledger.MatchLink
	RetiredLinks   []string
	SplitGroups    []ledger.SplitGroup
	RetiredGroups  []string
	Uncertain      []ledger.Uncertain
	// Skipped counts input rows that were not used, such as malformed rows.
	Skipped int
}

// Size is the number of rows the changeset writes.
func (c Changeset) Size() int {
	return len(c.Inserts) + len(c.BalanceUpdates) + len(c.StatusChanges) +
		len(c.Links) + len(c.RetiredLinks) + len(c.SplitGroups) + len(c.RetiredGroups)
}

// Empty reports whether the changeset writes nothing.
func (c Changeset) Empty() bool {
	return c.Size() == 0
}

// touched returns the keys of the existing rows the changeset modifies,
// per snapshot table.
func (c Changeset) touched() map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]bool)
	add := func(table, key string) {
		if seen[table+"\x00"+key] {
			return
		}
		seen[table+"\x00"+key] = true
		out[table] = append(out[table], key)
	}
	for _, u := range c.BalanceUpdates {
		add(db.TableEntries, db.EntryRef(u.EntryID))
	}
	for _, s := range c.StatusChanges {
		add(db.TableEntries, db.EntryRef(s.EntryID))
	}
	for _, id := range c.RetiredLinks {
		add(db.TableLinks, id)
	}
	for _, id := range c.RetiredGroups {
		add(db.TableSplitGroups, id)
	}
	return out
}

// RowChange is the before and after value of one field.
type RowChange struct {
	Table  string
	Key    string
	Field  string
	Date   string
	Before string
	After  string
	Reason string
}

// Preview describes what a changeset would do.
type Preview struct {
	Account      string
	Operation    string
	Mode         ledger.Mode
	Inserts      []ledger.Entry
	Changes      []RowChange
	Links        []ledger.MatchLink
	RetiredLinks []string
	SplitGroups  []ledger.SplitGroup
	Uncertain    []ledger.Uncertain
	Skipped      int
	DigestBefore string
}

// Clean reports whether the preview has nothing left for a person to decide.
func (p Preview) Clean() bool {
	return len(p.Uncertain) == 0
}

// Rows is the number of rows the preview writes.
func (p Preview) Rows() int {
	return len(p.Inserts) + len(p.Changes) + len(p.Links) + len(p.RetiredLinks) + len(p.SplitGroups)
}

func buildPreview(cs Changeset, mode ledger.Mode, digest string) Preview {
	p := Preview{
		Account:      cs.Account,
		Operation:    cs.Operation,
		Mode:         mode,
		Inserts:      cs.Inserts,
		Links:        cs.Links,
		RetiredLinks: append(append([]string(nil), cs.RetiredLinks...), cs.RetiredGroups...),
		SplitGroups:  cs.SplitGroups,
		Uncertain:    cs.Uncertain,
		Skipped:      cs.Skipped,
		DigestBefore: digest,
	}
	for _, u := range cs.BalanceUpdates {
		p.Changes = append(p.Changes, RowChange{
			Table:  db.TableEntries,
			Key:    db.EntryRef(u.EntryID),
			Field:  "running_balance",
			Date:   u.Date.Format(ledger.DateLayout),
			Before: u.From.StringFixed(2),
			After:  u.To.StringFixed(2),
		})
	}
	for _, s := range cs.StatusChanges {
		p.Changes = append(p.Changes, RowChange{
			Table:  db.TableEntries,
			Key:    db.EntryRef(s.EntryID),
			Field:  "status",
			Before: string(s.From),
			After:  string(s.To),
			Reason: s.Reason,
		})
	}
	return p
}

func (c Changeset) validate(eps decimal.Decimal) error {
	if c.Account == "" {
		return fmt.Errorf("changeset has no account")
	}
	if c.Operation == "" {
		return fmt.Errorf("changeset has no operation")
	}
	for _, e := range c.Inserts {
		if e.AccountID != c.Account {
			return fmt.Errorf("insert for account %s in changeset of %s", e.AccountID, c.Account)
		}
	}
	for _, g := range c.SplitGroups {
		if g.ChildSum().Sub(g.Total).Abs().GreaterThanOrEqual(eps) {
			return fmt.Errorf("split group %s children sum to %s, total %s", g.ID, g.ChildSum().StringFixed(2), g.Total.StringFixed(2))
		}
	}
	return nil
}
