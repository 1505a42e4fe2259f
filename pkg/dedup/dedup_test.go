package dedup

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limoledger/reconcile/pkg/ledger"
)

func row(id int64, hash, ref, batch string) ledger.Entry {
	return ledger.Entry{
		ID:          id,
		AccountID:   "0228362",
		Date:        time.Date(2012, 1, 10, 0, 0, 0, 0, time.UTC),
		Debit:       decimal.RequireFromString("50"),
		Description: "husky",
		ExternalRef: ref,
		ContentHash: hash,
		Status:      ledger.StatusActive,
		ImportBatch: batch,
	}
}

func ids(ds []Duplicate) []int64 {
	var out []int64
	for _, d := range ds {
		out = append(out, d.Entry.ID)
	}
	return out
}

func TestSweep(t *testing.T) {
	tests := []struct {
		name       string
		entries    []ledger.Entry
		duplicates []int64
		suspects   int
	}{
		{
			name:    "unique rows",
			entries: []ledger.Entry{row(1, "a", "", "b1"), row(2, "b", "", "b1")},
		},
		{
			name:       "equal references collapse",
			entries:    []ledger.Entry{row(1, "a", "CHQ100", "b1"), row(2, "a", "chq100", "b2")},
			duplicates: []int64{2},
		},
		{
			name:    "distinct references stay",
			entries: []ledger.Entry{row(1, "a", "CHQ100", "b1"), row(2, "a", "CHQ101", "b1")},
		},
		{
			name:     "identical rows in one import are suspects",
			entries:  []ledger.Entry{row(1, "a", "", "b1"), row(2, "a", "", "b1")},
			suspects: 1,
		},
		{
			name:       "repeated import collapses",
			entries:    []ledger.Entry{row(1, "a", "", "b1"), row(2, "a", "", "b2"), row(3, "a", "", "b3")},
			duplicates: []int64{2, 3},
		},
		{
			name:       "repeated import of twins collapses and keeps the twins suspect",
			entries:    []ledger.Entry{row(1, "a", "", "b1"), row(2, "a", "", "b1"), row(3, "a", "", "b2"), row(4, "a", "", "b2")},
			duplicates: []int64{3, 4},
			suspects:   1,
		},
		{
			name:     "uneven imports are suspects",
			entries:  []ledger.Entry{row(1, "a", "", "b1"), row(2, "a", "", "b2"), row(3, "a", "", "b2")},
			suspects: 1,
		},
		{
			name:     "unreferenced row beside referenced row",
			entries:  []ledger.Entry{row(1, "a", "CHQ100", "b1"), row(2, "a", "", "b2")},
			suspects: 1,
		},
		{
			name: "inactive rows are ignored",
			entries: func() []ledger.Entry {
				d := row(2, "a", "", "b2")
				d.Status = ledger.StatusDuplicate
				return []ledger.Entry{row(1, "a", "", "b1"), d}
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Sweep(tt.entries)
			assert.Equal(t, tt.duplicates, ids(plan.Duplicates))
			assert.Len(t, plan.Suspects, tt.suspects)
			for _, s := range plan.Suspects {
				u := s.Uncertain()
				assert.Equal(t, ledger.UncertainDuplicate, u.Kind)
				assert.Len(t, u.Refs, len(s.Entries))
			}
		})
	}
}

func TestSweepKeepsEarliestAndIsIdempotent(t *testing.T) {
	entries := []ledger.Entry{row(4, "a", "", "b2"), row(1, "a", "", "b1"), row(3, "a", "", "b2"), row(2, "a", "", "b1")}
	plan := Sweep(entries)
	require.Len(t, plan.Duplicates, 2)
	require.Len(t, plan.Suspects, 1)
	assert.Equal(t, "2 identical rows in one import", plan.Suspects[0].Reason)
	for _, d := range plan.Duplicates {
		assert.Contains(t, []int64{1, 2}, d.Survivor.ID)
	}

	changes := plan.StatusChanges()
	require.Len(t, changes, 2)
	marked := make(map[int64]bool)
	for _, c := range changes {
		assert.Equal(t, ledger.StatusDuplicate, c.To)
		marked[c.EntryID] = true
	}
	for i := range entries {
		if marked[entries[i].ID] {
			entries[i].Status = ledger.StatusDuplicate
		}
	}

	again := Sweep(entries)
	assert.Empty(t, again.Duplicates)
	require.Len(t, again.Suspects, 1)
	assert.Equal(t, plan.Suspects[0].Reason, again.Suspects[0].Reason)
	assert.ElementsMatch(t, entryIDs(plan.Suspects[0].Entries), entryIDs(again.Suspects[0].Entries))
}

func entryIDs(es []ledger.Entry) []int64 {
	var out []int64
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}
