// Package dedup finds ledger entries recorded more than once.
package dedup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/limoledger/reconcile/pkg/ledger"
)

// Duplicate is an entry to be marked DUPLICATE, with the entry it repeats.
type Duplicate struct {
	Entry    ledger.Entry
	Survivor ledger.Entry
	Reason   string
}

// Suspect is a cluster of identical entries that cannot be told apart
// safely. Nothing in it changes.
type Suspect struct {
	Hash    string
	Entries []ledger.Entry
	Reason  string
}

// Uncertain describes the suspect cluster for manual review.
func (s Suspect) Uncertain() ledger.Uncertain {
	first := s.Entries[0]
	u := ledger.Uncertain{
		Kind:    ledger.UncertainDuplicate,
		Date:    first.Date,
		Amount:  first.Amount(),
		Subject: first.Description,
		Detail:  s.Reason,
	}
	for _, e := range s.Entries {
		u.Descriptions = append(u.Descriptions, e.Description)
		ref := fmt.Sprintf("entry %d", e.ID)
		if e.ImportBatch != "" {
			ref += " batch " + e.ImportBatch
		}
		u.Refs = append(u.Refs, ref)
	}
	return u
}

// Plan is the outcome of a sweep.
type Plan struct {
	Duplicates []Duplicate
	Suspects   []Suspect
}

// Sweep clusters ACTIVE entries by content hash and decides, per cluster,
// which rows are repeats.
//
// Rows carrying an external reference are distinct unless their references
// are equal. Rows without one are only collapsed when the cluster is a
// repeated import: every import batch contributes the same number of rows,
// and the rows of the earliest batch are kept. Rows kept together from one
// batch, and any other cluster, are suspects. The earliest inserted row
// always stays ACTIVE.
func Sweep(entries []ledger.Entry) Plan {
	clusters := make(map[string][]ledger.Entry)
	var order []string
	for _, e := range entries {
		if e.Status != ledger.StatusActive || e.ContentHash == "" {
			continue
		}
		if _, ok := clusters[e.ContentHash]; !ok {
			order = append(order, e.ContentHash)
		}
		clusters[e.ContentHash] = append(clusters[e.ContentHash], e)
	}

	var plan Plan
	for _, hash := range order {
		cluster := clusters[hash]
		if len(cluster) < 2 {
			continue
		}
		sort.Slice(cluster, func(a, b int) bool { return cluster[a].ID < cluster[b].ID })
		sweepCluster(hash, cluster, &plan)
	}
	return plan
}

func sweepCluster(hash string, cluster []ledger.Entry, plan *Plan) {
	byRef := make(map[string][]ledger.Entry)
	var refOrder []string
	var noRef []ledger.Entry
	for _, e := range cluster {
		ref := strings.ToUpper(strings.TrimSpace(e.ExternalRef))
		if ref == "" {
			noRef = append(noRef, e)
			continue
		}
		if _, ok := byRef[ref]; !ok {
			refOrder = append(refOrder, ref)
		}
		byRef[ref] = append(byRef[ref], e)
	}

	for _, ref := range refOrder {
		group := byRef[ref]
		for _, e := range group[1:] {
			plan.Duplicates = append(plan.Duplicates, Duplicate{
				Entry:    e,
				Survivor: group[0],
				Reason:   fmt.Sprintf("same reference %s", ref),
			})
		}
	}

	if len(noRef) == 0 || (len(noRef) == 1 && len(refOrder) == 0) {
		return
	}
	if len(noRef) == 1 {
		plan.Suspects = append(plan.Suspects, Suspect{
			Hash:    hash,
			Entries: cluster,
			Reason:  "row without reference repeats a referenced row",
		})
		return
	}

	batches := make(map[string][]ledger.Entry)
	var batchOrder []string
	for _, e := range noRef {
		if _, ok := batches[e.ImportBatch]; !ok {
			batchOrder = append(batchOrder, e.ImportBatch)
		}
		batches[e.ImportBatch] = append(batches[e.ImportBatch], e)
	}

	if len(batchOrder) < 2 {
		plan.Suspects = append(plan.Suspects, Suspect{
			Hash:    hash,
			Entries: noRef,
			Reason:  fmt.Sprintf("%d identical rows in one import", len(noRef)),
		})
		return
	}
	per := len(batches[batchOrder[0]])
	for _, b := range batchOrder[1:] {
		if len(batches[b]) != per {
			plan.Suspects = append(plan.Suspects, Suspect{
				Hash:    hash,
				Entries: noRef,
				Reason:  fmt.Sprintf("identical rows spread unevenly over %d imports", len(batchOrder)),
			})
			return
		}
	}

	// batchOrder follows insertion, so the first batch is the earliest.
	kept := batches[batchOrder[0]]
	for _, b := range batchOrder[1:] {
		for i, e := range batches[b] {
			plan.Duplicates = append(plan.Duplicates, Duplicate{
				Entry:    e,
				Survivor: kept[i],
				Reason:   fmt.Sprintf("import %s repeats import %s", b, batchOrder[0]),
			})
		}
	}
	// The kept rows are still twins of each other.
	if per > 1 {
		plan.Suspects = append(plan.Suspects, Suspect{
			Hash:    hash,
			Entries: kept,
			Reason:  fmt.Sprintf("%d identical rows in one import", per),
		})
	}
}

// StatusChanges lists the changes the plan makes.
func (p Plan) StatusChanges() []ledger.StatusChange {
	out := make([]ledger.StatusChange, 0, len(p.Duplicates))
	for _, d := range p.Duplicates {
		out = append(out, ledger.StatusChange{EntryID: d.Entry.ID, From: d.Entry.Status, To: ledger.StatusDuplicate, Reason: d.Reason})
	}
	return out
}
