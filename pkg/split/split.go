// Package split finds the set of amounts that jointly make up a declared
// total, such as one bank deposit covering several charters or one card
// charge split across receipts.
package split

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/limoledger/reconcile/pkg/ledger"
)

// Kind is the outcome of a split search.
type Kind string

const (
	Found     Kind = "FOUND"
	Ambiguous Kind = "AMBIGUOUS"
	None      Kind = "NONE"
)

// maxReported bounds the combinations kept for an ambiguous outcome.
const maxReported = 10

// Item is one amount offered to the search. Ref is an entry id or a
// candidate key.
type Item struct {
	Ref         string
	Date        time.Time
	Amount      decimal.Decimal
	Description string
}

// Outcome is the result of a search.
type Outcome struct {
	Kind  Kind
	Items []Item
	// Combinations lists the competing solutions of an ambiguous outcome;
	// Count is the total number found.
	Combinations [][]Item
	Count        int
}

// Resolver searches bounded pools for exact subset sums.
type Resolver struct {
	Epsilon      decimal.Decimal
	TrailingDays int
	MaxPool      int
}

// Window keeps the items dated within [date - TrailingDays, date].
func (r Resolver) Window(date time.Time, items []Item) []Item {
	from := date.AddDate(0, 0, -r.TrailingDays)
	var out []Item
	for _, it := range items {
		if !it.Date.Before(from) && !it.Date.After(date) {
			out = append(out, it)
		}
	}
	return out
}

// Resolve looks for the smallest combination of at least two pool items
// whose amounts sum to target within Epsilon. When the pool exceeds
// MaxPool, only the items closest to date are searched.
func (r Resolver) Resolve(target decimal.Decimal, date time.Time, pool []Item) Outcome {
	pool = r.bound(date, pool)
	return Resolve(target, pool, r.Epsilon)
}

func (r Resolver) bound(date time.Time, pool []Item) []Item {
	if r.MaxPool <= 0 || len(pool) <= r.MaxPool {
		return pool
	}
	sorted := append([]Item(nil), pool...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return distance(sorted[a].Date, date) < distance(sorted[b].Date, date)
	})
	return sorted[:r.MaxPool]
}

func distance(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

// Resolve runs an exhaustive search by increasing combination size. The
// first size that has solutions decides: one solution is Found, several
// are Ambiguous.
func Resolve(target decimal.Decimal, pool []Item, eps decimal.Decimal) Outcome {
	items := append([]Item(nil), pool...)
	sort.SliceStable(items, func(a, b int) bool {
		if !items[a].Date.Equal(items[b].Date) {
			return items[a].Date.Before(items[b].Date)
		}
		return items[a].Ref < items[b].Ref
	})

	// Sums run on integer micro-units.
	units := make([]int64, len(items))
	for i, it := range items {
		units[i] = toUnits(it.Amount)
	}
	want, tol := toUnits(target), toUnits(eps)

	n := len(items)
	for size := 2; size <= n; size++ {
		var found [][]Item
		count := 0
		idx := make([]int, size)
		for i := range idx {
			idx[i] = i
		}
		for {
			var sum int64
			for _, i := range idx {
				sum += units[i]
			}
			if d := sum - want; d < tol && -d < tol {
				count++
				if len(found) < maxReported {
					combo := make([]Item, size)
					for k, i := range idx {
						combo[k] = items[i]
					}
					found = append(found, combo)
				}
			}
			if !next(idx, n) {
				break
			}
		}
		switch {
		case count == 1:
			return Outcome{Kind: Found, Items: found[0], Count: 1}
		case count > 1:
			return Outcome{Kind: Ambiguous, Combinations: found, Count: count}
		}
	}
	return Outcome{Kind: None}
}

func toUnits(d decimal.Decimal) int64 {
	return d.Shift(6).Round(0).IntPart()
}

// next advances idx to the next k-combination of n in lexicographic order.
func next(idx []int, n int) bool {
	k := len(idx)
	i := k - 1
	for i >= 0 && idx[i] == n-k+i {
		i--
	}
	if i < 0 {
		return false
	}
	idx[i]++
	for j := i + 1; j < k; j++ {
		idx[j] = idx[j-1] + 1
	}
	return true
}

// Group builds the split group for a found outcome.
func Group(accountID string, kind ledger.ParentKind, parentRef string, total decimal.Decimal, items []Item) ledger.SplitGroup {
	g := ledger.SplitGroup{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		ParentKind: kind,
		ParentRef:  parentRef,
		Total:      total,
	}
	for _, it := range items {
		g.Children = append(g.Children, ledger.SplitChild{Ref: it.Ref, Amount: it.Amount})
	}
	return g
}

// Uncertain describes an ambiguous outcome for manual review.
func (o Outcome) Uncertain(subject string, date time.Time, total decimal.Decimal) ledger.Uncertain {
	u := ledger.Uncertain{
		Kind:    ledger.UncertainAmbiguousSplit,
		Date:    date,
		Amount:  total,
		Subject: subject,
		Detail:  fmt.Sprintf("%d combinations sum to %s", o.Count, total.StringFixed(2)),
	}
	for _, combo := range o.Combinations {
		var refs, descs []string
		for _, it := range combo {
			refs = append(refs, it.Ref)
			descs = append(descs, fmt.Sprintf("%s %s", it.Amount.StringFixed(2), it.Description))
		}
		u.Refs = append(u.Refs, strings.Join(refs, "+"))
		u.Descriptions = append(u.Descriptions, strings.Join(descs, " + "))
	}
	return u
}
