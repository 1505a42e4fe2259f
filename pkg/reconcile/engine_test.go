package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limoledger/reconcile/pkg/config"
	"github.com/limoledger/reconcile/pkg/db"
	"github.com/limoledger/reconcile/pkg/guard"
	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/normalize"
)

const acct = "0228362"

func day(s string) time.Time {
	d, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func newEngine(t *testing.T) (*Engine, *db.Store) {
	t.Helper()
	conn, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "recon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	store := db.NewStore(conn)
	require.NoError(t, store.CreateAccount(context.Background(), ledger.Account{
		ID:             acct,
		Aliases:        []string{"1615"},
		OpeningBalance: decimal.RequireFromString("1000"),
		OpeningDate:    day("2012-01-01"),
		Currency:       "CAD",
	}))
	return New(store, guard.New(store), config.DefaultMatching(), []ledger.SourceSystem{ledger.SourcePOSExport}), store
}

func cand(src ledger.SourceSystem, line int, date, amount, desc, ref string) ledger.Candidate {
	d := day(date)
	amt := decimal.RequireFromString(amount)
	n := normalize.Description(desc)
	return ledger.Candidate{
		Key:         normalize.ContentHash(acct, d, n, amt),
		Source:      src,
		Date:        d,
		Amount:      amt,
		Description: desc,
		Normalized:  n,
		ExternalRef: ref,
		Line:        line,
	}
}

func statement() []ledger.Candidate {
	return []ledger.Candidate{
		cand(ledger.SourceBankCSV, 2, "2012-01-05", "-120.00", "CHQ 1043 WESTERN HYDRO", "1043"),
		cand(ledger.SourceBankCSV, 3, "2012-01-08", "-4.50", "POS COFFEE", ""),
		cand(ledger.SourceBankCSV, 4, "2012-01-10", "-58.24", "VISA PAYMENT SUPPLIES", ""),
		cand(ledger.SourceBankCSV, 5, "2012-01-12", "200.00", "DEPOSIT", ""),
	}
}

func visibleTotal(entries []ledger.Entry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		if e.Status.Counted() {
			sum = sum.Add(e.Amount())
		}
	}
	return sum
}

// assertLinkCapacity checks that no entry is linked for more than its own
// amount.
func assertLinkCapacity(t *testing.T, store *db.Store) {
	t.Helper()
	ctx := context.Background()
	entries, err := store.ListEntries(ctx, acct, time.Time{}, time.Time{})
	require.NoError(t, err)
	links, err := store.ActiveLinks(ctx, acct)
	require.NoError(t, err)

	matched := make(map[int64]decimal.Decimal)
	for _, l := range links {
		matched[l.EntryID] = matched[l.EntryID].Add(l.MatchedAmount.Abs())
	}
	eps := config.DefaultMatching().Epsilon
	for _, e := range entries {
		limit := e.Amount().Abs().Add(eps)
		assert.True(t, matched[e.ID].LessThanOrEqual(limit), "entry %d linked for %s of %s", e.ID, matched[e.ID], e.Amount())
	}
}

func TestImportPlacesRunningBalances(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)

	dry, err := eng.Import(ctx, "1615", statement(), "b1", 1, ledger.DryRun)
	require.NoError(t, err)
	assert.Nil(t, dry.Result.Run)
	assert.Len(t, dry.Preview().Inserts, 4)
	assert.Equal(t, 1, dry.Preview().Skipped)
	entries, err := store.ListEntries(ctx, acct, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	out, err := eng.Import(ctx, "1615", statement(), "b1", 0, ledger.Write)
	require.NoError(t, err)
	require.NotNil(t, out.Result.Run)
	assert.Equal(t, ledger.RunCommitted, out.Result.Run.Status)
	assert.Equal(t, acct, out.Account.ID)

	entries, err = store.ListEntries(ctx, acct, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	want := []string{"880.00", "875.50", "817.26", "1017.26"}
	for i, e := range entries {
		assert.Equal(t, want[i], e.RunningBalance.StringFixed(2), "entry %d", e.ID)
		assert.Equal(t, "b1", e.ImportBatch)
		assert.Equal(t, out.Result.Run.ID, e.CreatedRun)
	}
}

func TestImportBackdatedEntryUpdatesLaterBalances(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)
	_, err := eng.Import(ctx, acct, statement(), "b1", 0, ledger.Write)
	require.NoError(t, err)

	late := []ledger.Candidate{cand(ledger.SourceBankCSV, 2, "2012-01-06", "-10.00", "SERVICE FEE", "")}
	out, err := eng.Import(ctx, acct, late, "b2", 0, ledger.Write)
	require.NoError(t, err)
	assert.Len(t, out.Preview().Changes, 3)

	entries, err := store.ListEntries(ctx, acct, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "870.00", entries[1].RunningBalance.StringFixed(2))
	assert.Equal(t, "1007.26", entries[4].RunningBalance.StringFixed(2))
}

func TestImportSkipsRowsOfAnotherAccount(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t)
	cands := statement()
	cands[1].AccountRef = "9999999"

	out, err := eng.Import(ctx, acct, cands, "b1", 0, ledger.DryRun)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Inserted)
	assert.Equal(t, 1, out.Preview().Skipped)
}

func TestImportUnknownAccount(t *testing.T) {
	eng, _ := newEngine(t)
	_, err := eng.Import(context.Background(), "nope", statement(), "", 0, ledger.DryRun)
	assert.ErrorIs(t, err, ledger.ErrUnknownAccount)
}

func TestSweepReimportedBatch(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)

	_, err := eng.Import(ctx, acct, statement(), "b1", 0, ledger.Write)
	require.NoError(t, err)
	first, err := store.ListEntries(ctx, acct, time.Time{}, time.Time{})
	require.NoError(t, err)
	total := visibleTotal(first)

	_, err = eng.Import(ctx, acct, statement(), "b2", 0, ledger.Write)
	require.NoError(t, err)

	out, err := eng.Sweep(ctx, acct, time.Time{}, time.Time{}, ledger.Write)
	require.NoError(t, err)
	assert.True(t, out.Clean())
	assert.Equal(t, 4, out.Removed)
	assert.Equal(t, "1017.26", out.FinalBalance.StringFixed(2))

	entries, err := store.ListEntries(ctx, acct, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 8)
	assert.True(t, total.Equal(visibleTotal(entries)))
	for _, e := range entries {
		if e.ImportBatch == "b2" {
			assert.Equal(t, ledger.StatusDuplicate, e.Status)
		} else {
			assert.Equal(t, ledger.StatusActive, e.Status)
		}
	}
	assert.Equal(t, "1017.26", entries[len(entries)-1].RunningBalance.StringFixed(2))

	again, err := eng.Sweep(ctx, acct, time.Time{}, time.Time{}, ledger.Write)
	require.NoError(t, err)
	assert.Zero(t, again.Removed)
	assert.Zero(t, again.Preview().Rows())
}

func TestSweepReportsSuspects(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t)
	cands := []ledger.Candidate{
		cand(ledger.SourceBankCSV, 2, "2012-01-08", "-4.50", "POS COFFEE", ""),
		cand(ledger.SourceBankCSV, 3, "2012-01-08", "-4.50", "POS COFFEE", ""),
	}
	_, err := eng.Import(ctx, acct, cands, "b1", 0, ledger.Write)
	require.NoError(t, err)

	out, err := eng.Sweep(ctx, acct, time.Time{}, time.Time{}, ledger.DryRun)
	require.NoError(t, err)
	assert.False(t, out.Clean())
	require.Len(t, out.Uncertain, 1)
	assert.Equal(t, ledger.UncertainDuplicate, out.Uncertain[0].Kind)
	assert.Zero(t, out.Removed)
}

func TestMatchLinksAndSplits(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)
	_, err := eng.Import(ctx, acct, statement(), "b1", 0, ledger.Write)
	require.NoError(t, err)

	receipts := []ledger.Candidate{
		cand(ledger.SourceManualEntry, 2, "2012-01-04", "-120.00", "Western Hydro", "1043"),
		cand(ledger.SourceManualEntry, 3, "2012-01-07", "-4.50", "coffee", ""),
		cand(ledger.SourceManualEntry, 4, "2012-01-09", "-28.05", "staples paper", ""),
		cand(ledger.SourceManualEntry, 5, "2012-01-10", "-30.19", "staples toner", ""),
		cand(ledger.SourceManualEntry, 6, "2012-01-20", "75.00", "refund", ""),
	}

	out, err := eng.Match(ctx, acct, receipts, MatchOptions{}, ledger.Write)
	require.NoError(t, err)
	assert.True(t, out.Clean())
	assert.Equal(t, 2, out.Linked)
	assert.Equal(t, 1, out.Splits)
	require.Len(t, out.Unmatched, 1)
	assert.Equal(t, "refund", out.Unmatched[0].Description)

	groups, err := store.ActiveSplitGroups(ctx, acct)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, ledger.ParentEntry, groups[0].ParentKind)
	assert.Equal(t, "-58.24", groups[0].Total.StringFixed(2))
	assert.Len(t, groups[0].Children, 2)

	links, err := store.ActiveLinks(ctx, acct)
	require.NoError(t, err)
	assert.Len(t, links, 4)
	tiers := map[ledger.Tier]int{}
	for _, l := range links {
		tiers[l.Tier]++
	}
	assert.Equal(t, map[ledger.Tier]int{ledger.TierExactKey: 1, ledger.TierAmountDateWindow: 1, ledger.TierSplit: 2}, tiers)

	assertLinkCapacity(t, store)

	again, err := eng.Match(ctx, acct, receipts, MatchOptions{}, ledger.DryRun)
	require.NoError(t, err)
	assert.True(t, again.Clean())
	require.Len(t, again.Unmatched, 1)
	assert.Equal(t, "refund", again.Unmatched[0].Description)
	assert.Equal(t, 4, again.Existing)
	assert.Zero(t, again.Linked)
	assert.Zero(t, again.Splits)
	assert.Zero(t, again.Preview().Rows())
}

func TestMatchKeepsLinksOfIdenticalReceipts(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)
	_, err := eng.Import(ctx, acct, []ledger.Candidate{
		cand(ledger.SourceBankCSV, 2, "2012-01-08", "-4.50", "POS COFFEE", "P1"),
		cand(ledger.SourceBankCSV, 3, "2012-01-08", "-4.50", "POS COFFEE", "P2"),
	}, "b1", 0, ledger.Write)
	require.NoError(t, err)

	receipts := []ledger.Candidate{
		cand(ledger.SourcePOSExport, 2, "2012-01-08", "-4.50", "POS COFFEE", "P1"),
		cand(ledger.SourcePOSExport, 3, "2012-01-08", "-4.50", "POS COFFEE", "P2"),
	}
	require.Equal(t, receipts[0].Key, receipts[1].Key)

	out, err := eng.Match(ctx, acct, receipts, MatchOptions{}, ledger.Write)
	require.NoError(t, err)
	assert.True(t, out.Clean())
	assert.Equal(t, 2, out.Linked)

	links, err := store.ActiveLinks(ctx, acct)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.NotEqual(t, links[0].CandidateKey, links[1].CandidateKey)
	assert.NotEqual(t, links[0].EntryID, links[1].EntryID)

	for run := 0; run < 2; run++ {
		again, err := eng.Match(ctx, acct, receipts, MatchOptions{}, ledger.Write)
		require.NoError(t, err)
		assert.True(t, again.Clean(), "run %d", run)
		assert.Equal(t, 2, again.Existing, "run %d", run)
		assert.Zero(t, again.Preview().Rows(), "run %d", run)
	}
	assertLinkCapacity(t, store)
}

func TestMatchSplitsCandidateAcrossEntries(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)
	_, err := eng.Import(ctx, acct, []ledger.Candidate{
		cand(ledger.SourceBankCSV, 2, "2012-01-09", "-28.05", "STAPLES 1", ""),
		cand(ledger.SourceBankCSV, 3, "2012-01-10", "-30.19", "STAPLES 2", ""),
	}, "b1", 0, ledger.Write)
	require.NoError(t, err)

	invoice := []ledger.Candidate{cand(ledger.SourceManualEntry, 2, "2012-01-10", "-58.24", "staples invoice", "")}
	out, err := eng.Match(ctx, acct, invoice, MatchOptions{}, ledger.Write)
	require.NoError(t, err)
	assert.True(t, out.Clean())
	assert.Equal(t, 1, out.Splits)

	groups, err := store.ActiveSplitGroups(ctx, acct)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, ledger.ParentCandidate, groups[0].ParentKind)
	assert.Equal(t, invoice[0].LinkKey(), groups[0].ParentRef)
	assertLinkCapacity(t, store)

	again, err := eng.Match(ctx, acct, invoice, MatchOptions{}, ledger.DryRun)
	require.NoError(t, err)
	assert.True(t, again.Clean())
	assert.Equal(t, 1, again.Existing)
	assert.Zero(t, again.Preview().Rows())
}

func TestMatchSupersedeRetiresPreviousLink(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)
	_, err := eng.Import(ctx, acct, statement(), "b1", 0, ledger.Write)
	require.NoError(t, err)

	manual := []ledger.Candidate{cand(ledger.SourceManualEntry, 2, "2012-01-07", "-4.50", "coffee", "")}
	_, err = eng.Match(ctx, acct, manual, MatchOptions{}, ledger.Write)
	require.NoError(t, err)
	before, err := store.ActiveLinks(ctx, acct)
	require.NoError(t, err)
	require.Len(t, before, 1)

	pos := []ledger.Candidate{cand(ledger.SourcePOSExport, 2, "2012-01-08", "-4.50", "POS COFFEE", "")}
	plain, err := eng.Match(ctx, acct, pos, MatchOptions{}, ledger.DryRun)
	require.NoError(t, err)
	assert.Zero(t, plain.Linked)
	require.Len(t, plain.Unmatched, 1)

	out, err := eng.Match(ctx, acct, pos, MatchOptions{Supersede: true}, ledger.Write)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Linked)
	assert.Equal(t, []string{before[0].ID}, out.Preview().RetiredLinks)

	after, err := store.ActiveLinks(ctx, acct)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, pos[0].LinkKey(), after[0].CandidateKey)
	assert.Equal(t, before[0].EntryID, after[0].EntryID)
	assertLinkCapacity(t, store)
}

func TestConcurrentImportsKeepBalanceChain(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row := cand(ledger.SourceBankCSV, 2, fmt.Sprintf("2012-02-0%d", 4-i), fmt.Sprintf("%d.00", i+1), fmt.Sprintf("DEPOSIT %d", i), "")
			_, errs[i] = eng.Import(ctx, acct, []ledger.Candidate{row}, fmt.Sprintf("b%d", i), 0, ledger.Write)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	entries, err := store.ListEntries(ctx, acct, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	want := []string{"1004.00", "1007.00", "1009.00", "1010.00"}
	for i, e := range entries {
		assert.Equal(t, want[i], e.RunningBalance.StringFixed(2), "entry on %s", e.Date.Format(ledger.DateLayout))
	}

	check, err := eng.Recompute(ctx, acct, time.Time{}, ledger.DryRun)
	require.NoError(t, err)
	assert.Zero(t, check.Preview().Rows())
}

func TestMatchReportsTiedCandidates(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t)
	_, err := eng.Import(ctx, acct, []ledger.Candidate{
		cand(ledger.SourceBankCSV, 2, "2012-01-10", "-50.00", "CHEQUE", ""),
	}, "b1", 0, ledger.Write)
	require.NoError(t, err)

	out, err := eng.Match(ctx, acct, []ledger.Candidate{
		cand(ledger.SourceLegacy, 2, "2012-01-09", "-50.00", "cheque", ""),
		cand(ledger.SourceLegacy, 3, "2012-01-11", "-50.00", "cheque", ""),
	}, MatchOptions{}, ledger.Write)
	require.NoError(t, err)
	assert.False(t, out.Clean())
	assert.Len(t, out.Uncertain, 2)
	assert.Zero(t, out.Linked)
	assert.Empty(t, out.Preview().Links)
}

func TestRecomputeRepairsBalances(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)
	_, err := eng.Import(ctx, acct, statement(), "b1", 0, ledger.Write)
	require.NoError(t, err)

	entries, err := store.ListEntries(ctx, acct, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateRunningBalance(ctx, nil, entries[1].ID, "0.00"))
	require.NoError(t, store.PutStatement(ctx, ledger.Statement{
		AccountID:      acct,
		PeriodStart:    day("2012-01-01"),
		PeriodEnd:      day("2012-01-31"),
		OpeningBalance: decimal.RequireFromString("1000"),
		ClosingBalance: decimal.RequireFromString("1017.26"),
	}))

	dry, err := eng.Recompute(ctx, acct, time.Time{}, ledger.DryRun)
	require.NoError(t, err)
	require.Len(t, dry.Preview().Changes, 1)
	assert.Equal(t, "875.50", dry.Preview().Changes[0].After)
	assert.True(t, dry.Clean())

	_, err = eng.Recompute(ctx, acct, time.Time{}, ledger.Write)
	require.NoError(t, err)
	again, err := eng.Recompute(ctx, acct, time.Time{}, ledger.DryRun)
	require.NoError(t, err)
	assert.Zero(t, again.Preview().Rows())
	assert.Equal(t, "1017.26", again.FinalBalance.StringFixed(2))
}

func TestRecomputeReportsClosingBreak(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)
	_, err := eng.Import(ctx, acct, statement(), "b1", 0, ledger.Write)
	require.NoError(t, err)
	require.NoError(t, store.PutStatement(ctx, ledger.Statement{
		AccountID:      acct,
		PeriodStart:    day("2012-01-01"),
		PeriodEnd:      day("2012-01-31"),
		OpeningBalance: decimal.RequireFromString("1000"),
		ClosingBalance: decimal.RequireFromString("1020.00"),
	}))

	out, err := eng.Recompute(ctx, acct, time.Time{}, ledger.Write)
	require.NoError(t, err)
	require.Len(t, out.Uncertain, 1)
	assert.Equal(t, ledger.UncertainBalanceBreak, out.Uncertain[0].Kind)
	assert.Zero(t, out.Preview().Rows())
}

func TestMaintainSweepsThenRecomputes(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t)
	_, err := eng.Import(ctx, acct, statement(), "b1", 0, ledger.Write)
	require.NoError(t, err)
	_, err = eng.Import(ctx, acct, statement(), "b2", 0, ledger.Write)
	require.NoError(t, err)

	outs, err := eng.Maintain(ctx, "1615")
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, OpSweep, outs[0].Operation)
	assert.Equal(t, 4, outs[0].Removed)
	assert.Equal(t, OpRecompute, outs[1].Operation)
	assert.Zero(t, outs[1].Preview().Rows())
	assert.Equal(t, "1017.26", outs[1].FinalBalance.StringFixed(2))

	runs, err := store.ListRuns(ctx, acct, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}
