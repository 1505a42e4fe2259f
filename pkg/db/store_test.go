package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/limoledger/reconcile/pkg/ledger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "recon.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewStore(conn)
}

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func seedAccount(t *testing.T, s *Store) ledger.Account {
	t.Helper()
	a := ledger.Account{
		ID:             "0228362",
		Name:           "CIBC operating",
		Aliases:        []string{"1615", "cibc-old"},
		OpeningBalance: decimal.RequireFromString("1000"),
		OpeningDate:    mustDay(t, "2012-01-01"),
		Currency:       "CAD",
	}
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	return a
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{DriverSQLite, "SELECT * FROM t WHERE a = ? AND b = ?"},
		{DriverPostgres, "SELECT * FROM t WHERE a = $1 AND b = $2"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			c := &Connection{driver: tt.driver}
			if got := c.Rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != tt.want {
				t.Errorf("Rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Error("Open(mysql) should fail")
	}
}

func TestResolveAccount(t *testing.T) {
	s := openTestStore(t)
	seedAccount(t, s)
	ctx := context.Background()

	for _, ref := range []string{"0228362", "1615", " cibc-old "} {
		a, err := s.ResolveAccount(ctx, ref)
		if err != nil {
			t.Fatalf("ResolveAccount(%q) error = %v", ref, err)
		}
		if a.ID != "0228362" {
			t.Errorf("ResolveAccount(%q) = %s, want 0228362", ref, a.ID)
		}
		if len(a.Aliases) != 2 {
			t.Errorf("aliases = %v, want 2", a.Aliases)
		}
	}

	if _, err := s.ResolveAccount(ctx, "9999"); !errors.Is(err, ledger.ErrUnknownAccount) {
		t.Errorf("ResolveAccount(unknown) error = %v, want ErrUnknownAccount", err)
	}
}

func TestAliasBelongsToOneAccount(t *testing.T) {
	s := openTestStore(t)
	seedAccount(t, s)
	ctx := context.Background()
	other := ledger.Account{ID: "8314462", OpeningBalance: decimal.Zero, OpeningDate: mustDay(t, "2012-01-01"), Currency: "CAD"}
	if err := s.CreateAccount(ctx, other); err != nil {
		t.Fatal(err)
	}
	if err := s.AddAlias(ctx, "8314462", "1615"); err == nil {
		t.Error("AddAlias() should refuse an alias owned by another account")
	}
	if err := s.AddAlias(ctx, "0228362", "1615"); err != nil {
		t.Errorf("AddAlias() on same owner error = %v", err)
	}
}

func TestEntriesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	seedAccount(t, s)
	ctx := context.Background()

	in := []ledger.Entry{
		{Date: mustDay(t, "2012-01-10"), Debit: decimal.RequireFromString("50"), Description: "husky", Status: ledger.StatusActive},
		{Date: mustDay(t, "2012-01-05"), Credit: decimal.RequireFromString("125.5"), Description: "deposit", Status: ledger.StatusActive},
		{Date: mustDay(t, "2012-01-10"), Debit: decimal.RequireFromString("12.34"), Description: "fee", Status: ledger.StatusVoid},
	}
	for i := range in {
		in[i].AccountID = "0228362"
		in[i].Source = ledger.SourceBankCSV
		in[i].ContentHash = "h"
		if err := s.InsertEntry(ctx, nil, &in[i]); err != nil {
			t.Fatalf("InsertEntry() error = %v", err)
		}
		if in[i].ID == 0 {
			t.Fatal("InsertEntry() did not set id")
		}
	}

	got, err := s.ListEntries(ctx, "0228362", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	wantOrder := []string{"deposit", "husky", "fee"}
	if len(got) != len(wantOrder) {
		t.Fatalf("ListEntries() returned %d entries, want %d", len(got), len(wantOrder))
	}
	for i, w := range wantOrder {
		if got[i].Description != w {
			t.Errorf("entry %d = %s, want %s", i, got[i].Description, w)
		}
	}
	if !got[0].Credit.Equal(decimal.RequireFromString("125.50")) {
		t.Errorf("credit = %s, want 125.50", got[0].Credit)
	}

	window, err := s.ListEntries(ctx, "0228362", mustDay(t, "2012-01-06"), mustDay(t, "2012-01-10"))
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 2 {
		t.Errorf("ListEntries(window) returned %d, want 2", len(window))
	}

	if err := s.UpdateRunningBalance(ctx, nil, in[0].ID, "1075.50"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, nil, in[0].ID, ledger.StatusNSF); err != nil {
		t.Fatal(err)
	}
	byID, err := s.GetEntries(ctx, []int64{in[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if byID[0].Status != ledger.StatusNSF || byID[0].RunningBalance.StringFixed(2) != "1075.50" {
		t.Errorf("updated entry = %+v", byID[0])
	}
}

func TestSnapshotRestoreDigest(t *testing.T) {
	s := openTestStore(t)
	seedAccount(t, s)
	ctx := context.Background()

	e := ledger.Entry{
		AccountID: "0228362", Date: mustDay(t, "2012-01-10"), Debit: decimal.RequireFromString("50"),
		Description: "husky", RunningBalance: decimal.RequireFromString("950"),
		ContentHash: "h", Status: ledger.StatusActive, Source: ledger.SourceBankCSV,
	}
	if err := s.InsertEntry(ctx, nil, &e); err != nil {
		t.Fatal(err)
	}
	link := ledger.MatchLink{
		ID: "l1", AccountID: "0228362", CandidateKey: "k1", EntryID: e.ID,
		MatchedAmount: decimal.RequireFromString("-50"), Tier: ledger.TierExactKey, Confidence: 1,
	}
	if err := s.InsertLink(ctx, nil, link); err != nil {
		t.Fatal(err)
	}

	before, err := s.AccountDigest(ctx, nil, "0228362")
	if err != nil {
		t.Fatalf("AccountDigest() error = %v", err)
	}

	entrySnap, err := s.SnapshotRows(ctx, nil, TableEntries, []string{EntryRef(e.ID)})
	if err != nil {
		t.Fatalf("SnapshotRows() error = %v", err)
	}
	linkSnap, err := s.SnapshotRows(ctx, nil, TableLinks, []string{"l1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entrySnap) != 1 || len(linkSnap) != 1 {
		t.Fatalf("snapshots = %d entries, %d links, want 1 each", len(entrySnap), len(linkSnap))
	}
	if err := s.SaveBackupRows(ctx, nil, "run-1", append(entrySnap, linkSnap...)); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateRunningBalance(ctx, nil, e.ID, "0.00"); err != nil {
		t.Fatal(err)
	}
	if err := s.RetireLink(ctx, nil, "l1"); err != nil {
		t.Fatal(err)
	}
	changed, _ := s.AccountDigest(ctx, nil, "0228362")
	if changed == before {
		t.Fatal("digest did not change after mutation")
	}

	saved, err := s.BackupRows(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	err = s.Conn().Transaction(ctx, func(tx *sql.Tx) error {
		for _, r := range saved {
			if err := s.RestoreRow(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("restore error = %v", err)
	}
	after, _ := s.AccountDigest(ctx, nil, "0228362")
	if after != before {
		t.Errorf("digest after restore = %s, want %s", after, before)
	}
}

func TestDeleteCreatedByRun(t *testing.T) {
	s := openTestStore(t)
	seedAccount(t, s)
	ctx := context.Background()

	keep := ledger.Entry{AccountID: "0228362", Date: mustDay(t, "2012-01-02"), Description: "a", Status: ledger.StatusActive, Source: ledger.SourceBankCSV}
	drop := ledger.Entry{AccountID: "0228362", Date: mustDay(t, "2012-01-03"), Description: "b", Status: ledger.StatusActive, Source: ledger.SourceBankCSV, CreatedRun: "run-2"}
	for _, e := range []*ledger.Entry{&keep, &drop} {
		if err := s.InsertEntry(ctx, nil, e); err != nil {
			t.Fatal(err)
		}
	}
	g := ledger.SplitGroup{
		ID: "g1", AccountID: "0228362", ParentKind: ledger.ParentCandidate, ParentRef: "k",
		Total:    decimal.RequireFromString("10"),
		Children: []ledger.SplitChild{{Ref: EntryRef(keep.ID), Amount: decimal.RequireFromString("4")}, {Ref: EntryRef(drop.ID), Amount: decimal.RequireFromString("6")}},
		RunID:    "run-2",
	}
	if err := s.InsertSplitGroup(ctx, nil, g); err != nil {
		t.Fatal(err)
	}
	groups, err := s.ActiveSplitGroups(ctx, "0228362")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].Children) != 2 || !groups[0].ChildSum().Equal(g.Total) {
		t.Fatalf("ActiveSplitGroups() = %+v", groups)
	}

	if n, err := s.DeleteSplitGroupsCreatedBy(ctx, nil, "run-2"); err != nil || n != 1 {
		t.Errorf("DeleteSplitGroupsCreatedBy() = %d, %v", n, err)
	}
	if n, err := s.DeleteEntriesCreatedBy(ctx, nil, "run-2"); err != nil || n != 1 {
		t.Errorf("DeleteEntriesCreatedBy() = %d, %v", n, err)
	}
	left, _ := s.ListEntries(ctx, "0228362", time.Time{}, time.Time{})
	if len(left) != 1 || left[0].ID != keep.ID {
		t.Errorf("entries left = %+v", left)
	}
}

func TestRunsAndStats(t *testing.T) {
	s := openTestStore(t)
	seedAccount(t, s)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	r := ledger.Run{ID: "run-1", StartedAt: start, Mode: ledger.Write, Operation: "sweep", AccountID: "0228362", Status: ledger.RunStarted}
	if err := s.InsertRun(ctx, nil, r); err != nil {
		t.Fatal(err)
	}
	r.Status = ledger.RunCommitted
	r.FinishedAt = start.Add(time.Second)
	r.RowsAffected = 3
	r.DigestBefore, r.DigestAfter = "a", "b"
	if err := s.FinishRun(ctx, nil, r); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil || got == nil {
		t.Fatalf("GetRun() = %v, %v", got, err)
	}
	if got.Status != ledger.RunCommitted || got.RowsAffected != 3 || !got.StartedAt.Equal(start) {
		t.Errorf("GetRun() = %+v", got)
	}
	if missing, err := s.GetRun(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("GetRun(missing) = %v, %v", missing, err)
	}

	runs, err := s.ListRuns(ctx, "0228362", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns() = %v, %v", runs, err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Accounts != 1 || stats.Runs != 1 || stats.CommittedRuns != 1 || !stats.LastRun.Valid {
		t.Errorf("GetStats() = %+v", stats)
	}
}

func TestAnchorsAndStatements(t *testing.T) {
	s := openTestStore(t)
	seedAccount(t, s)
	ctx := context.Background()

	if err := s.PutAnchor(ctx, ledger.Anchor{AccountID: "0228362", Date: mustDay(t, "2012-01-31"), Balance: decimal.RequireFromString("900"), Verified: false}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutAnchor(ctx, ledger.Anchor{AccountID: "0228362", Date: mustDay(t, "2012-01-31"), Balance: decimal.RequireFromString("905"), Verified: true}); err != nil {
		t.Fatal(err)
	}
	anchors, err := s.Anchors(ctx, "0228362")
	if err != nil || len(anchors) != 1 {
		t.Fatalf("Anchors() = %v, %v", anchors, err)
	}
	if !anchors[0].Verified || !anchors[0].Balance.Equal(decimal.RequireFromString("905")) {
		t.Errorf("anchor = %+v", anchors[0])
	}

	st := ledger.Statement{
		AccountID: "0228362", PeriodStart: mustDay(t, "2012-02-01"), PeriodEnd: mustDay(t, "2012-02-29"),
		OpeningBalance: decimal.RequireFromString("905"), ClosingBalance: decimal.RequireFromString("1200"),
	}
	if err := s.PutStatement(ctx, st); err != nil {
		t.Fatal(err)
	}
	sts, err := s.Statements(ctx, "0228362")
	if err != nil || len(sts) != 1 || !sts[0].PeriodEnd.Equal(st.PeriodEnd) {
		t.Errorf("Statements() = %v, %v", sts, err)
	}
}
