// Package ledger defines the domain types shared by the reconciliation engine:
// accounts, ledger entries, candidates awaiting linkage, match links, split
// groups and the audit record of every run.
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical date format used in storage and reports.
const DateLayout = "2006-01-02"

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusVoid      Status = "VOID"
	StatusNSF       Status = "NSF"
	StatusDuplicate Status = "DUPLICATE"
)

// Counted reports whether an entry with this status contributes to the
// running balance. NSF rows are real bank movements and count.
func (s Status) Counted() bool {
	return s == StatusActive || s == StatusNSF
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusActive, StatusVoid, StatusNSF, StatusDuplicate:
		return st, true
	}
	return "", false
}

// SourceSystem identifies where a raw record came from.
type SourceSystem string

const (
	SourceBankCSV     SourceSystem = "bank-csv"
	SourceBankPDFOCR  SourceSystem = "bank-pdf-ocr"
	SourcePOSExport   SourceSystem = "pos-export"
	SourceLegacy      SourceSystem = "legacy-system"
	SourceManualEntry SourceSystem = "manual-entry"
)

// SourceSystems lists every supported source system.
var SourceSystems = []SourceSystem{SourceBankCSV, SourceBankPDFOCR, SourcePOSExport, SourceLegacy, SourceManualEntry}

// ParseSourceSystem validates a source system name.
func ParseSourceSystem(s string) (SourceSystem, bool) {
	for _, sys := range SourceSystems {
		if string(sys) == strings.ToLower(strings.TrimSpace(s)) {
			return sys, true
		}
	}
	return "", false
}

// Account is a ledger account. Aliases are historical identifiers that
// resolve to ID.
type Account struct {
	ID             string
	Name           string
	Aliases        []string
	OpeningBalance decimal.Decimal
	OpeningDate    time.Time
	Currency       string
}

// Entry is one cleared transaction of an account.
type Entry struct {
	ID             int64
	AccountID      string
	Date           time.Time
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	Description    string
	ExternalRef    string
	RunningBalance decimal.Decimal
	ContentHash    string
	Status         Status
	Source         SourceSystem
	ImportBatch    string
	CreatedRun     string
}

// Amount returns the signed effect of the entry on the balance.
func (e Entry) Amount() decimal.Decimal {
	return e.Credit.Sub(e.Debit)
}

// Before reports whether e sorts before o in ledger order (date, insertion).
func (e Entry) Before(o Entry) bool {
	if !e.Date.Equal(o.Date) {
		return e.Date.Before(o.Date)
	}
	return e.ID < o.ID
}

// Candidate is a normalized external record awaiting linkage. It is never
// persisted as such; Key is its content hash.
type Candidate struct {
	Key         string
	Source      SourceSystem
	AccountRef  string
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	Normalized  string
	ExternalRef string
	Line        int
}

// LinkKey identifies the candidate on the links it owns. Key ignores the
// source and the external reference, so two receipts with equal content but
// different references still get different link keys.
func (c Candidate) LinkKey() string {
	k := string(c.Source) + ":" + c.Key
	if ref := strings.ToUpper(strings.TrimSpace(c.ExternalRef)); ref != "" {
		k += "#" + ref
	}
	return k
}

// Tier is the matching stage that produced a link.
type Tier string

const (
	TierExactKey         Tier = "EXACT_KEY"
	TierAmountDateWindow Tier = "AMOUNT_DATE_WINDOW"
	TierFuzzyDescription Tier = "FUZZY_DESCRIPTION"
	TierSplit            Tier = "SPLIT"
)

// Rank orders tiers: lower is stronger.
func (t Tier) Rank() int {
	switch t {
	case TierExactKey:
		return 0
	case TierAmountDateWindow:
		return 1
	case TierFuzzyDescription:
		return 2
	case TierSplit:
		return 3
	}
	return 4
}

// MatchLink links a candidate to a ledger entry.
type MatchLink struct {
	ID            string
	AccountID     string
	CandidateKey  string
	EntryID       int64
	MatchedAmount decimal.Decimal
	Tier          Tier
	Confidence    float64
	SplitGroupID  string
	RunID         string
	Retired       bool
}

// ParentKind tells which side of a split group is the single declared total.
type ParentKind string

const (
	ParentCandidate ParentKind = "candidate"
	ParentEntry     ParentKind = "entry"
)

// SplitChild is one member of a split group. Ref is an entry id (decimal
// string) when the parent is a candidate, or a candidate key when the parent
// is an entry.
type SplitChild struct {
	Ref    string
	Amount decimal.Decimal
}

// SplitGroup is a set of amounts jointly equal to one declared total.
type SplitGroup struct {
	ID         string
	AccountID  string
	ParentKind ParentKind
	ParentRef  string
	Children   []SplitChild
	Total      decimal.Decimal
	RunID      string
	Retired    bool
}

// ChildSum returns the sum of the children amounts.
func (g SplitGroup) ChildSum() decimal.Decimal {
	sum := decimal.Zero
	for _, c := range g.Children {
		sum = sum.Add(c.Amount)
	}
	return sum
}

// Anchor is a balance known to be correct at the end of a day.
type Anchor struct {
	AccountID string
	Date      time.Time
	Balance   decimal.Decimal
	Verified  bool
}

// Statement is a bank statement period with its stored balances.
type Statement struct {
	AccountID      string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.Decimal
}

// Mode selects between a read-only simulation and a committed write.
type Mode string

const (
	DryRun Mode = "DRY_RUN"
	Write  Mode = "WRITE"
)

// RunStatus is the state of an audit record.
type RunStatus string

const (
	RunStarted   RunStatus = "STARTED"
	RunCommitted RunStatus = "COMMITTED"
	RunFailed    RunStatus = "FAILED"
	RunRestored  RunStatus = "RESTORED"
)

// Run is the audit record of one guarded operation.
type Run struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	Mode         Mode
	Operation    string
	AccountID    string
	BackupRef    string
	RowsAffected int
	RowsSkipped  int
	Status       RunStatus
	DigestBefore string
	DigestAfter  string
	Error        string
}

// StatusChange moves one entry to a new status.
type StatusChange struct {
	EntryID int64
	From    Status
	To      Status
	Reason  string
}

// BalanceUpdate rewrites the stored running balance of one entry.
type BalanceUpdate struct {
	EntryID int64
	Date    time.Time
	From    decimal.Decimal
	To      decimal.Decimal
}
