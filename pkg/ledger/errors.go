package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedRow marks an unparsable source row. Callers skip the row
	// and continue the batch.
	ErrMalformedRow = errors.New("malformed row")
	// ErrAmbiguousMatch is returned when several candidates are equally good.
	ErrAmbiguousMatch = errors.New("ambiguous match")
	// ErrBalanceBreak reports a period discontinuity.
	ErrBalanceBreak = errors.New("balance break")
	// ErrDuplicateSuspect reports an unconfirmed duplicate cluster.
	ErrDuplicateSuspect = errors.New("duplicate suspect")
	// ErrMutationWithoutBackup is a programming error: a write was attempted
	// without a snapshot of the rows it touches.
	ErrMutationWithoutBackup = errors.New("mutation without backup")
	// ErrUnknownAccount is returned when an id or alias resolves to nothing.
	ErrUnknownAccount = errors.New("unknown account")
)

// RowError describes why a source row could not be ingested.
type RowError struct {
	Line   int
	Field  string
	Value  string
	Reason string
}

func (e *RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d: %s %q: %s", e.Line, e.Field, e.Value, e.Reason)
}

func (e *RowError) Unwrap() error { return ErrMalformedRow }

// UncertainKind classifies an item that needs a human decision.
type UncertainKind string

const (
	UncertainAmbiguousMatch UncertainKind = "AMBIGUOUS_MATCH"
	UncertainAmbiguousSplit UncertainKind = "AMBIGUOUS_SPLIT"
	UncertainBalanceBreak   UncertainKind = "BALANCE_BREAK"
	UncertainDuplicate      UncertainKind = "DUPLICATE_SUSPECT"
	UncertainMalformedRow   UncertainKind = "MALFORMED_ROW"
)

// Err returns the sentinel error matching the kind.
func (k UncertainKind) Err() error {
	switch k {
	case UncertainAmbiguousMatch, UncertainAmbiguousSplit:
		return ErrAmbiguousMatch
	case UncertainBalanceBreak:
		return ErrBalanceBreak
	case UncertainDuplicate:
		return ErrDuplicateSuspect
	case UncertainMalformedRow:
		return ErrMalformedRow
	}
	return nil
}

// Uncertain carries enough context for a person to decide an item manually.
type Uncertain struct {
	Kind         UncertainKind
	Date         time.Time
	Amount       decimal.Decimal
	Subject      string   // the candidate, entry or period in question
	Descriptions []string // competing descriptions; Refs and Scores align by index
	Scores       []float64
	Refs         []string // competing entry ids or candidate keys
	Detail       string
}
