package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/limoledger/reconcile/pkg/config"
	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/source"
)

// Normalizer turns raw rows into candidates.
type Normalizer struct {
	account  string
	profiles map[ledger.SourceSystem]Profile
}

// NewNormalizer creates a Normalizer. account is used for rows whose source
// carries no account column.
func NewNormalizer(account string, overrides map[string]config.ProfileConfig) (*Normalizer, error) {
	profiles := DefaultProfiles()
	if err := ApplyOverrides(profiles, overrides); err != nil {
		return nil, err
	}
	return &Normalizer{account: account, profiles: profiles}, nil
}

// Profile returns the profile in use for a source system.
func (n *Normalizer) Profile(system ledger.SourceSystem) Profile {
	return n.profiles[system]
}

// Ingest converts one raw row. Errors wrap ledger.ErrMalformedRow.
func (n *Normalizer) Ingest(row source.Row, system ledger.SourceSystem) (ledger.Candidate, error) {
	p, ok := n.profiles[system]
	if !ok {
		return ledger.Candidate{}, fmt.Errorf("unknown source system %q", system)
	}

	rawDate := row.Get(p.Date)
	if rawDate == "" {
		return ledger.Candidate{}, &ledger.RowError{Line: row.Line, Field: p.Date, Reason: "missing date"}
	}
	date, err := ParseDate(rawDate, p.DateLayouts)
	if err != nil {
		return ledger.Candidate{}, &ledger.RowError{Line: row.Line, Field: p.Date, Value: rawDate, Reason: "unrecognized date"}
	}

	amount, err := n.amount(row, p)
	if err != nil {
		return ledger.Candidate{}, err
	}

	account := n.account
	if p.Account != "" {
		if v := row.Get(p.Account); v != "" {
			account = v
		}
	}
	if account == "" {
		return ledger.Candidate{}, &ledger.RowError{Line: row.Line, Field: p.Account, Reason: "no account"}
	}

	desc := strings.TrimSpace(row.Get(p.Description))
	normalized := Description(desc)

	return ledger.Candidate{
		Key:         ContentHash(account, date, normalized, amount),
		Source:      system,
		AccountRef:  account,
		Date:        date,
		Amount:      amount,
		Description: desc,
		Normalized:  normalized,
		ExternalRef: strings.TrimSpace(row.Get(p.ExternalRef)),
		Line:        row.Line,
	}, nil
}

// IngestAll ingests rows, returning the good candidates and the per-row
// errors. A malformed row never stops the batch.
func (n *Normalizer) IngestAll(rows []source.Row, system ledger.SourceSystem) ([]ledger.Candidate, []error) {
	var cands []ledger.Candidate
	var errs []error
	for _, row := range rows {
		c, err := n.Ingest(row, system)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cands = append(cands, c)
	}
	return cands, errs
}

func (n *Normalizer) amount(row source.Row, p Profile) (decimal.Decimal, error) {
	parse := func(field string) (decimal.Decimal, bool, error) {
		raw := row.Get(field)
		if field == "" || strings.TrimSpace(raw) == "" {
			return decimal.Zero, false, nil
		}
		v, err := ParseAmount(raw, p.DecimalComma, p.OCR)
		if err != nil {
			return decimal.Zero, true, &ledger.RowError{Line: row.Line, Field: field, Value: raw, Reason: "unparsable amount"}
		}
		return v, true, nil
	}

	var amount decimal.Decimal
	amt, hasAmount, err := parse(p.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	if hasAmount {
		amount = amt
	} else {
		debit, hasDebit, err := parse(p.Debit)
		if err != nil {
			return decimal.Zero, err
		}
		credit, hasCredit, err := parse(p.Credit)
		if err != nil {
			return decimal.Zero, err
		}
		if !hasDebit && !hasCredit {
			return decimal.Zero, &ledger.RowError{Line: row.Line, Reason: "no amount, debit or credit value"}
		}
		amount = credit.Abs().Sub(debit.Abs())
	}

	if p.Negate {
		amount = amount.Neg()
	}
	if !amount.Equal(amount.Round(2)) {
		return decimal.Zero, &ledger.RowError{Line: row.Line, Value: amount.String(), Reason: "amount has fractions of a cent"}
	}
	return amount.Round(2), nil
}

var (
	amountCleaner = strings.NewReplacer("$", "", "CAD", "", "USD", "", " ", "", "\u00a0", "")
	ocrCleaner    = strings.NewReplacer("O", "0", "o", "0", "l", "1", "I", "1", "S", "5")
)

// ParseAmount parses an amount as written in exports and statements:
// currency symbols, thousands separators, "(12.34)", trailing "-" and CR/DR
// suffixes are understood.
func ParseAmount(raw string, decimalComma, ocr bool) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	upper := strings.ToUpper(s)
	negative := false

	switch {
	case strings.HasSuffix(upper, "DR"):
		negative = true
		s = strings.TrimSpace(s[:len(s)-2])
	case strings.HasSuffix(upper, "CR"):
		s = strings.TrimSpace(s[:len(s)-2])
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = !negative
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		negative = !negative
		s = strings.TrimSuffix(s, "-")
	}

	s = amountCleaner.Replace(s)
	if ocr {
		s = ocrCleaner.Replace(s)
	}
	if decimalComma {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	if s == "" || s == "-" {
		return decimal.Zero, fmt.Errorf("empty amount %q", raw)
	}

	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if negative {
		v = v.Neg()
	}
	return v, nil
}

// ParseDate tries each layout in order and returns the date at midnight UTC.
func ParseDate(raw string, layouts []string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

var (
	digitRun   = regexp.MustCompile(`\d{4,}`)
	nonWord    = regexp.MustCompile(`[^\p{L}\p{N}#]+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Description normalizes a description for comparison: accents folded,
// lowercased, runs of four or more digits (card and sequence numbers)
// masked as "#", punctuation stripped, whitespace collapsed.
func Description(s string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	out := strings.ToLower(folded)
	out = digitRun.ReplaceAllString(out, "#")
	out = nonWord.ReplaceAllString(out, " ")
	return strings.TrimSpace(whitespace.ReplaceAllString(out, " "))
}

// ContentHash is the dedup key of a record: H(account, date, normalized
// description, amount).
func ContentHash(account string, date time.Time, normalized string, amount decimal.Decimal) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", account, date.Format(ledger.DateLayout), normalized, amount.StringFixed(2))
	return hex.EncodeToString(h.Sum(nil))
}
