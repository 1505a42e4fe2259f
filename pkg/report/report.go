// Package report renders previews and run summaries for people.
package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/Rhymond/go-money"
	"github.com/charmbracelet/glamour"
	"github.com/shopspring/decimal"

	"github.com/limoledger/reconcile/pkg/guard"
	"github.com/limoledger/reconcile/pkg/ledger"
)

// FormatMoney formats an amount in the currency's display form. Unknown
// currencies fall back to the plain amount and code.
func FormatMoney(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	return money.New(amount.Shift(int32(cur.Fraction)).Round(0).IntPart(), currency).Display()
}

// Markdown renders a preview as a markdown document.
func Markdown(p guard.Preview, currency string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s %s (%s)\n\n", p.Operation, p.Account, p.Mode)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| New entries | %d |\n", len(p.Inserts))
	fmt.Fprintf(&b, "| Changed rows | %d |\n", len(p.Changes))
	fmt.Fprintf(&b, "| New links | %d |\n", len(p.Links))
	fmt.Fprintf(&b, "| Retired links | %d |\n", len(p.RetiredLinks))
	fmt.Fprintf(&b, "| Split groups | %d |\n", len(p.SplitGroups))
	fmt.Fprintf(&b, "| Skipped rows | %d |\n", p.Skipped)
	fmt.Fprintf(&b, "| Needs review | %d |\n\n", len(p.Uncertain))

	if len(p.Inserts) > 0 {
		b.WriteString("## New entries\n\n| Date | Amount | Description | Ref |\n|---|---:|---|---|\n")
		for _, e := range p.Inserts {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", e.Date.Format(ledger.DateLayout), FormatMoney(e.Amount(), currency), escape(e.Description), escape(e.ExternalRef))
		}
		b.WriteString("\n")
	}

	if len(p.Changes) > 0 {
		b.WriteString("## Changes\n\n| Entry | Date | Field | Before | After | Reason |\n|---|---|---|---|---|---|\n")
		for _, c := range p.Changes {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n", c.Key, c.Date, c.Field, c.Before, c.After, escape(c.Reason))
		}
		b.WriteString("\n")
	}

	if len(p.Links) > 0 {
		b.WriteString("## Links\n\n| Entry | Tier | Confidence | Amount |\n|---|---|---:|---:|\n")
		for _, l := range p.Links {
			fmt.Fprintf(&b, "| %d | %s | %.2f | %s |\n", l.EntryID, l.Tier, l.Confidence, FormatMoney(l.MatchedAmount, currency))
		}
		b.WriteString("\n")
	}

	if len(p.Uncertain) > 0 {
		b.WriteString("## Needs review\n\n")
		for _, u := range p.Uncertain {
			fmt.Fprintf(&b, "- **%s** %s %s: %s\n", u.Kind, dateOf(u), FormatMoney(u.Amount, currency), escape(u.Subject))
			if u.Detail != "" {
				fmt.Fprintf(&b, "  - %s\n", escape(u.Detail))
			}
			for i, d := range u.Descriptions {
				fmt.Fprintf(&b, "  - %s\n", escape(alternative(u, i, d)))
			}
		}
	}
	return b.String()
}

// Text writes a compact plain-text preview.
func Text(w io.Writer, p guard.Preview, currency string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s %s (%s)\n", p.Operation, p.Account, p.Mode)
	fmt.Fprintf(tw, "  new entries\t%d\n", len(p.Inserts))
	fmt.Fprintf(tw, "  changed rows\t%d\n", len(p.Changes))
	fmt.Fprintf(tw, "  new links\t%d\n", len(p.Links))
	fmt.Fprintf(tw, "  split groups\t%d\n", len(p.SplitGroups))
	fmt.Fprintf(tw, "  skipped rows\t%d\n", p.Skipped)
	fmt.Fprintf(tw, "  needs review\t%d\n", len(p.Uncertain))
	for _, c := range p.Changes {
		fmt.Fprintf(tw, "  entry %s\t%s\t%s -> %s\n", c.Key, c.Field, c.Before, c.After)
	}
	for _, u := range p.Uncertain {
		fmt.Fprintf(tw, "  ? %s\t%s\t%s\t%s\n", u.Kind, dateOf(u), FormatMoney(u.Amount, currency), u.Subject)
		for i, d := range u.Descriptions {
			fmt.Fprintf(tw, "      \t%s\n", alternative(u, i, d))
		}
	}
	return tw.Flush()
}

// RunSummary is a one-line description of a run.
func RunSummary(r ledger.Run) string {
	s := fmt.Sprintf("run %s %s %s on %s: %s, %d rows", r.ID, r.Mode, r.Operation, r.AccountID, r.Status, r.RowsAffected)
	if r.RowsSkipped > 0 {
		s += fmt.Sprintf(", %d skipped", r.RowsSkipped)
	}
	if r.Error != "" {
		s += ": " + r.Error
	}
	return s
}

// Terminal renders markdown for an interactive terminal.
func Terminal(md string) (string, error) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err != nil {
		return "", fmt.Errorf("failed to create renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return out, nil
}

func dateOf(u ledger.Uncertain) string {
	if u.Date.IsZero() {
		return "-"
	}
	return u.Date.Format(ledger.DateLayout)
}

// alternative formats the i-th competing description with its reference
// and score, when present.
func alternative(u ledger.Uncertain, i int, desc string) string {
	line := desc
	if i < len(u.Refs) {
		line = u.Refs[i] + ": " + line
	}
	if i < len(u.Scores) {
		line += fmt.Sprintf(" (score %.2f)", u.Scores[i])
	}
	return line
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
