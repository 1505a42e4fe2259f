package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/reconcile"
)

var supersede bool

// matchCmd represents the match command.
var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Link external records to ledger entries",
	Long: `Link receipts, POS exports or legacy records to the ledger entries
of one account.

Records are matched by external reference, then by amount within a date
window, then by description similarity. Records that match nothing are
tried as the total of several entries, and entries as the total of
several records. Ties are never broken automatically.

Example:
  recon match --account 0228362 --source pos-export --file pos.xlsx
  recon match --account 0228362 --source legacy-system --file old.xls --write`,
	Run: runMatch,
}

func init() {
	matchCmd.Flags().StringVar(&accountRef, "account", "", "Account id or alias (required)")
	matchCmd.Flags().StringVar(&sourceName, "source", "", "Source system (required)")
	matchCmd.Flags().StringVar(&inputFile, "file", "", "Export file (required)")
	matchCmd.Flags().BoolVar(&supersede, "supersede", false, "Allow records to take over linked entries")
	matchCmd.Flags().BoolVar(&write, "write", false, "Apply the changes (default is a dry run)")

	matchCmd.MarkFlagRequired("account")
	matchCmd.MarkFlagRequired("source")
	matchCmd.MarkFlagRequired("file")
}

func runMatch(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := setup()
	defer a.close()

	cands, skipped := a.readCandidates(ctx)
	slog.Info("Matching", "account", accountRef, "records", len(cands), "skipped", skipped, "mode", modeOf(write))

	opts := reconcile.MatchOptions{Supersede: supersede}
	a.execute(reconcile.OpMatch, func(mode ledger.Mode) (reconcile.Outcome, error) {
		return a.engine.Match(ctx, accountRef, cands, opts, mode)
	}, func(out reconcile.Outcome) {
		fmt.Printf("linked %d, already linked %d, splits %d, unmatched %d\n", out.Linked, out.Existing, out.Splits, len(out.Unmatched))
		for _, c := range out.Unmatched {
			slog.Info("Unmatched", "line", c.Line, "date", c.Date.Format(ledger.DateLayout), "amount", c.Amount.StringFixed(2), "description", c.Description)
		}
	})
}

func errUnknownSource(name string) error {
	names := make([]string, len(ledger.SourceSystems))
	for i, s := range ledger.SourceSystems {
		names[i] = string(s)
	}
	return fmt.Errorf("unknown source system %q (one of %s)", name, strings.Join(names, ", "))
}
