package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/reconcile"
	"github.com/limoledger/reconcile/pkg/report"
)

// recomputeCmd represents the recompute command.
var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute running balances",
	Long: `Recompute the running balance of every entry from the nearest
verified anchor on or before --from, or from the opening balance.

Statement periods whose stored opening or closing balance disagrees with
the ledger are reported as breaks; they are never corrected.

Example:
  recon recompute --account 0228362
  recon recompute --account 0228362 --from 2012-02-01 --write`,
	Run: runRecompute,
}

func init() {
	recomputeCmd.Flags().StringVar(&accountRef, "account", "", "Account id or alias (required)")
	recomputeCmd.Flags().StringVar(&dateFrom, "from", "", "Start date (YYYY-MM-DD)")
	recomputeCmd.Flags().BoolVar(&write, "write", false, "Apply the changes (default is a dry run)")

	recomputeCmd.MarkFlagRequired("account")
}

func runRecompute(cmd *cobra.Command, args []string) {
	from, err := parseDay(dateFrom)
	exitOnError(err, "invalid --from")

	a := setup()
	defer a.close()

	slog.Info("Recomputing balances", "account", accountRef, "from", dateFrom, "mode", modeOf(write))
	a.execute(reconcile.OpRecompute, func(mode ledger.Mode) (reconcile.Outcome, error) {
		return a.engine.Recompute(cmd.Context(), accountRef, from, mode)
	}, func(out reconcile.Outcome) {
		fmt.Printf("final balance %s, breaks %d\n", report.FormatMoney(out.FinalBalance, out.Account.Currency), len(out.Uncertain))
	})
}
