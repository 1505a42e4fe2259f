package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/reconcile"
)

var (
	dateFrom string
	dateTo   string
)

// sweepCmd represents the sweep command.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark duplicate imports",
	Long: `Find entries imported more than once and mark the later copies as
DUPLICATE. Running balances are carried over the marked rows.

Repeats that cannot be told apart from genuine identical transactions
are reported for review and left untouched.

Example:
  recon sweep --account 0228362
  recon sweep --account 0228362 --from 2012-01-01 --to 2012-03-31 --write`,
	Run: runSweep,
}

func init() {
	sweepCmd.Flags().StringVar(&accountRef, "account", "", "Account id or alias (required)")
	sweepCmd.Flags().StringVar(&dateFrom, "from", "", "Start date (YYYY-MM-DD)")
	sweepCmd.Flags().StringVar(&dateTo, "to", "", "End date (YYYY-MM-DD)")
	sweepCmd.Flags().BoolVar(&write, "write", false, "Apply the changes (default is a dry run)")

	sweepCmd.MarkFlagRequired("account")
}

func runSweep(cmd *cobra.Command, args []string) {
	from, err := parseDay(dateFrom)
	exitOnError(err, "invalid --from")
	to, err := parseDay(dateTo)
	exitOnError(err, "invalid --to")

	a := setup()
	defer a.close()

	slog.Info("Sweeping duplicates", "account", accountRef, "from", dateFrom, "to", dateTo, "mode", modeOf(write))
	a.execute(reconcile.OpSweep, func(mode ledger.Mode) (reconcile.Outcome, error) {
		return a.engine.Sweep(cmd.Context(), accountRef, from, to, mode)
	}, func(out reconcile.Outcome) {
		fmt.Printf("duplicates %d, suspects %d\n", out.Removed, len(out.Uncertain))
	})
}
