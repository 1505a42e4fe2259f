package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var runLimit int

// runsCmd represents the runs command.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Display the audit trail",
	Long: `Display ledger statistics and the most recent runs.

Example:
  recon runs
  recon runs --account 0228362 --limit 50`,
	Run: runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&accountRef, "account", "", "Account id or alias (default: all)")
	runsCmd.Flags().IntVar(&runLimit, "limit", 20, "Number of runs to show")
}

func runRuns(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := setup()
	defer a.close()

	stats, err := a.store.GetStats(ctx)
	exitOnError(err, "failed to get statistics")

	fmt.Println("\n=== Ledger Statistics ===")
	fmt.Printf("Accounts:        %d\n", stats.Accounts)
	fmt.Printf("Entries:         %d\n", stats.Entries)
	fmt.Printf("Active links:    %d\n", stats.ActiveLinks)
	fmt.Printf("Runs:            %d (%d committed, %d failed)\n", stats.Runs, stats.CommittedRuns, stats.FailedRuns)
	if stats.LastRun.Valid {
		fmt.Printf("Last run:        %s\n", stats.LastRun.String)
	} else {
		fmt.Printf("Last run:        (never)\n")
	}
	fmt.Println()

	account := ""
	if accountRef != "" {
		acc, err := a.store.ResolveAccount(ctx, accountRef)
		exitOnError(err, "failed to resolve account")
		account = acc.ID
	}
	runs, err := a.store.ListRuns(ctx, account, runLimit)
	exitOnError(err, "failed to list runs")

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tACCOUNT\tOPERATION\tMODE\tSTATUS\tROWS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.ID, r.AccountID, r.Operation, r.Mode, r.Status, r.RowsAffected)
	}
	exitOnError(tw.Flush(), "failed to print runs")

	slog.Debug("Runs displayed", "count", len(runs))
}
