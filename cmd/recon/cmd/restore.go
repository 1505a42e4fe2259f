package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/report"
)

var runID string

// restoreCmd represents the restore command.
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Roll back a run from its snapshot",
	Long: `Roll back a committed or failed run. Rows the run created are
removed and every row it changed is written back exactly as snapshotted.
The snapshot is read from the database, or from the archive when the
database copy is gone.

Example:
  recon restore --run 5f0c...
  recon restore --run 5f0c... --write`,
	Run: runRestore,
}

func init() {
	restoreCmd.Flags().StringVar(&runID, "run", "", "Run id (required)")
	restoreCmd.Flags().BoolVar(&write, "write", false, "Apply the restore (default is a dry run)")

	restoreCmd.MarkFlagRequired("run")
}

func runRestore(cmd *cobra.Command, args []string) {
	a := setup()
	defer a.close()

	slog.Info("Restoring run", "run", runID, "mode", modeOf(write))
	plan, _, err := a.guard.Restore(cmd.Context(), runID, ledger.DryRun)
	exitOnError(err, "restore failed")

	fmt.Println(report.RunSummary(plan.Target))
	src := "database"
	if plan.FromArchive {
		src = "archive"
	}
	fmt.Printf("%d snapshotted rows (from %s)\n", len(plan.Rows), src)
	for _, r := range plan.Rows {
		fmt.Printf("  %s %s\n", r.Table, r.Key)
	}
	if !write {
		return
	}

	_, run, err := a.guard.Restore(cmd.Context(), runID, ledger.Write)
	if run != nil {
		fmt.Println(report.RunSummary(*run))
	}
	exitOnError(err, "restore failed")
}
