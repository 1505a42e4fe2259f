package cmd

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/normalize"
	"github.com/limoledger/reconcile/pkg/reconcile"
	"github.com/limoledger/reconcile/pkg/source"
)

var (
	accountRef string
	sourceName string
	inputFile  string
	batchID    string
	write      bool
)

// importCmd represents the import command.
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a bank export as ledger entries",
	Long: `Import rows of a CSV, XLSX or XLS export as ledger entries of one
account, with their running balances.

Malformed rows are logged and skipped. Importing the same file twice
creates duplicates that sweep removes.

Example:
  recon import --account 0228362 --source bank-csv --file jan.csv
  recon import --account 0228362 --source bank-csv --file jan.csv --write`,
	Run: runImport,
}

func init() {
	importCmd.Flags().StringVar(&accountRef, "account", "", "Account id or alias (required)")
	importCmd.Flags().StringVar(&sourceName, "source", "", "Source system (required)")
	importCmd.Flags().StringVar(&inputFile, "file", "", "Export file (required)")
	importCmd.Flags().StringVar(&batchID, "batch", "", "Import batch id (default: random)")
	importCmd.Flags().BoolVar(&write, "write", false, "Apply the changes (default is a dry run)")

	importCmd.MarkFlagRequired("account")
	importCmd.MarkFlagRequired("source")
	importCmd.MarkFlagRequired("file")
}

func runImport(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := setup()
	defer a.close()

	cands, skipped := a.readCandidates(ctx)
	slog.Info("Importing", "account", accountRef, "rows", len(cands), "skipped", skipped, "mode", modeOf(write))
	if batchID == "" {
		batchID = uuid.NewString()
	}

	a.execute(reconcile.OpImport, func(mode ledger.Mode) (reconcile.Outcome, error) {
		return a.engine.Import(ctx, accountRef, cands, batchID, skipped, mode)
	}, nil)
}

// readCandidates reads and normalizes --file as --source rows of
// --account. Malformed rows are logged and counted.
func (a *app) readCandidates(ctx context.Context) ([]ledger.Candidate, int) {
	account, err := a.store.ResolveAccount(ctx, accountRef)
	exitOnError(err, "failed to resolve account")

	system, ok := ledger.ParseSourceSystem(sourceName)
	if !ok {
		exitOnError(errUnknownSource(sourceName), "invalid source")
	}

	rows, err := source.ReadFile(inputFile)
	exitOnError(err, "failed to read input")

	n, err := normalize.NewNormalizer(account.ID, a.cfg.Profiles)
	exitOnError(err, "invalid source profiles")

	cands, errs := n.IngestAll(rows, system)
	for _, e := range errs {
		slog.Warn("Skipping malformed row", "file", inputFile, "error", e)
	}
	return cands, len(errs)
}
