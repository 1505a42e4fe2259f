// Package cmd provides CLI commands for recon.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/limoledger/reconcile/pkg/archive"
	"github.com/limoledger/reconcile/pkg/config"
	"github.com/limoledger/reconcile/pkg/db"
	"github.com/limoledger/reconcile/pkg/events"
	"github.com/limoledger/reconcile/pkg/guard"
	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/normalize"
	"github.com/limoledger/reconcile/pkg/pathutil"
	"github.com/limoledger/reconcile/pkg/reconcile"
	"github.com/limoledger/reconcile/pkg/report"
)

// Exit codes.
const (
	exitClean      = 0
	exitError      = 1
	exitUnresolved = 2
)

var (
	cfgFile string
	debug   bool

	// exitCode is raised to exitUnresolved by commands that leave items
	// for manual review.
	exitCode = exitClean
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "recon",
	Short: "Reconcile bank ledgers against external records",
	Long: `recon imports bank exports, links them to receipts, POS and legacy
records, removes duplicate imports and keeps running balances continuous.

Every command previews its changes. Nothing is written without --write,
and every write is snapshotted first so it can be restored.

Exit codes: 0 clean, 1 error, 2 items left for manual review.

Example:
  recon import --account 0228362 --source bank-csv --file jan.csv --write
  recon match --account 0228362 --source pos-export --file pos.xlsx
  recon sweep --account 0228362 --write
  recon restore --run <id> --write`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setLogger(debug)
	},
}

func setLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return exitError
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// Helper function to handle errors and exit.
func exitOnError(err error, msg string) {
	if err != nil {
		slog.Error(msg, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
		os.Exit(exitError)
	}
}

// app holds the wired components every command needs.
type app struct {
	cfg       *config.Config
	paths     *pathutil.PathResolver
	conn      *db.Connection
	store     *db.Store
	publisher events.Publisher
	guard     *guard.Guard
	engine    *reconcile.Engine
}

func setup() *app {
	cfg, err := config.Load(cfgFile)
	exitOnError(err, "failed to load configuration")
	if cfg.Debug && !debug {
		setLogger(true)
	}

	err = cfg.Validate(
		[]string{"database", "driver"},
		[]string{"database", "dsn"},
		[]string{"paths", "root"},
	)
	exitOnError(err, "invalid configuration")

	paths, err := pathutil.FromConfig(cfg)
	exitOnError(err, "invalid configuration")

	dsn := cfg.Database.DSN
	if cfg.Database.Driver == db.DriverSQLite {
		dsn = paths.GetDatabasePath()
	}
	slog.Debug("Opening database", "driver", cfg.Database.Driver)
	conn, err := db.Open(cfg.Database.Driver, dsn)
	exitOnError(err, "failed to open database")

	store := db.NewStore(conn)
	publisher := events.New(cfg.Audit)
	g := guard.New(store,
		guard.WithArchive(archive.NewFileSystemRepository(paths)),
		guard.WithPublisher(publisher),
		guard.WithEpsilon(cfg.Matching.Epsilon),
	)

	return &app{
		cfg:       cfg,
		paths:     paths,
		conn:      conn,
		store:     store,
		publisher: publisher,
		guard:     g,
		engine:    reconcile.New(store, g, cfg.Matching, clearingSystems(cfg)),
	}
}

func (a *app) close() {
	if err := a.publisher.Close(); err != nil {
		slog.Warn("failed to close publisher", "error", err)
	}
	a.conn.Close()
}

// clearingSystems lists the sources whose profile settles on a clearing rail.
func clearingSystems(cfg *config.Config) []ledger.SourceSystem {
	n, err := normalize.NewNormalizer("", cfg.Profiles)
	exitOnError(err, "invalid source profiles")
	var out []ledger.SourceSystem
	for _, sys := range ledger.SourceSystems {
		if n.Profile(sys).ClearingRail {
			out = append(out, sys)
		}
	}
	return out
}

func modeOf(write bool) ledger.Mode {
	if write {
		return ledger.Write
	}
	return ledger.DryRun
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

// execute previews an operation and prints the preview. With --write the
// operation is then applied, and the committed run is summarized and its
// report saved. Items left for review raise the exit code.
func (a *app) execute(operation string, op func(ledger.Mode) (reconcile.Outcome, error), summarize func(reconcile.Outcome)) {
	preview, err := op(ledger.DryRun)
	exitOnError(err, operation+" failed")
	if summarize != nil {
		summarize(preview)
	}
	md := report.Markdown(preview.Preview(), preview.Account.Currency)
	printReport(md, preview.Preview(), preview.Account.Currency)

	out := preview
	if write {
		out, err = op(ledger.Write)
		if run := out.Result.Run; run != nil {
			fmt.Println(report.RunSummary(*run))
		}
		exitOnError(err, operation+" failed")
		if out.Preview().Rows() != preview.Preview().Rows() {
			slog.Warn("ledger changed after the preview; the written run differs", "previewed", preview.Preview().Rows(), "written", out.Preview().Rows())
		}
		if run := out.Result.Run; run != nil {
			a.saveReport(*run, report.Markdown(out.Preview(), out.Account.Currency))
		}
	}
	if !out.Clean() {
		slog.Warn("items left for manual review", "count", len(out.Uncertain))
		exitCode = exitUnresolved
	}
}

func printReport(md string, p guard.Preview, currency string) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		rendered, err := report.Terminal(md)
		if err == nil {
			fmt.Print(rendered)
			return
		}
		slog.Debug("falling back to plain output", "error", err)
	}
	if err := report.Text(os.Stdout, p, currency); err != nil {
		slog.Warn("failed to print report", "error", err)
	}
}

func (a *app) saveReport(run ledger.Run, md string) {
	path, err := a.paths.GetReportPath(run.StartedAt.Format(ledger.DateLayout), run.ID)
	if err == nil {
		err = a.paths.EnsureParentDir(path)
	}
	if err == nil {
		err = os.WriteFile(path, []byte(md), 0644)
	}
	if err != nil {
		slog.Warn("failed to save run report", "run", run.ID, "error", err)
		return
	}
	slog.Debug("report saved", "path", path)
}
