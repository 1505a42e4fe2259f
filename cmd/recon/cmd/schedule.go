package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var runOnce bool

// scheduleCmd represents the schedule command.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the periodic sweep and recompute",
	Long: `Sweep duplicates and recompute balances of the configured accounts
on a cron schedule (RECON_SCHEDULE, RECON_TIMEZONE, RECON_SCHEDULE_ACCOUNTS).
Both steps write; every run is snapshotted and can be restored.

Example:
  recon schedule
  recon schedule --once`,
	Run: runSchedule,
}

func init() {
	scheduleCmd.Flags().BoolVar(&runOnce, "once", false, "Run the job once and exit")
}

func runSchedule(cmd *cobra.Command, args []string) {
	a := setup()
	defer a.close()

	err := a.cfg.Validate([]string{"schedule", "spec"}, []string{"schedule", "accounts"})
	exitOnError(err, "invalid configuration")

	if runOnce {
		a.maintain(cmd.Context())
		return
	}

	loc, err := time.LoadLocation(a.cfg.Schedule.TimeZone)
	if err != nil {
		slog.Warn("Unknown time zone, using UTC", "tz", a.cfg.Schedule.TimeZone, "error", err)
		loc = time.UTC
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cron.New(cron.WithLocation(loc))
	_, err = c.AddFunc(a.cfg.Schedule.Spec, func() {
		a.maintain(ctx)
	})
	exitOnError(err, fmt.Sprintf("unable to schedule %q", a.cfg.Schedule.Spec))

	c.Start()
	slog.Info("Scheduler started", "spec", a.cfg.Schedule.Spec, "tz", loc.String(), "accounts", a.cfg.Schedule.Accounts)

	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("Scheduler stopped")
}

// maintain runs one scheduled pass. A failing account is logged and the
// pass continues with the next one.
func (a *app) maintain(ctx context.Context) {
	for _, account := range a.cfg.Schedule.Accounts {
		outs, err := a.engine.Maintain(ctx, account)
		if err != nil {
			slog.Error("Scheduled maintenance failed", "account", account, "error", err)
			continue
		}
		for _, out := range outs {
			run := out.Result.Run
			slog.Info("Scheduled run finished", "account", account, "operation", out.Operation,
				"run", run.ID, "rows", run.RowsAffected, "unresolved", len(out.Uncertain))
			for _, u := range out.Uncertain {
				slog.Warn("Needs review", "account", account, "kind", u.Kind, "subject", u.Subject, "detail", u.Detail)
			}
		}
	}
}
