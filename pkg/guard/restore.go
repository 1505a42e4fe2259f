package guard

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/limoledger/reconcile/pkg/db"
	"github.com/limoledger/reconcile/pkg/ledger"
)

// RestorePlan describes what restoring a run puts back.
type RestorePlan struct {
	Target ledger.Run
	Rows   []db.BackupRow
	// FromArchive is set when the snapshot was read from the archive.
	FromArchive bool
}

// PlanRestore loads the snapshot of a run.
func (g *Guard) PlanRestore(ctx context.Context, runID string) (RestorePlan, error) {
	target, err := g.store.GetRun(ctx, runID)
	if err != nil {
		return RestorePlan{}, err
	}
	if target == nil {
		return RestorePlan{}, fmt.Errorf("%w: run %s not found", ErrNotRestorable, runID)
	}
	switch target.Status {
	case ledger.RunCommitted, ledger.RunFailed:
	default:
		return RestorePlan{}, fmt.Errorf("%w: run %s is %s", ErrNotRestorable, runID, target.Status)
	}

	if err := g.checkUnchanged(ctx, nil, *target); err != nil {
		return RestorePlan{}, err
	}

	plan := RestorePlan{Target: *target}
	plan.Rows, err = g.store.BackupRows(ctx, runID)
	if err != nil {
		return RestorePlan{}, err
	}
	if len(plan.Rows) == 0 && g.archive != nil {
		plan.Rows, err = g.archive.LoadRun(*target)
		if err != nil {
			return RestorePlan{}, fmt.Errorf("failed to load archived snapshot: %w", err)
		}
		plan.FromArchive = len(plan.Rows) > 0
	}
	return plan, nil
}

// checkUnchanged refuses a restore when the account has moved past the
// state the run left behind. A committed run must still be the latest
// change; a failed run changed nothing, so the ledger must still be as the
// run found it.
func (g *Guard) checkUnchanged(ctx context.Context, q db.Querier, target ledger.Run) error {
	want := target.DigestAfter
	if target.Status == ledger.RunFailed {
		want = target.DigestBefore
	}
	current, err := g.store.AccountDigest(ctx, q, target.AccountID)
	if err != nil {
		return err
	}
	if want == "" || current != want {
		return fmt.Errorf("%w: account %s changed after run %s", ErrNotRestorable, target.AccountID, target.ID)
	}
	return nil
}

// Restore rolls a run back. Rows the run inserted are deleted, snapshotted
// rows are written back exactly as captured, and the run is marked
// RESTORED. The restore itself is recorded as a run. Only the latest change
// of an account can be restored. DRY_RUN only returns the plan.
func (g *Guard) Restore(ctx context.Context, runID string, mode ledger.Mode) (RestorePlan, *ledger.Run, error) {
	plan, err := g.PlanRestore(ctx, runID)
	if err != nil {
		return RestorePlan{}, nil, err
	}
	if mode != ledger.Write {
		return plan, nil, nil
	}

	account := plan.Target.AccountID
	var recorded []ledger.Run
	defer func() {
		for _, r := range recorded {
			g.publish(ctx, r)
		}
	}()

	lock := g.getAccountLock(account)
	lock.Lock()
	defer lock.Unlock()

	if err := g.checkUnchanged(ctx, nil, plan.Target); err != nil {
		return plan, nil, err
	}

	run := ledger.Run{
		ID:        uuid.NewString(),
		StartedAt: g.now().UTC(),
		Mode:      ledger.Write,
		Operation: "restore " + runID,
		AccountID: account,
		BackupRef: plan.Target.BackupRef,
		Status:    ledger.RunStarted,
	}
	if err := g.store.InsertRun(ctx, nil, run); err != nil {
		return plan, nil, err
	}

	err = g.store.Conn().LockedTransaction(ctx, account, func(tx *sql.Tx) error {
		if err := g.checkUnchanged(ctx, tx, plan.Target); err != nil {
			return err
		}
		digest, err := g.store.AccountDigest(ctx, tx, account)
		if err != nil {
			return err
		}
		run.DigestBefore = digest

		affected := 0
		for _, del := range []func(context.Context, db.Querier, string) (int64, error){
			g.store.DeleteLinksCreatedBy,
			g.store.DeleteSplitGroupsCreatedBy,
			g.store.DeleteEntriesCreatedBy,
		} {
			n, err := del(ctx, tx, runID)
			if err != nil {
				return err
			}
			affected += int(n)
		}
		for _, row := range plan.Rows {
			if err := g.store.RestoreRow(ctx, tx, row); err != nil {
				return err
			}
		}
		affected += len(plan.Rows)

		target := plan.Target
		target.Status = ledger.RunRestored
		if err := g.store.FinishRun(ctx, tx, target); err != nil {
			return err
		}

		if run.DigestAfter, err = g.store.AccountDigest(ctx, tx, account); err != nil {
			return err
		}
		run.Status = ledger.RunCommitted
		run.RowsAffected = affected
		run.FinishedAt = g.now().UTC()
		return g.store.FinishRun(ctx, tx, run)
	})
	if err != nil {
		res, err := g.fail(ctx, Preview{}, run, err)
		recorded = append(recorded, *res.Run)
		return plan, res.Run, err
	}

	slog.Info("run restored", "run", runID, "account", account, "rows", run.RowsAffected, "from_archive", plan.FromArchive)
	restored := plan.Target
	restored.Status = ledger.RunRestored
	recorded = append(recorded, restored, run)
	return plan, &run, nil
}
