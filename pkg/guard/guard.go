package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/limoledger/reconcile/pkg/archive"
	"github.com/limoledger/reconcile/pkg/db"
	"github.com/limoledger/reconcile/pkg/events"
	"github.com/limoledger/reconcile/pkg/ledger"
)

// Result is the outcome of an applied changeset.
type Result struct {
	Preview Preview
	// Run is nil for a dry run.
	Run *ledger.Run
}

// Written reports whether the ledger was changed.
func (r Result) Written() bool {
	return r.Run != nil && r.Run.Status == ledger.RunCommitted && r.Run.RowsAffected > 0
}

// Guard serializes and audits every write to the ledger.
type Guard struct {
	store     *db.Store
	archive   archive.Repository
	publisher events.Publisher
	epsilon   decimal.Decimal
	now       func() time.Time

	muMap map[string]*sync.Mutex
	mapMu sync.Mutex

	// beforeCommit runs inside the mutation transaction; tests use it to
	// fail a write halfway.
	beforeCommit func(tx *sql.Tx) error
}

// Option configures a Guard.
type Option func(*Guard)

// WithArchive mirrors every snapshot to the archive.
func WithArchive(repo archive.Repository) Option {
	return func(g *Guard) { g.archive = repo }
}

// WithPublisher publishes every recorded run.
func WithPublisher(p events.Publisher) Option {
	return func(g *Guard) { g.publisher = p }
}

// WithEpsilon sets the tolerance used to check split group totals.
func WithEpsilon(eps decimal.Decimal) Option {
	return func(g *Guard) { g.epsilon = eps }
}

// New creates a Guard over a store.
func New(store *db.Store, opts ...Option) *Guard {
	g := &Guard{
		store:     store,
		publisher: events.Nop{},
		epsilon:   decimal.RequireFromString("0.01"),
		now:       time.Now,
		muMap:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) getAccountLock(accountID string) *sync.Mutex {
	g.mapMu.Lock()
	defer g.mapMu.Unlock()

	if _, exists := g.muMap[accountID]; !exists {
		g.muMap[accountID] = &sync.Mutex{}
	}
	return g.muMap[accountID]
}

// Propose describes a changeset without writing anything.
func (g *Guard) Propose(ctx context.Context, cs Changeset) (Preview, error) {
	if err := cs.validate(g.epsilon); err != nil {
		return Preview{}, err
	}
	digest, err := g.store.AccountDigest(ctx, nil, cs.Account)
	if err != nil {
		return Preview{}, err
	}
	return buildPreview(cs, ledger.DryRun, digest), nil
}

// Apply previews a changeset and, in WRITE mode, applies it:
//
//  1. the account digest is compared with the changeset basis, then the
//     touched rows are snapshotted into backup_rows and the run is recorded
//     as STARTED, in one committed transaction;
//  2. the snapshot is mirrored to the archive, when one is configured;
//  3. every mutation is applied in one transaction, which also marks the
//     run COMMITTED with the account digests.
//
// A changeset planned against an older ledger state fails with
// ErrStaleChangeset before anything is recorded. A failure after step 1
// marks the run FAILED; its snapshot stays available to Restore. Run events
// are published once the account lock is released. DRY_RUN writes nothing
// at all.
func (g *Guard) Apply(ctx context.Context, cs Changeset, mode ledger.Mode) (Result, error) {
	preview, err := g.Propose(ctx, cs)
	if err != nil {
		return Result{}, err
	}
	preview.Mode = mode
	if mode != ledger.Write {
		return Result{Preview: preview}, nil
	}
	basis := cs.Basis
	if basis == "" {
		basis = preview.DigestBefore
	}

	var recorded []ledger.Run
	defer func() {
		for _, r := range recorded {
			g.publish(ctx, r)
		}
	}()

	lock := g.getAccountLock(cs.Account)
	lock.Lock()
	defer lock.Unlock()

	run := ledger.Run{
		ID:        uuid.NewString(),
		StartedAt: g.now().UTC(),
		Mode:      ledger.Write,
		Operation: cs.Operation,
		AccountID: cs.Account,
		Status:    ledger.RunStarted,
	}
	run.BackupRef = "backup_rows:" + run.ID

	var snapshot []db.BackupRow
	err = g.store.Conn().LockedTransaction(ctx, cs.Account, func(tx *sql.Tx) error {
		digest, err := g.store.AccountDigest(ctx, tx, cs.Account)
		if err != nil {
			return err
		}
		if digest != basis {
			return ErrStaleChangeset
		}
		run.DigestBefore = digest

		for table, keys := range cs.touched() {
			rows, err := g.store.SnapshotRows(ctx, tx, table, keys)
			if err != nil {
				return err
			}
			if len(rows) != len(keys) {
				return fmt.Errorf("%w: %d of %d %s rows could not be snapshotted", ledger.ErrMutationWithoutBackup, len(keys)-len(rows), len(keys), table)
			}
			snapshot = append(snapshot, rows...)
		}
		if err := g.store.SaveBackupRows(ctx, tx, run.ID, snapshot); err != nil {
			return err
		}
		return g.store.InsertRun(ctx, tx, run)
	})
	if errors.Is(err, ErrStaleChangeset) {
		slog.Warn("changeset is stale", "account", cs.Account, "operation", cs.Operation)
		return Result{Preview: preview}, err
	}
	if err != nil {
		return Result{Preview: preview}, fmt.Errorf("failed to back up %s run: %w", cs.Operation, err)
	}
	slog.Debug("snapshot recorded", "run", run.ID, "account", cs.Account, "rows", len(snapshot))
	recorded = append(recorded, run)

	if g.archive != nil && len(snapshot) > 0 {
		path, err := g.archive.AppendSnapshot(run, snapshot)
		if err != nil {
			res, err := g.fail(ctx, preview, run, fmt.Errorf("failed to archive snapshot: %w", err))
			recorded = append(recorded, *res.Run)
			return res, err
		}
		run.BackupRef = path
	}

	err = g.store.Conn().LockedTransaction(ctx, cs.Account, func(tx *sql.Tx) error {
		digest, err := g.store.AccountDigest(ctx, tx, cs.Account)
		if err != nil {
			return err
		}
		if digest != run.DigestBefore {
			return ErrStaleChangeset
		}
		stored, err := g.store.BackupRows(ctx, run.ID)
		if err != nil {
			return err
		}
		if len(stored) != len(snapshot) {
			return ledger.ErrMutationWithoutBackup
		}
		if err := g.mutate(ctx, tx, cs, run.ID); err != nil {
			return err
		}
		if g.beforeCommit != nil {
			if err := g.beforeCommit(tx); err != nil {
				return err
			}
		}
		digest, err = g.store.AccountDigest(ctx, tx, cs.Account)
		if err != nil {
			return err
		}
		run.DigestAfter = digest
		run.Status = ledger.RunCommitted
		run.RowsAffected = cs.Size()
		run.RowsSkipped = cs.Skipped
		run.FinishedAt = g.now().UTC()
		return g.store.FinishRun(ctx, tx, run)
	})
	if err != nil {
		run.DigestAfter = ""
		res, err := g.fail(ctx, preview, run, err)
		recorded = append(recorded, *res.Run)
		return res, err
	}

	slog.Info("run committed", "run", run.ID, "account", cs.Account, "operation", cs.Operation, "rows", run.RowsAffected)
	recorded = append(recorded, run)
	return Result{Preview: preview, Run: &run}, nil
}

func (g *Guard) mutate(ctx context.Context, tx *sql.Tx, cs Changeset, runID string) error {
	for i := range cs.Inserts {
		e := cs.Inserts[i]
		e.CreatedRun = runID
		if err := g.store.InsertEntry(ctx, tx, &e); err != nil {
			return err
		}
	}
	for _, u := range cs.BalanceUpdates {
		if err := g.store.UpdateRunningBalance(ctx, tx, u.EntryID, u.To.StringFixed(2)); err != nil {
			return err
		}
	}
	for _, s := range cs.StatusChanges {
		if err := g.store.UpdateStatus(ctx, tx, s.EntryID, s.To); err != nil {
			return err
		}
	}
	for _, id := range cs.RetiredLinks {
		if err := g.store.RetireLink(ctx, tx, id); err != nil {
			return err
		}
	}
	for _, id := range cs.RetiredGroups {
		if err := g.store.RetireSplitGroup(ctx, tx, id); err != nil {
			return err
		}
	}
	for _, sg := range cs.SplitGroups {
		sg.RunID = runID
		if err := g.store.InsertSplitGroup(ctx, tx, sg); err != nil {
			return err
		}
	}
	for _, l := range cs.Links {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		l.RunID = runID
		if err := g.store.InsertLink(ctx, tx, l); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) fail(ctx context.Context, preview Preview, run ledger.Run, cause error) (Result, error) {
	run.Status = ledger.RunFailed
	run.Error = cause.Error()
	run.FinishedAt = g.now().UTC()
	if err := g.store.FinishRun(ctx, nil, run); err != nil {
		slog.Error("failed to record run failure", "run", run.ID, "error", err)
	}
	slog.Error("run failed", "run", run.ID, "account", run.AccountID, "operation", run.Operation, "error", cause)
	return Result{Preview: preview, Run: &run}, fmt.Errorf("run %s failed: %w", run.ID, cause)
}

func (g *Guard) publish(ctx context.Context, run ledger.Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := g.publisher.Publish(ctx, events.FromRun(run)); err != nil {
		slog.Warn("failed to publish run event", "run", run.ID, "error", err)
	}
}

const publishTimeout = 10 * time.Second

var (
	// ErrNotRestorable is returned when a run has nothing to restore.
	ErrNotRestorable = errors.New("run cannot be restored")
	// ErrStaleChangeset is returned when the account changed after the
	// changeset was planned.
	ErrStaleChangeset = errors.New("account changed since the changeset was planned")
)
