package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/limoledger/reconcile/pkg/ledger"
)

const runColumns = `id, started_at, finished_at, mode, operation, account_id, backup_ref,
	rows_affected, rows_skipped, status, digest_before, digest_after, error`

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func scanRun(r rowScanner) (ledger.Run, error) {
	var run ledger.Run
	var started, finished, mode, status string
	if err := r.Scan(&run.ID, &started, &finished, &mode, &run.Operation, &run.AccountID, &run.BackupRef,
		&run.RowsAffected, &run.RowsSkipped, &status, &run.DigestBefore, &run.DigestAfter, &run.Error); err != nil {
		return run, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished != "" {
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	}
	run.Mode = ledger.Mode(mode)
	run.Status = ledger.RunStatus(status)
	return run, nil
}

// InsertRun appends an audit record.
func (s *Store) InsertRun(ctx context.Context, q Querier, r ledger.Run) error {
	query := `INSERT INTO reconciliation_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.q(q).ExecContext(ctx, s.conn.Rebind(query),
		r.ID, stamp(r.StartedAt), stamp(r.FinishedAt), string(r.Mode), r.Operation, r.AccountID, r.BackupRef,
		r.RowsAffected, r.RowsSkipped, string(r.Status), r.DigestBefore, r.DigestAfter, r.Error,
	); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, q Querier, r ledger.Run) error {
	query := `
		UPDATE reconciliation_runs SET
			finished_at = ?, backup_ref = ?, rows_affected = ?, rows_skipped = ?,
			status = ?, digest_before = ?, digest_after = ?, error = ?
		WHERE id = ?
	`
	if _, err := s.q(q).ExecContext(ctx, s.conn.Rebind(query),
		stamp(r.FinishedAt), r.BackupRef, r.RowsAffected, r.RowsSkipped,
		string(r.Status), r.DigestBefore, r.DigestAfter, r.Error, r.ID,
	); err != nil {
		return fmt.Errorf("failed to finish run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun retrieves a run by id. It returns nil when the run does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*ledger.Run, error) {
	query := `SELECT ` + runColumns + ` FROM reconciliation_runs WHERE id = ?`
	run, err := scanRun(s.conn.db.QueryRowContext(ctx, s.conn.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs, newest first. An empty accountID
// lists runs of every account.
func (s *Store) ListRuns(ctx context.Context, accountID string, limit int) ([]ledger.Run, error) {
	query := `SELECT ` + runColumns + ` FROM reconciliation_runs`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.conn.db.QueryContext(ctx, s.conn.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []ledger.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Stats summarizes the ledger and its audit trail.
type Stats struct {
	Accounts      int
	Entries       int
	ActiveLinks   int
	Runs          int
	CommittedRuns int
	FailedRuns    int
	LastRun       sql.NullString
}

// GetStats retrieves ledger statistics.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats

	counts := []struct {
		dest  *int
		query string
		what  string
	}{
		{&stats.Accounts, `SELECT COUNT(*) FROM accounts`, "account"},
		{&stats.Entries, `SELECT COUNT(*) FROM ledger_entries`, "entry"},
		{&stats.ActiveLinks, `SELECT COUNT(*) FROM match_links WHERE retired = 0`, "link"},
		{&stats.Runs, `SELECT COUNT(*) FROM reconciliation_runs`, "run"},
		{&stats.CommittedRuns, `SELECT COUNT(*) FROM reconciliation_runs WHERE status = 'COMMITTED'`, "committed run"},
		{&stats.FailedRuns, `SELECT COUNT(*) FROM reconciliation_runs WHERE status = 'FAILED'`, "failed run"},
	}
	for _, c := range counts {
		if err := s.conn.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to get %s count: %w", c.what, err)
		}
	}

	// Get last run time
	err := s.conn.db.QueryRowContext(ctx, `SELECT MAX(started_at) FROM reconciliation_runs`).Scan(&stats.LastRun)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get last run time: %w", err)
	}

	return &stats, nil
}
