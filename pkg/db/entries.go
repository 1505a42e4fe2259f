package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/limoledger/reconcile/pkg/ledger"
)

const entryColumns = `id, account_id, entry_date, debit, credit, description, external_ref,
	running_balance, content_hash, status, source, import_batch, created_run`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (ledger.Entry, error) {
	var e ledger.Entry
	var date, debit, credit, balance, status, source string
	if err := r.Scan(&e.ID, &e.AccountID, &date, &debit, &credit, &e.Description, &e.ExternalRef,
		&balance, &e.ContentHash, &status, &source, &e.ImportBatch, &e.CreatedRun); err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	var err error
	if e.Date, err = parseDay(date); err != nil {
		return e, fmt.Errorf("entry %d: bad date: %w", e.ID, err)
	}
	if e.Debit, err = parseMoney(debit); err != nil {
		return e, fmt.Errorf("entry %d: bad debit: %w", e.ID, err)
	}
	if e.Credit, err = parseMoney(credit); err != nil {
		return e, fmt.Errorf("entry %d: bad credit: %w", e.ID, err)
	}
	if e.RunningBalance, err = parseMoney(balance); err != nil {
		return e, fmt.Errorf("entry %d: bad running balance: %w", e.ID, err)
	}
	e.Status = ledger.Status(status)
	e.Source = ledger.SourceSystem(source)
	return e, nil
}

// InsertEntry inserts a ledger entry and sets its id.
func (s *Store) InsertEntry(ctx context.Context, q Querier, e *ledger.Entry) error {
	query := `
		INSERT INTO ledger_entries (account_id, entry_date, debit, credit, description, external_ref,
			running_balance, content_hash, status, source, import_batch, created_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := s.q(q).QueryRowContext(ctx, s.conn.Rebind(query),
		e.AccountID, day(e.Date), money(e.Debit), money(e.Credit), e.Description, e.ExternalRef,
		money(e.RunningBalance), e.ContentHash, string(e.Status), string(e.Source), e.ImportBatch, e.CreatedRun,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// ListEntries returns the entries of an account within [from, to], in ledger
// order. A zero bound is open.
func (s *Store) ListEntries(ctx context.Context, accountID string, from, to time.Time) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = ?`
	args := []any{accountID}
	if !from.IsZero() {
		query += ` AND entry_date >= ?`
		args = append(args, day(from))
	}
	if !to.IsZero() {
		query += ` AND entry_date <= ?`
		args = append(args, day(to))
	}
	query += ` ORDER BY entry_date, id`

	rows, err := s.conn.db.QueryContext(ctx, s.conn.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEntries returns the entries with the given ids, ordered by id.
func (s *Store) GetEntries(ctx context.Context, ids []int64) ([]ledger.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	rows, err := s.conn.db.QueryContext(ctx, s.conn.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateRunningBalance rewrites the stored running balance of one entry.
func (s *Store) UpdateRunningBalance(ctx context.Context, q Querier, id int64, balance string) error {
	if _, err := s.q(q).ExecContext(ctx, s.conn.Rebind(`UPDATE ledger_entries SET running_balance = ? WHERE id = ?`), balance, id); err != nil {
		return fmt.Errorf("failed to update running balance of entry %d: %w", id, err)
	}
	return nil
}

// UpdateStatus changes the status of one entry.
func (s *Store) UpdateStatus(ctx context.Context, q Querier, id int64, status ledger.Status) error {
	if _, err := s.q(q).ExecContext(ctx, s.conn.Rebind(`UPDATE ledger_entries SET status = ? WHERE id = ?`), string(status), id); err != nil {
		return fmt.Errorf("failed to update status of entry %d: %w", id, err)
	}
	return nil
}

// DeleteEntriesCreatedBy removes the entries inserted by a run, together
// with any link that still points at them.
func (s *Store) DeleteEntriesCreatedBy(ctx context.Context, q Querier, runID string) (int64, error) {
	q = s.q(q)
	if _, err := q.ExecContext(ctx, s.conn.Rebind(`
		DELETE FROM match_links WHERE entry_id IN (SELECT id FROM ledger_entries WHERE created_run = ?)
	`), runID); err != nil {
		return 0, fmt.Errorf("failed to delete links of run entries: %w", err)
	}
	result, err := q.ExecContext(ctx, s.conn.Rebind(`DELETE FROM ledger_entries WHERE created_run = ?`), runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// EntryRef formats an entry id as a split child reference.
func EntryRef(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseEntryRef parses a split child reference back into an entry id.
func ParseEntryRef(ref string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(ref), 10, 64)
}
