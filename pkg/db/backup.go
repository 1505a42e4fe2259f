package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Snapshot tables and the columns captured for each.
const (
	TableEntries     = "ledger_entries"
	TableLinks       = "match_links"
	TableSplitGroups = "split_groups"
)

var snapshotColumns = map[string][]string{
	TableEntries: {"id", "account_id", "entry_date", "debit", "credit", "description", "external_ref",
		"running_balance", "content_hash", "status", "source", "import_batch", "created_run"},
	TableLinks: {"id", "account_id", "candidate_key", "entry_id", "matched_amount", "tier", "confidence",
		"split_group_id", "run_id", "retired"},
	TableSplitGroups: {"id", "account_id", "parent_kind", "parent_ref", "total", "run_id", "retired"},
}

// BackupRow is the pre-write image of one stored row. Payload maps column
// names to their values as text; a nil value is SQL NULL.
type BackupRow struct {
	RunID   string             `json:"run_id"`
	Table   string             `json:"table"`
	Key     string             `json:"key"`
	Payload map[string]*string `json:"payload"`
	TakenAt time.Time          `json:"taken_at"`
}

// SnapshotRows reads the current image of the given rows of a table.
func (s *Store) SnapshotRows(ctx context.Context, q Querier, table string, keys []string) ([]BackupRow, error) {
	cols, ok := snapshotColumns[table]
	if !ok {
		return nil, fmt.Errorf("table %q cannot be snapshotted", table)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE CAST(id AS TEXT) IN (%s) ORDER BY id`,
		strings.Join(cols, ", "), table, placeholders(len(keys)))
	rows, err := s.q(q).QueryContext(ctx, s.conn.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", table, err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []BackupRow
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s snapshot: %w", table, err)
		}
		payload := make(map[string]*string, len(cols))
		for i, c := range cols {
			if values[i].Valid {
				v := values[i].String
				payload[c] = &v
			} else {
				payload[c] = nil
			}
		}
		out = append(out, BackupRow{Table: table, Key: *payload["id"], Payload: payload, TakenAt: now})
	}
	return out, rows.Err()
}

// SaveBackupRows persists snapshots under a run id.
func (s *Store) SaveBackupRows(ctx context.Context, q Querier, runID string, rows []BackupRow) error {
	query := `INSERT INTO backup_rows (run_id, table_name, row_key, payload, taken_at) VALUES (?, ?, ?, ?, ?)`
	for _, r := range rows {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot of %s %s: %w", r.Table, r.Key, err)
		}
		if _, err := s.q(q).ExecContext(ctx, s.conn.Rebind(query), runID, r.Table, r.Key, string(payload), stamp(r.TakenAt)); err != nil {
			return fmt.Errorf("failed to save snapshot of %s %s: %w", r.Table, r.Key, err)
		}
	}
	return nil
}

// BackupRows loads the snapshots taken for a run.
func (s *Store) BackupRows(ctx context.Context, runID string) ([]BackupRow, error) {
	query := `SELECT table_name, row_key, payload, taken_at FROM backup_rows WHERE run_id = ? ORDER BY table_name, row_key`
	rows, err := s.conn.db.QueryContext(ctx, s.conn.Rebind(query), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	var out []BackupRow
	for rows.Next() {
		r := BackupRow{RunID: runID}
		var payload, taken string
		if err := rows.Scan(&r.Table, &r.Key, &payload, &taken); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot of %s %s: %w", r.Table, r.Key, err)
		}
		r.TakenAt, _ = time.Parse(time.RFC3339Nano, taken)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RestoreRow writes a snapshot back over the stored row.
func (s *Store) RestoreRow(ctx context.Context, q Querier, r BackupRow) error {
	cols, ok := snapshotColumns[r.Table]
	if !ok {
		return fmt.Errorf("table %q cannot be restored", r.Table)
	}
	var sets []string
	var args []any
	for _, c := range cols {
		if c == "id" {
			continue
		}
		v, ok := r.Payload[c]
		if !ok {
			return fmt.Errorf("snapshot of %s %s lacks column %s", r.Table, r.Key, c)
		}
		sets = append(sets, c+" = ?")
		if v == nil {
			args = append(args, nil)
		} else {
			args = append(args, *v)
		}
	}
	args = append(args, r.Key)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE CAST(id AS TEXT) = ?`, r.Table, strings.Join(sets, ", "))
	result, err := s.q(q).ExecContext(ctx, s.conn.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to restore %s %s: %w", r.Table, r.Key, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to restore %s %s: row no longer exists", r.Table, r.Key)
	}
	return nil
}
