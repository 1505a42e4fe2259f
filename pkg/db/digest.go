package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
)

// AccountDigest hashes every stored row an account owns: entries, links and
// split groups, in id order. Two equal digests mean the account's rows are
// byte-identical.
func (s *Store) AccountDigest(ctx context.Context, q Querier, accountID string) (string, error) {
	q = s.q(q)
	h := sha256.New()
	for _, table := range []string{TableEntries, TableLinks, TableSplitGroups} {
		cols := snapshotColumns[table]
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = ? ORDER BY id`, strings.Join(cols, ", "), table)
		if err := digestRows(ctx, q, s.conn.Rebind(query), accountID, len(cols), func(line string) {
			fmt.Fprintf(h, "%s|%s\n", table, line)
		}); err != nil {
			return "", err
		}
	}
	childQuery := `
		SELECT c.group_id, c.position, c.ref, c.amount
		FROM split_children c JOIN split_groups g ON g.id = c.group_id
		WHERE g.account_id = ?
		ORDER BY c.group_id, c.position
	`
	if err := digestRows(ctx, q, s.conn.Rebind(childQuery), accountID, 4, func(line string) {
		fmt.Fprintf(h, "split_children|%s\n", line)
	}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func digestRows(ctx context.Context, q Querier, query, accountID string, n int, emit func(string)) error {
	rows, err := q.QueryContext(ctx, query, accountID)
	if err != nil {
		return fmt.Errorf("failed to read rows for digest: %w", err)
	}
	defer rows.Close()

	values := make([]sql.NullString, n)
	dest := make([]any, n)
	for i := range values {
		dest[i] = &values[i]
	}
	fields := make([]string, n)
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("failed to scan row for digest: %w", err)
		}
		for i, v := range values {
			if v.Valid {
				fields[i] = v.String
			} else {
				fields[i] = "\x00"
			}
		}
		emit(strings.Join(fields, "\x1f"))
	}
	return rows.Err()
}
