package db

import (
	"context"
	"fmt"

	"github.com/limoledger/reconcile/pkg/ledger"
)

// InsertLink stores a match link.
func (s *Store) InsertLink(ctx context.Context, q Querier, l ledger.MatchLink) error {
	query := `
		INSERT INTO match_links (id, account_id, candidate_key, entry_id, matched_amount, tier,
			confidence, split_group_id, run_id, retired)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.q(q).ExecContext(ctx, s.conn.Rebind(query),
		l.ID, l.AccountID, l.CandidateKey, l.EntryID, money(l.MatchedAmount), string(l.Tier),
		l.Confidence, l.SplitGroupID, l.RunID, boolInt(l.Retired),
	); err != nil {
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return nil
}

// ActiveLinks returns the links of an account that have not been retired.
func (s *Store) ActiveLinks(ctx context.Context, accountID string) ([]ledger.MatchLink, error) {
	query := `
		SELECT id, account_id, candidate_key, entry_id, matched_amount, tier, confidence,
			split_group_id, run_id, retired
		FROM match_links
		WHERE account_id = ? AND retired = 0
		ORDER BY entry_id, id
	`
	rows, err := s.conn.db.QueryContext(ctx, s.conn.Rebind(query), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get links: %w", err)
	}
	defer rows.Close()

	var links []ledger.MatchLink
	for rows.Next() {
		var l ledger.MatchLink
		var amount, tier string
		var retired int
		if err := rows.Scan(&l.ID, &l.AccountID, &l.CandidateKey, &l.EntryID, &amount, &tier,
			&l.Confidence, &l.SplitGroupID, &l.RunID, &retired); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		if l.MatchedAmount, err = parseMoney(amount); err != nil {
			return nil, fmt.Errorf("link %s: bad amount: %w", l.ID, err)
		}
		l.Tier = ledger.Tier(tier)
		l.Retired = retired != 0
		links = append(links, l)
	}
	return links, rows.Err()
}

// RetireLink marks a link as superseded.
func (s *Store) RetireLink(ctx context.Context, q Querier, id string) error {
	if _, err := s.q(q).ExecContext(ctx, s.conn.Rebind(`UPDATE match_links SET retired = 1 WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to retire link %s: %w", id, err)
	}
	return nil
}

// DeleteLinksCreatedBy removes the links a run inserted.
func (s *Store) DeleteLinksCreatedBy(ctx context.Context, q Querier, runID string) (int64, error) {
	result, err := s.q(q).ExecContext(ctx, s.conn.Rebind(`DELETE FROM match_links WHERE run_id = ?`), runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run links: %w", err)
	}
	return result.RowsAffected()
}

// InsertSplitGroup stores a split group and its children.
func (s *Store) InsertSplitGroup(ctx context.Context, q Querier, g ledger.SplitGroup) error {
	q = s.q(q)
	query := `
		INSERT INTO split_groups (id, account_id, parent_kind, parent_ref, total, run_id, retired)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := q.ExecContext(ctx, s.conn.Rebind(query),
		g.ID, g.AccountID, string(g.ParentKind), g.ParentRef, money(g.Total), g.RunID, boolInt(g.Retired),
	); err != nil {
		return fmt.Errorf("failed to insert split group: %w", err)
	}
	for i, c := range g.Children {
		if _, err := q.ExecContext(ctx, s.conn.Rebind(`
			INSERT INTO split_children (group_id, position, ref, amount) VALUES (?, ?, ?, ?)
		`), g.ID, i, c.Ref, money(c.Amount)); err != nil {
			return fmt.Errorf("failed to insert split child: %w", err)
		}
	}
	return nil
}

// ActiveSplitGroups returns the split groups of an account that have not been
// retired, with their children in insertion order.
func (s *Store) ActiveSplitGroups(ctx context.Context, accountID string) ([]ledger.SplitGroup, error) {
	query := `
		SELECT g.id, g.parent_kind, g.parent_ref, g.total, g.run_id, c.ref, c.amount
		FROM split_groups g
		JOIN split_children c ON c.group_id = g.id
		WHERE g.account_id = ? AND g.retired = 0
		ORDER BY g.id, c.position
	`
	rows, err := s.conn.db.QueryContext(ctx, s.conn.Rebind(query), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get split groups: %w", err)
	}
	defer rows.Close()

	var groups []ledger.SplitGroup
	for rows.Next() {
		var id, kind, parent, total, runID, ref, amount string
		if err := rows.Scan(&id, &kind, &parent, &total, &runID, &ref, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan split group: %w", err)
		}
		if len(groups) == 0 || groups[len(groups)-1].ID != id {
			t, err := parseMoney(total)
			if err != nil {
				return nil, fmt.Errorf("split group %s: bad total: %w", id, err)
			}
			groups = append(groups, ledger.SplitGroup{
				ID:         id,
				AccountID:  accountID,
				ParentKind: ledger.ParentKind(kind),
				ParentRef:  parent,
				Total:      t,
				RunID:      runID,
			})
		}
		a, err := parseMoney(amount)
		if err != nil {
			return nil, fmt.Errorf("split group %s: bad child amount: %w", id, err)
		}
		g := &groups[len(groups)-1]
		g.Children = append(g.Children, ledger.SplitChild{Ref: ref, Amount: a})
	}
	return groups, rows.Err()
}

// RetireSplitGroup marks a split group as superseded.
func (s *Store) RetireSplitGroup(ctx context.Context, q Querier, id string) error {
	if _, err := s.q(q).ExecContext(ctx, s.conn.Rebind(`UPDATE split_groups SET retired = 1 WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to retire split group %s: %w", id, err)
	}
	return nil
}

// DeleteSplitGroupsCreatedBy removes the split groups a run inserted.
func (s *Store) DeleteSplitGroupsCreatedBy(ctx context.Context, q Querier, runID string) (int64, error) {
	q = s.q(q)
	if _, err := q.ExecContext(ctx, s.conn.Rebind(`
		DELETE FROM split_children WHERE group_id IN (SELECT id FROM split_groups WHERE run_id = ?)
	`), runID); err != nil {
		return 0, fmt.Errorf("failed to delete run split children: %w", err)
	}
	result, err := q.ExecContext(ctx, s.conn.Rebind(`DELETE FROM split_groups WHERE run_id = ?`), runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run split groups: %w", err)
	}
	return result.RowsAffected()
}
