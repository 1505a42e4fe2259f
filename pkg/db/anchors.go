package db

import (
	"context"
	"fmt"

	"github.com/limoledger/reconcile/pkg/ledger"
)

// PutAnchor records or replaces a balance anchor.
func (s *Store) PutAnchor(ctx context.Context, a ledger.Anchor) error {
	query := `
		INSERT INTO balance_anchors (account_id, anchor_date, balance, verified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, anchor_date) DO UPDATE SET
			balance = excluded.balance,
			verified = excluded.verified
	`
	if _, err := s.conn.db.ExecContext(ctx, s.conn.Rebind(query),
		a.AccountID, day(a.Date), money(a.Balance), boolInt(a.Verified),
	); err != nil {
		return fmt.Errorf("failed to put anchor: %w", err)
	}
	return nil
}

// Anchors returns the anchors of an account ordered by date.
func (s *Store) Anchors(ctx context.Context, accountID string) ([]ledger.Anchor, error) {
	query := `
		SELECT anchor_date, balance, verified FROM balance_anchors
		WHERE account_id = ? ORDER BY anchor_date
	`
	rows, err := s.conn.db.QueryContext(ctx, s.conn.Rebind(query), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get anchors: %w", err)
	}
	defer rows.Close()

	var anchors []ledger.Anchor
	for rows.Next() {
		a := ledger.Anchor{AccountID: accountID}
		var date, balance string
		var verified int
		if err := rows.Scan(&date, &balance, &verified); err != nil {
			return nil, fmt.Errorf("failed to scan anchor: %w", err)
		}
		if a.Date, err = parseDay(date); err != nil {
			return nil, fmt.Errorf("anchor: bad date: %w", err)
		}
		if a.Balance, err = parseMoney(balance); err != nil {
			return nil, fmt.Errorf("anchor: bad balance: %w", err)
		}
		a.Verified = verified != 0
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}

// PutStatement records or replaces a statement period.
func (s *Store) PutStatement(ctx context.Context, st ledger.Statement) error {
	query := `
		INSERT INTO statement_periods (account_id, period_start, period_end, opening_balance, closing_balance)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, period_start) DO UPDATE SET
			period_end = excluded.period_end,
			opening_balance = excluded.opening_balance,
			closing_balance = excluded.closing_balance
	`
	if _, err := s.conn.db.ExecContext(ctx, s.conn.Rebind(query),
		st.AccountID, day(st.PeriodStart), day(st.PeriodEnd), money(st.OpeningBalance), money(st.ClosingBalance),
	); err != nil {
		return fmt.Errorf("failed to put statement: %w", err)
	}
	return nil
}

// Statements returns the statement periods of an account ordered by start.
func (s *Store) Statements(ctx context.Context, accountID string) ([]ledger.Statement, error) {
	query := `
		SELECT period_start, period_end, opening_balance, closing_balance FROM statement_periods
		WHERE account_id = ? ORDER BY period_start
	`
	rows, err := s.conn.db.QueryContext(ctx, s.conn.Rebind(query), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get statements: %w", err)
	}
	defer rows.Close()

	var statements []ledger.Statement
	for rows.Next() {
		st := ledger.Statement{AccountID: accountID}
		var start, end, opening, closing string
		if err := rows.Scan(&start, &end, &opening, &closing); err != nil {
			return nil, fmt.Errorf("failed to scan statement: %w", err)
		}
		if st.PeriodStart, err = parseDay(start); err != nil {
			return nil, fmt.Errorf("statement: bad start: %w", err)
		}
		if st.PeriodEnd, err = parseDay(end); err != nil {
			return nil, fmt.Errorf("statement: bad end: %w", err)
		}
		if st.OpeningBalance, err = parseMoney(opening); err != nil {
			return nil, fmt.Errorf("statement: bad opening balance: %w", err)
		}
		if st.ClosingBalance, err = parseMoney(closing); err != nil {
			return nil, fmt.Errorf("statement: bad closing balance: %w", err)
		}
		statements = append(statements, st)
	}
	return statements, rows.Err()
}
