package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/limoledger/reconcile/pkg/ledger"
)

// Store manages ledger persistence on top of a Connection.
type Store struct {
	conn *Connection
}

// NewStore creates a new Store instance.
func NewStore(conn *Connection) *Store {
	return &Store{conn: conn}
}

// Conn returns the underlying connection.
func (s *Store) Conn() *Connection {
	return s.conn
}

func (s *Store) q(q Querier) Querier {
	if q == nil {
		return s.conn.db
	}
	return q
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func day(t time.Time) string {
	return t.Format(ledger.DateLayout)
}

// parseDay accepts both the stored text form and the RFC 3339 form that
// lib/pq DATE values take when scanned into a string.
func parseDay(s string) (time.Time, error) {
	if len(s) > len(ledger.DateLayout) {
		s = s[:len(ledger.DateLayout)]
	}
	return time.Parse(ledger.DateLayout, s)
}

func parseMoney(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(s))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// CreateAccount registers an account and its aliases.
func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	return s.conn.Transaction(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO accounts (id, name, opening_balance, opening_date, currency)
			VALUES (?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, s.conn.Rebind(query),
			a.ID, a.Name, money(a.OpeningBalance), day(a.OpeningDate), a.Currency,
		); err != nil {
			return fmt.Errorf("failed to create account %s: %w", a.ID, err)
		}
		for _, alias := range a.Aliases {
			if err := s.addAlias(ctx, tx, a.ID, alias); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddAlias maps a historical identifier to an account.
func (s *Store) AddAlias(ctx context.Context, accountID, alias string) error {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return err
	}
	return s.addAlias(ctx, s.conn.db, accountID, alias)
}

func (s *Store) addAlias(ctx context.Context, q Querier, accountID, alias string) error {
	alias = strings.TrimSpace(alias)
	if alias == "" || alias == accountID {
		return nil
	}
	var owner string
	err := q.QueryRowContext(ctx, s.conn.Rebind(`SELECT account_id FROM account_aliases WHERE alias = ?`), alias).Scan(&owner)
	switch {
	case err == nil && owner == accountID:
		return nil
	case err == nil:
		return fmt.Errorf("alias %q already belongs to account %s", alias, owner)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to look up alias: %w", err)
	}
	if _, err := q.ExecContext(ctx, s.conn.Rebind(`INSERT INTO account_aliases (alias, account_id) VALUES (?, ?)`), alias, accountID); err != nil {
		return fmt.Errorf("failed to add alias %q: %w", alias, err)
	}
	return nil
}

// GetAccount retrieves an account by its canonical id.
func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	query := `
		SELECT id, name, opening_balance, opening_date, currency
		FROM accounts WHERE id = ?
	`
	var a ledger.Account
	var bal, opened string
	err := s.conn.db.QueryRowContext(ctx, s.conn.Rebind(query), id).Scan(&a.ID, &a.Name, &bal, &opened, &a.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrUnknownAccount, id)
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	if a.OpeningBalance, err = parseMoney(bal); err != nil {
		return ledger.Account{}, fmt.Errorf("account %s: bad opening balance: %w", id, err)
	}
	if a.OpeningDate, err = parseDay(opened); err != nil {
		return ledger.Account{}, fmt.Errorf("account %s: bad opening date: %w", id, err)
	}

	rows, err := s.conn.db.QueryContext(ctx, s.conn.Rebind(`SELECT alias FROM account_aliases WHERE account_id = ? ORDER BY alias`), id)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to get aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return ledger.Account{}, fmt.Errorf("failed to scan alias: %w", err)
		}
		a.Aliases = append(a.Aliases, alias)
	}
	return a, rows.Err()
}

// ResolveAccount maps an account id or any of its aliases to the account.
func (s *Store) ResolveAccount(ctx context.Context, ref string) (ledger.Account, error) {
	ref = strings.TrimSpace(ref)
	a, err := s.GetAccount(ctx, ref)
	if err == nil || !errors.Is(err, ledger.ErrUnknownAccount) {
		return a, err
	}
	var id string
	err = s.conn.db.QueryRowContext(ctx, s.conn.Rebind(`SELECT account_id FROM account_aliases WHERE alias = ?`), ref).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrUnknownAccount, ref)
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to resolve alias: %w", err)
	}
	return s.GetAccount(ctx, id)
}

// ListAccounts returns the canonical ids of all accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.conn.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
