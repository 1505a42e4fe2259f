// Package db is the ledger store: accounts, ledger entries, match links,
// split groups, balance anchors, statement periods, the run audit trail and
// pre-write backups, on SQLite or Postgres.
package db

// Money columns are stored as fixed two-decimal text on SQLite so that a
// value read back is byte-identical to the value written.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    opening_balance TEXT NOT NULL,
    opening_date TEXT NOT NULL,
    currency TEXT NOT NULL
);

-- Historical identifiers; each alias resolves to exactly one account
CREATE TABLE IF NOT EXISTS account_aliases (
    alias TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    entry_date TEXT NOT NULL,          -- YYYY-MM-DD
    debit TEXT NOT NULL,
    credit TEXT NOT NULL,
    description TEXT NOT NULL,
    external_ref TEXT NOT NULL DEFAULT '',
    running_balance TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    status TEXT NOT NULL,              -- ACTIVE, VOID, NSF, DUPLICATE
    source TEXT NOT NULL,
    import_batch TEXT NOT NULL DEFAULT '',
    created_run TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_entries_account_date
    ON ledger_entries(account_id, entry_date, id);

CREATE INDEX IF NOT EXISTS idx_entries_hash
    ON ledger_entries(account_id, content_hash);

CREATE TABLE IF NOT EXISTS match_links (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    candidate_key TEXT NOT NULL,
    entry_id INTEGER NOT NULL REFERENCES ledger_entries(id),
    matched_amount TEXT NOT NULL,
    tier TEXT NOT NULL,
    confidence REAL NOT NULL,
    split_group_id TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    retired INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_links_account ON match_links(account_id, retired);

CREATE TABLE IF NOT EXISTS split_groups (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    parent_kind TEXT NOT NULL,
    parent_ref TEXT NOT NULL,
    total TEXT NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    retired INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS split_children (
    group_id TEXT NOT NULL REFERENCES split_groups(id),
    position INTEGER NOT NULL,
    ref TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY (group_id, position)
);

CREATE TABLE IF NOT EXISTS balance_anchors (
    account_id TEXT NOT NULL,
    anchor_date TEXT NOT NULL,
    balance TEXT NOT NULL,
    verified INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, anchor_date)
);

CREATE TABLE IF NOT EXISTS statement_periods (
    account_id TEXT NOT NULL,
    period_start TEXT NOT NULL,
    period_end TEXT NOT NULL,
    opening_balance TEXT NOT NULL,
    closing_balance TEXT NOT NULL,
    PRIMARY KEY (account_id, period_start)
);

-- Audit trail of every guarded operation
CREATE TABLE IF NOT EXISTS reconciliation_runs (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL,
    operation TEXT NOT NULL,
    account_id TEXT NOT NULL,
    backup_ref TEXT NOT NULL DEFAULT '',
    rows_affected INTEGER NOT NULL DEFAULT 0,
    rows_skipped INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    digest_before TEXT NOT NULL DEFAULT '',
    digest_after TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_account ON reconciliation_runs(account_id, started_at);

-- Pre-write snapshots, one row per touched row per run
CREATE TABLE IF NOT EXISTS backup_rows (
    run_id TEXT NOT NULL,
    table_name TEXT NOT NULL,
    row_key TEXT NOT NULL,
    payload TEXT NOT NULL,
    taken_at TEXT NOT NULL,
    PRIMARY KEY (run_id, table_name, row_key)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    opening_balance NUMERIC(14,2) NOT NULL,
    opening_date DATE NOT NULL,
    currency TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS account_aliases (
    alias TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id BIGSERIAL PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    entry_date DATE NOT NULL,
    debit NUMERIC(14,2) NOT NULL,
    credit NUMERIC(14,2) NOT NULL,
    description TEXT NOT NULL,
    external_ref TEXT NOT NULL DEFAULT '',
    running_balance NUMERIC(14,2) NOT NULL,
    content_hash TEXT NOT NULL,
    status TEXT NOT NULL,
    source TEXT NOT NULL,
    import_batch TEXT NOT NULL DEFAULT '',
    created_run TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_entries_account_date
    ON ledger_entries(account_id, entry_date, id);

CREATE INDEX IF NOT EXISTS idx_entries_hash
    ON ledger_entries(account_id, content_hash);

CREATE TABLE IF NOT EXISTS match_links (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    candidate_key TEXT NOT NULL,
    entry_id BIGINT NOT NULL REFERENCES ledger_entries(id),
    matched_amount NUMERIC(14,2) NOT NULL,
    tier TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    split_group_id TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    retired INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_links_account ON match_links(account_id, retired);

CREATE TABLE IF NOT EXISTS split_groups (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    parent_kind TEXT NOT NULL,
    parent_ref TEXT NOT NULL,
    total NUMERIC(14,2) NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    retired INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS split_children (
    group_id TEXT NOT NULL REFERENCES split_groups(id),
    position INTEGER NOT NULL,
    ref TEXT NOT NULL,
    amount NUMERIC(14,2) NOT NULL,
    PRIMARY KEY (group_id, position)
);

CREATE TABLE IF NOT EXISTS balance_anchors (
    account_id TEXT NOT NULL,
    anchor_date DATE NOT NULL,
    balance NUMERIC(14,2) NOT NULL,
    verified INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, anchor_date)
);

CREATE TABLE IF NOT EXISTS statement_periods (
    account_id TEXT NOT NULL,
    period_start DATE NOT NULL,
    period_end DATE NOT NULL,
    opening_balance NUMERIC(14,2) NOT NULL,
    closing_balance NUMERIC(14,2) NOT NULL,
    PRIMARY KEY (account_id, period_start)
);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL,
    operation TEXT NOT NULL,
    account_id TEXT NOT NULL,
    backup_ref TEXT NOT NULL DEFAULT '',
    rows_affected INTEGER NOT NULL DEFAULT 0,
    rows_skipped INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    digest_before TEXT NOT NULL DEFAULT '',
    digest_after TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_account ON reconciliation_runs(account_id, started_at);

CREATE TABLE IF NOT EXISTS backup_rows (
    run_id TEXT NOT NULL,
    table_name TEXT NOT NULL,
    row_key TEXT NOT NULL,
    payload TEXT NOT NULL,
    taken_at TEXT NOT NULL,
    PRIMARY KEY (run_id, table_name, row_key)
);
`

// InitializeSchema initializes the database schema.
// It creates all tables if they don't exist.
func InitializeSchema(conn *Connection) error {
	schema := sqliteSchema
	if conn.driver == DriverPostgres {
		schema = postgresSchema
	}
	if _, err := conn.db.Exec(schema); err != nil {
		return err
	}
	return nil
}
