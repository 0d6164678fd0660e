package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"splitledger/internal/core"
)

// Dialect selects the SQL flavour and the embedded migration set.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (creating if needed) the database file, applies
// migrations and returns the store. SQLite allows one writer, so the pool is
// limited to a single connection and every unit of work is serialized.
func OpenSQLite(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	if err := RunMigrations(SQLite, dsn); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("SQLite store ready", "path", dbPath)
	return &SQLStore{db: db, dialect: SQLite}, nil
}

// OpenPostgres connects to dsn, applies migrations and returns the store.
func OpenPostgres(dsn string) (*SQLStore, error) {
	if err := RunMigrations(Postgres, dsn); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("PostgreSQL store ready")
	return &SQLStore{db: db, dialect: Postgres}, nil
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

func (s *SQLStore) BeginReadTx(ctx context.Context) (Tx, error) {
	var opts *sql.TxOptions
	if s.dialect == Postgres {
		opts = &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin read transaction: %w", err)
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// isUniqueViolation recognizes duplicate-key failures from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// Directory

func (t *sqlTx) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	err := t.queryRow(ctx,
		`INSERT INTO users (name, email, created_at) VALUES (?, ?, ?) RETURNING id`,
		u.Name, u.Email, now()).Scan(&u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return core.User{}, core.Wrapf(core.ErrAlreadyExists, "user with email %s", u.Email)
		}
		return core.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (t *sqlTx) GetUser(ctx context.Context, id int64) (core.User, error) {
	var u core.User
	err := t.queryRow(ctx, `SELECT id, name, email FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.Wrapf(core.ErrUserNotFound, "user %d", id)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (t *sqlTx) DeleteUser(ctx context.Context, id int64) error {
	res, err := t.exec(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(res, core.Wrapf(core.ErrUserNotFound, "user %d", id))
}

func (t *sqlTx) CreateGroup(ctx context.Context, g core.Group) (core.Group, error) {
	err := t.queryRow(ctx,
		`INSERT INTO expense_groups (name, created_by, ledger_version, created_at) VALUES (?, ?, 0, ?) RETURNING id`,
		g.Name, g.CreatedBy, now()).Scan(&g.ID)
	if err != nil {
		return core.Group{}, fmt.Errorf("insert group: %w", err)
	}
	g.LedgerVersion = 0
	g.Members = nil
	return g, nil
}

func (t *sqlTx) GetGroup(ctx context.Context, id int64) (core.Group, error) {
	var g core.Group
	err := t.queryRow(ctx,
		`SELECT id, name, created_by, ledger_version FROM expense_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.CreatedBy, &g.LedgerVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Group{}, core.Wrapf(core.ErrGroupNotFound, "group %d", id)
	}
	if err != nil {
		return core.Group{}, fmt.Errorf("get group: %w", err)
	}

	g.Members, err = t.int64s(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, id)
	if err != nil {
		return core.Group{}, fmt.Errorf("list group members: %w", err)
	}
	return g, nil
}

// DeleteGroup removes the group row and everything still attached to it.
// Expenses are expected to be reversed already; their tombstones go here.
func (t *sqlTx) DeleteGroup(ctx context.Context, id int64) error {
	stmts := []string{
		`DELETE FROM expense_shares WHERE expense_id IN (SELECT id FROM expenses WHERE group_id = ?)`,
		`DELETE FROM expense_payers WHERE expense_id IN (SELECT id FROM expenses WHERE group_id = ?)`,
		`DELETE FROM expense_beneficiaries WHERE expense_id IN (SELECT id FROM expenses WHERE group_id = ?)`,
		`DELETE FROM expenses WHERE group_id = ?`,
		`DELETE FROM balances WHERE group_id = ?`,
		`DELETE FROM group_members WHERE group_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := t.exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete group data: %w", err)
		}
	}
	res, err := t.exec(ctx, `DELETE FROM expense_groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return requireAffected(res, core.Wrapf(core.ErrGroupNotFound, "group %d", id))
}

func (t *sqlTx) GroupsCreatedBy(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := t.int64s(ctx, `SELECT id FROM expense_groups WHERE created_by = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups created by user: %w", err)
	}
	return ids, nil
}

func (t *sqlTx) GroupsOfUser(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := t.int64s(ctx, `SELECT group_id FROM group_members WHERE user_id = ? ORDER BY group_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups of user: %w", err)
	}
	return ids, nil
}

func (t *sqlTx) AddMember(ctx context.Context, groupID, userID int64) error {
	_, err := t.exec(ctx, `INSERT INTO group_members (group_id, user_id) VALUES (?, ?)`, groupID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Wrapf(core.ErrAlreadyExists, "user %d already in group %d", userID, groupID)
		}
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// RemoveMember drops the membership and the member's balance entries in the
// group. Callers check first that those entries are all zero; the rows
// reference the user and would block deleting it.
func (t *sqlTx) RemoveMember(ctx context.Context, groupID, userID int64) error {
	res, err := t.exec(ctx, `DELETE FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	if err := requireAffected(res, core.Wrapf(core.ErrUserNotInGroup, "user %d, group %d", userID, groupID)); err != nil {
		return err
	}
	if _, err := t.exec(ctx,
		`DELETE FROM balances WHERE group_id = ? AND (owed_by = ? OR owed_to = ?)`,
		groupID, userID, userID); err != nil {
		return fmt.Errorf("delete member balances: %w", err)
	}
	return nil
}

func (t *sqlTx) MemberHasActivity(ctx context.Context, groupID, userID int64) (bool, error) {
	var active bool
	err := t.queryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM expense_payers p JOIN expenses e ON e.id = p.expense_id
			WHERE e.group_id = ? AND e.deleted = ? AND p.user_id = ?
			UNION ALL
			SELECT 1 FROM expense_beneficiaries b JOIN expenses e ON e.id = b.expense_id
			WHERE e.group_id = ? AND e.deleted = ? AND b.user_id = ?
		)`, groupID, false, userID, groupID, false, userID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check member expenses: %w", err)
	}
	if active {
		return true, nil
	}

	entries, err := t.GroupBalances(ctx, groupID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if (e.OwedBy == userID || e.OwedTo == userID) && !e.Amount.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

func (t *sqlTx) LockGroup(ctx context.Context, groupID int64) (int64, error) {
	var version int64
	err := t.queryRow(ctx,
		`UPDATE expense_groups SET ledger_version = ledger_version + 1 WHERE id = ? RETURNING ledger_version`,
		groupID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, core.Wrapf(core.ErrGroupNotFound, "group %d", groupID)
	}
	if err != nil {
		return 0, fmt.Errorf("lock group: %w", err)
	}
	return version, nil
}

// Expenses

func (t *sqlTx) InsertExpense(ctx context.Context, e core.Expense) error {
	ts := now()
	_, err := t.exec(ctx, `
		INSERT INTO expenses (id, group_id, amount, description, share_type, occurred_at, version, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.GroupID, e.Amount, e.Description, string(e.ShareType),
		e.OccurredAt.UTC().Format(time.RFC3339Nano), e.Version, e.Deleted, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Wrapf(core.ErrAlreadyExists, "expense %s", e.ID)
		}
		return fmt.Errorf("insert expense: %w", err)
	}
	return nil
}

func (t *sqlTx) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	var (
		e          core.Expense
		shareType  string
		occurredAt string
	)
	err := t.queryRow(ctx, `
		SELECT id, group_id, amount, description, share_type, occurred_at, version, deleted
		FROM expenses WHERE id = ?`, id).
		Scan(&e.ID, &e.GroupID, &e.Amount, &e.Description, &shareType, &occurredAt, &e.Version, &e.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, core.Wrapf(core.ErrExpenseNotFound, "expense %s", id)
	}
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense: %w", err)
	}
	e.ShareType = core.ShareType(shareType)
	e.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return core.Expense{}, fmt.Errorf("parse occurred_at of expense %s: %w", id, err)
	}
	return e, nil
}

func (t *sqlTx) UpdateExpense(ctx context.Context, e core.Expense) error {
	res, err := t.exec(ctx, `
		UPDATE expenses
		SET amount = ?, description = ?, share_type = ?, occurred_at = ?, version = ?, deleted = ?, updated_at = ?
		WHERE id = ?`,
		e.Amount, e.Description, string(e.ShareType), e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.Version, e.Deleted, now(), e.ID)
	if err != nil {
		return fmt.Errorf("update expense: %w", err)
	}
	return requireAffected(res, core.Wrapf(core.ErrExpenseNotFound, "expense %s", e.ID))
}

func (t *sqlTx) ActiveExpenseIDs(ctx context.Context, groupID int64) ([]string, error) {
	rows, err := t.query(ctx,
		`SELECT id FROM expenses WHERE group_id = ? AND deleted = ? ORDER BY created_at, id`, groupID, false)
	if err != nil {
		return nil, fmt.Errorf("list group expenses: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expense id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *sqlTx) ListPayers(ctx context.Context, expenseID string) ([]core.Payer, error) {
	rows, err := t.query(ctx,
		`SELECT user_id, amount FROM expense_payers WHERE expense_id = ? ORDER BY user_id`, expenseID)
	if err != nil {
		return nil, fmt.Errorf("list payers: %w", err)
	}
	defer rows.Close()

	var out []core.Payer
	for rows.Next() {
		var p core.Payer
		if err := rows.Scan(&p.UserID, &p.Amount); err != nil {
			return nil, fmt.Errorf("scan payer: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqlTx) UpsertPayer(ctx context.Context, expenseID string, p core.Payer) error {
	_, err := t.exec(ctx, `
		INSERT INTO expense_payers (expense_id, user_id, amount) VALUES (?, ?, ?)
		ON CONFLICT (expense_id, user_id) DO UPDATE SET amount = excluded.amount`,
		expenseID, p.UserID, p.Amount)
	if err != nil {
		return fmt.Errorf("upsert payer: %w", err)
	}
	return nil
}

func (t *sqlTx) DeletePayer(ctx context.Context, expenseID string, userID int64) error {
	if _, err := t.exec(ctx,
		`DELETE FROM expense_payers WHERE expense_id = ? AND user_id = ?`, expenseID, userID); err != nil {
		return fmt.Errorf("delete payer: %w", err)
	}
	return nil
}

func (t *sqlTx) ListBeneficiaries(ctx context.Context, expenseID string) ([]core.Beneficiary, error) {
	rows, err := t.query(ctx,
		`SELECT user_id, weight FROM expense_beneficiaries WHERE expense_id = ? ORDER BY user_id`, expenseID)
	if err != nil {
		return nil, fmt.Errorf("list beneficiaries: %w", err)
	}
	defer rows.Close()

	var out []core.Beneficiary
	for rows.Next() {
		var b core.Beneficiary
		if err := rows.Scan(&b.UserID, &b.Weight); err != nil {
			return nil, fmt.Errorf("scan beneficiary: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *sqlTx) UpsertBeneficiary(ctx context.Context, expenseID string, b core.Beneficiary) error {
	_, err := t.exec(ctx, `
		INSERT INTO expense_beneficiaries (expense_id, user_id, weight) VALUES (?, ?, ?)
		ON CONFLICT (expense_id, user_id) DO UPDATE SET weight = excluded.weight`,
		expenseID, b.UserID, b.Weight)
	if err != nil {
		return fmt.Errorf("upsert beneficiary: %w", err)
	}
	return nil
}

func (t *sqlTx) DeleteBeneficiary(ctx context.Context, expenseID string, userID int64) error {
	if _, err := t.exec(ctx,
		`DELETE FROM expense_beneficiaries WHERE expense_id = ? AND user_id = ?`, expenseID, userID); err != nil {
		return fmt.Errorf("delete beneficiary: %w", err)
	}
	return nil
}

func (t *sqlTx) ListShares(ctx context.Context, expenseID string) ([]core.DebtEdge, error) {
	rows, err := t.query(ctx, `
		SELECT debtor_id, creditor_id, amount FROM expense_shares
		WHERE expense_id = ? ORDER BY debtor_id, creditor_id`, expenseID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var out []core.DebtEdge
	for rows.Next() {
		var e core.DebtEdge
		if err := rows.Scan(&e.DebtorID, &e.CreditorID, &e.Amount); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqlTx) UpsertShare(ctx context.Context, expenseID string, e core.DebtEdge) error {
	_, err := t.exec(ctx, `
		INSERT INTO expense_shares (expense_id, debtor_id, creditor_id, amount) VALUES (?, ?, ?, ?)
		ON CONFLICT (expense_id, debtor_id, creditor_id) DO UPDATE SET amount = excluded.amount`,
		expenseID, e.DebtorID, e.CreditorID, e.Amount)
	if err != nil {
		return fmt.Errorf("upsert share: %w", err)
	}
	return nil
}

func (t *sqlTx) DeleteShare(ctx context.Context, expenseID string, debtorID, creditorID int64) error {
	if _, err := t.exec(ctx,
		`DELETE FROM expense_shares WHERE expense_id = ? AND debtor_id = ? AND creditor_id = ?`,
		expenseID, debtorID, creditorID); err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}

// Balances

func (t *sqlTx) GetBalance(ctx context.Context, groupID, owedBy, owedTo int64) (decimal.Decimal, bool, error) {
	var amount decimal.Decimal
	err := t.queryRow(ctx,
		`SELECT amount FROM balances WHERE group_id = ? AND owed_by = ? AND owed_to = ?`,
		groupID, owedBy, owedTo).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get balance: %w", err)
	}
	return amount, true, nil
}

func (t *sqlTx) PutBalance(ctx context.Context, e core.BalanceEntry) error {
	_, err := t.exec(ctx, `
		INSERT INTO balances (group_id, owed_by, owed_to, amount) VALUES (?, ?, ?, ?)
		ON CONFLICT (group_id, owed_by, owed_to) DO UPDATE SET amount = excluded.amount`,
		e.GroupID, e.OwedBy, e.OwedTo, e.Amount)
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

func (t *sqlTx) GroupBalances(ctx context.Context, groupID int64) ([]core.BalanceEntry, error) {
	return t.balances(ctx, `
		SELECT group_id, owed_by, owed_to, amount FROM balances
		WHERE group_id = ? ORDER BY owed_by, owed_to`, groupID)
}

func (t *sqlTx) UserBalances(ctx context.Context, userID int64) ([]core.BalanceEntry, error) {
	return t.balances(ctx, `
		SELECT group_id, owed_by, owed_to, amount FROM balances
		WHERE owed_by = ? OR owed_to = ? ORDER BY group_id, owed_by, owed_to`, userID, userID)
}

func (t *sqlTx) DeleteGroupBalances(ctx context.Context, groupID int64) error {
	if _, err := t.exec(ctx, `DELETE FROM balances WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete group balances: %w", err)
	}
	return nil
}

func (t *sqlTx) balances(ctx context.Context, query string, args ...any) ([]core.BalanceEntry, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []core.BalanceEntry
	for rows.Next() {
		var e core.BalanceEntry
		if err := rows.Scan(&e.GroupID, &e.OwedBy, &e.OwedTo, &e.Amount); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqlTx) int64s(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
