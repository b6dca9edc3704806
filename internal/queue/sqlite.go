package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
)

// SQLiteStore serialises writers with BEGIN IMMEDIATE on a single
// connection, so claims need no row locks.
type SQLiteStore struct {
	*sqlStore
}

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func NewSQLiteStore(dbPath, queueName string, opts Options, options ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := initSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	base, err := newSQLStore(db, sqliteDialect{}, queueName, opts, Capabilities{SQLFilters: true})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{sqlStore: base}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func initSQLite(db *sql.DB) error {
	ctx := context.Background()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return nil
}

type sqliteDialect struct{}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) types() sqlTypes {
	return sqlTypes{
		identity:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		bigint:    "INTEGER",
		integer:   "INTEGER",
		smallint:  "INTEGER",
		blob:      "BLOB",
		text:      "TEXT",
		shortText: "TEXT",
		timestamp: "INTEGER",
	}
}

// Times are stored as unix nanoseconds.
func (sqliteDialect) timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func (sqliteDialect) newTimeScanner() timeScanner { return &nanosTime{} }

func (sqliteDialect) begin(ctx context.Context, db *sql.DB) (sqlTx, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &immediateTx{conn: conn}, nil
}

func (sqliteDialect) tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	return n > 0, err
}

func (sqliteDialect) insertReturningID(table string, columns []string) string {
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING QueueID`, table, strings.Join(columns, ", "), placeholders(len(columns)))
}

func (sqliteDialect) claimSQL(n TableNames, set, where, order string, _ bool) string {
	return fmt.Sprintf(`
UPDATE %s
SET %s
WHERE QueueID = (
  SELECT m.QueueID
  FROM %s m
  WHERE %s
  ORDER BY %s
  LIMIT 1
)
RETURNING QueueID`, n.MetaData, set, n.MetaData, where, order)
}

func (sqliteDialect) setFirst() bool { return true }

func (sqliteDialect) isUniqueViolation(err error) bool {
	return isSQLiteConstraintError(err)
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}

// immediateTx is a BEGIN IMMEDIATE transaction pinned to one connection.
type immediateTx struct {
	conn *sql.Conn
	done bool
}

func (t *immediateTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *immediateTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

func (t *immediateTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *immediateTx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	if _, err := t.conn.ExecContext(context.Background(), "COMMIT;"); err != nil {
		return err
	}
	t.done = true
	return t.conn.Close()
}

func (t *immediateTx) Rollback() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	_, err := t.conn.ExecContext(context.Background(), "ROLLBACK;")
	_ = t.conn.Close()
	return err
}

type nanosTime struct {
	v sql.NullInt64
}

func (t *nanosTime) Scan(src any) error { return t.v.Scan(src) }

func (t *nanosTime) Time() time.Time {
	if !t.v.Valid {
		return time.Time{}
	}
	return time.Unix(0, t.v.Int64).UTC()
}
