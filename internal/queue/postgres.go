package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore claims with FOR UPDATE SKIP LOCKED and can hold the claim
// transaction open until the message is committed.
type PostgresStore struct {
	*sqlStore
}

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithPostgresServerTime takes "now" from the database, re-sampling the
// clock skew every refresh.
func WithPostgresServerTime(refresh time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.clock = newServerClock(s.db, "SELECT now()", refresh, func() time.Time { return s.nowFn() })
	}
}

func WithPostgresMaxOpenConns(n int) PostgresOption {
	return func(s *PostgresStore) {
		if n > 0 {
			s.db.SetMaxOpenConns(n)
		}
	}
}

func NewPostgresStore(dsn, queueName string, opts Options, options ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	base, err := newSQLStore(db, postgresDialect{}, queueName, opts, Capabilities{
		HoldTransaction: true,
		SQLFilters:      true,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &PostgresStore{sqlStore: base}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

type postgresDialect struct{}

func (postgresDialect) rebind(query string) string { return rebindNumbered(query, "$") }

func (postgresDialect) types() sqlTypes {
	return sqlTypes{
		identity:  "BIGSERIAL PRIMARY KEY",
		bigint:    "BIGINT",
		integer:   "INTEGER",
		smallint:  "SMALLINT",
		blob:      "BYTEA",
		text:      "TEXT",
		shortText: "VARCHAR(255)",
		timestamp: "TIMESTAMPTZ",
	}
}

func (postgresDialect) timeArg(t time.Time) any { return nativeTimeArg(t) }

func (postgresDialect) newTimeScanner() timeScanner { return &nativeTime{} }

func (postgresDialect) begin(ctx context.Context, db *sql.DB) (sqlTx, error) {
	return db.BeginTx(ctx, nil)
}

func (postgresDialect) tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`,
		strings.ToLower(table)).Scan(&n)
	return n > 0, err
}

func (postgresDialect) insertReturningID(table string, columns []string) string {
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING QueueID`, table, strings.Join(columns, ", "), placeholders(len(columns)))
}

func (postgresDialect) claimSQL(n TableNames, set, where, order string, hold bool) string {
	if hold {
		return fmt.Sprintf(`SELECT m.QueueID FROM %s m WHERE %s ORDER BY %s LIMIT 1 FOR UPDATE SKIP LOCKED`, n.MetaData, where, order)
	}
	return fmt.Sprintf(`
WITH picked AS (
  SELECT m.QueueID
  FROM %s m
  WHERE %s
  ORDER BY %s
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
UPDATE %s AS u
SET %s
FROM picked
WHERE u.QueueID = picked.QueueID
RETURNING u.QueueID`, n.MetaData, where, order, n.MetaData, set)
}

func (postgresDialect) setFirst() bool { return false }

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
