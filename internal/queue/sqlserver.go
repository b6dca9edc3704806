package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// SQLServerStore claims with UPDLOCK, READPAST and ROWLOCK hints so
// concurrent consumers skip rows another session has locked.
type SQLServerStore struct {
	*sqlStore
}

type SQLServerOption func(*SQLServerStore)

func WithSQLServerNowFunc(now func() time.Time) SQLServerOption {
	return func(s *SQLServerStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLServerServerTime(refresh time.Duration) SQLServerOption {
	return func(s *SQLServerStore) {
		s.clock = newServerClock(s.db, "SELECT SYSUTCDATETIME()", refresh, func() time.Time { return s.nowFn() })
	}
}

func WithSQLServerMaxOpenConns(n int) SQLServerOption {
	return func(s *SQLServerStore) {
		if n > 0 {
			s.db.SetMaxOpenConns(n)
		}
	}
}

func NewSQLServerStore(dsn, queueName string, opts Options, options ...SQLServerOption) (*SQLServerStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty sqlserver dsn")
	}

	db, err := sql.Open("sqlserver", dsn)
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

	base, err := newSQLStore(db, sqlServerDialect{}, queueName, opts, Capabilities{
		HoldTransaction: true,
		SQLFilters:      true,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLServerStore{sqlStore: base}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

type sqlServerDialect struct{}

func (sqlServerDialect) rebind(query string) string { return rebindNumbered(query, "@p") }

func (sqlServerDialect) types() sqlTypes {
	return sqlTypes{
		identity:  "BIGINT IDENTITY(1,1) NOT NULL PRIMARY KEY",
		bigint:    "BIGINT",
		integer:   "INT",
		smallint:  "SMALLINT",
		blob:      "VARBINARY(MAX)",
		text:      "NVARCHAR(MAX)",
		shortText: "NVARCHAR(255)",
		timestamp: "DATETIMEOFFSET(7)",
	}
}

func (sqlServerDialect) timeArg(t time.Time) any { return nativeTimeArg(t) }

func (sqlServerDialect) newTimeScanner() timeScanner { return &nativeTime{} }

func (sqlServerDialect) begin(ctx context.Context, db *sql.DB) (sqlTx, error) {
	return db.BeginTx(ctx, nil)
}

func (sqlServerDialect) tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME = @p1`, table).Scan(&n)
	return n > 0, err
}

func (sqlServerDialect) insertReturningID(table string, columns []string) string {
	return fmt.Sprintf(`INSERT INTO %s (%s) OUTPUT inserted.QueueID VALUES (%s)`, table, strings.Join(columns, ", "), placeholders(len(columns)))
}

func (sqlServerDialect) claimSQL(n TableNames, set, where, order string, hold bool) string {
	if hold {
		return fmt.Sprintf(`SELECT TOP (1) m.QueueID FROM %s m WITH (UPDLOCK, READPAST, ROWLOCK) WHERE %s ORDER BY %s`, n.MetaData, where, order)
	}
	return fmt.Sprintf(`
WITH cte AS (
  SELECT TOP (1) m.*
  FROM %s m WITH (UPDLOCK, READPAST, ROWLOCK)
  WHERE %s
  ORDER BY %s
)
UPDATE cte
SET %s
OUTPUT inserted.QueueID;`, n.MetaData, where, order, set)
}

func (sqlServerDialect) setFirst() bool { return false }

func (sqlServerDialect) isUniqueViolation(err error) bool {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number == 2627 || msErr.Number == 2601
	}
	return false
}
