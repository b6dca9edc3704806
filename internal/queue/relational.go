package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// sqlTx is the subset of *sql.Tx used by the relational stores. SQLite
// implements it on a dedicated connection running BEGIN IMMEDIATE.
type sqlTx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

type timeScanner interface {
	sql.Scanner
	Time() time.Time
}

type sqlTypes struct {
	identity  string
	bigint    string
	integer   string
	smallint  string
	blob      string
	text      string
	shortText string
	timestamp string
}

type sqlDialect interface {
	rebind(query string) string
	types() sqlTypes
	timeArg(t time.Time) any
	newTimeScanner() timeScanner
	begin(ctx context.Context, db *sql.DB) (sqlTx, error)
	tableExists(ctx context.Context, db *sql.DB, table string) (bool, error)
	insertReturningID(table string, columns []string) string
	claimSQL(n TableNames, set, where, order string, hold bool) string
	// setFirst reports whether the SET arguments of a claim precede its
	// WHERE arguments.
	setFirst() bool
	isUniqueViolation(err error) bool
}

var errNotMoved = errors.New("message not moved")

// sqlStore implements Store on top of database/sql. The exported
// PostgresStore, SQLServerStore and SQLiteStore wrap it with a dialect.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
	name    string
	names   TableNames
	opts    Options
	caps    Capabilities

	mu    sync.Mutex
	nowFn func() time.Time
	clock *serverClock

	cacheMu    sync.Mutex
	claimCache map[claimCacheKey]string

	heldMu sync.Mutex
	held   map[MessageID]sqlTx

	closed closeFlag
}

func newSQLStore(db *sql.DB, d sqlDialect, queueName string, opts Options, caps Capabilities) (*sqlStore, error) {
	names, err := NewTableNames(queueName)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(caps); err != nil {
		return nil, err
	}
	return &sqlStore{
		db:         db,
		dialect:    d,
		name:       queueName,
		names:      names,
		opts:       opts,
		caps:       caps,
		nowFn:      time.Now,
		claimCache: make(map[claimCacheKey]string),
		held:       make(map[MessageID]sqlTx),
	}, nil
}

func (s *sqlStore) Name() string               { return s.name }
func (s *sqlStore) Options() Options           { return s.opts }
func (s *sqlStore) Capabilities() Capabilities { return s.caps }

func (s *sqlStore) Close() error {
	if !s.closed.close() {
		return nil
	}
	s.heldMu.Lock()
	for id, tx := range s.held {
		_ = tx.Rollback()
		delete(s.held, id)
	}
	s.heldMu.Unlock()
	return s.db.Close()
}

func (s *sqlStore) now() time.Time {
	s.mu.Lock()
	nowFn, clock := s.nowFn, s.clock
	s.mu.Unlock()
	var t time.Time
	if clock != nil {
		t = clock.now()
	} else {
		t = nowFn()
	}
	return t.UTC().Truncate(time.Microsecond)
}

func (s *sqlStore) q(query string) string { return s.dialect.rebind(query) }

func (s *sqlStore) ts(t time.Time) any { return s.dialect.timeArg(t) }

func (s *sqlStore) withTx(ctx context.Context, fn func(tx sqlTx) error) error {
	tx, err := s.dialect.begin(ctx, s.db)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *sqlStore) park(id MessageID, tx sqlTx) {
	s.heldMu.Lock()
	s.held[id] = tx
	s.heldMu.Unlock()
}

func (s *sqlStore) takeHeld(id MessageID) sqlTx {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	tx, ok := s.held[id]
	if !ok {
		return nil
	}
	delete(s.held, id)
	return tx
}

// finishHeld runs fn inside a held claim transaction and commits it.
func finishHeld(tx sqlTx, fn func(tx sqlTx) error) error {
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) QueueExists(ctx context.Context) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	return s.dialect.tableExists(ctx, s.db, s.names.Configuration)
}

func (s *sqlStore) CreateQueue(ctx context.Context) error {
	if err := s.closed.check(); err != nil {
		return err
	}
	exists, err := s.QueueExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrQueueExists, s.name)
	}
	cfg, err := encodeOptions(s.opts)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx sqlTx) error {
		for _, stmt := range createStatements(s.dialect.types(), s.names, s.opts) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create queue %s: %w", s.name, err)
			}
		}
		_, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`INSERT INTO %s (Configuration) VALUES (?)`, s.names.Configuration)), string(cfg))
		return err
	})
}

func (s *sqlStore) RemoveQueue(ctx context.Context) error {
	if err := s.closed.check(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx sqlTx) error {
		for _, table := range s.names.All() {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		return nil
	})
}

// StoredOptions reads the configuration record written by CreateQueue.
func (s *sqlStore) StoredOptions(ctx context.Context) (Options, error) {
	if err := s.closed.check(); err != nil {
		return Options{}, err
	}
	exists, err := s.QueueExists(ctx)
	if err != nil {
		return Options{}, err
	}
	if !exists {
		return Options{}, fmt.Errorf("%w: %s", ErrQueueNotFound, s.name)
	}
	var raw string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT Configuration FROM %s`, s.names.Configuration)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Options{}, fmt.Errorf("%w: %s has no configuration", ErrQueueNotFound, s.name)
	}
	if err != nil {
		return Options{}, err
	}
	return decodeOptions([]byte(raw))
}

func (s *sqlStore) Send(ctx context.Context, msg OutboundMessage) (MessageID, error) {
	if err := s.closed.check(); err != nil {
		return "", err
	}
	headers, err := encodeHeaders(msg.Headers)
	if err != nil {
		return "", err
	}
	for name := range msg.Columns {
		if _, ok := s.opts.column(name); !ok {
			return "", fmt.Errorf("%w: unknown column %q", ErrInvalidOptions, name)
		}
	}
	now := s.now()
	var id int64
	err = s.withTx(ctx, func(tx sqlTx) error {
		if msg.Job != nil {
			st, err := s.jobStatus(ctx, tx, msg.Job.Name, msg.Job.ScheduledTime)
			if err != nil {
				return err
			}
			if st != StatusNotQueued {
				return fmt.Errorf("%w: %s is %s", ErrJobAlreadyQueued, msg.Job.Name, st)
			}
		}
		insert := s.q(s.dialect.insertReturningID(s.names.Queue, []string{"Body", "Headers"}))
		if err := tx.QueryRowContext(ctx, insert, msg.Body, string(headers)).Scan(&id); err != nil {
			return fmt.Errorf("insert queue row: %w", err)
		}
		cols, args := s.metaValues(id, now, msg)
		stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, s.names.MetaData, strings.Join(cols, ", "), placeholders(len(cols)))
		if _, err := tx.ExecContext(ctx, s.q(stmt), args...); err != nil {
			return fmt.Errorf("insert meta row: %w", err)
		}
		if s.opts.EnableStatusTable {
			stmt := fmt.Sprintf(`INSERT INTO %s (QueueID, Status, CorrelationID, JobName) VALUES (?, ?, ?, ?)`, s.names.Status)
			if _, err := tx.ExecContext(ctx, s.q(stmt), id, int(StatusWaiting), msg.CorrelationID, jobName(msg.Job)); err != nil {
				return fmt.Errorf("insert status row: %w", err)
			}
		}
		if msg.Job != nil {
			return s.upsertJob(ctx, tx, msg.Job)
		}
		return nil
	})
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %v", ErrJobAlreadyQueued, err)
		}
		return "", err
	}
	return messageIDFromInt64(id), nil
}

func (s *sqlStore) metaValues(id int64, now time.Time, msg OutboundMessage) ([]string, []any) {
	cols := []string{"QueueID", "CorrelationID", "QueuedDateTime"}
	args := []any{id, msg.CorrelationID, s.ts(now)}
	if s.opts.EnableStatus {
		cols = append(cols, "Status")
		args = append(args, int(StatusWaiting))
	}
	if s.opts.EnableDelayedProcessing {
		cols = append(cols, "QueueProcessTime")
		args = append(args, s.ts(processTime(now, msg)))
	}
	if s.opts.EnableMessageExpiration && msg.Expiration > 0 {
		cols = append(cols, "ExpirationTime")
		args = append(args, s.ts(now.Add(msg.Expiration)))
	}
	if s.opts.EnableRoute {
		cols = append(cols, "Route")
		args = append(args, nullIfEmpty(msg.Route))
	}
	if s.opts.EnablePriority {
		cols = append(cols, "Priority")
		args = append(args, int(msg.Priority))
	}
	if msg.Job != nil {
		cols = append(cols, "JobName")
		args = append(args, msg.Job.Name)
	}
	extra := make([]string, 0, len(msg.Columns))
	for name := range msg.Columns {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	for _, name := range extra {
		c, _ := s.opts.column(name)
		cols = append(cols, c.Name)
		args = append(args, msg.Columns[name])
	}
	return cols, args
}

func processTime(now time.Time, msg OutboundMessage) time.Time {
	if msg.Job != nil && !msg.Job.ScheduledTime.IsZero() {
		return msg.Job.ScheduledTime.UTC()
	}
	if msg.Delay > 0 {
		return now.Add(msg.Delay)
	}
	return now
}

func jobName(job *JobSchedule) any {
	if job == nil {
		return nil
	}
	return job.Name
}

func (s *sqlStore) jobStatus(ctx context.Context, tx sqlTx, name string, scheduled time.Time) (Status, error) {
	var found int
	statusCol := "0"
	if s.opts.EnableStatus {
		statusCol = "Status"
	}
	err := tx.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT %s FROM %s WHERE JobName = ?`, statusCol, s.names.MetaData)), name).Scan(&found)
	switch {
	case err == nil:
		return Status(found), nil
	case !errors.Is(err, sql.ErrNoRows):
		return StatusNotQueued, fmt.Errorf("lookup job %s: %w", name, err)
	}
	last := s.dialect.newTimeScanner()
	err = tx.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT JobScheduledTime FROM %s WHERE JobName = ?`, s.names.Jobs)), name).Scan(last)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusNotQueued, nil
	}
	if err != nil {
		return StatusNotQueued, fmt.Errorf("lookup job %s: %w", name, err)
	}
	if last.Time().Equal(scheduled.UTC().Truncate(time.Microsecond)) {
		return StatusProcessed, nil
	}
	return StatusNotQueued, nil
}

func (s *sqlStore) upsertJob(ctx context.Context, tx sqlTx, job *JobSchedule) error {
	event := job.EventTime
	if event.IsZero() {
		event = s.now()
	}
	scheduled := job.ScheduledTime.UTC().Truncate(time.Microsecond)
	res, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET JobEventTime = ?, JobScheduledTime = ? WHERE JobName = ?`, s.names.Jobs)),
		s.ts(event.UTC()), s.ts(scheduled), job.Name)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.Name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, s.q(fmt.Sprintf(`INSERT INTO %s (JobName, JobEventTime, JobScheduledTime) VALUES (?, ?, ?)`, s.names.Jobs)),
		job.Name, s.ts(event.UTC()), s.ts(scheduled))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.Name, err)
	}
	return nil
}

func (s *sqlStore) DoesJobExist(ctx context.Context, jobName string, scheduled time.Time) (Status, error) {
	if err := s.closed.check(); err != nil {
		return StatusNotQueued, err
	}
	st := StatusNotQueued
	err := s.withTx(ctx, func(tx sqlTx) error {
		var err error
		st, err = s.jobStatus(ctx, tx, jobName, scheduled)
		return err
	})
	return st, err
}

func (s *sqlStore) GetJobLastKnownEvent(ctx context.Context, jobName string) (time.Time, error) {
	if err := s.closed.check(); err != nil {
		return time.Time{}, err
	}
	last := s.dialect.newTimeScanner()
	err := s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT JobEventTime FROM %s WHERE JobName = ?`, s.names.Jobs)), jobName).Scan(last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last.Time(), nil
}

// claimStatement returns the rebound claim text. Statements without a user
// filter only vary by hold mode and route count and are cached on those.
func (s *sqlStore) claimStatement(req ReceiveRequest, set, where string) string {
	hold := s.opts.EnableHoldTransactionUntilMessageCommitted
	if req.Filter != nil {
		return s.q(s.dialect.claimSQL(s.names, set, where, claimOrder(s.opts), hold))
	}
	routes := 0
	if s.opts.EnableRoute {
		routes = len(req.Routes)
	}
	key := claimCacheKey{hold: hold, routes: routes}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if cached, ok := s.claimCache[key]; ok {
		return cached
	}
	query := s.q(s.dialect.claimSQL(s.names, set, where, claimOrder(s.opts), hold))
	s.claimCache[key] = query
	return query
}

func (s *sqlStore) Receive(ctx context.Context, req ReceiveRequest) (*ClaimedMessage, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if req.Expression != "" {
		return nil, fmt.Errorf("%w: expression filters", ErrUnsupported)
	}
	hold := s.opts.EnableHoldTransactionUntilMessageCommitted
	now := s.now()
	where, whereArgs := claimWhere(s.opts, s.ts(now), req)
	set, setArgs := claimSet(s.opts, s.ts(now))
	query := s.claimStatement(req, set, where)
	var args []any
	switch {
	case hold:
		args = whereArgs
	case s.dialect.setFirst():
		args = append(append(args, setArgs...), whereArgs...)
	default:
		args = append(append(args, whereArgs...), setArgs...)
	}

	beginCtx := ctx
	if hold {
		// A held claim ends in Commit, Rollback or MoveToError, not with
		// the receive call.
		beginCtx = context.WithoutCancel(ctx)
	}
	tx, err := s.dialect.begin(beginCtx, s.db)
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if keep {
			return
		}
		_ = tx.Rollback()
	}()

	var raw int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim: %w", err)
	}
	msg, err := s.loadClaimed(ctx, tx, raw)
	if err != nil {
		var poison *PoisonMessageError
		if !errors.As(err, &poison) {
			return nil, err
		}
		// The claim itself is kept so the poison row can be moved aside.
		if hold {
			s.park(poison.ID, tx)
		} else if cerr := tx.Commit(); cerr != nil {
			return nil, cerr
		}
		keep = true
		poison.HeartBeat = heartBeatIf(s.opts.EnableHeartBeat, now)
		return nil, poison
	}
	msg.HeartBeat = heartBeatIf(s.opts.EnableHeartBeat, now)
	if s.opts.EnableStatusTable {
		if _, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET Status = ? WHERE QueueID = ?`, s.names.Status)), int(StatusProcessing), raw); err != nil {
			return nil, fmt.Errorf("claim status row: %w", err)
		}
	}
	if hold {
		s.park(msg.ID, tx)
		keep = true
		return msg, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	keep = true
	return msg, nil
}

func heartBeatIf(enabled bool, t time.Time) time.Time {
	if !enabled {
		return time.Time{}
	}
	return t
}

func (s *sqlStore) loadClaimed(ctx context.Context, tx sqlTx, raw int64) (*ClaimedMessage, error) {
	cols := []string{"q.Body", "q.Headers", "m.CorrelationID", "m.QueuedDateTime"}
	if s.opts.EnableRoute {
		cols = append(cols, "m.Route")
	}
	if s.opts.EnablePriority {
		cols = append(cols, "m.Priority")
	}
	stmt := fmt.Sprintf(`SELECT %s FROM %s q INNER JOIN %s m ON m.QueueID = q.QueueID WHERE q.QueueID = ?`,
		strings.Join(cols, ", "), s.names.Queue, s.names.MetaData)
	var (
		body     []byte
		headers  sql.NullString
		corr     string
		route    sql.NullString
		priority int
	)
	queued := s.dialect.newTimeScanner()
	dest := []any{&body, &headers, &corr, queued}
	if s.opts.EnableRoute {
		dest = append(dest, &route)
	}
	if s.opts.EnablePriority {
		dest = append(dest, &priority)
	}
	id := messageIDFromInt64(raw)
	if err := tx.QueryRowContext(ctx, s.q(stmt), raw).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &PoisonMessageError{ID: id, Err: errors.New("queue row missing")}
		}
		return nil, fmt.Errorf("load claimed %s: %w", id, err)
	}
	return &ClaimedMessage{
		ID:            id,
		CorrelationID: corr,
		Body:          body,
		RawHeaders:    []byte(headers.String),
		QueuedAt:      queued.Time(),
		Route:         route.String,
		Priority:      uint8(priority),
	}, nil
}

func (s *sqlStore) Commit(ctx context.Context, id MessageID) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	raw, err := id.Int64()
	if err != nil {
		return false, nil
	}
	if tx := s.takeHeld(id); tx != nil {
		err := finishHeld(tx, func(tx sqlTx) error {
			_, err := s.deleteRows(ctx, tx, raw)
			return err
		})
		return err == nil, err
	}
	if s.opts.EnableHoldTransactionUntilMessageCommitted {
		return false, nil
	}
	removed := false
	err = s.withTx(ctx, func(tx sqlTx) error {
		res, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE QueueID = ? AND Status = ?`, s.names.MetaData)), raw, int(StatusProcessing))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		removed = true
		for _, table := range s.bodyTables() {
			if _, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE QueueID = ?`, table)), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// bodyTables are the per-message tables other than meta and errors.
func (s *sqlStore) bodyTables() []string {
	tables := []string{s.names.Queue, s.names.ErrorTracking}
	if s.opts.EnableStatusTable {
		tables = append(tables, s.names.Status)
	}
	return tables
}

func (s *sqlStore) deleteRows(ctx context.Context, tx sqlTx, raw int64) (int, error) {
	total := 0
	tables := append([]string{s.names.MetaData, s.names.MetaDataErrors}, s.bodyTables()...)
	for _, table := range tables {
		res, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE QueueID = ?`, table)), raw)
		if err != nil {
			return total, fmt.Errorf("delete from %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (s *sqlStore) Delete(ctx context.Context, id MessageID) (int, error) {
	if err := s.closed.check(); err != nil {
		return 0, err
	}
	raw, err := id.Int64()
	if err != nil {
		return 0, nil
	}
	total := 0
	run := func(tx sqlTx) error {
		var err error
		total, err = s.deleteRows(ctx, tx, raw)
		return err
	}
	if tx := s.takeHeld(id); tx != nil {
		err = finishHeld(tx, run)
	} else {
		err = s.withTx(ctx, run)
	}
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *sqlStore) Rollback(ctx context.Context, req RollbackRequest) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	raw, err := req.ID.Int64()
	if err != nil {
		return false, nil
	}
	delay := req.IncreaseDelay > 0 && s.opts.EnableDelayedProcessing
	if tx := s.takeHeld(req.ID); tx != nil {
		if !delay {
			return true, tx.Rollback()
		}
		err := finishHeld(tx, func(tx sqlTx) error {
			_, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET QueueProcessTime = ? WHERE QueueID = ?`, s.names.MetaData)),
				s.ts(s.now().Add(req.IncreaseDelay)), raw)
			return err
		})
		return err == nil, err
	}
	if s.opts.EnableHoldTransactionUntilMessageCommitted {
		return false, nil
	}

	set := &clauseBuilder{}
	set.add(true, "Status = ?", int(StatusWaiting))
	set.add(s.opts.EnableHeartBeat, "HeartBeat = NULL")
	set.add(delay, "QueueProcessTime = ?", s.ts(s.now().Add(req.IncreaseDelay)))
	last := req.LastHeartBeat.UTC().Truncate(time.Second)
	where := &clauseBuilder{}
	where.add(true, "QueueID = ?", raw)
	where.add(true, "Status = ?", int(StatusProcessing))
	where.add(s.opts.EnableHeartBeat, "HeartBeat >= ? AND HeartBeat < ?", s.ts(last), s.ts(last.Add(time.Second)))
	setSQL, setArgs := set.join(", ")
	whereSQL, whereArgs := where.join(" AND ")
	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, s.names.MetaData, setSQL, whereSQL)

	rolled := false
	err = s.withTx(ctx, func(tx sqlTx) error {
		res, err := tx.ExecContext(ctx, s.q(stmt), append(setArgs, whereArgs...)...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		rolled = true
		if s.opts.EnableStatusTable {
			_, err = tx.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET Status = ? WHERE QueueID = ?`, s.names.Status)), int(StatusWaiting), raw)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return rolled, nil
}

func (s *sqlStore) SetErrorCount(ctx context.Context, id MessageID, exceptionType string) (int, error) {
	if err := s.closed.check(); err != nil {
		return 0, err
	}
	raw, err := id.Int64()
	if err != nil {
		return 0, fmt.Errorf("message id %q: %w", id, err)
	}
	count := 0
	err = s.withTx(ctx, func(tx sqlTx) error {
		res, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET RetryCount = RetryCount + 1 WHERE QueueID = ? AND ExceptionType = ?`, s.names.ErrorTracking)), raw, exceptionType)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`INSERT INTO %s (QueueID, ExceptionType, RetryCount) VALUES (?, ?, 1)`, s.names.ErrorTracking)), raw, exceptionType); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT RetryCount FROM %s WHERE QueueID = ? AND ExceptionType = ?`, s.names.ErrorTracking)), raw, exceptionType).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("set error count: %w", err)
	}
	return count, nil
}

func (s *sqlStore) GetErrorCount(ctx context.Context, id MessageID, exceptionType string) (int, error) {
	if err := s.closed.check(); err != nil {
		return 0, err
	}
	raw, err := id.Int64()
	if err != nil {
		return 0, nil
	}
	var count int
	err = s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT RetryCount FROM %s WHERE QueueID = ? AND ExceptionType = ?`, s.names.ErrorTracking)), raw, exceptionType).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func (s *sqlStore) MoveToError(ctx context.Context, id MessageID, cause error) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	raw, err := id.Int64()
	if err != nil {
		return false, nil
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	cols := strings.Join(metaColumnNames(s.opts), ", ")
	copyStmt := fmt.Sprintf(`INSERT INTO %s (%s, LastException, LastExceptionDate) SELECT %s, ?, ? FROM %s WHERE QueueID = ?`,
		s.names.MetaDataErrors, cols, cols, s.names.MetaData)
	run := func(tx sqlTx) error {
		if _, err := tx.ExecContext(ctx, s.q(copyStmt), reason, s.ts(s.now()), raw); err != nil {
			return fmt.Errorf("copy to error table: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE QueueID = ?`, s.names.MetaData)), raw)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return errNotMoved
		}
		if s.opts.EnableStatus {
			if _, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET Status = ? WHERE QueueID = ?`, s.names.MetaDataErrors)), int(StatusError), raw); err != nil {
				return err
			}
		}
		if s.opts.EnableStatusTable {
			if _, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET Status = ? WHERE QueueID = ?`, s.names.Status)), int(StatusError), raw); err != nil {
				return err
			}
		}
		return nil
	}
	if tx := s.takeHeld(id); tx != nil {
		err = finishHeld(tx, run)
	} else {
		err = s.withTx(ctx, run)
	}
	if errors.Is(err, errNotMoved) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) SendHeartBeat(ctx context.Context, id MessageID) (time.Time, error) {
	if err := s.closed.check(); err != nil {
		return time.Time{}, err
	}
	if !s.opts.EnableHeartBeat {
		return time.Time{}, nil
	}
	raw, err := id.Int64()
	if err != nil {
		return time.Time{}, nil
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET HeartBeat = ? WHERE QueueID = ? AND Status = ?`, s.names.MetaData)),
		s.ts(now), raw, int(StatusProcessing))
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return time.Time{}, nil
	}
	return now, nil
}

func (s *sqlStore) ResetHeartBeat(ctx context.Context, window time.Duration) ([]ResetHeartBeatResult, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if !s.opts.EnableHeartBeat || ctx.Err() != nil {
		return nil, nil
	}
	cutoff := s.ts(s.now().Add(-window))
	type candidate struct {
		raw int64
		hb  time.Time
	}
	var candidates []candidate
	rows, err := s.db.QueryContext(ctx, s.q(fmt.Sprintf(`SELECT QueueID, HeartBeat FROM %s WHERE Status = ? AND HeartBeat < ? ORDER BY QueueID`, s.names.MetaData)),
		int(StatusProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale heartbeats: %w", err)
	}
	for rows.Next() {
		var c candidate
		hb := s.dialect.newTimeScanner()
		if err := rows.Scan(&c.raw, hb); err != nil {
			_ = rows.Close()
			return nil, err
		}
		c.hb = hb.Time()
		candidates = append(candidates, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var out []ResetHeartBeatResult
	for _, c := range candidates {
		if ctx.Err() != nil {
			return out, nil
		}
		var headers sql.NullString
		reset := false
		err := s.withTx(ctx, func(tx sqlTx) error {
			res, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET Status = ?, HeartBeat = NULL WHERE QueueID = ? AND Status = ? AND HeartBeat < ?`, s.names.MetaData)),
				int(StatusWaiting), c.raw, int(StatusProcessing), cutoff)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return nil
			}
			reset = true
			if s.opts.EnableStatusTable {
				if _, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET Status = ? WHERE QueueID = ?`, s.names.Status)), int(StatusWaiting), c.raw); err != nil {
					return err
				}
			}
			err = tx.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT Headers FROM %s WHERE QueueID = ?`, s.names.Queue)), c.raw).Scan(&headers)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return out, nil
			}
			return out, fmt.Errorf("reset heartbeat %d: %w", c.raw, err)
		}
		if reset {
			out = append(out, ResetHeartBeatResult{
				ID:        messageIDFromInt64(c.raw),
				HeartBeat: c.hb,
				Headers:   decodeHeadersLenient([]byte(headers.String)),
			})
		}
	}
	return out, nil
}

func (s *sqlStore) FindExpiredMessagesToDelete(ctx context.Context) ([]MessageID, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if !s.opts.EnableMessageExpiration || ctx.Err() != nil {
		return nil, nil
	}
	return s.collectIDs(ctx, fmt.Sprintf(`SELECT QueueID FROM %s WHERE ExpirationTime IS NOT NULL AND ExpirationTime < ? ORDER BY QueueID`, s.names.MetaData), s.ts(s.now()))
}

func (s *sqlStore) FindErrorMessagesToDelete(ctx context.Context, age time.Duration) ([]MessageID, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	return s.collectIDs(ctx, fmt.Sprintf(`SELECT QueueID FROM %s WHERE LastExceptionDate < ? ORDER BY QueueID`, s.names.MetaDataErrors), s.ts(s.now().Add(-age)))
}

func (s *sqlStore) collectIDs(ctx context.Context, query string, args ...any) ([]MessageID, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()
	var out []MessageID
	for rows.Next() {
		if ctx.Err() != nil {
			return out, nil
		}
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, messageIDFromInt64(raw))
	}
	if err := rows.Err(); err != nil && ctx.Err() == nil {
		return nil, err
	}
	return out, nil
}

// DeleteErrorMessage removes an error record together with the body and
// tracking rows that only it still references.
func (s *sqlStore) DeleteErrorMessage(ctx context.Context, id MessageID) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	raw, err := id.Int64()
	if err != nil {
		return false, nil
	}
	removed := false
	err = s.withTx(ctx, func(tx sqlTx) error {
		res, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE QueueID = ?`, s.names.MetaDataErrors)), raw)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		removed = true
		for _, table := range s.bodyTables() {
			if _, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE QueueID = ?`, table)), raw); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.closed.check(); err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: map[Status]int{}}
	if s.opts.EnableStatus {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT Status, COUNT(*) FROM %s GROUP BY Status`, s.names.MetaData))
		if err != nil {
			return Stats{}, err
		}
		defer rows.Close()
		for rows.Next() {
			var status, n int
			if err := rows.Scan(&status, &n); err != nil {
				return Stats{}, err
			}
			st.ByStatus[Status(status)] = n
			st.Total += n
		}
		if err := rows.Err(); err != nil {
			return Stats{}, err
		}
	} else {
		var n int
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.names.MetaData)).Scan(&n); err != nil {
			return Stats{}, err
		}
		st.ByStatus[StatusWaiting] = n
		st.Total = n
	}
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.names.MetaDataErrors)).Scan(&st.Errors); err != nil {
		return Stats{}, err
	}
	st.ByStatus[StatusError] = st.Errors
	return st, nil
}

func metaColumnNames(o Options) []string {
	cols := []string{"QueueID", "CorrelationID", "QueuedDateTime"}
	if o.EnableStatus {
		cols = append(cols, "Status")
	}
	if o.EnableHeartBeat {
		cols = append(cols, "HeartBeat")
	}
	if o.EnableDelayedProcessing {
		cols = append(cols, "QueueProcessTime")
	}
	if o.EnableMessageExpiration {
		cols = append(cols, "ExpirationTime")
	}
	if o.EnableRoute {
		cols = append(cols, "Route")
	}
	if o.EnablePriority {
		cols = append(cols, "Priority")
	}
	cols = append(cols, "JobName")
	for _, c := range o.AdditionalColumns {
		cols = append(cols, c.Name)
	}
	return cols
}

func metaColumnDefs(t sqlTypes, o Options) []string {
	defs := []string{
		"QueueID " + t.bigint + " NOT NULL PRIMARY KEY",
		"CorrelationID " + t.shortText + " NOT NULL",
		"QueuedDateTime " + t.timestamp + " NOT NULL",
	}
	if o.EnableStatus {
		defs = append(defs, "Status "+t.integer+" NOT NULL")
	}
	if o.EnableHeartBeat {
		defs = append(defs, "HeartBeat "+t.timestamp+" NULL")
	}
	if o.EnableDelayedProcessing {
		defs = append(defs, "QueueProcessTime "+t.timestamp+" NULL")
	}
	if o.EnableMessageExpiration {
		defs = append(defs, "ExpirationTime "+t.timestamp+" NULL")
	}
	if o.EnableRoute {
		defs = append(defs, "Route "+t.shortText+" NULL")
	}
	if o.EnablePriority {
		defs = append(defs, "Priority "+t.smallint+" NOT NULL")
	}
	defs = append(defs, "JobName "+t.shortText+" NULL")
	for _, c := range o.AdditionalColumns {
		null := " NOT NULL"
		if c.Nullable {
			null = " NULL"
		}
		defs = append(defs, c.Name+" "+c.Type+null)
	}
	return defs
}

func createStatements(t sqlTypes, n TableNames, o Options) []string {
	meta := metaColumnDefs(t, o)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE %s (QueueID %s, Body %s NULL, Headers %s NULL)`, n.Queue, t.identity, t.blob, t.text),
		fmt.Sprintf(`CREATE TABLE %s (%s)`, n.MetaData, strings.Join(meta, ", ")),
		fmt.Sprintf(`CREATE TABLE %s (%s, LastException %s NULL, LastExceptionDate %s NOT NULL)`, n.MetaDataErrors, strings.Join(meta, ", "), t.text, t.timestamp),
		fmt.Sprintf(`CREATE TABLE %s (QueueID %s NOT NULL, ExceptionType %s NOT NULL, RetryCount %s NOT NULL, PRIMARY KEY (QueueID, ExceptionType))`, n.ErrorTracking, t.bigint, t.shortText, t.integer),
		fmt.Sprintf(`CREATE TABLE %s (Configuration %s NOT NULL)`, n.Configuration, t.text),
		fmt.Sprintf(`CREATE TABLE %s (JobName %s NOT NULL PRIMARY KEY, JobEventTime %s NOT NULL, JobScheduledTime %s NOT NULL)`, n.Jobs, t.shortText, t.timestamp, t.timestamp),
	}
	if o.EnableStatusTable {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE %s (QueueID %s NOT NULL PRIMARY KEY, Status %s NOT NULL, CorrelationID %s NOT NULL, JobName %s NULL)`,
			n.Status, t.bigint, t.integer, t.shortText, t.shortText))
	}
	claimCols := []string{}
	if o.EnableStatus {
		claimCols = append(claimCols, "Status")
	}
	if o.EnablePriority {
		claimCols = append(claimCols, "Priority")
	}
	if o.EnableDelayedProcessing {
		claimCols = append(claimCols, "QueueProcessTime")
	}
	if o.EnableMessageExpiration {
		claimCols = append(claimCols, "ExpirationTime")
	}
	claimCols = append(claimCols, "QueueID")
	stmts = append(stmts,
		fmt.Sprintf(`CREATE INDEX IX_%s_Claim ON %s (%s)`, n.MetaData, n.MetaData, strings.Join(claimCols, ", ")),
		fmt.Sprintf(`CREATE UNIQUE INDEX IX_%s_JobName ON %s (JobName) WHERE JobName IS NOT NULL`, n.MetaData, n.MetaData),
		fmt.Sprintf(`CREATE INDEX IX_%s_Date ON %s (LastExceptionDate)`, n.MetaDataErrors, n.MetaDataErrors),
	)
	if o.EnableHeartBeat {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IX_%s_HeartBeat ON %s (Status, HeartBeat)`, n.MetaData, n.MetaData))
	}
	if o.EnableMessageExpiration {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IX_%s_Expiration ON %s (ExpirationTime)`, n.MetaData, n.MetaData))
	}
	return stmts
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

type nativeTime struct {
	v sql.NullTime
}

func (t *nativeTime) Scan(src any) error { return t.v.Scan(src) }

func (t *nativeTime) Time() time.Time {
	if !t.v.Valid {
		return time.Time{}
	}
	return t.v.Time.UTC()
}

func nativeTimeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
