package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type storeFactory struct {
	name string
	new  func(t *testing.T, now *time.Time, opts Options) Store
}

func contractOptions() Options {
	o := DefaultOptions()
	o.EnableRoute = true
	o.EnableStatusTable = true
	return o
}

func testQueueName() string {
	return "q" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// createForTest creates the queue and removes it again on cleanup for
// backends that outlive the test.
func createForTest(t *testing.T, s Store, shared bool) Store {
	t.Helper()
	if err := s.CreateQueue(context.Background()); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() {
		if shared {
			_ = s.RemoveQueue(context.Background())
		}
		_ = s.Close()
	})
	return s
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "sqlite",
			new: func(t *testing.T, now *time.Time, opts Options) Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "workq.db")
				s, err := NewSQLiteStore(dbPath, "contract", opts,
					WithSQLiteNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				return createForTest(t, s, false)
			},
		},
		{
			name: "pebble",
			new: func(t *testing.T, now *time.Time, opts Options) Store {
				t.Helper()
				s, err := NewPebbleStore("", "contract", opts,
					WithPebbleInMemory(),
					WithPebbleNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new pebble store: %v", err)
				}
				return createForTest(t, s, false)
			},
		},
		{
			name: "redis",
			new: func(t *testing.T, now *time.Time, opts Options) Store {
				t.Helper()
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				s, err := NewRedisStore(client, "contract", opts,
					WithRedisNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new redis store: %v", err)
				}
				return createForTest(t, s, false)
			},
		},
	}

	if dsn := strings.TrimSpace(os.Getenv("WORKQ_TEST_POSTGRES_DSN")); dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, now *time.Time, opts Options) Store {
				t.Helper()
				s, err := NewPostgresStore(dsn, testQueueName(), opts,
					WithPostgresNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new postgres store: %v", err)
				}
				return createForTest(t, s, true)
			},
		})
	}
	if dsn := strings.TrimSpace(os.Getenv("WORKQ_TEST_SQLSERVER_DSN")); dsn != "" {
		out = append(out, storeFactory{
			name: "sqlserver",
			new: func(t *testing.T, now *time.Time, opts Options) Store {
				t.Helper()
				s, err := NewSQLServerStore(dsn, testQueueName(), opts,
					WithSQLServerNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new sqlserver store: %v", err)
				}
				return createForTest(t, s, true)
			},
		})
	}
	return out
}

// heldSQLiteDialect runs sqlite with plain database/sql transactions so the
// held-claim path can be exercised without a database server.
type heldSQLiteDialect struct{ sqliteDialect }

func (heldSQLiteDialect) begin(ctx context.Context, db *sql.DB) (sqlTx, error) {
	return db.BeginTx(ctx, nil)
}

func (d heldSQLiteDialect) claimSQL(n TableNames, set, where, order string, hold bool) string {
	if !hold {
		return d.sqliteDialect.claimSQL(n, set, where, order, hold)
	}
	return fmt.Sprintf(`SELECT m.QueueID FROM %s m WHERE %s ORDER BY %s LIMIT 1`, n.MetaData, where, order)
}

func holdOptions() Options {
	return Options{
		EnableDelayedProcessing:                    true,
		EnablePriority:                             true,
		EnableHoldTransactionUntilMessageCommitted: true,
	}
}

// holdStoreFactories returns backends that can keep the claim transaction
// open until the message is finished.
func holdStoreFactories() []storeFactory {
	out := []storeFactory{{
		name: "sqlite-held",
		new: func(t *testing.T, now *time.Time, opts Options) Store {
			t.Helper()
			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "held.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			db.SetMaxOpenConns(1)
			if err := initSQLite(db); err != nil {
				t.Fatalf("init sqlite: %v", err)
			}
			s, err := newSQLStore(db, heldSQLiteDialect{}, "held", opts, Capabilities{HoldTransaction: true, SQLFilters: true})
			if err != nil {
				t.Fatalf("new held store: %v", err)
			}
			s.nowFn = func() time.Time { return now.UTC() }
			return createForTest(t, s, false)
		},
	}}
	for _, f := range contractStoreFactories() {
		if f.name == "postgres" || f.name == "sqlserver" {
			out = append(out, f)
		}
	}
	return out
}

func relationalBase(t *testing.T, s Store) *sqlStore {
	t.Helper()
	switch v := s.(type) {
	case *sqlStore:
		return v
	case *SQLiteStore:
		return v.sqlStore
	case *PostgresStore:
		return v.sqlStore
	case *SQLServerStore:
		return v.sqlStore
	}
	t.Fatalf("store %T is not relational", s)
	return nil
}

func mustSend(t *testing.T, s Store, msg OutboundMessage) MessageID {
	t.Helper()
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	id, err := s.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatalf("send returned empty id")
	}
	return id
}

func mustReceive(t *testing.T, s Store, req ReceiveRequest) *ClaimedMessage {
	t.Helper()
	got, err := s.Receive(context.Background(), req)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got == nil {
		t.Fatalf("receive returned nothing")
	}
	return got
}

func mustReceiveNothing(t *testing.T, s Store, req ReceiveRequest) {
	t.Helper()
	got, err := s.Receive(context.Background(), req)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got != nil {
		t.Fatalf("receive=%s, want nothing", got.ID)
	}
}

func TestStoreContract_SendReceiveCommit(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			first := mustSend(t, store, OutboundMessage{Body: []byte("one"), Headers: map[string]string{"k": "v"}, CorrelationID: "c-1"})
			second := mustSend(t, store, OutboundMessage{Body: []byte("two")})

			got := mustReceive(t, store, ReceiveRequest{})
			if got.ID != first {
				t.Fatalf("first receive id=%s, want %s", got.ID, first)
			}
			if string(got.Body) != "one" || got.CorrelationID != "c-1" {
				t.Fatalf("claimed body=%q correlation=%q", got.Body, got.CorrelationID)
			}
			if h := decodeHeadersLenient(got.RawHeaders); h["k"] != "v" {
				t.Fatalf("headers=%v, want k=v", h)
			}
			if !got.HeartBeat.Equal(now) {
				t.Fatalf("heartbeat=%v, want %v", got.HeartBeat, now)
			}

			st, err := store.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if st.Total != 2 || st.ByStatus[StatusProcessing] != 1 {
				t.Fatalf("stats=%+v, want total=2 processing=1", st)
			}

			ok, err := store.Commit(ctx, got.ID)
			if err != nil || !ok {
				t.Fatalf("commit ok=%v err=%v", ok, err)
			}
			ok, err = store.Commit(ctx, got.ID)
			if err != nil || ok {
				t.Fatalf("second commit ok=%v err=%v, want false", ok, err)
			}

			got = mustReceive(t, store, ReceiveRequest{})
			if got.ID != second {
				t.Fatalf("second receive id=%s, want %s", got.ID, second)
			}
			if ok, err := store.Commit(ctx, got.ID); err != nil || !ok {
				t.Fatalf("commit second ok=%v err=%v", ok, err)
			}
			mustReceiveNothing(t, store, ReceiveRequest{})

			st, err = store.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if st.Total != 0 {
				t.Fatalf("total=%d, want 0", st.Total)
			}
		})
	}
}

func TestStoreContract_PriorityOrder(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			low := mustSend(t, store, OutboundMessage{Body: []byte("low"), Priority: 5})
			high := mustSend(t, store, OutboundMessage{Body: []byte("high"), Priority: 1})

			if got := mustReceive(t, store, ReceiveRequest{}); got.ID != high {
				t.Fatalf("first=%s, want high priority %s", got.ID, high)
			}
			if got := mustReceive(t, store, ReceiveRequest{}); got.ID != low {
				t.Fatalf("second=%s, want %s", got.ID, low)
			}
		})
	}
}

func TestStoreContract_DelayedProcessing(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			id := mustSend(t, store, OutboundMessage{Body: []byte("later"), Delay: time.Minute})
			mustReceiveNothing(t, store, ReceiveRequest{})

			now = now.Add(61 * time.Second)
			if got := mustReceive(t, store, ReceiveRequest{}); got.ID != id {
				t.Fatalf("receive=%s, want %s", got.ID, id)
			}
		})
	}
}

func TestStoreContract_ProcessTimeOrdersBeforeExpiration(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			later := mustSend(t, store, OutboundMessage{Body: []byte("later"), Delay: 20 * time.Second, Expiration: time.Hour})
			sooner := mustSend(t, store, OutboundMessage{Body: []byte("sooner"), Delay: 10 * time.Second, Expiration: 2 * time.Hour})
			now = now.Add(30 * time.Second)

			first := mustReceive(t, store, ReceiveRequest{})
			if first.ID != sooner {
				t.Fatalf("first=%s, want %s due earlier", first.ID, sooner)
			}
			second := mustReceive(t, store, ReceiveRequest{})
			if second.ID != later {
				t.Fatalf("second=%s, want %s", second.ID, later)
			}
			if ok, err := store.Commit(ctx, later); err != nil || !ok {
				t.Fatalf("commit ok=%v err=%v", ok, err)
			}

			ok, err := store.Rollback(ctx, RollbackRequest{ID: sooner, LastHeartBeat: first.HeartBeat, IncreaseDelay: 5 * time.Second})
			if err != nil || !ok {
				t.Fatalf("rollback ok=%v err=%v", ok, err)
			}
			fresh := mustSend(t, store, OutboundMessage{Body: []byte("fresh")})
			now = now.Add(10 * time.Second)
			if got := mustReceive(t, store, ReceiveRequest{}); got.ID != fresh {
				t.Fatalf("after rollback=%s, want %s", got.ID, fresh)
			}
			if got := mustReceive(t, store, ReceiveRequest{}); got.ID != sooner {
				t.Fatalf("after rollback=%s, want %s", got.ID, sooner)
			}
		})
	}
}

func TestStoreContract_ExpiredMessagesAreSkippedAndSwept(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			id := mustSend(t, store, OutboundMessage{Body: []byte("stale"), Expiration: time.Minute})
			keep := mustSend(t, store, OutboundMessage{Body: []byte("fresh")})

			now = now.Add(2 * time.Minute)
			expired, err := store.FindExpiredMessagesToDelete(ctx)
			if err != nil {
				t.Fatalf("find expired: %v", err)
			}
			if len(expired) != 1 || expired[0] != id {
				t.Fatalf("expired=%v, want [%s]", expired, id)
			}
			if got := mustReceive(t, store, ReceiveRequest{}); got.ID != keep {
				t.Fatalf("receive=%s, want %s", got.ID, keep)
			}
			n, err := store.Delete(ctx, id)
			if err != nil || n == 0 {
				t.Fatalf("delete n=%d err=%v", n, err)
			}
			mustReceiveNothing(t, store, ReceiveRequest{})
		})
	}
}

func TestStoreContract_RouteFilter(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			mustSend(t, store, OutboundMessage{Body: []byte("a"), Route: "billing"})
			b := mustSend(t, store, OutboundMessage{Body: []byte("b"), Route: "shipping"})

			got := mustReceive(t, store, ReceiveRequest{Routes: []string{"shipping", "returns"}})
			if got.ID != b || got.Route != "shipping" {
				t.Fatalf("receive id=%s route=%q, want %s shipping", got.ID, got.Route, b)
			}
			mustReceiveNothing(t, store, ReceiveRequest{Routes: []string{"shipping"}})
		})
	}
}

func TestStoreContract_RollbackChecksHeartBeat(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			id := mustSend(t, store, OutboundMessage{Body: []byte("x")})
			got := mustReceive(t, store, ReceiveRequest{})

			ok, err := store.Rollback(ctx, RollbackRequest{ID: id, LastHeartBeat: got.HeartBeat.Add(5 * time.Second)})
			if err != nil || ok {
				t.Fatalf("stale rollback ok=%v err=%v, want false", ok, err)
			}
			ok, err = store.Rollback(ctx, RollbackRequest{ID: id, LastHeartBeat: got.HeartBeat.Add(300 * time.Millisecond)})
			if err != nil || !ok {
				t.Fatalf("rollback ok=%v err=%v, want true", ok, err)
			}
			ok, err = store.Rollback(ctx, RollbackRequest{ID: id, LastHeartBeat: got.HeartBeat})
			if err != nil || ok {
				t.Fatalf("rollback of waiting message ok=%v err=%v, want false", ok, err)
			}
			if again := mustReceive(t, store, ReceiveRequest{}); again.ID != id {
				t.Fatalf("receive after rollback=%s, want %s", again.ID, id)
			}
		})
	}
}

func TestStoreContract_RollbackWithDelay(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			id := mustSend(t, store, OutboundMessage{Body: []byte("x")})
			got := mustReceive(t, store, ReceiveRequest{})
			ok, err := store.Rollback(ctx, RollbackRequest{ID: id, LastHeartBeat: got.HeartBeat, IncreaseDelay: 30 * time.Second})
			if err != nil || !ok {
				t.Fatalf("rollback ok=%v err=%v", ok, err)
			}
			mustReceiveNothing(t, store, ReceiveRequest{})
			now = now.Add(31 * time.Second)
			if again := mustReceive(t, store, ReceiveRequest{}); again.ID != id {
				t.Fatalf("receive=%s, want %s", again.ID, id)
			}
		})
	}
}

func TestStoreContract_HeartBeatAndReset(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			id := mustSend(t, store, OutboundMessage{Body: []byte("x"), Headers: map[string]string{"tenant": "acme"}})
			mustReceive(t, store, ReceiveRequest{})

			now = now.Add(10 * time.Second)
			hb, err := store.SendHeartBeat(ctx, id)
			if err != nil {
				t.Fatalf("heartbeat: %v", err)
			}
			if !hb.Equal(now) {
				t.Fatalf("heartbeat=%v, want %v", hb, now)
			}

			now = now.Add(20 * time.Second)
			reset, err := store.ResetHeartBeat(ctx, 30*time.Second)
			if err != nil {
				t.Fatalf("reset: %v", err)
			}
			if len(reset) != 0 {
				t.Fatalf("reset=%v, want none inside the window", reset)
			}

			now = now.Add(20 * time.Second)
			reset, err = store.ResetHeartBeat(ctx, 30*time.Second)
			if err != nil {
				t.Fatalf("reset: %v", err)
			}
			if len(reset) != 1 || reset[0].ID != id {
				t.Fatalf("reset=%v, want [%s]", reset, id)
			}
			if reset[0].Headers["tenant"] != "acme" {
				t.Fatalf("reset headers=%v, want tenant=acme", reset[0].Headers)
			}
			if !reset[0].HeartBeat.Equal(hb) {
				t.Fatalf("reset heartbeat=%v, want %v", reset[0].HeartBeat, hb)
			}

			hb, err = store.SendHeartBeat(ctx, id)
			if err != nil || !hb.IsZero() {
				t.Fatalf("heartbeat on waiting message=%v err=%v, want zero", hb, err)
			}
			if got := mustReceive(t, store, ReceiveRequest{}); got.ID != id {
				t.Fatalf("receive after reset=%s, want %s", got.ID, id)
			}
		})
	}
}

func TestStoreContract_ErrorPath(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			id := mustSend(t, store, OutboundMessage{Body: []byte("bad")})
			mustReceive(t, store, ReceiveRequest{})

			for want := 1; want <= 2; want++ {
				n, err := store.SetErrorCount(ctx, id, "timeout")
				if err != nil {
					t.Fatalf("set error count: %v", err)
				}
				if n != want {
					t.Fatalf("error count=%d, want %d", n, want)
				}
			}
			if n, err := store.GetErrorCount(ctx, id, "timeout"); err != nil || n != 2 {
				t.Fatalf("get error count=%d err=%v, want 2", n, err)
			}
			if n, err := store.GetErrorCount(ctx, id, "other"); err != nil || n != 0 {
				t.Fatalf("get other count=%d err=%v, want 0", n, err)
			}

			ok, err := store.MoveToError(ctx, id, errors.New("boom"))
			if err != nil || !ok {
				t.Fatalf("move to error ok=%v err=%v", ok, err)
			}
			ok, err = store.MoveToError(ctx, id, errors.New("boom"))
			if err != nil || ok {
				t.Fatalf("second move ok=%v err=%v, want false", ok, err)
			}
			mustReceiveNothing(t, store, ReceiveRequest{})

			st, err := store.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if st.Errors != 1 || st.Total != 0 {
				t.Fatalf("stats=%+v, want errors=1 total=0", st)
			}

			old, err := store.FindErrorMessagesToDelete(ctx, time.Hour)
			if err != nil || len(old) != 0 {
				t.Fatalf("young errors=%v err=%v, want none", old, err)
			}
			now = now.Add(2 * time.Hour)
			old, err = store.FindErrorMessagesToDelete(ctx, time.Hour)
			if err != nil {
				t.Fatalf("find errors: %v", err)
			}
			if len(old) != 1 || old[0] != id {
				t.Fatalf("old errors=%v, want [%s]", old, id)
			}
			ok, err = store.DeleteErrorMessage(ctx, id)
			if err != nil || !ok {
				t.Fatalf("delete error ok=%v err=%v", ok, err)
			}
			st, err = store.Stats(ctx)
			if err != nil || st.Errors != 0 {
				t.Fatalf("stats=%+v err=%v, want no errors", st, err)
			}
		})
	}
}

func TestStoreContract_JobDedupe(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			run := now.Add(-time.Minute)
			job := &JobSchedule{Name: "nightly", ScheduledTime: run, EventTime: now}
			id := mustSend(t, store, OutboundMessage{Body: []byte("job"), Job: job})

			_, err := store.Send(ctx, OutboundMessage{Body: []byte("dup"), CorrelationID: "dup", Job: job})
			if !errors.Is(err, ErrJobAlreadyQueued) {
				t.Fatalf("duplicate send err=%v, want ErrJobAlreadyQueued", err)
			}
			if st, err := store.DoesJobExist(ctx, "nightly", run); err != nil || st != StatusWaiting {
				t.Fatalf("job status=%v err=%v, want waiting", st, err)
			}
			ev, err := store.GetJobLastKnownEvent(ctx, "nightly")
			if err != nil || !ev.Equal(now) {
				t.Fatalf("last event=%v err=%v, want %v", ev, err, now)
			}

			got := mustReceive(t, store, ReceiveRequest{})
			if got.ID != id {
				t.Fatalf("receive=%s, want %s", got.ID, id)
			}
			if ok, err := store.Commit(ctx, id); err != nil || !ok {
				t.Fatalf("commit ok=%v err=%v", ok, err)
			}
			if st, err := store.DoesJobExist(ctx, "nightly", run); err != nil || st != StatusProcessed {
				t.Fatalf("job status=%v err=%v, want processed", st, err)
			}
			next := run.Add(time.Hour)
			if st, err := store.DoesJobExist(ctx, "nightly", next); err != nil || st != StatusNotQueued {
				t.Fatalf("next run status=%v err=%v, want not queued", st, err)
			}
			mustSend(t, store, OutboundMessage{Body: []byte("job"), Job: &JobSchedule{Name: "nightly", ScheduledTime: next, EventTime: now}})
			if st, err := store.DoesJobExist(ctx, "unknown", run); err != nil || st != StatusNotQueued {
				t.Fatalf("unknown job status=%v err=%v", st, err)
			}
		})
	}
}

func TestStoreContract_DeleteCascades(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			id := mustSend(t, store, OutboundMessage{Body: []byte("x")})
			mustReceive(t, store, ReceiveRequest{})
			if _, err := store.SetErrorCount(ctx, id, "e"); err != nil {
				t.Fatalf("set error count: %v", err)
			}
			n, err := store.Delete(ctx, id)
			if err != nil || n == 0 {
				t.Fatalf("delete n=%d err=%v", n, err)
			}
			if n, err := store.GetErrorCount(ctx, id, "e"); err != nil || n != 0 {
				t.Fatalf("error count after delete=%d err=%v", n, err)
			}
			if n, err := store.Delete(ctx, id); err != nil || n != 0 {
				t.Fatalf("second delete n=%d err=%v, want 0", n, err)
			}
			if ok, err := store.Commit(ctx, id); err != nil || ok {
				t.Fatalf("commit deleted ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestStoreContract_QueueLifecycle(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())

			if err := store.CreateQueue(ctx); !errors.Is(err, ErrQueueExists) {
				t.Fatalf("second create err=%v, want ErrQueueExists", err)
			}
			if err := Open(ctx, store); err != nil {
				t.Fatalf("open: %v", err)
			}
			stored, err := store.StoredOptions(ctx)
			if err != nil {
				t.Fatalf("stored options: %v", err)
			}
			if !stored.Equal(contractOptions()) {
				t.Fatalf("stored=%+v, want %+v", stored, contractOptions())
			}
			if err := store.RemoveQueue(ctx); err != nil {
				t.Fatalf("remove: %v", err)
			}
			exists, err := store.QueueExists(ctx)
			if err != nil || exists {
				t.Fatalf("exists=%v err=%v after remove", exists, err)
			}
			if err := Open(ctx, store); !errors.Is(err, ErrQueueNotFound) {
				t.Fatalf("open removed err=%v, want ErrQueueNotFound", err)
			}
			if err := EnsureQueue(ctx, store); err != nil {
				t.Fatalf("ensure: %v", err)
			}
		})
	}
}

func TestStoreContract_ConcurrentReceiveClaimsOnce(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())
			const total = 24
			for i := 0; i < total; i++ {
				mustSend(t, store, OutboundMessage{Body: []byte("m")})
			}

			consumer := NewConsumer(store)
			var (
				mu   sync.Mutex
				seen = map[MessageID]int{}
				wg   sync.WaitGroup
				errs = make(chan error, 4)
			)
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						msg, err := consumer.Receive(context.Background())
						if err != nil {
							errs <- err
							return
						}
						if msg == nil {
							return
						}
						mu.Lock()
						seen[msg.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("receive: %v", err)
			}
			if len(seen) != total {
				t.Fatalf("claimed %d distinct messages, want %d", len(seen), total)
			}
			for id, n := range seen {
				if n != 1 {
					t.Fatalf("message %s claimed %d times", id, n)
				}
			}
		})
	}
}

func TestStoreContract_HeldClaimOutlivesReceiveContext(t *testing.T) {
	for _, factory := range holdStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
			s := factory.new(t, &now, holdOptions())
			id := mustSend(t, s, OutboundMessage{Body: []byte("held")})

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			claimed, err := s.Receive(ctx, ReceiveRequest{})
			if err != nil || claimed == nil || claimed.ID != id {
				t.Fatalf("receive claimed=%v err=%v", claimed, err)
			}
			cancel()
			time.Sleep(20 * time.Millisecond)

			ok, err := s.Commit(context.Background(), id)
			if err != nil || !ok {
				t.Fatalf("commit after receive ctx ended ok=%v err=%v", ok, err)
			}
			st, err := s.Stats(context.Background())
			if err != nil || st.Total != 0 {
				t.Fatalf("stats=%+v err=%v, want empty queue", st, err)
			}
		})
	}
}

func TestStoreContract_HeldPoisonMovesToError(t *testing.T) {
	for _, factory := range holdStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
			s := factory.new(t, &now, holdOptions())
			id := mustSend(t, s, OutboundMessage{Body: []byte("lost body")})

			base := relationalBase(t, s)
			raw, _ := id.Int64()
			if _, err := base.db.Exec(base.q(fmt.Sprintf(`DELETE FROM %s WHERE QueueID = ?`, base.names.Queue)), raw); err != nil {
				t.Fatalf("delete queue row: %v", err)
			}

			_, err := s.Receive(context.Background(), ReceiveRequest{})
			var poison *PoisonMessageError
			if !errors.As(err, &poison) || poison.ID != id {
				t.Fatalf("err=%v, want poison for %s", err, id)
			}
			ok, err := s.MoveToError(context.Background(), id, poison)
			if err != nil || !ok {
				t.Fatalf("move poison ok=%v err=%v", ok, err)
			}
			st, err := s.Stats(context.Background())
			if err != nil || st.Total != 0 || st.Errors != 1 {
				t.Fatalf("stats=%+v err=%v, want one error record", st, err)
			}
		})
	}
}

func TestStoreContract_MoveToErrorAfterDelete(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
			s := factory.new(t, &now, contractOptions())
			id := mustSend(t, s, OutboundMessage{Body: []byte("x")})
			mustReceive(t, s, ReceiveRequest{})

			if n, err := s.Delete(ctx, id); err != nil || n == 0 {
				t.Fatalf("delete n=%d err=%v", n, err)
			}
			ok, err := s.MoveToError(ctx, id, errors.New("handler failed"))
			if err != nil || ok {
				t.Fatalf("move deleted message ok=%v err=%v, want false nil", ok, err)
			}
			st, err := s.Stats(ctx)
			if err != nil || st.Errors != 0 || st.Total != 0 {
				t.Fatalf("stats=%+v err=%v, want nothing left", st, err)
			}
		})
	}
}

func TestStoreContract_ClosedStoreRejectsOperations(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
			s := factory.new(t, &now, contractOptions())
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("second close: %v", err)
			}
			if _, err := s.Send(context.Background(), OutboundMessage{Body: []byte("x"), CorrelationID: "c"}); !errors.Is(err, ErrStoreClosed) {
				t.Fatalf("send err=%v, want ErrStoreClosed", err)
			}
			if _, err := s.Receive(context.Background(), ReceiveRequest{}); !errors.Is(err, ErrStoreClosed) {
				t.Fatalf("receive err=%v, want ErrStoreClosed", err)
			}
			if _, err := s.Stats(context.Background()); !errors.Is(err, ErrStoreClosed) {
				t.Fatalf("stats err=%v, want ErrStoreClosed", err)
			}
		})
	}
}

// TestEngine_FailedMessageLifecycle follows one message from send through a
// failed attempt into the error table and out again via the age sweep.
func TestEngine_FailedMessageLifecycle(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
			store := factory.new(t, &now, contractOptions())
			producer := NewProducer(store)
			consumer := NewConsumer(store)

			id, err := producer.Send(ctx, []byte("charge card"), AdditionalData{Route: "billing"})
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			msg, err := consumer.Receive(ctx, "billing")
			if err != nil || msg == nil || msg.ID != id || string(msg.Body) != "charge card" {
				t.Fatalf("receive msg=%+v err=%v", msg, err)
			}
			claimedAt := msg.HeartBeat()

			now = now.Add(5 * time.Second)
			hb, err := consumer.SendHeartBeat(ctx, msg)
			if err != nil || !hb.After(claimedAt) || !msg.HeartBeat().Equal(hb) {
				t.Fatalf("heartbeat=%v claimed=%v err=%v", hb, claimedAt, err)
			}

			cause := errors.New("card declined")
			count, err := consumer.SetErrorCount(ctx, msg.ID, ErrorType(cause))
			if err != nil || count != 1 {
				t.Fatalf("error count=%d err=%v, want 1", count, err)
			}
			if ok, err := consumer.MoveToError(ctx, msg.ID, cause); err != nil || !ok {
				t.Fatalf("move to error ok=%v err=%v", ok, err)
			}
			st, err := consumer.Stats(ctx)
			if err != nil || st.Total != 0 || st.Errors != 1 {
				t.Fatalf("stats after failure=%+v err=%v", st, err)
			}
			if again, err := consumer.Receive(ctx, "billing"); err != nil || again != nil {
				t.Fatalf("failed message claimable again msg=%v err=%v", again, err)
			}

			if n, err := consumer.ClearErrorMessages(ctx, time.Hour); err != nil || n != 0 {
				t.Fatalf("early sweep removed=%d err=%v, want 0", n, err)
			}
			now = now.Add(2 * time.Hour)
			if n, err := consumer.ClearErrorMessages(ctx, time.Hour); err != nil || n != 1 {
				t.Fatalf("sweep removed=%d err=%v, want 1", n, err)
			}
			st, err = consumer.Stats(ctx)
			if err != nil || st.Errors != 0 {
				t.Fatalf("stats after sweep=%+v err=%v", st, err)
			}
		})
	}
}
