package queue

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	mssql "github.com/microsoft/go-mssqldb"
)

func TestNewSQLServerStore_EmptyDSN(t *testing.T) {
	_, err := NewSQLServerStore("", "orders", DefaultOptions())
	if err == nil || !strings.Contains(err.Error(), "empty sqlserver dsn") {
		t.Fatalf("err=%v, want empty sqlserver dsn", err)
	}
}

func TestSQLServerDialect_Rebind(t *testing.T) {
	got := sqlServerDialect{}.rebind(`SELECT 1 WHERE a = ? AND b = ?`)
	if got != `SELECT 1 WHERE a = @p1 AND b = @p2` {
		t.Fatalf("rebind=%q", got)
	}
}

func TestSQLServerDialect_UniqueViolation(t *testing.T) {
	d := sqlServerDialect{}
	for _, n := range []int32{2627, 2601} {
		if !d.isUniqueViolation(mssql.Error{Number: n}) {
			t.Fatalf("error %d not detected", n)
		}
	}
	if d.isUniqueViolation(mssql.Error{Number: 1205}) || d.isUniqueViolation(errors.New("x")) {
		t.Fatalf("false positive")
	}
}

func TestSQLServerStore_HoldTransaction(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("WORKQ_TEST_SQLSERVER_DSN"))
	if dsn == "" {
		t.Skip("WORKQ_TEST_SQLSERVER_DSN not set")
	}
	ctx := context.Background()
	opts := Options{EnableHoldTransactionUntilMessageCommitted: true, EnablePriority: true}
	s, err := NewSQLServerStore(dsn, testQueueName(), opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	createForTest(t, s, true)

	id := mustSend(t, s, OutboundMessage{Body: []byte("a")})
	got := mustReceive(t, s, ReceiveRequest{})
	if got.ID != id {
		t.Fatalf("receive=%s, want %s", got.ID, id)
	}
	mustReceiveNothing(t, s, ReceiveRequest{})
	if ok, err := s.Commit(ctx, id); err != nil || !ok {
		t.Fatalf("commit ok=%v err=%v", ok, err)
	}
	mustReceiveNothing(t, s, ReceiveRequest{})
}
