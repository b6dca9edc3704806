package queue

import (
	"errors"
	"testing"
)

func TestOptionsValidate(t *testing.T) {
	relational := Capabilities{HoldTransaction: true, SQLFilters: true}
	cases := []struct {
		name string
		opts Options
		caps Capabilities
		ok   bool
	}{
		{"defaults", DefaultOptions(), Capabilities{}, true},
		{"heartbeat without status", Options{EnableHeartBeat: true}, relational, false},
		{"status table without status", Options{EnableStatusTable: true, EnableStatus: false, EnableHoldTransactionUntilMessageCommitted: true}, relational, false},
		{"no status without hold", Options{}, relational, false},
		{"hold on unsupported backend", Options{EnableHoldTransactionUntilMessageCommitted: true}, Capabilities{}, false},
		{"hold with status", Options{EnableStatus: true, EnableHoldTransactionUntilMessageCommitted: true}, relational, false},
		{"hold", Options{EnableHoldTransactionUntilMessageCommitted: true, EnablePriority: true}, relational, true},
		{"columns on kv store", Options{EnableStatus: true, AdditionalColumns: []Column{{Name: "Tenant", Type: "TEXT"}}}, Capabilities{}, false},
		{"columns", Options{EnableStatus: true, AdditionalColumns: []Column{{Name: "Tenant", Type: "NVARCHAR(64)", Nullable: true}}}, relational, true},
		{"reserved column", Options{EnableStatus: true, AdditionalColumns: []Column{{Name: "route", Type: "TEXT"}}}, relational, false},
		{"duplicate column", Options{EnableStatus: true, AdditionalColumns: []Column{{Name: "a", Type: "TEXT"}, {Name: "A", Type: "TEXT"}}}, relational, false},
		{"bad column name", Options{EnableStatus: true, AdditionalColumns: []Column{{Name: "a;drop", Type: "TEXT"}}}, relational, false},
		{"bad column type", Options{EnableStatus: true, AdditionalColumns: []Column{{Name: "a", Type: "TEXT); DROP"}}}, relational, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate(tc.caps)
			if tc.ok && err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidOptions) {
				t.Fatalf("err=%v, want ErrInvalidOptions", err)
			}
		})
	}
}

func TestOptionsCompatible(t *testing.T) {
	a := DefaultOptions()
	a.AdditionalColumns = []Column{{Name: "Tenant", Type: "TEXT"}}
	b := DefaultOptions()
	b.AdditionalColumns = []Column{{Name: "tenant", Type: "text"}}
	if err := a.Compatible(b); err != nil {
		t.Fatalf("case-insensitive columns: %v", err)
	}
	b.EnableRoute = true
	if err := a.Compatible(b); !errors.Is(err, ErrOptionsMismatch) {
		t.Fatalf("err=%v, want ErrOptionsMismatch", err)
	}
}

func TestOptionsEncodeDecode(t *testing.T) {
	o := DefaultOptions()
	o.EnableRoute = true
	raw, err := encodeOptions(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeOptions(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Equal(o) {
		t.Fatalf("decoded=%+v, want %+v", got, o)
	}
	if _, err := decodeOptions([]byte("{")); err == nil {
		t.Fatalf("expected error for truncated configuration")
	}
}

func TestNewTableNames(t *testing.T) {
	n, err := NewTableNames("orders")
	if err != nil {
		t.Fatalf("table names: %v", err)
	}
	if n.MetaData != "ordersMetaData" || n.Jobs != "ordersJobs" || len(n.All()) != 7 {
		t.Fatalf("names=%+v", n)
	}
	for _, bad := range []string{"", "1orders", "orders;", "a b"} {
		if _, err := NewTableNames(bad); !errors.Is(err, ErrInvalidQueueName) {
			t.Fatalf("name %q err=%v, want ErrInvalidQueueName", bad, err)
		}
	}
}
