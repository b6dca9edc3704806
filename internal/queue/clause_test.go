package queue

import (
	"strings"
	"testing"
)

func TestClaimWhere_FlagsGateClauses(t *testing.T) {
	cases := []struct {
		name     string
		opts     Options
		req      ReceiveRequest
		want     string
		wantArgs int
	}{
		{
			name: "nothing enabled",
			opts: Options{},
			want: "1 = 1",
		},
		{
			name:     "defaults",
			opts:     DefaultOptions(),
			want:     "m.Status = ? AND m.HeartBeat IS NULL AND (m.QueueProcessTime IS NULL OR m.QueueProcessTime <= ?) AND (m.ExpirationTime IS NULL OR m.ExpirationTime > ?)",
			wantArgs: 3,
		},
		{
			name:     "routes ignored when route disabled",
			opts:     Options{EnableStatus: true},
			req:      ReceiveRequest{Routes: []string{"a"}},
			want:     "m.Status = ?",
			wantArgs: 1,
		},
		{
			name:     "routes and filter",
			opts:     Options{EnableStatus: true, EnableRoute: true},
			req:      ReceiveRequest{Routes: []string{"a", "b"}, Filter: &SQLFilter{Clause: "m.Tenant = ?", Args: []any{"acme"}}},
			want:     "m.Status = ? AND m.Route IN (?, ?) AND (m.Tenant = ?)",
			wantArgs: 4,
		},
		{
			name:     "empty route list omits predicate",
			opts:     Options{EnableStatus: true, EnableRoute: true},
			req:      ReceiveRequest{Routes: []string{}},
			want:     "m.Status = ?",
			wantArgs: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, args := claimWhere(tc.opts, "NOW", tc.req)
			if got != tc.want {
				t.Fatalf("where=%q\nwant  %q", got, tc.want)
			}
			if len(args) != tc.wantArgs {
				t.Fatalf("args=%v, want %d", args, tc.wantArgs)
			}
		})
	}
}

func TestClaimOrder(t *testing.T) {
	if got := claimOrder(Options{}); got != "m.QueueID ASC" {
		t.Fatalf("order=%q", got)
	}
	got := claimOrder(DefaultOptions())
	want := "m.Status ASC, m.Priority ASC, m.QueueProcessTime ASC, m.ExpirationTime ASC, m.QueueID ASC"
	if got != want {
		t.Fatalf("order=%q, want %q", got, want)
	}
}

func TestClaimSet(t *testing.T) {
	set, args := claimSet(Options{EnableStatus: true, EnableHeartBeat: true}, "NOW")
	if set != "Status = ?, HeartBeat = ?" {
		t.Fatalf("set=%q", set)
	}
	if len(args) != 2 || args[0] != int(StatusProcessing) || args[1] != "NOW" {
		t.Fatalf("args=%v", args)
	}
	if set, _ := claimSet(Options{}, "NOW"); set != "" {
		t.Fatalf("set=%q, want empty", set)
	}
}

func TestRebindNumbered(t *testing.T) {
	got := rebindNumbered(`SELECT '?' FROM t WHERE a = ? AND b IN (?, ?)`, "$")
	want := `SELECT '?' FROM t WHERE a = $1 AND b IN ($2, $3)`
	if got != want {
		t.Fatalf("rebind=%q, want %q", got, want)
	}
	if got := rebindNumbered("x = ?", "@p"); got != "x = @p1" {
		t.Fatalf("rebind=%q", got)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(0); got != "" {
		t.Fatalf("placeholders(0)=%q", got)
	}
	if got := placeholders(3); got != "?, ?, ?" {
		t.Fatalf("placeholders(3)=%q", got)
	}
}

func TestDialectClaimSQL(t *testing.T) {
	names, err := NewTableNames("orders")
	if err != nil {
		t.Fatalf("table names: %v", err)
	}
	cases := []struct {
		name    string
		d       sqlDialect
		hold    bool
		markers []string
	}{
		{"postgres", postgresDialect{}, false, []string{"FOR UPDATE SKIP LOCKED", "RETURNING", "ordersMetaData"}},
		{"postgres hold", postgresDialect{}, true, []string{"FOR UPDATE SKIP LOCKED"}},
		{"sqlserver", sqlServerDialect{}, false, []string{"UPDLOCK", "READPAST", "OUTPUT inserted.QueueID"}},
		{"sqlite", sqliteDialect{}, false, []string{"LIMIT 1", "RETURNING QueueID"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := tc.d.claimSQL(names, "Status = ?", "m.Status = ?", "m.QueueID ASC", tc.hold)
			for _, m := range tc.markers {
				if !strings.Contains(q, m) {
					t.Fatalf("claim sql missing %q:\n%s", m, q)
				}
			}
		})
	}
}
