package queue

import (
	"strconv"
	"strings"
)

type clause struct {
	enabled bool
	text    string
	args    []any
}

// clauseBuilder collects optional SQL fragments in order. Fragments use ?
// placeholders; the dialect rebinds the finished statement.
type clauseBuilder struct {
	parts []clause
}

func (b *clauseBuilder) add(enabled bool, text string, args ...any) *clauseBuilder {
	b.parts = append(b.parts, clause{enabled: enabled, text: text, args: args})
	return b
}

func (b *clauseBuilder) join(sep string) (string, []any) {
	var sb strings.Builder
	var args []any
	n := 0
	for _, p := range b.parts {
		if !p.enabled {
			continue
		}
		if n > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(p.text)
		args = append(args, p.args...)
		n++
	}
	return sb.String(), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebindNumbered rewrites ? placeholders to prefix1, prefix2, ... Quoted
// literals are copied untouched.
func rebindNumbered(query, prefix string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			sb.WriteString(prefix)
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// claimWhere is the eligibility predicate for the meta table aliased as m.
func claimWhere(o Options, now any, req ReceiveRequest) (string, []any) {
	b := &clauseBuilder{}
	b.add(o.EnableStatus, "m.Status = ?", int(StatusWaiting))
	b.add(o.EnableHeartBeat, "m.HeartBeat IS NULL")
	b.add(o.EnableDelayedProcessing, "(m.QueueProcessTime IS NULL OR m.QueueProcessTime <= ?)", now)
	b.add(o.EnableMessageExpiration, "(m.ExpirationTime IS NULL OR m.ExpirationTime > ?)", now)
	routes := make([]any, 0, len(req.Routes))
	for _, r := range req.Routes {
		routes = append(routes, r)
	}
	b.add(o.EnableRoute && len(routes) > 0, "m.Route IN ("+placeholders(len(routes))+")", routes...)
	if req.Filter != nil && strings.TrimSpace(req.Filter.Clause) != "" {
		b.add(true, "("+req.Filter.Clause+")", req.Filter.Args...)
	}
	where, args := b.join(" AND ")
	if where == "" {
		where = "1 = 1"
	}
	return where, args
}

func claimOrder(o Options) string {
	b := &clauseBuilder{}
	b.add(o.EnableStatus, "m.Status ASC")
	b.add(o.EnablePriority, "m.Priority ASC")
	b.add(o.EnableDelayedProcessing, "m.QueueProcessTime ASC")
	b.add(o.EnableMessageExpiration, "m.ExpirationTime ASC")
	b.add(true, "m.QueueID ASC")
	order, _ := b.join(", ")
	return order
}

// claimSet is the assignment applied to the claimed row.
func claimSet(o Options, now any) (string, []any) {
	b := &clauseBuilder{}
	b.add(o.EnableStatus, "Status = ?", int(StatusProcessing))
	b.add(o.EnableHeartBeat, "HeartBeat = ?", now)
	return b.join(", ")
}

type claimCacheKey struct {
	hold   bool
	routes int
}
