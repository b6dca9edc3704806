package queue

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// celFilter is a compiled claim predicate for the document store. A
// disabled filter accepts every message.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

type celCandidate struct {
	route         string
	priority      uint8
	correlationID string
	queuedMs      int64
	headers       map[string]string
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("route", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("correlation_id", cel.StringType),
		cel.Variable("queued_ms", cel.IntType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

func (f celFilter) Eval(c celCandidate) bool {
	if !f.enabled {
		return true
	}
	headers := c.headers
	if headers == nil {
		headers = map[string]string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"route":          c.route,
		"priority":       int64(c.priority),
		"correlation_id": c.correlationID,
		"queued_ms":      c.queuedMs,
		"headers":        headers,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// celCache keeps compiled programs per expression text.
type celCache struct {
	mu    sync.Mutex
	progs map[string]celFilter
}

func (c *celCache) get(expr string) (celFilter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.progs[expr]; ok {
		return f, nil
	}
	f, err := newCELFilter(expr)
	if err != nil {
		return celFilter{}, fmt.Errorf("compile filter: %w", err)
	}
	if c.progs == nil {
		c.progs = make(map[string]celFilter)
	}
	c.progs[expr] = f
	return f, nil
}
