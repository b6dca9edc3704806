package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

const defaultServerTimeRefresh = time.Minute

// serverClock follows the database clock by applying a sampled skew to the
// local clock.
type serverClock struct {
	db      *sql.DB
	query   string
	refresh time.Duration
	local   func() time.Time

	mu        sync.Mutex
	skew      time.Duration
	sampledAt time.Time
}

func newServerClock(db *sql.DB, query string, refresh time.Duration, local func() time.Time) *serverClock {
	if refresh <= 0 {
		refresh = defaultServerTimeRefresh
	}
	return &serverClock{db: db, query: query, refresh: refresh, local: local}
}

func (c *serverClock) now() time.Time {
	local := c.local()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sampledAt.IsZero() || local.Sub(c.sampledAt) >= c.refresh {
		if skew, err := c.sample(); err == nil {
			c.skew = skew
			c.sampledAt = local
		}
	}
	return local.Add(c.skew)
}

func (c *serverClock) sample() (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	before := c.local()
	var server time.Time
	if err := c.db.QueryRowContext(ctx, c.query).Scan(&server); err != nil {
		return 0, err
	}
	after := c.local()
	mid := before.Add(after.Sub(before) / 2)
	return server.Sub(mid), nil
}
