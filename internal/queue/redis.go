package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisNoExpiration = 9999999999999
	redisPriorityStep = 1e13
	redisResetBatch   = 500
)

// RedisStore keeps each queue under one hash tag so every script touches a
// single cluster slot. Claims run as Lua scripts and are atomic on the
// server.
//
// Ready messages live in a sorted set scored by priority then process time.
// Members are the zero-padded expiration followed by the zero-padded id, so
// equal scores fall back to expiration and then id in lexical order. Delayed
// messages wait in a second set scored by process time and are promoted on
// every claim.
type RedisStore struct {
	client redis.UniversalClient
	owned  bool
	name   string
	prefix string
	opts   Options

	mu     sync.Mutex
	nowFn  func() time.Time
	closed closeFlag
}

type RedisOption func(*RedisStore)

func WithRedisNowFunc(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewRedisStore wraps an existing client. The caller keeps ownership.
func NewRedisStore(client redis.UniversalClient, queueName string, opts Options, options ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("nil redis client")
	}
	if _, err := NewTableNames(queueName); err != nil {
		return nil, err
	}
	if err := opts.Validate(Capabilities{}); err != nil {
		return nil, err
	}
	s := &RedisStore{
		client: client,
		name:   queueName,
		prefix: "workq:{" + queueName + "}:",
		opts:   opts,
		nowFn:  time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// OpenRedisStore dials addr (a redis:// URL or host:port) and owns the
// resulting client.
func OpenRedisStore(ctx context.Context, addr, queueName string, opts Options, options ...RedisOption) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("empty redis address")
	}
	var ro *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		ro = parsed
	} else {
		ro = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(ro)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	s, err := NewRedisStore(client, queueName, opts, options...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *RedisStore) Name() string               { return s.name }
func (s *RedisStore) Options() Options           { return s.opts }
func (s *RedisStore) Capabilities() Capabilities { return Capabilities{} }

func (s *RedisStore) Close() error {
	if s.closed.close() && s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC().Truncate(time.Millisecond)
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

func (s *RedisStore) pendingMember(expiration, id int64) string {
	exp := int64(redisNoExpiration)
	if s.opts.EnableMessageExpiration && expiration > 0 {
		exp = expiration
	}
	return fmt.Sprintf("%013d:%019d", exp, id)
}

func redisFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// pendingScore stays below 2^53 so the score is exact as a float.
func (s *RedisStore) pendingScore(priority uint8, process int64) float64 {
	p := 0.0
	if s.opts.EnablePriority {
		p = float64(priority)
	}
	return p*redisPriorityStep + float64(process)
}

func (s *RedisStore) QueueExists(ctx context.Context) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.key("config")).Result()
	return n == 1, err
}

func (s *RedisStore) CreateQueue(ctx context.Context) error {
	if err := s.closed.check(); err != nil {
		return err
	}
	cfg, err := encodeOptions(s.opts)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key("config"), cfg, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueExists, s.name)
	}
	return nil
}

func (s *RedisStore) RemoveQueue(ctx context.Context) error {
	if err := s.closed.check(); err != nil {
		return err
	}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) StoredOptions(ctx context.Context) (Options, error) {
	if err := s.closed.check(); err != nil {
		return Options{}, err
	}
	raw, err := s.client.Get(ctx, s.key("config")).Bytes()
	if errors.Is(err, redis.Nil) {
		return Options{}, fmt.Errorf("%w: %s", ErrQueueNotFound, s.name)
	}
	if err != nil {
		return Options{}, err
	}
	return decodeOptions(raw)
}

func (s *RedisStore) Send(ctx context.Context, msg OutboundMessage) (MessageID, error) {
	if err := s.closed.check(); err != nil {
		return "", err
	}
	if len(msg.Columns) > 0 {
		return "", fmt.Errorf("%w: additional columns", ErrUnsupported)
	}
	headers, err := encodeHeaders(msg.Headers)
	if err != nil {
		return "", err
	}
	raw, err := s.client.Incr(ctx, s.key("id")).Result()
	if err != nil {
		return "", fmt.Errorf("allocate id: %w", err)
	}
	id := messageIDFromInt64(raw)
	now := s.now()

	var process, expiration int64
	if s.opts.EnableDelayedProcessing {
		process = processTime(now, msg).UnixMilli()
	}
	if s.opts.EnableMessageExpiration && msg.Expiration > 0 {
		expiration = now.Add(msg.Expiration).UnixMilli()
	}
	route := ""
	if s.opts.EnableRoute {
		route = msg.Route
	}
	var jobName string
	var jobScheduled, jobEvent int64
	if msg.Job != nil {
		jobName = msg.Job.Name
		jobScheduled = msg.Job.ScheduledTime.UnixMilli()
		jobEvent = msOrZero(msg.Job.EventTime)
		if jobEvent == 0 {
			jobEvent = now.UnixMilli()
		}
	}

	keys := []string{
		s.key("pending"), s.key("delayed"), s.key("body"), s.key("headers"),
		s.key("status"), s.key("expiration"), s.key("jobs"), s.key("jobnames"),
	}
	args := []any{
		s.prefix, string(id), s.pendingMember(expiration, raw), msg.Body, string(headers),
		msg.CorrelationID, route, int(msg.Priority), now.UnixMilli(),
		process, expiration, s.pendingScore(msg.Priority, process),
		jobName, jobScheduled, jobEvent, redisFlag(s.opts.EnableStatusTable),
	}
	st, err := redisSendScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	if Status(st) != StatusNotQueued {
		return "", fmt.Errorf("%w: %s is %s", ErrJobAlreadyQueued, jobName, Status(st))
	}
	return id, nil
}

func (s *RedisStore) Receive(ctx context.Context, req ReceiveRequest) (*ClaimedMessage, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if req.Filter != nil || req.Expression != "" {
		return nil, fmt.Errorf("%w: user predicates", ErrUnsupported)
	}
	now := s.now()
	keys := []string{
		s.key("pending"), s.key("delayed"), s.key("working"),
		s.key("body"), s.key("headers"), s.key("status"),
	}
	args := []any{s.prefix, now.UnixMilli(), redisFlag(s.opts.EnableStatusTable)}
	if s.opts.EnableRoute {
		args = append(args, len(req.Routes))
		for _, r := range req.Routes {
			args = append(args, r)
		}
	} else {
		args = append(args, 0)
	}
	res, err := redisReceiveScript.Run(ctx, s.client, keys, args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if len(res) != 7 {
		return nil, fmt.Errorf("claim: unexpected reply length %d", len(res))
	}
	queued, _ := strconv.ParseInt(res[4], 10, 64)
	priority, _ := strconv.Atoi(res[6])
	return &ClaimedMessage{
		ID:            MessageID(res[0]),
		Body:          []byte(res[1]),
		RawHeaders:    []byte(res[2]),
		CorrelationID: res[3],
		QueuedAt:      fromMs(queued),
		Route:         res[5],
		Priority:      uint8(priority),
		HeartBeat:     heartBeatIf(s.opts.EnableHeartBeat, now),
	}, nil
}

func (s *RedisStore) Commit(ctx context.Context, id MessageID) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	keys := []string{
		s.key("working"), s.key("body"), s.key("headers"),
		s.key("status"), s.key("expiration"), s.key("jobnames"),
	}
	n, err := redisCommitScript.Run(ctx, s.client, keys, s.prefix, string(id)).Int()
	if err != nil {
		return false, fmt.Errorf("commit %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Rollback(ctx context.Context, req RollbackRequest) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	var delay int64
	if s.opts.EnableDelayedProcessing && req.IncreaseDelay > 0 {
		delay = req.IncreaseDelay.Milliseconds()
	}
	keys := []string{s.key("working"), s.key("pending"), s.key("delayed"), s.key("status")}
	n, err := redisRollbackScript.Run(ctx, s.client, keys,
		s.prefix, string(req.ID), msOrZero(req.LastHeartBeat), s.now().UnixMilli(), delay,
		redisFlag(s.opts.EnableHeartBeat), redisFlag(s.opts.EnableStatusTable),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rollback %s: %w", req.ID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, id MessageID) (int, error) {
	if err := s.closed.check(); err != nil {
		return 0, err
	}
	if _, err := id.Int64(); err != nil {
		return 0, nil
	}
	keys := []string{
		s.key("pending"), s.key("delayed"), s.key("working"), s.key("expiration"),
		s.key("errors"), s.key("body"), s.key("headers"), s.key("status"), s.key("jobnames"),
	}
	n, err := redisDeleteScript.Run(ctx, s.client, keys, s.prefix, string(id)).Int()
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", id, err)
	}
	return n, nil
}

func (s *RedisStore) SetErrorCount(ctx context.Context, id MessageID, exceptionType string) (int, error) {
	if err := s.closed.check(); err != nil {
		return 0, err
	}
	n, err := s.client.HIncrBy(ctx, s.prefix+"errtrack:"+string(id), exceptionType, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("set error count: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) GetErrorCount(ctx context.Context, id MessageID, exceptionType string) (int, error) {
	if err := s.closed.check(); err != nil {
		return 0, err
	}
	n, err := s.client.HGet(ctx, s.prefix+"errtrack:"+string(id), exceptionType).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) MoveToError(ctx context.Context, id MessageID, cause error) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	if _, err := id.Int64(); err != nil {
		return false, nil
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	keys := []string{
		s.key("pending"), s.key("delayed"), s.key("working"),
		s.key("expiration"), s.key("errors"), s.key("status"),
	}
	n, err := redisMoveToErrorScript.Run(ctx, s.client, keys,
		s.prefix, string(id), reason, s.now().UnixMilli(), redisFlag(s.opts.EnableStatusTable),
	).Int()
	if err != nil {
		return false, fmt.Errorf("move %s to error: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) SendHeartBeat(ctx context.Context, id MessageID) (time.Time, error) {
	if err := s.closed.check(); err != nil {
		return time.Time{}, err
	}
	if !s.opts.EnableHeartBeat {
		return time.Time{}, nil
	}
	now := s.now()
	n, err := redisHeartBeatScript.Run(ctx, s.client, []string{s.key("working")}, s.prefix, string(id), now.UnixMilli()).Int()
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n != 1 {
		return time.Time{}, nil
	}
	return now, nil
}

func (s *RedisStore) ResetHeartBeat(ctx context.Context, window time.Duration) ([]ResetHeartBeatResult, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if !s.opts.EnableHeartBeat {
		return nil, nil
	}
	cutoff := s.now().Add(-window).UnixMilli()
	keys := []string{s.key("working"), s.key("pending"), s.key("status"), s.key("headers")}
	var out []ResetHeartBeatResult
	for ctx.Err() == nil {
		res, err := redisResetScript.Run(ctx, s.client, keys, s.prefix, cutoff, redisFlag(s.opts.EnableStatusTable), redisResetBatch).StringSlice()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return out, fmt.Errorf("reset heartbeat: %w", err)
		}
		for i := 0; i+2 < len(res); i += 3 {
			hb, _ := strconv.ParseFloat(res[i+1], 64)
			out = append(out, ResetHeartBeatResult{
				ID:        MessageID(res[i]),
				HeartBeat: fromMs(int64(hb)),
				Headers:   decodeHeadersLenient([]byte(res[i+2])),
			})
		}
		if len(res)/3 < redisResetBatch {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) FindExpiredMessagesToDelete(ctx context.Context) ([]MessageID, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if !s.opts.EnableMessageExpiration || ctx.Err() != nil {
		return nil, nil
	}
	return s.rangeBefore(ctx, s.key("expiration"), s.now())
}

func (s *RedisStore) FindErrorMessagesToDelete(ctx context.Context, age time.Duration) ([]MessageID, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	return s.rangeBefore(ctx, s.key("errors"), s.now().Add(-age))
}

func (s *RedisStore) rangeBefore(ctx context.Context, key string, t time.Time) ([]MessageID, error) {
	ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", t.UnixMilli()),
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]MessageID, 0, len(ids))
	for _, id := range ids {
		out = append(out, MessageID(id))
	}
	return out, nil
}

func (s *RedisStore) DeleteErrorMessage(ctx context.Context, id MessageID) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	keys := []string{s.key("errors"), s.key("body"), s.key("headers"), s.key("status"), s.key("jobnames")}
	n, err := redisDeleteErrorScript.Run(ctx, s.client, keys, s.prefix, string(id)).Int()
	if err != nil {
		return false, fmt.Errorf("delete error %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) DoesJobExist(ctx context.Context, jobName string, scheduled time.Time) (Status, error) {
	if err := s.closed.check(); err != nil {
		return StatusNotQueued, err
	}
	st, err := redisJobStatusScript.Run(ctx, s.client, []string{s.key("jobs"), s.key("jobnames")},
		s.prefix, jobName, scheduled.UnixMilli()).Int()
	if err != nil {
		return StatusNotQueued, fmt.Errorf("lookup job %s: %w", jobName, err)
	}
	return Status(st), nil
}

func (s *RedisStore) GetJobLastKnownEvent(ctx context.Context, jobName string) (time.Time, error) {
	if err := s.closed.check(); err != nil {
		return time.Time{}, err
	}
	rec, err := s.client.HGet(ctx, s.key("jobs"), jobName).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	_, event, ok := strings.Cut(rec, ":")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed job record %q", rec)
	}
	ms, err := strconv.ParseInt(event, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed job record %q: %w", rec, err)
	}
	return fromMs(ms), nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.closed.check(); err != nil {
		return Stats{}, err
	}
	pipe := s.client.Pipeline()
	pending := pipe.ZCard(ctx, s.key("pending"))
	delayed := pipe.ZCard(ctx, s.key("delayed"))
	working := pipe.ZCard(ctx, s.key("working"))
	errs := pipe.ZCard(ctx, s.key("errors"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: map[Status]int{
		StatusWaiting:    int(pending.Val() + delayed.Val()),
		StatusProcessing: int(working.Val()),
		StatusError:      int(errs.Val()),
	}}
	st.Errors = int(errs.Val())
	st.Total = int(pending.Val() + delayed.Val() + working.Val())
	return st, nil
}
