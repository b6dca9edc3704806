package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nuetzliches/workq/internal/queue"

var ErrInvalidJob = errors.New("job schedule needs a name and a scheduled time")

type clientConfig struct {
	serializer Serializer
	logger     *slog.Logger
	tracer     trace.Tracer
}

// ClientOption configures a Producer or Consumer.
type ClientOption func(*clientConfig)

func WithSerializer(s Serializer) ClientOption {
	return func(c *clientConfig) {
		if s != nil {
			c.serializer = s
		}
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *clientConfig) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

func newClientConfig(opts []ClientOption) clientConfig {
	c := clientConfig{
		serializer: NewCodec(),
		logger:     discardLogger(),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func (c clientConfig) start(ctx context.Context, op string, store Store, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("workq.queue", store.Name()))
	return c.tracer.Start(ctx, "workq."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Open verifies that the queue exists and was created with options the
// store's client options agree with.
func Open(ctx context.Context, store Store) error {
	exists, err := store.QueueExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, store.Name())
	}
	stored, err := store.StoredOptions(ctx)
	if err != nil {
		return err
	}
	return store.Options().Compatible(stored)
}

// EnsureQueue creates the queue when missing and then runs Open.
func EnsureQueue(ctx context.Context, store Store) error {
	exists, err := store.QueueExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := store.CreateQueue(ctx); err != nil && !errors.Is(err, ErrQueueExists) {
			return err
		}
	}
	return Open(ctx, store)
}

// AdditionalData carries per-message send options.
type AdditionalData struct {
	CorrelationID string
	Route         string
	Priority      uint8
	Delay         time.Duration
	// Expiration falls back to the workq-expiration header when zero.
	Expiration time.Duration
	Job        *JobSchedule
	Headers    map[string]string
	// Columns fills user-defined meta columns on relational stores.
	Columns map[string]any
}

type Producer struct {
	store Store
	cfg   clientConfig
}

func NewProducer(store Store, opts ...ClientOption) *Producer {
	return &Producer{store: store, cfg: newClientConfig(opts)}
}

func (p *Producer) Send(ctx context.Context, body []byte, data AdditionalData) (id MessageID, err error) {
	ctx, span := p.cfg.start(ctx, "send", p.store, attribute.String("workq.route", data.Route))
	defer func() { endSpan(span, err) }()

	if data.Job != nil && (strings.TrimSpace(data.Job.Name) == "" || data.Job.ScheduledTime.IsZero()) {
		return "", ErrInvalidJob
	}
	headers := make(map[string]string, len(data.Headers)+1)
	maps.Copy(headers, data.Headers)

	encoded, graph, err := p.cfg.serializer.MessageToBytes(body, headers)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	if len(graph) > 0 {
		headers[HeaderInterceptorGraph] = graph.String()
	} else {
		delete(headers, HeaderInterceptorGraph)
	}

	expiration := data.Expiration
	if expiration == 0 {
		if raw := strings.TrimSpace(headers[HeaderExpiration]); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return "", fmt.Errorf("header %s: %w", HeaderExpiration, err)
			}
			expiration = d
		}
	}
	correlation := data.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}

	id, err = p.store.Send(ctx, OutboundMessage{
		Body:          encoded,
		Headers:       headers,
		CorrelationID: correlation,
		Route:         data.Route,
		Priority:      data.Priority,
		Delay:         data.Delay,
		Expiration:    expiration,
		Job:           data.Job,
		Columns:       data.Columns,
	})
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("workq.message_id", id.String()))
	p.cfg.logger.Debug("message_sent",
		slog.String("queue", p.store.Name()),
		slog.String("id", id.String()),
		slog.String("correlation_id", correlation),
	)
	return id, nil
}

func (p *Producer) DoesJobExist(ctx context.Context, jobName string, scheduled time.Time) (Status, error) {
	return p.store.DoesJobExist(ctx, jobName, scheduled)
}

func (p *Producer) GetJobLastKnownEvent(ctx context.Context, jobName string) (time.Time, error) {
	return p.store.GetJobLastKnownEvent(ctx, jobName)
}

// ReceivedMessage is a claimed and decoded message. Its heartbeat is
// refreshed by SendHeartBeat and read back by RollbackMessage.
type ReceivedMessage struct {
	ID            MessageID
	CorrelationID string
	Body          []byte
	Headers       map[string]string
	Route         string
	Priority      uint8
	QueuedAt      time.Time

	mu        sync.Mutex
	heartBeat time.Time
}

func (m *ReceivedMessage) HeartBeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartBeat
}

func (m *ReceivedMessage) setHeartBeat(t time.Time) {
	m.mu.Lock()
	m.heartBeat = t
	m.mu.Unlock()
}

type Consumer struct {
	store Store
	cfg   clientConfig
	lock  sync.Locker
}

func NewConsumer(store Store, opts ...ClientOption) *Consumer {
	c := &Consumer{store: store, cfg: newClientConfig(opts)}
	if store.Capabilities().RequiresExternalClaimLock {
		if l, ok := store.(ClaimLocker); ok {
			c.lock = l.ClaimLock()
		} else {
			c.lock = &sync.Mutex{}
		}
	}
	return c
}

func (c *Consumer) Store() Store { return c.store }

func (c *Consumer) Receive(ctx context.Context, routes ...string) (*ReceivedMessage, error) {
	return c.ReceiveWhere(ctx, ReceiveRequest{Routes: routes})
}

// ReceiveWhere claims the next eligible message. It returns nil, nil when
// nothing is eligible or ctx is done.
func (c *Consumer) ReceiveWhere(ctx context.Context, req ReceiveRequest) (msg *ReceivedMessage, err error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	ctx, span := c.cfg.start(ctx, "receive", c.store, attribute.Int("workq.routes", len(req.Routes)))
	defer func() { endSpan(span, err) }()

	if c.lock != nil {
		c.lock.Lock()
	}
	claimed, err := c.store.Receive(ctx, req)
	if c.lock != nil {
		c.lock.Unlock()
	}
	if err != nil {
		var poison *PoisonMessageError
		if errors.As(err, &poison) {
			c.logPoison(poison)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		c.release(claimed)
		return nil, nil
	}
	span.SetAttributes(attribute.String("workq.message_id", claimed.ID.String()))

	headers, err := decodeHeaders(claimed.RawHeaders)
	if err != nil {
		return nil, c.poison(claimed, err)
	}
	graph := ParseInterceptorGraph(headers[HeaderInterceptorGraph])
	body, err := c.cfg.serializer.BytesToMessage(claimed.Body, graph, headers)
	if err != nil {
		return nil, c.poison(claimed, err)
	}
	out := &ReceivedMessage{
		ID:            claimed.ID,
		CorrelationID: claimed.CorrelationID,
		Body:          body,
		Headers:       headers,
		Route:         claimed.Route,
		Priority:      claimed.Priority,
		QueuedAt:      claimed.QueuedAt,
		heartBeat:     claimed.HeartBeat,
	}
	return out, nil
}

// release hands back a message claimed after the caller went away.
func (c *Consumer) release(claimed *ClaimedMessage) {
	ctx := context.Background()
	if _, err := c.store.Rollback(ctx, RollbackRequest{ID: claimed.ID, LastHeartBeat: claimed.HeartBeat}); err != nil {
		c.cfg.logger.Warn("release_claim_failed",
			slog.String("queue", c.store.Name()),
			slog.String("id", claimed.ID.String()),
			slog.Any("err", err),
		)
	}
}

func (c *Consumer) poison(claimed *ClaimedMessage, cause error) error {
	p := &PoisonMessageError{
		ID:            claimed.ID,
		CorrelationID: claimed.CorrelationID,
		Body:          claimed.Body,
		Headers:       claimed.RawHeaders,
		HeartBeat:     claimed.HeartBeat,
		Err:           cause,
	}
	c.logPoison(p)
	return p
}

func (c *Consumer) logPoison(p *PoisonMessageError) {
	c.cfg.logger.Warn("poison_message",
		slog.String("queue", c.store.Name()),
		slog.String("id", p.ID.String()),
		slog.String("correlation_id", p.CorrelationID),
		slog.Any("err", p.Err),
	)
}

func (c *Consumer) Commit(ctx context.Context, id MessageID) (ok bool, err error) {
	ctx, span := c.cfg.start(ctx, "commit", c.store, attribute.String("workq.message_id", id.String()))
	defer func() { endSpan(span, err) }()
	return c.store.Commit(ctx, id)
}

// Rollback returns a Processing message to Waiting when lastHeartBeat still
// matches the stored heartbeat at second precision.
func (c *Consumer) Rollback(ctx context.Context, id MessageID, lastHeartBeat time.Time, increaseDelay time.Duration) (ok bool, err error) {
	ctx, span := c.cfg.start(ctx, "rollback", c.store, attribute.String("workq.message_id", id.String()))
	defer func() { endSpan(span, err) }()
	return c.store.Rollback(ctx, RollbackRequest{ID: id, LastHeartBeat: lastHeartBeat, IncreaseDelay: increaseDelay})
}

func (c *Consumer) RollbackMessage(ctx context.Context, msg *ReceivedMessage, increaseDelay time.Duration) (bool, error) {
	return c.Rollback(ctx, msg.ID, msg.HeartBeat(), increaseDelay)
}

func (c *Consumer) Delete(ctx context.Context, id MessageID) (int, error) {
	return c.store.Delete(ctx, id)
}

func (c *Consumer) SetErrorCount(ctx context.Context, id MessageID, exceptionType string) (int, error) {
	return c.store.SetErrorCount(ctx, id, exceptionType)
}

func (c *Consumer) GetErrorCount(ctx context.Context, id MessageID, exceptionType string) (int, error) {
	return c.store.GetErrorCount(ctx, id, exceptionType)
}

func (c *Consumer) MoveToError(ctx context.Context, id MessageID, cause error) (ok bool, err error) {
	ctx, span := c.cfg.start(ctx, "move_to_error", c.store, attribute.String("workq.message_id", id.String()))
	defer func() { endSpan(span, err) }()
	ok, err = c.store.MoveToError(ctx, id, cause)
	if ok {
		c.cfg.logger.Info("message_moved_to_error",
			slog.String("queue", c.store.Name()),
			slog.String("id", id.String()),
			slog.Any("cause", cause),
		)
	}
	return ok, err
}

// ErrorPolicy decides between retry and the error queue. RetryDelays[i]
// is the delay before attempt i+2; the last entry repeats.
type ErrorPolicy struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

func (p ErrorPolicy) delay(attempt int) time.Duration {
	if len(p.RetryDelays) == 0 || attempt <= 0 {
		return 0
	}
	if attempt > len(p.RetryDelays) {
		return p.RetryDelays[len(p.RetryDelays)-1]
	}
	return p.RetryDelays[attempt-1]
}

type ErrorAction int

const (
	ErrorActionNone ErrorAction = iota
	ErrorActionRetried
	ErrorActionMovedToError
)

func (a ErrorAction) String() string {
	switch a {
	case ErrorActionRetried:
		return "retried"
	case ErrorActionMovedToError:
		return "moved_to_error"
	default:
		return "none"
	}
}

// ErrorType is the retry-counter key for a processing failure.
func ErrorType(err error) string {
	if err == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", err)
}

// HandleError counts the failure against the message and either rolls it
// back for another attempt or moves it to the error queue.
func (c *Consumer) HandleError(ctx context.Context, msg *ReceivedMessage, cause error, policy ErrorPolicy) (ErrorAction, error) {
	count, err := c.store.SetErrorCount(ctx, msg.ID, ErrorType(cause))
	if err != nil {
		return ErrorActionNone, err
	}
	if count <= policy.MaxRetries {
		ok, err := c.RollbackMessage(ctx, msg, policy.delay(count))
		if err != nil || !ok {
			return ErrorActionNone, err
		}
		c.cfg.logger.Info("message_retry",
			slog.String("queue", c.store.Name()),
			slog.String("id", msg.ID.String()),
			slog.Int("attempt", count),
			slog.Any("cause", cause),
		)
		return ErrorActionRetried, nil
	}
	ok, err := c.MoveToError(ctx, msg.ID, cause)
	if err != nil || !ok {
		return ErrorActionNone, err
	}
	return ErrorActionMovedToError, nil
}

// SendHeartBeat refreshes the claim and records the new value on msg. A
// zero time means the message is no longer Processing.
func (c *Consumer) SendHeartBeat(ctx context.Context, msg *ReceivedMessage) (time.Time, error) {
	hb, err := c.store.SendHeartBeat(ctx, msg.ID)
	if err != nil {
		return time.Time{}, err
	}
	if !hb.IsZero() {
		msg.setHeartBeat(hb)
	}
	return hb, nil
}

func (c *Consumer) ResetHeartBeat(ctx context.Context, window time.Duration) ([]ResetHeartBeatResult, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	return c.store.ResetHeartBeat(ctx, window)
}

// ClearExpiredMessages deletes every expired message and returns how many
// were removed. It stops quietly once ctx is done.
func (c *Consumer) ClearExpiredMessages(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	ids, err := c.store.FindExpiredMessagesToDelete(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		rows, err := c.store.Delete(ctx, id)
		if err != nil {
			return n, err
		}
		if rows > 0 {
			n++
		}
	}
	return n, nil
}

func (c *Consumer) ClearErrorMessages(ctx context.Context, age time.Duration) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	ids, err := c.store.FindErrorMessagesToDelete(ctx, age)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		ok, err := c.store.DeleteErrorMessage(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (c *Consumer) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx)
}
