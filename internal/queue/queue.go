package queue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type MessageID string

func (id MessageID) String() string { return string(id) }

// Int64 parses identities issued by the relational and key-value backends.
func (id MessageID) Int64() (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}

func messageIDFromInt64(v int64) MessageID {
	return MessageID(strconv.FormatInt(v, 10))
}

type Status int

const (
	StatusNotQueued  Status = -1
	StatusWaiting    Status = 0
	StatusProcessing Status = 1
	StatusProcessed  Status = 2
	StatusError      Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusNotQueued:
		return "not_queued"
	case StatusWaiting:
		return "waiting"
	case StatusProcessing:
		return "processing"
	case StatusProcessed:
		return "processed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// HeaderInterceptorGraph carries the ordered list of byte transforms
	// applied to a body at send time.
	HeaderInterceptorGraph = "workq-interceptors"
	// HeaderExpiration holds a Go duration used when the sender did not
	// set AdditionalData.Expiration.
	HeaderExpiration = "workq-expiration"
)

// JobSchedule links a message to a scheduler run. Name and ScheduledTime
// together identify the run for duplicate detection.
type JobSchedule struct {
	Name          string
	ScheduledTime time.Time
	EventTime     time.Time
}

// OutboundMessage is a message whose body was already encoded by the
// serializer and is ready to be persisted.
type OutboundMessage struct {
	Body          []byte
	Headers       map[string]string
	CorrelationID string
	Route         string
	Priority      uint8
	Delay         time.Duration
	Expiration    time.Duration
	Job           *JobSchedule
	Columns       map[string]any
}

// SQLFilter is an extra predicate appended to a relational claim query.
// The meta table is aliased as m and arguments use ? placeholders.
type SQLFilter struct {
	Clause string
	Args   []any
}

type ReceiveRequest struct {
	Routes []string
	// Filter is honoured by relational stores only.
	Filter *SQLFilter
	// Expression is a CEL predicate honoured by the document store only.
	Expression string
}

// ClaimedMessage is the raw row returned by a successful claim. Body and
// headers are still in their stored form.
type ClaimedMessage struct {
	ID            MessageID
	CorrelationID string
	Body          []byte
	RawHeaders    []byte
	HeartBeat     time.Time
	QueuedAt      time.Time
	Route         string
	Priority      uint8
}

type RollbackRequest struct {
	ID            MessageID
	LastHeartBeat time.Time
	IncreaseDelay time.Duration
}

type ResetHeartBeatResult struct {
	ID        MessageID
	HeartBeat time.Time
	Headers   map[string]string
}

type Stats struct {
	ByStatus map[Status]int
	Total    int
	Errors   int
}

// Capabilities describes backend behaviour the engine has to adapt to.
type Capabilities struct {
	// RequiresExternalClaimLock is set when the backend cannot guarantee
	// claim exclusivity on its own; the engine then serialises Receive
	// through the adapter's ClaimLock.
	RequiresExternalClaimLock bool
	HoldTransaction           bool
	SQLFilters                bool
	ExpressionFilters         bool
}

// ClaimLocker is implemented by stores that report RequiresExternalClaimLock.
type ClaimLocker interface {
	ClaimLock() sync.Locker
}

type Store interface {
	Name() string
	Options() Options
	Capabilities() Capabilities

	CreateQueue(ctx context.Context) error
	QueueExists(ctx context.Context) (bool, error)
	RemoveQueue(ctx context.Context) error
	// StoredOptions returns the options snapshot written at creation.
	StoredOptions(ctx context.Context) (Options, error)

	Send(ctx context.Context, msg OutboundMessage) (MessageID, error)
	Receive(ctx context.Context, req ReceiveRequest) (*ClaimedMessage, error)
	Commit(ctx context.Context, id MessageID) (bool, error)
	Rollback(ctx context.Context, req RollbackRequest) (bool, error)
	Delete(ctx context.Context, id MessageID) (int, error)

	SetErrorCount(ctx context.Context, id MessageID, exceptionType string) (int, error)
	GetErrorCount(ctx context.Context, id MessageID, exceptionType string) (int, error)
	MoveToError(ctx context.Context, id MessageID, cause error) (bool, error)

	SendHeartBeat(ctx context.Context, id MessageID) (time.Time, error)
	ResetHeartBeat(ctx context.Context, window time.Duration) ([]ResetHeartBeatResult, error)

	FindExpiredMessagesToDelete(ctx context.Context) ([]MessageID, error)
	FindErrorMessagesToDelete(ctx context.Context, age time.Duration) ([]MessageID, error)
	DeleteErrorMessage(ctx context.Context, id MessageID) (bool, error)

	DoesJobExist(ctx context.Context, jobName string, scheduled time.Time) (Status, error)
	GetJobLastKnownEvent(ctx context.Context, jobName string) (time.Time, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// closeFlag fails store operations with ErrStoreClosed once Close ran.
type closeFlag struct{ v atomic.Bool }

func (f *closeFlag) check() error {
	if f.v.Load() {
		return ErrStoreClosed
	}
	return nil
}

// close reports whether this call closed the store.
func (f *closeFlag) close() bool { return f.v.CompareAndSwap(false, true) }
