package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleStore keeps a queue as JSON documents in an embedded pebble
// database. Every mutation runs under the store mutex; claims expect the
// caller to hold ClaimLock instead.
//
// Keyspace, all under wq/<queue>/:
//
//	cfg                       options snapshot
//	seq                       last issued id
//	q/<id>                    body and headers
//	m/<id>                    meta document
//	r/<prio><proc><exp><id>   ready index, claim order
//	d/<proc><id>              delayed index, promoted on claim
//	w/<heartbeat><id>         processing index for the reset sweep
//	x/<exp><id>               expiration index
//	s/<id>                    status mirror
//	t/<id>/<type>             retry counters
//	e/<id>, ed/<date><id>     error documents and their age index
//	j/<name>, jn/<name>       job records and live job to id mapping
type PebbleStore struct {
	db       *pebble.DB
	owned    bool
	inMemory bool
	write    *pebble.WriteOptions
	name     string
	prefix   string
	opts     Options

	claimMu sync.Mutex
	seq     uint64
	seqOK   bool

	nowMu sync.Mutex
	nowFn func() time.Time

	filters celCache
	closed  closeFlag
}

type PebbleOption func(*PebbleStore)

func WithPebbleNowFunc(now func() time.Time) PebbleOption {
	return func(s *PebbleStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithPebbleInMemory backs the store with an in-memory filesystem.
func WithPebbleInMemory() PebbleOption {
	return func(s *PebbleStore) { s.inMemory = true }
}

// WithPebbleDB shares an open database between queues. The caller keeps
// ownership.
func WithPebbleDB(db *pebble.DB) PebbleOption {
	return func(s *PebbleStore) { s.db = db }
}

func WithPebbleNoSync() PebbleOption {
	return func(s *PebbleStore) { s.write = pebble.NoSync }
}

func NewPebbleStore(dir, queueName string, opts Options, options ...PebbleOption) (*PebbleStore, error) {
	if _, err := NewTableNames(queueName); err != nil {
		return nil, err
	}
	if err := opts.Validate(Capabilities{RequiresExternalClaimLock: true, ExpressionFilters: true}); err != nil {
		return nil, err
	}
	s := &PebbleStore{
		write:  pebble.Sync,
		name:   queueName,
		prefix: "wq/" + queueName + "/",
		opts:   opts,
		nowFn:  time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.db == nil {
		po := &pebble.Options{}
		dir = strings.TrimSpace(dir)
		if s.inMemory {
			po.FS = vfs.NewMem()
			dir = "workq"
		} else if dir == "" {
			return nil, errors.New("empty pebble dir")
		}
		db, err := pebble.Open(dir, po)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.owned = true
	}
	return s, nil
}

func (s *PebbleStore) Name() string     { return s.name }
func (s *PebbleStore) Options() Options { return s.opts }

func (s *PebbleStore) Capabilities() Capabilities {
	return Capabilities{RequiresExternalClaimLock: true, ExpressionFilters: true}
}

// ClaimLock serialises claims against this store instance.
func (s *PebbleStore) ClaimLock() sync.Locker { return &s.claimMu }

func (s *PebbleStore) Close() error {
	if s.closed.close() && s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *PebbleStore) now() time.Time {
	s.nowMu.Lock()
	defer s.nowMu.Unlock()
	return s.nowFn().UTC()
}

type pebbleMeta struct {
	ID            uint64 `json:"id"`
	Status        Status `json:"status"`
	CorrelationID string `json:"correlation_id"`
	QueuedAt      int64  `json:"queued_at"`
	HeartBeat     int64  `json:"heartbeat,omitempty"`
	ProcessTime   int64  `json:"process_time,omitempty"`
	Expiration    int64  `json:"expiration,omitempty"`
	Route         string `json:"route,omitempty"`
	Priority      uint8  `json:"priority"`
	JobName       string `json:"job_name,omitempty"`
}

type pebbleBody struct {
	Body    []byte `json:"body"`
	Headers string `json:"headers"`
}

type pebbleError struct {
	pebbleMeta
	LastException     string `json:"last_exception"`
	LastExceptionDate int64  `json:"last_exception_date"`
}

type pebbleJob struct {
	EventTime     int64 `json:"event_time"`
	ScheduledTime int64 `json:"scheduled_time"`
}

type pebbleStatus struct {
	Status        Status `json:"status"`
	CorrelationID string `json:"correlation_id"`
	JobName       string `json:"job_name,omitempty"`
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func (s *PebbleStore) key(kind string, parts ...[]byte) []byte {
	k := []byte(s.prefix + kind + "/")
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func prefixUpperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) readyKey(m *pebbleMeta) []byte {
	var prio uint8
	if s.opts.EnablePriority {
		prio = m.Priority
	}
	exp := uint64(math.MaxUint64)
	if m.Expiration > 0 {
		exp = uint64(m.Expiration)
	}
	return s.key("r", []byte{prio}, be64(uint64(m.ProcessTime)), be64(exp), be64(m.ID))
}

func (s *PebbleStore) delayedKey(m *pebbleMeta) []byte {
	return s.key("d", be64(uint64(m.ProcessTime)), be64(m.ID))
}

func (s *PebbleStore) workingKey(m *pebbleMeta) []byte {
	return s.key("w", be64(uint64(m.HeartBeat)), be64(m.ID))
}

func (s *PebbleStore) statusMirror(w pebble.Writer, m *pebbleMeta, st Status) error {
	if !s.opts.EnableStatusTable {
		return nil
	}
	return setJSON(w, s.key("s", be64(m.ID)), pebbleStatus{Status: st, CorrelationID: m.CorrelationID, JobName: m.JobName})
}

func getJSON(r pebble.Reader, key []byte, v any) (bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func setJSON(w pebble.Writer, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.Set(key, b, nil)
}

func getRaw(r pebble.Reader, key []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func parsePebbleID(id MessageID) (uint64, bool) {
	v, err := id.Int64()
	if err != nil || v <= 0 {
		return 0, false
	}
	return uint64(v), true
}

func (s *PebbleStore) loadMeta(r pebble.Reader, id uint64) (*pebbleMeta, error) {
	var m pebbleMeta
	ok, err := getJSON(r, s.key("m", be64(id)), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (s *PebbleStore) QueueExists(_ context.Context) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	_, ok, err := getRaw(s.db, s.key("cfg"))
	return ok, err
}

func (s *PebbleStore) CreateQueue(ctx context.Context) error {
	if err := s.closed.check(); err != nil {
		return err
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	exists, err := s.QueueExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrQueueExists, s.name)
	}
	cfg, err := encodeOptions(s.opts)
	if err != nil {
		return err
	}
	return s.db.Set(s.key("cfg"), cfg, s.write)
}

func (s *PebbleStore) RemoveQueue(_ context.Context) error {
	if err := s.closed.check(); err != nil {
		return err
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	start := []byte(s.prefix)
	if err := s.db.DeleteRange(start, prefixUpperBound(start), s.write); err != nil {
		return err
	}
	s.seq, s.seqOK = 0, false
	return nil
}

func (s *PebbleStore) StoredOptions(_ context.Context) (Options, error) {
	if err := s.closed.check(); err != nil {
		return Options{}, err
	}
	raw, ok, err := getRaw(s.db, s.key("cfg"))
	if err != nil {
		return Options{}, err
	}
	if !ok {
		return Options{}, fmt.Errorf("%w: %s", ErrQueueNotFound, s.name)
	}
	return decodeOptions(raw)
}

func (s *PebbleStore) nextID() (uint64, error) {
	if !s.seqOK {
		raw, ok, err := getRaw(s.db, s.key("seq"))
		if err != nil {
			return 0, err
		}
		if ok && len(raw) == 8 {
			s.seq = binary.BigEndian.Uint64(raw)
		}
		s.seqOK = true
	}
	s.seq++
	return s.seq, nil
}

func (s *PebbleStore) Send(ctx context.Context, msg OutboundMessage) (MessageID, error) {
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
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if msg.Job != nil {
		st, err := s.jobStatus(s.db, msg.Job.Name, msg.Job.ScheduledTime)
		if err != nil {
			return "", err
		}
		if st != StatusNotQueued {
			return "", fmt.Errorf("%w: %s is %s", ErrJobAlreadyQueued, msg.Job.Name, st)
		}
	}
	id, err := s.nextID()
	if err != nil {
		return "", err
	}
	now := s.now()
	m := &pebbleMeta{
		ID:            id,
		Status:        StatusWaiting,
		CorrelationID: msg.CorrelationID,
		QueuedAt:      now.UnixNano(),
		Priority:      msg.Priority,
	}
	if s.opts.EnableDelayedProcessing {
		m.ProcessTime = processTime(now, msg).UnixNano()
	}
	if s.opts.EnableMessageExpiration && msg.Expiration > 0 {
		m.Expiration = now.Add(msg.Expiration).UnixNano()
	}
	if s.opts.EnableRoute {
		m.Route = msg.Route
	}
	if msg.Job != nil {
		m.JobName = msg.Job.Name
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, s.key("q", be64(id)), pebbleBody{Body: msg.Body, Headers: string(headers)}); err != nil {
		return "", err
	}
	if err := setJSON(b, s.key("m", be64(id)), m); err != nil {
		return "", err
	}
	idx := s.readyKey(m)
	if m.ProcessTime > now.UnixNano() {
		idx = s.delayedKey(m)
	}
	if err := b.Set(idx, nil, nil); err != nil {
		return "", err
	}
	if m.Expiration > 0 {
		if err := b.Set(s.key("x", be64(uint64(m.Expiration)), be64(id)), nil, nil); err != nil {
			return "", err
		}
	}
	if err := s.statusMirror(b, m, StatusWaiting); err != nil {
		return "", err
	}
	if msg.Job != nil {
		event := msg.Job.EventTime
		if event.IsZero() {
			event = now
		}
		job := pebbleJob{EventTime: event.UnixNano(), ScheduledTime: msg.Job.ScheduledTime.UnixNano()}
		if err := setJSON(b, s.key("j", []byte(msg.Job.Name)), job); err != nil {
			return "", err
		}
		if err := b.Set(s.key("jn", []byte(msg.Job.Name)), be64(id), nil); err != nil {
			return "", err
		}
	}
	if err := b.Set(s.key("seq"), be64(id), nil); err != nil {
		return "", err
	}
	if err := b.Commit(s.write); err != nil {
		// The id may have been burned; reload the counter on next send.
		s.seqOK = false
		return "", err
	}
	return MessageID(fmt.Sprint(id)), nil
}

func (s *PebbleStore) promoteDelayed(b *pebble.Batch, now int64) error {
	lower := s.key("d")
	iter, err := b.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: s.key("d", be64(uint64(now)+1))})
	if err != nil {
		return err
	}
	var due [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		due = append(due, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return err
	}
	for _, k := range due {
		id := binary.BigEndian.Uint64(k[len(k)-8:])
		m, err := s.loadMeta(b, id)
		if err != nil {
			return err
		}
		if err := b.Delete(k, nil); err != nil {
			return err
		}
		if m == nil || m.Status != StatusWaiting {
			continue
		}
		if err := b.Set(s.readyKey(m), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// Receive claims one message. Callers must hold ClaimLock.
func (s *PebbleStore) Receive(ctx context.Context, req ReceiveRequest) (*ClaimedMessage, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if req.Filter != nil {
		return nil, fmt.Errorf("%w: sql filters", ErrUnsupported)
	}
	filter, err := s.filters.get(req.Expression)
	if err != nil {
		return nil, err
	}
	now := s.now()
	nowN := now.UnixNano()

	b := s.db.NewIndexedBatch()
	defer b.Close()
	if err := s.promoteDelayed(b, nowN); err != nil {
		return nil, err
	}

	lower := s.key("r")
	iter, err := b.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		return nil, err
	}
	var (
		claimed  *pebbleMeta
		body     pebbleBody
		readyKey []byte
	)
	for iter.First(); iter.Valid(); iter.Next() {
		if ctx.Err() != nil {
			_ = iter.Close()
			return nil, nil
		}
		k := iter.Key()
		exp := binary.BigEndian.Uint64(k[len(k)-16 : len(k)-8])
		if exp != math.MaxUint64 && int64(exp) <= nowN {
			continue
		}
		m, err := s.loadMeta(b, binary.BigEndian.Uint64(k[len(k)-8:]))
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if m == nil || m.Status != StatusWaiting {
			continue
		}
		if s.opts.EnableRoute && len(req.Routes) > 0 && !slices.Contains(req.Routes, m.Route) {
			continue
		}
		if _, err := getJSON(b, s.key("q", be64(m.ID)), &body); err != nil {
			_ = iter.Close()
			return nil, err
		}
		if filter.enabled && !filter.Eval(celCandidate{
			route:         m.Route,
			priority:      m.Priority,
			correlationID: m.CorrelationID,
			queuedMs:      time.Unix(0, m.QueuedAt).UnixMilli(),
			headers:       decodeHeadersLenient([]byte(body.Headers)),
		}) {
			continue
		}
		claimed = m
		readyKey = append([]byte(nil), k...)
		break
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if claimed == nil {
		if !b.Empty() {
			if err := b.Commit(s.write); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	if err := b.Delete(readyKey, nil); err != nil {
		return nil, err
	}
	claimed.Status = StatusProcessing
	if s.opts.EnableHeartBeat {
		claimed.HeartBeat = nowN
		if err := b.Set(s.workingKey(claimed), nil, nil); err != nil {
			return nil, err
		}
	}
	if err := setJSON(b, s.key("m", be64(claimed.ID)), claimed); err != nil {
		return nil, err
	}
	if err := s.statusMirror(b, claimed, StatusProcessing); err != nil {
		return nil, err
	}
	if err := b.Commit(s.write); err != nil {
		return nil, err
	}
	return &ClaimedMessage{
		ID:            MessageID(fmt.Sprint(claimed.ID)),
		CorrelationID: claimed.CorrelationID,
		Body:          body.Body,
		RawHeaders:    []byte(body.Headers),
		HeartBeat:     heartBeatIf(s.opts.EnableHeartBeat, now),
		QueuedAt:      time.Unix(0, claimed.QueuedAt).UTC(),
		Route:         claimed.Route,
		Priority:      claimed.Priority,
	}, nil
}

// dropIndexes removes every index entry a meta document can own.
func (s *PebbleStore) dropIndexes(b *pebble.Batch, m *pebbleMeta) error {
	keys := [][]byte{s.readyKey(m), s.delayedKey(m)}
	if m.HeartBeat > 0 {
		keys = append(keys, s.workingKey(m))
	}
	if m.Expiration > 0 {
		keys = append(keys, s.key("x", be64(uint64(m.Expiration)), be64(m.ID)))
	}
	for _, k := range keys {
		if err := b.Delete(k, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStore) forgetJob(b *pebble.Batch, job string, id uint64) error {
	if job == "" {
		return nil
	}
	raw, ok, err := getRaw(s.db, s.key("jn", []byte(job)))
	if err != nil || !ok {
		return err
	}
	if bytes.Equal(raw, be64(id)) {
		return b.Delete(s.key("jn", []byte(job)), nil)
	}
	return nil
}

func (s *PebbleStore) dropBody(b *pebble.Batch, id uint64) error {
	if err := b.Delete(s.key("q", be64(id)), nil); err != nil {
		return err
	}
	if err := b.Delete(s.key("s", be64(id)), nil); err != nil {
		return err
	}
	start := s.key("t", be64(id), []byte("/"))
	return b.DeleteRange(start, prefixUpperBound(start), nil)
}

func (s *PebbleStore) Commit(_ context.Context, id MessageID) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	raw, ok := parsePebbleID(id)
	if !ok {
		return false, nil
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	m, err := s.loadMeta(s.db, raw)
	if err != nil || m == nil || m.Status != StatusProcessing {
		return false, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.dropIndexes(b, m); err != nil {
		return false, err
	}
	if err := b.Delete(s.key("m", be64(raw)), nil); err != nil {
		return false, err
	}
	if err := s.dropBody(b, raw); err != nil {
		return false, err
	}
	if err := s.forgetJob(b, m.JobName, raw); err != nil {
		return false, err
	}
	if err := b.Commit(s.write); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) Rollback(_ context.Context, req RollbackRequest) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	raw, ok := parsePebbleID(req.ID)
	if !ok {
		return false, nil
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	m, err := s.loadMeta(s.db, raw)
	if err != nil || m == nil || m.Status != StatusProcessing {
		return false, err
	}
	if s.opts.EnableHeartBeat {
		stored := time.Unix(0, m.HeartBeat).UTC().Truncate(time.Second)
		if !stored.Equal(req.LastHeartBeat.UTC().Truncate(time.Second)) {
			return false, nil
		}
	}
	b := s.db.NewBatch()
	defer b.Close()
	if m.HeartBeat > 0 {
		if err := b.Delete(s.workingKey(m), nil); err != nil {
			return false, err
		}
	}
	m.Status = StatusWaiting
	m.HeartBeat = 0
	idx := s.readyKey(m)
	if s.opts.EnableDelayedProcessing && req.IncreaseDelay > 0 {
		m.ProcessTime = s.now().Add(req.IncreaseDelay).UnixNano()
		idx = s.delayedKey(m)
	}
	if err := b.Set(idx, nil, nil); err != nil {
		return false, err
	}
	if err := setJSON(b, s.key("m", be64(raw)), m); err != nil {
		return false, err
	}
	if err := s.statusMirror(b, m, StatusWaiting); err != nil {
		return false, err
	}
	if err := b.Commit(s.write); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) Delete(_ context.Context, id MessageID) (int, error) {
	if err := s.closed.check(); err != nil {
		return 0, err
	}
	raw, ok := parsePebbleID(id)
	if !ok {
		return 0, nil
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	m, err := s.loadMeta(s.db, raw)
	if err != nil {
		return 0, err
	}
	if m != nil {
		n++
		if err := s.dropIndexes(b, m); err != nil {
			return 0, err
		}
		if err := b.Delete(s.key("m", be64(raw)), nil); err != nil {
			return 0, err
		}
		if err := s.forgetJob(b, m.JobName, raw); err != nil {
			return 0, err
		}
	}
	var e pebbleError
	found, err := getJSON(s.db, s.key("e", be64(raw)), &e)
	if err != nil {
		return 0, err
	}
	if found {
		n++
		if err := b.Delete(s.key("e", be64(raw)), nil); err != nil {
			return 0, err
		}
		if err := b.Delete(s.key("ed", be64(uint64(e.LastExceptionDate)), be64(raw)), nil); err != nil {
			return 0, err
		}
		if err := s.forgetJob(b, e.JobName, raw); err != nil {
			return 0, err
		}
	}
	if _, ok, err := getRaw(s.db, s.key("q", be64(raw))); err != nil {
		return 0, err
	} else if ok {
		n++
	}
	if err := s.dropBody(b, raw); err != nil {
		return 0, err
	}
	if err := b.Commit(s.write); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PebbleStore) trackingKey(id uint64, exceptionType string) []byte {
	return s.key("t", be64(id), []byte("/"+exceptionType))
}

func (s *PebbleStore) SetErrorCount(_ context.Context, id MessageID, exceptionType string) (int, error) {
	if err := s.closed.check(); err != nil {
		return 0, err
	}
	raw, ok := parsePebbleID(id)
	if !ok {
		return 0, fmt.Errorf("message id %q is not numeric", id)
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	k := s.trackingKey(raw, exceptionType)
	cur, found, err := getRaw(s.db, k)
	if err != nil {
		return 0, err
	}
	var n uint64
	if found && len(cur) == 8 {
		n = binary.BigEndian.Uint64(cur)
	}
	n++
	if err := s.db.Set(k, be64(n), s.write); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PebbleStore) GetErrorCount(_ context.Context, id MessageID, exceptionType string) (int, error) {
	if err := s.closed.check(); err != nil {
		return 0, err
	}
	raw, ok := parsePebbleID(id)
	if !ok {
		return 0, nil
	}
	cur, found, err := getRaw(s.db, s.trackingKey(raw, exceptionType))
	if err != nil || !found || len(cur) != 8 {
		return 0, err
	}
	return int(binary.BigEndian.Uint64(cur)), nil
}

func (s *PebbleStore) MoveToError(_ context.Context, id MessageID, cause error) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	raw, ok := parsePebbleID(id)
	if !ok {
		return false, nil
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	m, err := s.loadMeta(s.db, raw)
	if err != nil || m == nil {
		return false, err
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	now := s.now().UnixNano()
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.dropIndexes(b, m); err != nil {
		return false, err
	}
	if err := b.Delete(s.key("m", be64(raw)), nil); err != nil {
		return false, err
	}
	doc := pebbleError{pebbleMeta: *m, LastException: reason, LastExceptionDate: now}
	doc.Status = StatusError
	doc.HeartBeat = 0
	if err := setJSON(b, s.key("e", be64(raw)), doc); err != nil {
		return false, err
	}
	if err := b.Set(s.key("ed", be64(uint64(now)), be64(raw)), nil, nil); err != nil {
		return false, err
	}
	if err := s.statusMirror(b, m, StatusError); err != nil {
		return false, err
	}
	if err := b.Commit(s.write); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) SendHeartBeat(_ context.Context, id MessageID) (time.Time, error) {
	if err := s.closed.check(); err != nil {
		return time.Time{}, err
	}
	if !s.opts.EnableHeartBeat {
		return time.Time{}, nil
	}
	raw, ok := parsePebbleID(id)
	if !ok {
		return time.Time{}, nil
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	m, err := s.loadMeta(s.db, raw)
	if err != nil || m == nil || m.Status != StatusProcessing {
		return time.Time{}, err
	}
	now := s.now()
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(s.workingKey(m), nil); err != nil {
		return time.Time{}, err
	}
	m.HeartBeat = now.UnixNano()
	if err := b.Set(s.workingKey(m), nil, nil); err != nil {
		return time.Time{}, err
	}
	if err := setJSON(b, s.key("m", be64(raw)), m); err != nil {
		return time.Time{}, err
	}
	if err := b.Commit(s.write); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (s *PebbleStore) ResetHeartBeat(ctx context.Context, window time.Duration) ([]ResetHeartBeatResult, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if !s.opts.EnableHeartBeat || ctx.Err() != nil {
		return nil, nil
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	cutoff := s.now().Add(-window).UnixNano()
	stale, err := s.scanIDs(s.key("w"), s.key("w", be64(uint64(cutoff))))
	if err != nil {
		return nil, err
	}
	var out []ResetHeartBeatResult
	for _, raw := range stale {
		if ctx.Err() != nil {
			break
		}
		m, err := s.loadMeta(s.db, raw)
		if err != nil {
			return out, err
		}
		b := s.db.NewBatch()
		if m == nil || m.Status != StatusProcessing {
			b.Close()
			continue
		}
		hb := m.HeartBeat
		if err := b.Delete(s.workingKey(m), nil); err != nil {
			b.Close()
			return out, err
		}
		m.Status = StatusWaiting
		m.HeartBeat = 0
		err = errors.Join(
			b.Set(s.readyKey(m), nil, nil),
			setJSON(b, s.key("m", be64(raw)), m),
			s.statusMirror(b, m, StatusWaiting),
		)
		if err == nil {
			err = b.Commit(s.write)
		}
		b.Close()
		if err != nil {
			return out, err
		}
		var body pebbleBody
		if _, err := getJSON(s.db, s.key("q", be64(raw)), &body); err != nil {
			return out, err
		}
		out = append(out, ResetHeartBeatResult{
			ID:        MessageID(fmt.Sprint(raw)),
			HeartBeat: time.Unix(0, hb).UTC(),
			Headers:   decodeHeadersLenient([]byte(body.Headers)),
		})
	}
	return out, nil
}

// scanIDs returns the trailing ids of every index key in [lower, upper).
func (s *PebbleStore) scanIDs(lower, upper []byte) ([]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	var out []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		out = append(out, binary.BigEndian.Uint64(k[len(k)-8:]))
	}
	return out, iter.Close()
}

func (s *PebbleStore) FindExpiredMessagesToDelete(ctx context.Context) ([]MessageID, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if !s.opts.EnableMessageExpiration || ctx.Err() != nil {
		return nil, nil
	}
	ids, err := s.scanIDs(s.key("x"), s.key("x", be64(uint64(s.now().UnixNano()))))
	return toMessageIDs(ids), err
}

func (s *PebbleStore) FindErrorMessagesToDelete(ctx context.Context, age time.Duration) ([]MessageID, error) {
	if err := s.closed.check(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	ids, err := s.scanIDs(s.key("ed"), s.key("ed", be64(uint64(s.now().Add(-age).UnixNano()))))
	return toMessageIDs(ids), err
}

func toMessageIDs(ids []uint64) []MessageID {
	out := make([]MessageID, 0, len(ids))
	for _, id := range ids {
		out = append(out, MessageID(fmt.Sprint(id)))
	}
	return out
}

func (s *PebbleStore) DeleteErrorMessage(_ context.Context, id MessageID) (bool, error) {
	if err := s.closed.check(); err != nil {
		return false, err
	}
	raw, ok := parsePebbleID(id)
	if !ok {
		return false, nil
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	var e pebbleError
	found, err := getJSON(s.db, s.key("e", be64(raw)), &e)
	if err != nil || !found {
		return false, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(s.key("e", be64(raw)), nil); err != nil {
		return false, err
	}
	if err := b.Delete(s.key("ed", be64(uint64(e.LastExceptionDate)), be64(raw)), nil); err != nil {
		return false, err
	}
	if err := s.dropBody(b, raw); err != nil {
		return false, err
	}
	if err := s.forgetJob(b, e.JobName, raw); err != nil {
		return false, err
	}
	if err := b.Commit(s.write); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) jobStatus(r pebble.Reader, name string, scheduled time.Time) (Status, error) {
	live, ok, err := getRaw(r, s.key("jn", []byte(name)))
	if err != nil {
		return StatusNotQueued, err
	}
	if ok && len(live) == 8 {
		id := binary.BigEndian.Uint64(live)
		m, err := s.loadMeta(r, id)
		if err != nil {
			return StatusNotQueued, err
		}
		if m != nil {
			return m.Status, nil
		}
		if _, found, err := getRaw(r, s.key("e", be64(id))); err != nil {
			return StatusNotQueued, err
		} else if found {
			return StatusError, nil
		}
	}
	var job pebbleJob
	found, err := getJSON(r, s.key("j", []byte(name)), &job)
	if err != nil || !found {
		return StatusNotQueued, err
	}
	if job.ScheduledTime == scheduled.UnixNano() {
		return StatusProcessed, nil
	}
	return StatusNotQueued, nil
}

func (s *PebbleStore) DoesJobExist(_ context.Context, jobName string, scheduled time.Time) (Status, error) {
	if err := s.closed.check(); err != nil {
		return StatusNotQueued, err
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	return s.jobStatus(s.db, jobName, scheduled)
}

func (s *PebbleStore) GetJobLastKnownEvent(_ context.Context, jobName string) (time.Time, error) {
	if err := s.closed.check(); err != nil {
		return time.Time{}, err
	}
	var job pebbleJob
	found, err := getJSON(s.db, s.key("j", []byte(jobName)), &job)
	if err != nil || !found {
		return time.Time{}, err
	}
	return time.Unix(0, job.EventTime).UTC(), nil
}

func (s *PebbleStore) Stats(_ context.Context) (Stats, error) {
	if err := s.closed.check(); err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: map[Status]int{}}
	lower := s.key("m")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		return Stats{}, err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		var m pebbleMeta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			_ = iter.Close()
			return Stats{}, err
		}
		st.ByStatus[m.Status]++
		st.Total++
	}
	if err := iter.Close(); err != nil {
		return Stats{}, err
	}
	errIDs, err := s.scanIDs(s.key("e"), prefixUpperBound(s.key("e")))
	if err != nil {
		return Stats{}, err
	}
	st.Errors = len(errIDs)
	st.ByStatus[StatusError] = st.Errors
	return st, nil
}

var _ io.Closer = (*PebbleStore)(nil)
