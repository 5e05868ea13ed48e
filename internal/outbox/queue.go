// Package outbox is the offline send queue. Messages are persisted locally
// before any network round trip and delivered in submission order whenever
// the realtime channel is up.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/threadsync/internal/bus"
	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/kv"
	"github.com/matheus3301/threadsync/internal/logging"
	"github.com/matheus3301/threadsync/internal/model"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxAttempts is the number of failed deliveries after which an entry
// is marked failed.
const DefaultMaxAttempts = 3

var (
	ErrNotFound     = errors.New("outbox: entry not found")
	ErrNotFailed    = errors.New("outbox: entry has not failed")
	ErrEmptyMessage = errors.New("outbox: message has neither text nor media")
)

// Uploader uploads a local attachment and returns its remote URL.
type Uploader interface {
	Upload(ctx context.Context, threadID string, media model.Media) (url string, err error)
}

// Connectivity reports whether the realtime channel is up.
type Connectivity interface {
	Online() bool
}

// Options configure a Queue.
type Options struct {
	MaxAttempts   int
	FlushInterval time.Duration
	Uploader      Uploader
	Bus           *bus.Bus
	Logger        *zap.Logger
}

// Queue holds pending messages and delivers them to the document store.
type Queue struct {
	kv       kv.Store
	docs     docstore.Store
	conn     Connectivity
	uploader Uploader
	bus      *bus.Bus
	logger   *zap.Logger

	maxAttempts   int
	flushInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	entries  map[string]*model.PendingMessage
	inflight map[string]bool

	flights singleflight.Group
	wake    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue. Call Load to restore persisted entries and Start to
// deliver in the background.
func New(store kv.Store, docs docstore.Store, conn Connectivity, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		kv:            store,
		docs:          docs,
		conn:          conn,
		uploader:      opts.Uploader,
		bus:           opts.Bus,
		logger:        logging.OrNop(opts.Logger),
		maxAttempts:   opts.MaxAttempts,
		flushInterval: opts.FlushInterval,
		now:           time.Now,
		entries:       make(map[string]*model.PendingMessage),
		inflight:      make(map[string]bool),
		wake:          make(chan struct{}, 1),
	}
}

// Load restores entries persisted by a previous run.
func (q *Queue) Load() error {
	keys, err := q.kv.Keys(kv.QueuePrefix)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, key := range keys {
		var p model.PendingMessage
		if err := kv.GetValue(q.kv, key, &p); err != nil {
			q.logger.Warn("skipping unreadable queue entry", zap.String("key", key), zap.Error(err))
			continue
		}
		q.entries[p.TempID] = &p
	}
	q.logger.Info("queue loaded", zap.Int("entries", len(q.entries)))
	return nil
}

// Start runs the delivery loop until Stop.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.loop(ctx)
	}()
	q.kick()
}

// Stop stops the delivery loop and waits for it to exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) loop(ctx context.Context) {
	var tick <-chan time.Time
	if q.flushInterval > 0 {
		ticker := time.NewTicker(q.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-q.wake:
		case <-tick:
		case <-ctx.Done():
			return
		}
		if err := q.Flush(ctx); err != nil && ctx.Err() == nil {
			q.logger.Debug("flush finished with failures", zap.Error(err))
		}
	}
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Send enqueues a message from senderID and returns the stored entry. It
// never waits on the network: delivery happens on the queue's loop, and
// only while the channel is up.
func (q *Queue) Send(ctx context.Context, p model.PendingMessage, senderID string) (model.PendingMessage, error) {
	if err := ctx.Err(); err != nil {
		return model.PendingMessage{}, err
	}
	if p.ThreadID == "" {
		return model.PendingMessage{}, errors.New("outbox: thread id is required")
	}
	if strings.TrimSpace(p.Text) == "" && p.Media == nil {
		return model.PendingMessage{}, ErrEmptyMessage
	}
	p.SenderID = senderID
	if p.TempID == "" {
		p.TempID = ulid.Make().String()
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = q.now()
	}
	if p.Media != nil {
		m := *p.Media
		p.Media = &m
	}
	p.Status = model.PendingSending
	p.Attempts = 0
	p.LastError = ""
	p.ServerID = ""

	q.mu.Lock()
	if _, dup := q.entries[p.TempID]; dup {
		q.mu.Unlock()
		return model.PendingMessage{}, fmt.Errorf("outbox: duplicate temp id %s", p.TempID)
	}
	if err := q.persistLocked(&p); err != nil {
		q.mu.Unlock()
		return model.PendingMessage{}, err
	}
	q.entries[p.TempID] = &p
	out := p
	q.mu.Unlock()

	online := q.conn.Online()
	q.logger.Info("message queued",
		zap.String("temp_id", p.TempID), zap.String("thread_id", p.ThreadID), zap.Bool("online", online))
	q.bus.Publish(bus.Event{Kind: bus.QueueEnqueued, Payload: out})

	if online {
		q.kick()
	}
	return out, nil
}

// Flush attempts every sending entry in submission order and confirms
// entries already written. Concurrent calls share one run.
func (q *Queue) Flush(ctx context.Context) error {
	_, err, _ := q.flights.Do("flush", func() (any, error) {
		return nil, q.flush(ctx)
	})
	return err
}

func (q *Queue) flush(ctx context.Context) error {
	if !q.conn.Online() {
		return nil
	}
	var errs []error
	for _, p := range q.snapshot("") {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case p.Status != model.PendingSending:
		case p.ServerID != "":
			q.confirm(ctx, p)
		default:
			if err := q.attempt(ctx, p.TempID); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p.TempID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Retry re-arms a failed entry and schedules delivery.
func (q *Queue) Retry(ctx context.Context, tempID string) (model.PendingMessage, error) {
	if err := ctx.Err(); err != nil {
		return model.PendingMessage{}, err
	}
	q.mu.Lock()
	p, ok := q.entries[tempID]
	if !ok {
		q.mu.Unlock()
		return model.PendingMessage{}, ErrNotFound
	}
	if p.Status != model.PendingFailed {
		q.mu.Unlock()
		return model.PendingMessage{}, ErrNotFailed
	}
	p.Status = model.PendingSending
	p.Attempts = 0
	p.LastError = ""
	err := q.persistLocked(p)
	out := *p
	q.mu.Unlock()
	if err != nil {
		return model.PendingMessage{}, err
	}

	q.logger.Info("message retry requested", zap.String("temp_id", tempID))
	q.bus.Publish(bus.Event{Kind: bus.QueueEnqueued, Payload: out})
	if q.conn.Online() {
		q.kick()
	}
	return out, nil
}

// Discard removes a failed entry.
func (q *Queue) Discard(tempID string) error {
	q.mu.Lock()
	p, ok := q.entries[tempID]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if p.Status != model.PendingFailed {
		q.mu.Unlock()
		return ErrNotFailed
	}
	if err := q.kv.Remove(kv.QueueKey(tempID)); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("remove %s: %w", tempID, err)
	}
	delete(q.entries, tempID)
	out := *p
	q.mu.Unlock()

	q.logger.Info("message discarded", zap.String("temp_id", tempID))
	q.bus.Publish(bus.Event{Kind: bus.QueueDiscarded, Payload: out})
	return nil
}

// Reconcile drops pending entries whose committed copy has been observed
// and returns their temp ids.
func (q *Queue) Reconcile(committed []model.CommittedMessage) []string {
	var removed []string
	q.mu.Lock()
	for _, m := range committed {
		if m.TempID == "" {
			continue
		}
		p, ok := q.entries[m.TempID]
		if !ok {
			continue
		}
		if err := q.kv.Remove(kv.QueueKey(p.TempID)); err != nil {
			q.logger.Warn("failed to remove reconciled entry", zap.String("temp_id", p.TempID), zap.Error(err))
			continue
		}
		delete(q.entries, p.TempID)
		removed = append(removed, p.TempID)
	}
	q.mu.Unlock()

	for _, id := range removed {
		q.logger.Debug("message reconciled", zap.String("temp_id", id))
		q.bus.Publish(bus.Event{Kind: bus.QueueReconciled, Payload: id})
	}
	return removed
}

// Pending returns the entries of threadID in submission order. An empty
// threadID returns every entry.
func (q *Queue) Pending(threadID string) []model.PendingMessage {
	return q.snapshot(threadID)
}

// Get returns one entry.
func (q *Queue) Get(tempID string) (model.PendingMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.entries[tempID]
	if !ok {
		return model.PendingMessage{}, ErrNotFound
	}
	return *p, nil
}

func (q *Queue) snapshot(threadID string) []model.PendingMessage {
	q.mu.Lock()
	out := make([]model.PendingMessage, 0, len(q.entries))
	for _, p := range q.entries {
		if threadID == "" || p.ThreadID == threadID {
			out = append(out, *p)
		}
	}
	q.mu.Unlock()
	SortPending(out)
	return out
}

// SortPending orders entries by submission.
func SortPending(ps []model.PendingMessage) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].EnqueuedAt.Equal(ps[j].EnqueuedAt) {
			return ps[i].EnqueuedAt.Before(ps[j].EnqueuedAt)
		}
		return ps[i].TempID < ps[j].TempID
	})
}

// attempt makes one delivery attempt for tempID.
func (q *Queue) attempt(ctx context.Context, tempID string) error {
	q.mu.Lock()
	e, ok := q.entries[tempID]
	if !ok || q.inflight[tempID] || e.Status != model.PendingSending || e.ServerID != "" {
		q.mu.Unlock()
		return nil
	}
	q.inflight[tempID] = true
	p := *e
	if e.Media != nil {
		m := *e.Media
		p.Media = &m
	}
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, tempID)
		q.mu.Unlock()
	}()

	q.bus.Publish(bus.Event{Kind: bus.QueueAttempted, Payload: p})

	if p.Media.NeedsUpload() {
		if q.uploader == nil {
			return q.recordFailure(ctx, tempID, errors.New("no uploader configured"))
		}
		url, err := q.uploader.Upload(ctx, p.ThreadID, *p.Media)
		if err != nil {
			return q.recordFailure(ctx, tempID, fmt.Errorf("upload: %w", err))
		}
		p.Media.URL = url
		q.mu.Lock()
		if e, ok := q.entries[tempID]; ok && e.Media != nil {
			e.Media.URL = url
			if err := q.persistLocked(e); err != nil {
				q.logger.Warn("failed to persist uploaded media", zap.String("temp_id", tempID), zap.Error(err))
			}
		}
		q.mu.Unlock()
	}

	id, err := q.docs.Write(ctx, model.MessagesCollection(p.ThreadID), p.Document())
	if err != nil {
		return q.recordFailure(ctx, tempID, err)
	}

	q.mu.Lock()
	if e, ok := q.entries[tempID]; ok {
		e.ServerID = id
		e.LastError = ""
		if err := q.persistLocked(e); err != nil {
			q.logger.Warn("failed to persist server id", zap.String("temp_id", tempID), zap.Error(err))
		}
		p = *e
	}
	q.mu.Unlock()

	q.logger.Info("message sent", zap.String("temp_id", tempID), zap.String("message_id", id))
	q.bus.Publish(bus.Event{Kind: bus.QueueSent, Payload: p})

	summary := map[string]any{
		"lastMessage": map[string]any{
			"text":      p.Text,
			"senderId":  p.SenderID,
			"createdAt": docstore.ServerTimestamp,
		},
		"updatedAt": docstore.ServerTimestamp,
	}
	if err := q.docs.Update(ctx, model.ThreadPath(p.ThreadID), summary); err != nil {
		q.logger.Warn("failed to update thread summary", zap.String("thread_id", p.ThreadID), zap.Error(err))
	}
	return nil
}

func (q *Queue) recordFailure(ctx context.Context, tempID string, cause error) error {
	if ctx.Err() != nil {
		// Shutdown is not a delivery failure.
		return ctx.Err()
	}

	q.mu.Lock()
	e, ok := q.entries[tempID]
	if !ok {
		q.mu.Unlock()
		return cause
	}
	e.Attempts++
	e.LastError = cause.Error()
	if e.Attempts >= q.maxAttempts {
		e.Status = model.PendingFailed
	}
	if err := q.persistLocked(e); err != nil {
		q.logger.Error("failed to persist queue entry", zap.String("temp_id", tempID), zap.Error(err))
	}
	p := *e
	q.mu.Unlock()

	if p.Status == model.PendingFailed {
		q.logger.Error("message delivery failed permanently",
			zap.String("temp_id", tempID), zap.Int("attempts", p.Attempts), zap.Error(cause))
		q.bus.Publish(bus.Event{Kind: bus.QueueFailed, Payload: p})
	} else {
		q.logger.Warn("message delivery failed",
			zap.String("temp_id", tempID), zap.Int("attempts", p.Attempts), zap.Error(cause))
	}
	return cause
}

// confirm drops an entry whose write succeeded once its committed copy is
// readable, covering entries nobody reconciled before a restart.
func (q *Queue) confirm(ctx context.Context, p model.PendingMessage) {
	doc, err := q.docs.Get(ctx, model.MessagePath(p.ThreadID, p.ServerID))
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			q.logger.Debug("confirm failed", zap.String("temp_id", p.TempID), zap.Error(err))
		}
		return
	}
	m, err := model.MessageFromDoc(p.ThreadID, doc)
	if err != nil {
		return
	}
	m.TempID = p.TempID
	q.Reconcile([]model.CommittedMessage{m})
}

func (q *Queue) persistLocked(p *model.PendingMessage) error {
	if err := kv.SetValue(q.kv, kv.QueueKey(p.TempID), p); err != nil {
		return fmt.Errorf("persist %s: %w", p.TempID, err)
	}
	return nil
}
