// Package unread maintains live unread counts for every thread a member
// belongs to.
//
// One outer live query lists the member's threads. Each thread gets a nested
// live query over messages from other members newer than the member's read
// marker; its result size is the unread count. When a marker changes the
// nested query is disposed, the count is reported as zero at once, and a new
// query is started with the new lower bound.
package unread

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/logging"
	"github.com/matheus3301/threadsync/internal/model"
	"go.uber.org/zap"
)

// EntryState is the lifecycle state of one thread's nested subscription.
type EntryState int

const (
	NoListener EntryState = iota
	Listening
	Rebuilding
	Disposed
)

func (s EntryState) String() string {
	switch s {
	case NoListener:
		return "no-listener"
	case Listening:
		return "listening"
	case Rebuilding:
		return "rebuilding"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("EntryState(%d)", int(s))
	}
}

// ThreadUnread is a thread annotated with the member's unread count.
type ThreadUnread struct {
	Thread      model.Thread
	UnreadCount int
	State       EntryState
}

// Engine creates unread subscriptions against a document store.
type Engine struct {
	docs   docstore.Store
	logger *zap.Logger
}

func New(docs docstore.Store, logger *zap.Logger) *Engine {
	return &Engine{docs: docs, logger: logging.OrNop(logger)}
}

// ThreadsQuery lists member's threads, most recently updated first.
func ThreadsQuery(member string) docstore.Query {
	return docstore.Collection(model.ThreadsCollection).
		Where("members", docstore.ArrayContains, member).
		Order("updatedAt", true)
}

// UnreadQuery selects the messages of threadID member has not read. Without
// a marker every message from others counts.
func UnreadQuery(threadID, member string, marker time.Time, hasMarker bool) docstore.Query {
	q := docstore.Collection(model.MessagesCollection(threadID)).
		Where("senderId", docstore.NotEq, member)
	if hasMarker {
		q = q.Where("createdAt", docstore.Gt, model.Millis(marker))
	}
	return q
}

// Subscription is a live thread list for one member. onUpdate receives the
// full list after every change, in thread order.
type Subscription struct {
	docs     docstore.Store
	logger   *zap.Logger
	member   string
	onUpdate func([]ThreadUnread)

	mu      sync.Mutex
	closed  bool
	outer   func()
	order   []string
	entries map[string]*entry
	current []ThreadUnread
	seq     uint64

	// emitMu orders deliveries; a list older than the last delivered one
	// is skipped.
	emitMu  sync.Mutex
	emitted uint64
}

type entry struct {
	thread    model.Thread
	marker    time.Time
	hasMarker bool
	// gen identifies the nested subscription; callbacks carrying an older
	// gen are ignored.
	gen    uint64
	cancel func()
	count  int
	state  EntryState
}

type pendingSub struct {
	threadID  string
	gen       uint64
	marker    time.Time
	hasMarker bool
}

// Subscribe starts tracking member's threads.
func (e *Engine) Subscribe(member string, onUpdate func([]ThreadUnread)) *Subscription {
	s := &Subscription{
		docs:     e.docs,
		logger:   e.logger.With(zap.String("member", member)),
		member:   member,
		onUpdate: onUpdate,
		entries:  make(map[string]*entry),
	}
	dispose := e.docs.Subscribe(ThreadsQuery(member), s.onThreads)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		dispose()
		return s
	}
	s.outer = dispose
	s.mu.Unlock()
	return s
}

// Current returns the last computed list.
func (s *Subscription) Current() []ThreadUnread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ThreadUnread(nil), s.current...)
}

// Close disposes the outer subscription and every nested one. It is safe to
// call more than once and from inside onUpdate.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	outer := s.outer
	s.outer = nil
	for id, en := range s.entries {
		s.disposeLocked(en)
		delete(s.entries, id)
	}
	s.order = nil
	s.mu.Unlock()

	if outer != nil {
		outer()
	}
}

func (s *Subscription) onThreads(snap docstore.Snapshot, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if err != nil {
		s.logError("thread list subscription failed", err)
		for id, en := range s.entries {
			s.disposeLocked(en)
			delete(s.entries, id)
		}
		s.order = nil
		list, seq := s.buildLocked()
		s.mu.Unlock()
		s.emit(list, seq)
		return
	}

	var subs []pendingSub
	seen := make(map[string]bool, len(snap.Docs))
	order := make([]string, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		th := model.ThreadFromDoc(d)
		if seen[th.ID] {
			continue
		}
		seen[th.ID] = true
		order = append(order, th.ID)
		marker, hasMarker := th.Marker(s.member)

		en, ok := s.entries[th.ID]
		if !ok {
			en = &entry{thread: th, marker: marker, hasMarker: hasMarker, gen: 1, state: NoListener}
			s.entries[th.ID] = en
			subs = append(subs, pendingSub{th.ID, en.gen, marker, hasMarker})
			continue
		}
		en.thread = th
		if sameMarker(en.marker, en.hasMarker, marker, hasMarker) {
			continue
		}

		// Dispose before the optimistic zero so no callback of the old
		// query can land after it.
		s.disposeLocked(en)
		en.gen++
		en.marker, en.hasMarker = marker, hasMarker
		en.count = 0
		en.state = Rebuilding
		subs = append(subs, pendingSub{th.ID, en.gen, marker, hasMarker})
		s.logger.Debug("read marker changed, rebuilding unread query",
			zap.String("thread_id", th.ID), zap.Time("marker", marker), zap.Bool("has_marker", hasMarker))
	}

	for id, en := range s.entries {
		if !seen[id] {
			s.disposeLocked(en)
			en.state = Disposed
			delete(s.entries, id)
		}
	}
	s.order = order
	list, seq := s.buildLocked()
	s.mu.Unlock()

	s.emit(list, seq)

	for _, p := range subs {
		s.startNested(p)
	}
}

func (s *Subscription) startNested(p pendingSub) {
	q := UnreadQuery(p.threadID, s.member, p.marker, p.hasMarker)
	dispose := s.docs.Subscribe(q, func(snap docstore.Snapshot, err error) {
		s.onMessages(p.threadID, p.gen, snap, err)
	})

	s.mu.Lock()
	en, ok := s.entries[p.threadID]
	if s.closed || !ok || en.gen != p.gen {
		s.mu.Unlock()
		dispose()
		return
	}
	en.cancel = dispose
	s.mu.Unlock()
}

func (s *Subscription) onMessages(threadID string, gen uint64, snap docstore.Snapshot, err error) {
	s.mu.Lock()
	en, ok := s.entries[threadID]
	if s.closed || !ok || en.gen != gen {
		s.mu.Unlock()
		return
	}

	count := len(snap.Docs)
	if err != nil {
		s.logError("unread subscription failed", err, zap.String("thread_id", threadID))
		count = 0
	}
	if en.count == count && en.state == Listening {
		s.mu.Unlock()
		return
	}
	en.count = count
	en.state = Listening
	list, seq := s.buildLocked()
	s.mu.Unlock()

	s.emit(list, seq)
}

func (s *Subscription) disposeLocked(en *entry) {
	if en.cancel != nil {
		en.cancel()
		en.cancel = nil
	}
}

func (s *Subscription) buildLocked() ([]ThreadUnread, uint64) {
	list := make([]ThreadUnread, 0, len(s.order))
	for _, id := range s.order {
		en := s.entries[id]
		list = append(list, ThreadUnread{Thread: en.thread, UnreadCount: en.count, State: en.state})
	}
	s.current = list
	s.seq++
	return append([]ThreadUnread(nil), list...), s.seq
}

func (s *Subscription) emit(list []ThreadUnread, seq uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if seq <= s.emitted {
		return
	}
	s.emitted = seq
	if s.onUpdate != nil {
		s.onUpdate(list)
	}
}

// logError reports a subscription error. Permission errors are expected
// while credentials refresh and stay at debug level.
func (s *Subscription) logError(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errors.Is(err, docstore.ErrPermissionDenied) {
		s.logger.Debug(msg, fields...)
		return
	}
	s.logger.Error(msg, fields...)
}

func sameMarker(a time.Time, hasA bool, b time.Time, hasB bool) bool {
	if hasA != hasB {
		return false
	}
	return !hasA || model.Millis(a) == model.Millis(b)
}
