// Package receipt writes the local member's read markers. A marker only
// ever moves forward; writes that cannot reach the store are kept in the
// local key/value store and replayed by Flush.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/matheus3301/threadsync/internal/bus"
	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/kv"
	"github.com/matheus3301/threadsync/internal/logging"
	"github.com/matheus3301/threadsync/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrForeignMarker is returned when asked to move another member's marker.
var ErrForeignMarker = errors.New("receipt: cannot write another member's marker")

// Connectivity reports whether the realtime channel is up.
type Connectivity interface {
	Online() bool
}

// Receipt is a marker write, as published on the bus and persisted while
// pending.
type Receipt struct {
	ThreadID string `msgpack:"threadId"`
	MemberID string `msgpack:"memberId"`
	At       int64  `msgpack:"at"`
}

// Options configure a Marker.
type Options struct {
	// Self restricts writes to this member when set.
	Self   string
	Bus    *bus.Bus
	Logger *zap.Logger
}

// Marker serializes read-marker writes through a locked cache of the
// highest marker known per thread and member.
type Marker struct {
	docs   docstore.Store
	kv     kv.Store
	conn   Connectivity
	self   string
	bus    *bus.Bus
	logger *zap.Logger

	known   *geche.Locker[string, int64]
	flights singleflight.Group
}

func New(docs docstore.Store, store kv.Store, conn Connectivity, opts Options) *Marker {
	return &Marker{
		docs:   docs,
		kv:     store,
		conn:   conn,
		self:   opts.Self,
		bus:    opts.Bus,
		logger: logging.OrNop(opts.Logger),
		known:  geche.NewLocker[string, int64](geche.NewMapCache[string, int64]()),
	}
}

func cacheKey(threadID, memberID string) string {
	return threadID + "/" + memberID
}

// MarkRead advances memberID's marker in threadID to at. It reports whether
// the marker moved; an older or equal value is ignored. Offline or failed
// writes are queued and reported as moved.
func (m *Marker) MarkRead(ctx context.Context, threadID, memberID string, at time.Time) (bool, error) {
	if m.self != "" && memberID != m.self {
		return false, ErrForeignMarker
	}
	if threadID == "" || memberID == "" {
		return false, errors.New("receipt: thread and member are required")
	}
	if strings.Contains(threadID, "/") {
		return false, fmt.Errorf("receipt: invalid thread id %q", threadID)
	}
	atMs := model.Millis(at)
	key := cacheKey(threadID, memberID)

	tx := m.known.Lock()
	defer tx.Unlock()

	cur, err := tx.Get(key)
	hasCur := err == nil
	if remote, ok := m.remoteMarker(ctx, threadID, memberID); ok && (!hasCur || remote > cur) {
		cur, hasCur = remote, true
	}
	if p, ok := m.pending(threadID, memberID); ok && (!hasCur || p.At > cur) {
		cur, hasCur = p.At, true
	}
	if hasCur {
		tx.Set(key, cur)
	}
	if hasCur && atMs <= cur {
		return false, nil
	}

	// The cache only advances once the marker is stored or queued.
	r := Receipt{ThreadID: threadID, MemberID: memberID, At: atMs}
	if !m.conn.Online() {
		if err := m.queue(r, nil); err != nil {
			return false, err
		}
		tx.Set(key, atMs)
		return true, nil
	}
	if err := m.write(ctx, r); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if qerr := m.queue(r, err); qerr != nil {
			return false, qerr
		}
		tx.Set(key, atMs)
		return true, nil
	}
	tx.Set(key, atMs)
	if err := m.kv.Remove(kv.PendingReceiptKey(threadID, memberID)); err != nil {
		m.logger.Warn("failed to clear pending receipt", zap.String("thread_id", threadID), zap.Error(err))
	}
	return true, nil
}

// Flush replays queued markers. Markers already overtaken by the stored
// value are dropped. Concurrent calls share one run.
func (m *Marker) Flush(ctx context.Context) error {
	_, err, _ := m.flights.Do("flush", func() (any, error) {
		return nil, m.flush(ctx)
	})
	return err
}

func (m *Marker) flush(ctx context.Context) error {
	if !m.conn.Online() {
		return nil
	}
	keys, err := m.kv.Keys(kv.PendingReceiptPrefix)
	if err != nil {
		return fmt.Errorf("list pending receipts: %w", err)
	}

	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var r Receipt
		if err := kv.GetValue(m.kv, key, &r); err != nil {
			m.logger.Warn("dropping unreadable pending receipt", zap.String("key", key), zap.Error(err))
			if err := m.kv.Remove(key); err != nil {
				m.logger.Warn("failed to remove unreadable pending receipt", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		if err := m.replay(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Marker) replay(ctx context.Context, r Receipt) error {
	tx := m.known.Lock()
	defer tx.Unlock()

	// A newer MarkRead may have replaced the entry since it was listed.
	if p, ok := m.pending(r.ThreadID, r.MemberID); !ok || p.At != r.At {
		return nil
	}
	if remote, ok := m.remoteMarker(ctx, r.ThreadID, r.MemberID); ok && remote >= r.At {
		m.logger.Debug("pending receipt overtaken", zap.String("thread_id", r.ThreadID), zap.Int64("remote", remote))
		tx.Set(cacheKey(r.ThreadID, r.MemberID), remote)
		return m.kv.Remove(kv.PendingReceiptKey(r.ThreadID, r.MemberID))
	}
	if err := m.write(ctx, r); err != nil {
		return err
	}
	return m.kv.Remove(kv.PendingReceiptKey(r.ThreadID, r.MemberID))
}

func (m *Marker) write(ctx context.Context, r Receipt) error {
	err := m.docs.Update(ctx, model.ThreadPath(r.ThreadID), map[string]any{
		model.LastReadField(r.MemberID): r.At,
	})
	if err != nil {
		return err
	}
	m.logger.Debug("read marker written", zap.String("thread_id", r.ThreadID), zap.Int64("at", r.At))
	m.bus.Publish(bus.Event{Kind: bus.ReceiptWritten, Payload: r})
	return nil
}

func (m *Marker) queue(r Receipt, cause error) error {
	if err := kv.SetValue(m.kv, kv.PendingReceiptKey(r.ThreadID, r.MemberID), r); err != nil {
		return fmt.Errorf("queue receipt: %w", err)
	}
	if cause != nil {
		m.logger.Warn("read marker write failed, queued", zap.String("thread_id", r.ThreadID), zap.Error(cause))
	}
	m.bus.Publish(bus.Event{Kind: bus.ReceiptQueued, Payload: r})
	return nil
}

func (m *Marker) pending(threadID, memberID string) (Receipt, bool) {
	var r Receipt
	if err := kv.GetValue(m.kv, kv.PendingReceiptKey(threadID, memberID), &r); err != nil {
		return Receipt{}, false
	}
	return r, true
}

func (m *Marker) remoteMarker(ctx context.Context, threadID, memberID string) (int64, bool) {
	if !m.conn.Online() {
		return 0, false
	}
	doc, err := m.docs.Get(ctx, model.ThreadPath(threadID))
	if err != nil {
		return 0, false
	}
	at, ok := model.ThreadFromDoc(doc).Marker(memberID)
	if !ok {
		return 0, false
	}
	return model.Millis(at), true
}
