// Package timeline renders one thread's messages: committed messages from
// the document store merged with the local send queue, with each pending
// entry swapped for its committed copy in a single update.
package timeline

import (
	"sync"

	"github.com/matheus3301/threadsync/internal/bus"
	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/logging"
	"github.com/matheus3301/threadsync/internal/model"
	"github.com/matheus3301/threadsync/internal/outbox"
	"go.uber.org/zap"
)

// Queue is the part of the send queue a timeline reads.
type Queue interface {
	Pending(threadID string) []model.PendingMessage
	Reconcile(committed []model.CommittedMessage) []string
}

// Service opens timelines.
type Service struct {
	docs   docstore.Store
	queue  Queue
	bus    *bus.Bus
	logger *zap.Logger
}

func New(docs docstore.Store, queue Queue, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{docs: docs, queue: queue, bus: b, logger: logging.OrNop(logger)}
}

// MessagesQuery lists a thread's messages in display order.
func MessagesQuery(threadID string) docstore.Query {
	return docstore.Collection(model.MessagesCollection(threadID)).Order("createdAt", false)
}

type watcher struct {
	threadID string
	viewerID string
	queue    Queue
	logger   *zap.Logger
	onUpdate func([]outbox.Entry)

	mu        sync.Mutex
	stopped   bool
	committed []model.CommittedMessage
	seq       uint64

	emitMu  sync.Mutex
	emitted uint64
}

// Watch calls onUpdate with the merged view of threadID for viewerID after
// every committed snapshot and every queue change. The returned function
// stops watching and may be called more than once.
func (s *Service) Watch(threadID, viewerID string, onUpdate func([]outbox.Entry)) func() {
	w := &watcher{
		threadID: threadID,
		viewerID: viewerID,
		queue:    s.queue,
		logger:   s.logger.With(zap.String("thread_id", threadID)),
		onUpdate: onUpdate,
	}

	events, unsub := s.bus.Subscribe("queue.", 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-events:
				w.handleEvent(evt)
			case <-done:
				return
			}
		}
	}()

	dispose := s.docs.Subscribe(MessagesQuery(threadID), w.onSnapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.stopped = true
			w.mu.Unlock()
			dispose()
			unsub()
			close(done)
		})
	}
}

func (w *watcher) handleEvent(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case model.PendingMessage:
		if p.ThreadID != w.threadID {
			return
		}
	case string:
		// queue.reconciled carries only the temp id.
	default:
		return
	}
	w.render()
}

func (w *watcher) onSnapshot(snap docstore.Snapshot, err error) {
	if err != nil {
		// Keep showing what we have.
		w.logger.Warn("timeline subscription failed", zap.Error(err))
		return
	}
	committed := make([]model.CommittedMessage, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		m, err := model.MessageFromDoc(w.threadID, d)
		if err != nil {
			w.logger.Debug("skipping message", zap.String("message_id", d.ID), zap.Error(err))
			continue
		}
		committed = append(committed, m)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.committed = committed
	w.mu.Unlock()

	if removed := w.queue.Reconcile(committed); len(removed) > 0 {
		w.logger.Debug("pending messages reconciled", zap.Strings("temp_ids", removed))
	}
	w.render()
}

func (w *watcher) render() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	// Merge drops pending entries correlated with committed ones, so the
	// view is consistent even before Reconcile has run.
	view := outbox.Merge(w.committed, w.queue.Pending(w.threadID), w.viewerID)
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if seq <= w.emitted {
		return
	}
	w.emitted = seq
	w.onUpdate(view)
}
