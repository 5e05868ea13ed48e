package timeline

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/threadsync/internal/bus"
	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/kv"
	"github.com/matheus3301/threadsync/internal/model"
	"github.com/matheus3301/threadsync/internal/outbox"
	"github.com/matheus3301/threadsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ online atomic.Bool }

func (f *fakeConn) Online() bool { return f.online.Load() }

type renders struct {
	mu    sync.Mutex
	views [][]outbox.Entry
}

func (r *renders) record(v []outbox.Entry) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
}

func (r *renders) last() []outbox.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return nil
	}
	return r.views[len(r.views)-1]
}

func (r *renders) all() [][]outbox.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]outbox.Entry(nil), r.views...)
}

func TestOfflineSendIsSwappedForCommittedCopy(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "documents.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	queueDB, err := kv.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	defer func() { _ = queueDB.Close() }()

	ctx := context.Background()
	docs := docstore.NewLocal(db, nil)
	require.NoError(t, docs.Set(ctx, model.ThreadPath("T"), map[string]any{"members": []string{"alice", "bob"}}))
	b := bus.New()
	conn := &fakeConn{}
	q := outbox.New(queueDB, docs, conn, outbox.Options{Bus: b})

	var r renders
	stop := New(docs, q, b, nil).Watch("T", "alice", r.record)
	defer stop()

	sent, err := q.Send(ctx, model.PendingMessage{ThreadID: "T", Text: "hi"}, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v := r.last()
		return len(v) == 1 && v[0].Pending != nil && v[0].Pending.Status == model.PendingSending
	}, 2*time.Second, 5*time.Millisecond)

	conn.online.Store(true)
	require.NoError(t, q.Flush(ctx))

	require.Eventually(t, func() bool {
		v := r.last()
		return len(v) == 1 && v[0].Committed != nil && v[0].Committed.Text == "hi"
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(q.Pending("T")) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, sent.TempID, r.last()[0].Committed.TempID)

	for i, v := range r.all() {
		assert.LessOrEqual(t, len(v), 1, "render %d shows the message twice: %+v", i, v)
	}
}

func TestWatchIgnoresOtherThreads(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "documents.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	queueDB, err := kv.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	defer func() { _ = queueDB.Close() }()

	ctx := context.Background()
	docs := docstore.NewLocal(db, nil)
	b := bus.New()
	q := outbox.New(queueDB, docs, &fakeConn{}, outbox.Options{Bus: b})

	var r renders
	stop := New(docs, q, b, nil).Watch("T", "alice", r.record)
	require.Eventually(t, func() bool { return len(r.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = q.Send(ctx, model.PendingMessage{ThreadID: "U", Text: "elsewhere"}, "alice")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.all(), 1)

	stop()
	stop()
	_, err = q.Send(ctx, model.PendingMessage{ThreadID: "T", Text: "after stop"}, "alice")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.all(), 1)
}
