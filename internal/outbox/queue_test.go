package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/threadsync/internal/bus"
	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/kv"
	"github.com/matheus3301/threadsync/internal/model"
	"github.com/matheus3301/threadsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ online atomic.Bool }

func (f *fakeConn) Online() bool { return f.online.Load() }

type fakeUploader struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (u *fakeUploader) Upload(_ context.Context, threadID string, m model.Media) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.fails > 0 {
		u.fails--
		return "", errors.New("upload timed out")
	}
	return "https://cdn.example/" + threadID + "/" + filepath.Base(m.LocalURI), nil
}

type fixture struct {
	kv   *kv.Bolt
	docs *docstore.Local
	conn *fakeConn
	bus  *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "documents.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b, err := kv.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	docs := docstore.NewLocal(db, nil)
	require.NoError(t, docs.Set(context.Background(), model.ThreadPath("t1"), map[string]any{
		"members":   []string{"alice", "bob"},
		"updatedAt": int64(1),
	}))

	return &fixture{kv: b, docs: docs, conn: &fakeConn{}, bus: bus.New()}
}

func (f *fixture) queue(opts Options) *Queue {
	opts.Bus = f.bus
	return New(f.kv, f.docs, f.conn, opts)
}

func (f *fixture) committed(t *testing.T, p model.PendingMessage) model.CommittedMessage {
	t.Helper()
	doc, err := f.docs.Get(context.Background(), model.MessagePath(p.ThreadID, p.ServerID))
	require.NoError(t, err)
	m, err := model.MessageFromDoc(p.ThreadID, doc)
	require.NoError(t, err)
	return m
}

func TestSendOfflineThenFlush(t *testing.T) {
	f := newFixture(t)
	q := f.queue(Options{})
	ctx := context.Background()

	sent, err := q.Send(ctx, model.PendingMessage{ThreadID: "t1", Text: "hi"}, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.TempID)
	assert.Equal(t, model.PendingSending, sent.Status)
	assert.Equal(t, "alice", sent.SenderID)

	// Offline flush makes no attempt.
	require.NoError(t, q.Flush(ctx))
	pending := q.Pending("t1")
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].ServerID)
	assert.Zero(t, pending[0].Attempts)

	f.conn.online.Store(true)
	require.NoError(t, q.Flush(ctx))

	pending = q.Pending("t1")
	require.Len(t, pending, 1)
	require.NotEmpty(t, pending[0].ServerID)
	m := f.committed(t, pending[0])
	assert.Equal(t, "hi", m.Text)
	assert.Equal(t, sent.TempID, m.TempID)

	// Both copies known: the merged view shows the message once.
	view := Merge([]model.CommittedMessage{m}, pending, "alice")
	require.Len(t, view, 1)
	require.NotNil(t, view[0].Committed)
	assert.Equal(t, "hi", view[0].Text())

	assert.Equal(t, []string{sent.TempID}, q.Reconcile([]model.CommittedMessage{m}))
	assert.Empty(t, q.Pending("t1"))
	_, err = f.kv.Get(kv.QueueKey(sent.TempID))
	assert.ErrorIs(t, err, kv.ErrNotFound)

	thread, err := f.docs.Get(ctx, model.ThreadPath("t1"))
	require.NoError(t, err)
	th := model.ThreadFromDoc(thread)
	require.NotNil(t, th.LastMessage)
	assert.Equal(t, "hi", th.LastMessage.Text)
}

func TestUploadFailuresExhaustRetries(t *testing.T) {
	f := newFixture(t)
	f.conn.online.Store(true)
	up := &fakeUploader{fails: 3}
	q := f.queue(Options{Uploader: up})
	ctx := context.Background()
	failed, unsub := f.bus.Subscribe(bus.QueueFailed, 4)
	defer unsub()

	sent, err := q.Send(ctx, model.PendingMessage{
		ThreadID: "t1",
		Media:    &model.Media{Type: "image", LocalURI: "file:///tmp/cat.jpg", Width: 800, Height: 600},
	}, "alice")
	require.NoError(t, err)

	statuses := []model.PendingStatus{sent.Status}
	for i := 0; i < 3; i++ {
		assert.Error(t, q.Flush(ctx))
		p, err := q.Get(sent.TempID)
		require.NoError(t, err)
		statuses = append(statuses, p.Status)
	}
	assert.Equal(t, []model.PendingStatus{
		model.PendingSending, model.PendingSending, model.PendingSending, model.PendingFailed,
	}, statuses)

	select {
	case evt := <-failed:
		p := evt.Payload.(model.PendingMessage)
		assert.Equal(t, 3, p.Attempts)
		assert.Contains(t, p.LastError, "upload")
	default:
		t.Fatal("no queue.failed event")
	}

	// Failed entries are kept and skipped by Flush.
	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, 3, up.calls)
	p, err := q.Get(sent.TempID)
	require.NoError(t, err)
	assert.Equal(t, 600, p.Media.Height, "media metadata kept for placeholder rendering")

	retried, err := q.Retry(ctx, sent.TempID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingSending, retried.Status)
	assert.Zero(t, retried.Attempts)

	require.NoError(t, q.Flush(ctx))
	p, err = q.Get(sent.TempID)
	require.NoError(t, err)
	require.NotEmpty(t, p.ServerID)
	m := f.committed(t, p)
	require.NotNil(t, m.Media)
	assert.Equal(t, "https://cdn.example/t1/cat.jpg", m.Media.URL)
	assert.Equal(t, 800, m.Media.Width)
}

func TestWriteFailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	f.conn.online.Store(true)
	q := f.queue(Options{MaxAttempts: 2})
	ctx := context.Background()

	// The channel drops between the online check and the write.
	require.NoError(t, f.docs.SetChannelEnabled(ctx, false))
	sent, err := q.Send(ctx, model.PendingMessage{ThreadID: "t1", Text: "later"}, "alice")
	require.NoError(t, err)

	err = q.Flush(ctx)
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
	p, err := q.Get(sent.TempID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, model.PendingSending, p.Status)

	require.NoError(t, f.docs.SetChannelEnabled(ctx, true))
	require.NoError(t, q.Flush(ctx))
	p, err = q.Get(sent.TempID)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ServerID)
}

func TestFlushPreservesSubmissionOrder(t *testing.T) {
	f := newFixture(t)
	q := f.queue(Options{})
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		p, err := q.Send(ctx, model.PendingMessage{ThreadID: "t1", Text: text}, "alice")
		require.NoError(t, err)
		ids = append(ids, p.TempID)
	}

	f.conn.online.Store(true)
	require.NoError(t, q.Flush(ctx))

	var committed []model.CommittedMessage
	for _, id := range ids {
		p, err := q.Get(id)
		require.NoError(t, err)
		committed = append(committed, f.committed(t, p))
	}
	assert.True(t, committed[0].CreatedAt.Before(committed[1].CreatedAt))
	assert.True(t, committed[1].CreatedAt.Before(committed[2].CreatedAt))

	view := Merge(committed, q.Pending("t1"), "alice")
	require.Len(t, view, 3)
	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, view[i].Text())
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q := f.queue(Options{})
	sent, err := q.Send(ctx, model.PendingMessage{ThreadID: "t1", Text: "persist me"}, "alice")
	require.NoError(t, err)

	restarted := f.queue(Options{})
	require.NoError(t, restarted.Load())
	pending := restarted.Pending("t1")
	require.Len(t, pending, 1)
	assert.Equal(t, sent.TempID, pending[0].TempID)
	assert.Equal(t, "persist me", pending[0].Text)
	assert.Equal(t, model.PendingSending, pending[0].Status)
}

func TestFlushConfirmsWrittenEntries(t *testing.T) {
	f := newFixture(t)
	f.conn.online.Store(true)
	ctx := context.Background()

	q := f.queue(Options{})
	sent, err := q.Send(ctx, model.PendingMessage{ThreadID: "t1", Text: "written"}, "alice")
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx))

	// A restarted queue finds the entry already written and drops it.
	restarted := f.queue(Options{})
	require.NoError(t, restarted.Load())
	p, err := restarted.Get(sent.TempID)
	require.NoError(t, err)
	require.NotEmpty(t, p.ServerID)

	require.NoError(t, restarted.Flush(ctx))
	_, err = restarted.Get(sent.TempID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackgroundDelivery(t *testing.T) {
	f := newFixture(t)
	f.conn.online.Store(true)
	q := f.queue(Options{})
	q.Start(context.Background())
	defer q.Stop()

	sent, err := q.Send(context.Background(), model.PendingMessage{ThreadID: "t1", Text: "async"}, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := q.Get(sent.TempID)
		return err == nil && p.ServerID != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	q := f.queue(Options{MaxAttempts: 1, Uploader: &fakeUploader{fails: 1}})
	ctx := context.Background()

	assert.ErrorIs(t, q.Discard("nope"), ErrNotFound)

	sent, err := q.Send(ctx, model.PendingMessage{
		ThreadID: "t1",
		Media:    &model.Media{Type: "video", LocalURI: "file:///clip.mp4", DurationMs: 1200},
	}, "alice")
	require.NoError(t, err)
	assert.ErrorIs(t, q.Discard(sent.TempID), ErrNotFailed)

	_, err = q.Retry(ctx, sent.TempID)
	assert.ErrorIs(t, err, ErrNotFailed)

	f.conn.online.Store(true)
	assert.Error(t, q.Flush(ctx))
	require.NoError(t, q.Discard(sent.TempID))
	assert.Empty(t, q.Pending(""))
	_, err = f.kv.Get(kv.QueueKey(sent.TempID))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	q := f.queue(Options{})
	ctx := context.Background()

	_, err := q.Send(ctx, model.PendingMessage{ThreadID: "t1", Text: "   "}, "alice")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = q.Send(ctx, model.PendingMessage{Text: "x"}, "alice")
	assert.Error(t, err)

	p, err := q.Send(ctx, model.PendingMessage{ThreadID: "t1", TempID: "fixed", Text: "x"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "fixed", p.TempID)
	_, err = q.Send(ctx, model.PendingMessage{ThreadID: "t1", TempID: "fixed", Text: "y"}, "alice")
	assert.Error(t, err)
}
