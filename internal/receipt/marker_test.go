package receipt

import (
	"context"
	"errors"
	"math/rand"
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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeConn struct{ online atomic.Bool }

// failingKV rejects writes while fail is set and removals while failRemove
// is set.
type failingKV struct {
	kv.Store
	fail       atomic.Bool
	failRemove atomic.Bool
}

func (f *failingKV) Remove(key string) error {
	if f.failRemove.Load() {
		return errDiskFull
	}
	return f.Store.Remove(key)
}

var errDiskFull = errors.New("disk full")

func (f *failingKV) Set(key string, value []byte) error {
	if f.fail.Load() {
		return errDiskFull
	}
	return f.Store.Set(key, value)
}

func (f *fakeConn) Online() bool { return f.online.Load() }

type fixture struct {
	docs *docstore.Local
	kv   *kv.Bolt
	conn *fakeConn
	bus  *bus.Bus
	m    *Marker
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
	require.NoError(t, docs.Set(context.Background(), model.ThreadPath("T"), map[string]any{
		"members": []string{"alice", "bob"},
	}))

	f := &fixture{docs: docs, kv: b, conn: &fakeConn{}, bus: bus.New()}
	f.conn.online.Store(true)
	f.m = New(docs, b, f.conn, Options{Self: "bob", Bus: f.bus})
	return f
}

func (f *fixture) stored(t *testing.T) (int64, bool) {
	t.Helper()
	doc, err := f.docs.Get(context.Background(), model.ThreadPath("T"))
	require.NoError(t, err)
	at, ok := model.ThreadFromDoc(doc).Marker("bob")
	return model.Millis(at), ok
}

func TestMarkReadOnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	moved, err := f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(2000))
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(1000))
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(2000))
	require.NoError(t, err)
	assert.False(t, moved)

	at, ok := f.stored(t)
	require.True(t, ok)
	assert.Equal(t, int64(2000), at)
}

func TestMarkReadRespectsRemoteMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another device of the same member got further already.
	require.NoError(t, f.docs.Update(ctx, model.ThreadPath("T"), map[string]any{"lastRead.bob": int64(5000)}))

	moved, err := f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(4000))
	require.NoError(t, err)
	assert.False(t, moved)
	at, _ := f.stored(t)
	assert.Equal(t, int64(5000), at)
}

func TestMarkReadRejectsOtherMembers(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.MarkRead(context.Background(), "T", "alice", time.UnixMilli(1))
	assert.ErrorIs(t, err, ErrForeignMarker)
	_, ok := f.stored(t)
	assert.False(t, ok)
}

func TestConcurrentMarkReadIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		observed []int64
	)
	dispose := f.docs.Subscribe(docstore.Collection(model.ThreadsCollection), func(s docstore.Snapshot, err error) {
		if err != nil || len(s.Docs) == 0 {
			return
		}
		if at, ok := model.ThreadFromDoc(s.Docs[0]).Marker("bob"); ok {
			mu.Lock()
			observed = append(observed, model.Millis(at))
			mu.Unlock()
		}
	})
	defer dispose()

	times := rand.New(rand.NewSource(1)).Perm(40)
	var wg sync.WaitGroup
	for _, v := range times {
		wg.Add(1)
		go func(ms int64) {
			defer wg.Done()
			_, err := f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(ms))
			assert.NoError(t, err)
		}(int64(1000 + v))
	}
	wg.Wait()

	at, ok := f.stored(t)
	require.True(t, ok)
	assert.Equal(t, int64(1039), at)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) > 0 && observed[len(observed)-1] == 1039
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1], "marker went backwards: %v", observed)
	}
}

func TestOfflineMarkReadIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, unsub := f.bus.Subscribe("receipt.", 8)
	defer unsub()

	f.conn.online.Store(false)
	moved, err := f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(3000))
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(4000))
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(3500))
	require.NoError(t, err)
	assert.False(t, moved)

	_, ok := f.stored(t)
	assert.False(t, ok)
	keys, err := f.kv.Keys(kv.PendingReceiptPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{kv.PendingReceiptKey("T", "bob")}, keys)
	assert.Equal(t, bus.ReceiptQueued, (<-events).Kind)

	// Flush while offline does nothing.
	require.NoError(t, f.m.Flush(ctx))
	_, ok = f.stored(t)
	assert.False(t, ok)

	f.conn.online.Store(true)
	require.NoError(t, f.m.Flush(ctx))
	at, ok := f.stored(t)
	require.True(t, ok)
	assert.Equal(t, int64(4000), at, "only the newest queued marker is written")
	keys, err = f.kv.Keys(kv.PendingReceiptPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFailedWriteIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.docs.SetChannelEnabled(ctx, false))
	moved, err := f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(3000))
	require.NoError(t, err)
	assert.True(t, moved)

	assert.ErrorIs(t, f.m.Flush(ctx), docstore.ErrUnavailable)

	require.NoError(t, f.docs.SetChannelEnabled(ctx, true))
	require.NoError(t, f.m.Flush(ctx))
	at, ok := f.stored(t)
	require.True(t, ok)
	assert.Equal(t, int64(3000), at)
}

func TestFlushDropsOvertakenReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.conn.online.Store(false)
	_, err := f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(3000))
	require.NoError(t, err)

	require.NoError(t, f.docs.Update(ctx, model.ThreadPath("T"), map[string]any{"lastRead.bob": int64(9000)}))

	f.conn.online.Store(true)
	require.NoError(t, f.m.Flush(ctx))
	at, _ := f.stored(t)
	assert.Equal(t, int64(9000), at)
	keys, err := f.kv.Keys(kv.PendingReceiptPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCancelledMarkReadCanBeRetried(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	moved, err := f.m.MarkRead(ctx, "T", "bob", time.UnixMilli(5000))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, moved)
	_, ok := f.stored(t)
	require.False(t, ok)

	moved, err = f.m.MarkRead(context.Background(), "T", "bob", time.UnixMilli(5000))
	require.NoError(t, err)
	assert.True(t, moved)
	at, ok := f.stored(t)
	require.True(t, ok)
	assert.Equal(t, int64(5000), at)
}

func TestUnqueuedMarkReadCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &failingKV{Store: f.kv}
	m := New(f.docs, store, f.conn, Options{Self: "bob", Bus: f.bus})

	f.conn.online.Store(false)
	store.fail.Store(true)
	moved, err := m.MarkRead(ctx, "T", "bob", time.UnixMilli(6000))
	assert.ErrorIs(t, err, errDiskFull)
	assert.False(t, moved)

	store.fail.Store(false)
	moved, err = m.MarkRead(ctx, "T", "bob", time.UnixMilli(6000))
	require.NoError(t, err)
	assert.True(t, moved)
	keys, err := f.kv.Keys(kv.PendingReceiptPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{kv.PendingReceiptKey("T", "bob")}, keys)

	f.conn.online.Store(true)
	require.NoError(t, m.Flush(ctx))
	at, ok := f.stored(t)
	require.True(t, ok)
	assert.Equal(t, int64(6000), at)
}

func TestFlushLogsUnremovableGarbage(t *testing.T) {
	f := newFixture(t)
	store := &failingKV{Store: f.kv}
	core, logs := observer.New(zapcore.WarnLevel)
	m := New(f.docs, store, f.conn, Options{Self: "bob", Bus: f.bus, Logger: zap.New(core)})

	require.NoError(t, f.kv.Set(kv.PendingReceiptKey("T", "bob"), []byte{0xc1}))
	store.failRemove.Store(true)

	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("dropping unreadable pending receipt").Len())
	assert.Equal(t, 1, logs.FilterMessage("failed to remove unreadable pending receipt").Len())
}
