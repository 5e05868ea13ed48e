package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/threadsync/internal/logging"
	"github.com/matheus3301/threadsync/internal/store"
	"go.uber.org/zap"
)

// Local is a Store and Channel backed by the session's SQLite database. It
// stands in for the hosted document database: ids come from uuid, the
// server clock is persisted and strictly increasing, and live queries are
// re-evaluated after every mutation.
//
// While the channel is disabled every read and write fails with
// ErrUnavailable and listeners receive nothing; re-enabling delivers one
// catch-up snapshot per listener.
type Local struct {
	db     *store.DB
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	enabled   bool
	listeners map[int]*listener
	nextID    int
}

type listener struct {
	query  Query
	box    *mailbox
	primed bool
	last   map[string]delivered
}

type delivered struct {
	fingerprint []byte
	doc         Document
}

// NewLocal returns a Local store with the channel enabled.
func NewLocal(db *store.DB, logger *zap.Logger) *Local {
	return &Local{
		db:        db,
		logger:    logging.OrNop(logger),
		now:       time.Now,
		enabled:   true,
		listeners: make(map[int]*listener),
	}
}

// Enabled reports the channel state.
func (s *Local) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetChannelEnabled suspends or resumes the realtime channel.
func (s *Local) SetChannelEnabled(ctx context.Context, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled == enabled {
		return nil
	}
	s.enabled = enabled
	s.logger.Info("document channel toggled", zap.Bool("enabled", enabled), zap.Int("listeners", len(s.listeners)))
	if !enabled {
		return nil
	}

	byCollection := make(map[string][]*listener)
	for _, l := range s.listeners {
		byCollection[l.query.Collection] = append(byCollection[l.query.Collection], l)
	}
	for collection, ls := range byCollection {
		docs, err := s.loadCollection(collection)
		if err != nil {
			s.logger.Error("catch-up load failed", zap.String("collection", collection), zap.Error(err))
			continue
		}
		for _, l := range ls {
			s.refreshLocked(l, docs)
		}
	}
	return nil
}

// Write creates a document with a uuid id.
func (s *Local) Write(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if collection == "" || strings.Count(collection, "/")%2 != 0 {
		return "", fmt.Errorf("docstore: invalid collection %q", collection)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return "", ErrUnavailable
	}

	id := uuid.NewString()
	if err := s.putLocked(collection, id, data, nil); err != nil {
		return "", err
	}
	return id, nil
}

// Set creates or replaces the document at path.
func (s *Local) Set(ctx context.Context, path string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrUnavailable
	}
	return s.putLocked(collection, id, data, nil)
}

// Update applies field updates to an existing document in one transaction.
func (s *Local) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrUnavailable
	}

	raw, err := s.db.GetDocument(collection, id)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if raw == nil {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	current, err := decode(raw.Data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return s.putLocked(collection, id, current, fields)
}

// Get reads one document.
func (s *Local) Get(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return Document{}, ErrUnavailable
	}

	raw, err := s.db.GetDocument(collection, id)
	if err != nil {
		return Document{}, fmt.Errorf("load %s: %w", path, err)
	}
	if raw == nil {
		return Document{}, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	data, err := decode(raw.Data)
	if err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return Document{ID: id, Path: path, Data: data}, nil
}

// Subscribe starts a live query.
func (s *Local) Subscribe(q Query, fn Listener) func() {
	l := &listener{query: q, box: newMailbox(fn)}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	if s.enabled {
		if docs, err := s.loadCollection(q.Collection); err != nil {
			l.box.push(delivery{err: fmt.Errorf("initial snapshot: %w", err)})
		} else {
			s.refreshLocked(l, docs)
		}
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
			l.box.close()
		})
	}
}

// putLocked resolves sentinels, stores the document and notifies listeners
// of its collection. fields, when non-nil, are applied on top of base.
func (s *Local) putLocked(collection, id string, base, fields map[string]any) error {
	doc := cloneMap(base)
	var ts int64
	stamp := func() (int64, error) {
		if ts == 0 {
			var err error
			if ts, err = s.db.NextServerTime(s.now()); err != nil {
				return 0, err
			}
		}
		return ts, nil
	}

	resolved, err := resolveSentinels(doc, stamp)
	if err != nil {
		return err
	}
	doc = resolved.(map[string]any)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := resolveSentinels(cloneValue(fields[k]), stamp)
		if err != nil {
			return err
		}
		setPath(doc, k, v)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	if err := s.db.PutDocument(collection, id, body); err != nil {
		return fmt.Errorf("store %s/%s: %w", collection, id, err)
	}

	s.notifyLocked(collection)
	return nil
}

func (s *Local) notifyLocked(collection string) {
	var docs []Document
	loaded := false
	for _, l := range s.listeners {
		if l.query.Collection != collection {
			continue
		}
		if !loaded {
			var err error
			if docs, err = s.loadCollection(collection); err != nil {
				s.logger.Error("reload after write failed", zap.String("collection", collection), zap.Error(err))
				return
			}
			loaded = true
		}
		s.refreshLocked(l, docs)
	}
}

// refreshLocked evaluates l's query and pushes a snapshot if anything
// changed since the last one, or unconditionally for the first one.
func (s *Local) refreshLocked(l *listener, all []Document) {
	results := l.query.Apply(all)
	next := make(map[string]delivered, len(results))
	var changes []Change
	for i, d := range results {
		d = Document{ID: d.ID, Path: d.Path, Data: cloneMap(d.Data)}
		results[i] = d
		fp, _ := json.Marshal(d.Data)
		next[d.ID] = delivered{fingerprint: fp, doc: d}
		prev, seen := l.last[d.ID]
		switch {
		case !seen:
			changes = append(changes, Change{Type: Added, Doc: d})
		case !bytes.Equal(prev.fingerprint, fp):
			changes = append(changes, Change{Type: Modified, Doc: d})
		}
	}
	var removed []string
	for id := range l.last {
		if _, still := next[id]; !still {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		changes = append(changes, Change{Type: Removed, Doc: l.last[id].doc})
	}
	if l.primed && len(changes) == 0 {
		return
	}
	l.primed = true
	l.last = next
	l.box.push(delivery{snap: Snapshot{Docs: results, Changes: changes}})
}

func (s *Local) loadCollection(collection string) ([]Document, error) {
	raws, err := s.db.ListDocuments(collection)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(raws))
	for _, r := range raws {
		data, err := decode(r.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, r.ID, err)
		}
		docs = append(docs, Document{ID: r.ID, Path: JoinPath(collection, r.ID), Data: data})
	}
	return docs, nil
}

func decode(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return normalize(data).(map[string]any), nil
}

// normalize turns json.Number into int64 (or float64 for fractions).
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	}
	return v
}

func resolveSentinels(v any, stamp func() (int64, error)) (any, error) {
	switch t := v.(type) {
	case *Sentinel:
		if t == ServerTimestamp {
			return stamp()
		}
		return t, nil
	case map[string]any:
		for k, e := range t {
			if e == Delete {
				delete(t, k)
				continue
			}
			r, err := resolveSentinels(e, stamp)
			if err != nil {
				return nil, err
			}
			t[k] = r
		}
		return t, nil
	}
	return v, nil
}

func setPath(doc map[string]any, field string, v any) {
	parts := strings.Split(field, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			if v == Delete {
				return
			}
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if v == Delete {
		delete(cur, last)
		return
	}
	cur[last] = v
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
