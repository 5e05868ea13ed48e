// Package docstore defines the contract of the remote document database the
// sync core talks to, and a local implementation of it backed by SQLite.
//
// Documents are JSON-like maps. Timestamps are unix milliseconds. Paths are
// slash separated: "threads/t1" addresses a document in collection
// "threads", "threads/t1/messages/m1" one in "threads/t1/messages".
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable is returned while the realtime channel is disabled or
	// the backend cannot be reached.
	ErrUnavailable = errors.New("docstore: unavailable")
	// ErrPermissionDenied is reported when access is refused, typically
	// while credentials are being refreshed.
	ErrPermissionDenied = errors.New("docstore: permission denied")
	// ErrNotFound is returned by Get and Update for missing documents.
	ErrNotFound = errors.New("docstore: document not found")
)

// Sentinel is a placeholder field value resolved by the store.
type Sentinel struct{ name string }

func (s *Sentinel) String() string { return s.name }

var (
	// ServerTimestamp is replaced by the store's authoritative clock.
	ServerTimestamp = &Sentinel{"serverTimestamp"}
	// Delete removes the field it is assigned to in Update.
	Delete = &Sentinel{"delete"}
)

// Document is a single stored document.
type Document struct {
	ID   string
	Path string
	Data map[string]any
}

// ChangeType classifies an entry of Snapshot.Changes.
type ChangeType int

const (
	Added ChangeType = iota + 1
	Modified
	Removed
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(c))
	}
}

// Change is one incremental difference from the previous snapshot.
type Change struct {
	Type ChangeType
	Doc  Document
}

// Snapshot is the full result set of a live query plus what changed since
// the previous snapshot delivered to the same listener.
type Snapshot struct {
	Docs    []Document
	Changes []Change
}

// Listener receives snapshots or an error. After an error the subscription
// delivers nothing further.
type Listener func(Snapshot, error)

// Store is the document database contract consumed by the sync core.
type Store interface {
	// Write creates a document with a server-assigned id.
	Write(ctx context.Context, collection string, data map[string]any) (string, error)
	// Update atomically applies field updates. Keys may be dotted paths into
	// map fields ("lastRead.alice").
	Update(ctx context.Context, path string, fields map[string]any) error
	// Get reads a single document.
	Get(ctx context.Context, path string) (Document, error)
	// Subscribe starts a live query. The initial full snapshot is followed
	// by one snapshot per change. The returned function disposes the
	// subscription and may be called more than once.
	Subscribe(q Query, l Listener) (dispose func())
}

// Channel toggles the realtime connection between client and store.
type Channel interface {
	SetChannelEnabled(ctx context.Context, enabled bool) error
}

// SplitPath splits "coll/.../id" into its collection and document id.
func SplitPath(path string) (collection, id string, err error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("docstore: invalid document path %q", path)
	}
	collection, id = path[:i], path[i+1:]
	if strings.Count(collection, "/")%2 != 0 {
		return "", "", fmt.Errorf("docstore: %q is not a document path", path)
	}
	return collection, id, nil
}

// JoinPath builds a document path.
func JoinPath(collection, id string) string {
	return collection + "/" + id
}
