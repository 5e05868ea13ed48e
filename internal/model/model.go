// Package model holds the chat entities shared by the sync components and
// their mapping to remote documents.
package model

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// PendingStatus is the local delivery state of a queued message.
type PendingStatus string

const (
	PendingSending PendingStatus = "sending"
	PendingFailed  PendingStatus = "failed"
)

// MessageStatus is the delivery state of a committed message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Media describes an attachment. LocalURI without URL means the file has
// not been uploaded yet.
type Media struct {
	URL        string `msgpack:"url"`
	Type       string `msgpack:"type"`
	Width      int    `msgpack:"width,omitempty"`
	Height     int    `msgpack:"height,omitempty"`
	DurationMs int64  `msgpack:"durationMs,omitempty"`
	LocalURI   string `msgpack:"localUri,omitempty"`
}

// NeedsUpload reports whether the attachment still lives only on the device.
func (m *Media) NeedsUpload() bool {
	return m != nil && m.URL == "" && m.LocalURI != ""
}

// PendingMessage is a message the user submitted that has not been observed
// as committed yet.
type PendingMessage struct {
	TempID     string        `msgpack:"tempId"`
	ThreadID   string        `msgpack:"threadId"`
	SenderID   string        `msgpack:"senderId"`
	Text       string        `msgpack:"text"`
	Media      *Media        `msgpack:"media,omitempty"`
	Status     PendingStatus `msgpack:"status"`
	EnqueuedAt time.Time     `msgpack:"enqueuedAt"`
	Attempts   int           `msgpack:"attempts"`
	LastError  string        `msgpack:"lastError,omitempty"`
	ServerID   string        `msgpack:"serverId,omitempty"`
}

func (p *PendingMessage) MarshalBinary() ([]byte, error) {
	type alias PendingMessage
	return msgpack.Marshal((*alias)(p))
}

func (p *PendingMessage) UnmarshalBinary(data []byte) error {
	type alias PendingMessage
	return msgpack.Unmarshal(data, (*alias)(p))
}

// CommittedMessage is a message stored in the remote document store.
type CommittedMessage struct {
	ID         string
	ThreadID   string
	SenderID   string
	Text       string
	Media      *Media
	Status     MessageStatus
	CreatedAt  time.Time
	Priority   int
	Reactions  map[string][]string
	DeletedFor map[string]bool
	// TempID correlates the message with the pending entry it came from.
	TempID string
}

// VisibleTo reports whether the message is hidden for viewer.
func (m CommittedMessage) VisibleTo(viewer string) bool {
	return !m.DeletedFor[viewer]
}

// MessageSummary is the denormalized last message kept on a thread.
type MessageSummary struct {
	Text      string
	SenderID  string
	CreatedAt time.Time
}

// Thread is a conversation document.
type Thread struct {
	ID          string
	Members     []string
	LastMessage *MessageSummary
	UpdatedAt   time.Time
	// LastRead holds each member's read marker.
	LastRead map[string]time.Time
}

// HasMember reports whether id belongs to the thread.
func (t Thread) HasMember(id string) bool {
	for _, m := range t.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Marker returns member's read marker and whether one is set.
func (t Thread) Marker(member string) (time.Time, bool) {
	at, ok := t.LastRead[member]
	return at, ok
}

// Millis converts t to unix milliseconds, the document time encoding.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
