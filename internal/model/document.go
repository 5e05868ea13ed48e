package model

import (
	"fmt"
	"time"

	"github.com/matheus3301/threadsync/internal/docstore"
)

// ThreadsCollection is the top-level collection of thread documents.
const ThreadsCollection = "threads"

// ThreadPath addresses a thread document.
func ThreadPath(threadID string) string {
	return docstore.JoinPath(ThreadsCollection, threadID)
}

// MessagesCollection is the message subcollection of a thread.
func MessagesCollection(threadID string) string {
	return ThreadPath(threadID) + "/messages"
}

// MessagePath addresses a message document.
func MessagePath(threadID, messageID string) string {
	return docstore.JoinPath(MessagesCollection(threadID), messageID)
}

// LastReadField is the dotted update path of member's read marker.
func LastReadField(member string) string {
	return "lastRead." + member
}

// Document renders the pending message as the document written on
// delivery. createdAt is left to the server clock.
func (p *PendingMessage) Document() map[string]any {
	doc := map[string]any{
		"senderId":  p.SenderID,
		"text":      p.Text,
		"status":    string(StatusSent),
		"tempId":    p.TempID,
		"createdAt": docstore.ServerTimestamp,
	}
	if p.Media != nil {
		media := map[string]any{
			"url":  p.Media.URL,
			"type": p.Media.Type,
		}
		if p.Media.Width > 0 {
			media["width"] = p.Media.Width
		}
		if p.Media.Height > 0 {
			media["height"] = p.Media.Height
		}
		if p.Media.DurationMs > 0 {
			media["durationMs"] = p.Media.DurationMs
		}
		doc["media"] = media
	}
	return doc
}

// ThreadFromDoc decodes a thread document.
func ThreadFromDoc(d docstore.Document) Thread {
	t := Thread{ID: d.ID}
	t.Members = stringSlice(d.Data["members"])
	if ms, ok := docstore.Int64(d.Data["updatedAt"]); ok {
		t.UpdatedAt = FromMillis(ms)
	}
	if lr, ok := d.Data["lastRead"].(map[string]any); ok {
		t.LastRead = make(map[string]time.Time, len(lr))
		for member, v := range lr {
			if ms, ok := docstore.Int64(v); ok {
				t.LastRead[member] = FromMillis(ms)
			}
		}
	}
	if lm, ok := d.Data["lastMessage"].(map[string]any); ok {
		s := &MessageSummary{}
		s.Text, _ = lm["text"].(string)
		s.SenderID, _ = lm["senderId"].(string)
		if ms, ok := docstore.Int64(lm["createdAt"]); ok {
			s.CreatedAt = FromMillis(ms)
		}
		t.LastMessage = s
	}
	return t
}

// MessageFromDoc decodes a message document of threadID. Documents without
// a resolved createdAt are rejected since they cannot be ordered.
func MessageFromDoc(threadID string, d docstore.Document) (CommittedMessage, error) {
	ms, ok := docstore.Int64(d.Data["createdAt"])
	if !ok {
		return CommittedMessage{}, fmt.Errorf("message %s: missing createdAt", d.ID)
	}
	m := CommittedMessage{
		ID:        d.ID,
		ThreadID:  threadID,
		CreatedAt: FromMillis(ms),
	}
	m.SenderID, _ = d.Data["senderId"].(string)
	m.Text, _ = d.Data["text"].(string)
	m.TempID, _ = d.Data["tempId"].(string)
	if s, ok := d.Data["status"].(string); ok {
		m.Status = MessageStatus(s)
	} else {
		m.Status = StatusSent
	}
	if p, ok := docstore.Int64(d.Data["priority"]); ok {
		m.Priority = int(p)
	}
	if md, ok := d.Data["media"].(map[string]any); ok {
		media := &Media{}
		media.URL, _ = md["url"].(string)
		media.Type, _ = md["type"].(string)
		if v, ok := docstore.Int64(md["width"]); ok {
			media.Width = int(v)
		}
		if v, ok := docstore.Int64(md["height"]); ok {
			media.Height = int(v)
		}
		if v, ok := docstore.Int64(md["durationMs"]); ok {
			media.DurationMs = v
		}
		m.Media = media
	}
	if rs, ok := d.Data["reactions"].(map[string]any); ok {
		m.Reactions = make(map[string][]string, len(rs))
		for emoji, users := range rs {
			m.Reactions[emoji] = stringSlice(users)
		}
	}
	if df, ok := d.Data["deletedFor"].(map[string]any); ok {
		m.DeletedFor = make(map[string]bool, len(df))
		for user, v := range df {
			if b, ok := v.(bool); ok && b {
				m.DeletedFor[user] = true
			}
		}
	}
	return m, nil
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
