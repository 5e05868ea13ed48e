package outbox

import (
	"sort"

	"github.com/matheus3301/threadsync/internal/model"
)

// Entry is one row of a thread's merged view: exactly one of Committed and
// Pending is set.
type Entry struct {
	Committed *model.CommittedMessage
	Pending   *model.PendingMessage
}

// Key identifies the entry across renders.
func (e Entry) Key() string {
	if e.Committed != nil {
		return "m:" + e.Committed.ID
	}
	return "p:" + e.Pending.TempID
}

// Text returns the message body of either kind.
func (e Entry) Text() string {
	if e.Committed != nil {
		return e.Committed.Text
	}
	return e.Pending.Text
}

// Merge interleaves committed and pending messages for viewer.
//
// Committed messages are deduplicated by id (a later copy wins) and ordered
// by CreatedAt. A pending entry correlated with any committed message, by
// temp id or by the server id its write returned, is dropped, so a message
// is never shown twice. Remaining pending entries keep submission order and
// sit after the last committed message created no later than they were
// enqueued. Messages deleted for viewer are hidden.
func Merge(committed []model.CommittedMessage, pending []model.PendingMessage, viewerID string) []Entry {
	byID := make(map[string]int, len(committed))
	msgs := make([]model.CommittedMessage, 0, len(committed))
	for _, m := range committed {
		if i, ok := byID[m.ID]; ok {
			msgs[i] = m
			continue
		}
		byID[m.ID] = len(msgs)
		msgs = append(msgs, m)
	}

	correlated := make(map[string]bool, len(msgs))
	visible := make([]model.CommittedMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.TempID != "" {
			correlated[m.TempID] = true
		}
		if m.VisibleTo(viewerID) {
			visible = append(visible, m)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		if !visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].CreatedAt.Before(visible[j].CreatedAt)
		}
		return visible[i].ID < visible[j].ID
	})

	seen := make(map[string]bool, len(pending))
	waiting := make([]model.PendingMessage, 0, len(pending))
	for _, p := range pending {
		if correlated[p.TempID] || seen[p.TempID] {
			continue
		}
		if _, committed := byID[p.ServerID]; p.ServerID != "" && committed {
			continue
		}
		seen[p.TempID] = true
		waiting = append(waiting, p)
	}
	SortPending(waiting)

	out := make([]Entry, 0, len(visible)+len(waiting))
	i, j := 0, 0
	for i < len(visible) || j < len(waiting) {
		takeCommitted := j == len(waiting) ||
			(i < len(visible) && !visible[i].CreatedAt.After(waiting[j].EnqueuedAt))
		if takeCommitted {
			m := visible[i]
			out = append(out, Entry{Committed: &m})
			i++
		} else {
			p := waiting[j]
			out = append(out, Entry{Pending: &p})
			j++
		}
	}
	return out
}
