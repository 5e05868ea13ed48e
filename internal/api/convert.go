package api

import (
	"fmt"
	"time"

	"github.com/matheus3301/threadsync/internal/model"
	"github.com/matheus3301/threadsync/internal/outbox"
	"github.com/matheus3301/threadsync/internal/reconnect"
	"github.com/matheus3301/threadsync/internal/unread"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func numberField(in *structpb.Struct, key string) (float64, bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func boolField(in *structpb.Struct, key string) (bool, bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return false, false
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, false
	}
	return b.BoolValue, true
}

func stringsField(in *structpb.Struct, key string) []string {
	var out []string
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func mediaFromStruct(in *structpb.Struct) (*model.Media, error) {
	if in == nil {
		return nil, nil
	}
	m := &model.Media{
		URL:      stringField(in, "url"),
		Type:     stringField(in, "type"),
		LocalURI: stringField(in, "localUri"),
	}
	if m.URL == "" && m.LocalURI == "" {
		return nil, fmt.Errorf("media needs url or localUri")
	}
	if w, ok := numberField(in, "width"); ok {
		m.Width = int(w)
	}
	if h, ok := numberField(in, "height"); ok {
		m.Height = int(h)
	}
	if d, ok := numberField(in, "durationMs"); ok {
		m.DurationMs = int64(d)
	}
	return m, nil
}

func mediaToMap(m *model.Media) map[string]any {
	out := map[string]any{
		"url":  m.URL,
		"type": m.Type,
	}
	if m.Width > 0 {
		out["width"] = m.Width
	}
	if m.Height > 0 {
		out["height"] = m.Height
	}
	if m.DurationMs > 0 {
		out["durationMs"] = m.DurationMs
	}
	if m.LocalURI != "" {
		out["localUri"] = m.LocalURI
	}
	return out
}

func pendingToMap(p model.PendingMessage) map[string]any {
	out := map[string]any{
		"tempId":     p.TempID,
		"threadId":   p.ThreadID,
		"senderId":   p.SenderID,
		"text":       p.Text,
		"status":     string(p.Status),
		"enqueuedAt": model.Millis(p.EnqueuedAt),
		"attempts":   p.Attempts,
	}
	if p.Media != nil {
		out["media"] = mediaToMap(p.Media)
	}
	if p.LastError != "" {
		out["lastError"] = p.LastError
	}
	if p.ServerID != "" {
		out["serverId"] = p.ServerID
	}
	return out
}

func committedToMap(m model.CommittedMessage) map[string]any {
	out := map[string]any{
		"id":        m.ID,
		"threadId":  m.ThreadID,
		"senderId":  m.SenderID,
		"text":      m.Text,
		"status":    string(m.Status),
		"createdAt": model.Millis(m.CreatedAt),
	}
	if m.Media != nil {
		out["media"] = mediaToMap(m.Media)
	}
	if m.TempID != "" {
		out["tempId"] = m.TempID
	}
	return out
}

func entriesToList(entries []outbox.Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		if e.Committed != nil {
			out = append(out, map[string]any{"key": e.Key(), "committed": committedToMap(*e.Committed)})
			continue
		}
		out = append(out, map[string]any{"key": e.Key(), "pending": pendingToMap(*e.Pending)})
	}
	return out
}

func threadToMap(tu unread.ThreadUnread) map[string]any {
	t := tu.Thread
	members := make([]any, len(t.Members))
	for i, m := range t.Members {
		members[i] = m
	}
	lastRead := make(map[string]any, len(t.LastRead))
	for member, at := range t.LastRead {
		lastRead[member] = model.Millis(at)
	}
	out := map[string]any{
		"id":          t.ID,
		"members":     members,
		"updatedAt":   model.Millis(t.UpdatedAt),
		"lastRead":    lastRead,
		"unreadCount": tu.UnreadCount,
		"state":       tu.State.String(),
	}
	if lm := t.LastMessage; lm != nil {
		out["lastMessage"] = map[string]any{
			"text":      lm.Text,
			"senderId":  lm.SenderID,
			"createdAt": model.Millis(lm.CreatedAt),
		}
	}
	return out
}

func statusToMap(st reconnect.Status, since time.Time) map[string]any {
	out := map[string]any{
		"state":          string(st.State),
		"channelEnabled": st.ChannelEnabled,
		"since":          model.Millis(since),
		"lastLatencyMs":  st.LastLatency.Milliseconds(),
	}
	if st.LastDisconnectAt != nil {
		out["lastDisconnectAt"] = model.Millis(*st.LastDisconnectAt)
	} else {
		out["lastDisconnectAt"] = nil
	}
	return out
}
