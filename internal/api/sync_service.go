package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/model"
	"github.com/matheus3301/threadsync/internal/netmon"
	"github.com/matheus3301/threadsync/internal/outbox"
	"github.com/matheus3301/threadsync/internal/receipt"
	"github.com/matheus3301/threadsync/internal/reconnect"
	"github.com/matheus3301/threadsync/internal/status"
	"github.com/matheus3301/threadsync/internal/timeline"
	"github.com/matheus3301/threadsync/internal/unread"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DocumentStore is a docstore.Store that can also create documents at a
// caller-chosen path.
type DocumentStore interface {
	docstore.Store
	Set(ctx context.Context, path string, data map[string]any) error
}

// Components are the sync core pieces the service exposes.
type Components struct {
	Docs        DocumentStore
	Queue       *outbox.Queue
	Drafts      *outbox.Drafts
	Marker      *receipt.Marker
	Coordinator *reconnect.Coordinator
	Machine     *status.Machine
	Unread      *unread.Engine
	Timeline    *timeline.Service
	// Manual is set when the daemon runs with a manually driven network
	// monitor; SetNetwork fails otherwise.
	Manual *netmon.Manual
}

// SyncService implements SyncServer for one session and member.
type SyncService struct {
	c           Components
	memberID    string
	sessionName string
	now         func() time.Time
}

// NewSyncService creates a new sync service acting as memberID.
func NewSyncService(c Components, memberID, sessionName string) *SyncService {
	return &SyncService{
		c:           c,
		memberID:    memberID,
		sessionName: sessionName,
		now:         time.Now,
	}
}

func (s *SyncService) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	threadID := stringField(in, "threadId")
	if threadID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "threadId is required")
	}
	media, err := mediaFromStruct(in.GetFields()["media"].GetStructValue())
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	p, err := s.c.Queue.Send(ctx, model.PendingMessage{
		ThreadID: threadID,
		Text:     stringField(in, "text"),
		Media:    media,
	}, s.memberID)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.c.Drafts.Clear(threadID, s.memberID); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(pendingToMap(p))
}

func (s *SyncService) ListPending(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	pending := s.c.Queue.Pending(stringField(in, "threadId"))
	list := make([]any, 0, len(pending))
	for _, p := range pending {
		list = append(list, pendingToMap(p))
	}
	return toStruct(map[string]any{"messages": list})
}

func (s *SyncService) RetryMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tempID := stringField(in, "tempId")
	if tempID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "tempId is required")
	}
	p, err := s.c.Queue.Retry(ctx, tempID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(pendingToMap(p))
}

func (s *SyncService) DiscardMessage(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tempID := stringField(in, "tempId")
	if tempID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "tempId is required")
	}
	if err := s.c.Queue.Discard(tempID); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"tempId": tempID})
}

// MarkRead advances the member's read marker. "at" is unix milliseconds and
// defaults to now.
func (s *SyncService) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	threadID := stringField(in, "threadId")
	if threadID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "threadId is required")
	}
	at := s.now()
	if ms, ok := numberField(in, "at"); ok {
		at = model.FromMillis(int64(ms))
	}
	moved, err := s.c.Marker.MarkRead(ctx, threadID, s.memberID, at)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"moved": moved, "at": model.Millis(at)})
}

func (s *SyncService) GetConnectionStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := statusToMap(s.c.Coordinator.Status(), s.c.Machine.Since())
	out["session"] = s.sessionName
	out["memberId"] = s.memberID
	out["pending"] = len(s.c.Queue.Pending(""))
	return toStruct(out)
}

func (s *SyncService) ForceReconnect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res := s.c.Coordinator.ForceReconnect(ctx)
	if errors.Is(res.Err, reconnect.ErrNotRunning) ||
		errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
		return nil, toStatus(res.Err)
	}
	out := map[string]any{
		"ok":        res.OK,
		"latencyMs": res.Latency.Milliseconds(),
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	return toStruct(out)
}

// SetNetwork drives the manual network monitor. "isInternetReachable" may
// be null or absent for unknown.
func (s *SyncService) SetNetwork(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Manual == nil {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "network monitor is not in manual mode")
	}
	connected, ok := boolField(in, "isConnected")
	if !ok {
		return nil, grpcstatus.Error(codes.InvalidArgument, "isConnected is required")
	}
	state := netmon.State{IsConnected: connected}
	if reachable, ok := boolField(in, "isInternetReachable"); ok {
		state.IsInternetReachable = netmon.Reachable(reachable)
	}
	s.c.Manual.Set(state)
	return toStruct(map[string]any{"network": state.String()})
}

// CreateThread creates a conversation with the given members plus the
// calling member.
func (s *SyncService) CreateThread(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	members := []any{s.memberID}
	for _, m := range stringsField(in, "members") {
		if m != s.memberID {
			members = append(members, m)
		}
	}
	doc := map[string]any{
		"members":   members,
		"updatedAt": docstore.ServerTimestamp,
	}
	threadID := stringField(in, "threadId")
	var err error
	if threadID != "" {
		err = s.c.Docs.Set(ctx, model.ThreadPath(threadID), doc)
	} else {
		threadID, err = s.c.Docs.Write(ctx, model.ThreadsCollection, doc)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"threadId": threadID, "members": members})
}

func (s *SyncService) SaveDraft(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	threadID := stringField(in, "threadId")
	if threadID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "threadId is required")
	}
	if err := s.c.Drafts.Save(threadID, s.memberID, stringField(in, "text")); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"threadId": threadID})
}

func (s *SyncService) LoadDraft(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	threadID := stringField(in, "threadId")
	if threadID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "threadId is required")
	}
	text, err := s.c.Drafts.Load(threadID, s.memberID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"threadId": threadID, "text": text})
}

// WatchThreads streams the member's thread list with unread counts. Only
// the latest list is kept while the client is slow.
func (s *SyncService) WatchThreads(_ *structpb.Struct, stream StructStream) error {
	updates := make(chan []unread.ThreadUnread, 1)
	sub := s.c.Unread.Subscribe(s.memberID, func(list []unread.ThreadUnread) {
		latest(updates, list)
	})
	defer sub.Close()

	for {
		select {
		case list := <-updates:
			threads := make([]any, 0, len(list))
			for _, tu := range list {
				threads = append(threads, threadToMap(tu))
			}
			msg, err := toStruct(map[string]any{"threads": threads})
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// WatchThread streams one thread's merged committed and pending messages.
func (s *SyncService) WatchThread(in *structpb.Struct, stream StructStream) error {
	threadID := stringField(in, "threadId")
	if threadID == "" {
		return grpcstatus.Error(codes.InvalidArgument, "threadId is required")
	}
	updates := make(chan []outbox.Entry, 1)
	stop := s.c.Timeline.Watch(threadID, s.memberID, func(entries []outbox.Entry) {
		latest(updates, entries)
	})
	defer stop()

	for {
		select {
		case entries := <-updates:
			msg, err := toStruct(map[string]any{
				"threadId": threadID,
				"entries":  entriesToList(entries),
			})
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// latest replaces whatever is buffered in ch with v. Callers must be
// serialized.
func latest[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
