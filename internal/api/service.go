package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/history"
	csync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Counter reports persisted row counts. *store.DB implements it.
type Counter interface {
	Counts() (chats, messages, queued int64, err error)
}

// Service implements CoreServer on top of the sync core.
type Service struct {
	device    string
	startedAt time.Time
	store     *chat.Store
	counter   Counter
	loader    *history.Loader
	engine    *csync.Engine
	monitor   *connectivity.Monitor
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewService creates the Core service for a device. counter may be nil.
func NewService(device string, s *chat.Store, counter Counter, l *history.Loader, e *csync.Engine, m *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		device:    device,
		startedAt: time.Now(),
		store:     s,
		counter:   counter,
		loader:    l,
		engine:    e,
		monitor:   m,
		bus:       b,
		logger:    logger,
	}
}

var _ CoreServer = (*Service)(nil)

func respond(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func requireChatID(req *structpb.Struct) (string, error) {
	id := str(req, "chat_id")
	if id == "" {
		return "", grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	return id, nil
}

func withWarning(fields map[string]any, warning string) map[string]any {
	if warning != "" {
		fields["warning"] = warning
	}
	return fields
}

func (s *Service) CreateChat(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.store.CreateConversation(conversationFromRequest(req))
	warning, err := notDurable(err)
	if err != nil {
		return nil, toStatus("create chat", err)
	}
	return respond(withWarning(map[string]any{"chat": conversationMap(c)}, warning))
}

func (s *Service) ListChats(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs := s.store.Conversations()
	chats := make([]any, 0, len(convs))
	for _, c := range convs {
		chats = append(chats, conversationMap(c))
	}
	return respond(map[string]any{"chats": chats})
}

func (s *Service) Send(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requireChatID(req)
	if err != nil {
		return nil, err
	}
	m, err := s.store.Send(chatID, str(req, "text"))
	warning, err := notDurable(err)
	if err != nil {
		return nil, toStatus("send", err)
	}
	return respond(withWarning(map[string]any{
		"message": messageMap(m),
		"durable": warning == "",
	}, warning))
}

func (s *Service) OpenChat(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requireChatID(req)
	if err != nil {
		return nil, err
	}
	w, err := s.loader.Open(chatID)
	if err != nil {
		return nil, toStatus("open chat", err)
	}
	return respond(map[string]any{"window": windowMap(w)})
}

func (s *Service) LoadMore(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requireChatID(req)
	if err != nil {
		return nil, err
	}
	w, err := s.loader.LoadMore(ctx, chatID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, grpcstatus.FromContextError(err).Err()
		}
		return nil, toStatus("load more", err)
	}
	return respond(map[string]any{"window": windowMap(w)})
}

func (s *Service) CloseChat(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requireChatID(req)
	if err != nil {
		return nil, err
	}
	s.loader.Close(chatID)
	return respond(map[string]any{})
}

func (s *Service) UpdateParticipantRole(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requireChatID(req)
	if err != nil {
		return nil, err
	}
	changed, err := s.store.UpdateParticipantRole(chatID, str(req, "user_id"), chat.Role(str(req, "role")))
	warning, err := notDurable(err)
	if err != nil {
		return nil, toStatus("update role", err)
	}
	return respond(withWarning(map[string]any{"changed": changed}, warning))
}

func (s *Service) SetConnectivity(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if !has(req, "online") {
		return nil, grpcstatus.Error(codes.InvalidArgument, "online is required")
	}
	changed := s.monitor.Set(boolean(req, "online"))
	return respond(map[string]any{
		"state":   string(s.monitor.Current()),
		"changed": changed,
	})
}

func (s *Service) IngestHistory(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requireChatID(req)
	if err != nil {
		return nil, err
	}
	msgs := inboundFromRequest(chatID, req)
	for _, m := range msgs {
		if m.ID == "" {
			return nil, grpcstatus.Error(codes.InvalidArgument, "every message needs an id")
		}
	}
	added, err := s.engine.IngestHistoryBatch(chatID, msgs)
	warning, err := notDurable(err)
	if err != nil {
		return nil, toStatus("ingest history", err)
	}
	return respond(withWarning(map[string]any{
		"added":    added,
		"received": len(msgs),
	}, warning))
}

func (s *Service) MarkRead(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requireChatID(req)
	if err != nil {
		return nil, err
	}
	prev, err := s.store.MarkRead(chatID)
	warning, err := notDurable(err)
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	return respond(withWarning(map[string]any{"previous_unread": prev}, warning))
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := s.store.Stats()
	fields := map[string]any{
		"device":         s.device,
		"user_id":        s.store.UserID(),
		"connectivity":   string(s.monitor.Current()),
		"uptime_ms":      time.Since(s.startedAt).Milliseconds(),
		"conversations":  st.Conversations,
		"messages":       st.Messages,
		"pending":        st.Pending,
		"queued":         st.Queued,
		"dropped_events": s.bus.Dropped(),
	}
	if s.counter != nil {
		chats, msgs, queued, err := s.counter.Counts()
		if err != nil {
			s.logger.Warn("count persisted rows", zap.Error(err))
		} else {
			fields["persisted"] = map[string]any{
				"conversations": chats,
				"messages":      msgs,
				"queued":        queued,
			}
		}
	}
	return respond(fields)
}

// WatchEvents streams bus events whose kind starts with the requested prefix
// (all events when empty) until the client goes away.
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	prefix := str(req, "prefix")
	ch, unsub := s.bus.Subscribe(prefix, 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := structpb.NewStruct(map[string]any{
				"event_id":            uuid.NewString(),
				"kind":                evt.Kind,
				"occurred_at_unix_ms": unixMs(evt.Timestamp),
				"payload":             payloadMap(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("event not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
