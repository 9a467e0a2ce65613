package backend

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/wire"
	"github.com/signalsfoundry/safewalk/store"
)

// MessageServiceServer is the server API for safewalk.backend.v1.MessageService.
type MessageServiceServer interface {
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// MessageService serves direct chat from a store.MessageStore.
type MessageService struct {
	store store.MessageStore
	log   logging.Logger
}

// NewMessageService constructs the service.
func NewMessageService(st store.MessageStore, log logging.Logger) *MessageService {
	if log == nil {
		log = logging.Noop()
	}
	return &MessageService{store: st, log: log}
}

// Send stores one message and returns it with its ID and timestamp.
func (s *MessageService) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m, err := wire.StructToMessage(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	stored, err := s.store.InsertMessage(ctx, m)
	if err != nil {
		return nil, ToStatusError(err)
	}
	logging.FromContext(ctx, s.log).Debug(ctx, "chat message stored",
		logging.String("message_id", stored.ID),
		logging.String("sender_id", stored.SenderID),
	)
	return wire.MessageToStruct(stored), nil
}

// List returns the conversation named by {"user_a", "user_b"}.
func (s *MessageService) List(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	a, b, err := wire.ConversationFrom(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	msgs, err := s.store.ListConversation(ctx, a, b)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wire.MessagesToList(msgs), nil
}

// Watch streams new messages of one conversation until the client goes
// away.
func (s *MessageService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	a, b, err := wire.ConversationFrom(req)
	if err != nil {
		return ToStatusError(err)
	}
	msgs, err := s.store.SubscribeConversation(ctx, a, b)
	if err != nil {
		return ToStatusError(err)
	}
	if err := stream.SendHeader(metadata.Pairs(wire.WatchReadyHeader, "1")); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return ToStatusError(store.ErrClosed)
			}
			if err := stream.SendMsg(wire.MessageToStruct(m)); err != nil {
				return err
			}
		}
	}
}

var _ MessageServiceServer = (*MessageService)(nil)
