// Package chat sends and streams direct messages between users who can
// see each other on the map.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
)

const tracerName = "github.com/signalsfoundry/safewalk/chat"

// ErrInvalidMessage is returned for blank, oversized or self-addressed
// messages.
var ErrInvalidMessage = errors.New("invalid chat message")

// Service is the chat surface of one local user.
type Service struct {
	store store.MessageStore
	self  string
	log   logging.Logger
}

// NewService returns a chat service for the user self.
func NewService(st store.MessageStore, self string, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{store: st, self: self, log: log.With(logging.String("user_id", self))}
}

// Send trims content and stores it as a message from the local user to
// peer.
func (s *Service) Send(ctx context.Context, peer, content string) (model.Message, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "Chat.Send", "user", peer)
	defer span.End()

	m := model.Message{SenderID: s.self, ReceiverID: peer, Content: strings.TrimSpace(content)}
	if err := store.ValidateMessage(m); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	stored, err := s.store.InsertMessage(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, store.ErrInvalidRecord) {
			return model.Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	s.log.Debug(ctx, "chat message sent",
		logging.String("message_id", stored.ID),
		logging.String("peer_id", peer),
	)
	return stored, nil
}

// History returns the conversation with peer, oldest first.
func (s *Service) History(ctx context.Context, peer string) ([]model.Message, error) {
	msgs, err := s.store.ListConversation(ctx, s.self, peer)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// Watch streams new messages with peer until ctx is done.
func (s *Service) Watch(ctx context.Context, peer string) (<-chan model.Message, error) {
	return s.store.SubscribeConversation(ctx, s.self, peer)
}
