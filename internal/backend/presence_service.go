package backend

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/wire"
	"github.com/signalsfoundry/safewalk/store"
)

// PresenceServiceServer is the server API for safewalk.backend.v1.PresenceService.
type PresenceServiceServer interface {
	Upsert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteByUser(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

// PresenceService serves the active-users table from a store.PresenceStore.
type PresenceService struct {
	store store.PresenceStore
	log   logging.Logger
}

// NewPresenceService constructs the service.
func NewPresenceService(st store.PresenceStore, log logging.Logger) *PresenceService {
	if log == nil {
		log = logging.Noop()
	}
	return &PresenceService{store: st, log: log}
}

// Upsert stores the record keyed by user_id and returns the stored row.
func (s *PresenceService) Upsert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rec, err := wire.StructToRecord(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	stored, err := s.store.Upsert(ctx, rec)
	if err != nil {
		logging.FromContext(ctx, s.log).Warn(ctx, "presence upsert failed",
			logging.String("user_id", rec.UserID), logging.Err(err))
		return nil, ToStatusError(err)
	}
	return wire.RecordToStruct(stored), nil
}

// DeleteByUser removes the record for {"user_id"}.
func (s *PresenceService) DeleteByUser(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	userID, err := wire.KeyFrom(req, "user_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.store.DeleteByUser(ctx, userID); err != nil {
		return nil, ToStatusError(err)
	}
	logging.FromContext(ctx, s.log).Debug(ctx, "presence deleted", logging.String("user_id", userID))
	return &emptypb.Empty{}, nil
}

// List returns every row.
func (s *PresenceService) List(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wire.RecordsToList(recs), nil
}

// Watch streams change events until the client goes away.
func (s *PresenceService) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	log := logging.FromContext(ctx, s.log)

	events, err := s.store.Subscribe(ctx)
	if err != nil {
		return ToStatusError(err)
	}
	if err := stream.SendHeader(metadata.Pairs(wire.WatchReadyHeader, "1")); err != nil {
		return err
	}
	log.Debug(ctx, "presence watch opened")

	for {
		select {
		case <-ctx.Done():
			log.Debug(ctx, "presence watch closed")
			return nil
		case ev, ok := <-events:
			if !ok {
				return ToStatusError(store.ErrClosed)
			}
			if err := stream.SendMsg(wire.EventToStruct(ev)); err != nil {
				return err
			}
		}
	}
}

var _ PresenceServiceServer = (*PresenceService)(nil)
