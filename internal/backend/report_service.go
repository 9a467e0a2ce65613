package backend

import (
	"context"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/wire"
	"github.com/signalsfoundry/safewalk/store"
)

// ReportServiceServer is the server API for safewalk.backend.v1.ReportService.
type ReportServiceServer interface {
	Insert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ReportService serves hazard reports from a store.ReportStore.
type ReportService struct {
	store store.ReportStore
	log   logging.Logger
}

// NewReportService constructs the service.
func NewReportService(st store.ReportStore, log logging.Logger) *ReportService {
	if log == nil {
		log = logging.Noop()
	}
	return &ReportService{store: st, log: log}
}

func (s *ReportService) Insert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := wire.StructToReport(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	stored, err := s.store.InsertReport(ctx, r)
	if err != nil {
		return nil, ToStatusError(err)
	}
	logging.FromContext(ctx, s.log).Info(ctx, "hazard report stored",
		logging.String("report_id", stored.ID),
		logging.String("type", string(stored.Type)),
	)
	return wire.ReportToStruct(stored), nil
}

func (s *ReportService) List(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	reports, err := s.store.ListReports(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wire.ReportsToList(reports), nil
}

func (s *ReportService) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := wire.KeyFrom(req, "id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wire.ReportToStruct(r), nil
}

var _ ReportServiceServer = (*ReportService)(nil)
