// Package grpcstore is a store.Backend that talks to safewalk-backend over
// gRPC.
package grpcstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/wire"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
)

var watchDesc = grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// openWatch starts a server stream and waits for its ready header.
func (c *Client) openWatch(ctx context.Context, method string, req interface{}) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, &watchDesc, method)
	if err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fromStatus(err)
	}
	if _, err := stream.Header(); err != nil {
		return nil, fromStatus(err)
	}
	return stream, nil
}

func (c *Client) watchEnded(ctx context.Context, what string, err error) {
	if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
		c.log.Warn(ctx, what+" watch ended", logging.Err(err))
	}
}

// Client implements store.Backend over a gRPC connection.
type Client struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
	log    logging.Logger
	buffer int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l logging.Logger) Option { return func(c *Client) { c.log = l } }

// WithFeedBuffer sets the capacity of Subscribe channels.
func WithFeedBuffer(n int) Option { return func(c *Client) { c.buffer = n } }

// New wraps an existing connection. The caller keeps ownership of conn.
func New(conn grpc.ClientConnInterface, opts ...Option) *Client {
	c := &Client{conn: conn, log: logging.Noop(), buffer: store.DefaultFeedBuffer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to addr without transport security and with OpenTelemetry
// client instrumentation. Close releases the connection.
func Dial(addr string, opts ...Option) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(requestIDInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("dial backend %s: %w", addr, err)
	}
	c := New(conn, opts...)
	c.closer = conn
	return c, nil
}

// Upsert implements store.PresenceStore.
func (c *Client) Upsert(ctx context.Context, rec model.PresenceRecord) (model.PresenceRecord, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, wire.PresenceUpsert, wire.RecordToStruct(rec), out); err != nil {
		return model.PresenceRecord{}, fromStatus(err)
	}
	return wire.StructToRecord(out)
}

// DeleteByUser implements store.PresenceStore.
func (c *Client) DeleteByUser(ctx context.Context, userID string) error {
	if err := c.conn.Invoke(ctx, wire.PresenceDeleteByUser, wire.KeyRequest("user_id", userID), new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

// List implements store.PresenceStore.
func (c *Client) List(ctx context.Context) ([]model.PresenceRecord, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, wire.PresenceList, new(emptypb.Empty), out); err != nil {
		return nil, fromStatus(err)
	}
	return wire.ListToRecords(out)
}

// Subscribe implements store.PresenceStore. It returns once the server has
// confirmed its subscription. The channel closes when ctx is done or the
// stream fails.
func (c *Client) Subscribe(ctx context.Context) (<-chan store.Event, error) {
	stream, err := c.openWatch(ctx, wire.PresenceWatch, new(emptypb.Empty))
	if err != nil {
		return nil, err
	}

	out := make(chan store.Event, c.buffer)
	go func() {
		defer close(out)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				c.watchEnded(ctx, "presence", err)
				return
			}
			ev, err := wire.StructToEvent(msg)
			if err != nil {
				c.log.Warn(ctx, "dropping malformed presence event", logging.Err(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// InsertReport implements store.ReportStore.
func (c *Client) InsertReport(ctx context.Context, r model.HazardReport) (model.HazardReport, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, wire.ReportInsert, wire.ReportToStruct(r), out); err != nil {
		return model.HazardReport{}, fromStatus(err)
	}
	return wire.StructToReport(out)
}

// ListReports implements store.ReportStore.
func (c *Client) ListReports(ctx context.Context) ([]model.HazardReport, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, wire.ReportList, new(emptypb.Empty), out); err != nil {
		return nil, fromStatus(err)
	}
	return wire.ListToReports(out)
}

// GetReport implements store.ReportStore.
func (c *Client) GetReport(ctx context.Context, id string) (model.HazardReport, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, wire.ReportGet, wire.KeyRequest("id", id), out); err != nil {
		return model.HazardReport{}, fromStatus(err)
	}
	return wire.StructToReport(out)
}

// InsertMessage implements store.MessageStore.
func (c *Client) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, wire.MessageSend, wire.MessageToStruct(m), out); err != nil {
		return model.Message{}, fromStatus(err)
	}
	return wire.StructToMessage(out)
}

// ListConversation implements store.MessageStore.
func (c *Client) ListConversation(ctx context.Context, a, b string) ([]model.Message, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, wire.MessageList, wire.ConversationRequest(a, b), out); err != nil {
		return nil, fromStatus(err)
	}
	return wire.ListToMessages(out)
}

// SubscribeConversation implements store.MessageStore.
func (c *Client) SubscribeConversation(ctx context.Context, a, b string) (<-chan model.Message, error) {
	stream, err := c.openWatch(ctx, wire.MessageWatch, wire.ConversationRequest(a, b))
	if err != nil {
		return nil, err
	}

	out := make(chan model.Message, c.buffer)
	go func() {
		defer close(out)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				c.watchEnded(ctx, "message", err)
				return
			}
			m, err := wire.StructToMessage(msg)
			if err != nil {
				c.log.Warn(ctx, "dropping malformed chat message", logging.Err(err))
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the connection if the client dialled it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// fromStatus maps gRPC status codes back onto store sentinels so callers
// can use errors.Is regardless of backend.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", store.ErrInvalidRecord, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("backend unavailable: %w", err)
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	default:
		return err
	}
}

// requestIDInterceptor forwards the request_id on ctx as x-request-id.
func requestIDInterceptor(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if id := logging.RequestIDFromContext(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", id)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

var _ store.Backend = (*Client)(nil)
