package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ingestServiceName = "sitepresence.v1.PresenceIngest"
	postEventMethod   = "/" + ingestServiceName + "/PostEvent"
)

// GRPCSender posts events with a unary call whose request is a
// google.protobuf.Struct.
type GRPCSender struct {
	conn grpc.ClientConnInterface
}

// NewGRPCSender wraps an existing connection.
func NewGRPCSender(conn grpc.ClientConnInterface) *GRPCSender {
	return &GRPCSender{conn: conn}
}

// DialGRPC opens a plaintext client connection to addr.
func DialGRPC(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// Send implements Sender.
func (s *GRPCSender) Send(ctx context.Context, ev types.TransitionEvent) error {
	req, err := EventToStruct(ev)
	if err != nil {
		return Validation(fmt.Sprintf("encode event: %v", err))
	}

	ctx = metadata.AppendToOutgoingContext(ctx, "idempotency-key", IdempotencyKey(ev))

	var resp emptypb.Empty
	err = s.conn.Invoke(ctx, postEventMethod, req, &resp)
	if err == nil {
		return nil
	}

	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.AlreadyExists:
		// the backend already has this event
		return nil
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.PermissionDenied, codes.OutOfRange:
		return &ValidationError{Reason: st.Message(), StatusCode: int(st.Code())}
	default:
		return fmt.Errorf("post event: %w", err)
	}
}

// EventToStruct encodes an event as a protobuf Struct.
func EventToStruct(ev types.TransitionEvent) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"userId":    ev.UserID,
		"siteId":    string(ev.SiteID),
		"eventType": string(ev.Kind),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"eventId":   IdempotencyKey(ev),
	}
	if ev.Latitude != nil {
		fields["latitude"] = *ev.Latitude
	}
	if ev.Longitude != nil {
		fields["longitude"] = *ev.Longitude
	}
	return structpb.NewStruct(fields)
}

// EventFromStruct decodes what EventToStruct produced.
func EventFromStruct(s *structpb.Struct) (types.TransitionEvent, error) {
	f := s.GetFields()
	ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
	if err != nil {
		return types.TransitionEvent{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	ev := types.TransitionEvent{
		UserID:    f["userId"].GetStringValue(),
		SiteID:    types.SiteID(f["siteId"].GetStringValue()),
		Kind:      types.TransitionKind(f["eventType"].GetStringValue()),
		Timestamp: ts,
	}
	if v, ok := f["latitude"]; ok {
		lat := v.GetNumberValue()
		ev.Latitude = &lat
	}
	if v, ok := f["longitude"]; ok {
		lon := v.GetNumberValue()
		ev.Longitude = &lon
	}
	return ev, nil
}

// IngestServer is the receiving side of PostEvent.
type IngestServer interface {
	PostEvent(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterIngestServer registers srv on s.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&ingestServiceDesc, srv)
}

func postEventHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServer).PostEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: postEventMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IngestServer).PostEvent(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: ingestServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PostEvent", Handler: postEventHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sitepresence/v1/ingest.proto",
}
