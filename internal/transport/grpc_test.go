package transport

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeIngest struct {
	mu       sync.Mutex
	received []types.TransitionEvent
	keys     []string
	err      error
}

func (f *fakeIngest) PostEvent(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	ev, err := EventFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		f.keys = append(f.keys, md.Get("idempotency-key")...)
	}
	f.received = append(f.received, ev)
	return &emptypb.Empty{}, nil
}

func startIngest(t *testing.T, srv IngestServer) *GRPCSender {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterIngestServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewGRPCSender(conn)
}

func TestGRPCSender_Delivered(t *testing.T) {
	ingest := &fakeIngest{}
	sender := startIngest(t, ingest)
	ev := sampleEvent()

	require.NoError(t, sender.Send(context.Background(), ev))

	ingest.mu.Lock()
	defer ingest.mu.Unlock()
	require.Len(t, ingest.received, 1)
	got := ingest.received[0]
	assert.Equal(t, ev.UserID, got.UserID)
	assert.Equal(t, ev.SiteID, got.SiteID)
	assert.Equal(t, ev.Kind, got.Kind)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))
	require.NotNil(t, got.Latitude)
	assert.Equal(t, *ev.Latitude, *got.Latitude)
	assert.Equal(t, []string{IdempotencyKey(ev)}, ingest.keys)
}

func TestGRPCSender_StatusClassification(t *testing.T) {
	tests := []struct {
		code     codes.Code
		expected Outcome
	}{
		{codes.InvalidArgument, ValidationFailure},
		{codes.NotFound, ValidationFailure},
		{codes.FailedPrecondition, ValidationFailure},
		{codes.AlreadyExists, Delivered},
		{codes.Unavailable, TransientFailure},
		{codes.DeadlineExceeded, TransientFailure},
		{codes.Internal, TransientFailure},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			sender := startIngest(t, &fakeIngest{err: status.Error(tt.code, "unknown site")})
			err := sender.Send(context.Background(), sampleEvent())
			assert.Equal(t, tt.expected, Classify(err), "error: %v", err)
		})
	}
}

func TestEventStructRoundTrip_WithoutCoordinates(t *testing.T) {
	ev := sampleEvent()
	ev.Latitude, ev.Longitude = nil, nil

	s, err := EventToStruct(ev)
	require.NoError(t, err)
	back, err := EventFromStruct(s)
	require.NoError(t, err)

	assert.Nil(t, back.Latitude)
	assert.Nil(t, back.Longitude)
	assert.Equal(t, ev.SiteID, back.SiteID)
}
