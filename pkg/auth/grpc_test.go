package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newGRPCPipeline(t *testing.T) *Pipeline {
	t.Helper()
	reg, err := NewRegistry(PolicyTable{
		Handlers: []HandlerDecl{
			{ID: "/valet.v1.Valet/Health", Marker: Marker{AllowAnonymous: true}},
			{ID: "/valet.v1.Valet/IssueKey", Marker: Marker{RequireAuth: true}},
			{ID: "/valet.v1.Admin/Refresh", Marker: Marker{Roles: []string{"admin"}}},
		},
	})
	require.NoError(t, err)
	return NewPipeline(reg, NewResolver(ResolverConfig{TrustPlatformHeaders: true}, nil), nil)
}

func TestUnaryServerInterceptor(t *testing.T) {
	t.Parallel()

	interceptor := newGRPCPipeline(t).UnaryServerInterceptor()
	handler := func(ctx context.Context, _ any) (any, error) {
		if id, ok := IdentityFromContext(ctx); ok {
			return id.UserID, nil
		}
		return "anonymous", nil
	}

	tests := []struct {
		name     string
		method   string
		md       metadata.MD
		want     any
		wantCode codes.Code
	}{
		{name: "anonymous method", method: "/valet.v1.Valet/Health", want: "anonymous"},
		{name: "no credentials", method: "/valet.v1.Valet/IssueKey", wantCode: codes.Unauthenticated},
		{
			name:   "platform identity",
			method: "/valet.v1.Valet/IssueKey",
			md:     metadata.Pairs(HeaderPrincipalID, "u-7"),
			want:   "u-7",
		},
		{
			name:     "missing role",
			method:   "/valet.v1.Admin/Refresh",
			md:       metadata.Pairs(HeaderPrincipalID, "u-7"),
			wantCode: codes.PermissionDenied,
		},
		{
			name:     "bearer without validator",
			method:   "/valet.v1.Valet/IssueKey",
			md:       metadata.Pairs(HeaderAuthorization, "Bearer x"),
			wantCode: codes.Unauthenticated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			got, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, handler)
			if tt.wantCode != codes.OK {
				require.Error(t, err)
				st, ok := status.FromError(err)
				require.True(t, ok)
				assert.Equal(t, tt.wantCode, st.Code())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }

func TestStreamServerInterceptor(t *testing.T) {
	t.Parallel()

	interceptor := newGRPCPipeline(t).StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/valet.v1.Valet/IssueKey"}

	var seen string
	handler := func(_ any, ss grpc.ServerStream) error {
		seen = MustIdentityFromContext(ss.Context()).UserID
		return nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(HeaderPrincipalID, "u-9"))
	require.NoError(t, interceptor(nil, &fakeServerStream{ctx: ctx}, info, handler))
	assert.Equal(t, "u-9", seen)

	err := interceptor(nil, &fakeServerStream{ctx: context.Background()}, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
