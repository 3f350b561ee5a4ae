package auth

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// metadataGetter adapts incoming gRPC metadata to a [HeaderGetter]. Keys are
// lowercased by metadata.MD.Get.
func metadataGetter(md metadata.MD) HeaderGetter {
	return func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
}

// UnaryServerInterceptor enforces the pipeline's policy table on unary
// RPCs. The handler id is the full method name, e.g.
// "/valet.v1.Valet/IssueKey".
func (p *Pipeline) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := p.authenticateGRPC(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming form of
// [Pipeline.UnaryServerInterceptor].
func (p *Pipeline) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := p.authenticateGRPC(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (p *Pipeline) authenticateGRPC(ctx context.Context, method string) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ctx, err := p.Authenticate(ctx, method, metadataGetter(md))
	if err != nil {
		logError(ctx, p.logger, err, "method", method)
		return ctx, grpcStatus(err)
	}
	return ctx, nil
}

// grpcStatus maps err onto a gRPC status with the same generic message an
// HTTP client would see.
func grpcStatus(err error) error {
	httpStatus := sserr.HTTPStatus(err)
	var code codes.Code
	switch httpStatus {
	case http.StatusUnauthorized:
		code = codes.Unauthenticated
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	case http.StatusGatewayTimeout:
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, PublicMessage(httpStatus))
}

// wrappedServerStream overrides Context so stream handlers see the
// identity attached by the interceptor.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
