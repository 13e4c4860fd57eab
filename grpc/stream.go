package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// paymentServerStream carries the payment context into stream handlers.
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
