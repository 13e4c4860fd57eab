package grpc

import (
	"context"
	"errors"
	"fmt"

	x402 "github.com/becomeliminal/x402-agents"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces
// payment on methods priced in the gate's MethodPricing.
// Detects V2 metadata (payment-signature) first, falls back to V1 (x402-payment).
func UnaryServerInterceptor(gate *x402.Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		binding, requiresPayment := gate.Registry().MatchMethod(info.FullMethod)
		if !requiresPayment {
			gate.PassThrough()
			return handler(ctx, req)
		}

		admission, err := admit(ctx, gate, binding)
		if err != nil {
			return nil, err
		}

		if trailer, err := receiptTrailer(&admission.Receipt, admission.Payment.Legacy); err == nil {
			grpc.SetTrailer(ctx, trailer)
		}

		admission.Begin()
		ctx = context.WithValue(ctx, x402.PaymentContextKey, admission.Payment)
		resp, handlerErr := handler(ctx, req)
		if pe := admission.Finish(handlerErr); pe != nil {
			grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentError, string(pe.Kind)))
			return nil, handlerErr
		}
		return resp, nil
	}
}

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces payments.
// Payment is settled BEFORE the stream begins (upfront payment).
func StreamServerInterceptor(gate *x402.Gate) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		binding, requiresPayment := gate.Registry().MatchMethod(info.FullMethod)
		if !requiresPayment {
			gate.PassThrough()
			return handler(srv, ss)
		}

		admission, err := admit(ctx, gate, binding)
		if err != nil {
			return err
		}

		wrapped := &paymentServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ctx, x402.PaymentContextKey, admission.Payment),
		}
		if trailer, err := receiptTrailer(&admission.Receipt, admission.Payment.Legacy); err == nil {
			wrapped.SetTrailer(trailer)
		}

		admission.Begin()
		handlerErr := handler(srv, wrapped)
		if pe := admission.Finish(handlerErr); pe != nil {
			wrapped.SetTrailer(metadata.Pairs(MetadataKeyPaymentError, string(pe.Kind)))
		}
		return handlerErr
	}
}

func admit(ctx context.Context, gate *x402.Gate, binding *x402.RouteBinding) (*x402.Admission, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	proof, ok := ExtractProofFromMetadata(md)
	if !ok {
		challenge := gate.Challenge(binding)
		return nil, paymentRequired(challenge.Accepts)
	}

	admission, err := gate.Authorize(ctx, binding, proof)
	if err != nil {
		return nil, StatusFromError(err, binding.Accepts)
	}
	return admission, nil
}

func paymentRequired(accepts []x402.PaymentRequirements) error {
	encoded, err := EncodePaymentRequirements(accepts)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// CodeForKind maps a payment failure kind to a gRPC status code.
func CodeForKind(kind x402.ErrorKind) codes.Code {
	switch kind {
	case x402.KindMalformedProof, x402.KindInvalidRequest:
		return codes.InvalidArgument
	case x402.KindUnsupportedTerms, x402.KindTermsMismatch, x402.KindExpired, x402.KindBadSignature:
		return codes.FailedPrecondition
	case x402.KindReplayed:
		return codes.AlreadyExists
	case x402.KindSettlementTimeout:
		return codes.DeadlineExceeded
	case x402.KindSettlementRejected:
		return codes.Aborted
	case x402.KindBackendUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// StatusFromError converts a gate error into a gRPC status. Verification
// failures append the encoded requirements to the message.
func StatusFromError(err error, accepts []x402.PaymentRequirements) error {
	var pe *x402.PaymentError
	if !errors.As(err, &pe) {
		return status.Error(codes.Internal, err.Error())
	}
	msg := fmt.Sprintf("%s: %s", pe.Kind, pe.Message)
	if pe.Kind.VerificationStage() {
		if encoded, encErr := EncodePaymentRequirements(accepts); encErr == nil {
			msg += "; " + MetadataKeyPaymentRequired + "=" + encoded
		}
	}
	return status.Error(CodeForKind(pe.Kind), msg)
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
