package x402

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys carrying a settled payment from the gateway into gRPC handlers.
const (
	MetadataPaymentVerified  = "x-payment-verified"
	MetadataPaymentPayer     = "x-payment-payer"
	MetadataPaymentAmount    = "x-payment-amount"
	MetadataPaymentNetwork   = "x-payment-network"
	MetadataPaymentAsset     = "x-payment-asset"
	MetadataPaymentToken     = "x-payment-token"
	MetadataPaymentTxHash    = "x-payment-tx-hash"
	MetadataPaymentSettledAt = "x-payment-settled-at"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates the settled
// payment from the HTTP context into gRPC metadata. Mount the mux behind
// Gate.Middleware.
//
// The option also installs an incoming header matcher that drops
// client-sent Grpc-Metadata-X-Payment-* headers, so only the gate can set
// the payment keys. It replaces any matcher set by an earlier option.
func WithPaymentMetadata() runtime.ServeMuxOption {
	annotate := runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		return PaymentMetadata(ctx)
	})
	headers := runtime.WithIncomingHeaderMatcher(PaymentHeaderMatcher)
	return func(mux *runtime.ServeMux) {
		annotate(mux)
		headers(mux)
	}
}

// PaymentHeaderMatcher is runtime.DefaultHeaderMatcher minus the payment
// metadata keys.
func PaymentHeaderMatcher(key string) (string, bool) {
	if strings.HasPrefix(strings.ToLower(key), strings.ToLower(runtime.MetadataHeaderPrefix)+"x-payment-") {
		return "", false
	}
	return runtime.DefaultHeaderMatcher(key)
}

// PaymentMetadata encodes the payment in ctx as metadata, or returns empty
// metadata when the request was not paid.
func PaymentMetadata(ctx context.Context) metadata.MD {
	md := metadata.MD{}

	payment, ok := GetPaymentFromContext(ctx)
	if !ok || payment == nil || !payment.Verified {
		return md
	}

	md.Set(MetadataPaymentVerified, "true")
	md.Set(MetadataPaymentPayer, payment.PayerAddress)
	md.Set(MetadataPaymentAmount, payment.Amount)
	md.Set(MetadataPaymentNetwork, payment.Network)

	if payment.Asset != "" {
		md.Set(MetadataPaymentAsset, payment.Asset)
	}
	if payment.TokenSymbol != "" {
		md.Set(MetadataPaymentToken, payment.TokenSymbol)
	}
	if payment.TransactionHash != "" {
		md.Set(MetadataPaymentTxHash, payment.TransactionHash)
	}
	if !payment.SettledAt.IsZero() {
		md.Set(MetadataPaymentSettledAt, payment.SettledAt.UTC().Format(time.RFC3339))
	}

	return md
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata.
// Use this in gRPC handlers served through grpc-gateway.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	if first(md, MetadataPaymentVerified) != "true" {
		return nil, false
	}

	payment := &PaymentContext{
		Verified:        true,
		PayerAddress:    first(md, MetadataPaymentPayer),
		Amount:          first(md, MetadataPaymentAmount),
		Network:         first(md, MetadataPaymentNetwork),
		Asset:           first(md, MetadataPaymentAsset),
		TokenSymbol:     first(md, MetadataPaymentToken),
		TransactionHash: first(md, MetadataPaymentTxHash),
	}
	if ts := first(md, MetadataPaymentSettledAt); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			payment.SettledAt = t
		}
	}

	return payment, true
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	return runtime.HTTPPathPattern(ctx)
}
