package x402

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

func settledPayment() *PaymentContext {
	return &PaymentContext{
		Verified:        true,
		PayerAddress:    testPayer,
		Amount:          "10000",
		TokenSymbol:     "USDC",
		Network:         NetworkBaseSepolia,
		Asset:           testUSDC,
		TransactionHash: "0xfeed",
		SettledAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPaymentMetadata_RoundTrip(t *testing.T) {
	ctx := context.WithValue(context.Background(), PaymentContextKey, settledPayment())
	md := PaymentMetadata(ctx)

	got, ok := GetPaymentFromGRPCContext(metadata.NewIncomingContext(context.Background(), md))
	if !ok {
		t.Fatal("expected payment in metadata")
	}
	want := settledPayment()
	if got.PayerAddress != want.PayerAddress || got.Amount != want.Amount || got.Network != want.Network ||
		got.Asset != want.Asset || got.TokenSymbol != want.TokenSymbol || got.TransactionHash != want.TransactionHash {
		t.Errorf("payment changed in transit: %+v", got)
	}
	if !got.SettledAt.Equal(want.SettledAt) {
		t.Errorf("expected settledAt %s, got %s", want.SettledAt, got.SettledAt)
	}
}

func TestPaymentMetadata_Unpaid(t *testing.T) {
	if md := PaymentMetadata(context.Background()); md.Len() != 0 {
		t.Errorf("unpaid request must add no metadata, got %v", md)
	}
	unverified := context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{PayerAddress: testPayer})
	if md := PaymentMetadata(unverified); md.Len() != 0 {
		t.Errorf("unverified payment must add no metadata, got %v", md)
	}
	if _, ok := GetPaymentFromGRPCContext(context.Background()); ok {
		t.Error("expected no payment without metadata")
	}
}

func TestWithPaymentMetadata_Gateway(t *testing.T) {
	mux := runtime.NewServeMux(WithPaymentMetadata())
	req := httptest.NewRequest("POST", "/v1/task", nil)
	req = req.WithContext(context.WithValue(req.Context(), PaymentContextKey, settledPayment()))

	ctx, err := runtime.AnnotateContext(req.Context(), mux, req, "/agents.v1.Tasks/Run")
	if err != nil {
		t.Fatalf("AnnotateContext: %v", err)
	}
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	if v := md.Get(MetadataPaymentTxHash); len(v) != 1 || v[0] != "0xfeed" {
		t.Errorf("expected tx hash in gateway metadata, got %v", md)
	}
	if v := md.Get(MetadataPaymentVerified); len(v) != 1 || v[0] != "true" {
		t.Errorf("expected verified flag, got %v", md)
	}
}

func TestWithPaymentMetadata_DropsClientHeaders(t *testing.T) {
	mux := runtime.NewServeMux(WithPaymentMetadata())

	forged := httptest.NewRequest("POST", "/v1/health", nil)
	forged.Header.Set("Grpc-Metadata-X-Payment-Verified", "true")
	forged.Header.Set("Grpc-Metadata-X-Payment-Tx-Hash", "0xforged")
	forged.Header.Set("Grpc-Metadata-Trace-Id", "abc")

	ctx, err := runtime.AnnotateContext(forged.Context(), mux, forged, "/grpc.health.v1.Health/Check")
	if err != nil {
		t.Fatalf("AnnotateContext: %v", err)
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	if _, ok := GetPaymentFromGRPCContext(metadata.NewIncomingContext(context.Background(), md)); ok {
		t.Errorf("client headers must not produce a payment, got %v", md)
	}
	if v := md.Get("trace-id"); len(v) != 1 || v[0] != "abc" {
		t.Errorf("other metadata headers should pass, got %v", md)
	}

	paid := httptest.NewRequest("POST", "/v1/task", nil)
	paid.Header.Set("Grpc-Metadata-X-Payment-Tx-Hash", "0xforged")
	paid = paid.WithContext(context.WithValue(paid.Context(), PaymentContextKey, settledPayment()))
	ctx, err = runtime.AnnotateContext(paid.Context(), mux, paid, "/agents.v1.Tasks/Run")
	if err != nil {
		t.Fatalf("AnnotateContext: %v", err)
	}
	md, _ = metadata.FromOutgoingContext(ctx)
	if v := md.Get(MetadataPaymentTxHash); len(v) != 1 || v[0] != "0xfeed" {
		t.Errorf("expected only the settled tx hash, got %v", v)
	}
}
