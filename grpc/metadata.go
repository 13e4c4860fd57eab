package grpc

import (
	x402 "github.com/becomeliminal/x402-agents"
	"google.golang.org/grpc/metadata"
)

// V2 metadata keys.
const (
	MetadataKeyPaymentSignature = "payment-signature"
	MetadataKeyPaymentResponse  = "payment-response"
	MetadataKeyPaymentRequired  = "payment-required"

	// V1 legacy metadata keys.
	MetadataKeyLegacyPayment             = "x402-payment"
	MetadataKeyLegacyPaymentRequirements = "x402-payment-requirements"
	MetadataKeyLegacyPaymentResponse     = "x402-payment-response"

	// MetadataKeyPaymentError carries the failure kind in trailers.
	MetadataKeyPaymentError = "payment-error"
)

// EncodePaymentRequirements encodes a challenge for the requirement set.
func EncodePaymentRequirements(accepts []x402.PaymentRequirements) (string, error) {
	return x402.EncodeChallenge(&x402.PaymentRequiredResponse{
		X402Version: x402.X402Version,
		Error:       "payment required",
		Accepts:     accepts,
	})
}

// DecodePaymentRequirements decodes base64 JSON payment requirements.
func DecodePaymentRequirements(encoded string) (*x402.PaymentRequiredResponse, error) {
	return x402.DecodeChallenge(encoded)
}

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for metadata.
func EncodePaymentPayload(payload *x402.PaymentPayload) (string, error) {
	return x402.EncodePaymentPayload(payload)
}

// EncodePaymentResponse encodes a PaymentResponse to base64 JSON.
func EncodePaymentResponse(response *x402.PaymentResponse) (string, error) {
	return x402.EncodePaymentResponse(response)
}

// DecodePaymentResponse decodes base64 JSON payment response.
func DecodePaymentResponse(encoded string) (*x402.PaymentResponse, error) {
	return x402.DecodePaymentResponse(encoded)
}

// ExtractProofFromMetadata returns the raw proof from gRPC metadata.
// Tries V2 key (payment-signature) first, falls back to V1 (x402-payment).
func ExtractProofFromMetadata(md metadata.MD) (x402.Proof, bool) {
	if values := md.Get(MetadataKeyPaymentSignature); len(values) > 0 && values[0] != "" {
		return x402.Proof{Value: values[0]}, true
	}
	if values := md.Get(MetadataKeyLegacyPayment); len(values) > 0 && values[0] != "" {
		return x402.Proof{Value: values[0], Legacy: true}, true
	}
	return x402.Proof{}, false
}

// OutgoingProof attaches a composed proof header to outgoing client metadata.
func OutgoingProof(header string) metadata.MD {
	return metadata.Pairs(MetadataKeyPaymentSignature, header)
}

func receiptTrailer(receipt *x402.PaymentResponse, legacy bool) (metadata.MD, error) {
	encoded, err := EncodePaymentResponse(receipt)
	if err != nil {
		return nil, err
	}
	if legacy {
		return metadata.Pairs(MetadataKeyLegacyPaymentResponse, encoded), nil
	}
	return metadata.Pairs(MetadataKeyPaymentResponse, encoded), nil
}
