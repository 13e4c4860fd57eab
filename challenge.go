package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// V2 header names.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"

	// V1 legacy header names.
	HeaderLegacyPayment         = "X-PAYMENT"
	HeaderLegacyPaymentResponse = "X-PAYMENT-RESPONSE"
)

// BuildChallenge lists every requirement of the binding, in order.
func BuildChallenge(b *RouteBinding) PaymentRequiredResponse {
	accepts := make([]PaymentRequirements, len(b.Accepts))
	copy(accepts, b.Accepts)
	return PaymentRequiredResponse{
		X402Version: X402Version,
		Error:       "Payment required",
		Accepts:     accepts,
	}
}

// EncodeChallenge encodes a challenge for the PAYMENT-REQUIRED header.
func EncodeChallenge(challenge *PaymentRequiredResponse) (string, error) {
	raw, err := json.Marshal(challenge)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeChallenge decodes a PAYMENT-REQUIRED header value.
func DecodeChallenge(header string) (*PaymentRequiredResponse, error) {
	raw, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	var challenge PaymentRequiredResponse
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}
	return &challenge, nil
}

// WriteChallenge sends a 402 Payment Required response. Browsers get
// paywallHTML when it is set.
func WriteChallenge(w http.ResponseWriter, r *http.Request, challenge *PaymentRequiredResponse, paywallHTML string) {
	if paywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(paywallHTML))
		return
	}

	if encoded, err := EncodeChallenge(challenge); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(challenge)
}

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payloadJSON), nil
}

// EncodePaymentResponse encodes a receipt for the PAYMENT-RESPONSE header.
func EncodePaymentResponse(response *PaymentResponse) (string, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE header.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	responseBytes, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequirements extracts payment requirements from a 402 response.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	// Try PAYMENT-REQUIRED header first (V2).
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		if challenge, err := DecodeChallenge(header); err == nil {
			return challenge, nil
		}
	}

	// Fall back to body.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReq PaymentRequiredResponse
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}

func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}
