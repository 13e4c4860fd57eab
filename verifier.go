package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ClockSkew is the slack allowed between a client's clock and ours when
// bounding validBefore.
const ClockSkew = time.Minute

// Proof is a raw payment header as received from a client.
type Proof struct {
	Value  string
	Legacy bool // X-PAYMENT (V1) instead of PAYMENT-SIGNATURE
}

// Verifier checks a proof against a requirement set. It reads the replay
// guard but never writes it.
type Verifier struct {
	checkers map[string]SignatureChecker
	nonces   NonceStore
	assets   *AssetTable
	now      func() time.Time
}

// NewVerifier creates a verifier. assets may be nil to use the built-in table.
func NewVerifier(nonces NonceStore, assets *AssetTable, checkers ...SignatureChecker) *Verifier {
	if assets == nil {
		assets = NewAssetTable()
	}
	v := &Verifier{
		checkers: make(map[string]SignatureChecker, len(checkers)),
		nonces:   nonces,
		assets:   assets,
		now:      time.Now,
	}
	for _, c := range checkers {
		v.checkers[c.Scheme()] = c
	}
	return v
}

// Verify runs the checks in order: decode, scheme/network match, terms,
// validity window, replay, signature. The first failure is returned as a
// *PaymentError of the matching kind.
func (v *Verifier) Verify(ctx context.Context, proof Proof, accepts []PaymentRequirements) (*VerificationResult, error) {
	payload, err := decodeProof(proof)
	if err != nil {
		return nil, NewPaymentError(KindMalformedProof, "payment header could not be decoded", err)
	}
	exact, err := DecodeExactPayload(payload.Payload)
	if err != nil {
		return nil, NewPaymentError(KindMalformedProof, "payment payload is malformed", err)
	}

	req, err := v.match(payload, accepts)
	if err != nil {
		return nil, err
	}

	if err := checkTerms(payload, exact.Authorization, req); err != nil {
		return nil, err
	}

	after, before, _ := exact.Authorization.Window()
	now := v.now().Unix()
	if now < after {
		return nil, NewPaymentError(KindExpired, fmt.Sprintf("authorization not valid until %d", after), nil)
	}
	if now >= before {
		return nil, NewPaymentError(KindExpired, fmt.Sprintf("authorization expired at %d", before), nil)
	}
	if limit := now + int64((maxTimeout(req)+ClockSkew)/time.Second); before > limit {
		return nil, NewPaymentError(KindTermsMismatch,
			fmt.Sprintf("validBefore %d is beyond the %ds the requirement allows", before, req.MaxTimeoutSeconds), nil)
	}

	key := NonceKey(req.Network, req.Asset, exact.Authorization.From, exact.Authorization.Nonce)
	seen, err := v.nonces.Seen(ctx, key)
	if err != nil {
		return nil, NewPaymentError(KindBackendUnavailable, "replay guard unavailable", err)
	}
	if seen {
		return nil, NewPaymentError(KindReplayed, "authorization nonce has already been used", nil)
	}

	payer, err := v.checkers[req.Scheme].Check(req, exact)
	if err != nil {
		return nil, NewPaymentError(KindBadSignature, "signature does not match authorization", err)
	}

	symbol := ""
	if info, ok := v.assets.Lookup(req.Network, req.Asset); ok {
		symbol = info.Symbol
	}

	return &VerificationResult{
		Payload:      payload,
		Exact:        exact,
		Requirement:  *req,
		PayerAddress: payer,
		Amount:       exact.Authorization.Value,
		TokenSymbol:  symbol,
		NonceKey:     key,
		ValidBefore:  time.Unix(before, 0),
		Legacy:       proof.Legacy,
	}, nil
}

func maxTimeout(req *PaymentRequirements) time.Duration {
	if req.MaxTimeoutSeconds > 0 {
		return time.Duration(req.MaxTimeoutSeconds) * time.Second
	}
	return DefaultValidityDuration
}

// match picks the requirement named by the proof. Among requirements with
// the same scheme and network, one whose asset and payTo also agree with the
// proof is preferred.
func (v *Verifier) match(payload *PaymentPayload, accepts []PaymentRequirements) (*PaymentRequirements, error) {
	accepted := payload.Accepted
	var candidate *PaymentRequirements
	for i := range accepts {
		req := &accepts[i]
		if req.Scheme != accepted.Scheme || req.Network != accepted.Network {
			continue
		}
		if candidate == nil {
			candidate = req
		}
		if (accepted.Asset == "" || strings.EqualFold(accepted.Asset, req.Asset)) &&
			(accepted.PayTo == "" || strings.EqualFold(accepted.PayTo, req.PayTo)) {
			candidate = req
			break
		}
	}
	if candidate == nil {
		return nil, NewPaymentError(KindUnsupportedTerms,
			fmt.Sprintf("scheme %q on network %q is not accepted", accepted.Scheme, accepted.Network), nil)
	}
	if _, ok := v.checkers[candidate.Scheme]; !ok {
		return nil, NewPaymentError(KindUnsupportedTerms, fmt.Sprintf("scheme %q is not supported", candidate.Scheme), nil)
	}
	return candidate, nil
}

func checkTerms(payload *PaymentPayload, auth *Authorization, req *PaymentRequirements) error {
	accepted := payload.Accepted
	if accepted.Asset != "" && !strings.EqualFold(accepted.Asset, req.Asset) {
		return NewPaymentError(KindTermsMismatch, fmt.Sprintf("asset %s does not match %s", accepted.Asset, req.Asset), nil)
	}
	if !strings.EqualFold(auth.To, req.PayTo) {
		return NewPaymentError(KindTermsMismatch, fmt.Sprintf("payee %s does not match %s", auth.To, req.PayTo), nil)
	}
	if accepted.PayTo != "" && !strings.EqualFold(accepted.PayTo, req.PayTo) {
		return NewPaymentError(KindTermsMismatch, fmt.Sprintf("payee %s does not match %s", accepted.PayTo, req.PayTo), nil)
	}

	required, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return NewPaymentError(KindTermsMismatch, "requirement amount is invalid", nil)
	}
	value, _ := new(big.Int).SetString(auth.Value, 10)

	if req.Scheme == SchemeExact {
		if value.Cmp(required) != 0 {
			return NewPaymentError(KindTermsMismatch, fmt.Sprintf("amount %s does not equal required %s", value, required), nil)
		}
		return nil
	}
	if value.Cmp(required) < 0 {
		return NewPaymentError(KindTermsMismatch, fmt.Sprintf("amount %s is below required %s", value, required), nil)
	}
	return nil
}

func decodeProof(proof Proof) (*PaymentPayload, error) {
	if proof.Legacy {
		return parseLegacyPayment(proof.Value)
	}
	return parsePaymentPayload(proof.Value)
}

// parsePaymentPayload decodes a V2 PAYMENT-SIGNATURE header into a PaymentPayload.
func parsePaymentPayload(header string) (*PaymentPayload, error) {
	payloadBytes, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if payload.X402Version < 2 {
		return nil, fmt.Errorf("PAYMENT-SIGNATURE header requires x402Version >= 2, got %d", payload.X402Version)
	}
	if payload.Accepted.Scheme == "" || payload.Accepted.Network == "" {
		return nil, fmt.Errorf("accepted scheme and network are required")
	}
	if payload.Payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	return &payload, nil
}

// parseLegacyPayment decodes a V1 X-PAYMENT header. The V1 format only
// names scheme and network; asset and payee are taken from the match.
func parseLegacyPayment(header string) (*PaymentPayload, error) {
	payloadBytes, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var legacy LegacyPayment
	if err := json.Unmarshal(payloadBytes, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if legacy.X402Version == 0 {
		return nil, fmt.Errorf("x402Version is required")
	}
	if legacy.Scheme == "" {
		return nil, fmt.Errorf("scheme is required")
	}
	if legacy.Network == "" {
		return nil, fmt.Errorf("network is required")
	}
	if legacy.Payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	return &PaymentPayload{
		X402Version: legacy.X402Version,
		Accepted: PaymentRequirements{
			Scheme:  legacy.Scheme,
			Network: legacy.Network,
		},
		Payload: legacy.Payload,
	}, nil
}

// Some clients send unpadded or URL-safe base64.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
