package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// X402Version is the protocol version written into challenges and proofs.
const X402Version = 2

// SchemeExact is the EIP-3009 transferWithAuthorization scheme.
const SchemeExact = "exact"

// PaymentRequirements describes one acceptable way to pay for a resource.
// Uses CAIP-2 network identifiers (e.g., "eip155:8453").
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`           // CAIP-2: "eip155:8453"
	Amount            string                 `json:"amount"`            // atomic units
	Asset             string                 `json:"asset"`             // token contract address
	PayTo             string                 `json:"payTo"`             // recipient address
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"` // EIP-712 domain name/version
}

// ExtraString returns a string value from Extra, or "" when absent.
func (r *PaymentRequirements) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[key].(string)
	return s
}

// PaymentPayload wraps accepted requirements and scheme-specific payload.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     interface{}            `json:"payload"` // scheme-specific (e.g., ExactPayload)
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// ExactPayload is the payload of the "exact" scheme: a signed EIP-3009 authorization.
type ExactPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// Authorization contains the EIP-3009 transferWithAuthorization parameters.
// Numeric fields are decimal strings because they are uint256 on chain.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"` // 0x-prefixed bytes32
}

// maxWindowSeconds is 9999-12-31T23:59:59Z. Later bounds do not survive
// time.Unix arithmetic.
const maxWindowSeconds = 253402300799

// Window returns the validity window as unix seconds.
func (a *Authorization) Window() (after, before int64, err error) {
	va, ok := new(big.Int).SetString(a.ValidAfter, 10)
	if !ok || !va.IsInt64() {
		return 0, 0, fmt.Errorf("invalid validAfter %q", a.ValidAfter)
	}
	vb, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok || !vb.IsInt64() {
		return 0, 0, fmt.Errorf("invalid validBefore %q", a.ValidBefore)
	}
	if va.Sign() < 0 || vb.Sign() < 0 || vb.Int64() > maxWindowSeconds {
		return 0, 0, fmt.Errorf("validity window [%s, %s] is out of range", a.ValidAfter, a.ValidBefore)
	}
	return va.Int64(), vb.Int64(), nil
}

// DecodeExactPayload converts the generic payload of a PaymentPayload into an ExactPayload.
func DecodeExactPayload(payload interface{}) (*ExactPayload, error) {
	var raw []byte
	switch p := payload.(type) {
	case *ExactPayload:
		if p == nil {
			return nil, fmt.Errorf("payload is required")
		}
		return p, validateExactPayload(p)
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = b
	}

	var exact ExactPayload
	if err := json.Unmarshal(raw, &exact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exact payload: %w", err)
	}
	if err := validateExactPayload(&exact); err != nil {
		return nil, err
	}
	return &exact, nil
}

func validateExactPayload(p *ExactPayload) error {
	if p.Signature == "" {
		return fmt.Errorf("signature is required")
	}
	if p.Authorization == nil {
		return fmt.Errorf("authorization is required")
	}
	auth := p.Authorization
	if auth.From == "" || auth.To == "" || auth.Value == "" || auth.Nonce == "" {
		return fmt.Errorf("authorization missing required fields")
	}
	if v, ok := new(big.Int).SetString(auth.Value, 10); !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid authorization value %q", auth.Value)
	}
	if _, _, err := auth.Window(); err != nil {
		return err
	}
	if !isBytes32Hex(auth.Nonce) {
		return fmt.Errorf("nonce must be a 0x-prefixed 32-byte hex string")
	}
	return nil
}

func isBytes32Hex(s string) bool {
	if len(s) != 66 || (s[:2] != "0x" && s[:2] != "0X") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// SupportedKind represents a supported scheme+network pair.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"` // CAIP-2
}

// VerificationResult is the outcome of a successful proof verification.
// Failed verifications are reported as *PaymentError instead.
type VerificationResult struct {
	Payload      *PaymentPayload
	Exact        *ExactPayload
	Requirement  PaymentRequirements
	PayerAddress string
	Amount       string
	TokenSymbol  string
	NonceKey     string
	ValidBefore  time.Time
	Legacy       bool
}

// SettlementResult contains the result of payment settlement.
type SettlementResult struct {
	TransactionHash  string
	Status           string
	SettledAt        time.Time
	Amount           string
	PayerAddress     string
	RecipientAddress string
	Network          string // CAIP-2
}

// PaymentResponse is sent in the PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"` // CAIP-2
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// PaymentRequiredResponse is the 402 response body.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// SignatureChecker verifies the scheme-specific signature of a proof.
// Implementations must be pure: no network and no state.
type SignatureChecker interface {
	// Scheme returns the scheme identifier this checker handles.
	Scheme() string

	// Check verifies the signature against the requirement and returns the
	// recovered payer address.
	Check(req *PaymentRequirements, payload *ExactPayload) (string, error)
}

// PaymentContext contains payment information that can be extracted in handlers.
type PaymentContext struct {
	Verified        bool
	PayerAddress    string
	Amount          string
	TokenSymbol     string
	Network         string // CAIP-2
	Asset           string
	TransactionHash string
	SettledAt       time.Time
	Legacy          bool
}

// Response builds the PAYMENT-RESPONSE receipt for this payment.
func (p *PaymentContext) Response() PaymentResponse {
	return PaymentResponse{
		Success:     p.Verified && p.TransactionHash != "",
		Transaction: p.TransactionHash,
		Network:     p.Network,
		Payer:       p.PayerAddress,
	}
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context.
	PaymentContextKey contextKey = "x402-payment"
)

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

// V1 compatibility types for parsing legacy X-PAYMENT headers.

// LegacyPayment represents a parsed V1 X-PAYMENT header.
type LegacyPayment struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network"`
	Payload     interface{} `json:"payload"`
}
