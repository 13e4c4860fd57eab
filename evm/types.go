package evm

import x402 "github.com/becomeliminal/x402-agents"

// Settlement states reported by the facilitator.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusRejected  = "rejected"
)

// FacilitatorSettleRequest is the V2 request to /v2/x402/settle.
type FacilitatorSettleRequest struct {
	Payload      *x402.PaymentPayload      `json:"payload"`
	Requirements *x402.PaymentRequirements `json:"requirements"`
}

// FacilitatorSettleResponse is returned by /v2/x402/settle and by
// /v2/x402/settlements/{id}.
type FacilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	ID          string `json:"id,omitempty"`
	Status      string `json:"status,omitempty"` // pending, confirmed or rejected
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"` // CAIP-2
	SettledAt   int64  `json:"settledAt,omitempty"`
}

// FacilitatorSupportedResponse is the V2 response from /v2/x402/supported.
type FacilitatorSupportedResponse struct {
	Kinds      []x402.SupportedKind `json:"kinds"`
	Extensions []string             `json:"extensions"`
	Signers    map[string]string    `json:"signers"` // CAIP-2 network -> facilitator address
}
