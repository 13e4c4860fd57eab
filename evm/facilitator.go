package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-agents"
)

// FacilitatorClient is an x402.SettlementBackend backed by a V2 facilitator
// service. Signatures are checked locally; the facilitator only submits
// and tracks transactions.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFacilitatorClient creates a new facilitator client targeting V2 endpoints.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient replaces the HTTP client and returns c.
func (c *FacilitatorClient) WithHTTPClient(hc *http.Client) *FacilitatorClient {
	c.httpClient = hc
	return c
}

// Submit sends the authorization via POST /v2/x402/settle.
func (c *FacilitatorClient) Submit(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.PendingSettlement, error) {
	body, err := json.Marshal(&FacilitatorSettleRequest{Payload: payload, Requirements: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/x402/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create settle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	settleResp, err := c.do(httpReq, "settle", false)
	if err != nil {
		return nil, err
	}

	pending := &x402.PendingSettlement{
		ID:          settleResp.ID,
		Network:     req.Network,
		SubmittedAt: time.Now(),
	}
	if settleResp.Status != StatusPending {
		pending.Status = toStatus(settleResp)
	} else if settleResp.ID == "" {
		return nil, fmt.Errorf("%w: facilitator returned pending settlement without id", x402.ErrBackendUnavailable)
	}
	return pending, nil
}

// Poll reads settlement state via GET /v2/x402/settlements/{id}.
func (c *FacilitatorClient) Poll(ctx context.Context, pending *x402.PendingSettlement) (*x402.SettlementStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v2/x402/settlements/"+url.PathEscape(pending.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement status request: %w", err)
	}

	// A facilitator may not list a settlement it has only just accepted.
	settleResp, err := c.do(httpReq, "settlement status", true)
	if err != nil {
		return nil, err
	}
	return toStatus(settleResp), nil
}

// GetSupported fetches supported kinds, extensions, and signers via GET /v2/x402/supported.
func (c *FacilitatorClient) GetSupported(ctx context.Context) (*FacilitatorSupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/x402/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to call facilitator supported endpoint: %v", x402.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("facilitator supported returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var supportedResp FacilitatorSupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

// CheckSupported returns an error unless the facilitator settles every
// scheme/network pair in kinds.
func (c *FacilitatorClient) CheckSupported(ctx context.Context, kinds ...x402.SupportedKind) error {
	supported, err := c.GetSupported(ctx)
	if err != nil {
		return err
	}
	have := make(map[x402.SupportedKind]bool, len(supported.Kinds))
	for _, k := range supported.Kinds {
		have[k] = true
	}
	for _, k := range kinds {
		if !have[k] {
			return fmt.Errorf("facilitator does not support %s on %s", k.Scheme, k.Network)
		}
	}
	return nil
}

// do executes a settle or status call. Transport failures, 5xx, 408, 429
// and (when notFoundRetryable) 404 map to x402.ErrBackendUnavailable; other
// 4xx and unsuccessful bodies map to x402.ErrSettlementRejected.
func (c *FacilitatorClient) do(httpReq *http.Request, op string, notFoundRetryable bool) (*FacilitatorSettleResponse, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to call facilitator %s endpoint: %v", x402.ErrBackendUnavailable, op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read facilitator %s response: %v", x402.ErrBackendUnavailable, op, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout ||
		(notFoundRetryable && resp.StatusCode == http.StatusNotFound) {
		return nil, fmt.Errorf("%w: facilitator %s returned status %d: %s", x402.ErrBackendUnavailable, op, resp.StatusCode, string(bodyBytes))
	}

	var settleResp FacilitatorSettleResponse
	if err := json.Unmarshal(bodyBytes, &settleResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: facilitator %s returned status %d: %s", x402.ErrSettlementRejected, op, resp.StatusCode, string(bodyBytes))
		}
		return nil, fmt.Errorf("%w: failed to decode %s response: %v", x402.ErrBackendUnavailable, op, err)
	}

	if resp.StatusCode != http.StatusOK || settleResp.Status == StatusRejected ||
		(!settleResp.Success && settleResp.Status != StatusPending) {
		reason := settleResp.ErrorReason
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, x402.NewPaymentError(x402.KindSettlementRejected, "settlement was rejected: "+reason, nil)
	}

	return &settleResp, nil
}

func toStatus(r *FacilitatorSettleResponse) *x402.SettlementStatus {
	s := &x402.SettlementStatus{
		Transaction: r.Transaction,
		Payer:       r.Payer,
		Reason:      r.ErrorReason,
	}
	switch r.Status {
	case StatusPending:
		s.State = x402.SettlementPending
	case StatusRejected:
		s.State = x402.SettlementRejected
	default:
		s.State = x402.SettlementConfirmed
	}
	if r.SettledAt > 0 {
		s.SettledAt = time.Unix(r.SettledAt, 0)
	}
	return s
}
