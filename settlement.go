package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// SettlementState is the lifecycle state reported by a settlement backend.
type SettlementState string

const (
	SettlementPending   SettlementState = "pending"
	SettlementConfirmed SettlementState = "confirmed"
	SettlementRejected  SettlementState = "rejected"
)

// PendingSettlement identifies a submitted settlement. Status is set when
// the backend already knows the final state at submission time.
type PendingSettlement struct {
	ID          string
	Network     string
	SubmittedAt time.Time
	Status      *SettlementStatus
}

// SettlementStatus is a point-in-time view of a settlement.
type SettlementStatus struct {
	State       SettlementState
	Transaction string
	Payer       string
	Reason      string
	SettledAt   time.Time
}

// SettlementBackend submits authorizations and reports their finality.
// Errors wrapping ErrSettlementRejected are definitive declines; any other
// error is treated as the backend being unreachable.
type SettlementBackend interface {
	Submit(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*PendingSettlement, error)
	Poll(ctx context.Context, pending *PendingSettlement) (*SettlementStatus, error)
}

// SettlementOutcome is the final result of one settlement attempt:
// exactly one of Result and Err is set.
type SettlementOutcome struct {
	Result *SettlementResult
	Err    *PaymentError
}

// Settled reports whether the outcome is a confirmed settlement.
func (o *SettlementOutcome) Settled() bool {
	return o.Result != nil
}

type outcomeEntry struct {
	done        chan struct{}
	outcome     *SettlementOutcome
	fingerprint string
	expiresAt   time.Time
}

// Coordinator settles verified proofs at most once per nonce. Concurrent
// calls for the same nonce share one submission; later calls observe the
// first outcome.
type Coordinator struct {
	backend  SettlementBackend
	nonces   NonceStore
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	outcomes map[string]*outcomeEntry
	settles  int
}

// NewCoordinator creates a coordinator from a validated config.
func NewCoordinator(cfg *Config) *Coordinator {
	return &Coordinator{
		backend:  cfg.Backend,
		nonces:   cfg.Nonces,
		timeout:  cfg.SettlementTimeout,
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
		now:      cfg.Now,
		outcomes: make(map[string]*outcomeEntry),
	}
}

// Settle submits the verified payment and waits for finality, bounded by the
// settlement timeout. The returned error is always a *PaymentError.
//
// Settlement is not tied to ctx cancellation: once submitted, a client
// disconnect must not leave the nonce in an unknown state.
func (c *Coordinator) Settle(ctx context.Context, vr *VerificationResult) (*SettlementResult, error) {
	key := vr.NonceKey
	fp := fingerprint(vr.Payload)

	c.mu.Lock()
	c.settles++
	if c.settles%evictEvery == 0 {
		c.cleanupExpiredLocked()
	}
	if entry, ok := c.outcomes[key]; ok {
		c.mu.Unlock()
		if entry.fingerprint != fp {
			c.logger.Warn("nonce reused with a different authorization", "nonce_key", key)
		}
		return c.waitShared(ctx, entry)
	}
	entry := &outcomeEntry{
		done:        make(chan struct{}),
		fingerprint: fp,
		expiresAt:   vr.ValidBefore,
	}
	c.outcomes[key] = entry
	c.mu.Unlock()

	outcome := c.settle(ctx, vr)

	c.mu.Lock()
	entry.outcome = outcome
	close(entry.done)
	c.mu.Unlock()

	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return outcome.Result, nil
}

// waitShared resolves a call that lost the race for a nonce. A settled
// nonce is a replay; a failed one returns the cached failure.
func (c *Coordinator) waitShared(ctx context.Context, entry *outcomeEntry) (*SettlementResult, error) {
	select {
	case <-entry.done:
	case <-ctx.Done():
		return nil, NewPaymentError(KindReplayed, "settlement for this nonce is already in progress", ctx.Err())
	}
	if entry.outcome.Settled() {
		return nil, NewPaymentError(KindReplayed, "authorization nonce has already been settled", nil)
	}
	return nil, entry.outcome.Err
}

func (c *Coordinator) settle(ctx context.Context, vr *VerificationResult) *SettlementOutcome {
	key := vr.NonceKey
	// Reservations outlive the authorization slightly so a late confirmation
	// still finds the key.
	reserved, err := c.nonces.Reserve(ctx, key, vr.ValidBefore.Add(c.timeout))
	if err != nil {
		return failed(KindBackendUnavailable, "replay guard unavailable", err)
	}
	if !reserved {
		return failed(KindReplayed, "authorization nonce has already been used", nil)
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	logger := c.logger.With("nonce_key", key, "network", vr.Requirement.Network, "payer", vr.PayerAddress)

	status, err := c.submitAndWait(settleCtx, vr)
	switch {
	case err == nil:
		if err := c.nonces.Commit(settleCtx, key, status.Transaction); err != nil {
			// The reservation still blocks reuse until it expires.
			logger.Error("failed to commit nonce", "error", err, "transaction", status.Transaction)
		}
		settledAt := status.SettledAt
		if settledAt.IsZero() {
			settledAt = c.now()
		}
		payer := status.Payer
		if payer == "" {
			payer = vr.PayerAddress
		}
		logger.Info("payment settled", "transaction", status.Transaction, "amount", vr.Amount)
		return &SettlementOutcome{Result: &SettlementResult{
			TransactionHash:  status.Transaction,
			Status:           string(SettlementConfirmed),
			SettledAt:        settledAt,
			Amount:           vr.Amount,
			PayerAddress:     payer,
			RecipientAddress: vr.Requirement.PayTo,
			Network:          vr.Requirement.Network,
		}}

	case errors.Is(err, ErrSettlementTimeout):
		// Outcome unknown: keep the reservation so the proof cannot be
		// submitted a second time.
		logger.Warn("settlement timed out", "timeout", c.timeout)
		return &SettlementOutcome{Err: asPaymentError(err)}

	default:
		pe := asPaymentError(err)
		if rerr := c.nonces.Release(context.WithoutCancel(ctx), key); rerr != nil {
			logger.Error("failed to release nonce", "error", rerr)
		}
		logger.Warn("settlement failed", "kind", pe.Kind, "error", pe)
		return &SettlementOutcome{Err: pe}
	}
}

// submitAndWait submits and polls until the settlement is confirmed,
// rejected or ctx expires. Poll errors after a successful submission are
// retried because the transaction may still land.
func (c *Coordinator) submitAndWait(ctx context.Context, vr *VerificationResult) (*SettlementStatus, error) {
	req := vr.Requirement
	pending, err := c.backend.Submit(ctx, vr.Payload, &req)
	if err != nil {
		return nil, classifyBackendError(ctx, err)
	}

	status := pending.Status
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if status != nil {
			switch status.State {
			case SettlementConfirmed:
				return status, nil
			case SettlementRejected:
				return nil, NewPaymentError(KindSettlementRejected, rejectionMessage(status.Reason), nil)
			}
		}

		select {
		case <-ctx.Done():
			return nil, NewPaymentError(KindSettlementTimeout, "settlement did not reach finality in time", ctx.Err())
		case <-ticker.C:
		}

		next, err := c.backend.Poll(ctx, pending)
		if err != nil {
			if errors.Is(err, ErrSettlementRejected) {
				return nil, asPaymentError(err)
			}
			c.logger.Debug("settlement poll failed", "id", pending.ID, "error", err)
			continue
		}
		status = next
	}
}

func classifyBackendError(ctx context.Context, err error) error {
	if errors.Is(err, ErrSettlementRejected) {
		return asPaymentError(err)
	}
	if ctx.Err() != nil {
		return NewPaymentError(KindSettlementTimeout, "settlement did not reach finality in time", err)
	}
	return NewPaymentError(KindBackendUnavailable, "settlement backend unavailable", err)
}

func asPaymentError(err error) *PaymentError {
	var pe *PaymentError
	if !errors.As(err, &pe) {
		return NewPaymentError(KindBackendUnavailable, "settlement backend unavailable", err)
	}
	if error(pe) == err {
		return pe
	}
	return &PaymentError{
		Kind:        pe.Kind,
		Message:     pe.Message,
		Cause:       err,
		Settled:     pe.Settled,
		Transaction: pe.Transaction,
	}
}

func rejectionMessage(reason string) string {
	if reason == "" {
		return "settlement was rejected"
	}
	return fmt.Sprintf("settlement was rejected: %s", reason)
}

func failed(kind ErrorKind, msg string, cause error) *SettlementOutcome {
	return &SettlementOutcome{Err: NewPaymentError(kind, msg, cause)}
}

// fingerprint hashes the RFC 8785 canonical form of the proof.
func fingerprint(payload *PaymentPayload) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// cleanupExpiredLocked drops finished outcomes whose authorization has
// expired. Must be called with c.mu held.
func (c *Coordinator) cleanupExpiredLocked() {
	now := c.now()
	for key, e := range c.outcomes {
		select {
		case <-e.done:
		default:
			continue
		}
		if now.After(e.expiresAt) {
			delete(c.outcomes, key)
		}
	}
}
