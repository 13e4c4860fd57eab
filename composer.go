package x402

import (
	"context"
	"log/slog"
	"math/big"
)

// Signer creates signed payment payloads for one network and scheme.
type Signer interface {
	// Network returns the CAIP-2 network identifier (e.g., "eip155:8453").
	Network() string

	// Scheme returns the payment scheme identifier (e.g., "exact").
	Scheme() string

	// CanSign reports whether this signer can satisfy the requirement,
	// including any spending limit.
	CanSign(req *PaymentRequirements) bool

	// Sign creates a signed PaymentPayload for the requirement.
	Sign(ctx context.Context, req *PaymentRequirements) (*PaymentPayload, error)
}

// SelectionPolicy decides which requirement to pay when several are payable.
type SelectionPolicy int

const (
	// SelectFirst pays the first payable requirement in challenge order.
	SelectFirst SelectionPolicy = iota
	// SelectLowestAmount pays the cheapest payable requirement; ties go to
	// challenge order.
	SelectLowestAmount
)

// SelectRequirement picks a requirement and the signer that will pay it.
// The result depends only on its inputs. Signers are tried in the given
// order for each requirement.
func SelectRequirement(accepts []PaymentRequirements, signers []Signer, policy SelectionPolicy) (*PaymentRequirements, Signer, error) {
	var (
		bestReq    *PaymentRequirements
		bestSigner Signer
		bestAmount *big.Int
	)

	for i := range accepts {
		req := &accepts[i]
		amount, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			continue
		}

		var signer Signer
		for _, s := range signers {
			if s.Scheme() == req.Scheme && s.Network() == req.Network && s.CanSign(req) {
				signer = s
				break
			}
		}
		if signer == nil {
			continue
		}

		if policy == SelectFirst {
			return req, signer, nil
		}
		if bestAmount == nil || amount.Cmp(bestAmount) < 0 {
			bestReq, bestSigner, bestAmount = req, signer, amount
		}
	}

	if bestReq == nil {
		return nil, nil, ErrUnsupported
	}
	return bestReq, bestSigner, nil
}

// Composer turns a challenge into a signed proof header.
type Composer struct {
	signers []Signer
	policy  SelectionPolicy
	logger  *slog.Logger
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithSelectionPolicy sets the selection policy. Defaults to SelectFirst.
func WithSelectionPolicy(p SelectionPolicy) ComposerOption {
	return func(c *Composer) {
		c.policy = p
	}
}

// WithComposerLogger sets the logger.
func WithComposerLogger(l *slog.Logger) ComposerOption {
	return func(c *Composer) {
		c.logger = l
	}
}

// NewComposer creates a composer over the given signers, in priority order.
func NewComposer(signers []Signer, opts ...ComposerOption) *Composer {
	c := &Composer{
		signers: signers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Composed is a signed proof ready to attach to a retry.
type Composed struct {
	Header      string
	Payload     *PaymentPayload
	Requirement PaymentRequirements
}

// Compose selects a requirement from the challenge and signs it. It returns
// ErrUnsupported when nothing is payable and a *ComposerError when signing
// or encoding fails.
func (c *Composer) Compose(ctx context.Context, challenge *PaymentRequiredResponse) (*Composed, error) {
	if challenge == nil || len(challenge.Accepts) == 0 {
		return nil, ErrUnsupported
	}

	req, signer, err := SelectRequirement(challenge.Accepts, c.signers, c.policy)
	if err != nil {
		return nil, err
	}

	payload, err := signer.Sign(ctx, req)
	if err != nil {
		return nil, &ComposerError{Op: "sign", Err: err}
	}

	header, err := EncodePaymentPayload(payload)
	if err != nil {
		return nil, &ComposerError{Op: "encode", Err: err}
	}

	c.logger.Debug("composed payment",
		"network", req.Network, "asset", req.Asset, "amount", req.Amount, "pay_to", req.PayTo)

	return &Composed{Header: header, Payload: payload, Requirement: *req}, nil
}
