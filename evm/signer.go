package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/becomeliminal/x402-agents"
)

// DefaultAuthorizationTimeout is used when a requirement has no maxTimeoutSeconds.
const DefaultAuthorizationTimeout = 5 * time.Minute

// Signer signs "exact" payments for one EVM network.
type Signer struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	network   string
	maxAmount *big.Int
	assets    map[string]bool
	now       func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// WithMaxAmount caps the atomic amount a single payment may authorize.
func WithMaxAmount(amount string) SignerOption {
	return func(s *Signer) error {
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("invalid max amount %q", amount)
		}
		s.maxAmount = v
		return nil
	}
}

// WithAssets restricts the signer to the given token contracts.
func WithAssets(addresses ...string) SignerOption {
	return func(s *Signer) error {
		for _, a := range addresses {
			if !common.IsHexAddress(a) {
				return fmt.Errorf("invalid asset address %q", a)
			}
			s.assets[strings.ToLower(a)] = true
		}
		return nil
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) error {
		s.now = now
		return nil
	}
}

// NewSigner creates a signer from a hex private key.
func NewSigner(privateKey, network string, opts ...SignerOption) (*Signer, error) {
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	if _, err := x402.ChainID(network); err != nil {
		return nil, err
	}

	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		network: network,
		assets:  make(map[string]bool),
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Address returns the payer address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Network implements x402.Signer.
func (s *Signer) Network() string {
	return s.network
}

// Scheme implements x402.Signer.
func (s *Signer) Scheme() string {
	return x402.SchemeExact
}

// CanSign implements x402.Signer.
func (s *Signer) CanSign(req *x402.PaymentRequirements) bool {
	if req.Scheme != x402.SchemeExact || req.Network != s.network {
		return false
	}
	if !common.IsHexAddress(req.Asset) || !common.IsHexAddress(req.PayTo) {
		return false
	}
	if len(s.assets) > 0 && !s.assets[strings.ToLower(req.Asset)] {
		return false
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return false
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return false
	}
	_, err := DomainFor(req)
	return err == nil
}

// Sign implements x402.Signer.
func (s *Signer) Sign(ctx context.Context, req *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if !s.CanSign(req) {
		return nil, fmt.Errorf("signer for %s cannot pay %s %s on %s", s.network, req.Amount, req.Asset, req.Network)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	domain, err := DomainFor(req)
	if err != nil {
		return nil, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	timeout := DefaultAuthorizationTimeout
	if req.MaxTimeoutSeconds > 0 {
		timeout = time.Duration(req.MaxTimeoutSeconds) * time.Second
	}
	now := s.now().Unix()

	auth := &x402.Authorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       req.Amount,
		ValidAfter:  strconv.FormatInt(now-10, 10),
		ValidBefore: strconv.FormatInt(now+int64(timeout.Seconds()), 10),
		Nonce:       nonce,
	}

	signature, err := SignAuthorization(s.key, domain, auth)
	if err != nil {
		return nil, err
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Accepted:    *req,
		Payload: &x402.ExactPayload{
			Signature:     signature,
			Authorization: auth,
		},
	}, nil
}
