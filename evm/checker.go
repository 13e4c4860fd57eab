package evm

import (
	"fmt"
	"strings"

	x402 "github.com/becomeliminal/x402-agents"
)

// Checker verifies "exact" scheme signatures locally by EIP-712 recovery.
type Checker struct{}

// NewChecker creates an exact-scheme signature checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Scheme implements x402.SignatureChecker.
func (c *Checker) Scheme() string {
	return x402.SchemeExact
}

// Check recovers the signer of the authorization and requires it to be the
// authorization's from address.
func (c *Checker) Check(req *x402.PaymentRequirements, payload *x402.ExactPayload) (string, error) {
	domain, err := DomainFor(req)
	if err != nil {
		return "", err
	}

	signer, err := RecoverSigner(domain, payload.Authorization, payload.Signature)
	if err != nil {
		return "", err
	}

	if !strings.EqualFold(signer.Hex(), payload.Authorization.From) {
		return "", fmt.Errorf("signature recovered %s, authorization is from %s", signer.Hex(), payload.Authorization.From)
	}
	return signer.Hex(), nil
}
