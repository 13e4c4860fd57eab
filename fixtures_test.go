package x402

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testPayer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	testUSDC  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // base sepolia
	badSig    = "0xbad"
)

// fakeChecker accepts every signature except badSig and reports the
// authorization's from address as the payer.
type fakeChecker struct{}

func (fakeChecker) Scheme() string { return SchemeExact }

func (fakeChecker) Check(_ *PaymentRequirements, p *ExactPayload) (string, error) {
	if p.Signature == badSig {
		return "", errors.New("recovered signer does not match")
	}
	return p.Authorization.From, nil
}

// fakeBackend is a scripted SettlementBackend.
type fakeBackend struct {
	mu sync.Mutex

	submits int32
	polls   int32

	// final state returned by Poll, or by Submit when immediate is set
	state     SettlementState
	immediate bool
	reason    string

	submitErr error
	pollErr   error
	failPolls int32 // transient errors before Poll answers

	// release, when set, blocks Submit until closed
	release chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{state: SettlementConfirmed}
}

func (b *fakeBackend) Submit(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*PendingSettlement, error) {
	n := atomic.AddInt32(&b.submits, 1)
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	pending := &PendingSettlement{
		ID:          "settle-" + strconv.Itoa(int(n)),
		Network:     req.Network,
		SubmittedAt: time.Now(),
	}
	if b.immediate {
		pending.Status = b.status(pending.ID)
	}
	return pending, nil
}

func (b *fakeBackend) Poll(ctx context.Context, pending *PendingSettlement) (*SettlementStatus, error) {
	if atomic.AddInt32(&b.polls, 1) <= b.failPolls {
		return nil, errors.New("connection reset by peer")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollErr != nil {
		return nil, b.pollErr
	}
	return b.status(pending.ID), nil
}

func (b *fakeBackend) status(id string) *SettlementStatus {
	s := &SettlementStatus{State: b.state, Reason: b.reason}
	if b.state == SettlementConfirmed {
		s.Transaction = "0xtx-" + id
		s.SettledAt = time.Now()
	}
	return s
}

func (b *fakeBackend) Submits() int {
	return int(atomic.LoadInt32(&b.submits))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fetchRule() PricingRule {
	return PricingRule{
		Description: "Fetch a URL",
		AcceptedTokens: []TokenRequirement{
			{Network: NetworkBaseSepolia, Symbol: "USDC", Recipient: testPayTo, Price: "$0.01"},
		},
	}
}

func testConfig(backend SettlementBackend) Config {
	return Config{
		EndpointPricing: map[string]PricingRule{
			"POST /task/fetch": fetchRule(),
		},
		SkipPaths:         []string{"/health"},
		Checkers:          []SignatureChecker{fakeChecker{}},
		Backend:           backend,
		SettlementTimeout: 300 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		Logger:            discardLogger(),
	}
}

func newTestGate(t *testing.T, backend SettlementBackend) *Gate {
	t.Helper()
	gate, err := NewGate(testConfig(backend))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return gate
}

var nonceCounter uint64

func nextNonce() string {
	return fmt.Sprintf("0x%064x", atomic.AddUint64(&nonceCounter, 1))
}

// testAuthorization builds an authorization that satisfies req right now.
func testAuthorization(req PaymentRequirements) *Authorization {
	now := time.Now().Unix()
	return &Authorization{
		From:        testPayer,
		To:          req.PayTo,
		Value:       req.Amount,
		ValidAfter:  strconv.FormatInt(now-60, 10),
		ValidBefore: strconv.FormatInt(now+300, 10),
		Nonce:       nextNonce(),
	}
}

// makeProof encodes a V2 proof for req. mutate, if non-nil, edits the
// authorization before encoding.
func makeProof(t *testing.T, req PaymentRequirements, mutate func(*Authorization)) string {
	t.Helper()
	auth := testAuthorization(req)
	sig := "0xsig"
	if mutate != nil {
		mutate(auth)
	}
	return encodeProof(t, req, auth, sig)
}

func encodeProof(t *testing.T, req PaymentRequirements, auth *Authorization, sig string) string {
	t.Helper()
	header, err := EncodePaymentPayload(&PaymentPayload{
		X402Version: X402Version,
		Accepted:    req,
		Payload:     &ExactPayload{Signature: sig, Authorization: auth},
	})
	if err != nil {
		t.Fatalf("EncodePaymentPayload: %v", err)
	}
	return header
}

func fetchRequirement(t *testing.T, gate *Gate) PaymentRequirements {
	t.Helper()
	b, ok := gate.Registry().MatchEndpoint("POST", "/task/fetch")
	if !ok {
		t.Fatal("fetch route is not priced")
	}
	return b.Accepts[0]
}
