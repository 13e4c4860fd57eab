package x402

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// GateState is the position of one request in the payment lifecycle.
type GateState int

const (
	StateNoProof GateState = iota
	StateChallenged
	StateProofPresented
	StateVerifying
	StateVerifyFailed
	StateVerified
	StateSettling
	StateSettleFailed
	StateSettleSucceeded
	StateExecuting
	StateWorkFailed
	StateWorkSucceeded
	StatePassThrough
)

var gateStateNames = map[GateState]string{
	StateNoProof:         "no_proof",
	StateChallenged:      "challenged",
	StateProofPresented:  "proof_presented",
	StateVerifying:       "verifying",
	StateVerifyFailed:    "verify_failed",
	StateVerified:        "verified",
	StateSettling:        "settling",
	StateSettleFailed:    "settle_failed",
	StateSettleSucceeded: "settle_succeeded",
	StateExecuting:       "executing",
	StateWorkFailed:      "work_failed",
	StateWorkSucceeded:   "work_succeeded",
	StatePassThrough:     "pass_through",
}

func (s GateState) String() string {
	if name, ok := gateStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("GateState(%d)", int(s))
}

var gateTransitions = map[GateState][]GateState{
	StateNoProof:         {StateChallenged},
	StateProofPresented:  {StateVerifying},
	StateVerifying:       {StateVerifyFailed, StateVerified},
	StateVerified:        {StateSettling},
	StateSettling:        {StateSettleFailed, StateSettleSucceeded},
	StateSettleSucceeded: {StateExecuting},
	StateExecuting:       {StateWorkFailed, StateWorkSucceeded},
}

// CanTransition reports whether the lifecycle allows moving to next.
// Work can only start from StateSettleSucceeded.
func (s GateState) CanTransition(next GateState) bool {
	for _, allowed := range gateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s GateState) Terminal() bool {
	_, ok := gateTransitions[s]
	return !ok
}

type gateRun struct {
	route    string
	state    GateState
	observer Observer
	logger   *slog.Logger
}

func (r *gateRun) to(next GateState) {
	if !r.state.CanTransition(next) {
		r.logger.Error("invalid gate transition", "route", r.route, "from", r.state, "to", next)
		return
	}
	r.state = next
	if next.Terminal() {
		r.observer.RequestFinished(r.route, next)
	}
}

// Gate enforces payment before work for any transport.
type Gate struct {
	cfg         Config
	registry    *Registry
	verifier    *Verifier
	coordinator *Coordinator
	logger      *slog.Logger
	observer    Observer
}

// NewGate validates cfg and builds the registry, verifier and coordinator.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid x402 configuration: %w", err)
	}
	registry, err := NewRegistry(&cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid x402 configuration: %w", err)
	}

	verifier := NewVerifier(cfg.Nonces, registry.Assets(), cfg.Checkers...)
	verifier.now = cfg.Now

	return &Gate{
		cfg:         cfg,
		registry:    registry,
		verifier:    verifier,
		coordinator: NewCoordinator(&cfg),
		logger:      cfg.Logger,
		observer:    cfg.Observer,
	}, nil
}

// Registry returns the compiled route registry.
func (g *Gate) Registry() *Registry {
	return g.registry
}

// Config returns the validated configuration.
func (g *Gate) Config() Config {
	return g.cfg
}

// Challenge records that a request arrived without proof and returns the
// challenge to send back.
func (g *Gate) Challenge(b *RouteBinding) PaymentRequiredResponse {
	run := g.newRun(b.Route(), StateNoProof)
	run.to(StateChallenged)
	g.observer.ChallengeIssued(b.Route())
	return BuildChallenge(b)
}

// UnpricedRoute is the route label for every request that needs no
// payment. Raw paths would give the metrics one series per URL.
const UnpricedRoute = "unpriced"

// PassThrough records a request for an unpriced route.
func (g *Gate) PassThrough() {
	g.observer.RequestFinished(UnpricedRoute, StatePassThrough)
}

// Admission is a request that has been verified and settled. The caller
// runs the work and reports the result through Finish.
type Admission struct {
	Payment *PaymentContext
	Receipt PaymentResponse
	run     *gateRun
}

// State returns the current lifecycle state.
func (a *Admission) State() GateState {
	return a.run.state
}

// Begin moves the request to StateExecuting.
func (a *Admission) Begin() {
	a.run.to(StateExecuting)
}

// Finish records the work result. A work failure does not undo the
// settlement; the returned error carries the settled transaction.
func (a *Admission) Finish(workErr error) *PaymentError {
	if a.run.state == StateSettleSucceeded {
		a.Begin()
	}
	if workErr == nil {
		a.run.to(StateWorkSucceeded)
		return nil
	}
	a.run.to(StateWorkFailed)
	a.run.logger.Error("work failed after settlement",
		"route", a.run.route, "transaction", a.Payment.TransactionHash, "error", workErr)
	return &PaymentError{
		Kind:        KindWorkExecutionFailed,
		Message:     workErr.Error(),
		Cause:       workErr,
		Settled:     true,
		Transaction: a.Payment.TransactionHash,
	}
}

// Authorize verifies the proof against the binding's requirements and
// settles it. Work must only run after a nil error. The returned error is
// a *PaymentError.
func (g *Gate) Authorize(ctx context.Context, b *RouteBinding, proof Proof) (*Admission, error) {
	run := g.newRun(b.Route(), StateProofPresented)
	logger := g.logger.With("route", b.Route())

	run.to(StateVerifying)
	vr, err := g.verifier.Verify(ctx, proof, b.Accepts)
	if err != nil {
		pe := asPaymentError(err)
		run.to(StateVerifyFailed)
		g.observer.VerificationFailed(b.Route(), pe.Kind)
		logger.Info("payment verification failed", "kind", pe.Kind, "error", pe)
		return nil, pe
	}
	run.to(StateVerified)

	run.to(StateSettling)
	start := time.Now()
	result, err := g.coordinator.Settle(ctx, vr)
	elapsed := time.Since(start)
	if err != nil {
		pe := asPaymentError(err)
		run.to(StateSettleFailed)
		g.observer.SettlementFinished(b.Route(), pe.Kind, elapsed)
		return nil, pe
	}
	run.to(StateSettleSucceeded)
	g.observer.SettlementFinished(b.Route(), "", elapsed)

	payment := &PaymentContext{
		Verified:        true,
		PayerAddress:    result.PayerAddress,
		Amount:          result.Amount,
		TokenSymbol:     vr.TokenSymbol,
		Network:         result.Network,
		Asset:           vr.Requirement.Asset,
		TransactionHash: result.TransactionHash,
		SettledAt:       result.SettledAt,
		Legacy:          vr.Legacy,
	}
	return &Admission{
		Payment: payment,
		Receipt: payment.Response(),
		run:     run,
	}, nil
}

func (g *Gate) newRun(route string, state GateState) *gateRun {
	return &gateRun{route: route, state: state, observer: g.observer, logger: g.logger}
}
