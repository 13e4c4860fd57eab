package x402

import "time"

// Observer receives gate lifecycle events, typically to record metrics.
// Methods are called synchronously and must not block.
type Observer interface {
	ChallengeIssued(route string)
	VerificationFailed(route string, kind ErrorKind)
	// SettlementFinished reports kind "" on success.
	SettlementFinished(route string, kind ErrorKind, elapsed time.Duration)
	RequestFinished(route string, state GateState)
}

type nopObserver struct{}

func (nopObserver) ChallengeIssued(string)                              {}
func (nopObserver) VerificationFailed(string, ErrorKind)                {}
func (nopObserver) SettlementFinished(string, ErrorKind, time.Duration) {}
func (nopObserver) RequestFinished(string, GateState)                   {}
