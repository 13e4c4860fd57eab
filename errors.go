package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a payment failure. The kind is the value of the
// "error" field in failure response bodies.
type ErrorKind string

// Failure kinds reported to the paying client.
const (
	KindMalformedProof      ErrorKind = "malformed_proof"
	KindUnsupportedTerms    ErrorKind = "unsupported_terms"
	KindTermsMismatch       ErrorKind = "terms_mismatch"
	KindExpired             ErrorKind = "expired"
	KindReplayed            ErrorKind = "replayed"
	KindBadSignature        ErrorKind = "bad_signature"
	KindSettlementTimeout   ErrorKind = "settlement_timeout"
	KindSettlementRejected  ErrorKind = "settlement_rejected"
	KindBackendUnavailable  ErrorKind = "backend_unavailable"
	KindWorkExecutionFailed ErrorKind = "work_execution_failed"

	// KindInvalidRequest rejects task input before any payment is taken.
	KindInvalidRequest ErrorKind = "invalid_request"
)

// HTTPStatus maps a kind to its response status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindMalformedProof, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnsupportedTerms, KindTermsMismatch, KindExpired, KindBadSignature:
		return http.StatusUnprocessableEntity
	case KindReplayed:
		return http.StatusConflict
	case KindSettlementRejected:
		return http.StatusBadGateway
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindSettlementTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// VerificationStage reports whether the kind is produced before settlement
// starts, in which case the client may fix the proof and try again.
func (k ErrorKind) VerificationStage() bool {
	switch k {
	case KindMalformedProof, KindUnsupportedTerms, KindTermsMismatch, KindExpired, KindReplayed, KindBadSignature:
		return true
	}
	return false
}

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Kind    ErrorKind
	Message string
	Cause   error

	// Settled and Transaction are set when the payment went through but
	// something after it failed.
	Settled     bool
	Transaction string
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Is matches any *PaymentError of the same kind, so the Err* sentinels below
// work with errors.Is.
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	return ok && t.Kind == e.Kind
}

// NewPaymentError creates a new PaymentError.
func NewPaymentError(kind ErrorKind, message string, cause error) *PaymentError {
	return &PaymentError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// Kind sentinels for errors.Is.
var (
	ErrMalformedProof      = &PaymentError{Kind: KindMalformedProof, Message: "malformed payment proof"}
	ErrUnsupportedTerms    = &PaymentError{Kind: KindUnsupportedTerms, Message: "payment terms not supported"}
	ErrTermsMismatch       = &PaymentError{Kind: KindTermsMismatch, Message: "payment terms do not match"}
	ErrExpired             = &PaymentError{Kind: KindExpired, Message: "authorization outside its validity window"}
	ErrReplayed            = &PaymentError{Kind: KindReplayed, Message: "authorization nonce already used"}
	ErrBadSignature        = &PaymentError{Kind: KindBadSignature, Message: "invalid signature"}
	ErrSettlementTimeout   = &PaymentError{Kind: KindSettlementTimeout, Message: "settlement timed out"}
	ErrSettlementRejected  = &PaymentError{Kind: KindSettlementRejected, Message: "settlement was rejected"}
	ErrBackendUnavailable  = &PaymentError{Kind: KindBackendUnavailable, Message: "settlement backend unavailable"}
	ErrWorkExecutionFailed = &PaymentError{Kind: KindWorkExecutionFailed, Message: "work failed after settlement"}
)

// ErrUnsupported is returned by the composer when no requirement in a
// challenge can be paid by any configured signer. It never goes on the wire.
var ErrUnsupported = errors.New("x402: no supported payment requirement")

// ComposerError wraps a client-side failure while building a proof.
type ComposerError struct {
	Op  string
	Err error
}

func (e *ComposerError) Error() string {
	return fmt.Sprintf("x402 composer: %s: %v", e.Op, e.Err)
}

func (e *ComposerError) Unwrap() error {
	return e.Err
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorKind extracts the kind from a PaymentError.
func GetPaymentErrorKind(err error) ErrorKind {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// ErrorBody is the JSON body of every failure response.
type ErrorBody struct {
	Error       ErrorKind `json:"error"`
	Message     string    `json:"message"`
	Settled     bool      `json:"settled,omitempty"`
	Transaction string    `json:"transaction,omitempty"`
}

func errorBody(pe *PaymentError) ErrorBody {
	msg := pe.Message
	if pe.Cause != nil && msg == "" {
		msg = pe.Cause.Error()
	}
	return ErrorBody{
		Error:       pe.Kind,
		Message:     msg,
		Settled:     pe.Settled,
		Transaction: pe.Transaction,
	}
}
