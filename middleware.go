package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxTaskBodyBytes bounds request bodies buffered by Gate.Handler.
const MaxTaskBodyBytes = 1 << 20

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It detects V2 headers (PAYMENT-SIGNATURE) first and falls back to V1 (X-PAYMENT).
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	gate, err := NewGate(cfg)
	if err != nil {
		panic(err.Error())
	}
	return gate.Middleware
}

// Middleware wraps next so that priced routes are only served after the
// payment has settled. The receipt header is set before next runs; a
// downstream status of 500 or above is recorded as failed work.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		binding, requiresPayment := g.registry.MatchEndpoint(r.Method, r.URL.Path)
		if !requiresPayment {
			g.PassThrough()
			next.ServeHTTP(w, r)
			return
		}

		admission, ok := g.Admit(w, r, binding)
		if !ok {
			return
		}

		WriteReceipt(w, &admission.Receipt, admission.Payment.Legacy)

		admission.Begin()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx := context.WithValue(r.Context(), PaymentContextKey, admission.Payment)
		next.ServeHTTP(rec, r.WithContext(ctx))

		var workErr error
		if rec.status >= http.StatusInternalServerError {
			workErr = fmt.Errorf("handler returned status %d", rec.status)
		}
		admission.Finish(workErr)
	})
}

// Work performs a paid task. It runs only after settlement succeeded.
type Work func(ctx context.Context, req *WorkRequest) (interface{}, error)

// WorkRequest is the input handed to Work.
type WorkRequest struct {
	Body    []byte
	Request *http.Request
	Payment *PaymentContext
}

// HandlerOption configures Gate.Handler.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	precheck func(body []byte) error
}

// WithPrecheck validates the request body before any payment is taken, so
// malformed input is rejected without charging the client.
func WithPrecheck(check func(body []byte) error) HandlerOption {
	return func(o *handlerOptions) {
		o.precheck = check
	}
}

// Handler serves a priced task. The JSON result of work is written with the
// receipt header; if work fails after settlement the response is a 500
// work_execution_failed body that still carries the transaction.
func (g *Gate) Handler(work Work, opts ...HandlerOption) http.Handler {
	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxTaskBodyBytes))
		if err != nil {
			WriteError(w, NewPaymentError(KindInvalidRequest, "request body could not be read", err))
			return
		}
		if o.precheck != nil {
			if err := o.precheck(body); err != nil {
				WriteError(w, NewPaymentError(KindInvalidRequest, err.Error(), err))
				return
			}
		}

		binding, requiresPayment := g.registry.MatchEndpoint(r.Method, r.URL.Path)
		if !requiresPayment {
			g.PassThrough()
			encoded, err := runWork(r.Context(), work, &WorkRequest{Body: body, Request: r})
			if err != nil {
				WriteError(w, NewPaymentError(KindWorkExecutionFailed, err.Error(), err))
				return
			}
			writeBody(w, http.StatusOK, encoded)
			return
		}

		admission, ok := g.Admit(w, r, binding)
		if !ok {
			return
		}

		WriteReceipt(w, &admission.Receipt, admission.Payment.Legacy)

		admission.Begin()
		ctx := context.WithValue(r.Context(), PaymentContextKey, admission.Payment)
		encoded, workErr := runWork(ctx, work, &WorkRequest{Body: body, Request: r, Payment: admission.Payment})
		if pe := admission.Finish(workErr); pe != nil {
			WriteError(w, pe)
			return
		}
		writeBody(w, http.StatusOK, encoded)
	})
}

// runWork calls work and encodes its result. A result that cannot be
// encoded counts as failed work.
func runWork(ctx context.Context, work Work, req *WorkRequest) ([]byte, error) {
	result, err := work(ctx, req)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return encoded, nil
}

// Admit runs the challenge or the verify and settle steps for binding. When
// the request cannot proceed the response has already been written and ok
// is false.
func (g *Gate) Admit(w http.ResponseWriter, r *http.Request, binding *RouteBinding) (*Admission, bool) {
	proof, ok := ProofFromRequest(r)
	if !ok {
		challenge := g.Challenge(binding)
		WriteChallenge(w, r, &challenge, g.cfg.CustomPaywallHTML)
		return nil, false
	}

	admission, err := g.Authorize(r.Context(), binding, proof)
	if err != nil {
		var pe *PaymentError
		if !errors.As(err, &pe) {
			pe = NewPaymentError(KindBackendUnavailable, "payment processing failed", err)
		}
		if pe.Kind.VerificationStage() {
			// Let the client re-sign against the current terms.
			if encoded, encErr := EncodeChallenge(&PaymentRequiredResponse{
				X402Version: X402Version,
				Error:       string(pe.Kind),
				Accepts:     binding.Accepts,
			}); encErr == nil {
				w.Header().Set(HeaderPaymentRequired, encoded)
			}
		}
		WriteError(w, pe)
		return nil, false
	}
	return admission, true
}

// ProofFromRequest reads PAYMENT-SIGNATURE, falling back to X-PAYMENT.
func ProofFromRequest(r *http.Request) (Proof, bool) {
	if v := r.Header.Get(HeaderPaymentSignature); v != "" {
		return Proof{Value: v}, true
	}
	if v := r.Header.Get(HeaderLegacyPayment); v != "" {
		return Proof{Value: v, Legacy: true}, true
	}
	return Proof{}, false
}

// WriteReceipt sets the receipt header matching the proof's protocol version.
func WriteReceipt(w http.ResponseWriter, receipt *PaymentResponse, legacy bool) {
	encoded, err := EncodePaymentResponse(receipt)
	if err != nil {
		return
	}
	if legacy {
		w.Header().Set(HeaderLegacyPaymentResponse, encoded)
		return
	}
	w.Header().Set(HeaderPaymentResponse, encoded)
}

// WriteError writes the failure body with the kind's status code.
func WriteError(w http.ResponseWriter, pe *PaymentError) {
	writeJSON(w, pe.Kind.HTTPStatus(), errorBody(pe))
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	encoded, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeBody(w, statusCode, encoded)
}

func writeBody(w http.ResponseWriter, statusCode int, encoded []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(append(encoded, '\n'))
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
