package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func okWork(ctx context.Context, req *WorkRequest) (interface{}, error) {
	return map[string]interface{}{"success": true, "payer": req.Payment.PayerAddress}, nil
}

func postTask(t *testing.T, h http.Handler, headers map[string]string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/task/fetch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// --- Middleware tests ---

func TestPaymentMiddleware_NoPaymentRequired(t *testing.T) {
	handler := PaymentMiddleware(testConfig(newFakeBackend()))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	}))

	req := httptest.NewRequest("GET", "/v1/free", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "success" {
		t.Errorf("expected body 'success', got %s", w.Body.String())
	}
}

func TestPaymentMiddleware_MissingPayment(t *testing.T) {
	backend := newFakeBackend()
	handler := PaymentMiddleware(testConfig(backend))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without payment")
	}))

	w := postTask(t, handler, nil, `{}`)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", w.Code)
	}

	var response PaymentRequiredResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.X402Version != 2 {
		t.Errorf("expected x402Version 2, got %d", response.X402Version)
	}
	if response.Error == "" {
		t.Error("expected error message")
	}
	if len(response.Accepts) != 1 {
		t.Fatalf("expected 1 requirement, got %d", len(response.Accepts))
	}

	accept := response.Accepts[0]
	if accept.Scheme != SchemeExact {
		t.Errorf("expected scheme 'exact', got %s", accept.Scheme)
	}
	if accept.Network != NetworkBaseSepolia {
		t.Errorf("expected network %s, got %s", NetworkBaseSepolia, accept.Network)
	}
	if accept.Amount != "10000" {
		t.Errorf("expected amount '10000', got %s", accept.Amount)
	}
	if accept.Asset != testUSDC {
		t.Errorf("expected asset %s, got %s", testUSDC, accept.Asset)
	}
	if accept.PayTo != testPayTo {
		t.Errorf("expected payTo %s, got %s", testPayTo, accept.PayTo)
	}
	if accept.ExtraString("name") != "USDC" || accept.ExtraString("version") != "2" {
		t.Errorf("expected EIP-712 domain USDC/2, got %v", accept.Extra)
	}
	if accept.MaxTimeoutSeconds != 300 {
		t.Errorf("expected maxTimeoutSeconds 300, got %d", accept.MaxTimeoutSeconds)
	}
	if backend.Submits() != 0 {
		t.Errorf("expected no settlement, got %d submits", backend.Submits())
	}
}

func TestPaymentMiddleware_402_IncludesPaymentRequiredHeader(t *testing.T) {
	handler := PaymentMiddleware(testConfig(newFakeBackend()))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := postTask(t, handler, nil, `{}`)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", w.Code)
	}

	headerVal := w.Header().Get(HeaderPaymentRequired)
	if headerVal == "" {
		t.Fatal("expected PAYMENT-REQUIRED header to be set")
	}
	decoded, err := base64.StdEncoding.DecodeString(headerVal)
	if err != nil {
		t.Fatalf("PAYMENT-REQUIRED header is not valid base64: %v", err)
	}
	var response PaymentRequiredResponse
	if err := json.Unmarshal(decoded, &response); err != nil {
		t.Fatalf("PAYMENT-REQUIRED header is not valid JSON: %v", err)
	}
	if len(response.Accepts) == 0 {
		t.Error("expected accepts list in header")
	}
}

func TestPaymentMiddleware_V2Header_ValidPayment(t *testing.T) {
	gate := newTestGate(t, newFakeBackend())
	req := fetchRequirement(t, gate)

	var capturedPayment *PaymentContext
	var receiptBeforeBody string
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payment, ok := GetPaymentFromContext(r.Context())
		if !ok {
			t.Error("payment context not found")
		}
		capturedPayment = payment
		receiptBeforeBody = w.Header().Get(HeaderPaymentResponse)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	}))

	w := postTask(t, handler, map[string]string{HeaderPaymentSignature: makeProof(t, req, nil)}, `{}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if capturedPayment == nil {
		t.Fatal("payment context was not captured")
	}
	if !capturedPayment.Verified {
		t.Error("payment should be verified")
	}
	if capturedPayment.PayerAddress != testPayer {
		t.Errorf("expected payer %s, got %s", testPayer, capturedPayment.PayerAddress)
	}
	if !strings.HasPrefix(capturedPayment.TransactionHash, "0xtx-") {
		t.Errorf("expected settled tx hash, got %q", capturedPayment.TransactionHash)
	}
	if capturedPayment.TokenSymbol != "USDC" {
		t.Errorf("expected token USDC, got %s", capturedPayment.TokenSymbol)
	}
	if receiptBeforeBody == "" {
		t.Error("receipt header must be set before the handler writes")
	}

	responseHeader := w.Header().Get(HeaderPaymentResponse)
	if responseHeader == "" {
		t.Fatal("expected PAYMENT-RESPONSE header for V2 client")
	}
	if w.Header().Get(HeaderLegacyPaymentResponse) != "" {
		t.Error("V2 client should NOT receive X-PAYMENT-RESPONSE header")
	}

	resp, err := DecodePaymentResponse(responseHeader)
	if err != nil {
		t.Fatalf("failed to decode payment response: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true in payment response")
	}
	if resp.Transaction != capturedPayment.TransactionHash {
		t.Errorf("expected transaction %s, got %s", capturedPayment.TransactionHash, resp.Transaction)
	}
	if resp.Network != NetworkBaseSepolia {
		t.Errorf("expected network %s, got %s", NetworkBaseSepolia, resp.Network)
	}
}

func TestPaymentMiddleware_V1Header_Fallback(t *testing.T) {
	gate := newTestGate(t, newFakeBackend())
	req := fetchRequirement(t, gate)

	legacy := LegacyPayment{
		X402Version: 1,
		Scheme:      SchemeExact,
		Network:     NetworkBaseSepolia,
		Payload:     &ExactPayload{Signature: "0xsig", Authorization: testAuthorization(req)},
	}
	raw, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("failed to marshal V1 payment: %v", err)
	}

	var captured *PaymentContext
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = GetPaymentFromContext(r.Context())
	}))

	w := postTask(t, handler, map[string]string{HeaderLegacyPayment: base64.StdEncoding.EncodeToString(raw)}, `{}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if captured == nil || !captured.Legacy {
		t.Fatal("expected a legacy payment context")
	}
	if w.Header().Get(HeaderLegacyPaymentResponse) == "" {
		t.Error("V1 client should receive X-PAYMENT-RESPONSE header")
	}
	if w.Header().Get(HeaderPaymentResponse) != "" {
		t.Error("V1 client should NOT receive PAYMENT-RESPONSE header")
	}
}

func TestPaymentMiddleware_InvalidV2Header(t *testing.T) {
	backend := newFakeBackend()
	handler := PaymentMiddleware(testConfig(backend))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	w := postTask(t, handler, map[string]string{HeaderPaymentSignature: "not-base64!!!"}, `{}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if body := decodeErrorBody(t, w); body.Error != KindMalformedProof {
		t.Errorf("expected malformed_proof, got %s", body.Error)
	}
	if w.Header().Get(HeaderPaymentRequired) == "" {
		t.Error("verification failures should carry the challenge header")
	}
	if backend.Submits() != 0 {
		t.Error("malformed proof must not reach settlement")
	}
}

func TestPaymentMiddleware_V2Header_VersionTooLow(t *testing.T) {
	handler := PaymentMiddleware(testConfig(newFakeBackend()))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	raw, _ := json.Marshal(map[string]interface{}{
		"x402Version": 1,
		"accepted":    map[string]interface{}{"scheme": "exact", "network": NetworkBaseSepolia},
		"payload":     map[string]interface{}{"signature": "0xsig"},
	})
	w := postTask(t, handler, map[string]string{HeaderPaymentSignature: base64.StdEncoding.EncodeToString(raw)}, `{}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestGateHandler_FailureKinds(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Authorization)
		sig        string
		accepted   func(*PaymentRequirements)
		wantStatus int
		wantKind   ErrorKind
	}{
		{
			name:       "underpayment",
			mutate:     func(a *Authorization) { a.Value = "9999" },
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindTermsMismatch,
		},
		{
			name:       "overpayment on exact",
			mutate:     func(a *Authorization) { a.Value = "10001" },
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindTermsMismatch,
		},
		{
			name:       "wrong payee",
			mutate:     func(a *Authorization) { a.To = testPayer },
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindTermsMismatch,
		},
		{
			name: "expired",
			mutate: func(a *Authorization) {
				a.ValidBefore = strconv.FormatInt(time.Now().Add(-time.Second).Unix(), 10)
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindExpired,
		},
		{
			name: "not yet valid",
			mutate: func(a *Authorization) {
				a.ValidAfter = strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
				a.ValidBefore = strconv.FormatInt(time.Now().Add(2*time.Hour).Unix(), 10)
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindExpired,
		},
		{
			name:       "bad signature",
			sig:        badSig,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindBadSignature,
		},
		{
			name:       "unsupported network",
			accepted:   func(r *PaymentRequirements) { r.Network = NetworkPolygon },
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindUnsupportedTerms,
		},
		{
			name:       "malformed nonce",
			mutate:     func(a *Authorization) { a.Nonce = "0x1234" },
			wantStatus: http.StatusBadRequest,
			wantKind:   KindMalformedProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			gate := newTestGate(t, backend)
			req := fetchRequirement(t, gate)

			auth := testAuthorization(req)
			if tt.mutate != nil {
				tt.mutate(auth)
			}
			sig := tt.sig
			if sig == "" {
				sig = "0xsig"
			}
			accepted := req
			if tt.accepted != nil {
				tt.accepted(&accepted)
			}

			h := gate.Handler(func(ctx context.Context, r *WorkRequest) (interface{}, error) {
				t.Error("work must not run")
				return nil, nil
			})
			w := postTask(t, h, map[string]string{HeaderPaymentSignature: encodeProof(t, accepted, auth, sig)}, `{}`)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if body := decodeErrorBody(t, w); body.Error != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, body.Error)
			}
			if backend.Submits() != 0 {
				t.Errorf("verification failure must not submit, got %d", backend.Submits())
			}
		})
	}
}

func TestGateHandler_Replay(t *testing.T) {
	backend := newFakeBackend()
	gate := newTestGate(t, backend)
	proof := makeProof(t, fetchRequirement(t, gate), nil)
	h := gate.Handler(okWork)

	first := postTask(t, h, map[string]string{HeaderPaymentSignature: proof}, `{}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %s", first.Code, first.Body.String())
	}

	second := postTask(t, h, map[string]string{HeaderPaymentSignature: proof}, `{}`)
	if second.Code != http.StatusConflict {
		t.Fatalf("replayed request: expected 409, got %d", second.Code)
	}
	if body := decodeErrorBody(t, second); body.Error != KindReplayed {
		t.Errorf("expected replayed, got %s", body.Error)
	}
	if backend.Submits() != 1 {
		t.Errorf("expected exactly one settlement, got %d", backend.Submits())
	}
}

func TestGateHandler_SettlementFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*fakeBackend)
		wantStatus int
		wantKind   ErrorKind
	}{
		{
			name: "rejected on poll",
			setup: func(b *fakeBackend) {
				b.state = SettlementRejected
				b.reason = "insufficient_funds"
			},
			wantStatus: http.StatusBadGateway,
			wantKind:   KindSettlementRejected,
		},
		{
			name: "rejected on submit",
			setup: func(b *fakeBackend) {
				b.submitErr = NewPaymentError(KindSettlementRejected, "nonce already used on chain", nil)
			},
			wantStatus: http.StatusBadGateway,
			wantKind:   KindSettlementRejected,
		},
		{
			name:       "backend unreachable",
			setup:      func(b *fakeBackend) { b.submitErr = errors.New("connection refused") },
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   KindBackendUnavailable,
		},
		{
			name:       "never final",
			setup:      func(b *fakeBackend) { b.state = SettlementPending },
			wantStatus: http.StatusGatewayTimeout,
			wantKind:   KindSettlementTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			tt.setup(backend)
			gate := newTestGate(t, backend)

			h := gate.Handler(func(ctx context.Context, r *WorkRequest) (interface{}, error) {
				t.Error("work must not run when settlement fails")
				return nil, nil
			})
			w := postTask(t, h, map[string]string{HeaderPaymentSignature: makeProof(t, fetchRequirement(t, gate), nil)}, `{}`)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			body := decodeErrorBody(t, w)
			if body.Error != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, body.Error)
			}
			if body.Settled {
				t.Error("failed settlement must not report settled")
			}
			if w.Header().Get(HeaderPaymentResponse) != "" {
				t.Error("failed settlement must not carry a receipt")
			}
		})
	}
}

func TestGateHandler_WorkFailureAfterSettlement(t *testing.T) {
	gate := newTestGate(t, newFakeBackend())
	h := gate.Handler(func(ctx context.Context, r *WorkRequest) (interface{}, error) {
		return nil, errors.New("upstream returned 500")
	})

	w := postTask(t, h, map[string]string{HeaderPaymentSignature: makeProof(t, fetchRequirement(t, gate), nil)}, `{}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}
	body := decodeErrorBody(t, w)
	if body.Error != KindWorkExecutionFailed {
		t.Errorf("expected work_execution_failed, got %s", body.Error)
	}
	if !body.Settled || body.Transaction == "" {
		t.Errorf("expected settled body with transaction, got %+v", body)
	}
	receipt, err := DecodePaymentResponse(w.Header().Get(HeaderPaymentResponse))
	if err != nil {
		t.Fatalf("expected receipt header: %v", err)
	}
	if receipt.Transaction != body.Transaction {
		t.Errorf("receipt tx %s differs from body tx %s", receipt.Transaction, body.Transaction)
	}
}

func TestGateHandler_UnencodableResultIsWorkFailure(t *testing.T) {
	backend := newFakeBackend()
	gate := newTestGate(t, backend)
	h := gate.Handler(func(ctx context.Context, r *WorkRequest) (interface{}, error) {
		return map[string]interface{}{"result": math.Inf(1)}, nil
	})

	w := postTask(t, h, map[string]string{HeaderPaymentSignature: makeProof(t, fetchRequirement(t, gate), nil)}, `{}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d (%q)", w.Code, w.Body.String())
	}
	body := decodeErrorBody(t, w)
	if body.Error != KindWorkExecutionFailed || !body.Settled || body.Transaction == "" {
		t.Errorf("expected settled work_execution_failed body, got %+v", body)
	}
	if w.Header().Get(HeaderPaymentResponse) == "" {
		t.Error("settled request must carry the receipt")
	}
	if backend.Submits() != 1 {
		t.Errorf("expected one settlement, got %d", backend.Submits())
	}
}

func TestGateHandler_UnpricedUnencodableResult(t *testing.T) {
	gate := newTestGate(t, newFakeBackend())
	h := gate.Handler(func(ctx context.Context, r *WorkRequest) (interface{}, error) {
		return math.NaN(), nil
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
	if body := decodeErrorBody(t, w); body.Settled {
		t.Errorf("unpriced request must not report a settlement, got %+v", body)
	}
}

func TestGateHandler_PrecheckRunsBeforePayment(t *testing.T) {
	backend := newFakeBackend()
	gate := newTestGate(t, backend)
	h := gate.Handler(okWork, WithPrecheck(func(body []byte) error {
		var v map[string]interface{}
		if err := json.Unmarshal(body, &v); err != nil {
			return errors.New("body must be a JSON object")
		}
		if _, ok := v["url"]; !ok {
			return errors.New("url is required")
		}
		return nil
	}))

	w := postTask(t, h, map[string]string{HeaderPaymentSignature: makeProof(t, fetchRequirement(t, gate), nil)}, `{}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if body := decodeErrorBody(t, w); body.Error != KindInvalidRequest {
		t.Errorf("expected invalid_request, got %s", body.Error)
	}
	if backend.Submits() != 0 {
		t.Error("invalid input must not be charged")
	}

	w = postTask(t, h, nil, `{"url":"https://example.com"}`)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("valid input without proof: expected 402, got %d", w.Code)
	}
}

func TestGateHandler_WorkReceivesBodyAndPayment(t *testing.T) {
	gate := newTestGate(t, newFakeBackend())
	var gotBody string
	var gotPayment *PaymentContext
	h := gate.Handler(func(ctx context.Context, r *WorkRequest) (interface{}, error) {
		gotBody = string(r.Body)
		gotPayment, _ = GetPaymentFromContext(ctx)
		return map[string]string{"ok": "yes"}, nil
	})

	w := postTask(t, h, map[string]string{HeaderPaymentSignature: makeProof(t, fetchRequirement(t, gate), nil)}, `{"url":"x"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotBody != `{"url":"x"}` {
		t.Errorf("unexpected body %q", gotBody)
	}
	if gotPayment == nil || gotPayment.PayerAddress != testPayer {
		t.Errorf("work did not see payment context: %+v", gotPayment)
	}
}

func TestPaymentMiddleware_SkipPaths(t *testing.T) {
	cfg := testConfig(newFakeBackend())
	cfg.DefaultPricing = &PricingRule{
		AcceptedTokens: []TokenRequirement{
			{Network: NetworkBaseSepolia, Symbol: "USDC", Recipient: testPayTo, Amount: "1"},
		},
	}

	handler := PaymentMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, tc := range []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/anything", http.StatusPaymentRequired},
	} {
		req := httptest.NewRequest("GET", tc.path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s: expected status %d, got %d", tc.path, tc.want, w.Code)
		}
	}
}

func TestPaymentMiddleware_CustomPaywallHTML(t *testing.T) {
	cfg := testConfig(newFakeBackend())
	cfg.CustomPaywallHTML = "<html><body>Pay up</body></html>"
	handler := PaymentMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("POST", "/task/fetch", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 Chrome/120.0")
	req.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
		t.Errorf("expected HTML content type, got %s", w.Header().Get("Content-Type"))
	}
	if w.Body.String() != cfg.CustomPaywallHTML {
		t.Errorf("expected paywall HTML, got %s", w.Body.String())
	}
}

func TestPaymentMiddleware_InvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for config without backend")
		}
	}()
	PaymentMiddleware(Config{Checkers: []SignatureChecker{fakeChecker{}}})
}

// --- Codec tests ---

func TestEncodeDecodePaymentPayload(t *testing.T) {
	req := PaymentRequirements{Scheme: SchemeExact, Network: NetworkBaseSepolia, Amount: "10000", Asset: testUSDC, PayTo: testPayTo}
	header := makeProof(t, req, nil)

	payload, err := parsePaymentPayload(header)
	if err != nil {
		t.Fatalf("parsePaymentPayload: %v", err)
	}
	if payload.Accepted.Amount != "10000" {
		t.Errorf("expected amount 10000, got %s", payload.Accepted.Amount)
	}
	exact, err := DecodeExactPayload(payload.Payload)
	if err != nil {
		t.Fatalf("DecodeExactPayload: %v", err)
	}
	if exact.Authorization.From != testPayer {
		t.Errorf("expected from %s, got %s", testPayer, exact.Authorization.From)
	}
}

func TestDecodePaymentResponse_Invalid(t *testing.T) {
	if _, err := DecodePaymentResponse("not-valid-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecodePaymentResponse(base64.StdEncoding.EncodeToString([]byte("{bad"))); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDecodeBase64_Variants(t *testing.T) {
	raw := []byte(`{"x402Version":2}`)
	for name, enc := range map[string]string{
		"std":     base64.StdEncoding.EncodeToString(raw),
		"raw std": base64.RawStdEncoding.EncodeToString(raw),
		"url":     base64.URLEncoding.EncodeToString(raw),
	} {
		got, err := decodeBase64(enc)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if string(got) != string(raw) {
			t.Errorf("%s: got %s", name, got)
		}
	}
}

func TestParsePaymentPayload_Errors(t *testing.T) {
	tests := map[string]interface{}{
		"version too low": map[string]interface{}{
			"x402Version": 1,
			"accepted":    map[string]interface{}{"scheme": "exact", "network": NetworkBaseSepolia},
			"payload":     map[string]interface{}{},
		},
		"missing payload": map[string]interface{}{
			"x402Version": 2,
			"accepted":    map[string]interface{}{"scheme": "exact", "network": NetworkBaseSepolia},
		},
		"missing network": map[string]interface{}{
			"x402Version": 2,
			"accepted":    map[string]interface{}{"scheme": "exact"},
			"payload":     map[string]interface{}{},
		},
	}
	for name, v := range tests {
		raw, _ := json.Marshal(v)
		if _, err := parsePaymentPayload(base64.StdEncoding.EncodeToString(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseLegacyPayment_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		legacy LegacyPayment
	}{
		{"missing version", LegacyPayment{Scheme: "exact", Network: "base", Payload: "x"}},
		{"missing scheme", LegacyPayment{X402Version: 1, Network: "base", Payload: "x"}},
		{"missing network", LegacyPayment{X402Version: 1, Scheme: "exact", Payload: "x"}},
		{"missing payload", LegacyPayment{X402Version: 1, Scheme: "exact", Network: "base"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, _ := json.Marshal(tt.legacy)
			if _, err := parseLegacyPayment(base64.StdEncoding.EncodeToString(raw)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadPaymentRequirements_FromHeader(t *testing.T) {
	challenge := PaymentRequiredResponse{
		X402Version: 2,
		Error:       "Payment required",
		Accepts:     []PaymentRequirements{{Scheme: "exact", Network: NetworkBaseSepolia, Amount: "10000"}},
	}
	encoded, err := EncodeChallenge(&challenge)
	if err != nil {
		t.Fatal(err)
	}

	resp := &http.Response{
		StatusCode: http.StatusPaymentRequired,
		Header:     http.Header{},
		Body:       http.NoBody,
	}
	resp.Header.Set(HeaderPaymentRequired, encoded)

	got, err := ReadPaymentRequirements(resp)
	if err != nil {
		t.Fatalf("ReadPaymentRequirements: %v", err)
	}
	if len(got.Accepts) != 1 || got.Accepts[0].Amount != "10000" {
		t.Errorf("unexpected requirements: %+v", got)
	}
}

func TestReadPaymentRequirements_NonPaymentRequired(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody}
	if _, err := ReadPaymentRequirements(resp); err == nil {
		t.Error("expected error for non-402 response")
	}
}

// --- Context tests ---

func TestGetPaymentFromContext(t *testing.T) {
	payment := &PaymentContext{Verified: true, PayerAddress: testPayer}
	ctx := context.WithValue(context.Background(), PaymentContextKey, payment)

	got, ok := GetPaymentFromContext(ctx)
	if !ok {
		t.Fatal("expected payment in context")
	}
	if got.PayerAddress != testPayer {
		t.Errorf("expected payer %s, got %s", testPayer, got.PayerAddress)
	}

	if _, ok := GetPaymentFromContext(context.Background()); ok {
		t.Error("expected no payment in empty context")
	}
}

func TestRequirePayment(t *testing.T) {
	if _, err := RequirePayment(context.Background()); err == nil {
		t.Error("expected error without payment")
	}

	unverified := context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{})
	if _, err := RequirePayment(unverified); err == nil {
		t.Error("expected error for unverified payment")
	}

	verified := context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{Verified: true})
	if _, err := RequirePayment(verified); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIsBrowserRequest(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		accept    string
		want      bool
	}{
		{"chrome", "Mozilla/5.0 Chrome/120.0", "text/html", true},
		{"curl", "curl/8.0", "*/*", false},
		{"empty", "", "", false},
		{"browser asking for json", "Mozilla/5.0 Firefox/120.0", "application/json", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("User-Agent", tt.userAgent)
			req.Header.Set("Accept", tt.accept)
			if got := isBrowserRequest(req); got != tt.want {
				t.Errorf("isBrowserRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}
