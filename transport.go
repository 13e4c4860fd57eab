package x402

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Transport is an http.RoundTripper that answers a 402 challenge once with
// a composed proof. Requests with a body must be replayable (GetBody set),
// which http.NewRequest does for bytes, strings and buffers.
type Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	Composer *Composer

	// OnPayment is called with the receipt after a paid retry (optional).
	OnPayment func(req *http.Request, receipt *PaymentResponse)
}

// NewClient returns an http.Client that pays 402 challenges with composer.
func NewClient(composer *Composer) *http.Client {
	return &http.Client{Transport: &Transport{Composer: composer}}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req.Clone(req.Context()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := ReadPaymentRequirements(resp)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &ComposerError{Op: "read challenge", Err: err}
	}

	composed, err := t.Composer.Compose(req.Context(), challenge)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, &ComposerError{Op: "retry", Err: errors.New("request body cannot be replayed")}
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, &ComposerError{Op: "retry", Err: fmt.Errorf("failed to rewind body: %w", err)}
		}
		retry.Body = body
	}
	retry.Header.Set(HeaderPaymentSignature, composed.Header)

	resp, err = base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}

	if t.OnPayment != nil {
		if header := resp.Header.Get(HeaderPaymentResponse); header != "" {
			if receipt, err := DecodePaymentResponse(header); err == nil {
				t.OnPayment(req, receipt)
			}
		}
	}
	return resp, nil
}
