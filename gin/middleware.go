// Package gin adapts an x402.Gate to gin handlers.
package gin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/becomeliminal/x402-agents"
)

// PaymentKey is the gin context key holding the *x402.PaymentContext.
const PaymentKey = "x402.payment"

// PaymentMiddleware builds a gate from cfg and returns its gin middleware.
// It panics if cfg is invalid.
func PaymentMiddleware(cfg x402.Config) gin.HandlerFunc {
	gate, err := x402.NewGate(cfg)
	if err != nil {
		panic(err.Error())
	}
	return Middleware(gate)
}

// Middleware enforces payment on priced routes before the rest of the chain
// runs. A downstream status of 500 or above, or an error attached with
// c.Error, is recorded as failed work; the settlement stands either way.
func Middleware(gate *x402.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		binding, requiresPayment := gate.Registry().MatchEndpoint(c.Request.Method, c.Request.URL.Path)
		if !requiresPayment {
			gate.PassThrough()
			c.Next()
			return
		}

		admission, ok := gate.Admit(c.Writer, c.Request, binding)
		if !ok {
			c.Abort()
			return
		}

		x402.WriteReceipt(c.Writer, &admission.Receipt, admission.Payment.Legacy)

		admission.Begin()
		c.Set(PaymentKey, admission.Payment)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), x402.PaymentContextKey, admission.Payment))
		c.Next()

		var workErr error
		switch {
		case len(c.Errors) > 0:
			workErr = c.Errors.Last()
		case c.Writer.Status() >= http.StatusInternalServerError:
			workErr = fmt.Errorf("handler returned status %d", c.Writer.Status())
		}
		admission.Finish(workErr)
	}
}

// GetPayment returns the settled payment for the request.
func GetPayment(c *gin.Context) (*x402.PaymentContext, bool) {
	v, ok := c.Get(PaymentKey)
	if !ok {
		return nil, false
	}
	payment, ok := v.(*x402.PaymentContext)
	return payment, ok
}

// AbortWithWorkError writes a work_execution_failed body for a request whose
// payment already settled and stops the chain.
func AbortWithWorkError(c *gin.Context, err error) {
	c.Error(err)
	body := x402.ErrorBody{
		Error:   x402.KindWorkExecutionFailed,
		Message: err.Error(),
	}
	if payment, ok := GetPayment(c); ok {
		body.Settled = true
		body.Transaction = payment.TransactionHash
	}
	c.AbortWithStatusJSON(x402.KindWorkExecutionFailed.HTTPStatus(), body)
}
