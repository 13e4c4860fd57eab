package x402

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParsePrice converts a human price such as "$0.01" or "0.05" into atomic
// token units for a token with the given decimals.
func ParsePrice(price string, decimals int) (string, error) {
	s := strings.TrimSpace(price)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return "", fmt.Errorf("empty price")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("invalid price %q: %w", price, err)
	}
	if !d.IsPositive() {
		return "", fmt.Errorf("price %q must be positive", price)
	}

	atomic := d.Shift(int32(decimals))
	if !atomic.Equal(atomic.Truncate(0)) {
		return "", fmt.Errorf("price %q has more precision than %d decimals", price, decimals)
	}
	return atomic.BigInt().String(), nil
}

// FormatPrice renders an atomic amount as a dollar price, e.g. "10000" with
// 6 decimals becomes "$0.01".
func FormatPrice(amount string, decimals int) string {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return amount
	}
	return "$" + decimal.NewFromBigInt(v, -int32(decimals)).String()
}

func parseAmount(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", amount)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be positive", amount)
	}
	return v, nil
}
