package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// FitsUint256 reports whether v can be passed as a uint256 contract argument.
func FitsUint256(v *big.Int) bool {
	if v == nil || v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}

// AddAmounts returns a+b, rejecting values the contracts cannot represent.
func AddAmounts(a, b *big.Int) (*big.Int, error) {
	if !FitsUint256(a) || !FitsUint256(b) {
		return nil, fmt.Errorf("ledger: amount out of uint256 range")
	}
	x, _ := uint256.FromBig(a)
	y, _ := uint256.FromBig(b)
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("ledger: amount sum overflows uint256")
	}
	return sum.ToBig(), nil
}

// TokenDecimals is the precision of the escrow token.
const TokenDecimals = 18

// ParseTokenAmount converts a decimal token string such as "12.5" into base
// units at the given precision.
func ParseTokenAmount(raw string, decimals int) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("ledger: empty amount")
	}
	whole, frac, _ := strings.Cut(raw, ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("ledger: amount %q has more than %d decimals", raw, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("ledger: invalid amount %q", raw)
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok || v.Sign() < 0 || strings.ContainsAny(digits, "+-") {
		return nil, fmt.Errorf("ledger: invalid amount %q", raw)
	}
	if !FitsUint256(v) {
		return nil, fmt.Errorf("ledger: amount %q out of uint256 range", raw)
	}
	return v, nil
}
