package lending

import "math/big"

// Fixed-point helpers shared by the ledger and the risk engine. WAD values
// carry 18 decimals, RAY values 27; the extra RAY precision is reserved for
// the compounding borrow index. Rounding is deterministic half-up: half the
// divisor is added before truncation, so x*y/unit and x*unit/y round the same
// way regardless of operand order.

var (
	wad     = mustBigInt("1000000000000000000")
	halfWad = new(big.Int).Rsh(wad, 1)
	ray     = mustBigInt("1000000000000000000000000000")
	halfRay = new(big.Int).Rsh(ray, 1)
	// wadToRay converts an 18-decimal value to 27 decimals.
	wadToRay = mustBigInt("1000000000")
	// priceToWad lifts an 8-decimal oracle price to 18 decimals.
	priceToWad = mustBigInt("10000000000")
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("lending: invalid big integer constant")
	}
	return v
}

func scaledMul(a, b, unit, half *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, ErrInvalidAmount
	}
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrNegativeOperand
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, half)
	return product.Quo(product, unit), nil
}

func scaledDiv(a, b, unit *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, ErrInvalidAmount
	}
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrNegativeOperand
	}
	if b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	numerator := new(big.Int).Mul(a, unit)
	numerator.Add(numerator, new(big.Int).Rsh(b, 1))
	return numerator.Quo(numerator, b), nil
}

func wadMul(a, b *big.Int) (*big.Int, error) { return scaledMul(a, b, wad, halfWad) }

func wadDiv(a, b *big.Int) (*big.Int, error) { return scaledDiv(a, b, wad) }

func rayMul(a, b *big.Int) (*big.Int, error) { return scaledMul(a, b, ray, halfRay) }

func rayDiv(a, b *big.Int) (*big.Int, error) { return scaledDiv(a, b, ray) }

// rayPow raises a RAY-scaled base to an integer exponent by squaring. The
// zeroth power of any base is one RAY.
func rayPow(base *big.Int, exponent uint64) (*big.Int, error) {
	if base == nil {
		return nil, ErrInvalidAmount
	}
	if base.Sign() < 0 {
		return nil, ErrNegativeOperand
	}
	result := new(big.Int).Set(ray)
	factor := new(big.Int).Set(base)
	for exponent > 0 {
		if exponent&1 == 1 {
			next, err := rayMul(result, factor)
			if err != nil {
				return nil, err
			}
			result = next
		}
		exponent >>= 1
		if exponent == 0 {
			break
		}
		squared, err := rayMul(factor, factor)
		if err != nil {
			return nil, err
		}
		factor = squared
	}
	return result, nil
}

func clone(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
