package clearing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func isZero(v *big.Int) bool { return v == nil || v.Sign() == 0 }

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out, nil
}

// mulDiv returns floor(a*b/d) computed with a 512-bit intermediate. The
// result must fit in 256 bits. Callers guarantee d is non-zero.
func mulDiv(a, b, d *big.Int) (*big.Int, error) {
	x, err := toUint256(a)
	if err != nil {
		return nil, err
	}
	y, err := toUint256(b)
	if err != nil {
		return nil, err
	}
	z, err := toUint256(d)
	if err != nil {
		return nil, err
	}
	if z.IsZero() {
		return nil, ErrDivideByZero
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, z)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out.ToBig(), nil
}

// mul returns a*b, failing when the product leaves 256 bits.
func mul(a, b *big.Int) (*big.Int, error) {
	x, err := toUint256(a)
	if err != nil {
		return nil, err
	}
	y, err := toUint256(b)
	if err != nil {
		return nil, err
	}
	out, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out.ToBig(), nil
}

// add returns a+b, failing when the sum leaves 256 bits.
func add(a, b *big.Int) (*big.Int, error) {
	x, err := toUint256(a)
	if err != nil {
		return nil, err
	}
	y, err := toUint256(b)
	if err != nil {
		return nil, err
	}
	out, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out.ToBig(), nil
}

// subFloor returns max(a-b, 0).
func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(cloneBigInt(a), cloneBigInt(b))
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

func pow10(n uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// MaxAllowance is the unlimited allowance granted to registered vaults.
func MaxAllowance() *big.Int {
	return new(uint256.Int).SetAllOne().ToBig()
}

// PoolKey derives the swap venue pool identifier for an asset pair. The pair
// is ordered so both directions map to the same key.
func PoolKey(a, b common.Address) common.Hash {
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
}

// stableToCollateral converts an 18-decimal stable amount into collateral
// units at an oracle price with OraclePriceUnit precision.
func stableToCollateral(stable, price *big.Int, decimals uint8) (*big.Int, error) {
	unit := big.NewInt(OraclePriceUnit)
	if decimals <= stableDecimals {
		denom, err := mul(price, pow10(uint(stableDecimals-decimals)))
		if err != nil {
			return nil, err
		}
		return mulDiv(stable, unit, denom)
	}
	scaled, err := mul(stable, pow10(uint(decimals-stableDecimals)))
	if err != nil {
		return nil, err
	}
	return mulDiv(scaled, unit, price)
}

// collateralToStable is the inverse of stableToCollateral, truncating.
func collateralToStable(collateral, price *big.Int, decimals uint8) (*big.Int, error) {
	unit := big.NewInt(OraclePriceUnit)
	if decimals <= stableDecimals {
		scaled, err := mul(collateral, pow10(uint(stableDecimals-decimals)))
		if err != nil {
			return nil, err
		}
		return mulDiv(scaled, price, unit)
	}
	denom, err := mul(unit, pow10(uint(decimals-stableDecimals)))
	if err != nil {
		return nil, err
	}
	return mulDiv(collateral, price, denom)
}
