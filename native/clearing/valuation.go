package clearing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LockedValue returns the reference-asset value of the vault collateral held
// by the pool plus the debt the vault owes the pool.
func (e *Engine) LockedValue(ctx context.Context, id common.Address) (*big.Int, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	rec, err := e.requireActive(tx, id)
	if err != nil {
		return nil, err
	}
	return e.lockedValue(ctx, rec)
}

// lockedValue is (balance + debt) * collateralPrice * normalization /
// referencePrice, truncated.
func (e *Engine) lockedValue(ctx context.Context, rec *VaultRecord) (*big.Int, error) {
	handle, err := e.handle(rec.ID)
	if err != nil {
		return nil, err
	}
	collateral, err := e.token(rec.Collateral)
	if err != nil {
		return nil, err
	}
	balance, err := collateral.BalanceOf(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("clearing: collateral balance: %w", err)
	}
	debt, err := handle.OutstandingDebtOwed(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("clearing: debt owed: %w", err)
	}
	collateralPrice, err := handle.CollateralPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: collateral price: %w", err)
	}
	referencePrice, err := handle.ReferencePrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: reference price: %w", err)
	}
	if collateralPrice == nil || collateralPrice.Sign() < 0 || referencePrice == nil || referencePrice.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	held, err := add(balance, debt)
	if err != nil {
		return nil, err
	}
	scaledPrice, err := mul(collateralPrice, rec.Normalization)
	if err != nil {
		return nil, err
	}
	return mulDiv(held, scaledPrice, referencePrice)
}

// AggregateLockedValue values the whole pool: every registered vault, plus
// the stable balance, minus fees owed to the treasury.
func (e *Engine) AggregateLockedValue(ctx context.Context) (*big.Int, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	return e.aggregateLockedValue(ctx, tx)
}

// aggregateLockedValue includes disabled vaults: disabling stops new activity
// but the pool still holds their collateral.
func (e *Engine) aggregateLockedValue(ctx context.Context, tx *txn) (*big.Int, error) {
	ids, err := tx.vaultIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrEmptyRegistry
	}
	total := big.NewInt(0)
	for _, id := range ids {
		rec, err := tx.vault(id)
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.Added {
			return nil, fmt.Errorf("clearing: index lists unknown vault %s", id.Hex())
		}
		value, err := e.lockedValue(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("value vault %s: %w", id.Hex(), err)
		}
		if total, err = add(total, value); err != nil {
			return nil, err
		}
	}
	stableBalance, err := e.stableBalance(ctx, tx)
	if err != nil {
		return nil, err
	}
	if total, err = add(total, stableBalance); err != nil {
		return nil, err
	}
	tr, err := tx.treasury()
	if err != nil {
		return nil, err
	}
	return subFloor(total, tr.EarnedPending), nil
}

func (e *Engine) stableBalance(ctx context.Context, tx *txn) (*big.Int, error) {
	stable, err := e.stable(tx)
	if err != nil {
		return nil, err
	}
	balance, err := stable.BalanceOf(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("clearing: stable balance: %w", err)
	}
	return cloneBigInt(balance), nil
}
