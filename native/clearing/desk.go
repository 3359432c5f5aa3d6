package clearing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BuyCollateral sells vault collateral held by the pool at the vault's oracle
// price. When the pool holds less than the offer would buy, the trade shrinks
// to the available collateral and only the matching stable amount is charged.
func (e *Engine) BuyCollateral(ctx context.Context, caller, id common.Address, offered *big.Int) (*SaleResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	rec, err := e.requireActive(tx, id)
	if err != nil {
		return nil, err
	}
	if offered == nil || offered.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	params, err := tx.params()
	if err != nil {
		return nil, err
	}
	if offered.Cmp(params.MinPurchase) < 0 {
		return nil, ErrBelowMinimumPurchase
	}

	handle, err := e.handle(id)
	if err != nil {
		return nil, err
	}
	debt, err := handle.OutstandingDebtOwed(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("clearing: debt owed: %w", err)
	}
	if debt != nil && debt.Sign() > 0 {
		if err := handle.PullDue(ctx); err != nil {
			return nil, fmt.Errorf("clearing: pull due: %w", err)
		}
	}
	price, err := handle.CollateralPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: collateral price: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	collateral, err := e.token(rec.Collateral)
	if err != nil {
		return nil, err
	}
	decimals, err := collateral.Decimals(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: collateral decimals: %w", err)
	}

	res := &SaleResult{Vault: id, Price: cloneBigInt(price), StableCharged: cloneBigInt(offered)}
	if res.CollateralOut, err = stableToCollateral(offered, price, decimals); err != nil {
		return nil, err
	}
	available, err := collateral.BalanceOf(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("clearing: collateral balance: %w", err)
	}
	if available.Cmp(res.CollateralOut) < 0 {
		res.Shrunk = true
		res.CollateralOut = cloneBigInt(available)
		if res.StableCharged, err = collateralToStable(available, price, decimals); err != nil {
			return nil, err
		}
	}
	// Dust inventory whose truncated price is zero is not given away.
	if res.CollateralOut.Sign() == 0 || res.StableCharged.Sign() == 0 {
		return nil, ErrNoCollateralAvailable
	}

	stable, err := e.stable(tx)
	if err != nil {
		return nil, err
	}
	if err := stable.TransferFrom(ctx, caller, e.pool, cloneBigInt(res.StableCharged)); err != nil {
		return nil, fmt.Errorf("clearing: pull payment: %w", err)
	}
	if err := collateral.Transfer(ctx, caller, cloneBigInt(res.CollateralOut)); err != nil {
		return nil, fmt.Errorf("clearing: send collateral: %w", err)
	}
	tx.record(NewCollateralSoldEvent(res, caller))
	if err := e.finish(tx); err != nil {
		return nil, err
	}
	return res, nil
}

// RouteToSwapVenue offers the pool's entire balance of the vault collateral
// to the swap venue as a one-sided order. Pool accounting is untouched.
func (e *Engine) RouteToSwapVenue(ctx context.Context, id common.Address) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if e.venue == nil {
		return nil, ErrNoSwapVenue
	}
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	rec, err := e.requireActive(tx, id)
	if err != nil {
		return nil, err
	}
	meta, err := tx.meta()
	if err != nil {
		return nil, err
	}
	key := PoolKey(rec.Collateral, meta.ReferenceAsset)
	liquidity, err := e.venue.Liquidity(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("clearing: venue liquidity: %w", err)
	}
	if isZero(liquidity) {
		return nil, ErrNoLiquidity
	}
	collateral, err := e.token(rec.Collateral)
	if err != nil {
		return nil, err
	}
	amount, err := collateral.BalanceOf(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("clearing: collateral balance: %w", err)
	}
	if isZero(amount) {
		return nil, ErrNoCollateralAvailable
	}
	if err := collateral.Approve(ctx, e.venue.Address(), cloneBigInt(amount)); err != nil {
		return nil, fmt.Errorf("clearing: approve venue: %w", err)
	}
	if err := e.venue.PlaceOneSidedOrder(ctx, key, rec.Collateral, cloneBigInt(amount)); err != nil {
		return nil, fmt.Errorf("clearing: place order: %w", err)
	}
	tx.record(NewSwapRoutedEvent(id, key, amount))
	if err := e.finish(tx); err != nil {
		return nil, err
	}
	return amount, nil
}
