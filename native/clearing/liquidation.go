package clearing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Liquidate attempts every position in the batch against the vault. A
// position the vault rejects, or that errors, is skipped; the batch only
// accounts for what actually settled.
func (e *Engine) Liquidate(ctx context.Context, caller, id common.Address, positionIDs []uint64, hint uint64) (*LiquidationResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if len(positionIDs) == 0 {
		return nil, ErrEmptyBatch
	}
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	if _, err := e.requireActive(tx, id); err != nil {
		return nil, err
	}
	params, err := tx.params()
	if err != nil {
		return nil, err
	}
	handle, err := e.handle(id)
	if err != nil {
		return nil, err
	}
	gainRatio, err := handle.GainRatio(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: gain ratio: %w", err)
	}
	if gainRatio <= GainRatioBase {
		return nil, ErrInvalidGainRatio
	}

	before, err := e.stableBalance(ctx, tx)
	if err != nil {
		return nil, err
	}
	res := &LiquidationResult{
		Vault:     id,
		Attempted: append([]uint64(nil), positionIDs...),
	}
	for _, positionID := range positionIDs {
		ok, err := handle.LiquidatePosition(ctx, positionID, hint)
		if err != nil || !ok {
			continue
		}
		res.Liquidated = append(res.Liquidated, positionID)
	}
	after, err := e.stableBalance(ctx, tx)
	if err != nil {
		return nil, err
	}
	res.Proceeds = subFloor(before, after)

	fee, err := protocolFee(res.Proceeds, gainRatio, params.FeeSplitBps)
	if err != nil {
		return nil, err
	}
	tr, err := tx.treasury()
	if err != nil {
		return nil, err
	}
	// Pending earnings must stay covered by the stable balance.
	if headroom := subFloor(after, tr.EarnedPending); fee.Cmp(headroom) > 0 {
		fee = headroom
	}
	if err := e.accrue(tx, fee); err != nil {
		return nil, err
	}
	res.Fee = fee

	res.Reward = big.NewInt(0)
	if n := len(res.Liquidated); n > 0 && !isZero(params.LiquidationReward) {
		reward, err := mul(big.NewInt(int64(n)), params.LiquidationReward)
		if err != nil {
			return nil, err
		}
		if err := tx.mintShares(caller, reward); err != nil {
			return nil, err
		}
		res.Reward = reward
	}

	tx.record(NewLiquidationEvent(res, caller))
	if err := e.finish(tx); err != nil {
		return nil, err
	}
	return res, nil
}

// protocolFee is proceeds * (gainRatio - base) / base * splitBps / 10000,
// truncated.
func protocolFee(proceeds *big.Int, gainRatio, splitBps uint64) (*big.Int, error) {
	if isZero(proceeds) || splitBps == 0 {
		return big.NewInt(0), nil
	}
	gain := new(big.Int).SetUint64(gainRatio - GainRatioBase)
	numerator, err := mul(gain, new(big.Int).SetUint64(splitBps))
	if err != nil {
		return nil, err
	}
	return mulDiv(proceeds, numerator, big.NewInt(GainRatioBase*basisPoints))
}

// CollectCollateral pulls whatever the vault already owes the pool. Calling
// it with nothing due is not an error.
func (e *Engine) CollectCollateral(ctx context.Context, id common.Address) (*big.Int, error) {
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
	handle, err := e.handle(id)
	if err != nil {
		return nil, err
	}
	collateral, err := e.token(rec.Collateral)
	if err != nil {
		return nil, err
	}
	before, err := collateral.BalanceOf(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("clearing: collateral balance: %w", err)
	}
	if err := handle.PullDue(ctx); err != nil {
		return nil, fmt.Errorf("clearing: pull due: %w", err)
	}
	after, err := collateral.BalanceOf(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("clearing: collateral balance: %w", err)
	}
	collected := subFloor(after, before)
	tx.record(NewCollateralCollectedEvent(id, collected))
	if err := e.finish(tx); err != nil {
		return nil, err
	}
	return collected, nil
}

// BuyDistressedPosition delegates a distressed position purchase to the
// vault. The call cannot be re-entered while it is in flight.
func (e *Engine) BuyDistressedPosition(ctx context.Context, caller, id common.Address, positionID uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	release, err := e.distressed.Enter()
	if err != nil {
		return err
	}
	defer release()

	tx, err := e.begin()
	if err != nil {
		return err
	}
	if _, err := e.requireActive(tx, id); err != nil {
		return err
	}
	handle, err := e.handle(id)
	if err != nil {
		return err
	}
	treasury, err := tx.treasury()
	if err != nil {
		return err
	}
	if err := handle.BuyDistressedPosition(ctx, positionID); err != nil {
		return fmt.Errorf("clearing: buy distressed position: %w", err)
	}
	// The vault holds an allowance on the pool's stable asset; pending fees
	// must still be covered once it returns.
	balance, err := e.stableBalance(ctx, tx)
	if err != nil {
		return err
	}
	if balance.Cmp(treasury.EarnedPending) < 0 {
		return fmt.Errorf("%w: vault %s left %s stable against %s pending fees",
			ErrInsufficientBalance, id.Hex(), balance, treasury.EarnedPending)
	}
	tx.record(NewDistressedBoughtEvent(id, caller, positionID))
	return e.finish(tx)
}
