package clearing

import (
	"context"
	"errors"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

const (
	ParamFeeSplitBps       = "fee_split_bps"
	ParamMinPurchase       = "min_purchase"
	ParamMinDeposit        = "min_deposit"
	ParamLiquidationReward = "liquidation_reward"
)

// ParamsUpdate names the parameters to change. Nil fields are left as they
// are.
type ParamsUpdate struct {
	FeeSplitBps       *uint64
	MinPurchase       *big.Int
	MinDeposit        *big.Int
	LiquidationReward *big.Int
}

func (u ParamsUpdate) empty() bool {
	return u.FeeSplitBps == nil && u.MinPurchase == nil && u.MinDeposit == nil && u.LiquidationReward == nil
}

func (u ParamsUpdate) validate() error {
	if u.FeeSplitBps != nil && *u.FeeSplitBps > basisPoints {
		return ErrInvalidBps
	}
	for _, v := range []*big.Int{u.MinPurchase, u.MinDeposit, u.LiquidationReward} {
		if v == nil {
			continue
		}
		if err := validAmount(v); err != nil {
			return err
		}
	}
	return nil
}

// UpdateParams applies every field of update in one commit. A field that
// fails validation rejects the whole update.
func (e *Engine) UpdateParams(caller common.Address, update ParamsUpdate) (Params, error) {
	if err := e.guard(); err != nil {
		return Params{}, err
	}
	if err := e.requireOwner(caller); err != nil {
		return Params{}, err
	}
	if update.empty() {
		return Params{}, ErrNoParams
	}
	if err := update.validate(); err != nil {
		return Params{}, err
	}
	tx, err := e.begin()
	if err != nil {
		return Params{}, err
	}
	params, err := tx.params()
	if err != nil {
		return Params{}, err
	}
	if update.FeeSplitBps != nil {
		params.FeeSplitBps = *update.FeeSplitBps
		tx.record(NewParamChangedEvent(ParamFeeSplitBps, strconv.FormatUint(params.FeeSplitBps, 10)))
	}
	amounts := []struct {
		name string
		v    *big.Int
		dst  **big.Int
	}{
		{ParamMinPurchase, update.MinPurchase, &params.MinPurchase},
		{ParamMinDeposit, update.MinDeposit, &params.MinDeposit},
		{ParamLiquidationReward, update.LiquidationReward, &params.LiquidationReward},
	}
	for _, a := range amounts {
		if a.v == nil {
			continue
		}
		*a.dst = cloneBigInt(a.v)
		tx.record(NewParamChangedEvent(a.name, a.v.String()))
	}
	if err := tx.putParams(params); err != nil {
		return Params{}, err
	}
	if err := e.finish(tx); err != nil {
		return Params{}, err
	}
	return params.Clone(), nil
}

func validAmount(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return ErrNegativeAmount
	}
	if _, err := toUint256(v); err != nil {
		return err
	}
	return nil
}

// SetFeeSplitBps sets the treasury's share of the liquidation gain.
func (e *Engine) SetFeeSplitBps(caller common.Address, bps uint64) error {
	_, err := e.UpdateParams(caller, ParamsUpdate{FeeSplitBps: &bps})
	return err
}

// SetMinPurchase sets the minimum stable amount accepted by BuyCollateral.
func (e *Engine) SetMinPurchase(caller common.Address, amount *big.Int) error {
	if amount == nil {
		return ErrNegativeAmount
	}
	_, err := e.UpdateParams(caller, ParamsUpdate{MinPurchase: amount})
	return err
}

// SetMinDeposit sets the minimum stable amount accepted by Deposit.
func (e *Engine) SetMinDeposit(caller common.Address, amount *big.Int) error {
	if amount == nil {
		return ErrNegativeAmount
	}
	_, err := e.UpdateParams(caller, ParamsUpdate{MinDeposit: amount})
	return err
}

// SetLiquidationReward sets the shares minted per successfully liquidated
// position.
func (e *Engine) SetLiquidationReward(caller common.Address, shares *big.Int) error {
	if shares == nil {
		return ErrNegativeAmount
	}
	_, err := e.UpdateParams(caller, ParamsUpdate{LiquidationReward: shares})
	return err
}

// Params returns the current global parameters.
func (e *Engine) Params() (Params, error) {
	tx, err := e.begin()
	if err != nil {
		return Params{}, err
	}
	return tx.params()
}

// Snapshot gathers the pool's global state. LockedValue is zero while no
// vault is registered.
func (e *Engine) Snapshot(ctx context.Context) (*PoolSnapshot, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	snap := &PoolSnapshot{LockedValue: big.NewInt(0), StableBalance: big.NewInt(0)}
	meta, err := tx.meta()
	if err != nil {
		return nil, err
	}
	snap.ReferenceAsset = meta.ReferenceAsset
	if snap.Params, err = tx.params(); err != nil {
		return nil, err
	}
	if snap.Treasury, err = tx.treasury(); err != nil {
		return nil, err
	}
	if snap.TotalShares, err = tx.totalShares(); err != nil {
		return nil, err
	}
	ids, err := tx.vaultIDs()
	if err != nil {
		return nil, err
	}
	snap.VaultCount = len(ids)
	if meta.Fixed {
		if snap.StableBalance, err = e.stableBalance(ctx, tx); err != nil {
			return nil, err
		}
	}
	value, err := e.aggregateLockedValue(ctx, tx)
	switch {
	case errors.Is(err, ErrEmptyRegistry):
	case err != nil:
		return nil, err
	default:
		snap.LockedValue = value
	}
	return snap, nil
}
