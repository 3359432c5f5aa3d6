package clearing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

func (e *Engine) accrue(tx *txn, amount *big.Int) error {
	if isZero(amount) {
		return nil
	}
	tr, err := tx.treasury()
	if err != nil {
		return err
	}
	if tr.EarnedPending, err = add(tr.EarnedPending, amount); err != nil {
		return err
	}
	return tx.putTreasury(tr)
}

// Release pays pending protocol earnings to the owner.
func (e *Engine) Release(ctx context.Context, caller common.Address, amount *big.Int) (Treasury, error) {
	if err := e.guard(); err != nil {
		return Treasury{}, err
	}
	if err := e.requireOwner(caller); err != nil {
		return Treasury{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return Treasury{}, ErrZeroAmount
	}
	tx, err := e.begin()
	if err != nil {
		return Treasury{}, err
	}
	balance, err := e.stableBalance(ctx, tx)
	if err != nil {
		return Treasury{}, err
	}
	if balance.Cmp(amount) < 0 {
		return Treasury{}, ErrInsufficientBalance
	}
	tr, err := tx.treasury()
	if err != nil {
		return Treasury{}, err
	}
	if amount.Cmp(tr.EarnedPending) > 0 {
		return Treasury{}, ErrExceedsPending
	}
	tr.EarnedPending = new(big.Int).Sub(tr.EarnedPending, amount)
	if tr.EarnedWithdrawn, err = add(tr.EarnedWithdrawn, amount); err != nil {
		return Treasury{}, err
	}
	if err := tx.putTreasury(tr); err != nil {
		return Treasury{}, err
	}

	stable, err := e.stable(tx)
	if err != nil {
		return Treasury{}, err
	}
	if err := stable.Transfer(ctx, caller, cloneBigInt(amount)); err != nil {
		return Treasury{}, fmt.Errorf("clearing: release transfer: %w", err)
	}
	tx.record(NewTreasuryReleaseEvent(caller, amount, tr))
	if err := e.finish(tx); err != nil {
		return Treasury{}, err
	}
	return tr, nil
}

// Treasury returns the fee accumulators.
func (e *Engine) Treasury() (Treasury, error) {
	tx, err := e.begin()
	if err != nil {
		return Treasury{}, err
	}
	return tx.treasury()
}
