package clearing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Deposit pulls amount of the stable asset from the caller and mints shares
// at the current share price. The pool is valued before the funds arrive.
func (e *Engine) Deposit(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	params, err := tx.params()
	if err != nil {
		return nil, err
	}
	if amount.Cmp(params.MinDeposit) < 0 {
		return nil, ErrBelowMinimum
	}
	value, err := e.aggregateLockedValue(ctx, tx)
	if err != nil {
		return nil, err
	}
	supply, err := tx.totalShares()
	if err != nil {
		return nil, err
	}

	shares := cloneBigInt(amount)
	if supply.Sign() > 0 && value.Sign() > 0 {
		if shares, err = mulDiv(amount, supply, value); err != nil {
			return nil, err
		}
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}

	stable, err := e.stable(tx)
	if err != nil {
		return nil, err
	}
	if err := stable.TransferFrom(ctx, caller, e.pool, cloneBigInt(amount)); err != nil {
		return nil, fmt.Errorf("clearing: pull deposit: %w", err)
	}
	if err := tx.mintShares(caller, shares); err != nil {
		return nil, err
	}
	tx.record(NewDepositEvent(caller, amount, shares))
	if err := e.finish(tx); err != nil {
		return nil, err
	}
	return shares, nil
}

// RequestWithdrawal records the caller's intent to redeem shares, replacing
// any earlier request. The shares stay in the caller's balance until claim.
func (e *Engine) RequestWithdrawal(caller common.Address, shares *big.Int) (*WithdrawalRequest, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	balance, err := tx.shareBalance(caller)
	if err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() < 0 || balance.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	req := &WithdrawalRequest{Shares: cloneBigInt(shares), ReadyAt: e.now() + WithdrawalDelay}
	if err := tx.putWithdrawal(caller, req); err != nil {
		return nil, err
	}
	tx.record(NewWithdrawalRequestedEvent(caller, req))
	if err := e.finish(tx); err != nil {
		return nil, err
	}
	return req, nil
}

// ClaimWithdrawal redeems the caller's request inside its claim window. The
// payout is priced at claim time. An expired request is left in place until
// the caller requests again.
func (e *Engine) ClaimWithdrawal(ctx context.Context, caller common.Address) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	req, err := tx.withdrawal(caller)
	if err != nil {
		return nil, err
	}
	switch req.Status(e.now()) {
	case WithdrawalNone:
		return nil, ErrNoRequest
	case WithdrawalPending:
		return nil, ErrNotReady
	case WithdrawalExpired:
		return nil, ErrRequestExpired
	}

	balance, err := tx.shareBalance(caller)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(req.Shares) < 0 {
		return nil, ErrInsufficientShares
	}
	supply, err := tx.totalShares()
	if err != nil {
		return nil, err
	}
	value, err := e.aggregateLockedValue(ctx, tx)
	if err != nil {
		return nil, err
	}
	amount, err := mulDiv(req.Shares, value, supply)
	if err != nil {
		return nil, err
	}

	stableBalance, err := e.stableBalance(ctx, tx)
	if err != nil {
		return nil, err
	}
	tr, err := tx.treasury()
	if err != nil {
		return nil, err
	}
	if subFloor(stableBalance, tr.EarnedPending).Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	if err := tx.burnShares(caller, req.Shares); err != nil {
		return nil, err
	}
	burned := req.Shares
	if err := tx.putWithdrawal(caller, &WithdrawalRequest{Shares: big.NewInt(0)}); err != nil {
		return nil, err
	}
	if amount.Sign() > 0 {
		stable, err := e.stable(tx)
		if err != nil {
			return nil, err
		}
		if err := stable.Transfer(ctx, caller, cloneBigInt(amount)); err != nil {
			return nil, fmt.Errorf("clearing: pay withdrawal: %w", err)
		}
	}
	tx.record(NewWithdrawalClaimedEvent(caller, burned, amount))
	if err := e.finish(tx); err != nil {
		return nil, err
	}
	return amount, nil
}

// ValueOfShares prices shares against the current aggregate locked value.
func (e *Engine) ValueOfShares(ctx context.Context, shares *big.Int) (*big.Int, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	supply, err := tx.totalShares()
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	value, err := e.aggregateLockedValue(ctx, tx)
	if err != nil {
		return nil, err
	}
	return mulDiv(shares, value, supply)
}

// TransferShares moves shares between holders. Pending withdrawal requests
// are not adjusted; a claim fails if the holder no longer has the shares.
func (e *Engine) TransferShares(from, to common.Address, shares *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if shares == nil || shares.Sign() <= 0 {
		return ErrZeroAmount
	}
	tx, err := e.begin()
	if err != nil {
		return err
	}
	fromBalance, err := tx.shareBalance(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	if from != to {
		toBalance, err := tx.shareBalance(to)
		if err != nil {
			return err
		}
		if toBalance, err = add(toBalance, shares); err != nil {
			return err
		}
		if err := tx.KVPut(shareBalanceKey(from), new(big.Int).Sub(fromBalance, shares)); err != nil {
			return err
		}
		if err := tx.KVPut(shareBalanceKey(to), toBalance); err != nil {
			return err
		}
	}
	tx.record(NewSharesTransferredEvent(from, to, shares))
	return e.finish(tx)
}

// SharesOf returns the share balance of holder.
func (e *Engine) SharesOf(holder common.Address) (*big.Int, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	return tx.shareBalance(holder)
}

// TotalShares returns the share supply.
func (e *Engine) TotalShares() (*big.Int, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	return tx.totalShares()
}

// WithdrawalRequestOf returns the stored request for holder and its status.
func (e *Engine) WithdrawalRequestOf(holder common.Address) (*WithdrawalRequest, WithdrawalStatus, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, WithdrawalNone, err
	}
	req, err := tx.withdrawal(holder)
	if err != nil {
		return nil, WithdrawalNone, err
	}
	return req, req.Status(e.now()), nil
}
