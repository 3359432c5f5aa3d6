package clearing

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/publu/spacecommand/core/events"
)

const (
	EventTypeVaultRegistered     = "clearing.vault.registered"
	EventTypeVaultStatus         = "clearing.vault.status"
	EventTypeLiquidation         = "clearing.liquidation.executed"
	EventTypeCollateralCollected = "clearing.collateral.collected"
	EventTypeDistressedBought    = "clearing.distressed.bought"
	EventTypeCollateralSold      = "clearing.collateral.sold"
	EventTypeSwapRouted          = "clearing.swap.routed"
	EventTypeDeposit             = "clearing.pool.deposit"
	EventTypeWithdrawalRequested = "clearing.withdrawal.requested"
	EventTypeWithdrawalClaimed   = "clearing.withdrawal.claimed"
	EventTypeSharesTransferred   = "clearing.shares.transferred"
	EventTypeTreasuryRelease     = "clearing.treasury.released"
	EventTypeParamChanged        = "clearing.param.changed"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

func newRecord(eventType string, attrs map[string]string) events.Record {
	return events.Record{Type: eventType, Attributes: attrs}
}

// NewVaultRegisteredEvent reports a vault added to the registry.
func NewVaultRegisteredEvent(rec *VaultRecord, reference common.Address) events.Record {
	return newRecord(EventTypeVaultRegistered, map[string]string{
		"vault":         rec.ID.Hex(),
		"collateral":    rec.Collateral.Hex(),
		"reference":     reference.Hex(),
		"normalization": amountString(rec.Normalization),
		"registered_at": strconv.FormatInt(rec.RegisteredAt, 10),
	})
}

// NewVaultStatusEvent reports a vault being enabled or disabled.
func NewVaultStatusEvent(id common.Address, disabled bool) events.Record {
	return newRecord(EventTypeVaultStatus, map[string]string{
		"vault":    id.Hex(),
		"disabled": strconv.FormatBool(disabled),
	})
}

func NewLiquidationEvent(res *LiquidationResult, caller common.Address) events.Record {
	return newRecord(EventTypeLiquidation, map[string]string{
		"vault":      res.Vault.Hex(),
		"caller":     caller.Hex(),
		"positions":  joinIDs(res.Attempted),
		"liquidated": joinIDs(res.Liquidated),
		"proceeds":   amountString(res.Proceeds),
		"fee":        amountString(res.Fee),
		"reward":     amountString(res.Reward),
	})
}

func NewCollateralCollectedEvent(id common.Address, collected *big.Int) events.Record {
	return newRecord(EventTypeCollateralCollected, map[string]string{
		"vault":     id.Hex(),
		"collected": amountString(collected),
	})
}

func NewDistressedBoughtEvent(id common.Address, caller common.Address, positionID uint64) events.Record {
	return newRecord(EventTypeDistressedBought, map[string]string{
		"vault":    id.Hex(),
		"caller":   caller.Hex(),
		"position": strconv.FormatUint(positionID, 10),
	})
}

// NewCollateralSoldEvent reports a direct sale at a fixed oracle price.
func NewCollateralSoldEvent(res *SaleResult, buyer common.Address) events.Record {
	return newRecord(EventTypeCollateralSold, map[string]string{
		"vault":      res.Vault.Hex(),
		"buyer":      buyer.Hex(),
		"stable":     amountString(res.StableCharged),
		"collateral": amountString(res.CollateralOut),
		"price":      amountString(res.Price),
		"shrunk":     strconv.FormatBool(res.Shrunk),
	})
}

func NewSwapRoutedEvent(id common.Address, poolKey common.Hash, amount *big.Int) events.Record {
	return newRecord(EventTypeSwapRouted, map[string]string{
		"vault":    id.Hex(),
		"pool_key": poolKey.Hex(),
		"amount":   amountString(amount),
	})
}

func NewDepositEvent(depositor common.Address, amount, shares *big.Int) events.Record {
	return newRecord(EventTypeDeposit, map[string]string{
		"depositor": depositor.Hex(),
		"amount":    amountString(amount),
		"shares":    amountString(shares),
	})
}

func NewWithdrawalRequestedEvent(depositor common.Address, req *WithdrawalRequest) events.Record {
	return newRecord(EventTypeWithdrawalRequested, map[string]string{
		"depositor": depositor.Hex(),
		"shares":    amountString(req.Shares),
		"ready_at":  strconv.FormatInt(req.ReadyAt, 10),
	})
}

func NewWithdrawalClaimedEvent(depositor common.Address, shares, amount *big.Int) events.Record {
	return newRecord(EventTypeWithdrawalClaimed, map[string]string{
		"depositor": depositor.Hex(),
		"shares":    amountString(shares),
		"amount":    amountString(amount),
	})
}

func NewSharesTransferredEvent(from, to common.Address, shares *big.Int) events.Record {
	return newRecord(EventTypeSharesTransferred, map[string]string{
		"from":   from.Hex(),
		"to":     to.Hex(),
		"shares": amountString(shares),
	})
}

func NewTreasuryReleaseEvent(to common.Address, amount *big.Int, tr Treasury) events.Record {
	return newRecord(EventTypeTreasuryRelease, map[string]string{
		"to":        to.Hex(),
		"amount":    amountString(amount),
		"pending":   amountString(tr.EarnedPending),
		"withdrawn": amountString(tr.EarnedWithdrawn),
	})
}

// NewParamChangedEvent reports an owner parameter update with its new value.
func NewParamChangedEvent(name, value string) events.Record {
	return newRecord(EventTypeParamChanged, map[string]string{
		"param": name,
		"value": value,
	})
}
