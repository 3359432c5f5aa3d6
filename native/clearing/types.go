package clearing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// ModuleName identifies the clearinghouse in pause switches and events.
	ModuleName = "clearing"

	basisPoints = 10_000

	// GainRatioBase is the unit a vault's gain ratio is expressed against. A
	// gain ratio of 1100 acquires collateral at a 10% markdown.
	GainRatioBase = 1_000

	// OraclePriceUnit is the fixed decimal precision of vault oracle prices.
	OraclePriceUnit = 100_000_000

	stableDecimals = 18

	// WithdrawalDelay is the time between a withdrawal request and the
	// opening of its claim window, in seconds.
	WithdrawalDelay int64 = 7 * 24 * 60 * 60
	// WithdrawalGrace is how long the claim window stays open, in seconds.
	WithdrawalGrace int64 = 72 * 60 * 60
)

// VaultRecord is the registry entry for an external collateral vault.
type VaultRecord struct {
	ID         common.Address
	Collateral common.Address
	// Normalization is the 10^k factor reconciling the collateral's decimal
	// precision with the reference asset.
	Normalization *big.Int
	Added         bool
	Disabled      bool
	RegisteredAt  int64
}

// Active reports whether the vault may be used by vault-scoped operations.
func (v *VaultRecord) Active() bool {
	return v != nil && v.Added && !v.Disabled
}

// Params holds the owner-mutable global parameters.
type Params struct {
	FeeSplitBps       uint64
	MinPurchase       *big.Int
	MinDeposit        *big.Int
	LiquidationReward *big.Int
}

// DefaultParams returns zero minimums, no reward and a 50% fee split.
func DefaultParams() Params {
	return Params{
		FeeSplitBps:       5_000,
		MinPurchase:       big.NewInt(0),
		MinDeposit:        big.NewInt(0),
		LiquidationReward: big.NewInt(0),
	}
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	return Params{
		FeeSplitBps:       p.FeeSplitBps,
		MinPurchase:       cloneBigInt(p.MinPurchase),
		MinDeposit:        cloneBigInt(p.MinDeposit),
		LiquidationReward: cloneBigInt(p.LiquidationReward),
	}
}

// Treasury tracks protocol fee earnings.
type Treasury struct {
	EarnedPending   *big.Int
	EarnedWithdrawn *big.Int
}

// WithdrawalStatus describes where a request sits relative to its window.
type WithdrawalStatus string

const (
	WithdrawalNone      WithdrawalStatus = "none"
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalClaimable WithdrawalStatus = "claimable"
	WithdrawalExpired   WithdrawalStatus = "expired"
)

// WithdrawalRequest is a depositor's declared intent to redeem shares.
type WithdrawalRequest struct {
	Shares  *big.Int
	ReadyAt int64
}

// Status evaluates the request against now.
func (r *WithdrawalRequest) Status(now int64) WithdrawalStatus {
	if r == nil || r.Shares == nil || r.Shares.Sign() == 0 {
		return WithdrawalNone
	}
	switch {
	case now < r.ReadyAt:
		return WithdrawalPending
	case now > r.ReadyAt+WithdrawalGrace:
		return WithdrawalExpired
	default:
		return WithdrawalClaimable
	}
}

// LiquidationResult summarises a liquidation batch.
type LiquidationResult struct {
	Vault      common.Address
	Attempted  []uint64
	Liquidated []uint64
	Proceeds   *big.Int
	Fee        *big.Int
	Reward     *big.Int
}

// SaleResult summarises a direct collateral sale.
type SaleResult struct {
	Vault         common.Address
	StableCharged *big.Int
	CollateralOut *big.Int
	Price         *big.Int
	Shrunk        bool
}

// PoolSnapshot is a read-only view of the pool's global state.
type PoolSnapshot struct {
	ReferenceAsset common.Address
	Params         Params
	Treasury       Treasury
	TotalShares    *big.Int
	LockedValue    *big.Int
	StableBalance  *big.Int
	VaultCount     int
}
