package clearing

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Storage is the KV backend holding the engine's state. Values are RLP
// encoded.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// batchWriter is implemented by stores that can apply pre-encoded writes
// atomically.
type batchWriter interface {
	KVWriteBatch(entries map[string][]byte) error
}

// Vault is the capability handle of an external collateral vault. Every
// method acts on behalf of the pool account.
type Vault interface {
	CollateralAsset(ctx context.Context) (common.Address, error)
	ReferenceAsset(ctx context.Context) (common.Address, error)
	DecimalNormalizationFactor(ctx context.Context) (*big.Int, error)
	CollateralPrice(ctx context.Context) (*big.Int, error)
	ReferencePrice(ctx context.Context) (*big.Int, error)
	OutstandingDebtOwed(ctx context.Context, holder common.Address) (*big.Int, error)
	PullDue(ctx context.Context) error
	LiquidatePosition(ctx context.Context, positionID uint64, hint uint64) (bool, error)
	BuyDistressedPosition(ctx context.Context, positionID uint64) error
	// GainRatio is the vault's liquidation bonus expressed against
	// GainRatioBase.
	GainRatio(ctx context.Context) (uint64, error)
}

// Token is a fungible token handle. Transfer and Approve move funds held by
// the pool account; TransferFrom spends an allowance granted to the pool.
type Token interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Decimals(ctx context.Context) (uint8, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
	Approve(ctx context.Context, spender common.Address, amount *big.Int) error
}

// SwapVenue is the external venue used to source liquidity for collateral.
type SwapVenue interface {
	Address() common.Address
	Liquidity(ctx context.Context, poolKey common.Hash) (*big.Int, error)
	PlaceOneSidedOrder(ctx context.Context, poolKey common.Hash, asset common.Address, amount *big.Int) error
}

// Resolver hands out capability handles by address.
type Resolver interface {
	Vault(id common.Address) (Vault, error)
	Token(asset common.Address) (Token, error)
}
