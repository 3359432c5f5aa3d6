package noderpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/publu/spacecommand/native/clearing"
)

// Resolver hands out node-backed vault, token and venue handles acting on
// behalf of the pool account.
type Resolver struct {
	client *Client
	pool   common.Address
}

// NewResolver binds handles to the pool account.
func NewResolver(client *Client, pool common.Address) *Resolver {
	return &Resolver{client: client, pool: pool}
}

// Vault implements clearing.Resolver.
func (r *Resolver) Vault(id common.Address) (clearing.Vault, error) {
	if id == (common.Address{}) {
		return nil, fmt.Errorf("noderpc: vault address required")
	}
	return &vaultHandle{c: r.client, id: id, pool: r.pool}, nil
}

// Token implements clearing.Resolver.
func (r *Resolver) Token(asset common.Address) (clearing.Token, error) {
	if asset == (common.Address{}) {
		return nil, fmt.Errorf("noderpc: token address required")
	}
	return &tokenHandle{c: r.client, asset: asset, pool: r.pool}, nil
}

// SwapVenue returns a handle for the venue contract at addr.
func (r *Resolver) SwapVenue(addr common.Address) clearing.SwapVenue {
	return &venueHandle{c: r.client, addr: addr, pool: r.pool}
}

func toBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v.ToInt())
}

func hexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(big.NewInt(0))
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}

type vaultHandle struct {
	c    *Client
	id   common.Address
	pool common.Address
}

func (v *vaultHandle) CollateralAsset(ctx context.Context) (common.Address, error) {
	return read[common.Address](ctx, v.c, "vault_collateralAsset", v.id)
}

func (v *vaultHandle) ReferenceAsset(ctx context.Context) (common.Address, error) {
	return read[common.Address](ctx, v.c, "vault_referenceAsset", v.id)
}

func (v *vaultHandle) DecimalNormalizationFactor(ctx context.Context) (*big.Int, error) {
	out, err := read[*hexutil.Big](ctx, v.c, "vault_normalizationFactor", v.id)
	return toBig(out), err
}

func (v *vaultHandle) CollateralPrice(ctx context.Context) (*big.Int, error) {
	out, err := read[*hexutil.Big](ctx, v.c, "vault_collateralPrice", v.id)
	return toBig(out), err
}

func (v *vaultHandle) ReferencePrice(ctx context.Context) (*big.Int, error) {
	out, err := read[*hexutil.Big](ctx, v.c, "vault_referencePrice", v.id)
	return toBig(out), err
}

func (v *vaultHandle) OutstandingDebtOwed(ctx context.Context, holder common.Address) (*big.Int, error) {
	out, err := read[*hexutil.Big](ctx, v.c, "vault_debtOwed", v.id, holder)
	return toBig(out), err
}

func (v *vaultHandle) GainRatio(ctx context.Context) (uint64, error) {
	out, err := read[hexutil.Uint64](ctx, v.c, "vault_gainRatio", v.id)
	return uint64(out), err
}

func (v *vaultHandle) PullDue(ctx context.Context) error {
	_, err := write[common.Hash](ctx, v.c, "vault_pullDue", v.id, v.pool)
	return err
}

func (v *vaultHandle) LiquidatePosition(ctx context.Context, positionID uint64, hint uint64) (bool, error) {
	return write[bool](ctx, v.c, "vault_liquidate", v.id, v.pool, hexutil.Uint64(positionID), hexutil.Uint64(hint))
}

func (v *vaultHandle) BuyDistressedPosition(ctx context.Context, positionID uint64) error {
	_, err := write[common.Hash](ctx, v.c, "vault_buyDistressed", v.id, v.pool, hexutil.Uint64(positionID))
	return err
}

type tokenHandle struct {
	c     *Client
	asset common.Address
	pool  common.Address
}

func (t *tokenHandle) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	out, err := read[*hexutil.Big](ctx, t.c, "token_balanceOf", t.asset, holder)
	return toBig(out), err
}

func (t *tokenHandle) Decimals(ctx context.Context) (uint8, error) {
	out, err := read[hexutil.Uint](ctx, t.c, "token_decimals", t.asset)
	if err != nil {
		return 0, err
	}
	if out > 255 {
		return 0, fmt.Errorf("noderpc: token %s reports %d decimals", t.asset.Hex(), out)
	}
	return uint8(out), nil
}

func (t *tokenHandle) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	_, err := write[common.Hash](ctx, t.c, "token_transfer", t.asset, t.pool, to, hexBig(amount))
	return err
}

func (t *tokenHandle) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	_, err := write[common.Hash](ctx, t.c, "token_transferFrom", t.asset, t.pool, from, to, hexBig(amount))
	return err
}

func (t *tokenHandle) Approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	_, err := write[common.Hash](ctx, t.c, "token_approve", t.asset, t.pool, spender, hexBig(amount))
	return err
}

type venueHandle struct {
	c    *Client
	addr common.Address
	pool common.Address
}

func (v *venueHandle) Address() common.Address { return v.addr }

func (v *venueHandle) Liquidity(ctx context.Context, poolKey common.Hash) (*big.Int, error) {
	out, err := read[*hexutil.Big](ctx, v.c, "venue_liquidity", v.addr, poolKey)
	return toBig(out), err
}

func (v *venueHandle) PlaceOneSidedOrder(ctx context.Context, poolKey common.Hash, asset common.Address, amount *big.Int) error {
	_, err := write[common.Hash](ctx, v.c, "venue_placeOrder", v.addr, v.pool, poolKey, asset, hexBig(amount))
	return err
}

var (
	_ clearing.Resolver  = (*Resolver)(nil)
	_ clearing.Vault     = (*vaultHandle)(nil)
	_ clearing.Token     = (*tokenHandle)(nil)
	_ clearing.SwapVenue = (*venueHandle)(nil)
)
